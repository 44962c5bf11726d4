package rudp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rudpio/rudp/segment"
)

// lossyWire is a deterministic stand-in for one side of an unreliable
// UDP link: a raw socket the test drives directly, choosing exactly
// which segments to send and in what order. ConnOptions.DropRate models
// uniform random loss; this models the scenarios that kind of loss
// cannot reliably trigger on demand — a specific reordering, or a
// specific window-closed condition — by impersonating whichever peer
// the scenario needs.
type lossyWire struct {
	t  *testing.T
	pc *net.UDPConn
}

func newLossyWire(t *testing.T) *lossyWire {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("lossyWire: listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return &lossyWire{t: t, pc: pc}
}

func (w *lossyWire) addr() *net.UDPAddr { return w.pc.LocalAddr().(*net.UDPAddr) }

func (w *lossyWire) sendTo(dst *net.UDPAddr, seg segment.Segment) {
	w.t.Helper()
	buf, err := segment.Encode(seg)
	if err != nil {
		w.t.Fatalf("lossyWire: encode %s: %v", seg, err)
	}
	if _, err := w.pc.WriteToUDP(buf, dst); err != nil {
		w.t.Fatalf("lossyWire: write: %v", err)
	}
}

func (w *lossyWire) recv(timeout time.Duration) (segment.Segment, *net.UDPAddr) {
	w.t.Helper()
	w.pc.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, maxDatagramSize)
	n, raddr, err := w.pc.ReadFromUDP(buf)
	if err != nil {
		w.t.Fatalf("lossyWire: read: %v", err)
	}
	seg, err := segment.Decode(buf[:n])
	if err != nil {
		w.t.Fatalf("lossyWire: decode: %v", err)
	}
	return seg, raddr
}

// recvMatching reads until a segment satisfying match arrives or
// overall elapses, skipping retransmitted duplicates that don't
// satisfy it (a handshake retry arriving late is otherwise
// indistinguishable from the segment a scenario is actually waiting
// for).
func (w *lossyWire) recvMatching(overall time.Duration, match func(segment.Segment) bool) (segment.Segment, *net.UDPAddr) {
	w.t.Helper()
	deadline := time.Now().Add(overall)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			w.t.Fatalf("lossyWire: no matching segment within %s", overall)
		}
		seg, raddr := w.recv(remaining)
		if match(seg) {
			return seg, raddr
		}
	}
}

func isPureAck(f segment.Flags) bool {
	return f.HasAll(segment.FlagACK) && !f.HasAny(segment.FlagSYN) && !f.HasAny(segment.FlagDATA) && !f.HasAny(segment.FlagFIN)
}

// TestOutOfOrderReassemblyNeverDeliversAhead drives a server's receive
// side directly over a raw socket, deliberately delivering a later
// chunk before an earlier one. The later chunk must be buffered, not
// delivered, until the earlier one closes the gap.
func TestOutOfOrderReassemblyNeverDeliversAhead(t *testing.T) {
	opts := fastTestOptions()
	opts.UseCrypto = false

	srv, err := Listen("127.0.0.1:0", opts, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptedCh := make(chan *ServerConn, 1)
	go func() {
		peer, err := srv.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		acceptedCh <- peer
	}()

	wire := newLossyWire(t)
	serverAddr := srv.Addr().(*net.UDPAddr)

	iss := Value(5000)
	wire.sendTo(serverAddr, segment.Segment{Seq: uint32(iss), Flags: segment.FlagSYN, RWND: opts.RWNDMax})

	synAck, _ := wire.recvMatching(2*time.Second, func(s segment.Segment) bool {
		return s.Flags.HasAll(segment.FlagSYN | segment.FlagACK)
	})
	wire.sendTo(serverAddr, segment.Segment{
		Seq:   uint32(iss) + 1,
		Ack:   synAck.Seq + 1,
		Flags: segment.FlagACK,
		RWND:  opts.RWNDMax,
	})

	peer := <-acceptedCh

	base := iss + 1
	chunk1 := []byte("first-chunk-reassembled-in-order")
	chunk2 := []byte("second-chunk-delivered-only-after-first")

	// Deliberately reordered: the later chunk is sent first.
	wire.sendTo(serverAddr, segment.Segment{
		Seq:     uint32(Add(base, Size(len(chunk1)))),
		Flags:   segment.FlagDATA | segment.FlagACK,
		RWND:    opts.RWNDMax,
		Payload: chunk2,
	})

	ackAfterOOO, _ := wire.recvMatching(2*time.Second, func(s segment.Segment) bool {
		return isPureAck(s.Flags)
	})
	if Value(ackAfterOOO.Ack) != base {
		t.Fatalf("cumulative ack advanced past the missing chunk: got %d want %d", ackAfterOOO.Ack, uint32(base))
	}

	select {
	case d := <-peer.deliverCh:
		t.Fatalf("out-of-order chunk delivered before the gap closed: %q", d)
	default:
	}

	// Now close the gap.
	wire.sendTo(serverAddr, segment.Segment{
		Seq:     uint32(base),
		Flags:   segment.FlagDATA | segment.FlagACK,
		RWND:    opts.RWNDMax,
		Payload: chunk1,
	})

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	want := append(append([]byte{}, chunk1...), chunk2...)
	var got []byte
	for len(got) < len(want) {
		data, err := peer.Read(readCtx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, data...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("reassembled payload mismatch: got %q want %q", got, want)
	}
}

// TestZeroWindowProbeElicitsWindowReopenAndResume drives a Client's
// peer side directly over a raw socket, closing the advertised window
// to force Client.sendZeroWindowProbeLocked to fire, then reopening it
// to confirm the connection resumes once a fresh non-zero rwnd arrives.
func TestZeroWindowProbeElicitsWindowReopenAndResume(t *testing.T) {
	opts := fastTestOptions()
	opts.UseCrypto = false

	wire := newLossyWire(t)
	peerAddr := wire.addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientCh := make(chan *Client, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := Connect(ctx, peerAddr.String(), opts, nil)
		if err != nil {
			errCh <- err
			return
		}
		clientCh <- c
	}()

	syn, clientAddr := wire.recvMatching(2*time.Second, func(s segment.Segment) bool {
		return s.Flags.HasAll(segment.FlagSYN) && !s.Flags.HasAny(segment.FlagACK)
	})
	serverISS := Value(9000)
	wire.sendTo(clientAddr, segment.Segment{
		Seq:   uint32(serverISS),
		Ack:   syn.Seq + 1,
		Flags: segment.FlagSYN | segment.FlagACK,
		RWND:  opts.RWNDMax,
	})

	wire.recvMatching(2*time.Second, func(s segment.Segment) bool {
		return isPureAck(s.Flags) && Value(s.Ack) == serverISS+1
	})

	var client *Client
	select {
	case client = <-clientCh:
	case err := <-errCh:
		t.Fatalf("Connect: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not complete")
	}
	defer client.shutdownSocket()

	// Force the peer's window shut and make the client probe for a
	// fresh advertisement, the way it would if a real peer's rwnd had
	// closed to zero.
	client.conn.mu.Lock()
	client.conn.peerRWND = 0
	nxt := client.conn.snd.NXT
	client.sendZeroWindowProbeLocked()
	client.conn.mu.Unlock()

	probe, _ := wire.recvMatching(2*time.Second, func(s segment.Segment) bool {
		return s.Flags.HasAll(segment.FlagDATA|segment.FlagACK) && len(s.Payload) == 0
	})
	if Value(probe.Seq) != nxt {
		t.Fatalf("probe seq = %d, want snd.NXT %d", probe.Seq, uint32(nxt))
	}

	// Peer resumes by re-advertising a non-zero window.
	if err := client.handleAck(segment.Segment{Ack: uint32(nxt), Flags: segment.FlagACK, RWND: 20}); err != nil {
		t.Fatalf("handleAck: %v", err)
	}
	client.conn.mu.Lock()
	gotRWND := client.conn.peerRWND
	client.conn.mu.Unlock()
	if gotRWND != 20 {
		t.Fatalf("peerRWND = %d, want 20 once the window reopens", gotRWND)
	}
}
