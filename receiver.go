package rudp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/rudpio/rudp/crypto"
	"github.com/rudpio/rudp/internal"
	"github.com/rudpio/rudp/segment"
)

// Server is the Receiver Engine: it owns one UDP socket shared by
// every peer, demultiplexes inbound datagrams by remote address, and
// drives the server side of the handshake for each new peer.
type Server struct {
	pc   *net.UDPConn
	opts ConnOptions
	log  *slog.Logger

	mu    sync.Mutex
	peers map[string]*ServerConn

	acceptCh chan *ServerConn
	doneCh   chan struct{}
}

// Listen binds addr and returns a Server ready to [Server.Accept]
// incoming connections.
func Listen(addr string, opts ConnOptions, log *slog.Logger) (*Server, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rudp: resolving %s: %w", addr, err)
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("rudp: listening on %s: %w", addr, err)
	}
	s := &Server{
		pc:       pc,
		opts:     opts,
		log:      log,
		peers:    make(map[string]*ServerConn),
		acceptCh: make(chan *ServerConn, 16),
		doneCh:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Addr returns the server's bound local address.
func (s *Server) Addr() net.Addr { return s.pc.LocalAddr() }

// readLoop demultiplexes every inbound datagram to its peer's recvCh,
// spawning a new [ServerConn] and handshake goroutine the first time a
// SYN arrives from an unseen address. DropRate simulates lossy links by
// silently discarding a fraction of datagrams before any processing,
// exactly like the sender's network would.
func (s *Server) readLoop() {
	defer close(s.doneCh)
	buf := make([]byte, maxDatagramSize)
	bo := internal.NewDispatchBackoff()
	for {
		n, raddr, err := s.pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if s.opts.DropRate > 0 && rand.Float64() < s.opts.DropRate {
			continue
		}
		seg, err := segment.Decode(buf[:n])
		if err != nil {
			continue
		}

		key := raddr.String()
		s.mu.Lock()
		peer, ok := s.peers[key]
		if !ok {
			if !seg.Flags.HasAll(segment.FlagSYN) || seg.Flags.HasAny(segment.FlagACK) {
				s.mu.Unlock()
				continue // Not a fresh SYN; nothing to demux it to.
			}
			peer = newServerConn(s, raddr)
			s.peers[key] = peer
			go peer.accept(seg)
		}
		s.mu.Unlock()

		enqueueWithBackoff(peer.recvCh, seg, &bo)
	}
}

// enqueueWithBackoff tries a few times to hand seg to ch, backing off
// between attempts so a momentarily busy peer goroutine gets a chance to
// drain before the segment is given up on and dropped like a lossy wire
// would drop it.
func enqueueWithBackoff(ch chan segment.Segment, seg segment.Segment, bo *internal.Backoff) {
	for attempt := 0; attempt < 3; attempt++ {
		select {
		case ch <- seg:
			bo.Hit()
			return
		default:
			bo.Miss()
		}
	}
}

// Accept blocks until a new peer completes its handshake, or ctx is
// done.
func (s *Server) Accept(ctx context.Context) (*ServerConn, error) {
	select {
	case peer := <-s.acceptCh:
		return peer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, errors.New("rudp: server closed")
	}
}

// Close stops accepting new peers and releases the listening socket.
func (s *Server) Close() error {
	return s.pc.Close()
}

func (s *Server) removePeer(raddr *net.UDPAddr) {
	s.mu.Lock()
	delete(s.peers, raddr.String())
	s.mu.Unlock()
}

// ServerConn is one accepted peer's half of the Receiver Engine: the same
// [Conn] state machine as a [Client], driven from the server's shared
// socket instead of a dialed one.
type ServerConn struct {
	srv  *Server
	peer *net.UDPAddr
	conn *Conn

	recvCh chan segment.Segment

	deliverCh chan []byte // contiguous, decrypted application data
	eofCh     chan struct{}
}

func newServerConn(s *Server, peer *net.UDPAddr) *ServerConn {
	return &ServerConn{
		srv:       s,
		peer:      peer,
		conn:      newConn(s.opts, s.log),
		recvCh:    make(chan segment.Segment, 256),
		deliverCh: make(chan []byte, 256),
		eofCh:     make(chan struct{}),
	}
}

func (sc *ServerConn) sendRaw(seg segment.Segment) error {
	buf, err := segment.Encode(seg)
	if err != nil {
		return err
	}
	_, err = sc.srv.pc.WriteToUDP(buf, sc.peer)
	return err
}

// accept drives the server side of the handshake for a freshly observed
// SYN, then hands the established connection to Accept and falls through
// into the data-plane loop.
func (sc *ServerConn) accept(syn segment.Segment) {
	conn := sc.conn

	conn.mu.Lock()
	conn.resetRecv(Value(syn.Seq) + 1)
	if conn.opts.UseCrypto && len(syn.Payload) > 0 {
		key, err := crypto.DecodeKeyTLV(syn.Payload)
		if err != nil {
			conn.mu.Unlock()
			sc.srv.removePeer(sc.peer)
			conn.logerr("server:bad-key-material", slog.String("peer", sc.peer.String()))
			return
		}
		env, err := crypto.New(key)
		if err != nil {
			conn.mu.Unlock()
			sc.srv.removePeer(sc.peer)
			return
		}
		conn.env = env
	} else {
		conn.env = crypto.Disabled()
	}
	iss := randomValue()
	conn.resetSend(iss)
	conn.state = StateSynRcvd
	conn.cwnd = InitialCwnd
	conn.ssthresh = InitialSsthresh
	synAck := segment.Segment{Seq: uint32(iss), Ack: uint32(conn.rcv.NXT), Flags: segment.FlagSYN | segment.FlagACK, RWND: conn.rwndMax}
	conn.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if attempt > conn.opts.MaxRetries {
			sc.srv.removePeer(sc.peer)
			conn.logerr("server:handshake-failed", slog.String("peer", sc.peer.String()))
			return
		}
		if err := sc.sendRaw(synAck); err != nil {
			sc.srv.removePeer(sc.peer)
			return
		}

		conn.mu.Lock()
		rto := conn.rto()
		conn.mu.Unlock()

		select {
		case seg := <-sc.recvCh:
			if !seg.Flags.HasAll(segment.FlagACK) || Value(seg.Ack) != iss+1 {
				continue
			}
			conn.mu.Lock()
			conn.snd.UNA = iss + 1
			conn.snd.NXT = iss + 1
			conn.peerRWND = seg.RWND
			conn.state = StateEstablished
			conn.mu.Unlock()
			conn.trace("server:established", slog.String("peer", sc.peer.String()),
				slog.String("exchange", stringExchange(seg, StateSynRcvd, StateEstablished, true)))

			select {
			case sc.srv.acceptCh <- sc:
			default:
				sc.srv.acceptCh <- sc // Block rather than drop a newly accepted peer.
			}
			sc.driveDataPlane()
			return
		case <-time.After(rto):
			conn.mu.Lock()
			conn.rtoMS *= 2
			if conn.rtoMS > float64(MaxRTO.Milliseconds()) {
				conn.rtoMS = float64(MaxRTO.Milliseconds())
			}
			conn.mu.Unlock()
		}
	}
}

// driveDataPlane is the server-side per-peer engine: it authenticates and
// reassembles DATA segments, emits cumulative ACKs with a live rwnd, and
// handles the FIN exchange.
func (sc *ServerConn) driveDataPlane() {
	conn := sc.conn
	defer close(sc.eofCh)

	for {
		seg, ok := <-sc.recvCh
		if !ok {
			return
		}
		switch {
		case seg.Flags.HasAll(segment.FlagFIN):
			if sc.handleFIN(seg) {
				return
			}
		case seg.Flags.HasAll(segment.FlagDATA):
			sc.handleData(seg)
		default:
			// A bare ACK carrying window/ack info only; latch peerRWND.
			conn.mu.Lock()
			conn.peerRWND = seg.RWND
			conn.mu.Unlock()
		}
	}
}

// handleData implements the in-order/out-of-order/duplicate trichotomy:
// data exactly at rcv.NXT is delivered immediately and any
// contiguous out-of-order segments buffered after it are flushed too;
// data ahead of rcv.NXT but within the window is buffered; anything else
// (already-seen data, or beyond the advertised window) is dropped. Every
// branch replies with the same cumulative ACK.
func (sc *ServerConn) handleData(seg segment.Segment) {
	conn := sc.conn
	conn.mu.Lock()

	plaintext, err := conn.env.Open(seg.Seq, seg.Payload)
	if err != nil {
		conn.metrics.InvalidSegments++
		conn.mu.Unlock()
		conn.debug("server:auth-failed", slog.Uint64("seq", uint64(seg.Seq)))
		return
	}
	seqv := Value(seg.Seq)

	switch {
	case seqv == conn.rcv.NXT:
		if len(plaintext) > 0 {
			conn.rcv.NXT.UpdateForward(Size(len(plaintext)))
			conn.metrics.BytesDelivered += uint64(len(plaintext))
		}
		delivered := [][]byte{plaintext}
		for {
			buffered, ok := conn.oo[conn.rcv.NXT]
			if !ok {
				break
			}
			delete(conn.oo, conn.rcv.NXT)
			conn.rcv.NXT.UpdateForward(Size(len(buffered)))
			conn.metrics.BytesDelivered += uint64(len(buffered))
			delivered = append(delivered, buffered)
		}
		rwnd := conn.rwndMax - uint16(len(conn.oo))
		ack := uint32(conn.rcv.NXT)
		conn.mu.Unlock()
		for _, d := range delivered {
			if len(d) == 0 {
				continue
			}
			sc.deliverCh <- d
		}
		sc.sendAck(ack, rwnd)

	case seqv.InWindow(conn.rcv.NXT, Size(conn.rwndMax)*PayloadSize) && len(plaintext) > 0:
		conn.oo[seqv] = plaintext
		conn.metrics.DuplicateACKs++ // Counts as an out-of-order arrival for observability purposes.
		rwnd := conn.rwndMax - uint16(len(conn.oo))
		ack := uint32(conn.rcv.NXT)
		conn.mu.Unlock()
		sc.sendAck(ack, rwnd)
		conn.trace("server:out-of-order", slog.Uint64("seq", uint64(seqv)))

	default:
		// Duplicate of already-delivered data, or outside the window:
		// re-ack rcv.NXT so the sender's fast-retransmit logic can fire.
		rwnd := conn.rwndMax - uint16(len(conn.oo))
		ack := uint32(conn.rcv.NXT)
		conn.mu.Unlock()
		sc.sendAck(ack, rwnd)
	}
}

func (sc *ServerConn) sendAck(ack uint32, rwnd uint16) {
	seg := segment.Segment{Ack: ack, Flags: segment.FlagACK, RWND: rwnd}
	_ = sc.sendRaw(seg)
}

// handleFIN authenticates a FIN's payload the same way a DATA segment's
// is authenticated, and only acts on it when seg.Seq == rcv.NXT: a FIN
// arriving at any other sequence is treated like any other out-of-window
// segment (re-ack the current rcv.NXT, no state change) rather than
// letting rcv.NXT jump ahead of bytes the caller never saw. On the
// accepted path it enters CLOSE_WAIT and gives any caller blocked in Read
// an io.EOF-equivalent signal once the connection's drain interval
// elapses; there is no independent half-close here, one FIN/ACK exchange
// ends the connection in both directions. The return value tells
// driveDataPlane whether to stop its loop.
func (sc *ServerConn) handleFIN(seg segment.Segment) bool {
	conn := sc.conn
	conn.mu.Lock()

	if _, err := conn.env.Open(seg.Seq, seg.Payload); err != nil {
		conn.metrics.InvalidSegments++
		conn.mu.Unlock()
		conn.debug("server:auth-failed", slog.Uint64("seq", uint64(seg.Seq)))
		return false
	}

	if Value(seg.Seq) != conn.rcv.NXT {
		ack := uint32(conn.rcv.NXT)
		rwnd := conn.rwndMax - uint16(len(conn.oo))
		conn.mu.Unlock()
		sc.sendAck(ack, rwnd)
		conn.trace("server:fin-out-of-window", slog.Uint64("seq", uint64(seg.Seq)), slog.Uint64("rcv_nxt", uint64(ack)))
		return false
	}

	conn.rcv.NXT = Add(Value(seg.Seq), 1)
	conn.state = StateCloseWait
	ack := uint32(conn.rcv.NXT)
	rwnd := conn.rwndMax
	seq := uint32(conn.snd.NXT)
	conn.mu.Unlock()

	ciphertext := conn.env.Seal(seq, nil)
	fin := segment.Segment{Seq: seq, Ack: ack, Flags: segment.FlagFIN | segment.FlagACK, RWND: rwnd, Payload: ciphertext}
	_ = sc.sendRaw(fin)
	conn.trace("server:close-wait", slog.String("peer", sc.peer.String()))

	time.AfterFunc(2*conn.rto(), func() {
		sc.srv.removePeer(sc.peer)
		conn.mu.Lock()
		conn.state = StateClosed
		conn.mu.Unlock()
	})
	return true
}

// Read returns the next contiguous chunk of application data, or an error
// once the peer has closed the connection and no more data remains.
//
// Buffered data always takes priority over a pending EOF: a FIN can be
// processed, closing eofCh, while chunks it raced against are still
// sitting in deliverCh waiting for the caller to drain them.
func (sc *ServerConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-sc.deliverCh:
		return data, nil
	default:
	}
	select {
	case data := <-sc.deliverCh:
		return data, nil
	case <-sc.eofCh:
		select {
		case data := <-sc.deliverCh:
			return data, nil
		default:
			return nil, errors.New("rudp: EOF")
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RemoteAddr returns the peer's network address.
func (sc *ServerConn) RemoteAddr() net.Addr { return sc.peer }

// State returns the connection's current state.
func (sc *ServerConn) State() State { return sc.conn.State() }

// Metrics returns a snapshot of the connection's counters.
func (sc *ServerConn) Metrics() Metrics { return sc.conn.Snapshot() }
