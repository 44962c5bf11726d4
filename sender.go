package rudp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rudpio/rudp/crypto"
	"github.com/rudpio/rudp/segment"
)

// maxDatagramSize bounds the buffer readLoop reads into: header, max
// plaintext payload, AEAD nonce+tag overhead, and the small key-material
// TLV all comfortably fit well under 2KiB.
const maxDatagramSize = 2048

// Client is the Sender Engine: it performs the handshake, segments
// and transmits a byte stream under flow and congestion control, and
// drives FIN shutdown.
type Client struct {
	pc   *net.UDPConn
	peer *net.UDPAddr
	conn *Conn

	recvCh chan segment.Segment

	readDone chan struct{}
}

// Connect dials peer, performs the three-way handshake with in-band key
// agreement, and returns a ready-to-use Client. It fails with
// [*HandshakeFailure] if the SYN is never answered within
// opts.MaxRetries attempts, or [*LocalCancelled] if ctx is done first.
func Connect(ctx context.Context, peer string, opts ConnOptions, log *slog.Logger) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, fmt.Errorf("rudp: resolving %s: %w", peer, err)
	}
	pc, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("rudp: dialing %s: %w", peer, err)
	}
	c := &Client{
		pc:       pc,
		peer:     raddr,
		conn:     newConn(opts, log),
		recvCh:   make(chan segment.Segment, 256),
		readDone: make(chan struct{}),
	}
	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		c.shutdownSocket()
		return nil, err
	}
	return c, nil
}

// readLoop is the "network reader" : it only frames and checksum-
// validates datagrams, forwarding legal segments to recvCh. The only Conn
// state it touches is the InvalidSegments counter, under conn.mu.
func (c *Client) readLoop() {
	defer close(c.readDone)
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := c.pc.Read(buf)
		if err != nil {
			return
		}
		seg, err := segment.Decode(buf[:n])
		if err != nil {
			c.conn.mu.Lock()
			c.conn.metrics.InvalidSegments++
			c.conn.mu.Unlock()
			c.conn.debug("client:rx-invalid")
			continue
		}
		select {
		case c.recvCh <- seg:
		default:
			// Receiver is not keeping up; drop like a lossy network would.
		}
	}
}

func (c *Client) shutdownSocket() {
	c.pc.Close()
	<-c.readDone
}

// handshake implements the client side of the three-way handshake.
func (c *Client) handshake(ctx context.Context) error {
	conn := c.conn
	iss := randomValue()

	conn.mu.Lock()
	conn.resetSend(iss)
	conn.state = StateSynSent
	conn.cwnd = InitialCwnd
	conn.ssthresh = InitialSsthresh
	var synPayload []byte
	if conn.opts.UseCrypto {
		key, err := crypto.GenerateKey()
		if err != nil {
			conn.mu.Unlock()
			return fmt.Errorf("rudp: generating session key: %w", err)
		}
		env, err := crypto.New(key)
		if err != nil {
			conn.mu.Unlock()
			return fmt.Errorf("rudp: installing session key: %w", err)
		}
		conn.env = env
		synPayload = crypto.EncodeKeyTLV(key)
	} else {
		conn.env = crypto.Disabled()
	}
	syn := segment.Segment{Seq: uint32(iss), Flags: segment.FlagSYN, RWND: conn.rwndMax, Payload: synPayload}
	conn.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if attempt > conn.opts.MaxRetries {
			conn.mu.Lock()
			conn.state = StateClosed
			conn.mu.Unlock()
			conn.logerr("client:handshake-failed", slog.Int("retries", attempt))
			return &HandshakeFailure{Peer: c.peer.String(), Retries: attempt}
		}
		if err := c.sendRaw(syn); err != nil {
			return fmt.Errorf("rudp: sending SYN: %w", err)
		}
		sentAt := time.Now()

		conn.mu.Lock()
		rto := conn.rto()
		conn.mu.Unlock()

		timeout := time.After(rto)
	waitSynAck:
		select {
		case <-ctx.Done():
			return &LocalCancelled{Op: "connect", Err: ctx.Err()}
		case seg := <-c.recvCh:
			if !seg.Flags.HasAll(segment.FlagSYN | segment.FlagACK) {
				goto waitSynAck // Not a SYN-ACK yet; keep waiting out this attempt's timer.
			}
			if Value(seg.Ack) != iss+1 {
				goto waitSynAck // Stale or mismatched SYN-ACK.
			}
			conn.mu.Lock()
			conn.resetRecv(Value(seg.Seq) + 1)
			conn.snd.UNA = iss + 1
			conn.snd.NXT = iss + 1
			conn.peerRWND = seg.RWND
			conn.state = StateEstablished
			rtt := time.Since(sentAt)
			conn.updateRTT(float64(rtt.Milliseconds()))
			conn.mu.Unlock()

			ack := segment.Segment{Seq: uint32(iss + 1), Ack: seg.Seq + 1, Flags: segment.FlagACK, RWND: conn.rwndMax}
			if err := c.sendRaw(ack); err != nil {
				return fmt.Errorf("rudp: sending handshake ACK: %w", err)
			}
			conn.trace("client:established", slog.String("peer", c.peer.String()),
				slog.String("exchange", stringExchange(seg, StateSynSent, StateEstablished, false)))
			return nil
		case <-timeout:
			// RTO elapsed without a SYN-ACK: retransmit the SYN at a
			// backed-off interval (exponential backoff, same as a data
			// timeout).
			conn.mu.Lock()
			conn.rtoMS *= 2
			if conn.rtoMS > float64(MaxRTO.Milliseconds()) {
				conn.rtoMS = float64(MaxRTO.Milliseconds())
			}
			conn.mu.Unlock()
		}
	}
}

// sendRaw encodes and writes seg to the peer without touching Conn state.
func (c *Client) sendRaw(seg segment.Segment) error {
	buf, err := segment.Encode(seg)
	if err != nil {
		return err
	}
	_, err = c.pc.Write(buf)
	return err
}

// pendingChunk is one not-yet-fully-acknowledged piece of the current
// Write call's payload.
type pendingChunk struct {
	seq     Value
	payload []byte // plaintext
}

// Write segments data into PayloadSize chunks and drives the windowed send
// loop until every chunk has been cumulatively acknowledged. It
// honors ctx for cancellation and returns [*PeerUnreachable] if a segment
// exceeds MaxRetries retransmissions.
func (c *Client) Write(ctx context.Context, data []byte) (int, error) {
	conn := c.conn
	if len(data) == 0 {
		return 0, nil
	}

	var queue []pendingChunk
	conn.mu.Lock()
	seq := conn.snd.NXT
	for off := 0; off < len(data); off += PayloadSize {
		end := off + PayloadSize
		if end > len(data) {
			end = len(data)
		}
		chunk := append([]byte(nil), data[off:end]...)
		queue = append(queue, pendingChunk{seq: seq, payload: chunk})
		seq = Add(seq, Size(len(chunk)))
	}
	conn.mu.Unlock()

	sent := 0
	for len(queue) > 0 || conn.outstandingLocked() > 0 {
		conn.mu.Lock()
		for len(queue) > 0 && conn.spaceAvailable() > 0 && conn.peerRWND > 0 {
			chunk := queue[0]
			queue = queue[1:]
			c.transmitDataLocked(chunk)
			sent += len(chunk.payload)
		}
		probe := len(queue) > 0 && conn.peerRWND == 0 && conn.outstanding() == 0
		if probe {
			c.sendZeroWindowProbeLocked()
		}
		deadline := conn.rto()
		conn.mu.Unlock()

		select {
		case <-ctx.Done():
			return sent, &LocalCancelled{Op: "write", Err: ctx.Err()}
		case seg, ok := <-c.recvCh:
			if !ok {
				return sent, errors.New("rudp: connection closed")
			}
			if err := c.handleAck(seg); err != nil {
				return sent, err
			}
		case <-time.After(deadline):
			if err := c.handleTimeout(); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

func (c *Conn) outstandingLocked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding()
}

// transmitDataLocked sends one data chunk. Caller must hold conn.mu.
func (c *Client) transmitDataLocked(chunk pendingChunk) {
	conn := c.conn
	ciphertext := conn.env.Seal(uint32(chunk.seq), chunk.payload)
	seg := segment.Segment{
		Seq:     uint32(chunk.seq),
		Ack:     uint32(conn.rcv.NXT),
		Flags:   segment.FlagDATA | segment.FlagACK,
		RWND:    conn.rwndMax,
		Payload: ciphertext,
	}
	if err := c.sendRaw(seg); err != nil {
		conn.logerr("client:send-failed", slog.String("err", err.Error()))
		return
	}
	conn.inflight[chunk.seq] = &inflightSegment{payload: ciphertext, sentAt: time.Now()}
	conn.snd.NXT = Add(chunk.seq, Size(len(chunk.payload)))
	conn.trace("client:tx-data", slog.Uint64("seq", uint64(chunk.seq)), slog.Int("len", len(chunk.payload)))
}

// sendZeroWindowProbeLocked sends a minimum-sized (zero plaintext length)
// DATA segment at snd.NXT to elicit a fresh window advertisement once the
// peer's rwnd has closed. Caller must hold conn.mu.
func (c *Client) sendZeroWindowProbeLocked() {
	conn := c.conn
	ciphertext := conn.env.Seal(uint32(conn.snd.NXT), nil)
	seg := segment.Segment{
		Seq:     uint32(conn.snd.NXT),
		Ack:     uint32(conn.rcv.NXT),
		Flags:   segment.FlagDATA | segment.FlagACK,
		RWND:    conn.rwndMax,
		Payload: ciphertext,
	}
	_ = c.sendRaw(seg)
	conn.trace("client:zero-window-probe", slog.Uint64("seq", uint64(conn.snd.NXT)))
}

// handleAck processes one incoming ACK segment against the send side of
// the connection: stale, duplicate, and new-ACK cases each update
// different parts of the congestion and flow control state.
func (c *Client) handleAck(seg segment.Segment) error {
	conn := c.conn
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.peerRWND = seg.RWND // latched from every incoming ACK, regardless of new/dup.
	ack := Value(seg.Ack)

	switch {
	case ack.LessThan(conn.snd.UNA):
		// Stale ACK: ignore.
		return nil
	case ack == conn.snd.UNA:
		if conn.lastDupAck != ack {
			conn.lastDupAck = ack
			conn.dupAckCount = 0
		}
		conn.dupAckCount++
		conn.metrics.DuplicateACKs++
		conn.debug("client:dup-ack", slog.Int("count", conn.dupAckCount))
		if conn.dupAckCount == DupAckThreshold {
			if inf, ok := conn.inflight[conn.snd.UNA]; ok {
				conn.onFastRetransmit()
				c.retransmitLocked(conn.snd.UNA, inf)
			}
		}
		return nil
	default: // ack > snd.UNA: new cumulative ACK.
		c.advanceUnaLocked(ack)
		conn.onNewAck()
		conn.dupAckCount = 0
		return nil
	}
}

// advanceUnaLocked frees every inflight segment fully covered by a new
// cumulative ACK and samples RTT from the most recent one not previously
// retransmitted (Karn's algorithm). Caller must hold conn.mu.
func (c *Client) advanceUnaLocked(ack Value) {
	conn := c.conn
	var sampleAt time.Time
	var haveSample bool
	for seq, inf := range conn.inflight {
		// inf.payload is ciphertext, longer than the sequence space the
		// segment occupies; since the receiver only advances its ACK by
		// whole segments, a segment starting below ack is fully covered.
		if !seq.LessThan(ack) {
			continue
		}
		delete(conn.inflight, seq)
		delete(conn.retries, seq)
		conn.metrics.BytesDelivered += uint64(len(inf.payload))
		if !inf.retransmitted && (!haveSample || inf.sentAt.After(sampleAt)) {
			sampleAt = inf.sentAt
			haveSample = true
		}
	}
	if haveSample {
		conn.updateRTT(float64(time.Since(sampleAt).Milliseconds()))
	}
	conn.snd.UNA = ack
}

// retransmitLocked resends the segment at seq unchanged and bumps its
// retry counter, keyed by the segment's first sequence number. Caller
// must hold conn.mu.
func (c *Client) retransmitLocked(seq Value, inf *inflightSegment) {
	conn := c.conn
	seg := segment.Segment{
		Seq:     uint32(seq),
		Ack:     uint32(conn.rcv.NXT),
		Flags:   segment.FlagDATA | segment.FlagACK,
		RWND:    conn.rwndMax,
		Payload: inf.payload,
	}
	_ = c.sendRaw(seg)
	inf.retransmitted = true
	inf.sentAt = time.Now()
	conn.retries[seq]++
	conn.metrics.Retransmissions++
	conn.trace("client:retransmit", slog.Uint64("seq", uint64(seq)), slog.Int("retries", conn.retries[seq]))
}

// handleTimeout fires when the retransmission timer for snd.UNA expires
// with no new ACK.
func (c *Client) handleTimeout() error {
	conn := c.conn
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.outstanding() == 0 {
		return nil // Nothing in flight; this was a zero-window probe interval.
	}
	inf, ok := conn.inflight[conn.snd.UNA]
	if !ok {
		return nil
	}
	conn.onTimeout()
	c.retransmitLocked(conn.snd.UNA, inf)
	if conn.retries[conn.snd.UNA] > conn.opts.MaxRetries {
		conn.state = StateClosed
		conn.logerr("client:peer-unreachable", slog.Uint64("seq", uint64(conn.snd.UNA)))
		return &PeerUnreachable{Peer: c.peer.String(), Seq: conn.snd.UNA}
	}
	return nil
}

// Close initiates FIN shutdown: it is only valid once all previously
// written bytes have been acknowledged. It fails with
// [*ShutdownFailure] if the peer never ACKs the FIN within MaxRetries
// attempts, but forces the connection closed either way.
func (c *Client) Close(ctx context.Context) error {
	conn := c.conn
	defer c.shutdownSocket()

	conn.mu.Lock()
	finSeq := conn.snd.NXT
	conn.state = StateFinSent
	ack := uint32(conn.rcv.NXT)
	rwnd := conn.rwndMax
	conn.mu.Unlock()

	ciphertext := conn.env.Seal(uint32(finSeq), nil)
	fin := segment.Segment{Seq: uint32(finSeq), Ack: ack, Flags: segment.FlagFIN | segment.FlagACK, RWND: rwnd, Payload: ciphertext}

	for attempt := 0; ; attempt++ {
		if attempt > conn.opts.MaxRetries {
			conn.mu.Lock()
			conn.state = StateClosed
			conn.mu.Unlock()
			conn.logerr("client:shutdown-failed", slog.Int("retries", attempt))
			return &ShutdownFailure{Peer: c.peer.String()}
		}
		if err := c.sendRaw(fin); err != nil {
			return fmt.Errorf("rudp: sending FIN: %w", err)
		}

		conn.mu.Lock()
		rto := conn.rto()
		conn.mu.Unlock()

		select {
		case <-ctx.Done():
			conn.mu.Lock()
			conn.state = StateClosed
			conn.mu.Unlock()
			return &LocalCancelled{Op: "close", Err: ctx.Err()}
		case seg := <-c.recvCh:
			if seg.Flags.HasAll(segment.FlagFIN | segment.FlagACK) {
				if _, err := conn.env.Open(seg.Seq, seg.Payload); err != nil {
					conn.mu.Lock()
					conn.metrics.InvalidSegments++
					conn.mu.Unlock()
					conn.debug("client:fin-auth-failed", slog.Uint64("seq", uint64(seg.Seq)))
					continue
				}
				conn.mu.Lock()
				conn.state = StateClosed
				conn.mu.Unlock()
				conn.trace("client:closed")
				return nil
			}
			if seg.Flags.HasAll(segment.FlagACK) && Value(seg.Ack) == finSeq+1 {
				conn.mu.Lock()
				conn.state = StateClosed
				conn.mu.Unlock()
				conn.trace("client:closed")
				return nil
			}
		case <-time.After(rto):
			conn.mu.Lock()
			conn.rtoMS *= 2
			conn.mu.Unlock()
		}
	}
}

// Metrics returns a snapshot of the connection's counters.
func (c *Client) Metrics() Metrics { return c.conn.Snapshot() }

// State returns the connection's current state.
func (c *Client) State() State { return c.conn.State() }
