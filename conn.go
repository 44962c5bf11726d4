package rudp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rudpio/rudp/crypto"
	"github.com/rudpio/rudp/internal"
	"github.com/rudpio/rudp/segment"
)

// State enumerates the states a connection progresses through during its
// lifetime. This is a deliberate reduction of a full RFC 9293 TCB: the
// FIN exchange here is a single two-way handshake, not TCP's independent
// half-close, so there is no FinWait2/Closing/TimeWait/LastAck.
type State uint8

const (
	StateClosed State = iota
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinSent
	StateCloseWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinSent:
		return "FIN_SENT"
	case StateCloseWait:
		return "CLOSED_WAIT"
	default:
		return "UNKNOWN"
	}
}

// sendSpace holds the send-side sequence-space variables.
type sendSpace struct {
	ISS Value // initial send sequence number
	UNA Value // oldest unacknowledged sequence number
	NXT Value // next sequence number to send
}

// recvSpace holds the receive-side sequence-space variables.
type recvSpace struct {
	IRS Value // initial receive sequence number (peer's ISS)
	NXT Value // next sequence number expected from peer
}

// inflightSegment tracks one unacknowledged segment for retransmission and
// RTT sampling.
type inflightSegment struct {
	payload       []byte
	flags         uint16 // informational, for logging only
	sentAt        time.Time
	retransmitted bool // Karn's algorithm: a retransmitted segment's RTT is never sampled
}

// Metrics are the counters a connection exposes: bytes delivered,
// retransmissions, timeouts, duplicate ACKs observed, and wall-clock
// elapsed time.
type Metrics struct {
	BytesDelivered  uint64
	Retransmissions uint64
	Timeouts        uint64
	DuplicateACKs   uint64
	InvalidSegments uint64
	Start           time.Time
}

// Elapsed returns the time since the connection's metrics were started.
func (m Metrics) Elapsed() time.Duration { return time.Since(m.Start) }

// Conn is the Connection State component: the per-peer record
// shared by the sender and receiver logic that operates on it. It is the
// single shared owner of a connection's mutable state, serialized under one
// mutex, so that sender timer logic and receiver ACK logic never need a
// back-reference to one another.
type Conn struct {
	mu sync.Mutex

	state State

	snd sendSpace
	rcv recvSpace

	// Congestion control, segments.
	cwnd        float64
	ssthresh    float64
	dupAckCount int
	lastDupAck  Value // snd.UNA value the current run of duplicate ACKs is about

	// Flow control.
	peerRWND uint16 // latched from the last incoming ACK's rwnd field

	// RTT estimation.
	srttMS   float64
	rttvarMS float64
	haveRTT  bool
	rtoMS    float64

	// retries is keyed by a segment's first sequence number: retry
	// counters reset cleanly on cumulative advance because stale keys
	// for already-acked segments are simply never looked at again (and
	// are deleted once freed).
	retries map[Value]int

	// inflight holds unacked segments sent by this side, keyed by seq.
	inflight map[Value]*inflightSegment

	// Receiver-side out-of-order reassembly buffer, keyed by
	// seq. Bounded by rwndMax segments.
	oo      map[Value][]byte
	rwndMax uint16

	env  crypto.Envelope
	opts ConnOptions

	metrics Metrics

	logger
}

// logger is a thin wrapper around *slog.Logger where a nil logger is
// always a silent no-op, so callers that don't want logs never pay for
// formatting one.
type logger struct {
	log *slog.Logger
}

func (l logger) enabled(lvl slog.Level) bool { return internal.Enabled(l.log, lvl) }
func (l logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}
func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}
func (l logger) logerr(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}

// newConn builds a Conn ready for prepareHandshake.
func newConn(opts ConnOptions, log *slog.Logger) *Conn {
	return &Conn{
		opts:     opts,
		rwndMax:  opts.RWNDMax,
		retries:  make(map[Value]int),
		inflight: make(map[Value]*inflightSegment),
		oo:       make(map[Value][]byte),
		rtoMS:    float64(opts.InitialRTO.Milliseconds()),
		logger:   logger{log: log},
		metrics:  Metrics{Start: time.Now()},
	}
}

// resetSend (re)initializes the send sequence space with a fresh ISS.
func (c *Conn) resetSend(iss Value) {
	c.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss}
}

// resetRecv (re)initializes the receive sequence space from the peer's ISS.
func (c *Conn) resetRecv(irs Value) {
	c.rcv = recvSpace{IRS: irs, NXT: irs}
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a point-in-time copy of the connection's metrics, safe
// to read without holding the connection's lock.
func (c *Conn) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// outstanding returns the number of unacknowledged segments currently in
// flight.
func (c *Conn) outstanding() int {
	return len(c.inflight)
}

// spaceAvailable returns how many more segments may be injected without
// exceeding min(cwnd, peer_rwnd).
func (c *Conn) spaceAvailable() int {
	limit := c.sendLimit()
	avail := limit - c.outstanding()
	if avail < 0 {
		return 0
	}
	return avail
}

// sendLimit returns min(cwnd, peer_rwnd) in segments, or peer_rwnd alone
// when congestion control is disabled.
func (c *Conn) sendLimit() int {
	if !c.opts.CCEnabled {
		return int(c.peerRWND)
	}
	cwndSeg := int(c.cwnd)
	if cwndSeg < 1 {
		cwndSeg = 1
	}
	if int(c.peerRWND) < cwndSeg {
		return int(c.peerRWND)
	}
	return cwndSeg
}

// rto returns the current retransmission timeout, clamped to [MinRTO,
// MaxRTO].
func (c *Conn) rto() time.Duration {
	d := time.Duration(c.rtoMS) * time.Millisecond
	if d < MinRTO {
		return MinRTO
	}
	if d > MaxRTO {
		return MaxRTO
	}
	return d
}

// updateRTT folds a fresh RTT sample into the smoothed estimators using
// the standard recursion: srtt += (sample-srtt)/8; rttvar +=
// (|sample-srtt|-rttvar)/4; rto = srtt + 4*rttvar.
func (c *Conn) updateRTT(sampleMS float64) {
	if !c.haveRTT {
		c.srttMS = sampleMS
		c.rttvarMS = sampleMS / 2
		c.haveRTT = true
	} else {
		diff := sampleMS - c.srttMS
		if diff < 0 {
			diff = -diff
		}
		c.rttvarMS += (diff - c.rttvarMS) / 4
		c.srttMS += (sampleMS - c.srttMS) / 8
	}
	c.rtoMS = c.srttMS + 4*c.rttvarMS
	c.trace("conn:rtt-update", slog.Float64("sample_ms", sampleMS), slog.Float64("srtt_ms", c.srttMS), slog.Float64("rto_ms", c.rtoMS))
}

// onTimeout applies the Reno timeout reaction: ssthresh collapses to
// half the current window (floor 2), cwnd resets to 1, and RTO doubles
// (exponential backoff, capped at MaxRTO).
func (c *Conn) onTimeout() {
	if c.opts.CCEnabled {
		half := float64(int(c.cwnd) / 2)
		if half < 2 {
			half = 2
		}
		c.ssthresh = half
		c.cwnd = InitialCwnd
	}
	c.rtoMS *= 2
	if c.rtoMS > float64(MaxRTO.Milliseconds()) {
		c.rtoMS = float64(MaxRTO.Milliseconds())
	}
	c.metrics.Timeouts++
	c.trace("conn:timeout", slog.Float64("cwnd", c.cwnd), slog.Float64("ssthresh", c.ssthresh), slog.Float64("rto_ms", c.rtoMS))
}

// onFastRetransmit applies the Reno triple-duplicate-ACK reaction:
// ssthresh = max(floor(cwnd/2), 2); cwnd = ssthresh.
func (c *Conn) onFastRetransmit() {
	if !c.opts.CCEnabled {
		return
	}
	half := float64(int(c.cwnd) / 2)
	if half < 2 {
		half = 2
	}
	c.ssthresh = half
	c.cwnd = half
	c.trace("conn:fast-retransmit", slog.Float64("cwnd", c.cwnd), slog.Float64("ssthresh", c.ssthresh))
}

// onNewAck applies the Reno growth rule for a cumulative ACK that advanced
// snd.UNA: Slow Start adds one segment per ACK while cwnd <
// ssthresh; Congestion Avoidance adds 1/floor(cwnd) per ACK once cwnd >=
// ssthresh (approximately one segment per RTT).
func (c *Conn) onNewAck() {
	if !c.opts.CCEnabled {
		return
	}
	if c.cwnd < c.ssthresh {
		c.cwnd++ // Slow Start.
	} else {
		floor := float64(int(c.cwnd))
		if floor < 1 {
			floor = 1
		}
		c.cwnd += 1 / floor // Congestion Avoidance.
	}
}

// stringExchange renders a segment's transition between two connection
// states as an RFC9293-styled arrow diagram, e.g.
// "SYN_SENT --> <SEQ=300><ACK=91>[SYN,ACK] --> ESTABLISHED". invertDir
// flips the arrows for the receiving side of the same exchange.
func stringExchange(seg segment.Segment, from, to State, invertDir bool) string {
	dir := " --> "
	if invertDir {
		dir = " <-- "
	}
	b := make([]byte, 0, 64)
	b = append(b, from.String()...)
	b = append(b, dir...)
	b = seg.AppendFormat(b)
	b = append(b, dir...)
	b = append(b, to.String()...)
	return string(b)
}
