package internal

import "time"

// Backoff paces repeated attempts to hand one decoded segment to a
// per-peer goroutine that is momentarily busy draining its channel, so a
// slow consumer doesn't make the shared read loop spin across peers at
// wire speed.
type Backoff struct {
	wait      uint32
	maxWait   uint32
	startWait uint32
}

const (
	dispatchMinWait = time.Microsecond
	dispatchMaxWait = 5 * time.Millisecond
)

// NewDispatchBackoff returns a Backoff sized for retrying a non-blocking
// channel send of one inbound segment: short enough that a momentarily
// busy peer goroutine drains within a few attempts, capped low enough
// that the read loop never falls far behind the wire.
func NewDispatchBackoff() Backoff {
	return Backoff{
		wait:      uint32(dispatchMinWait),
		maxWait:   uint32(dispatchMaxWait),
		startWait: uint32(dispatchMinWait),
	}
}

// Hit resets the wait back to its starting value after a successful send.
func (b *Backoff) Hit() {
	b.wait = b.startWait
}

// Miss sleeps for the current wait and doubles it, capped at maxWait.
func (b *Backoff) Miss() {
	time.Sleep(time.Duration(b.wait))
	b.wait *= 2
	if b.wait > b.maxWait {
		b.wait = b.maxWait
	}
}
