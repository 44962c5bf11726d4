package rudp

import (
	"fmt"

	"github.com/rudpio/rudp/segment"
)

// errInvalidSegment is the single generic outcome for any segment that
// fails header validation, checksum, or AEAD authentication. The caller
// can never distinguish which check failed; the segment is simply
// dropped and no state changes.
//
// This is intentionally unexported: InvalidSegment never surfaces to an
// application, it is only ever counted (see Metrics.InvalidSegments) and
// logged at debug level.
var errInvalidSegment = segment.ErrInvalidSegment

// HandshakeFailure is returned by [Client.Connect] when a SYN or SYN-ACK
// was retransmitted MaxRetries times without being acknowledged.
type HandshakeFailure struct {
	Peer    string
	Retries int
}

func (e *HandshakeFailure) Error() string {
	return fmt.Sprintf("rudp: handshake with %s failed after %d retries", e.Peer, e.Retries)
}

// PeerUnreachable is returned when a data segment was retransmitted more
// than MaxRetries times without an ACK. The connection is aborted.
type PeerUnreachable struct {
	Peer string
	Seq  Value
}

func (e *PeerUnreachable) Error() string {
	return fmt.Sprintf("rudp: peer %s unreachable, seq %d unacknowledged", e.Peer, e.Seq)
}

// ShutdownFailure is returned by [Client.Close] when a FIN was not
// acknowledged within MaxRetries attempts. The connection is forced closed
// regardless.
type ShutdownFailure struct {
	Peer string
}

func (e *ShutdownFailure) Error() string {
	return fmt.Sprintf("rudp: peer %s did not acknowledge FIN, connection force-closed", e.Peer)
}

// LocalCancelled is returned when a caller-supplied context was cancelled
// or a deadline expired while Connect, Write, or Close was in progress.
type LocalCancelled struct {
	Op  string
	Err error
}

func (e *LocalCancelled) Error() string {
	return fmt.Sprintf("rudp: %s cancelled: %v", e.Op, e.Err)
}

func (e *LocalCancelled) Unwrap() error { return e.Err }
