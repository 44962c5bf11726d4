package rudp

import "crypto/rand"

// randomValue returns a cryptographically random initial sequence number.
// Picking ISNs this way, rather than from a counter, keeps successive
// connections from the same endpoint from colliding in sequence space.
func randomValue() Value {
	var b [4]byte
	_, _ = rand.Read(b[:]) // crypto/rand.Read on the system CSPRNG never errs in practice.
	return Value(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}
