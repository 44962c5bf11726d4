package rudp

// Value is a 32-bit sequence number in the byte-stream sequence space. Data
// segments advance Value by the number of payload bytes they carry; SYN and
// FIN segments advance it by exactly one (they occupy one "slot" in the
// sequence space, as TCP does).
//
// Arithmetic on Value wraps modulo 2**32 and all comparisons are therefore
// relative, never absolute - this is the same "serial number arithmetic"
// RFC 1982 and RFC 9293 rely on.
type Value uint32

// Size is an unsigned offset/length in the sequence space, in bytes unless
// stated otherwise (window sizes in this protocol are expressed in segments,
// see [RWNDMax]).
type Size uint32

// Add returns v advanced by n, wrapping as needed.
func Add(v Value, n Size) Value { return v + Value(n) }

// Sizeof returns the wraparound-safe distance from a to b, i.e. the Size n
// such that Add(a, n) == b.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan reports whether v precedes other in the sequence space, per
// serial-number arithmetic: wraparound is assumed to never span more than
// half the sequence space between any two values being compared.
func (v Value) LessThan(other Value) bool {
	return int32(v-other) < 0
}

// LessThanEq reports whether v precedes or equals other.
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// InWindow reports whether v falls in [start, start+wnd). A zero window
// only ever contains start itself.
func (v Value) InWindow(start Value, wnd Size) bool {
	if wnd == 0 {
		return v == start
	}
	return Sizeof(start, v) < wnd
}

// UpdateForward advances *v by n in place.
func (v *Value) UpdateForward(n Size) {
	*v = Add(*v, n)
}
