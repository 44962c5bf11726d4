// Package segment implements the wire codec for RUDP's fixed-header
// datagram: encoding, parsing, and checksumming of a single UDP payload.
//
// It has no notion of connections, sequence-space arithmetic, or
// congestion; it only turns a [Segment] into bytes and back.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// HeaderSize is the fixed width, in bytes, of a segment header.
const HeaderSize = 16

// Flags is a bitset over a segment's control bits. Bit assignments are
// fixed by the wire format and do not follow Go's iota convention.
type Flags uint16

const (
	FlagSYN  Flags = 1
	FlagACK  Flags = 2
	FlagFIN  Flags = 4
	FlagDATA Flags = 8
)

// HasAll reports whether every bit in mask is set in flags.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny reports whether at least one bit in mask is set in flags.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// valid reports whether flags is one of the five legal combinations:
// {SYN}, {SYN,ACK}, {ACK}, {DATA,ACK}, {FIN,ACK}.
func (f Flags) valid() bool {
	switch f {
	case FlagSYN, FlagSYN | FlagACK, FlagACK, FlagDATA | FlagACK, FlagFIN | FlagACK:
		return true
	default:
		return false
	}
}

func (f Flags) String() string {
	b := make([]byte, 0, 2+len("SYN,ACK,FIN,DATA"))
	b = append(b, '[')
	b = f.AppendFormat(b)
	b = append(b, ']')
	return string(b)
}

// AppendFormat appends the comma-separated flag names set in f to b,
// returning the extended buffer. Order is fixed: SYN, ACK, FIN, DATA.
func (f Flags) AppendFormat(b []byte) []byte {
	first := true
	add := func(name string, bit Flags) {
		if f&bit == 0 {
			return
		}
		if !first {
			b = append(b, ',')
		}
		first = false
		b = append(b, name...)
	}
	add("SYN", FlagSYN)
	add("ACK", FlagACK)
	add("FIN", FlagFIN)
	add("DATA", FlagDATA)
	return b
}

// Segment is one datagram's protocol payload. Seq/Ack are raw 32-bit
// sequence-space values; the codec performs no sequence-space arithmetic,
// that is the Connection State component's responsibility.
type Segment struct {
	Seq     uint32
	Ack     uint32
	Flags   Flags
	RWND    uint16
	Payload []byte
}

// ErrInvalidSegment is the single generic outcome for a segment that fails
// any validation: truncated buffer, length mismatch, unknown flag
// combination, or bad checksum. A caller can never distinguish which
// check failed; every case is a silent drop.
var ErrInvalidSegment = errors.New("segment: invalid segment")

// Encode serializes seg into a newly allocated buffer in the wire layout:
// big-endian seq, ack, flags, rwnd, length, checksum, followed by
// payload. The checksum covers the header with a zeroed checksum field
// concatenated with the payload as given (already encrypted, if
// applicable - the codec does not care).
func Encode(seg Segment) ([]byte, error) {
	if len(seg.Payload) > 0xffff {
		return nil, fmt.Errorf("segment: payload too large: %d bytes", len(seg.Payload))
	}
	if !seg.Flags.valid() {
		return nil, fmt.Errorf("segment: invalid flag combination %s", seg.Flags)
	}
	buf := make([]byte, HeaderSize+len(seg.Payload))
	putHeader(buf, seg)
	copy(buf[HeaderSize:], seg.Payload)
	// Checksum field is already zero at this point (fresh allocation);
	// compute over the whole buffer and patch it in.
	var c checksum
	c.write(buf)
	binary.BigEndian.PutUint16(buf[14:16], c.sum16())
	return buf, nil
}

func putHeader(buf []byte, seg Segment) {
	binary.BigEndian.PutUint32(buf[0:4], seg.Seq)
	binary.BigEndian.PutUint32(buf[4:8], seg.Ack)
	binary.BigEndian.PutUint16(buf[8:10], uint16(seg.Flags))
	binary.BigEndian.PutUint16(buf[10:12], seg.RWND)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(seg.Payload)))
	binary.BigEndian.PutUint16(buf[14:16], 0)
}

// Decode parses one segment out of buf. Any malformed input - too short,
// a length field mismatched with the actual buffer, an unrecognized flag
// combination, or a checksum mismatch - yields [ErrInvalidSegment] and a
// zero Segment; engines treat this uniformly as "drop, no state change".
func Decode(buf []byte) (Segment, error) {
	if len(buf) < HeaderSize {
		return Segment{}, ErrInvalidSegment
	}
	length := binary.BigEndian.Uint16(buf[12:14])
	if len(buf) != HeaderSize+int(length) {
		return Segment{}, ErrInvalidSegment
	}
	wantCRC := binary.BigEndian.Uint16(buf[14:16])

	var c checksum
	// Checksum over header-with-zeroed-checksum + payload: accumulate the
	// first 14 bytes, skip the checksum field itself, then the rest.
	c.write(buf[:14])
	c.writeEven([]byte{0, 0})
	c.write(buf[16:])
	if c.sum16() != wantCRC {
		return Segment{}, ErrInvalidSegment
	}

	flags := Flags(binary.BigEndian.Uint16(buf[8:10]))
	if !flags.valid() {
		return Segment{}, ErrInvalidSegment
	}

	seg := Segment{
		Seq:   binary.BigEndian.Uint32(buf[0:4]),
		Ack:   binary.BigEndian.Uint32(buf[4:8]),
		Flags: flags,
		RWND:  binary.BigEndian.Uint16(buf[10:12]),
	}
	if length > 0 {
		seg.Payload = append([]byte(nil), buf[HeaderSize:]...)
	}
	return seg, nil
}

// Last returns the sequence number of the last octet occupied by seg,
// counting SYN and FIN as occupying one slot each: sequence numbers
// count bytes in data segments but slots in SYN/FIN.
func (seg Segment) Last() uint32 {
	n := seg.Len()
	if n == 0 {
		return seg.Seq
	}
	return seg.Seq + uint32(n) - 1
}

// Len returns the number of sequence-space slots seg occupies: payload
// length, plus one each for SYN and FIN.
func (seg Segment) Len() int {
	n := len(seg.Payload)
	if seg.Flags.HasAny(FlagSYN) {
		n++
	}
	if seg.Flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

// String renders seg as "<SEQ=1000><ACK=501>[SYN,ACK]", including a
// <DATA=n> field when seg carries a payload.
func (seg Segment) String() string {
	return string(seg.AppendFormat(make([]byte, 0, 48)))
}

// AppendFormat appends seg's human-readable representation to b and
// returns the extended buffer, for use in trace logging and test
// failure output without an intermediate allocation per call.
func (seg Segment) AppendFormat(b []byte) []byte {
	b = appendField(b, "SEQ", seg.Seq)
	b = appendField(b, "ACK", seg.Ack)
	if n := len(seg.Payload); n > 0 {
		b = appendField(b, "DATA", uint32(n))
	}
	b = append(b, '[')
	b = seg.Flags.AppendFormat(b)
	b = append(b, ']')
	return b
}

func appendField(b []byte, name string, v uint32) []byte {
	b = append(b, '<')
	b = append(b, name...)
	b = append(b, '=')
	b = strconv.AppendUint(b, uint64(v), 10)
	b = append(b, '>')
	return b
}
