package segment

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Segment{
		{Seq: 1000, Ack: 0, Flags: FlagSYN, RWND: 64},
		{Seq: 1000, Ack: 501, Flags: FlagSYN | FlagACK, RWND: 64},
		{Seq: 2000, Ack: 501, Flags: FlagACK, RWND: 63},
		{Seq: 2000, Ack: 501, Flags: FlagDATA | FlagACK, RWND: 63, Payload: []byte("Ola RUDP!")},
		{Seq: 3000, Ack: 600, Flags: FlagFIN | FlagACK, RWND: 10},
		{Seq: 0, Ack: 0, Flags: FlagDATA | FlagACK, RWND: 1}, // zero-length data segment is legal
	}
	for _, want := range cases {
		buf, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", want, err)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Seq != want.Seq || got.Ack != want.Ack || got.Flags != want.Flags || got.RWND != want.RWND {
			t.Fatalf("round trip header mismatch: got %+v want %+v", got, want)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip payload mismatch: got %q want %q", got.Payload, want.Payload)
		}
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	buf, _ := Encode(Segment{Seq: 1, Flags: FlagACK})
	_, err := Decode(buf[:HeaderSize-1])
	if err != ErrInvalidSegment {
		t.Fatalf("want ErrInvalidSegment, got %v", err)
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf, _ := Encode(Segment{Seq: 1, Flags: FlagDATA | FlagACK, Payload: []byte("hello")})
	_, err := Decode(buf[:len(buf)-1])
	if err != ErrInvalidSegment {
		t.Fatalf("want ErrInvalidSegment, got %v", err)
	}
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	buf, _ := Encode(Segment{Seq: 1, Flags: FlagACK})
	buf[0] ^= 0xff // corrupt a header byte covered by the checksum
	_, err := Decode(buf)
	if err != ErrInvalidSegment {
		t.Fatalf("want ErrInvalidSegment, got %v", err)
	}
}

func TestDecodeRejectsUnknownFlagCombination(t *testing.T) {
	buf, _ := Encode(Segment{Seq: 1, Flags: FlagACK})
	// Patch in an illegal combination (SYN|FIN) and fix up the checksum by
	// hand so only the flags check can reject it.
	buf[9] = byte(FlagSYN | FlagFIN)
	var c checksum
	c.write(buf[:14])
	c.writeEven([]byte{0, 0})
	c.write(buf[16:])
	sum := c.sum16()
	buf[14] = byte(sum >> 8)
	buf[15] = byte(sum)
	_, err := Decode(buf)
	if err != ErrInvalidSegment {
		t.Fatalf("want ErrInvalidSegment, got %v", err)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	_, err := Encode(Segment{Flags: FlagDATA | FlagACK, Payload: make([]byte, 0x10000)})
	if err == nil {
		t.Fatal("want error for oversize payload")
	}
}

func TestSegmentStringRendersFields(t *testing.T) {
	seg := Segment{Seq: 300, Ack: 91, Flags: FlagSYN | FlagACK}
	want := "<SEQ=300><ACK=91>[SYN,ACK]"
	if got := seg.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestSegmentStringIncludesDataLength(t *testing.T) {
	seg := Segment{Seq: 2000, Ack: 501, Flags: FlagDATA | FlagACK, Payload: []byte("hello")}
	want := "<SEQ=2000><ACK=501><DATA=5>[DATA,ACK]"
	if got := seg.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
