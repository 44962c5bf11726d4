package crypto

import (
	"bytes"
	"testing"
)

func TestEnvelopeSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	env, err := New(key)
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("Ola RUDP!")
	ct := env.Seal(42, plaintext)
	got, err := env.Open(42, ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q want %q", got, plaintext)
	}
}

func TestEnvelopeRejectsWrongSeq(t *testing.T) {
	key, _ := GenerateKey()
	env, _ := New(key)
	ct := env.Seal(1, []byte("hello"))
	if _, err := env.Open(2, ct); err != ErrAuth {
		t.Fatalf("want ErrAuth for mismatched seq, got %v", err)
	}
}

func TestEnvelopeRejectsTampering(t *testing.T) {
	key, _ := GenerateKey()
	env, _ := New(key)
	ct := env.Seal(1, []byte("hello"))
	ct[len(ct)-1] ^= 0xff
	if _, err := env.Open(1, ct); err != ErrAuth {
		t.Fatalf("want ErrAuth for tampered ciphertext, got %v", err)
	}
}

func TestEnvelopeRejectsDifferentKey(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	e1, _ := New(k1)
	e2, _ := New(k2)
	ct := e1.Seal(7, []byte("secret"))
	if _, err := e2.Open(7, ct); err != ErrAuth {
		t.Fatalf("want ErrAuth for wrong key, got %v", err)
	}
}

func TestDisabledEnvelopeIsPassthrough(t *testing.T) {
	env := Disabled()
	plaintext := []byte("plaintext stays plaintext")
	wire := env.Seal(0, plaintext)
	if !bytes.Equal(wire, plaintext) {
		t.Fatalf("disabled envelope must not transform payload: got %q", wire)
	}
	got, err := env.Open(0, wire)
	if err != nil || !bytes.Equal(got, plaintext) {
		t.Fatalf("Open: got %q, %v", got, err)
	}
}

func TestKeyTLVRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	buf := EncodeKeyTLV(key)
	got, err := DecodeKeyTLV(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != key {
		t.Fatal("key material round trip mismatch")
	}
}

func TestDecodeKeyTLVRejectsMalformed(t *testing.T) {
	if _, err := DecodeKeyTLV([]byte{1, 2, 3}); err == nil {
		t.Fatal("want error for malformed key TLV")
	}
}
