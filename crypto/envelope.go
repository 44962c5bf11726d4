// Package crypto implements the Crypto Envelope component: in-band
// key agreement during the handshake and per-segment authenticated
// encryption afterwards, built on golang.org/x/crypto/chacha20poly1305.
//
// Sending the session key in the clear inside the SYN payload is not
// resistant to an active man-in-the-middle. This is a known, documented
// limitation of the protocol, preserved here deliberately
// rather than "fixed" with an out-of-scope key-exchange scheme.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size, in bytes, of a session key (256 bits, comfortably
// above a 128-bit floor).
const KeySize = chacha20poly1305.KeySize

// Key is a fresh symmetric session key generated by the client for one
// connection and carried in cleartext inside its SYN payload.
type Key [KeySize]byte

// GenerateKey returns a new random session key.
func GenerateKey() (Key, error) {
	var k Key
	_, err := rand.Read(k[:])
	if err != nil {
		return Key{}, fmt.Errorf("crypto: generating session key: %w", err)
	}
	return k, nil
}

const keyTLVVersion = 1

// EncodeKeyTLV frames a session key as a small self-describing
// [version, length, key bytes] record for the SYN payload. The extra
// framing (instead of a bare 32-byte blob) leaves room for a future,
// out-of-scope rekeying extension to add a second field without breaking
// the wire format of version-1 clients.
func EncodeKeyTLV(k Key) []byte {
	buf := make([]byte, 2+KeySize)
	buf[0] = keyTLVVersion
	buf[1] = KeySize
	copy(buf[2:], k[:])
	return buf
}

// DecodeKeyTLV parses a record produced by [EncodeKeyTLV].
func DecodeKeyTLV(buf []byte) (Key, error) {
	if len(buf) < 2 || buf[0] != keyTLVVersion || buf[1] != KeySize || len(buf) != 2+int(buf[1]) {
		return Key{}, errors.New("crypto: malformed key material")
	}
	var k Key
	copy(k[:], buf[2:])
	return k, nil
}

// ErrAuth is returned by Open when authentication fails. This is
// indistinguishable from a checksum failure at the engine level: callers
// should drop the segment silently, never surface ErrAuth to the
// application.
var ErrAuth = errors.New("crypto: authentication failed")

// Envelope seals and opens segment payloads. A connection installs one
// Envelope during the handshake, before it reaches ESTABLISHED, and uses it
// for every post-handshake DATA and FIN payload.
type Envelope interface {
	// Seal encrypts and authenticates plaintext, binding it to seq so a
	// ciphertext cannot be replayed against a different sequence number.
	Seal(seq uint32, plaintext []byte) []byte
	// Open authenticates and decrypts ciphertext previously produced by
	// Seal for the same seq. It returns ErrAuth on any failure.
	Open(seq uint32, ciphertext []byte) ([]byte, error)
}

// New returns an AEAD [Envelope] using ChaCha20-Poly1305 with key.
func New(key Key) (Envelope, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: building AEAD: %w", err)
	}
	return &aeadEnvelope{aead: aead}, nil
}

type aeadEnvelope struct {
	aead cipher.AEAD
}

func associatedData(seq uint32) []byte {
	var ad [4]byte
	binary.BigEndian.PutUint32(ad[:], seq)
	return ad[:]
}

// Seal implements Envelope. The wire layout is
// [nonce (NonceSize bytes)][ciphertext+tag].
func (e *aeadEnvelope) Seal(seq uint32, plaintext []byte) []byte {
	nonceSize := e.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		// crypto/rand failing is unrecoverable; there is no retry path
		// for this (see GenerateKey).
		panic(fmt.Sprintf("crypto: reading nonce: %v", err))
	}
	return e.aead.Seal(out, out, plaintext, associatedData(seq))
}

// Open implements Envelope.
func (e *aeadEnvelope) Open(seq uint32, ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrAuth
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	pt, err := e.aead.Open(nil, nonce, ct, associatedData(seq))
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}

// disabledEnvelope is a passthrough Envelope used when a connection's
// UseCrypto option is false. The wire format (header+opaque payload) is
// unchanged; the payload is simply left in cleartext. This toggle is a
// local implementation convenience for testing, not a negotiated protocol
// feature.
type disabledEnvelope struct{}

// Disabled returns an [Envelope] that performs no encryption.
func Disabled() Envelope { return disabledEnvelope{} }

func (disabledEnvelope) Seal(_ uint32, plaintext []byte) []byte {
	return append([]byte(nil), plaintext...)
}

func (disabledEnvelope) Open(_ uint32, ciphertext []byte) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}
