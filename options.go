package rudp

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol constants.
const (
	// PayloadSize is the maximum plaintext payload carried by one segment,
	// before AEAD expansion.
	PayloadSize = 1024
	// RWNDMax is the default maximum receive window, in segments.
	RWNDMax = 64
	// MaxRetries is the default number of retransmissions attempted before
	// a handshake, data segment, or FIN is considered unreachable.
	MaxRetries = 5
	// InitialRTO is the default retransmission timeout before any RTT
	// sample has been taken.
	InitialRTO = 1000 * time.Millisecond
	// MinRTO and MaxRTO bound the retransmission timeout, see Conn.rto.
	MinRTO = 200 * time.Millisecond
	MaxRTO = 60 * time.Second
	// InitialCwnd and InitialSsthresh are the Reno starting values, in
	// segments.
	InitialCwnd     = 1
	InitialSsthresh = 64
	// DupAckThreshold is the number of duplicate ACKs that triggers fast
	// retransmit.
	DupAckThreshold = 3
)

// ConnOptions configures a [Client] or [Server] connection. The zero value
// is not valid; use [DefaultOptions].
type ConnOptions struct {
	// UseCrypto enables the AEAD envelope for post-handshake segments. This
	// is a local testing convenience, never negotiated on the wire.
	UseCrypto bool
	// CCEnabled enables Reno congestion control. When false, cwnd is fixed
	// to the peer's advertised rwnd and only flow control bounds the
	// sender.
	CCEnabled bool
	// DropRate is the probability, in [0,1), that the receiver silently
	// drops an inbound datagram before processing it. Used to exercise
	// loss-driven retransmission and congestion control in tests and
	// benchmarks.
	DropRate float64
	// RWNDMax bounds the receiver's out-of-order buffer, in segments.
	RWNDMax uint16
	// MaxRetries bounds handshake/data/FIN retransmission attempts.
	MaxRetries int
	// InitialRTO seeds the retransmission timer before any RTT sample.
	InitialRTO time.Duration
}

// DefaultOptions returns the protocol's default configuration: crypto and
// congestion control enabled, no simulated loss.
func DefaultOptions() ConnOptions {
	return ConnOptions{
		UseCrypto:  true,
		CCEnabled:  true,
		DropRate:   0,
		RWNDMax:    RWNDMax,
		MaxRetries: MaxRetries,
		InitialRTO: InitialRTO,
	}
}

// yamlOptions mirrors ConnOptions with tags for the optional on-disk
// configuration format; durations are expressed in milliseconds since
// YAML has no native duration type.
type yamlOptions struct {
	UseCrypto  *bool    `yaml:"use_crypto"`
	CCEnabled  *bool    `yaml:"cc_enabled"`
	DropRate   *float64 `yaml:"drop_rate"`
	RWNDMax    *uint16  `yaml:"rwnd_max"`
	MaxRetries *int     `yaml:"max_retries"`
	InitialRTO *int     `yaml:"initial_rto_ms"`
}

// LoadOptionsYAML reads a YAML document overriding fields of
// [DefaultOptions]. Fields absent from the document keep their default
// value. This is config plumbing only: selecting a file to load and
// wiring it to a flag is the caller's (out-of-scope) responsibility.
func LoadOptionsYAML(r io.Reader) (ConnOptions, error) {
	opts := DefaultOptions()
	var y yamlOptions
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&y); err != nil && err != io.EOF {
		return ConnOptions{}, err
	}
	if y.UseCrypto != nil {
		opts.UseCrypto = *y.UseCrypto
	}
	if y.CCEnabled != nil {
		opts.CCEnabled = *y.CCEnabled
	}
	if y.DropRate != nil {
		opts.DropRate = *y.DropRate
	}
	if y.RWNDMax != nil {
		opts.RWNDMax = *y.RWNDMax
	}
	if y.MaxRetries != nil {
		opts.MaxRetries = *y.MaxRetries
	}
	if y.InitialRTO != nil {
		opts.InitialRTO = time.Duration(*y.InitialRTO) * time.Millisecond
	}
	return opts, nil
}
