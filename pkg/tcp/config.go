package tcp

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultInitialRTO         = 1000
	DefaultMaxPayloadSize     = 1000
	DefaultMaxRetransmissions = 8
	DefaultCapacity           = 64000

	// MaxWindowSize is the largest window the 16-bit header field can carry.
	MaxWindowSize = 65535
)

// Config holds the tunables shared by a Sender and a Peer. Times are in
// milliseconds.
type Config struct {
	InitialRTO         uint64
	MaxPayloadSize     uint64
	MaxRetransmissions uint64
	Capacity           uint64
}

func DefaultConfig() Config {
	return Config{
		InitialRTO:         DefaultInitialRTO,
		MaxPayloadSize:     DefaultMaxPayloadSize,
		MaxRetransmissions: DefaultMaxRetransmissions,
		Capacity:           DefaultCapacity,
	}
}

func (c Config) Validate() error {
	if c.InitialRTO == 0 {
		return errors.New("initial RTO must be positive")
	}
	if c.MaxPayloadSize == 0 {
		return errors.New("max payload size must be positive")
	}
	if c.Capacity == 0 {
		return errors.New("stream capacity must be positive")
	}
	return nil
}

// Option configures a Sender, Receiver or Peer.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
