package endpoint

import (
	"time"

	"github.com/pkg/errors"

	bwnet "badc0de.net/pkg/go-bigworld/net"
)

// OverflowPolicy says what happens to a completed bundle when the worker
// queue is full.
type OverflowPolicy string

const (
	// OverflowBlock waits up to BlockTimeout for room, then drops.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDrop drops immediately.
	OverflowDrop OverflowPolicy = "drop"
)

// Config configures an Endpoint. The mapstructure tags name the keys of the
// configuration file.
type Config struct {
	Listen string `mapstructure:"listen"`

	Workers      int            `mapstructure:"workers"`
	QueueSize    int            `mapstructure:"queue_size"`
	Overflow     OverflowPolicy `mapstructure:"overflow"`
	BlockTimeout time.Duration  `mapstructure:"block_timeout"`

	TickInterval     time.Duration `mapstructure:"tick_interval"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	FragmentTimeout  time.Duration `mapstructure:"fragment_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`

	MaxPayload int    `mapstructure:"max_payload"`
	Cipher     string `mapstructure:"cipher"`
	Checksum   bool   `mapstructure:"checksum"`

	// ReadBatch is the number of datagrams read per system call.
	ReadBatch int `mapstructure:"read_batch"`
	// ReceiveBuffer sets SO_RCVBUF where supported. Zero keeps the system
	// default.
	ReceiveBuffer int `mapstructure:"receive_buffer"`
}

func DefaultConfig() Config {
	return Config{
		Listen:           ":20013",
		Workers:          4,
		QueueSize:        64,
		Overflow:         OverflowBlock,
		BlockTimeout:     50 * time.Millisecond,
		TickInterval:     time.Second,
		IdleTimeout:      2 * time.Minute,
		FragmentTimeout:  bwnet.DefaultFragmentTimeout,
		HandshakeTimeout: bwnet.DefaultHandshakeTimeout,
		RequestTimeout:   10 * time.Second,
		MaxPayload:       bwnet.DefaultMaxPayload,
		Cipher:           bwnet.CipherBlowfish.String(),
		Checksum:         true,
		ReadBatch:        16,
	}
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return errors.Errorf("workers = %d; want at least 1", c.Workers)
	}
	if c.QueueSize < 0 {
		return errors.Errorf("queue_size = %d", c.QueueSize)
	}
	if c.Overflow != OverflowBlock && c.Overflow != OverflowDrop {
		return errors.Errorf("overflow = %q; want %q or %q", c.Overflow, OverflowBlock, OverflowDrop)
	}
	if c.TickInterval <= 0 {
		return errors.Errorf("tick_interval = %v", c.TickInterval)
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("request_timeout = %v", c.RequestTimeout)
	}
	if c.MaxPayload <= 0 || c.MaxPayload > bwnet.DefaultMaxPayload {
		return errors.Errorf("max_payload = %d; want 1 to %d", c.MaxPayload, bwnet.DefaultMaxPayload)
	}
	if c.ReadBatch <= 0 {
		return errors.Errorf("read_batch = %d", c.ReadBatch)
	}
	if _, err := bwnet.ParseCipherKind(c.Cipher); err != nil {
		return err
	}
	return nil
}

func (c *Config) channelConfig(schema *bwnet.SchemaTable) bwnet.ChannelConfig {
	kind, _ := bwnet.ParseCipherKind(c.Cipher)
	return bwnet.ChannelConfig{
		Schema:           schema,
		MaxPayload:       c.MaxPayload,
		FragmentTimeout:  c.FragmentTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		Cipher:           kind,
		Checksum:         c.Checksum,
	}
}
