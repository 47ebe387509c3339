package worker

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/unixpickle/switchagg/quant"
	"github.com/unixpickle/switchagg/wire"
)

// Environment variables read by LoadEnv.
const (
	EnvSkipAveraging = "SWITCHAGG_SKIP_AVERAGING"
	EnvSwitchHost    = "SWITCHAGG_SWITCH_HOST"
	EnvBasePort      = "SWITCHAGG_BASE_PORT"
)

// Defaults for Config.
const (
	DefaultChunkSize  = 128
	DefaultNumThreads = 4
	DefaultBasePort   = 30000
)

// MaxDatagram is the largest UDP payload a chunk may use.
const MaxDatagram = 65507

// Config configures a Client.
type Config struct {
	Rank      int `yaml:"rank"`
	WorldSize int `yaml:"world_size"`

	ChunkSize  int `yaml:"chunk_size"`
	NumThreads int `yaml:"num_threads"`

	// SwitchHost and BasePort locate the switch.
	// Thread t sends to SwitchHost:BasePort+t.
	SwitchHost string `yaml:"switch_host"`
	BasePort   int    `yaml:"base_port"`

	// SwitchAddrs, if non-empty, overrides SwitchHost and
	// BasePort with one address per thread.
	SwitchAddrs []string `yaml:"switch_addrs"`

	// SkipAveraging leaves the reduced sums undivided.
	SkipAveraging bool `yaml:"skip_averaging"`

	Quant quant.Params `yaml:"quant"`

	// ReceiveTimeout bounds the wait for each reply.
	// Zero waits forever.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	Logger zerolog.Logger `yaml:"-"`
}

// DefaultConfig returns a single-worker configuration
// pointing at a local switch.
func DefaultConfig() Config {
	return Config{
		WorldSize:  1,
		ChunkSize:  DefaultChunkSize,
		NumThreads: DefaultNumThreads,
		SwitchHost: "127.0.0.1",
		BasePort:   DefaultBasePort,
		Logger:     zerolog.Nop(),
	}
}

// LoadEnv overrides fields from environment variables.
func (c *Config) LoadEnv() error {
	if v, ok := os.LookupEnv(EnvSkipAveraging); ok {
		c.SkipAveraging = v == "1"
	}
	if v, ok := os.LookupEnv(EnvSwitchHost); ok && v != "" {
		c.SwitchHost = v
	}
	if v, ok := os.LookupEnv(EnvBasePort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("load env: %s: %w", EnvBasePort, err)
		}
		c.BasePort = port
	}
	return nil
}

// Addr returns the switch address used by a thread.
func (c *Config) Addr(thread int) (string, error) {
	if len(c.SwitchAddrs) > 0 {
		if thread >= len(c.SwitchAddrs) {
			return "", fmt.Errorf("no switch address for thread %d (have %d)",
				thread, len(c.SwitchAddrs))
		}
		return c.SwitchAddrs[thread], nil
	}
	return net.JoinHostPort(c.SwitchHost, strconv.Itoa(c.BasePort+thread)), nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.WorldSize < 1 {
		return fmt.Errorf("invalid config: world size %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("invalid config: rank %d not in [0, %d)", c.Rank, c.WorldSize)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("invalid config: chunk size %d", c.ChunkSize)
	}
	if c.NumThreads < 1 {
		return fmt.Errorf("invalid config: thread count %d", c.NumThreads)
	}
	kind, err := wire.KindFor(c.Quant.Type, c.Quant.BitWidth)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if size := wire.HeaderSize + wire.PayloadSize(kind, c.ChunkSize); size > MaxDatagram {
		return fmt.Errorf("invalid config: chunk of %d elements needs a %d byte datagram",
			c.ChunkSize, size)
	}
	if len(c.SwitchAddrs) > 0 && len(c.SwitchAddrs) < c.NumThreads {
		return fmt.Errorf("invalid config: %d switch addresses for %d threads",
			len(c.SwitchAddrs), c.NumThreads)
	}
	return nil
}
