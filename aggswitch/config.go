// Package aggswitch implements the aggregation switch: a
// set of UDP listeners that collect chunks from workers,
// reduce each chunk offset once every worker (or, for
// stragglers, every timely worker) has contributed, and
// send the result back to the contributors.
package aggswitch

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/unixpickle/switchagg/reduce"
)

// Defaults for Config.
const (
	DefaultBasePort     = 30000
	DefaultNumListeners = 4
	DefaultPollInterval = 100 * time.Millisecond
	DefaultRoundTimeout = time.Second
	DefaultBatchSize    = 32
	DefaultMaxDatagram  = 65535
)

// Config configures a Switch.
type Config struct {
	// Listener i binds Host:BasePort+i.
	// If BasePort is 0, every listener uses an ephemeral
	// port.
	Host         string `yaml:"host" json:"host"`
	BasePort     int    `yaml:"base_port" json:"base_port"`
	NumListeners int    `yaml:"num_listeners" json:"num_listeners"`

	// PollInterval bounds each wait for datagrams, and
	// thus how late an expired round may be noticed.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// HandleStragglers enables closing rounds that have
	// been open longer than RoundTimeout.
	HandleStragglers bool          `yaml:"handle_stragglers" json:"handle_stragglers"`
	RoundTimeout     time.Duration `yaml:"round_timeout" json:"round_timeout"`

	BatchSize   int `yaml:"batch_size" json:"batch_size"`
	MaxDatagram int `yaml:"max_datagram" json:"max_datagram"`

	// DropProbability enables random packet drops when
	// Drop is nil.
	DropProbability float64 `yaml:"drop_probability" json:"drop_probability"`

	Reduce reduce.ReduceFn      `yaml:"-" json:"-"`
	Expiry ExpiryPolicy         `yaml:"-" json:"-"`
	Drop   DropSimulationPolicy `yaml:"-" json:"-"`
	Tracer Tracer               `yaml:"-" json:"-"`
	Logger zerolog.Logger       `yaml:"-" json:"-"`
	Clock  func() time.Time     `yaml:"-" json:"-"`
}

// DefaultConfig returns the configuration of a local
// switch without straggler handling.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		BasePort:     DefaultBasePort,
		NumListeners: DefaultNumListeners,
		PollInterval: DefaultPollInterval,
		RoundTimeout: DefaultRoundTimeout,
		BatchSize:    DefaultBatchSize,
		MaxDatagram:  DefaultMaxDatagram,
		Logger:       zerolog.Nop(),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.NumListeners < 1 {
		return fmt.Errorf("invalid config: %d listeners", c.NumListeners)
	}
	if c.BasePort < 0 || c.BasePort+c.NumListeners-1 > 65535 {
		return fmt.Errorf("invalid config: ports %d..%d out of range",
			c.BasePort, c.BasePort+c.NumListeners-1)
	}
	if c.HandleStragglers && c.RoundTimeout <= 0 && c.Expiry == nil {
		return fmt.Errorf("invalid config: straggler handling needs a positive round timeout")
	}
	if c.DropProbability < 0 || c.DropProbability >= 1 {
		return fmt.Errorf("invalid config: drop probability %f not in [0, 1)", c.DropProbability)
	}
	return nil
}

// withDefaults fills in zero-valued fields and policies.
func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxDatagram <= 0 {
		c.MaxDatagram = DefaultMaxDatagram
	}
	if c.Reduce == nil {
		c.Reduce = reduce.Sum
	}
	if c.Expiry == nil {
		if c.HandleStragglers {
			c.Expiry = TimeoutExpiry{Timeout: c.RoundTimeout}
		} else {
			c.Expiry = NeverExpire{}
		}
	}
	if c.Drop == nil {
		if c.DropProbability > 0 {
			c.Drop = NewRandomDrop(c.DropProbability, time.Now().UnixNano())
		} else {
			c.Drop = NoDrop{}
		}
	}
	if c.Tracer == nil {
		c.Tracer = NopTracer{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}
