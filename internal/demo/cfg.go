// Package demo drives the checkpointing library end to end over the
// in-memory fabric: one goroutine per rank, a pre-provisioned spare, a
// simulated fault and the restore that heals the ring.
package demo

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/AlgoSkyNet/gpi-cp/internal/logging"
)

type Config config

type config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Ranks is the total process count, including one spare.
	Ranks int `yaml:"ranks"`
	// RegionSize is the size of the checkpointed region per rank.
	RegionSize datasize.ByteSize `yaml:"region_size"`
	// Iterations is the length of the work loop.
	Iterations int `yaml:"iterations"`
	// CheckpointEvery is the checkpoint interval in iterations.
	CheckpointEvery int `yaml:"checkpoint_every"`
	// FaultAt is the iteration at which the culprit fails. Negative
	// disables the fault.
	FaultAt int `yaml:"fault_at"`
	// TimeoutMillis bounds every blocking substrate call. Zero blocks
	// indefinitely.
	TimeoutMillis uint64 `yaml:"timeout_ms"`
	// Stencil configures the stencil scenario.
	Stencil StencilConfig `yaml:"stencil"`
}

// StencilConfig describes the grid of the stencil scenario.
type StencilConfig struct {
	// Cols is the global grid width.
	Cols int `yaml:"cols"`
	// Rows is the global grid height. Must divide evenly among the
	// active ranks.
	Rows int `yaml:"rows"`
}

// DefaultConfig returns the default demo configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
		Ranks:           5,
		RegionSize:      datasize.MB,
		Iterations:      1000,
		CheckpointEvery: 100,
		FaultAt:         666,
		Stencil: StencilConfig{
			Cols: 64,
			Rows: 48,
		},
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// UnmarshalYAML serves as a proxy for validation.
//
// To avoid infinite recursion, the validating wrapper casts itself to the
// private config struct. This allows the decoder to operate on it using
// the default behavior for handling Go structs without an unmarshal
// method.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the demo configuration.
func (m *Config) Validate() error {
	if m.Ranks < 4 {
		return fmt.Errorf("at least 4 ranks are required: a 3-member ring plus one spare")
	}
	if m.RegionSize == 0 {
		return fmt.Errorf("region size must be positive")
	}
	if m.RegionSize%4 != 0 {
		return fmt.Errorf("region size must be a multiple of the 4-byte element size")
	}
	if m.Iterations <= 0 {
		return fmt.Errorf("iteration count must be positive")
	}
	if m.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if m.FaultAt >= m.Iterations {
		return fmt.Errorf("fault iteration %d is outside the %d-iteration loop", m.FaultAt, m.Iterations)
	}
	if m.Stencil.Cols <= 0 || m.Stencil.Rows <= 0 {
		return fmt.Errorf("stencil grid must be non-empty")
	}
	if m.Stencil.Rows%(m.Ranks-1) != 0 {
		return fmt.Errorf("stencil rows %d must divide evenly among %d active ranks", m.Stencil.Rows, m.Ranks-1)
	}
	return nil
}
