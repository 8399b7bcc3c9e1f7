package demo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func Test_LoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.yaml")
	data := `
logging:
  level: debug
ranks: 9
region_size: 65536
iterations: 200
checkpoint_every: 25
fault_at: 120
timeout_ms: 500
stencil:
  cols: 48
  rows: 64
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, 9, cfg.Ranks)
	assert.Equal(t, 64*datasize.KB, cfg.RegionSize)
	assert.Equal(t, 200, cfg.Iterations)
	assert.Equal(t, 25, cfg.CheckpointEvery)
	assert.Equal(t, 120, cfg.FaultAt)
	assert.Equal(t, uint64(500), cfg.TimeoutMillis)
	assert.Equal(t, 48, cfg.Stencil.Cols)
	assert.Equal(t, 64, cfg.Stencil.Rows)
}

func Test_LoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ranks: 6\nstencil: {cols: 20, rows: 20}\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Ranks)
	assert.Equal(t, datasize.MB, cfg.RegionSize)
	assert.Equal(t, 1000, cfg.Iterations)
}

func Test_ConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"too few ranks", func(c *Config) { c.Ranks = 3 }},
		{"zero region", func(c *Config) { c.RegionSize = 0 }},
		{"unaligned region", func(c *Config) { c.RegionSize = 1023 }},
		{"zero iterations", func(c *Config) { c.Iterations = 0 }},
		{"zero interval", func(c *Config) { c.CheckpointEvery = 0 }},
		{"fault beyond loop", func(c *Config) { c.FaultAt = c.Iterations }},
		{"empty grid", func(c *Config) { c.Stencil.Cols = 0 }},
		{"indivisible rows", func(c *Config) { c.Stencil.Rows = 47 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, cfg.Validate())

			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func Test_DefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}
