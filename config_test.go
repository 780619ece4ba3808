package gr

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gr/grerr"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.MaxFramesInFlight)
	assert.Equal(t, 120*time.Second, time.Duration(cfg.WaitCeiling))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero frames", func(c *Config) { c.MaxFramesInFlight = 0 }},
		{"too many frames", func(c *Config) { c.MaxFramesInFlight = MaxFramesInFlightLimit + 1 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"empty ring", func(c *Config) { c.RingSize = 0 }},
		{"empty heap", func(c *Config) { c.AttachmentHeapSize = 0 }},
		{"query chunk", func(c *Config) { c.QueryChunkSize = 65 }},
		{"ceiling", func(c *Config) { c.WaitCeiling = 0 }},
		{"cache", func(c *Config) { c.PipelineCacheSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, grerr.Validation, grerr.KindOf(err))
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	want := Config{
		Backend:            "soft",
		MaxFramesInFlight:  3,
		Workers:            6,
		RingSize:           32 << 20,
		AttachmentHeapSize: 512 << 20,
		QueryChunkSize:     32,
		WaitCeiling:        Duration(45 * time.Second),
		PipelineCacheSize:  128,
		Timestamps:         true,
	}
	for _, name := range []string{"gr.toml", "gr.yaml", "gr.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, WriteConfig(path, want))
			got, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	toml := filepath.Join(dir, "partial.toml")
	require.NoError(t, os.WriteFile(toml, []byte("max_frames_in_flight = 3\nwait_ceiling = \"30s\"\n"), 0o644))
	cfg, err := LoadConfig(toml)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxFramesInFlight)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.WaitCeiling))
	assert.Equal(t, DefaultConfig().RingSize, cfg.RingSize)

	yml := filepath.Join(dir, "partial.yaml")
	require.NoError(t, os.WriteFile(yml, []byte("workers: 3\ntimestamps: true\n"), 0o644))
	cfg, err = LoadConfig(yml)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.True(t, cfg.Timestamps)
	assert.Equal(t, DefaultConfig().AttachmentHeapSize, cfg.AttachmentHeapSize)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	cfg, err = LoadConfig(empty)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	_, err := LoadConfig(write("gr.json", "{}"))
	assert.ErrorIs(t, err, ErrConfigFormat)

	_, err = LoadConfig(write("unknown.toml", "frames = 2\n"))
	assert.ErrorIs(t, err, grerr.ErrValidation, "unknown keys are rejected")

	_, err = LoadConfig(write("unknown.yaml", "frames: 2\n"))
	assert.ErrorIs(t, err, grerr.ErrValidation)

	_, err = LoadConfig(write("bad.toml", "wait_ceiling = \"soon\"\n"))
	assert.ErrorIs(t, err, grerr.ErrValidation)

	_, err = LoadConfig(write("range.yaml", "max_frames_in_flight: 99\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
