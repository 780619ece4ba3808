package gr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/gr/cmdpool"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/gpusync"
	"github.com/gogpu/gr/grerr"
)

// Configuration errors.
var (
	// ErrInvalidConfig is returned by Validate for out-of-range values.
	ErrInvalidConfig = errors.New("gr: invalid config")

	// ErrConfigFormat is returned for config files that are neither TOML
	// nor YAML.
	ErrConfigFormat = errors.New("gr: unsupported config format")
)

// Bounds checked by Validate.
const (
	MaxFramesInFlightLimit = 8
	MaxWorkers             = 64
)

// Duration is a time.Duration written as a string ("120s") in config files.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the numeric bounds of a Manager. It is read once by
// NewManager and never changes afterwards.
type Config struct {
	// Backend names the registered backend to open. Empty selects the
	// best available one.
	Backend string `toml:"backend" yaml:"backend"`

	// MaxFramesInFlight is how many frames the CPU may run ahead of the
	// GPU. Each frame slot owns a ring region and an attachment arena.
	MaxFramesInFlight int `toml:"max_frames_in_flight" yaml:"max_frames_in_flight"`

	// Workers is the number of pass recording goroutines.
	Workers int `toml:"workers" yaml:"workers"`

	// RingSize is the total size of the scratch ring, split evenly
	// between frame slots.
	RingSize uint64 `toml:"ring_size" yaml:"ring_size"`

	// AttachmentHeapSize is the size of each slot's transient heap.
	AttachmentHeapSize uint64 `toml:"attachment_heap_size" yaml:"attachment_heap_size"`

	QueryChunkSize    uint32   `toml:"query_chunk_size" yaml:"query_chunk_size"`
	WaitCeiling       Duration `toml:"wait_ceiling" yaml:"wait_ceiling"`
	PipelineCacheSize int      `toml:"pipeline_cache_size" yaml:"pipeline_cache_size"`

	// Timestamps brackets every render and compute pass with timestamp
	// queries when the backend supports them.
	Timestamps bool `toml:"timestamps" yaml:"timestamps"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxFramesInFlight:  2,
		Workers:            min(max(runtime.GOMAXPROCS(0), 1), 8),
		RingSize:           16 << 20,
		AttachmentHeapSize: 256 << 20,
		QueryChunkSize:     cmdpool.DefaultQueryChunkSize,
		WaitCeiling:        Duration(gpusync.DefaultCeiling),
		PipelineCacheSize:  gpuobj.DefaultPipelineCacheSize,
	}
}

// Validate reports the first out-of-range value as a Validation error.
func (c Config) Validate() error {
	var msg string
	switch {
	case c.MaxFramesInFlight < 1 || c.MaxFramesInFlight > MaxFramesInFlightLimit:
		msg = fmt.Sprintf("max_frames_in_flight %d outside [1, %d]", c.MaxFramesInFlight, MaxFramesInFlightLimit)
	case c.Workers < 1 || c.Workers > MaxWorkers:
		msg = fmt.Sprintf("workers %d outside [1, %d]", c.Workers, MaxWorkers)
	case c.RingSize == 0:
		msg = "ring_size is zero"
	case c.AttachmentHeapSize == 0:
		msg = "attachment_heap_size is zero"
	case c.QueryChunkSize < 1 || c.QueryChunkSize > cmdpool.DefaultQueryChunkSize:
		msg = fmt.Sprintf("query_chunk_size %d outside [1, %d]", c.QueryChunkSize, cmdpool.DefaultQueryChunkSize)
	case c.WaitCeiling <= 0:
		msg = fmt.Sprintf("wait_ceiling %v is not positive", time.Duration(c.WaitCeiling))
	case c.PipelineCacheSize < 0:
		msg = fmt.Sprintf("pipeline_cache_size %d is negative", c.PipelineCacheSize)
	default:
		return nil
	}
	return grerr.Validationf("validate config", fmt.Errorf("%w: %s", ErrInvalidConfig, msg))
}

type configFormat uint8

const (
	formatTOML configFormat = iota + 1
	formatYAML
)

func formatOf(path string) (configFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	}
	return 0, grerr.Validationf("config format", fmt.Errorf("%w: %q", ErrConfigFormat, path))
}

// LoadConfig reads a TOML or YAML file, chosen by extension. Keys absent
// from the file keep their DefaultConfig values; unknown keys are
// rejected. The result is validated.
func LoadConfig(path string) (Config, error) {
	const op = "load config"
	cfg := DefaultConfig()
	format, err := formatOf(path)
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, grerr.Validationf(op, err)
	}

	switch format {
	case formatTOML:
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&cfg)
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(&cfg); errors.Is(err, io.EOF) {
			err = nil
		}
	}
	if err != nil {
		return cfg, grerr.Validationf(op, fmt.Errorf("%s: %w", path, err))
	}
	return cfg, cfg.Validate()
}

// WriteConfig writes c to path as TOML or YAML, chosen by extension.
func WriteConfig(path string, c Config) error {
	const op = "write config"
	format, err := formatOf(path)
	if err != nil {
		return err
	}
	var data []byte
	switch format {
	case formatTOML:
		data, err = toml.Marshal(c)
	case formatYAML:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return grerr.Validationf(op, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return grerr.Validationf(op, err)
	}
	return nil
}
