package gr

import (
	"log/slog"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/stats"
)

// Option configures a Manager during creation.
//
// Example:
//
//	// Default configuration on the best registered backend
//	m, err := gr.NewManager()
//
//	// Explicit backend instance and a shared stats registry
//	m, err := gr.NewManager(gr.WithBackend(soft.New()), gr.WithStats(reg))
type Option func(*options)

type options struct {
	cfg     Config
	be      backend.Backend
	logger  *slog.Logger
	stats   *stats.Registry
	workers int
}

func defaultOptions() options {
	return options{cfg: DefaultConfig()}
}

// WithConfig replaces the whole configuration.
func WithConfig(c Config) Option {
	return func(o *options) {
		o.cfg = c
	}
}

// WithBackend uses be instead of opening Config.Backend from the registry.
// The manager initializes be but does not close it on Shutdown.
func WithBackend(be backend.Backend) Option {
	return func(o *options) {
		o.be = be
	}
}

// WithLogger installs l as the package logger, as SetLogger does.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStats publishes counters on r instead of a private registry.
func WithStats(r *stats.Registry) Option {
	return func(o *options) {
		o.stats = r
	}
}

// WithWorkers overrides Config.Workers.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}
