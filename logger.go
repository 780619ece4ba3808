package gr

import (
	"log/slog"

	"github.com/gogpu/gr/internal/logx"
)

// SetLogger configures the logger for gr and all its sub-packages.
// By default, gr produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by gr:
//   - [slog.LevelDebug]: per-frame detail (slot waits, compiled plans, reclaimed objects)
//   - [slog.LevelInfo]: lifecycle events (manager created, shut down)
//   - [slog.LevelWarn]: recoverable issues (slow fence waits, aborted frames)
//   - [slog.LevelError]: fatal frame failures (device lost, GPU hang)
//
// Example:
//
//	// Enable info-level logging to stderr:
//	gr.SetLogger(slog.Default())
//
//	// Enable debug-level logging for full diagnostics:
//	gr.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logx.Set(l)
}

// Logger returns the current logger used by gr.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logx.L()
}
