package cmdq

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/cmdq/hw"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for cmdq and its timeline backends.
// By default, cmdq produces no log output. Pass nil to restore the silent
// default.
//
// Log levels used by cmdq:
//   - [slog.LevelDebug]: submissions, reclamation, page growth
//   - [slog.LevelInfo]: device open and close
//   - [slog.LevelWarn]: deferred release backlog
//   - [slog.LevelError]: fatal device errors, just before the fatal handler runs
//
// Example:
//
//	cmdq.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	hw.SetLogger(l)
}

// Logger returns the current logger used by cmdq.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
