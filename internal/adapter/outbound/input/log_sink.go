// Package input provides InputSink adapters.
package input

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/openctrol/openctrol-agent/internal/ctxkey"
	domain "github.com/openctrol/openctrol-agent/internal/domain/input"
	"github.com/openctrol/openctrol-agent/internal/port/outbound"
)

// LogSink records input events at debug level instead of injecting them.
// It stands in on hosts without a desktop injector and in tests.
type LogSink struct {
	logger *slog.Logger
	count  atomic.Uint64
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Inject logs ev, preferring the request logger carried by ctx.
func (s *LogSink) Inject(ctx context.Context, sessionID string, ev domain.Event) error {
	s.count.Add(1)
	logger := s.logger
	if l, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok && l != nil {
		logger = l
	}
	logger.Debug("input event",
		"session_id", sessionID,
		"type", ev.Type,
		"action", ev.Action,
		"key_code", ev.KeyCode,
	)
	return nil
}

// Count returns the number of events received.
func (s *LogSink) Count() uint64 {
	return s.count.Load()
}

var _ outbound.InputSink = (*LogSink)(nil)
