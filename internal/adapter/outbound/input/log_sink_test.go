package input

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/openctrol/openctrol-agent/internal/ctxkey"
	domain "github.com/openctrol/openctrol-agent/internal/domain/input"
)

func TestLogSink_Inject(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewLogSink(logger)

	ev := domain.Event{Type: domain.Key, KeyCode: 0x41, Action: domain.ActionDown}
	if err := sink.Inject(context.Background(), "sess-1", ev); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}

	if sink.Count() != 1 {
		t.Errorf("Count() = %d, want 1", sink.Count())
	}
	out := buf.String()
	for _, want := range []string{"input event", "session_id=sess-1", "type=key", "key_code=65"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestLogSink_UsesContextLogger(t *testing.T) {
	var own, req bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&own, &slog.HandlerOptions{Level: slog.LevelDebug})))
	reqLogger := slog.New(slog.NewTextHandler(&req, &slog.HandlerOptions{Level: slog.LevelDebug})).With("request_id", "r-1")

	ctx := context.WithValue(context.Background(), ctxkey.LoggerKey{}, reqLogger)
	if err := sink.Inject(ctx, "sess-1", domain.Event{Type: domain.PointerMove, DX: 1}); err != nil {
		t.Fatal(err)
	}

	if own.Len() != 0 {
		t.Errorf("sink logger used despite context logger: %q", own.String())
	}
	if !strings.Contains(req.String(), "request_id=r-1") {
		t.Errorf("context logger output %q missing request_id", req.String())
	}
}
