package service

import (
	"context"
	"log/slog"
	"sync"

	"analytics/internal/diag"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter — decouples services from their observers
// ─────────────────────────────────────────────────────────────

// EventEmitter announces finished runs. The CLI logs them through the
// diagnostics sink; tests record them with MockEmitter.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// Event names.
const (
	EventPipelineCompleted = "pipeline:completed"
	EventExportCompleted   = "export:completed"
	EventRunSkipped        = "run:skipped"
)

// SinkEmitter writes events to a diagnostics sink.
type SinkEmitter struct {
	Sink diag.Sink
}

func (e SinkEmitter) Emit(ctx context.Context, event string, data any) {
	diag.OrDiscard(e.Sink).Log(ctx, slog.LevelDebug, "event",
		slog.String("event", event),
		slog.Any("data", data),
	)
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Named returns the recorded events with the given name.
func (m *MockEmitter) Named(event string) []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EmittedEvent
	for _, e := range m.Events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
