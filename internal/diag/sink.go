package diag

import (
	"context"
	"log/slog"
	"sync"
)

// ─────────────────────────────────────────────────────────────
// Sink — decouples components from the process-wide logger
// ─────────────────────────────────────────────────────────────

// Sink receives diagnostic events from the executor, stage runner,
// orchestrator and exporter. Components receive a Sink at construction
// time instead of reaching for a global logger, which keeps them
// testable with Memory.
type Sink interface {
	Log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr)
}

// Slog adapts a *slog.Logger to the Sink interface.
type Slog struct {
	Logger *slog.Logger
}

// NewSlog wraps logger. A nil logger falls back to slog.Default().
func NewSlog(logger *slog.Logger) *Slog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slog{Logger: logger}
}

func (s *Slog) Log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	s.Logger.LogAttrs(ctx, level, msg, attrs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Log(context.Context, slog.Level, string, ...slog.Attr) {}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard{}
	}
	return s
}

// ── Memory sink ────────────────────────────────────────────

// Entry is a single recorded event.
type Entry struct {
	Level slog.Level
	Msg   string
	Attrs map[string]any
}

// Memory is a test-friendly Sink that records all events.
type Memory struct {
	mu      sync.Mutex
	Entries []Entry
}

func (m *Memory) Log(_ context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	e := Entry{Level: level, Msg: msg, Attrs: make(map[string]any, len(attrs))}
	for _, a := range attrs {
		e.Attrs[a.Key] = a.Value.Any()
	}
	m.mu.Lock()
	m.Entries = append(m.Entries, e)
	m.mu.Unlock()
}

// Filter returns the recorded entries with the given message.
func (m *Memory) Filter(msg string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.Entries {
		if e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// CountLevel returns how many entries were recorded at level.
func (m *Memory) CountLevel(level slog.Level) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.Entries {
		if e.Level == level {
			n++
		}
	}
	return n
}
