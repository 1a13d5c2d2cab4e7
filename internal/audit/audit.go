// Package audit records operational events (dedup skips, catalog sends,
// suppressed replies, phase transitions) to one or more sinks. Sinks are
// best-effort: a failing sink logs and never interrupts message handling.
package audit

import (
	"context"
	"log/slog"

	"github.com/Insuapliques/Chatbot/internal/store"
)

// Sink receives audit events.
type Sink interface {
	Append(ctx context.Context, kind string, entry map[string]any)
}

// NopSink discards everything.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Append(context.Context, string, map[string]any) {}

// StoreSink writes audit events to the database audit log.
type StoreSink struct {
	repo store.AuditRepo
}

var _ Sink = (*StoreSink)(nil)

func NewStoreSink(repo store.AuditRepo) *StoreSink {
	return &StoreSink{repo: repo}
}

func (s *StoreSink) Append(ctx context.Context, kind string, entry map[string]any) {
	if err := s.repo.AddAuditEntry(ctx, kind, entry); err != nil {
		slog.Error("StoreSink audit append failed", "error", err, "kind", kind)
	}
}

// MultiSink fans out to several sinks.
type MultiSink []Sink

var _ Sink = MultiSink{}

func (m MultiSink) Append(ctx context.Context, kind string, entry map[string]any) {
	for _, s := range m {
		s.Append(ctx, kind, entry)
	}
}

// RecordingSink captures events in memory, for tests.
type RecordingSink struct {
	Events []RecordedEvent
}

// RecordedEvent is one captured audit call.
type RecordedEvent struct {
	Kind  string
	Entry map[string]any
}

var _ Sink = (*RecordingSink)(nil)

func (r *RecordingSink) Append(_ context.Context, kind string, entry map[string]any) {
	r.Events = append(r.Events, RecordedEvent{Kind: kind, Entry: entry})
}

// Kinds returns the recorded event kinds in order, for assertions.
func (r *RecordingSink) Kinds() []string {
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Kind
	}
	return out
}
