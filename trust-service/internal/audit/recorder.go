package audit

import (
	"context"
	"log/slog"
	"sync"
)

// Recorder accepts audit events from request handlers. Recording is best
// effort: failures are logged and never fail the caller.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// StoreRecorder appends events to a Store.
type StoreRecorder struct {
	store Store
}

func NewStoreRecorder(store Store) *StoreRecorder {
	return &StoreRecorder{store: store}
}

func (r *StoreRecorder) Record(ctx context.Context, ev Event) {
	if err := r.store.Append(ctx, &ev); err != nil {
		slog.ErrorContext(ctx, "[audit] append failed", "event_id", ev.ID, "type", ev.EventType, "subject", ev.Subject, "error", err)
	}
}

// MemoryRecorder keeps events in memory. Used in tests and local runs.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *MemoryRecorder) Record(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *MemoryRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

type discard struct{}

func (discard) Record(context.Context, Event) {}

// Discard drops every event.
var Discard Recorder = discard{}
