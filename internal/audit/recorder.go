package audit

import (
	"context"
	"sync"

	"github.com/alexjbarnes/authd/internal/models"
)

// Recorder is a Sink that keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

// Record appends ev.
func (r *Recorder) Record(_ context.Context, ev models.AuditEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]models.AuditEvent(nil), r.events...)
}

// Types returns the type of every recorded event in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}

	return types
}
