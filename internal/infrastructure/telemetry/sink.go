package telemetry

import (
	"sync"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
)

// Fanout delivers every event to each sink in order.
type Fanout []ports.EventSink

func (f Fanout) Emit(event domain.Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Emit(event)
		}
	}
}

// Recorder keeps the most recent events of every session in memory, for the API and tests.
type Recorder struct {
	limit int

	mu     sync.RWMutex
	events map[domain.SessionID][]domain.Event
}

func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 256
	}
	return &Recorder{limit: limit, events: make(map[domain.SessionID][]domain.Event)}
}

func (r *Recorder) Emit(event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := append(r.events[event.SessionID], event)
	if len(events) > r.limit {
		events = events[len(events)-r.limit:]
	}
	r.events[event.SessionID] = events
}

// Events returns a copy of the retained events of a session, oldest first.
func (r *Recorder) Events(sessionID domain.SessionID) []domain.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Event(nil), r.events[sessionID]...)
}

// Forget drops everything retained for a session.
func (r *Recorder) Forget(sessionID domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, sessionID)
}
