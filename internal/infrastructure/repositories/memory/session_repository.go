package memory

import (
	"context"
	"sync"

	"duocall/internal/core/domain"
)

type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]domain.SessionRecord
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		sessions: make(map[domain.SessionID]domain.SessionRecord),
	}
}

// Save stores a copy of record, replacing any previous version.
func (r *SessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *record
	stored.Participants = append([]domain.Identity(nil), record.Participants...)
	r.sessions[record.ID] = stored
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	record.Participants = append([]domain.Identity(nil), record.Participants...)
	return &record, nil
}
