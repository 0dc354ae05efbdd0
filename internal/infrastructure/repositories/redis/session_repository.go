package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"duocall/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// SessionRepository reads session records written by the scheduling side as JSON.
type SessionRepository struct {
	client *redis.Client
	prefix string
}

func NewSessionRepository(client *redis.Client) *SessionRepository {
	return &SessionRepository{
		client: client,
		prefix: keyPrefix + "session:",
	}
}

func (r *SessionRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *SessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var record domain.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &record, nil
}

// Save stores record without expiry.
func (r *SessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(record.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}
	return nil
}
