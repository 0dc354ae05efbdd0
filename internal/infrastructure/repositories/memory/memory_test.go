package memory

import (
	"context"
	"testing"
	"time"

	"duocall/internal/core/domain"
	"duocall/tests/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionCache_TTL(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(time.Unix(1700000000, 0))
	c := NewPermissionCache(time.Hour, clock)

	granted, err := c.GrantedRecently(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, granted)

	require.NoError(t, c.RecordGrant(ctx, "alice"))
	granted, _ = c.GrantedRecently(ctx, "alice")
	assert.True(t, granted)

	other, _ := c.GrantedRecently(ctx, "bob")
	assert.False(t, other, "grants are per identity")

	clock.Advance(time.Hour)
	granted, _ = c.GrantedRecently(ctx, "alice")
	assert.False(t, granted)
}

func TestSessionRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository()

	_, err := repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	record := &domain.SessionRecord{ID: "session-1", Participants: []domain.Identity{"alice", "bob"}}
	require.NoError(t, repo.Save(ctx, record))
	record.Participants[0] = "mallory"

	got, err := repo.GetByID(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, got.HasParticipant("alice"))
	assert.False(t, got.HasParticipant("mallory"))
}
