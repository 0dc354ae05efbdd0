package services

import (
	"context"
	"testing"
	"time"

	"duocall/internal/core/domain"
	"duocall/tests/testutils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordStore map[domain.SessionID]domain.SessionRecord

func (r recordStore) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	record, ok := r[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &record, nil
}

var tokenEpoch = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newTokenService(clock *testutils.FakeClock, sessions recordStore) *TokenService {
	cfg := TokenServiceConfig{Secret: "test-secret", Issuer: "duocall", TTL: 10 * time.Minute, JoinGrace: 15 * time.Minute}
	if sessions == nil {
		return NewTokenService(cfg, nil, clock)
	}
	return NewTokenService(cfg, sessions, clock)
}

func TestTokenService_IssueAndValidate(t *testing.T) {
	clock := testutils.NewFakeClock(tokenEpoch)
	svc := newTokenService(clock, nil)

	token, err := svc.Issue(context.Background(), "session-1", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, token.Value)
	assert.Equal(t, tokenEpoch.Add(10*time.Minute), token.ExpiresAt)

	claims, err := svc.Validate(token.Value)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("session-1"), claims.SessionID)
	assert.Equal(t, domain.Identity("alice"), claims.Identity)
	assert.Equal(t, "session-1", claims.RoomID)
	assert.Equal(t, "duocall", claims.Issuer)
}

func TestTokenService_ExpiredToken(t *testing.T) {
	clock := testutils.NewFakeClock(tokenEpoch)
	svc := newTokenService(clock, nil)

	token, err := svc.Issue(context.Background(), "session-1", "alice")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	_, err = svc.Validate(token.Value)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenService_RejectsForeignTokens(t *testing.T) {
	clock := testutils.NewFakeClock(tokenEpoch)
	svc := newTokenService(clock, nil)

	other := NewTokenService(TokenServiceConfig{Secret: "other-secret", Issuer: "duocall"}, nil, clock)
	foreign, err := other.Issue(context.Background(), "session-1", "alice")
	require.NoError(t, err)

	wrongIssuer := NewTokenService(TokenServiceConfig{Secret: "test-secret", Issuer: "elsewhere"}, nil, clock)
	misissued, err := wrongIssuer.Issue(context.Background(), "session-1", "alice")
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{SessionID: "session-1", Identity: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, value := range map[string]string{
		"garbage":      "not-a-token",
		"other secret": foreign.Value,
		"other issuer": misissued.Value,
		"alg none":     unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Validate(value)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestTokenService_IssueChecksSessionRecord(t *testing.T) {
	sessions := recordStore{
		"session-1": {
			ID:             "session-1",
			Participants:   []domain.Identity{"alice", "bob"},
			ScheduledStart: tokenEpoch.Add(30 * time.Minute),
			ScheduledEnd:   tokenEpoch.Add(90 * time.Minute),
		},
	}
	clock := testutils.NewFakeClock(tokenEpoch)
	svc := newTokenService(clock, sessions)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "session-2", "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = svc.Issue(ctx, "session-1", "mallory")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	_, err = svc.Issue(ctx, "session-1", "alice")
	assert.ErrorIs(t, err, domain.ErrOutsideWindow, "too early even with grace")

	clock.Advance(20 * time.Minute)
	_, err = svc.Issue(ctx, "session-1", "bob")
	assert.NoError(t, err, "inside the grace period")

	clock.Advance(2 * time.Hour)
	_, err = svc.Issue(ctx, "session-1", "bob")
	assert.ErrorIs(t, err, domain.ErrOutsideWindow)
}

func TestTokenService_IssueRequiresIdentity(t *testing.T) {
	svc := newTokenService(testutils.NewFakeClock(tokenEpoch), nil)
	_, err := svc.Issue(context.Background(), "session-1", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
