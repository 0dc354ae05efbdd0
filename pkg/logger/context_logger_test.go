package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_EnrichesFromContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithSessionID(ctx, "session-1")
	ctx = WithIdentity(ctx, "alice")

	cl.LogInfo(ctx, "joined")
	cl.LogError(ctx, errors.New("boom"), "connect failed")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "session-1", fields["session_id"])
	assert.Equal(t, "alice", fields["identity"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	assert.Equal(t, "req-1", RequestID(ctx))
}

func TestContextLogger_NoFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogRequest(context.Background(), "GET", "/health", 200, 3)

	require.Len(t, logs.All(), 1)
	assert.NotContains(t, logs.All()[0].ContextMap(), "request_id")
}

func TestNew_FallsBackToInfo(t *testing.T) {
	l := New("nonsense", "json")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))

	d := New("debug", "console")
	assert.True(t, d.Core().Enabled(zap.DebugLevel))
}
