package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitializeIsIdempotent(t *testing.T) {
	require.NoError(t, Initialize(true))
	require.NoError(t, Initialize(false))
	assert.NotNil(t, GetLogger())
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	assert.NotNil(t, GetLogger())
}

func TestAppendContextFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), CorrelationIDKey, "corr-1")
	ctx = context.WithValue(ctx, ClientIDKey, "client-1")
	ctx = context.WithValue(ctx, RoomIDKey, "room-1")

	fields := appendContextFields(ctx, []zap.Field{zap.String("k", "v")})

	keys := make(map[string]bool, len(fields))
	for _, f := range fields {
		keys[f.Key] = true
	}
	assert.True(t, keys["k"])
	assert.True(t, keys["correlation_id"])
	assert.True(t, keys["client_id"])
	assert.True(t, keys["room_id"])
	assert.True(t, keys["service"])
}

func TestAppendContextFieldsNilContext(t *testing.T) {
	fields := appendContextFields(nil, nil)
	assert.Empty(t, fields)
}

func TestLogHelpersDoNotPanic(t *testing.T) {
	ctx := context.Background()
	Debug(ctx, "debug message")
	Info(ctx, "info message", zap.String("k", "v"))
	Warn(ctx, "warn message")
	Error(ctx, "error message")
}
