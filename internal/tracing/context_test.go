package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithRequestID(ctx, "req-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "sess-1", GetSessionID(ctx))
	assert.Equal(t, "req-1", GetRequestID(ctx))

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "sess-1", tc.SessionID)
	assert.Equal(t, "req-1", tc.RequestID)
}

func TestGetTraceID_EmptyContext(t *testing.T) {
	assert.Equal(t, "", GetTraceID(context.Background()))
	assert.Equal(t, "", GetSessionID(context.Background()))
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestLoggerFromContext_AttachesFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionID(WithTraceID(context.Background(), "trace-9"), "sess-9")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("check")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-9"`)
	assert.Contains(t, out, `"session_id":"sess-9"`)
}
