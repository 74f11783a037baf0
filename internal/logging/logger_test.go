package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{Level: "loud", Format: "json"})
	assert.Error(t, err)

	_, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)

	l, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, l.Underlying())
}

func TestContextFieldsAreAttached(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRequestID(WithSource(WithTask(context.Background(), "t-1"), "acme/widgets"), "req-9")

	tl.Info(ctx, "phase committed", zap.String("phase", "generating"))

	entries := tl.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "t-1", fields["task.id"])
	assert.Equal(t, "acme/widgets", fields["source.ref"])
	assert.Equal(t, "req-9", fields["request.id"])
	assert.Equal(t, "generating", fields["phase"])
	tl.AssertLogged(t, zapcore.InfoLevel, "committed")
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
	assert.Equal(t, "", TaskFromContext(context.Background()))
}
