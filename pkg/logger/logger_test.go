package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = prev })
	return logs
}

func TestInit_RejectsUnknownLevel(t *testing.T) {
	err := Init(&Config{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestFromContext_TagsRequestID(t *testing.T) {
	logs := observe(t)

	ctx := WithRequestID(context.Background(), "req-42")
	FromContext(ctx).Info("handled")
	FromContext(context.Background()).Info("untagged")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "req-42", entries[0].ContextMap()["request_id"])
	assert.NotContains(t, entries[1].ContextMap(), "request_id")
}

func TestPackageHelpers(t *testing.T) {
	logs := observe(t)

	Debug("d")
	Info("i", zap.Int("n", 1))
	Warn("w")
	Error("e")
	With(zap.String("component", "relay")).Info("child")

	assert.Equal(t, 5, logs.Len())
	assert.Equal(t, 1, logs.FilterMessage("i").FilterField(zap.Int("n", 1)).Len())
	assert.Equal(t, "relay", logs.FilterMessage("child").All()[0].ContextMap()["component"])
}
