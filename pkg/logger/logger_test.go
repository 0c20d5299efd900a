package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPackageFunctionsUseSingleton(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	previous := Get()
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(previous) })

	Infof("serving on %s", ":8080")
	Warnw("bearer authentication failed", "reason", "expired")
	Debug("detail")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "serving on :8080", entries[0].Message)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "bearer authentication failed", entries[1].Message)
}

func TestInitializeReplacesNop(t *testing.T) {
	previous := Get()
	t.Cleanup(func() { Set(previous) })

	Initialize()
	assert.NotNil(t, Get())
	// Logging through the initialized logger must not panic.
	Info("initialized")
}

func TestUnstructuredLogsDefault(t *testing.T) {
	t.Setenv("UNSTRUCTURED_LOGS", "")
	assert.True(t, unstructuredLogs())

	t.Setenv("UNSTRUCTURED_LOGS", "false")
	assert.False(t, unstructuredLogs())

	t.Setenv("UNSTRUCTURED_LOGS", "true")
	assert.True(t, unstructuredLogs())
}
