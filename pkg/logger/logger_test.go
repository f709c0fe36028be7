package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFromContext_NilGlobalFallsBackToNop(t *testing.T) {
	saved := Log
	Log = nil
	defer func() { Log = saved }()

	log := FromContext(context.Background())

	require.NotNil(t, log, "packages may log before Initialize runs")
	assert.NotPanics(t, func() {
		log.Warn("dropped on the floor by the nop logger")
	})
}

func TestFromContext_NilContextNilGlobal(t *testing.T) {
	saved := Log
	Log = nil
	defer func() { Log = saved }()

	var ctx context.Context
	log := FromContext(ctx)

	require.NotNil(t, log)
	assert.NotPanics(t, func() { log.Info("still safe") })
}

func TestFromContext_PrefersScopedLogger(t *testing.T) {
	scoped := zap.NewNop()
	ctx := WithLogger(context.Background(), scoped)

	assert.Same(t, scoped, FromContext(ctx))
}

func TestInitialize_InvalidLevelDefaultsToInfo(t *testing.T) {
	saved := Log
	defer func() { Log = saved }()

	require.NoError(t, Initialize("not-a-level"))
	require.NotNil(t, Log)
	assert.True(t, Log.Core().Enabled(zap.InfoLevel))
	assert.False(t, Log.Core().Enabled(zap.DebugLevel))
}
