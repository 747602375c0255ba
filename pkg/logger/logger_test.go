package logger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observed(t *testing.T) (*Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return &Logger{zap.New(core).Sugar()}, logs
}

// restoreDefault puts the previous process-wide logger back after t.
func restoreDefault(t *testing.T) {
	t.Helper()
	prev := defaultLogger.Load()
	t.Cleanup(func() { defaultLogger.Store(prev) })
}

func TestSetDefault_RoutesContextFreeLogging(t *testing.T) {
	restoreDefault(t)
	l, logs := observed(t)

	SetDefault(l)
	assert.Same(t, l, Default())

	Info(context.Background(), "stock received", "sku", "SKU-1")
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "stock received", entry.Message)
	assert.Equal(t, "SKU-1", entry.ContextMap()["sku"])
}

func TestSetDefault_AfterFirstUse(t *testing.T) {
	restoreDefault(t)
	SetDefault(nil)

	first := Default()
	require.NotNil(t, first)
	assert.Same(t, first, Default(), "lazy logger is built once")

	l, logs := observed(t)
	SetDefault(l)
	assert.Same(t, l, Default())
	Warn(context.Background(), "replaced")
	assert.Equal(t, 1, logs.Len())
}

func TestDefault_ConcurrentWithSetDefault(t *testing.T) {
	restoreDefault(t)
	SetDefault(nil)
	l, _ := observed(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NotNil(t, Default())
		}()
		go func() {
			defer wg.Done()
			SetDefault(l)
		}()
	}
	wg.Wait()
	assert.Same(t, l, Default())
}

func TestFromContext_PrefersContextLogger(t *testing.T) {
	restoreDefault(t)
	def, defLogs := observed(t)
	SetDefault(def)
	own, ownLogs := observed(t)

	ctx := WithLogger(context.Background(), own)
	Info(ctx, "scoped")
	assert.Equal(t, 1, ownLogs.Len())
	assert.Equal(t, 0, defLogs.Len())
}
