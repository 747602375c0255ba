package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDailyRun(t *testing.T) {
	offset := 23*time.Hour + 55*time.Minute
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"earlier same day", time.Date(2026, 6, 30, 8, 0, 0, 0, time.UTC), time.Date(2026, 6, 30, 23, 55, 0, 0, time.UTC)},
		{"exactly at run time", time.Date(2026, 6, 30, 23, 55, 0, 0, time.UTC), time.Date(2026, 7, 1, 23, 55, 0, 0, time.UTC)},
		{"after run time", time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC), time.Date(2027, 1, 1, 23, 55, 0, 0, time.UTC)},
		{"non-UTC input", time.Date(2026, 3, 1, 1, 0, 0, 0, time.FixedZone("CET", 3600)), time.Date(2026, 3, 1, 23, 55, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextDailyRun(tt.now, offset))
		})
	}
}

func TestEvery_RunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- every(ctx, "test", time.Millisecond, func(context.Context) error {
			if runs.Add(1) == 3 {
				cancel()
			}
			return errors.New("keeps going")
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}
