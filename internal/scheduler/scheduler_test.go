package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTicksUntilCancelled(t *testing.T) {
	s := New(Options{Name: "test", Interval: 10 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, window time.Time) error {
			if ticks.Add(1) == 3 {
				cancel()
			}
			return errors.New("tick errors do not stop the loop")
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, ticks.Load(), int32(3))
}

func TestRunOnStart(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunOnStart: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan time.Time, 1)
	go func() {
		_ = s.Run(ctx, func(ctx context.Context, window time.Time) error {
			fired <- window
			return nil
		})
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("RunOnStart 应立即执行一次")
	}
}

func TestStartupDelayHonoursCancel(t *testing.T) {
	s := New(Options{Interval: time.Second, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx, func(context.Context, time.Time) error { return nil }), context.Canceled)
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: 24 * time.Hour, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)

	next := s.nextTick(now)
	require.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), next)
	assert.Equal(t, next, s.windowStart(next.Add(time.Minute)))

	midnight := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, midnight.Add(24*time.Hour), s.nextTick(midnight))
}

func TestNewRejectsZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
