package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/scheduler"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeLocker struct {
	mu      sync.Mutex
	held    map[string]bool
	deny    bool
	release int
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.deny || l.held[key] {
		return nil, false, nil
	}
	if l.held == nil {
		l.held = map[string]bool{}
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.release++
		return nil
	}, true, nil
}

func TestScheduler_AddJob(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.WithLogger(discard))
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddJob("b", scheduler.Every(time.Hour), noop))
	require.NoError(t, s.AddJob("a", scheduler.Every(time.Hour), noop))
	require.ErrorIs(t, s.AddJob("a", scheduler.Every(time.Hour), noop), scheduler.ErrJobAlreadyRegistered)
	require.ErrorIs(t, s.AddJob("c", nil, noop), scheduler.ErrInvalidSchedule)

	assert.Equal(t, []string{"a", "b"}, s.Jobs())
}

func TestScheduler_StartWithoutJobs(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.WithLogger(discard))
	require.ErrorIs(t, s.Start(context.Background()), scheduler.ErrSchedulerNotConfigured)
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := scheduler.New(scheduler.WithLogger(discard), scheduler.WithCheckInterval(5*time.Millisecond))
	require.NoError(t, s.AddJob("sweep", scheduler.Every(time.Millisecond), func(context.Context) error {
		calls.Add(1)
		return nil
	}, scheduler.RunOnStart()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestScheduler_Trigger(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := scheduler.New(scheduler.WithLogger(discard))
	require.NoError(t, s.AddJob("fails", scheduler.Every(time.Hour), func(context.Context) error { return boom }))
	require.NoError(t, s.AddJob("panics", scheduler.Every(time.Hour), func(context.Context) error { panic("bad") }))

	require.ErrorIs(t, s.Trigger(context.Background(), "fails"), boom)

	var pe *scheduler.PanicError
	require.ErrorAs(t, s.Trigger(context.Background(), "panics"), &pe)
	assert.Equal(t, "panics", pe.Job)

	require.ErrorIs(t, s.Trigger(context.Background(), "missing"), scheduler.ErrJobNotFound)
}

func TestScheduler_Locker(t *testing.T) {
	t.Parallel()

	t.Run("runs and releases when lock is free", func(t *testing.T) {
		t.Parallel()

		locker := &fakeLocker{}
		var ran bool
		s := scheduler.New(scheduler.WithLogger(discard), scheduler.WithLocker(locker))
		require.NoError(t, s.AddJob("retries", scheduler.Every(time.Hour), func(context.Context) error {
			ran = true
			return nil
		}))

		require.NoError(t, s.Trigger(context.Background(), "retries"))
		assert.True(t, ran)
		assert.Equal(t, 1, locker.release)
	})

	t.Run("skips when another worker holds the lock", func(t *testing.T) {
		t.Parallel()

		locker := &fakeLocker{deny: true}
		var ran bool
		s := scheduler.New(scheduler.WithLogger(discard), scheduler.WithLocker(locker))
		require.NoError(t, s.AddJob("retries", scheduler.Every(time.Hour), func(context.Context) error {
			ran = true
			return nil
		}))

		require.NoError(t, s.Trigger(context.Background(), "retries"))
		assert.False(t, ran)
	})
}

func TestScheduler_Timeout(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.WithLogger(discard))
	require.NoError(t, s.AddJob("slow", scheduler.Every(time.Hour), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, scheduler.WithTimeout(10*time.Millisecond)))

	require.ErrorIs(t, s.Trigger(context.Background(), "slow"), context.DeadlineExceeded)
}
