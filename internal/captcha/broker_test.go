package captcha

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/clock/system"
	"github.com/JakeFAU/portal-extractor/internal/extractor"
	"github.com/JakeFAU/portal-extractor/internal/id/uuid"
	"github.com/JakeFAU/portal-extractor/internal/storage/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBroker(clock extractor.Clock, cfg Config) *Broker {
	return NewBroker(memory.NewCaptchaStore(), cfg, clock, uuid.NewRandom(), zap.NewNop())
}

func TestTaskLifecycleIsMonotone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(system.New(), Config{})

	id, err := b.CreateTask(ctx, "site-key", "https://portal.example.com/login")
	require.NoError(t, err)

	status, token, err := b.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, extractor.CaptchaPending, status)
	require.Empty(t, token)

	pending, err := b.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, b.Submit(ctx, id, "tok-1"))
	require.ErrorIs(t, b.Submit(ctx, id, "tok-2"), extractor.ErrCaptchaNotPending)

	status, token, err = b.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, extractor.CaptchaSolved, status)
	require.Equal(t, "tok-1", token)

	pending, err = b.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSubmitUnknownAndEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(system.New(), Config{})
	require.ErrorIs(t, b.Submit(ctx, "missing", "tok"), extractor.ErrCaptchaNotFound)

	id, err := b.CreateTask(ctx, "k", "u")
	require.NoError(t, err)
	require.Error(t, b.Submit(ctx, id, "  "))
	status, _, err := b.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, extractor.CaptchaPending, status)
}

func TestSweepEvictsStaleTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &manualClock{now: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	b := newBroker(clock, Config{MaxAge: 30 * time.Minute})

	stalePending, err := b.CreateTask(ctx, "k", "u")
	require.NoError(t, err)
	staleSolved, err := b.CreateTask(ctx, "k", "u")
	require.NoError(t, err)
	require.NoError(t, b.Submit(ctx, staleSolved, "tok"))

	clock.Advance(20 * time.Minute)
	fresh, err := b.CreateTask(ctx, "k", "u")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	evicted, err := b.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, evicted)

	for _, id := range []string{stalePending, staleSolved} {
		_, _, err := b.Status(ctx, id)
		require.ErrorIs(t, err, extractor.ErrCaptchaNotFound)
		require.ErrorIs(t, b.Submit(ctx, id, "late"), extractor.ErrCaptchaNotFound)
	}
	status, _, err := b.Status(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, extractor.CaptchaPending, status)
}

func TestResolveReturnsTokenAfterSubmit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	poll := 20 * time.Millisecond
	b := newBroker(system.New(), Config{PollInterval: poll, Timeout: 2 * time.Second, PublicBaseURL: "https://solve.example.com/"})

	var mu sync.Mutex
	var events []extractor.Event
	emit := func(ev extractor.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	submitted := make(chan time.Time, 1)
	go func() {
		var pending []extractor.CaptchaTask
		for len(pending) == 0 {
			time.Sleep(5 * time.Millisecond)
			pending, _ = b.ListPending(ctx)
		}
		submitted <- time.Now()
		_ = b.Submit(ctx, pending[0].ID, "solved-token")
	}()

	token, err := b.Resolve(ctx, "site", "https://portal.example.com", emit)
	require.NoError(t, err)
	require.Equal(t, "solved-token", token)
	require.Less(t, time.Since(<-submitted), poll+100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	require.Equal(t, extractor.EventWaitingCaptcha, events[0].Status)
	require.Regexp(t, `^https://solve\.example\.com/solve/[0-9a-f-]{36}$`, events[0].ResolutionURL)
	require.Equal(t, extractor.EventCaptchaSolved, events[1].Status)
}

func TestResolveTimesOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(system.New(), Config{PollInterval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})

	_, err := b.Resolve(ctx, "site", "u", nil)
	require.ErrorIs(t, err, extractor.ErrCaptchaTimeout)

	tasks, err := b.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, extractor.CaptchaTimedOut, tasks[0].Status)
	require.ErrorIs(t, b.Submit(ctx, tasks[0].ID, "late"), extractor.ErrCaptchaNotPending)
}

func TestResolveContextCanceled(t *testing.T) {
	t.Parallel()

	b := newBroker(system.New(), Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := b.Resolve(ctx, "site", "u", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	b := newBroker(system.New(), Config{SweepSchedule: "@every 1h"})
	require.NoError(t, b.Start())
	require.NoError(t, b.Start())
	b.Stop()
	b.Stop()

	bad := newBroker(system.New(), Config{SweepSchedule: "not a schedule"})
	require.Error(t, bad.Start())
}
