package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeInstance struct {
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Int32
}

func newFakeInstance() *fakeInstance {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeInstance{ctx: ctx, cancel: cancel}
}

func (f *fakeInstance) Context() context.Context { return f.ctx }
func (f *fakeInstance) Done() <-chan struct{}    { return f.ctx.Done() }
func (f *fakeInstance) Close() error {
	f.closed.Add(1)
	f.cancel()
	return nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	instances []*fakeInstance
	owners    []string
	err       error
}

func (l *fakeLauncher) Launch(_ context.Context, owner string) (Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	inst := newFakeInstance()
	l.instances = append(l.instances, inst)
	l.owners = append(l.owners, owner)
	return inst, nil
}

func (l *fakeLauncher) launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.owners...)
}

func TestPoolBoundsSessions(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := NewPool(launcher, 2, zap.NewNop())
	ctx := context.Background()

	s1, err := pool.Acquire(ctx, "job-1")
	require.NoError(t, err)
	s2, err := pool.Acquire(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, 2, pool.Active())

	got := make(chan *Session, 1)
	go func() {
		s, err := pool.Acquire(ctx, "job-3")
		if err == nil {
			got <- s
		}
	}()
	require.Eventually(t, func() bool { return pool.Waiting() == 1 }, time.Second, 5*time.Millisecond)

	s1.Release()
	s1.Release()

	select {
	case s3 := <-got:
		require.Equal(t, "job-3", s3.Owner())
		s3.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not served after release")
	}
	require.EqualValues(t, 1, launcher.instances[0].closed.Load(), "release closes exactly once")

	s2.Release()
	require.Zero(t, pool.Active())
	require.Zero(t, pool.Waiting())
}

func TestPoolServesWaitersFIFO(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := NewPool(launcher, 1, zap.NewNop())
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "holder")
	require.NoError(t, err)

	order := make(chan string, 3)
	for i, owner := range []string{"a", "b", "c"} {
		go func() {
			s, err := pool.Acquire(ctx, owner)
			if err != nil {
				return
			}
			order <- owner
			s.Release()
		}()
		// Queue them one at a time so arrival order is deterministic.
		require.Eventually(t, func() bool { return pool.Waiting() == i+1 }, time.Second, time.Millisecond)
	}
	require.Equal(t, 3, pool.Waiting())

	first.Release()
	var served []string
	for range 3 {
		select {
		case o := <-order:
			served = append(served, o)
		case <-time.After(time.Second):
			t.Fatalf("only served %v", served)
		}
	}
	require.Equal(t, []string{"a", "b", "c"}, served)
	require.Equal(t, []string{"holder", "a", "b", "c"}, launcher.launched())
}

func TestPoolCancelledWaiterLeavesQueue(t *testing.T) {
	t.Parallel()

	pool := NewPool(&fakeLauncher{}, 1, zap.NewNop())
	held, err := pool.Acquire(context.Background(), "holder")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, "impatient")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return pool.Waiting() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Zero(t, pool.Waiting())

	held.Release()
	next, err := pool.Acquire(context.Background(), "next")
	require.NoError(t, err, "slot must not leak to the cancelled waiter")
	next.Release()
}

func TestPoolCrashFreesSlot(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := NewPool(launcher, 1, zap.NewNop())
	s, err := pool.Acquire(context.Background(), "crashy")
	require.NoError(t, err)

	launcher.instances[0].cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("crash did not release the session")
	}
	require.Zero(t, pool.Active())
	s.Release()

	again, err := pool.Acquire(context.Background(), "after-crash")
	require.NoError(t, err)
	again.Release()
}

func TestPoolLaunchFailureReturnsSlot(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{err: errors.New("chrome not found")}
	pool := NewPool(launcher, 1, zap.NewNop())

	_, err := pool.Acquire(context.Background(), "job")
	require.ErrorContains(t, err, "chrome not found")

	launcher.mu.Lock()
	launcher.err = nil
	launcher.mu.Unlock()
	s, err := pool.Acquire(context.Background(), "job")
	require.NoError(t, err)
	s.Release()
}

func TestPoolCloseAll(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := NewPool(launcher, 1, zap.NewNop())
	s, err := pool.Acquire(context.Background(), "job-1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), "job-2")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return pool.Waiting() == 1 }, time.Second, 5*time.Millisecond)

	pool.CloseAll()
	require.ErrorIs(t, <-errCh, ErrPoolClosed)
	require.EqualValues(t, 1, launcher.instances[0].closed.Load())
	<-s.Done()

	_, err = pool.Acquire(context.Background(), "job-3")
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewPoolMinimumCapacity(t *testing.T) {
	t.Parallel()

	if got := NewPool(&fakeLauncher{}, 0, nil).Capacity(); got != 1 {
		t.Fatalf("expected capacity 1, got %d", got)
	}
}
