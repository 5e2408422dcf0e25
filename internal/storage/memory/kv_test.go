package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
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

func TestKVSetNXRespectsExistingKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := NewKV(&manualClock{now: time.Unix(0, 0)})

	ok, err := kv.SetNX(ctx, "lock:phone", "job-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = kv.SetNX(ctx, "lock:phone", "job-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	v, err := kv.Get(ctx, "lock:phone")
	require.NoError(t, err)
	require.Equal(t, "job-a", v)
}

func TestKVExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &manualClock{now: time.Unix(0, 0)}
	kv := NewKV(clock)

	_, err := kv.SetNX(ctx, "k", "v", 600*time.Second)
	require.NoError(t, err)

	clock.Advance(599 * time.Second)
	_, err = kv.Get(ctx, "k")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = kv.Get(ctx, "k")
	require.True(t, errors.Is(err, extractor.ErrNotFound))

	ok, err := kv.SetNX(ctx, "k", "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKVGetDelAndDeleteIfValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := NewKV(nil)

	require.NoError(t, kv.Set(ctx, "phone:code", "1234", time.Minute))
	v, err := kv.GetDel(ctx, "phone:code")
	require.NoError(t, err)
	require.Equal(t, "1234", v)
	_, err = kv.GetDel(ctx, "phone:code")
	require.ErrorIs(t, err, extractor.ErrNotFound)

	require.NoError(t, kv.Set(ctx, "lock", "holder-a", 0))
	deleted, err := kv.DeleteIfValue(ctx, "lock", "holder-b")
	require.NoError(t, err)
	require.False(t, deleted)
	deleted, err = kv.DeleteIfValue(ctx, "lock", "holder-a")
	require.NoError(t, err)
	require.True(t, deleted)
}

func TestKVSetNXConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := NewKV(nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := kv.SetNX(ctx, "lock:email", "holder", time.Minute)
			if err == nil && ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}
