package badger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

func openTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := Open(Config{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, kv.Close())
	})
	return kv
}

func TestOpenRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{}, nil)
	require.Error(t, err)
}

func TestKVSetNXAndDeleteIfValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := openTestKV(t)

	ok, err := kv.SetNX(ctx, "lock:phone", "job-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = kv.SetNX(ctx, "lock:phone", "job-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	deleted, err := kv.DeleteIfValue(ctx, "lock:phone", "job-b")
	require.NoError(t, err)
	require.False(t, deleted)

	deleted, err = kv.DeleteIfValue(ctx, "lock:phone", "job-a")
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = kv.Get(ctx, "lock:phone")
	require.ErrorIs(t, err, extractor.ErrNotFound)
}

func TestKVTTLExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := openTestKV(t)

	ok, err := kv.SetNX(ctx, "lock:email", "job-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, err := kv.Get(ctx, "lock:email")
		return err != nil
	}, 5*time.Second, 100*time.Millisecond)

	ok, err = kv.SetNX(ctx, "lock:email", "job-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKVGetDel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := openTestKV(t)

	require.NoError(t, kv.Set(ctx, "phone:code", "9876", time.Minute))
	v, err := kv.GetDel(ctx, "phone:code")
	require.NoError(t, err)
	require.Equal(t, "9876", v)

	_, err = kv.GetDel(ctx, "phone:code")
	require.ErrorIs(t, err, extractor.ErrNotFound)
}

func TestKVSetNXConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := openTestKV(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := kv.SetNX(ctx, "lock", "holder", time.Minute)
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
