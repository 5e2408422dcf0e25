// Package lock implements advisory mutual exclusion over named resources on
// top of a shared key/value store. Every lock carries a TTL so a crashed
// holder cannot wedge a resource forever.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
	"github.com/JakeFAU/portal-extractor/internal/metrics"
)

// Config tunes lock lifetimes and blocking waits.
type Config struct {
	TTL          time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
}

const (
	defaultTTL          = 600 * time.Second
	defaultPollInterval = 5 * time.Second
	defaultMaxWait      = 10 * time.Minute
)

// Manager acquires and releases locks stored in a KVStore. The stored value
// is the holder ID, which makes release a compare-and-delete.
type Manager struct {
	store  extractor.KVStore
	cfg    Config
	logger *zap.Logger
}

// NewManager creates a Manager. Zero config values take the defaults
// (600s TTL, 5s poll, 10m max wait).
func NewManager(store extractor.KVStore, cfg Config, logger *zap.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, cfg: cfg, logger: logger}
}

// TryAcquire creates the lock for key if none exists. It returns false
// without side effects when another holder has it.
func (m *Manager) TryAcquire(ctx context.Context, key, holder string) (bool, error) {
	ok, err := m.store.SetNX(ctx, key, holder, m.cfg.TTL)
	if err != nil {
		metrics.ObserveLockAcquire(key, "error")
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if ok {
		metrics.ObserveLockAcquire(key, "acquired")
		m.logger.Debug("lock acquired", zap.String("resource", key), zap.String("holder", holder))
	} else {
		metrics.ObserveLockAcquire(key, "denied")
	}
	return ok, nil
}

// AcquireBlocking retries TryAcquire every poll interval until it succeeds or
// maxWait elapses (maxWait <= 0 uses the configured default). A timeout
// returns false with a nil error; only store failures and context
// cancellation return errors.
func (m *Manager) AcquireBlocking(ctx context.Context, key, holder string, maxWait time.Duration) (bool, error) {
	if maxWait <= 0 {
		maxWait = m.cfg.MaxWait
	}
	start := time.Now()
	defer func() {
		metrics.ObserveLockWait(key, time.Since(start))
	}()

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := m.TryAcquire(ctx, key, holder)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		m.logger.Debug("lock busy, waiting",
			zap.String("resource", key),
			zap.String("holder", holder),
			zap.Duration("waited", time.Since(start)),
		)
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-deadline.C:
			metrics.ObserveLockAcquire(key, "timeout")
			m.logger.Warn("lock wait timed out",
				zap.String("resource", key),
				zap.String("holder", holder),
				zap.Duration("max_wait", maxWait),
			)
			return false, nil
		case <-ticker.C:
		}
	}
}

// Release deletes the lock only while holder still owns it. A stale holder
// whose lock expired and was re-acquired by someone else gets false.
func (m *Manager) Release(ctx context.Context, key, holder string) (bool, error) {
	ok, err := m.store.DeleteIfValue(ctx, key, holder)
	if err != nil {
		metrics.ObserveLockRelease(key, "error")
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	if ok {
		metrics.ObserveLockRelease(key, "released")
		m.logger.Debug("lock released", zap.String("resource", key), zap.String("holder", holder))
	} else {
		metrics.ObserveLockRelease(key, "not_held")
	}
	return ok, nil
}

// IsAvailable reports whether key is currently unlocked. It never mutates.
func (m *Manager) IsAvailable(ctx context.Context, key string) (bool, error) {
	_, err := m.store.Get(ctx, key)
	if errors.Is(err, extractor.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", key, err)
	}
	return false, nil
}

// Hold acquires key (blocking up to maxWait) and returns a Lease to be
// released with defer. It fails with extractor.ErrLockTimeout on timeout.
func (m *Manager) Hold(ctx context.Context, key, holder string, maxWait time.Duration) (*Lease, error) {
	ok, err := m.AcquireBlocking(ctx, key, holder, maxWait)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("acquire %s: %w", key, extractor.ErrLockTimeout)
	}
	return &Lease{manager: m, key: key, holder: holder}, nil
}
