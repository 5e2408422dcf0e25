package lock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const releaseTimeout = 5 * time.Second

// Lease is a held lock. Release is idempotent, so it can be deferred right
// after Hold and also called early on the happy path.
type Lease struct {
	manager *Manager
	key     string
	holder  string

	once     sync.Once
	released bool
}

// Key returns the locked resource key.
func (l *Lease) Key() string { return l.key }

// Holder returns the holder ID the lock was taken with.
func (l *Lease) Holder() string { return l.holder }

// Release deletes the lock on the first call and is a no-op afterwards. It
// uses its own timeout so a canceled caller context still frees the resource.
func (l *Lease) Release() bool {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		ok, err := l.manager.Release(ctx, l.key, l.holder)
		if err != nil {
			l.manager.logger.Warn("lease release failed; lock will expire by TTL",
				zap.String("resource", l.key),
				zap.String("holder", l.holder),
				zap.Error(err),
			)
			return
		}
		if !ok {
			l.manager.logger.Warn("lease already lost before release",
				zap.String("resource", l.key),
				zap.String("holder", l.holder),
			)
		}
		l.released = ok
	})
	return l.released
}
