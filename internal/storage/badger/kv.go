// Package badger implements the shared key/value store on an embedded Badger
// database, using native entry TTLs for lock and code expiry.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

const conflictRetries = 5

// Config controls where Badger keeps its files.
type Config struct {
	Dir      string
	InMemory bool
}

// KV is a Badger-backed extractor.KVStore.
type KV struct {
	db *badgerdb.DB
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config, logger *zap.Logger) (*KV, error) {
	opts := badgerdb.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else if cfg.Dir == "" {
		return nil, fmt.Errorf("badger dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.WithLogger(zapLogger{logger.Sugar()})
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w: %w", extractor.ErrStoreUnavailable, err)
	}
	return &KV{db: db}, nil
}

// Close closes the database.
func (s *KV) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func newEntry(key, value string, ttl time.Duration) *badgerdb.Entry {
	e := badgerdb.NewEntry([]byte(key), []byte(value))
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// update runs fn in a read-write transaction, retrying on serialization conflicts.
func (s *KV) update(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("badger update: %w", ctxErr)
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return err
}

func readValue(txn *badgerdb.Txn, key string) (string, bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return string(value), true, nil
}

// SetNX stores value when key is absent or expired.
func (s *KV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var created bool
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		created = false
		_, found, err := readValue(txn, key)
		if err != nil || found {
			return err
		}
		created = true
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w: %w", key, extractor.ErrStoreUnavailable, err)
	}
	return created, nil
}

// Set stores value unconditionally.
func (s *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return fmt.Errorf("set %s: %w: %w", key, extractor.ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the live value for key.
func (s *KV) Get(_ context.Context, key string) (string, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		value, found, err = readValue(txn, key)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", extractor.ErrStoreUnavailable, err)
	}
	if !found {
		return "", fmt.Errorf("key %s: %w", key, extractor.ErrNotFound)
	}
	return value, nil
}

// GetDel reads and removes key in one transaction.
func (s *KV) GetDel(ctx context.Context, key string) (string, error) {
	var (
		value string
		found bool
	)
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		var err error
		value, found, err = readValue(txn, key)
		if err != nil || !found {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return "", fmt.Errorf("getdel %s: %w: %w", key, extractor.ErrStoreUnavailable, err)
	}
	if !found {
		return "", fmt.Errorf("key %s: %w", key, extractor.ErrNotFound)
	}
	return value, nil
}

// DeleteIfValue removes key only while it holds value.
func (s *KV) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	var deleted bool
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		deleted = false
		current, found, err := readValue(txn, key)
		if err != nil || !found || current != value {
			return err
		}
		deleted = true
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("delete %s: %w: %w", key, extractor.ErrStoreUnavailable, err)
	}
	return deleted, nil
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l zapLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l zapLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l zapLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }
