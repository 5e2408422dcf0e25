package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/portal-extractor/internal/clock/system"
	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

type kvEntry struct {
	value     string
	expiresAt time.Time
}

// KV is a process-local key/value store with per-key expiry. Expired entries
// are treated as absent and dropped lazily on access.
type KV struct {
	mu      sync.Mutex
	clock   extractor.Clock
	entries map[string]kvEntry
}

// NewKV creates an empty KV. A nil clock uses wall time.
func NewKV(clock extractor.Clock) *KV {
	if clock == nil {
		clock = system.New()
	}
	return &KV{clock: clock, entries: make(map[string]kvEntry)}
}

// lookup returns the live entry for key; callers hold mu.
func (s *KV) lookup(key string) (kvEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return kvEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !s.clock.Now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return kvEntry{}, false
	}
	return entry, true
}

func (s *KV) entry(value string, ttl time.Duration) kvEntry {
	e := kvEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	return e
}

// SetNX stores value when key is absent.
func (s *KV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.entries[key] = s.entry(value, ttl)
	return true, nil
}

// Set stores value unconditionally.
func (s *KV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.entry(value, ttl)
	return nil
}

// Get returns the live value for key.
func (s *KV) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookup(key)
	if !ok {
		return "", fmt.Errorf("key %s: %w", key, extractor.ErrNotFound)
	}
	return entry.value, nil
}

// GetDel returns and removes the live value for key.
func (s *KV) GetDel(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookup(key)
	if !ok {
		return "", fmt.Errorf("key %s: %w", key, extractor.ErrNotFound)
	}
	delete(s.entries, key)
	return entry.value, nil
}

// DeleteIfValue removes key only while it holds value.
func (s *KV) DeleteIfValue(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookup(key)
	if !ok || entry.value != value {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}
