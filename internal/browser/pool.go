// Package browser bounds the number of live browser instances and hands them
// out to jobs in arrival order.
package browser

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after CloseAll.
var ErrPoolClosed = errors.New("browser pool closed")

// Instance is a running browser.
type Instance interface {
	// Context drives the browser; chromedp actions run against it.
	Context() context.Context
	// Done closes when the browser exits for any reason.
	Done() <-chan struct{}
	Close() error
}

// Launcher starts browser instances.
type Launcher interface {
	Launch(ctx context.Context, owner string) (Instance, error)
}

type waiter struct {
	owner   string
	ready   chan struct{}
	granted bool
}

// Pool hands out at most maxSessions concurrent sessions. Callers beyond the
// limit wait in FIFO order.
type Pool struct {
	launcher Launcher
	max      int
	logger   *zap.Logger

	mu      sync.Mutex
	slots   int
	active  map[*Session]struct{}
	waiters *list.List
	closed  bool
}

// NewPool creates a Pool. maxSessions below one is treated as one.
func NewPool(launcher Launcher, maxSessions int, logger *zap.Logger) *Pool {
	if maxSessions < 1 {
		maxSessions = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("browser pool initialized", zap.Int("max_sessions", maxSessions))
	return &Pool{
		launcher: launcher,
		max:      maxSessions,
		logger:   logger,
		active:   make(map[*Session]struct{}),
		waiters:  list.New(),
	}
}

// Capacity returns the session limit.
func (p *Pool) Capacity() int { return p.max }

// Acquire blocks until a slot is free, then launches a browser for owner.
// Cancelling ctx while queued removes the caller from the queue.
func (p *Pool) Acquire(ctx context.Context, owner string) (*Session, error) {
	if err := p.reserve(ctx, owner); err != nil {
		return nil, err
	}

	inst, err := p.launcher.Launch(ctx, owner)
	if err != nil {
		p.mu.Lock()
		p.freeSlotLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("launch browser for %s: %w", owner, err)
	}

	s := &Session{owner: owner, instance: inst, pool: p, released: make(chan struct{})}
	p.mu.Lock()
	if p.closed {
		p.freeSlotLocked()
		p.mu.Unlock()
		_ = inst.Close()
		return nil, ErrPoolClosed
	}
	p.active[s] = struct{}{}
	p.reportLocked()
	p.mu.Unlock()

	go s.watch()
	p.logger.Info("browser session started", zap.String("owner", owner))
	return s, nil
}

func (p *Pool) reserve(ctx context.Context, owner string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.slots < p.max && p.waiters.Len() == 0 {
		p.slots++
		p.mu.Unlock()
		return nil
	}
	w := &waiter{owner: owner, ready: make(chan struct{})}
	elem := p.waiters.PushBack(w)
	p.logger.Info("browser limit reached, queuing request",
		zap.String("owner", owner), zap.Int("active", p.slots), zap.Int("queue", p.waiters.Len()))
	p.reportLocked()
	p.mu.Unlock()

	select {
	case <-w.ready:
		if p.isClosed() {
			p.mu.Lock()
			p.freeSlotLocked()
			p.mu.Unlock()
			return ErrPoolClosed
		}
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		defer p.mu.Unlock()
		if w.granted {
			// The slot was handed over while ctx was being cancelled.
			p.freeSlotLocked()
		} else {
			p.waiters.Remove(elem)
			p.reportLocked()
		}
		return fmt.Errorf("waiting for browser: %w", ctx.Err())
	}
}

func (p *Pool) release(s *Session, reason string) {
	p.mu.Lock()
	if _, ok := p.active[s]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, s)
	p.freeSlotLocked()
	p.mu.Unlock()

	if err := s.instance.Close(); err != nil {
		p.logger.Warn("error closing browser", zap.String("owner", s.owner), zap.Error(err))
	}
	p.logger.Info("browser session released", zap.String("owner", s.owner), zap.String("reason", reason))
}

// freeSlotLocked returns a slot, passing it straight to the oldest waiter.
func (p *Pool) freeSlotLocked() {
	p.slots--
	if front := p.waiters.Front(); front != nil && !p.closed {
		w := p.waiters.Remove(front).(*waiter)
		w.granted = true
		p.slots++
		close(w.ready)
	}
	p.reportLocked()
}

func (p *Pool) reportLocked() {
	metrics.SetBrowserPool(len(p.active), p.waiters.Len())
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Active returns the number of live sessions.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Waiting returns the number of queued Acquire calls.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}

// CloseAll closes every live session and fails queued and future Acquire
// calls with ErrPoolClosed.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	sessions := make([]*Session, 0, len(p.active))
	for s := range p.active {
		sessions = append(sessions, s)
	}
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.granted = true
		p.slots++
		close(w.ready)
	}
	p.waiters.Init()
	p.mu.Unlock()

	p.logger.Info("closing all browsers", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Release()
	}
}
