package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
	"github.com/JakeFAU/portal-extractor/internal/lock"
	"github.com/JakeFAU/portal-extractor/internal/metrics"
)

// CodePoller waits for a code to arrive on one channel. It returns false with
// a nil error when timeout elapses without a code.
type CodePoller interface {
	WaitForCode(ctx context.Context, timeout time.Duration, since time.Time) (string, bool, error)
}

// Locker is the subset of the lock manager the coordinator needs.
type Locker interface {
	Hold(ctx context.Context, key, holder string, maxWait time.Duration) (*lock.Lease, error)
	IsAvailable(ctx context.Context, key string) (bool, error)
}

// OnLocked runs after the channel lock is held and before polling starts.
// Portal routines use it to trigger the code send.
type OnLocked func(ctx context.Context, method Method) error

// Status is the lifecycle state of a verification request.
type Status string

// Request states.
const (
	StatusInit          Status = "init"
	StatusAcquiringLock Status = "acquiring-lock"
	StatusWaitingCode   Status = "waiting-code"
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
)

// Request tracks one Obtain call. Its ID doubles as the lock holder.
type Request struct {
	ID        string
	Method    Method
	Channel   Method
	Status    Status
	Code      string
	CreatedAt time.Time
}

// Result is a successful verification.
type Result struct {
	RequestID string
	Method    Method
	Code      string
}

// Config carries the lock keys and waits.
type Config struct {
	PhoneKey    string
	EmailKey    string
	LockWait    time.Duration
	CodeTimeout time.Duration
}

// Coordinator serializes verification across concurrent jobs.
type Coordinator struct {
	locks  Locker
	phone  CodePoller
	email  CodePoller
	cfg    Config
	clock  extractor.Clock
	ids    extractor.IDGenerator
	logger *zap.Logger

	mu       sync.Mutex
	requests map[string]Request
}

// NewCoordinator wires a coordinator. A nil poller disables that channel.
func NewCoordinator(locks Locker, phone, email CodePoller, cfg Config, clock extractor.Clock, ids extractor.IDGenerator, logger *zap.Logger) *Coordinator {
	if cfg.PhoneKey == "" {
		cfg.PhoneKey = "lock:phone"
	}
	if cfg.EmailKey == "" {
		cfg.EmailKey = "lock:email"
	}
	if cfg.CodeTimeout <= 0 {
		cfg.CodeTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		locks:    locks,
		phone:    phone,
		email:    email,
		cfg:      cfg,
		clock:    clock,
		ids:      ids,
		logger:   logger,
		requests: make(map[string]Request),
	}
}

// Obtain runs the full verification flow: select a channel, hold its lock,
// call onLocked, then wait for the code. In Any mode a lock or code timeout
// on the first channel is retried once on the other one. The lock is
// released on every path.
func (c *Coordinator) Obtain(ctx context.Context, requested Method, support Support, onLocked OnLocked) (Result, error) {
	id, err := c.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("verification id: %w", err)
	}
	req := Request{ID: id, Method: requested, Status: StatusInit, CreatedAt: c.clock.Now()}
	c.track(req)
	defer c.forget(req.ID)

	support.Phone = support.Phone && c.phone != nil
	support.Email = support.Email && c.email != nil

	var avail Availability
	if requested == MethodAny && support.Phone && support.Email {
		avail.Phone = c.available(ctx, c.cfg.PhoneKey)
		avail.Email = c.available(ctx, c.cfg.EmailKey)
	}

	plan, err := Select(requested, support, avail)
	if err != nil {
		metrics.ObserveVerification(string(requested), "unavailable")
		return Result{}, err
	}

	result, err := c.attempt(ctx, &req, plan.Primary, onLocked)
	if err == nil || plan.Fallback == "" || !retryable(err) || ctx.Err() != nil {
		return result, err
	}
	c.logger.Warn("verification channel failed, trying fallback",
		zap.String("request_id", req.ID),
		zap.String("failed", string(plan.Primary)),
		zap.String("fallback", string(plan.Fallback)),
		zap.Error(err))
	return c.attempt(ctx, &req, plan.Fallback, onLocked)
}

// Pending returns a snapshot of in-flight requests.
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, 0, len(c.requests))
	for _, r := range c.requests {
		out = append(out, r)
	}
	return out
}

func (c *Coordinator) attempt(ctx context.Context, req *Request, method Method, onLocked OnLocked) (Result, error) {
	req.Channel = method
	c.setStatus(req, StatusAcquiringLock)

	lease, err := c.locks.Hold(ctx, c.lockKey(method), req.ID, c.cfg.LockWait)
	if err != nil {
		c.setStatus(req, StatusFailed)
		metrics.ObserveVerification(string(method), outcome(err))
		return Result{}, fmt.Errorf("%s verification: %w", method, err)
	}
	defer lease.Release()

	// Anything delivered after this instant belongs to this request.
	since := c.clock.Now()
	if onLocked != nil {
		if err := onLocked(ctx, method); err != nil {
			c.setStatus(req, StatusFailed)
			metrics.ObserveVerification(string(method), "error")
			return Result{}, fmt.Errorf("%s verification: %w", method, err)
		}
	}

	c.setStatus(req, StatusWaitingCode)
	code, ok, err := c.poller(method).WaitForCode(ctx, c.cfg.CodeTimeout, since)
	if err != nil {
		c.setStatus(req, StatusFailed)
		metrics.ObserveVerification(string(method), "error")
		return Result{}, fmt.Errorf("%s verification: %w", method, err)
	}
	if !ok {
		c.setStatus(req, StatusFailed)
		metrics.ObserveVerification(string(method), "timeout")
		return Result{}, fmt.Errorf("%s verification: %w", method, extractor.ErrCodeTimeout)
	}

	req.Code = code
	c.setStatus(req, StatusSucceeded)
	metrics.ObserveVerification(string(method), "success")
	c.logger.Info("verification code received", zap.String("request_id", req.ID), zap.String("method", string(method)))
	return Result{RequestID: req.ID, Method: method, Code: code}, nil
}

func (c *Coordinator) available(ctx context.Context, key string) bool {
	ok, err := c.locks.IsAvailable(ctx, key)
	if err != nil {
		c.logger.Warn("lock availability check failed", zap.String("resource", key), zap.Error(err))
		return false
	}
	return ok
}

func (c *Coordinator) lockKey(m Method) string {
	if m == MethodEmail {
		return c.cfg.EmailKey
	}
	return c.cfg.PhoneKey
}

func (c *Coordinator) poller(m Method) CodePoller {
	if m == MethodEmail {
		return c.email
	}
	return c.phone
}

func (c *Coordinator) setStatus(req *Request, s Status) {
	req.Status = s
	c.track(*req)
}

func (c *Coordinator) track(req Request) {
	c.mu.Lock()
	c.requests[req.ID] = req
	c.mu.Unlock()
}

func (c *Coordinator) forget(id string) {
	c.mu.Lock()
	delete(c.requests, id)
	c.mu.Unlock()
}

func retryable(err error) bool {
	return errors.Is(err, extractor.ErrLockTimeout) || errors.Is(err, extractor.ErrCodeTimeout)
}

func outcome(err error) string {
	if errors.Is(err, extractor.ErrLockTimeout) {
		return "lock_timeout"
	}
	return "error"
}
