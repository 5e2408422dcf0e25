// Package captcha brokers captcha challenges between headless sessions and
// the humans who solve them out of band.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
	"github.com/JakeFAU/portal-extractor/internal/metrics"
)

// Store persists captcha tasks.
type Store interface {
	Put(ctx context.Context, task extractor.CaptchaTask) error
	Get(ctx context.Context, id string) (extractor.CaptchaTask, error)
	Update(ctx context.Context, id string, fn func(*extractor.CaptchaTask) error) (extractor.CaptchaTask, error)
	List(ctx context.Context) ([]extractor.CaptchaTask, error)
	Delete(ctx context.Context, id string) error
}

// Config tunes the broker.
type Config struct {
	Timeout       time.Duration
	PollInterval  time.Duration
	SweepSchedule string
	MaxAge        time.Duration
	PublicBaseURL string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 5m"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * time.Minute
	}
	return c
}

// EventFunc receives progress events emitted while a task is resolved.
type EventFunc func(extractor.Event)

// Broker owns the task registry.
type Broker struct {
	store  Store
	cfg    Config
	clock  extractor.Clock
	ids    extractor.IDGenerator
	logger *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewBroker creates a Broker.
func NewBroker(store Store, cfg Config, clock extractor.Clock, ids extractor.IDGenerator, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{store: store, cfg: cfg.withDefaults(), clock: clock, ids: ids, logger: logger}
}

// CreateTask registers a pending task and returns its id.
func (b *Broker) CreateTask(ctx context.Context, siteKey, url string) (string, error) {
	id, err := b.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("captcha id: %w", err)
	}
	now := b.clock.Now()
	task := extractor.CaptchaTask{
		ID:        id,
		SiteKey:   siteKey,
		URL:       url,
		Status:    extractor.CaptchaPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.store.Put(ctx, task); err != nil {
		return "", fmt.Errorf("store captcha: %w", err)
	}
	metrics.ObserveCaptcha("created")
	b.logger.Info("captcha task created", zap.String("captcha_id", id), zap.String("url", url))
	return id, nil
}

// Status returns the task state and, once solved, its token.
func (b *Broker) Status(ctx context.Context, id string) (extractor.CaptchaStatus, string, error) {
	task, err := b.store.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	return task.Status, task.Token, nil
}

// Task returns a copy of the task.
func (b *Broker) Task(ctx context.Context, id string) (extractor.CaptchaTask, error) {
	return b.store.Get(ctx, id)
}

// Submit records a solver's token. Only pending tasks accept one.
func (b *Broker) Submit(ctx context.Context, id, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("captcha token is empty")
	}
	_, err := b.store.Update(ctx, id, func(task *extractor.CaptchaTask) error {
		if task.Status != extractor.CaptchaPending {
			return fmt.Errorf("captcha %s is %s: %w", id, task.Status, extractor.ErrCaptchaNotPending)
		}
		task.Status = extractor.CaptchaSolved
		task.Token = token
		task.UpdatedAt = b.clock.Now()
		return nil
	})
	if err != nil {
		return err
	}
	metrics.ObserveCaptcha("solved")
	b.logger.Info("captcha solved", zap.String("captcha_id", id))
	return nil
}

// ListPending returns pending tasks, oldest first.
func (b *Broker) ListPending(ctx context.Context) ([]extractor.CaptchaTask, error) {
	tasks, err := b.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, task := range tasks {
		if task.Status == extractor.CaptchaPending {
			out = append(out, task)
		}
	}
	return out, nil
}

// ResolutionURL is the page a human opens to solve task id.
func (b *Broker) ResolutionURL(id string) string {
	return strings.TrimRight(b.cfg.PublicBaseURL, "/") + "/solve/" + id
}

// Resolve creates a task and waits for its token. It fails with
// ErrCaptchaTimeout when the deadline passes or the sweeper expires the task.
func (b *Broker) Resolve(ctx context.Context, siteKey, url string, emit EventFunc) (string, error) {
	id, err := b.CreateTask(ctx, siteKey, url)
	if err != nil {
		return "", err
	}
	if emit == nil {
		emit = func(extractor.Event) {}
	}
	emit(extractor.Event{
		Status:        extractor.EventWaitingCaptcha,
		Message:       "waiting for captcha resolution",
		ResolutionURL: b.ResolutionURL(id),
	})

	deadline := time.NewTimer(b.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, token, err := b.Status(ctx, id)
		switch {
		case errors.Is(err, extractor.ErrCaptchaNotFound):
			return "", fmt.Errorf("captcha %s evicted: %w", id, extractor.ErrCaptchaTimeout)
		case err != nil:
			return "", err
		case status == extractor.CaptchaSolved:
			emit(extractor.Event{Status: extractor.EventCaptchaSolved, Message: "captcha solved"})
			return token, nil
		case status == extractor.CaptchaTimedOut:
			return "", fmt.Errorf("captcha %s: %w", id, extractor.ErrCaptchaTimeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			b.expire(ctx, id)
			return "", fmt.Errorf("captcha %s: %w", id, extractor.ErrCaptchaTimeout)
		case <-ticker.C:
		}
	}
}

// Sweep times out stale pending tasks and evicts every task older than the
// max age. It returns the number of evicted tasks.
func (b *Broker) Sweep(ctx context.Context) (int, error) {
	tasks, err := b.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list captchas: %w", err)
	}
	now := b.clock.Now()
	evicted := 0
	for _, task := range tasks {
		if now.Sub(task.CreatedAt) <= b.cfg.MaxAge {
			continue
		}
		if task.Status == extractor.CaptchaPending {
			b.expire(ctx, task.ID)
		}
		if err := b.store.Delete(ctx, task.ID); err != nil {
			b.logger.Warn("failed to evict captcha", zap.String("captcha_id", task.ID), zap.Error(err))
			continue
		}
		evicted++
	}
	if evicted > 0 {
		b.logger.Info("captcha sweep evicted tasks", zap.Int("count", evicted))
	}
	return evicted, nil
}

// Start schedules the sweeper.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(b.cfg.SweepSchedule, func() {
		if _, err := b.Sweep(context.Background()); err != nil {
			b.logger.Warn("captcha sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule captcha sweep %q: %w", b.cfg.SweepSchedule, err)
	}
	c.Start()
	b.cron = c
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (b *Broker) Stop() {
	b.mu.Lock()
	c := b.cron
	b.cron = nil
	b.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (b *Broker) expire(ctx context.Context, id string) {
	_, err := b.store.Update(ctx, id, func(task *extractor.CaptchaTask) error {
		if task.Status != extractor.CaptchaPending {
			return extractor.ErrCaptchaNotPending
		}
		task.Status = extractor.CaptchaTimedOut
		task.UpdatedAt = b.clock.Now()
		return nil
	})
	if err == nil {
		metrics.ObserveCaptcha("timeout")
	}
}
