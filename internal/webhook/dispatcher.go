// Package webhook delivers job events to client callback URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
	"github.com/JakeFAU/portal-extractor/internal/metrics"
)

// Config controls delivery concurrency and retries.
type Config struct {
	Workers     int
	Buffer      int
	MaxAttempts int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
	UserAgent   string
	// Topic names the mirror topic on published notifications.
	Topic string
}

// Delivery is one queued event for one target.
type Delivery struct {
	TargetURL string
	Event     extractor.Event
	Attempt   int
}

// Dispatcher is a buffered, retrying webhook queue. It implements
// extractor.Notifier.
type Dispatcher struct {
	cfg       Config
	client    *http.Client
	retry     *extractor.ExponentialRetryPolicy
	publisher extractor.Publisher
	queue     chan Delivery
	logger    *zap.Logger
}

// New constructs a Dispatcher. publisher may be nil to disable mirroring.
func New(cfg Config, publisher extractor.Publisher, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "portal-extractor-webhook"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		retry:     extractor.NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.MaxBackoff),
		publisher: publisher,
		queue:     make(chan Delivery, cfg.Buffer),
		logger:    logger,
	}
}

// Notify queues event for targetURL without blocking. A full queue drops the
// event. An empty targetURL only mirrors the event.
func (d *Dispatcher) Notify(targetURL string, event extractor.Event) {
	select {
	case d.queue <- Delivery{TargetURL: targetURL, Event: event, Attempt: 1}:
	default:
		metrics.ObserveWebhookDelivery(targetURL, "dropped")
		d.logger.Warn("webhook queue full, dropping event",
			zap.String("job_id", event.ID),
			zap.String("status", string(event.Status)),
			zap.Error(fmt.Errorf("%w: queue full", extractor.ErrWebhookDeliveryFailed)),
		)
	}
}

// Pending reports queued deliveries not yet picked up by a worker.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run starts the delivery workers and blocks until ctx is canceled and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.queue:
			d.mirror(ctx, item)
			if item.TargetURL != "" {
				d.deliver(ctx, item)
			}
		}
	}
}

func (d *Dispatcher) mirror(ctx context.Context, item Delivery) {
	if d.publisher == nil {
		return
	}
	msg := extractor.Notification{
		Topic: d.cfg.Topic,
		Attributes: map[string]string{
			"job_id": item.Event.ID,
			"status": string(item.Event.Status),
		},
		Payload: item.Event,
	}
	if _, err := d.publisher.Publish(ctx, msg); err != nil {
		d.logger.Warn("mirror publish failed", zap.String("job_id", item.Event.ID), zap.Error(err))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, item Delivery) {
	body, err := json.Marshal(item.Event)
	if err != nil {
		d.logger.Error("marshal webhook event", zap.String("job_id", item.Event.ID), zap.Error(err))
		return
	}
	logger := d.logger.With(
		zap.String("job_id", item.Event.ID),
		zap.String("status", string(item.Event.Status)),
		zap.String("target", metrics.SanitizeHost(item.TargetURL)),
	)
	for attempt := item.Attempt; ; attempt++ {
		err := d.post(ctx, item.TargetURL, body)
		if err == nil {
			metrics.ObserveWebhookDelivery(item.TargetURL, "delivered")
			logger.Debug("webhook delivered", zap.Int("attempt", attempt))
			return
		}
		if !d.retry.ShouldRetry(err, attempt) {
			metrics.ObserveWebhookDelivery(item.TargetURL, "failed")
			logger.Error("webhook delivery failed permanently",
				zap.Int("attempts", attempt),
				zap.Error(fmt.Errorf("%w after %d attempts: %w", extractor.ErrWebhookDeliveryFailed, attempt, err)),
			)
			return
		}
		metrics.ObserveWebhookDelivery(item.TargetURL, "retry")
		delay := d.retry.Backoff(attempt)
		logger.Warn("webhook delivery failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, targetURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
