// Package worker implements the extraction pipeline execution loop.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/browser"
	"github.com/JakeFAU/portal-extractor/internal/captcha"
	"github.com/JakeFAU/portal-extractor/internal/extractor"
	"github.com/JakeFAU/portal-extractor/internal/metrics"
	"github.com/JakeFAU/portal-extractor/internal/portal"
	"github.com/JakeFAU/portal-extractor/internal/verification"
)

// SessionPool hands out browser sessions.
type SessionPool interface {
	Acquire(ctx context.Context, owner string) (*browser.Session, error)
}

// CaptchaResolver blocks until a human solves a captcha.
type CaptchaResolver interface {
	Resolve(ctx context.Context, siteKey, url string, emit captcha.EventFunc) (string, error)
}

// Verifier obtains one-time verification codes.
type Verifier interface {
	Obtain(ctx context.Context, requested verification.Method, support verification.Support, onLocked verification.OnLocked) (verification.Result, error)
}

// DocumentProcessor decrypts and archives retrieved documents.
type DocumentProcessor interface {
	Process(ctx context.Context, jobID string, req extractor.JobRequest, docs []extractor.Document) ([]extractor.PDF, []extractor.DocumentRef)
}

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy interface {
	MaxAttempts() int
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// StartLimiter paces job starts.
type StartLimiter interface {
	Wait(ctx context.Context) error
}

// Config controls Worker behavior.
type Config struct {
	// StartJitter spreads simultaneous starts; each attempt sleeps a random
	// duration below it before doing anything.
	StartJitter time.Duration
	// JobTimeout bounds a single attempt.
	JobTimeout time.Duration
}

// Dependencies are the collaborators a Worker drives. Limiter, Captcha,
// Verifier and Documents are optional.
type Dependencies struct {
	Queue     extractor.Queue
	Jobs      extractor.JobStore
	Pool      SessionPool
	Routine   portal.Routine
	Captcha   CaptchaResolver
	Verifier  Verifier
	Documents DocumentProcessor
	Notifier  extractor.Notifier
	Retry     RetryPolicy
	Limiter   StartLimiter
	Clock     extractor.Clock
}

// Worker consumes queue items and runs extraction attempts.
type Worker struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger

	retries sync.WaitGroup
}

// New constructs a Worker.
func New(deps Dependencies, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Routine == nil {
		deps.Routine = portal.Unconfigured{}
	}
	if deps.Retry == nil {
		deps.Retry = extractor.NewExponentialRetryPolicy(0, 0, 0)
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	defer w.retries.Wait()
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, extractor.ErrQueueClosed) {
				w.logger.Info("queue closed, worker stopping")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item extractor.QueueItem) {
	if item.Attempt < 1 {
		item.Attempt = 1
	}
	log := w.logger.With(zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))

	if !sleepCtx(ctx, extractor.RandomDuration(w.cfg.StartJitter)) {
		return
	}
	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx); err != nil {
			log.Debug("start wait aborted", zap.Error(err))
			return
		}
	}

	now := w.deps.Clock.Now()
	if _, err := w.deps.Jobs.UpdateJob(ctx, item.JobID, func(job *extractor.Job) {
		job.Status = extractor.JobStatusActive
		job.Attempts = item.Attempt
		job.Progress = 0
		if job.Started == nil {
			job.Started = &now
		}
	}); err != nil {
		log.Error("update job status failed", zap.Error(err))
		return
	}
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	if item.Attempt == 1 {
		w.notify(item, extractor.Event{Status: extractor.EventStarted, Message: "extraction started"})
	}
	log.Info("extraction attempt started")

	pdfs, refs, err := w.runAttempt(ctx, item)
	if err == nil {
		w.complete(ctx, item, pdfs, refs)
		return
	}
	if ctx.Err() != nil {
		w.fail(context.WithoutCancel(ctx), item, fmt.Errorf("shutdown during attempt %d: %w", item.Attempt, err))
		return
	}

	if w.deps.Retry.ShouldRetry(err, item.Attempt) {
		delay := w.deps.Retry.Backoff(item.Attempt)
		log.Warn("extraction attempt failed, retrying", zap.Duration("backoff", delay), zap.Error(err))
		if _, uerr := w.deps.Jobs.UpdateJob(ctx, item.JobID, func(job *extractor.Job) {
			job.Status = extractor.JobStatusQueued
			job.Error = err.Error()
		}); uerr != nil {
			log.Error("update job status failed", zap.Error(uerr))
		}
		metrics.ObserveJob("retried")
		next := item
		next.Attempt++
		w.retries.Add(1)
		go w.requeue(ctx, next, delay)
		return
	}

	w.fail(ctx, item, fmt.Errorf("%w after %d attempts: %w", extractor.ErrJobAttemptsExhausted, item.Attempt, err))
}

// runAttempt executes the portal routine once in a fresh browser session.
// The session is released before returning on every path.
func (w *Worker) runAttempt(ctx context.Context, item extractor.QueueItem) ([]extractor.PDF, []extractor.DocumentRef, error) {
	attemptCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	session, err := w.deps.Pool.Acquire(attemptCtx, item.JobID)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire browser: %w", err)
	}
	defer session.Release()
	w.progress(ctx, item.JobID, extractor.ProgressSessionStarted)

	docs, err := w.deps.Routine.Run(attemptCtx, session, item.Request, w.helpers(item))
	if err != nil {
		return nil, nil, err
	}
	if len(docs) == 0 {
		return nil, nil, errors.New("portal returned no documents")
	}
	w.progress(ctx, item.JobID, extractor.ProgressDataRetrieved)

	if w.deps.Documents == nil {
		return rawPDFs(docs), nil, nil
	}
	pdfs, refs := w.deps.Documents.Process(attemptCtx, item.JobID, item.Request, docs)
	return pdfs, refs, nil
}

func (w *Worker) helpers(item extractor.QueueItem) portal.Helpers {
	var h portal.Helpers
	if w.deps.Captcha != nil {
		h.SolveCaptcha = func(ctx context.Context, siteKey, pageURL string) (string, error) {
			return w.deps.Captcha.Resolve(ctx, siteKey, pageURL, func(ev extractor.Event) {
				w.notify(item, ev)
			})
		}
	}
	if w.deps.Verifier != nil {
		h.Verify = w.deps.Verifier.Obtain
	}
	return h
}

func (w *Worker) complete(ctx context.Context, item extractor.QueueItem, pdfs []extractor.PDF, refs []extractor.DocumentRef) {
	now := w.deps.Clock.Now()
	if _, err := w.deps.Jobs.UpdateJob(ctx, item.JobID, func(job *extractor.Job) {
		job.Status = extractor.JobStatusCompleted
		job.Progress = extractor.ProgressDone
		job.Documents = refs
		job.Error = ""
		job.Finished = &now
	}); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
	metrics.ObserveJob(string(extractor.JobStatusCompleted))
	w.notify(item, extractor.Event{Status: extractor.EventCompleted, Message: "extraction completed", PDFs: pdfs})
	w.logger.Info("extraction completed", zap.String("job_id", item.JobID), zap.Int("documents", len(pdfs)))
}

func (w *Worker) fail(ctx context.Context, item extractor.QueueItem, err error) {
	now := w.deps.Clock.Now()
	if _, uerr := w.deps.Jobs.UpdateJob(ctx, item.JobID, func(job *extractor.Job) {
		job.Status = extractor.JobStatusFailed
		job.Error = err.Error()
		job.Finished = &now
	}); uerr != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", item.JobID), zap.Error(uerr))
	}
	metrics.ObserveJob(string(extractor.JobStatusFailed))
	w.notify(item, extractor.Event{Status: extractor.EventFailed, Message: "extraction failed", Error: err.Error()})
	w.logger.Error("extraction failed", zap.String("job_id", item.JobID), zap.Error(err))
}

// requeue puts the next attempt back on the queue once delay has passed.
// The worker slot is free while it waits.
func (w *Worker) requeue(ctx context.Context, item extractor.QueueItem, delay time.Duration) {
	defer w.retries.Done()
	if !sleepCtx(ctx, delay) {
		w.fail(context.WithoutCancel(ctx), item, fmt.Errorf("retry of attempt %d abandoned on shutdown: %w", item.Attempt, ctx.Err()))
		return
	}
	if err := w.deps.Queue.Enqueue(ctx, item); err != nil {
		w.fail(context.WithoutCancel(ctx), item, fmt.Errorf("requeue attempt %d: %w", item.Attempt, err))
	}
}

func (w *Worker) progress(ctx context.Context, jobID string, pct int) {
	if _, err := w.deps.Jobs.UpdateJob(ctx, jobID, func(job *extractor.Job) {
		if pct > job.Progress {
			job.Progress = pct
		}
	}); err != nil {
		w.logger.Warn("progress update failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (w *Worker) notify(item extractor.QueueItem, ev extractor.Event) {
	if w.deps.Notifier == nil {
		return
	}
	ev.ID = item.JobID
	w.deps.Notifier.Notify(item.Request.WebhookURL, ev)
}

func rawPDFs(docs []extractor.Document) []extractor.PDF {
	out := make([]extractor.PDF, 0, len(docs))
	for _, d := range docs {
		out = append(out, extractor.PDF{ReferenceMonth: d.ReferenceMonth, Base64Content: base64.StdEncoding.EncodeToString(d.Content)})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
