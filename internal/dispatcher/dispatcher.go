// Package dispatcher accepts extraction jobs and fans queue work out to a
// fixed set of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
	"github.com/JakeFAU/portal-extractor/internal/metrics"
	"github.com/JakeFAU/portal-extractor/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers. The worker count is
// the hard ceiling on concurrently active jobs.
type Dispatcher struct {
	queue   extractor.Queue
	jobs    extractor.JobStore
	ids     extractor.IDGenerator
	clock   extractor.Clock
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue extractor.Queue,
	jobs extractor.JobStore,
	ids extractor.IDGenerator,
	clock extractor.Clock,
	workers []*worker.Worker,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		jobs:    jobs,
		ids:     ids,
		clock:   clock,
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Submit records a queued job and enqueues its first attempt.
func (d *Dispatcher) Submit(ctx context.Context, req extractor.JobRequest) (string, error) {
	if len(req.ReferenceMonths) == 0 {
		return "", errors.New("at least one reference month required")
	}
	jobID, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := d.clock.Now()
	job := extractor.Job{
		ID:        jobID,
		Status:    extractor.JobStatusQueued,
		Request:   req,
		Submitted: now,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	item := extractor.QueueItem{JobID: jobID, Request: req, Attempt: 1, Submitted: now.UnixNano()}
	if err := d.Enqueue(ctx, item); err != nil {
		finished := d.clock.Now()
		if _, uerr := d.jobs.UpdateJob(context.WithoutCancel(ctx), jobID, func(j *extractor.Job) {
			j.Status = extractor.JobStatusFailed
			j.Error = err.Error()
			j.Finished = &finished
		}); uerr != nil {
			d.logger.Error("failed to mark unqueued job", zap.String("job_id", jobID), zap.Error(uerr))
		}
		return "", err
	}
	metrics.ObserveJob(string(extractor.JobStatusQueued))
	d.logger.Info("job queued", zap.String("job_id", jobID), zap.Int("months", len(req.ReferenceMonths)))
	return jobID, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item extractor.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Job returns a job snapshot.
func (d *Dispatcher) Job(ctx context.Context, jobID string) (extractor.Job, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return extractor.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}
