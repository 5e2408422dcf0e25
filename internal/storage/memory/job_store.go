package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]extractor.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]extractor.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job extractor.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob returns a copy of the stored job.
func (s *JobStore) GetJob(_ context.Context, jobID string) (extractor.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return extractor.Job{}, fmt.Errorf("job %s: %w", jobID, extractor.ErrNotFound)
	}
	return cloneJob(job), nil
}

// UpdateJob applies mutate under the write lock.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, mutate func(*extractor.Job)) (extractor.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return extractor.Job{}, fmt.Errorf("job %s: %w", jobID, extractor.ErrNotFound)
	}
	mutate(&job)
	s.jobs[jobID] = cloneJob(job)
	return cloneJob(job), nil
}

func cloneJob(job extractor.Job) extractor.Job {
	cp := job
	cp.Request.ReferenceMonths = append([]string(nil), job.Request.ReferenceMonths...)
	cp.Documents = append([]extractor.DocumentRef(nil), job.Documents...)
	if job.Started != nil {
		started := *job.Started
		cp.Started = &started
	}
	if job.Finished != nil {
		finished := *job.Finished
		cp.Finished = &finished
	}
	return cp
}
