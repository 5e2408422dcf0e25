package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

// CaptchaStore is the single-process captcha task registry.
type CaptchaStore struct {
	mu    sync.RWMutex
	tasks map[string]extractor.CaptchaTask
}

// NewCaptchaStore creates an empty registry.
func NewCaptchaStore() *CaptchaStore {
	return &CaptchaStore{tasks: make(map[string]extractor.CaptchaTask)}
}

// Put inserts or replaces a task.
func (s *CaptchaStore) Put(_ context.Context, task extractor.CaptchaTask) error {
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	return nil
}

// Get returns the task with id.
func (s *CaptchaStore) Get(_ context.Context, id string) (extractor.CaptchaTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return extractor.CaptchaTask{}, fmt.Errorf("captcha %s: %w", id, extractor.ErrCaptchaNotFound)
	}
	return task, nil
}

// Update applies fn to the task under the write lock. fn may reject the
// change by returning an error, in which case nothing is stored.
func (s *CaptchaStore) Update(
	_ context.Context,
	id string,
	fn func(*extractor.CaptchaTask) error,
) (extractor.CaptchaTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return extractor.CaptchaTask{}, fmt.Errorf("captcha %s: %w", id, extractor.ErrCaptchaNotFound)
	}
	if err := fn(&task); err != nil {
		return extractor.CaptchaTask{}, err
	}
	s.tasks[id] = task
	return task, nil
}

// List returns all tasks ordered by creation time.
func (s *CaptchaStore) List(_ context.Context) ([]extractor.CaptchaTask, error) {
	s.mu.RLock()
	out := make([]extractor.CaptchaTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a task; missing ids are ignored.
func (s *CaptchaStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
	return nil
}
