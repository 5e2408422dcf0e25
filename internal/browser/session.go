package browser

import (
	"context"
	"sync"
)

// Session is a leased browser instance. Release it exactly once; extra
// calls are no-ops.
type Session struct {
	owner    string
	instance Instance
	pool     *Pool
	once     sync.Once
	released chan struct{}
}

// Owner returns the id the session was acquired for.
func (s *Session) Owner() string { return s.owner }

// Context returns the browser context for chromedp actions.
func (s *Session) Context() context.Context { return s.instance.Context() }

// Done closes when the session has been returned to the pool.
func (s *Session) Done() <-chan struct{} { return s.released }

// Release closes the browser and frees its slot.
func (s *Session) Release() {
	s.finish("released")
}

func (s *Session) finish(reason string) {
	s.once.Do(func() {
		s.pool.release(s, reason)
		close(s.released)
	})
}

func (s *Session) watch() {
	select {
	case <-s.instance.Done():
		s.finish("browser exited")
	case <-s.released:
	}
}
