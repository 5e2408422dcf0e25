// Package memory contains the in-process event publisher.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

// Publisher stores published notifications for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []extractor.Notification
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the notification and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, msg extractor.Notification) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []extractor.Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]extractor.Notification, len(p.messages))
	copy(out, p.messages)
	return out
}
