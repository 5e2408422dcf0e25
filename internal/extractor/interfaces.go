package extractor

import (
	"context"
	"time"
)

// JobStore persists job metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// UpdateJob applies mutate to the stored job atomically and returns the result.
	UpdateJob(ctx context.Context, jobID string, mutate func(*Job)) (Job, error)
}

// Queue provides enqueue/dequeue semantics for extraction jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// KVStore is the shared key/value store behind locks and code deposits.
// Every write carries a TTL; expired keys behave as absent.
type KVStore interface {
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	// GetDel reads and removes key in one step.
	GetDel(ctx context.Context, key string) (string, error)
	// DeleteIfValue removes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
}

// BlobStore writes archived documents and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, obj Object) (string, error)
}

// Hasher produces a content digest for archived documents.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Publisher mirrors events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, msg Notification) (string, error)
}

// Notifier accepts webhook events for asynchronous delivery. Notify never blocks.
type Notifier interface {
	Notify(targetURL string, event Event)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
