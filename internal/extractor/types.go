package extractor

import "time"

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Progress checkpoints reported by the worker.
const (
	ProgressSessionStarted = 20
	ProgressDataRetrieved  = 90
	ProgressDone           = 100
)

// JobRequest captures the client-supplied inputs of an extraction.
type JobRequest struct {
	CustomerNumber  string   `json:"customerNumber"`
	DocumentID      string   `json:"documentId"`
	ReferenceMonths []string `json:"referenceMonths"`
	WebhookURL      string   `json:"webhookUrl,omitempty"`
}

// Job is the metadata persisted for each submitted extraction.
type Job struct {
	ID        string        `json:"id"`
	Status    JobStatus     `json:"status"`
	Request   JobRequest    `json:"request"`
	Attempts  int           `json:"attempts"`
	Progress  int           `json:"progress"`
	Documents []DocumentRef `json:"documents,omitempty"`
	Error     string        `json:"error,omitempty"`
	Submitted time.Time     `json:"submitted_at"`
	Started   *time.Time    `json:"started_at,omitempty"`
	Finished  *time.Time    `json:"finished_at,omitempty"`
}

// DocumentRef points at an archived document produced by a job.
type DocumentRef struct {
	ReferenceMonth string `json:"referenceMonth"`
	URI            string `json:"uri"`
}

// QueueItem is the unit of work handed from the queue to a worker.
type QueueItem struct {
	JobID     string
	Request   JobRequest
	Attempt   int
	Submitted int64
}

// Document is a file retrieved from the portal for one reference month.
type Document struct {
	ReferenceMonth string
	Content        []byte
}

// EventStatus enumerates webhook event kinds.
type EventStatus string

// Webhook event statuses.
const (
	EventStarted        EventStatus = "started"
	EventWaitingCaptcha EventStatus = "waiting-captcha"
	EventCaptchaSolved  EventStatus = "captcha-solved"
	EventCompleted      EventStatus = "completed"
	EventFailed         EventStatus = "failed"
)

// PDF is the webhook representation of a delivered document.
type PDF struct {
	ReferenceMonth string `json:"referenceMonth"`
	Base64Content  string `json:"base64Content"`
	URI            string `json:"uri,omitempty"`
}

// Event is the JSON body POSTed to a client webhook.
type Event struct {
	ID            string      `json:"id"`
	Status        EventStatus `json:"status"`
	Message       string      `json:"message,omitempty"`
	PDFs          []PDF       `json:"pdfs,omitempty"`
	Error         string      `json:"error,omitempty"`
	ResolutionURL string      `json:"resolutionUrl,omitempty"`
}

// Object is a blob handed to a BlobStore.
type Object struct {
	Path        string
	ContentType string
	Metadata    map[string]string
	Data        []byte
}

// Notification is a message mirrored to a Publisher.
type Notification struct {
	Topic      string
	Attributes map[string]string
	Payload    any
}

// CaptchaStatus is the one-way state of a captcha task.
type CaptchaStatus string

// Captcha statuses. Pending moves to exactly one of Solved or TimedOut.
const (
	CaptchaPending  CaptchaStatus = "pending"
	CaptchaSolved   CaptchaStatus = "solved"
	CaptchaTimedOut CaptchaStatus = "timeout"
)

// CaptchaTask is a captcha awaiting (or resolved by) a human solver.
type CaptchaTask struct {
	ID        string        `json:"id"`
	SiteKey   string        `json:"siteKey"`
	URL       string        `json:"url"`
	Status    CaptchaStatus `json:"status"`
	Token     string        `json:"token,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
