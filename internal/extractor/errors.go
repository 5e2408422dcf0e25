package extractor

import "errors"

// Sentinel errors shared across subsystems. Callers wrap them with context and
// match with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrLockDenied           = errors.New("lock held by another holder")
	ErrLockTimeout          = errors.New("lock wait timed out")
	ErrCodeTimeout          = errors.New("verification code wait timed out")
	ErrNoVerificationMethod = errors.New("no verification method available")

	ErrCaptchaTimeout    = errors.New("captcha not solved in time")
	ErrCaptchaNotFound   = errors.New("captcha task not found")
	ErrCaptchaNotPending = errors.New("captcha task is not pending")

	ErrQueueClosed           = errors.New("queue closed")
	ErrJobAttemptsExhausted  = errors.New("job attempts exhausted")
	ErrWebhookDeliveryFailed = errors.New("webhook delivery failed")
)
