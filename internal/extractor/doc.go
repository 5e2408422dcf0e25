// Package extractor defines the core types, interfaces, and error values shared
// by the lock, verification, captcha, job, webhook, and browser subsystems of
// the portal extraction service.
package extractor
