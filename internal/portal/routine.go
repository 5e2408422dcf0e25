// Package portal defines the contract between the job worker and the code
// that drives a utility portal inside a browser session.
package portal

import (
	"context"
	"errors"

	"github.com/JakeFAU/portal-extractor/internal/browser"
	"github.com/JakeFAU/portal-extractor/internal/extractor"
	"github.com/JakeFAU/portal-extractor/internal/verification"
)

// ErrRoutineNotConfigured is returned by Unconfigured.
var ErrRoutineNotConfigured = errors.New("portal routine not configured")

// Helpers are the coordination services a routine may call mid-flow.
type Helpers struct {
	// SolveCaptcha blocks until a human solves the challenge and returns
	// the response token.
	SolveCaptcha func(ctx context.Context, siteKey, pageURL string) (string, error)
	// Verify obtains a one-time code. onLocked runs once the channel lock is
	// held and should trigger the portal's "send code" action.
	Verify func(ctx context.Context, method verification.Method, support verification.Support, onLocked verification.OnLocked) (verification.Result, error)
}

// Routine retrieves the requested documents using session.
type Routine interface {
	Run(ctx context.Context, session *browser.Session, req extractor.JobRequest, helpers Helpers) ([]extractor.Document, error)
}

// RoutineFunc adapts a function to Routine.
type RoutineFunc func(ctx context.Context, session *browser.Session, req extractor.JobRequest, helpers Helpers) ([]extractor.Document, error)

// Run calls f.
func (f RoutineFunc) Run(ctx context.Context, session *browser.Session, req extractor.JobRequest, helpers Helpers) ([]extractor.Document, error) {
	return f(ctx, session, req, helpers)
}

// Unconfigured fails every job. It stands in until a portal-specific
// routine is registered.
type Unconfigured struct{}

// Run returns ErrRoutineNotConfigured.
func (Unconfigured) Run(context.Context, *browser.Session, extractor.JobRequest, Helpers) ([]extractor.Document, error) {
	return nil, ErrRoutineNotConfigured
}
