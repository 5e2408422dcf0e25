// Package email reads verification codes from a shared IMAP inbox.
package email

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config filters candidate messages and sets the polling cadence.
type Config struct {
	SubjectTag   string
	From         string
	PollInterval time.Duration
	// SinceMargin widens the server-side search window. With no since
	// marker it also bounds how old an accepted message may be.
	SinceMargin time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubjectTag == "" {
		c.SubjectTag = "ENEL"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SinceMargin < 0 {
		c.SinceMargin = 0
	}
	return c
}

// Poller waits for a validation mail and extracts its code.
type Poller struct {
	dial      Dialer
	extractor *Extractor
	cfg       Config
	logger    *zap.Logger
}

// NewPoller creates a Poller.
func NewPoller(dial Dialer, extractor *Extractor, cfg Config, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{dial: dial, extractor: extractor, cfg: cfg.withDefaults(), logger: logger}
}

// WaitForCode polls the inbox until an unread, tagged message received
// after since yields a code, or timeout elapses. The winning message is
// marked read. Connection and search failures are returned as errors.
func (p *Poller) WaitForCode(ctx context.Context, timeout time.Duration, since time.Time) (string, bool, error) {
	mailbox, err := p.dial(ctx)
	if err != nil {
		return "", false, fmt.Errorf("open mailbox: %w", err)
	}
	defer func() {
		if err := mailbox.Close(); err != nil {
			p.logger.Debug("closing mailbox failed", zap.Error(err))
		}
	}()

	searchFrom, cutoff := p.window(since, time.Now())
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		code, found, err := p.scan(ctx, mailbox, searchFrom, cutoff)
		if err != nil {
			return "", false, err
		}
		if found {
			return code, true, nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-deadline.C:
			p.logger.Warn("timed out waiting for verification email", zap.Duration("timeout", timeout))
			return "", false, nil
		case <-ticker.C:
		}
	}
}

// window returns the IMAP search start and the earliest accepted receive
// time. Messages received before a non-zero since are never accepted.
func (p *Poller) window(since, now time.Time) (time.Time, time.Time) {
	if since.IsZero() {
		if p.cfg.SinceMargin == 0 {
			return time.Time{}, time.Time{}
		}
		cutoff := now.Add(-p.cfg.SinceMargin)
		return cutoff, cutoff
	}
	return since.Add(-p.cfg.SinceMargin), since
}

func (p *Poller) scan(ctx context.Context, mailbox Mailbox, searchFrom, cutoff time.Time) (string, bool, error) {
	messages, err := mailbox.Search(ctx, searchFrom)
	if err != nil {
		return "", false, fmt.Errorf("search mailbox: %w", err)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Received.After(messages[j].Received)
	})
	p.logger.Debug("scanned mailbox", zap.Int("unseen", len(messages)))

	for _, msg := range messages {
		if !p.matches(msg, cutoff) {
			continue
		}
		code := p.extractor.Extract(msg.HTML)
		if code == "" {
			code = p.extractor.Extract(msg.Text)
		}
		if code == "" {
			p.logger.Debug("tagged message without code", zap.Uint32("uid", msg.UID))
			continue
		}
		if err := mailbox.MarkSeen(ctx, msg.UID); err != nil {
			p.logger.Warn("failed to mark verification email seen", zap.Uint32("uid", msg.UID), zap.Error(err))
		}
		p.logger.Info("verification email received", zap.Uint32("uid", msg.UID), zap.Time("received", msg.Received))
		return code, true, nil
	}
	return "", false, nil
}

func (p *Poller) matches(msg Message, cutoff time.Time) bool {
	if !strings.Contains(msg.Subject, p.cfg.SubjectTag) {
		return false
	}
	if p.cfg.From != "" && !strings.EqualFold(msg.From, p.cfg.From) {
		return false
	}
	return msg.Received.IsZero() || !msg.Received.Before(cutoff)
}
