// Package phone reads SMS codes that an external relay deposits into the
// shared key/value store.
package phone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

// minCodeLength rejects placeholder values like "0" or "ok".
const minCodeLength = 3

// Config controls the store key and polling cadence.
type Config struct {
	Key          string
	PollInterval time.Duration
	DepositTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Key == "" {
		c.Key = "phone:code"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.DepositTTL <= 0 {
		c.DepositTTL = 10 * time.Minute
	}
	return c
}

// Poller consumes deposited codes.
type Poller struct {
	store  extractor.KVStore
	cfg    Config
	logger *zap.Logger
}

// NewPoller creates a Poller.
func NewPoller(store extractor.KVStore, cfg Config, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{store: store, cfg: cfg.withDefaults(), logger: logger}
}

// WaitForCode polls the code key until a usable value appears or timeout
// elapses. The value is consumed atomically so it is delivered once.
// Deposits carry no timestamp, so since is not consulted.
func (p *Poller) WaitForCode(ctx context.Context, timeout time.Duration, _ time.Time) (string, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		code, err := p.take(ctx)
		if err != nil {
			return "", false, err
		}
		if code != "" {
			p.logger.Info("phone code received")
			return code, true, nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-deadline.C:
			p.logger.Warn("timed out waiting for phone code", zap.Duration("timeout", timeout))
			return "", false, nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) take(ctx context.Context) (string, error) {
	current, err := p.store.Get(ctx, p.cfg.Key)
	if errors.Is(err, extractor.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read phone code: %w", err)
	}
	if len(strings.TrimSpace(current)) < minCodeLength {
		return "", nil
	}
	code, err := p.store.GetDel(ctx, p.cfg.Key)
	if errors.Is(err, extractor.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("consume phone code: %w", err)
	}
	code = strings.TrimSpace(code)
	if len(code) < minCodeLength {
		return "", nil
	}
	return code, nil
}

// Depositor writes codes posted by the SMS relay.
type Depositor struct {
	store extractor.KVStore
	cfg   Config
}

// NewDepositor creates a Depositor.
func NewDepositor(store extractor.KVStore, cfg Config) *Depositor {
	return &Depositor{store: store, cfg: cfg.withDefaults()}
}

// ErrEmptyCode is returned when the deposited code is blank.
var ErrEmptyCode = errors.New("phone code is empty")

// Deposit stores code for the next poller, replacing any unread value.
func (d *Depositor) Deposit(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyCode
	}
	if err := d.store.Set(ctx, d.cfg.Key, code, d.cfg.DepositTTL); err != nil {
		return fmt.Errorf("deposit phone code: %w", err)
	}
	return nil
}
