// Package retry runs store operations under a bounded retry budget. Connection
// failures reset the client and back off linearly; other failures wait a fixed
// delay. Context errors and permanent errors are returned immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
)

// Config tunes a Policy. Zero values select 3 attempts and a 1s base delay.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Reset is invoked after a connection-class failure, before backing off.
	Reset func(ctx context.Context)
	// IsConnection classifies connection-class failures. Defaults to
	// IsConnectionError.
	IsConnection func(error) bool
	Logger       *zap.Logger
}

// Policy retries operations according to Config.
type Policy struct {
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// New builds a Policy with defaults applied.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.IsConnection == nil {
		cfg.IsConnection = IsConnectionError
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{cfg: cfg, logger: logger, sleep: sleepContext}
}

// Do runs fn until it succeeds, fails permanently, or exhausts the budget. The
// last error is returned wrapped with op.
func (p *Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !p.ShouldRetry(err, attempt+1) {
			break
		}
		conn := p.cfg.IsConnection(err)
		p.logger.Warn("store operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.cfg.MaxAttempts),
			zap.Bool("connection", conn),
			zap.Error(err),
		)
		if conn && p.cfg.Reset != nil {
			p.cfg.Reset(ctx)
		}
		if sleepErr := p.sleep(ctx, p.Backoff(err, attempt)); sleepErr != nil {
			return fmt.Errorf("%s: %w", op, sleepErr)
		}
	}
	if p.cfg.IsConnection(err) {
		p.logger.Error("store connection failed, retry budget exhausted", zap.String("op", op), zap.Error(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ShouldRetry reports whether another attempt may follow the given one
// (1-based).
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.cfg.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}

// Backoff returns the wait after the given zero-based attempt.
func (p *Policy) Backoff(err error, attempt int) time.Duration {
	if p.cfg.IsConnection(err) {
		return p.cfg.BaseDelay * time.Duration(attempt+1)
	}
	return p.cfg.BaseDelay
}

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsConnectionError matches network-level failures: net.Error values, EOFs,
// and reset/refused/broken-pipe syscall errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
