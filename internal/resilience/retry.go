package resilience

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/logging"
)

// Policy controls the retry executor.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// Delay returns the backoff before attempt n (1-indexed retry): base*2^(n-1)
// with ±25% jitter, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	jittered := time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
	if jittered > p.MaxDelay {
		return p.MaxDelay
	}
	return jittered
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient flags err as retryable regardless of its type.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err may be retried: explicitly marked errors,
// network timeouts, and temporary DNS failures. Validation, authentication,
// and security rejections are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var dns *net.DNSError
	if errors.As(err, &dns) && (dns.IsTemporary || dns.IsTimeout) {
		return true
	}
	return false
}

// Do runs fn with exponential backoff until it succeeds, returns a
// non-transient error, exhausts the attempt budget, or ctx is done.
func Do[T any](ctx context.Context, p Policy, log *logging.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	var last error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		last = err

		if attempt == p.MaxAttempts {
			break
		}
		delay := p.Delay(attempt)
		if log != nil {
			log.Warn(ctx, "retrying after transient error",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(err))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	if log != nil {
		log.Error(ctx, "retry attempts exhausted",
			zap.String("operation", op),
			zap.Int("attempts", p.MaxAttempts),
			zap.Error(last))
	}
	return zero, last
}

// DoVoid is Do for operations without a result value.
func DoVoid(ctx context.Context, p Policy, log *logging.Logger, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, p, log, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
