package breaker

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

// RetryConfig controls the exponential backoff schedule for retried calls.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryConfig mirrors spec.md §4.7: base 100ms, cap 5s, 3 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// retryableMessages are substrings of transient network/EMR failures worth
// retrying (spec.md §4.7: "network errors ... are retried").
var retryableMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"name resolution",
	"too many connections",
	"connection lost",
	"connection closed",
	"broken pipe",
	"network is unreachable",
	"no route to host",
	"eof",
}

// IsRetryableError reports whether err represents a transient failure worth
// retrying: network errors, deadline exceeded, and a fixed set of message
// patterns observed from flaky EMR endpoints. Explicit cancellation is never
// retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if kind, ok := apperrors.KindOf(err); ok && kind == apperrors.KindNetwork {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryableMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsRetryableStatus reports whether an HTTP status code should be retried.
// Only 429 and 5xx are retryable; other 4xx responses represent a client
// error the EMR adapter must surface, not retry (spec.md §4.7).
func IsRetryableStatus(statusCode int) bool {
	if statusCode == 429 {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

// Retrier executes an operation with exponential backoff.
type Retrier struct {
	config RetryConfig
	log    *logrus.Logger
}

// NewRetrier builds a Retrier. A nil logger is replaced with a discard
// logger so callers never need a nil check.
func NewRetrier(config RetryConfig, log *logrus.Logger) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if log == nil {
		log = logrus.New()
	}
	return &Retrier{config: config, log: log}
}

// Operation is a unit of retried work; attempt is 1-indexed.
type Operation func(ctx context.Context, attempt int) error

// Do runs op, retrying on IsRetryableError results up to MaxAttempts,
// applying exponential backoff between attempts and stopping immediately on
// context cancellation or a non-retryable error. Returns retries_exhausted
// when every attempt fails with a retryable error.
func (r *Retrier) Do(ctx context.Context, op Operation) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if !IsRetryableError(lastErr) {
			return lastErr
		}

		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.backoffDelay(attempt)
		r.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay_ms": delay.Milliseconds(),
			"error":   lastErr,
		}).Debug("retrying after transient failure")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return apperrors.Wrap(lastErr, apperrors.KindRetriesExhausted, "retry", "do").
		WithDetailsf("failed after %d attempts", r.config.MaxAttempts)
}

// backoffDelay computes the delay before the given attempt's retry, capped
// at MaxDelay and, with Jitter set, shortened by a random amount of up to 10%.
func (r *Retrier) backoffDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= r.config.BackoffMultiplier
		if time.Duration(delay) > r.config.MaxDelay {
			delay = float64(r.config.MaxDelay)
			break
		}
	}

	d := time.Duration(delay)
	if d > r.config.MaxDelay {
		d = r.config.MaxDelay
	}
	if r.config.Jitter {
		jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
		d -= jitter / 2
	}
	return d
}
