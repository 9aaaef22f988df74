// Package breaker implements per-endpoint circuit breaking and bounded
// retry for calls to external EMR systems (spec.md §4.7). The circuit
// breaker wraps sony/gobreaker, translating its states into the
// closed/open/half-open vocabulary of spec.md and surfacing circuit_open as
// a structured error instead of gobreaker's sentinel.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/clinisync/sync-emr-engine/pkg/shared/logging"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
	"github.com/sirupsen/logrus"
)

// Defaults mirror spec.md §4.7 and the emr.circuit.* config knobs.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultHalfOpenProbes   = 1
)

// State mirrors gobreaker's state machine using spec.md's vocabulary.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker isolates calls to a single external endpoint.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	log  *logrus.Entry
}

// Config configures a per-endpoint Breaker.
type Config struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
	HalfOpenProbes   uint32
	Logger           *logrus.Logger
}

// New builds a Breaker with config, applying spec.md §4.7 defaults for any
// zero-valued field.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = DefaultHalfOpenProbes
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	log := cfg.Logger.WithFields(logging.BreakerFields(cfg.Name, StateClosed).ToLogrus())

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logging.NewFields().
				Custom("from", translateState(from)).
				Custom("to", translateState(to)).ToLogrus()).
				Warn("circuit breaker state change")
		},
	}

	return &Breaker{name: cfg.Name, cb: gobreaker.NewCircuitBreaker(settings), log: log}
}

func translateState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Call executes fn through the breaker. When the breaker is open, fn is
// never invoked and circuit_open is returned immediately (spec.md §4.7:
// "Open state short-circuits calls ... without attempting the network").
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.New(apperrors.KindCircuitOpen, "circuit_breaker", "call").WithResource(b.name)
	}
	return err
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return translateState(b.cb.State())
}

// Name returns the endpoint name this breaker isolates.
func (b *Breaker) Name() string { return b.name }
