package syncengine

import (
	"context"
	"time"

	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

// RunWithRetry drives the retrying(n) → backoff → syncing path of spec.md
// §4.5's state diagram: on a failed round it retries up to maxAttempts
// times with exponential backoff (base 1s, cap 30s), landing in failed once
// attempts are exhausted. sync_in_progress is never retried — it means
// another round already owns the orchestrator.
func (o *Orchestrator) RunWithRetry(ctx context.Context, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	delay := DefaultBackoffBase

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := o.StartSync(ctx)
		if err == nil {
			return nil
		}
		if apperrors.HasKind(err, apperrors.KindSyncInProgress) {
			return err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		o.setState(StateRetrying)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.setState(StateFailed)
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > DefaultBackoffCap {
			delay = DefaultBackoffCap
		}
		// StartSync only begins a round from idle; it moves to syncing itself.
		o.setState(StateIdle)
	}

	o.setState(StateFailed)
	return apperrors.Wrap(lastErr, apperrors.KindSyncTimeout, "syncengine", "run_with_retry").
		WithDetailsf("exhausted %d attempts", maxAttempts)
}

// Recover transitions a failed orchestrator back to idle, as spec.md's
// diagram's "failed ──manual──▶ idle" edge: an operator or higher-level
// caller must explicitly acknowledge the failure before sync resumes.
func (o *Orchestrator) Recover() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateFailed {
		return apperrors.New(apperrors.KindInvalidState, "syncengine", "recover").
			WithDetailsf("cannot recover from state %s", o.state)
	}
	o.state = StateIdle
	return nil
}

// Reconnect drives spec.md's diagram edge "offline ──reconnect──▶ idle
// (auto-start)": it returns an offline orchestrator to idle and immediately
// triggers a sync round, rather than waiting for the next scheduled tick.
// Unlike Recover, this transition does not require operator acknowledgment —
// connectivity returning is itself the trigger.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateOffline {
		o.mu.Unlock()
		return apperrors.New(apperrors.KindInvalidState, "syncengine", "reconnect").
			WithDetailsf("cannot reconnect from state %s", o.state)
	}
	o.state = StateIdle
	o.mu.Unlock()

	return o.StartSync(ctx)
}
