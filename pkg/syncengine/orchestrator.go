// Package syncengine implements the Sync Orchestrator (C5): it schedules
// synchronization rounds, batches outgoing operations, drives the per-round
// state machine, and hands remote/local replica sets to the Conflict
// Resolver (spec.md §4.5).
package syncengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clinisync/sync-emr-engine/pkg/conflict"
	"github.com/clinisync/sync-emr-engine/pkg/replica"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
	"github.com/clinisync/sync-emr-engine/pkg/shared/logging"
)

// State is a node in the sync state machine of spec.md §4.5.
type State string

const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateOffline  State = "offline"
	StateRetrying State = "retrying"
	StateFailed   State = "failed"
)

// NetworkQuality adjusts the scheduling interval (spec.md §4.5
// schedule_next).
type NetworkQuality string

const (
	NetworkGood NetworkQuality = "good"
	NetworkFair NetworkQuality = "fair"
	NetworkPoor NetworkQuality = "poor"
)

// Defaults mirror spec.md §4.5.
const (
	DefaultMinInterval     = 60 * time.Second
	DefaultInterval        = 300 * time.Second
	DefaultBatchSize       = 100
	DefaultMaxAttempts     = 5
	DefaultBackoffBase     = 1 * time.Second
	DefaultBackoffCap      = 30 * time.Second
	DefaultOperationTimeout = 30 * time.Second
)

// NetworkChecker reports current connectivity to the sync backend.
type NetworkChecker interface {
	IsAvailable(ctx context.Context) bool
	Quality(ctx context.Context) NetworkQuality
}

// Backend is the remote sync endpoint: push local operations, receive
// remote operations in return.
type Backend interface {
	Push(ctx context.Context, ops []*replica.Task) (remote []*replica.Task, err error)
}

// LocalSource supplies the operations pending for the next sync round and
// persists the merged result.
type LocalSource interface {
	PendingOperations(ctx context.Context) ([]*replica.Task, error)
	Persist(ctx context.Context, merged []*replica.Task) error
}

// Recorder observes round outcomes. It is an in-process recorder, not a
// Prometheus exposition endpoint (spec.md Non-goals; SPEC_FULL.md AMBIENT
// STACK).
type Recorder interface {
	ObserveSyncLatency(d time.Duration)
	ObserveConflictsResolved(n int)
	ObserveOutcome(success bool)
}

// NopRecorder discards every observation.
type NopRecorder struct{}

func (NopRecorder) ObserveSyncLatency(time.Duration) {}
func (NopRecorder) ObserveConflictsResolved(int)     {}
func (NopRecorder) ObserveOutcome(bool)              {}

// Orchestrator drives one node's sync rounds.
type Orchestrator struct {
	mu    sync.Mutex
	state State

	nodeID    string
	network   NetworkChecker
	backend   Backend
	local     LocalSource
	resolver  *conflict.Resolver
	recorder  Recorder
	batchSize int
	log       *logrus.Entry
}

// Config configures an Orchestrator.
type Config struct {
	NodeID    string
	Network   NetworkChecker
	Backend   Backend
	Local     LocalSource
	Resolver  *conflict.Resolver
	Recorder  Recorder
	BatchSize int
	Logger    *logrus.Logger
}

// New builds an idle Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Resolver == nil {
		cfg.Resolver = conflict.New()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &Orchestrator{
		state:     StateIdle,
		nodeID:    cfg.NodeID,
		network:   cfg.Network,
		backend:   cfg.Backend,
		local:     cfg.Local,
		resolver:  cfg.Resolver,
		recorder:  cfg.Recorder,
		batchSize: cfg.BatchSize,
		log:       cfg.Logger.WithFields(logging.SyncFields(cfg.NodeID, "").ToLogrus()),
	}
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// StartSync runs one synchronization round (spec.md §4.5 start_sync):
// refuses with sync_in_progress if a round is already underway, checks
// network availability (transitioning to offline on failure), batches
// pending operations in groups of at most batchSize, pushes each batch to
// the backend, merges the result through the Conflict Resolver, persists
// the merged replicas, and returns to idle. Cancellation is cooperative at
// batch boundaries: already-merged batches are retained.
func (o *Orchestrator) StartSync(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return apperrors.New(apperrors.KindSyncInProgress, "syncengine", "start_sync").WithResource(o.nodeID)
	}
	o.state = StateSyncing
	o.mu.Unlock()

	start := time.Now()
	err := o.runRound(ctx)
	o.recorder.ObserveSyncLatency(time.Since(start))
	o.recorder.ObserveOutcome(err == nil)

	if err != nil {
		if apperrors.HasKind(err, apperrors.KindNetwork) {
			o.setState(StateOffline)
			o.log.WithError(err).Warn("sync round failed, network unavailable")
		} else {
			o.setState(StateFailed)
			o.log.WithError(err).Error("sync round failed")
		}
		return err
	}

	o.setState(StateIdle)
	o.log.Debug("sync round completed")
	return nil
}

func (o *Orchestrator) runRound(ctx context.Context) error {
	if o.network != nil && !o.network.IsAvailable(ctx) {
		return apperrors.New(apperrors.KindNetwork, "syncengine", "start_sync").
			WithDetails("network unavailable")
	}

	pending, err := o.local.PendingOperations(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindStorageError, "syncengine", "fetch_pending")
	}

	ordered := orderForBatching(pending)
	localIndex := map[string]*replica.Task{}
	totalConflicts := 0
	var merged []*replica.Task

	for start := 0; start < len(ordered); start += o.batchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + o.batchSize
		if end > len(ordered) {
			end = len(ordered)
		}
		batch := ordered[start:end]

		remote, err := o.backend.Push(ctx, batch)
		if err != nil {
			return apperrors.Wrap(err, apperrors.KindNetwork, "syncengine", "push")
		}

		for _, t := range batch {
			localIndex[t.ID] = t
		}

		result, err := o.resolver.Resolve(ctx, remote, localIndex)
		totalConflicts += len(result.ConflictLog)
		if result != nil {
			merged = append(merged, result.Merged...)
		}
		if err != nil {
			return err
		}
	}

	o.recorder.ObserveConflictsResolved(totalConflicts)

	if err := o.local.Persist(ctx, merged); err != nil {
		return apperrors.Wrap(err, apperrors.KindStorageError, "syncengine", "persist_merged")
	}
	return nil
}

// orderForBatching groups operations by owner (Assignee) so intra-owner
// causal order is preserved within and across batches; across owners,
// batches may interleave (spec.md §4.5 Batching).
func orderForBatching(tasks []*replica.Task) []*replica.Task {
	ordered := make([]*replica.Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Assignee != ordered[j].Assignee {
			return ordered[i].Assignee < ordered[j].Assignee
		}
		return ordered[i].LastModified.Before(ordered[j].LastModified)
	})
	return ordered
}

// ScheduleNext computes the delay before the next sync round: a zero
// interval means the 300s default, anything below 60s is raised to 60s (there
// is no upper bound), then the result is adjusted by network quality (poor
// doubles it, fair multiplies by 1.5) — spec.md §4.5 schedule_next.
func ScheduleNext(interval time.Duration, quality NetworkQuality) time.Duration {
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < DefaultMinInterval {
		interval = DefaultMinInterval
	}

	switch quality {
	case NetworkPoor:
		interval *= 2
	case NetworkFair:
		interval = time.Duration(float64(interval) * 1.5)
	}
	return interval
}
