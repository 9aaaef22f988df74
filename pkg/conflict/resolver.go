// Package conflict implements the Conflict Resolver: batch merge of remote
// replicas against local replicas, chunked with a per-chunk deadline so
// partial progress is committed on timeout (spec.md §4.3).
package conflict

import (
	"context"
	"sort"
	"time"

	"github.com/clinisync/sync-emr-engine/pkg/replica"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

// DefaultChunkSize and DefaultChunkDeadline mirror spec.md §4.3 defaults.
const (
	DefaultChunkSize     = 100
	DefaultChunkDeadline = 500 * time.Millisecond
)

// Result is the outcome of resolving one batch: the merged replicas in
// processing order, the conflict reports for any replica that changed due
// to dominance reversal, and whether the batch was truncated by a deadline.
type Result struct {
	Merged       []*replica.Task
	ConflictLog  []replica.ConflictReport
	TimedOut     bool
	ProcessedIDs int
}

// Resolver merges batches of remote replicas against a local replica set.
type Resolver struct {
	ChunkSize     int
	ChunkDeadline time.Duration
}

// New returns a Resolver configured with spec.md §4.3 defaults.
func New() *Resolver {
	return &Resolver{ChunkSize: DefaultChunkSize, ChunkDeadline: DefaultChunkDeadline}
}

// Resolve merges remote against local (keyed by replica id), in ascending
// (emr_payload.version, last_modified_physical, id) order so replays are
// reproducible (spec.md §4.3 ordering guarantee). Processing is chunked;
// if a chunk exceeds its deadline, the already-merged prefix is returned
// with TimedOut=true and a merge_timeout error — the caller commits that
// prefix and retries the remainder on the next round.
func (r *Resolver) Resolve(ctx context.Context, remote []*replica.Task, local map[string]*replica.Task) (*Result, error) {
	chunkSize := r.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	deadline := r.ChunkDeadline
	if deadline <= 0 {
		deadline = DefaultChunkDeadline
	}

	ordered := make([]*replica.Task, len(remote))
	copy(ordered, remote)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.EMRPayload.Version != b.EMRPayload.Version {
			return a.EMRPayload.Version < b.EMRPayload.Version
		}
		if !a.LastModified.Equal(b.LastModified) {
			return a.LastModified.Before(b.LastModified)
		}
		return a.ID < b.ID
	})

	result := &Result{}

	for start := 0; start < len(ordered); start += chunkSize {
		end := start + chunkSize
		if end > len(ordered) {
			end = len(ordered)
		}
		chunk := ordered[start:end]

		chunkCtx, cancel := context.WithTimeout(ctx, deadline)
		timedOut := r.resolveChunk(chunkCtx, chunk, local, result)
		cancel()

		if timedOut {
			result.TimedOut = true
			return result, apperrors.New(apperrors.KindMergeTimeout, "conflict_resolver", "resolve").
				WithDetailsf("processed %d of %d replicas before deadline", result.ProcessedIDs, len(ordered))
		}
		if ctx.Err() != nil {
			result.TimedOut = true
			return result, apperrors.Wrap(ctx.Err(), apperrors.KindMergeTimeout, "conflict_resolver", "resolve")
		}
	}

	return result, nil
}

// resolveChunk merges every replica in chunk against local, checking the
// chunk deadline between replicas. Returns true if the deadline was hit
// before the chunk finished.
func (r *Resolver) resolveChunk(ctx context.Context, chunk []*replica.Task, local map[string]*replica.Task, result *Result) bool {
	for _, remote := range chunk {
		select {
		case <-ctx.Done():
			return true
		default:
		}

		existing, ok := local[remote.ID]
		if !ok {
			result.Merged = append(result.Merged, remote)
			local[remote.ID] = remote
			result.ProcessedIDs++
			continue
		}

		merged, report := existing.MergeRemote(remote)
		if report.HasConflicts() {
			result.ConflictLog = append(result.ConflictLog, report)
		}
		result.Merged = append(result.Merged, merged)
		local[remote.ID] = merged
		result.ProcessedIDs++
	}
	return false
}
