package replica

import (
	"time"

	"github.com/clinisync/sync-emr-engine/pkg/clock"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

// Change is a local mutation request passed to ApplyLocal. Only non-nil
// fields are applied.
type Change struct {
	Title            *string
	Description      *string
	Priority         *Priority
	Status           *Status
	Assignee         *string
	Department       *string
	PatientReference *string
	EMRPayload       *EMRPayload
	Tombstone        *bool
	HandoverLock     *HandoverLock
}

// ApplyLocal validates the status transition (if any), increments nodeID's
// vector-clock entry exactly once, writes the requested fields, and stamps
// the physical timestamp. Returns invalid_state if the transition is not
// in the graph from spec.md §3.
func (t *Task) ApplyLocal(change Change, nodeID string, now time.Time) (*Task, error) {
	next := t.Clone()

	if change.Status != nil {
		if !IsValidTransition(next.Status, *change.Status) {
			return nil, apperrors.New(apperrors.KindInvalidState, "replica", "apply_local").
				WithResource(t.ID).
				WithDetailsf("illegal transition %s -> %s", next.Status, *change.Status)
		}
		if next.Status == StatusCancelled && *change.Status == StatusTodo {
			next.Tombstone = false
		}
		next.Status = *change.Status
	}

	if change.Title != nil {
		next.Title = *change.Title
	}
	if change.Description != nil {
		next.Description = *change.Description
	}
	if change.Priority != nil {
		next.Priority = *change.Priority
	}
	if change.Assignee != nil {
		next.Assignee = *change.Assignee
	}
	if change.Department != nil {
		next.Department = *change.Department
	}
	if change.PatientReference != nil {
		next.PatientReference = *change.PatientReference
	}
	if change.EMRPayload != nil {
		next.EMRPayload = *change.EMRPayload
	}
	if change.HandoverLock != nil {
		next.HandoverLock = change.HandoverLock
	}
	if change.Tombstone != nil && *change.Tombstone {
		next.Tombstone = true
		next.TombstoneVersion++
	}

	if next.VectorClock == nil {
		next.VectorClock = clock.New(clock.PolicyLWW)
	}
	if err := next.VectorClock.Increment(nodeID, now); err != nil {
		return nil, err
	}
	next.LastModified = now
	next.LastModifiedBy = nodeID

	return next, nil
}

// MergeRemote merges other into t, returning the merged replica and a
// conflict report enumerating fields whose values changed due to dominance
// reversal. Idempotent: merging the same other twice yields the same result
// as merging it once (spec.md §4.2, §8 properties 2-3).
func (t *Task) MergeRemote(other *Task) (*Task, ConflictReport) {
	report := ConflictReport{ReplicaID: t.ID}

	if t.VectorClock == nil {
		t.VectorClock = clock.New(clock.PolicyLWW)
	}
	if other.VectorClock == nil {
		other.VectorClock = clock.New(clock.PolicyLWW)
	}

	mergedClock := t.VectorClock.Merge(other.VectorClock)
	causality := t.VectorClock.Compare(other.VectorClock)

	localIsTombstoneCancel := t.Status == StatusCancelled && t.Tombstone
	remoteIsTombstoneCancel := other.Status == StatusCancelled && other.Tombstone

	winner := resolveWinner(t, other, causality)

	merged := winner.Clone()
	merged.VectorClock = mergedClock

	recordConflict(&report, "title", t.Title, other.Title, merged.Title)
	recordConflict(&report, "description", t.Description, other.Description, merged.Description)
	recordConflict(&report, "priority", t.Priority, other.Priority, merged.Priority)
	recordConflict(&report, "assignee", t.Assignee, other.Assignee, merged.Assignee)
	recordConflict(&report, "department", t.Department, other.Department, merged.Department)

	mergeStatus(merged, t, other, causality, localIsTombstoneCancel, remoteIsTombstoneCancel, &report)
	mergeEMRPayload(merged, t, other, &report)
	mergeHandoverLock(merged, t, other)

	return merged, report
}

// resolveWinner picks which replica's scalar/status fields seed the merge
// result, per the tie-break order in spec.md §4.2: vector-clock dominance,
// then last_modified_physical, then lexicographic node identifier.
func resolveWinner(local, remote *Task, causality clock.Causality) *Task {
	switch causality {
	case clock.Before:
		return remote
	case clock.After:
		return local
	case clock.Equal:
		return local
	default: // Concurrent
		if local.LastModified.After(remote.LastModified) {
			return local
		}
		if remote.LastModified.After(local.LastModified) {
			return remote
		}
		if local.LastModifiedBy >= remote.LastModifiedBy {
			return local
		}
		return remote
	}
}

func recordConflict(report *ConflictReport, field string, local, remote, resolved interface{}) {
	if local == remote || local == resolved {
		return
	}
	report.Fields = append(report.Fields, FieldConflict{
		Field: field, Local: local, Remote: remote, Resolved: resolved,
	})
}

// mergeStatus applies the absorbing tombstone-cancellation rule from
// spec.md §4.2 and S1: a cancelled+tombstone status wins whenever its clock
// is not strictly dominated by the other side.
func mergeStatus(merged, local, other *Task, causality clock.Causality, localTomb, otherTomb bool, report *ConflictReport) {
	resolvedStatus := merged.Status
	resolvedTombstone := merged.Tombstone

	switch {
	case localTomb && otherTomb:
		if other.TombstoneVersion > local.TombstoneVersion {
			resolvedStatus, resolvedTombstone = other.Status, true
		} else {
			resolvedStatus, resolvedTombstone = local.Status, true
		}
	case localTomb && !otherTomb:
		if causality == clock.Before {
			// other's clock strictly dominates the tombstone: other wins.
			resolvedStatus, resolvedTombstone = other.Status, other.Tombstone
		} else {
			resolvedStatus, resolvedTombstone = local.Status, true
		}
	case otherTomb && !localTomb:
		if causality == clock.After {
			resolvedStatus, resolvedTombstone = local.Status, local.Tombstone
		} else {
			resolvedStatus, resolvedTombstone = other.Status, true
		}
	}

	recordConflict(report, "status", local.Status, other.Status, resolvedStatus)
	merged.Status = resolvedStatus
	merged.Tombstone = resolvedTombstone
	if local.TombstoneVersion > merged.TombstoneVersion {
		merged.TombstoneVersion = local.TombstoneVersion
	}
	if other.TombstoneVersion > merged.TombstoneVersion {
		merged.TombstoneVersion = other.TombstoneVersion
	}
}

// mergeEMRPayload applies the key-on-(system,resource_id,version) rule:
// when both payloads reference the same resource, the higher version wins
// regardless of clock dominance (spec.md §4.2).
func mergeEMRPayload(merged, local, other *Task, report *ConflictReport) {
	resolved := merged.EMRPayload

	if local.EMRPayload.sameIdentity(other.EMRPayload) {
		if other.EMRPayload.Version > local.EMRPayload.Version {
			resolved = other.EMRPayload
		} else {
			resolved = local.EMRPayload
		}
	}

	if local.EMRPayload.Checksum != other.EMRPayload.Checksum && local.EMRPayload.Checksum != resolved.Checksum {
		report.Fields = append(report.Fields, FieldConflict{
			Field:    "emr_payload",
			Local:    local.EMRPayload.Checksum,
			Remote:   other.EMRPayload.Checksum,
			Resolved: resolved.Checksum,
		})
	}
	merged.EMRPayload = resolved
}

// mergeHandoverLock takes the lock with the later AcquiredAt, treating it as
// an opaque externally-owned attribute (spec.md §9 Open Questions).
func mergeHandoverLock(merged, local, other *Task) {
	switch {
	case local.HandoverLock == nil:
		merged.HandoverLock = other.HandoverLock
	case other.HandoverLock == nil:
		merged.HandoverLock = local.HandoverLock
	case other.HandoverLock.AcquiredAt.After(local.HandoverLock.AcquiredAt):
		merged.HandoverLock = other.HandoverLock
	default:
		merged.HandoverLock = local.HandoverLock
	}
}
