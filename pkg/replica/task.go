// Package replica implements the CRDT task replica: the atomic unit of
// synchronization, its deterministic merge function, and the write-path
// status transition validator. See spec.md §3 and §4.2.
package replica

import (
	"time"

	"github.com/clinisync/sync-emr-engine/pkg/clock"
)

// Priority is the clinical priority of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
	StatusVerified   Status = "verified"
)

// EMRSystem identifies the external EMR vendor a payload was fetched from.
type EMRSystem string

const (
	EMRSystemEpic   EMRSystem = "epic"
	EMRSystemCerner EMRSystem = "cerner"
)

// VerificationState reflects the outcome of the Verification Engine's most
// recent comparison of this task's EMR claim against the fetched payload.
type VerificationState string

const (
	VerificationPending  VerificationState = "pending"
	VerificationVerified VerificationState = "verified"
	VerificationFailed   VerificationState = "failed"
	VerificationStale    VerificationState = "stale"
)

// EMRPayload is the external-system-tagged envelope described in spec.md §3.
// Raw FHIR/HL7 content is schema-variable and is carried as an opaque map
// plus a typed extension bag, never let untyped data leak past this
// boundary into merge or status logic (spec.md §9).
type EMRPayload struct {
	System        EMRSystem
	ResourceType  string
	ResourceID    string
	Version       int64
	RawFields     map[string]interface{}
	Checksum      string
	LastFetchedAt time.Time
}

// sameIdentity reports whether two payloads reference the same external
// resource, independent of version — used to key the emr_payload merge.
func (p EMRPayload) sameIdentity(other EMRPayload) bool {
	return p.System == other.System && p.ResourceID == other.ResourceID
}

// HandoverLock is an externally-owned attribute: the handover workflow
// (out of scope here) acquires and releases it. CRDT merge never interprets
// it beyond last-write-wins by AcquiredAt, per spec.md §9 Open Questions.
type HandoverLock struct {
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Task is one replicated task — the atomic unit of synchronization.
type Task struct {
	ID                string
	Title             string
	Description       string
	Priority          Priority
	Status            Status
	Assignee          string
	PatientReference  string
	Department        string
	EMRPayload        EMRPayload
	VerificationState VerificationState
	VectorClock       *clock.VectorClock
	LastModified      time.Time
	LastModifiedBy    string
	Tombstone         bool
	TombstoneVersion  uint64
	HandoverLock      *HandoverLock
}

// Clone returns a deep copy so callers can mutate without aliasing shared
// state with other replica holders.
func (t *Task) Clone() *Task {
	clone := *t
	if t.VectorClock != nil {
		clone.VectorClock = t.VectorClock.Clone()
	}
	if t.EMRPayload.RawFields != nil {
		clone.EMRPayload.RawFields = make(map[string]interface{}, len(t.EMRPayload.RawFields))
		for k, v := range t.EMRPayload.RawFields {
			clone.EMRPayload.RawFields[k] = v
		}
	}
	if t.HandoverLock != nil {
		lock := *t.HandoverLock
		clone.HandoverLock = &lock
	}
	return &clone
}

// ConflictReport enumerates fields whose values changed due to dominance
// reversal during a merge, for audit logging (spec.md §4.2).
type ConflictReport struct {
	ReplicaID string
	Fields    []FieldConflict
}

// FieldConflict describes one field whose merged value differs from the
// local value prior to merge.
type FieldConflict struct {
	Field    string
	Local    interface{}
	Remote   interface{}
	Resolved interface{}
}

// HasConflicts reports whether any field changed.
func (r ConflictReport) HasConflicts() bool { return len(r.Fields) > 0 }
