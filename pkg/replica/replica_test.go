package replica

import (
	"testing"
	"time"

	"github.com/clinisync/sync-emr-engine/pkg/clock"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

func newTask(id string) *Task {
	return &Task{
		ID:          id,
		Status:      StatusTodo,
		VectorClock: clock.New(clock.PolicyLWW),
	}
}

func TestApplyLocalValidTransition(t *testing.T) {
	task := newTask("T1")
	status := StatusInProgress
	now := time.Now()

	next, err := task.ApplyLocal(Change{Status: &status}, "node-a", now)
	if err != nil {
		t.Fatalf("ApplyLocal() error = %v", err)
	}
	if next.Status != StatusInProgress {
		t.Errorf("Status = %v, want in_progress", next.Status)
	}
	if next.VectorClock.Counters["node-a"] != 1 {
		t.Errorf("clock[node-a] = %d, want 1", next.VectorClock.Counters["node-a"])
	}
	if next.LastModifiedBy != "node-a" {
		t.Errorf("LastModifiedBy = %q", next.LastModifiedBy)
	}
}

// TestApplyLocalEnumeratesAllTransitions is spec.md §8 property 6: every
// disallowed (status x status) pair must be rejected; allowed pairs must
// succeed.
func TestApplyLocalEnumeratesAllTransitions(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusTodo, StatusInProgress}:       true,
		{StatusTodo, StatusCancelled}:        true,
		{StatusInProgress, StatusCompleted}:  true,
		{StatusInProgress, StatusBlocked}:    true,
		{StatusInProgress, StatusCancelled}:  true,
		{StatusBlocked, StatusInProgress}:    true,
		{StatusBlocked, StatusCancelled}:     true,
		{StatusCompleted, StatusInProgress}:  true,
		{StatusCancelled, StatusTodo}:        true,
	}

	statuses := AllStatuses()
	checked := 0
	for _, from := range statuses {
		for _, to := range statuses {
			checked++
			task := newTask("T1")
			task.Status = from
			toCopy := to

			_, err := task.ApplyLocal(Change{Status: &toCopy}, "node-a", time.Now())
			wantOK := allowed[[2]Status{from, to}]

			if wantOK && err != nil {
				t.Errorf("%s -> %s: expected success, got error %v", from, to, err)
			}
			if !wantOK && err == nil {
				t.Errorf("%s -> %s: expected invalid_state error, got success", from, to)
			}
			if !wantOK && err != nil && !apperrors.HasKind(err, apperrors.KindInvalidState) {
				t.Errorf("%s -> %s: expected invalid_state kind, got %v", from, to, err)
			}
		}
	}
	if checked != 36 {
		t.Fatalf("expected 36 (status x status) pairs, checked %d", checked)
	}
}

func TestMergeRemoteIdempotent(t *testing.T) {
	local := newTask("T1")
	local.Title = "local title"
	local.VectorClock.Counters["node-a"] = 1

	remote := newTask("T1")
	remote.Title = "remote title"
	remote.VectorClock.Counters["node-b"] = 1
	remote.LastModified = time.Now().Add(time.Hour)

	once, _ := local.MergeRemote(remote)
	twice, _ := once.MergeRemote(remote)

	if once.Title != twice.Title {
		t.Errorf("Title not idempotent: %q vs %q", once.Title, twice.Title)
	}
	if once.VectorClock.Counters["node-a"] != twice.VectorClock.Counters["node-a"] ||
		once.VectorClock.Counters["node-b"] != twice.VectorClock.Counters["node-b"] {
		t.Errorf("vector clock not idempotent")
	}
}

func TestMergeRemoteCommutative(t *testing.T) {
	a := newTask("T1")
	a.Title = "a title"
	a.VectorClock.Counters["node-a"] = 2
	a.LastModified = time.Now()

	b := newTask("T1")
	b.Title = "b title"
	b.VectorClock.Counters["node-b"] = 3
	b.LastModified = time.Now().Add(-time.Minute)

	ab, _ := a.MergeRemote(b)
	ba, _ := b.MergeRemote(a)

	if ab.Title != ba.Title {
		t.Errorf("merge not commutative on Title: %q vs %q", ab.Title, ba.Title)
	}
	if ab.Status != ba.Status {
		t.Errorf("merge not commutative on Status: %v vs %v", ab.Status, ba.Status)
	}
}

// TestScenarioS1ConcurrentStatusEdit reproduces spec.md §8 S1.
func TestScenarioS1ConcurrentStatusEdit(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	n1 := newTask("T1")
	inProgress := StatusInProgress
	n1, err := n1.ApplyLocal(Change{Status: &inProgress}, "N1", base)
	if err != nil {
		t.Fatalf("N1 ApplyLocal error: %v", err)
	}

	n2 := newTask("T1")
	cancelled := StatusCancelled
	tomb := true
	n2, err = n2.ApplyLocal(Change{Status: &cancelled, Tombstone: &tomb}, "N2", base)
	if err != nil {
		t.Fatalf("N2 ApplyLocal error: %v", err)
	}

	mergedOnN1, _ := n1.MergeRemote(n2)
	mergedOnN2, _ := n2.MergeRemote(n1)

	for name, merged := range map[string]*Task{"N1": mergedOnN1, "N2": mergedOnN2} {
		if merged.Status != StatusCancelled {
			t.Errorf("%s: Status = %v, want cancelled", name, merged.Status)
		}
		if !merged.Tombstone {
			t.Errorf("%s: Tombstone = false, want true", name)
		}
		if merged.VectorClock.Counters["N1"] != 1 || merged.VectorClock.Counters["N2"] != 1 {
			t.Errorf("%s: vector clock = %v, want {N1:1, N2:1}", name, merged.VectorClock.Counters)
		}
	}
}

func TestMergeEMRPayloadKeyedOnVersion(t *testing.T) {
	local := newTask("T1")
	local.EMRPayload = EMRPayload{System: EMRSystemEpic, ResourceID: "p1", Version: 1, Checksum: "v1"}
	local.VectorClock.Counters["node-a"] = 5 // local clock dominates

	remote := newTask("T1")
	remote.EMRPayload = EMRPayload{System: EMRSystemEpic, ResourceID: "p1", Version: 2, Checksum: "v2"}

	merged, report := local.MergeRemote(remote)

	if merged.EMRPayload.Version != 2 {
		t.Errorf("EMRPayload.Version = %d, want 2 (higher version wins despite clock dominance)", merged.EMRPayload.Version)
	}
	if !report.HasConflicts() {
		t.Error("expected emr_payload conflict to be reported")
	}
}

func TestMergeRemoteAdoptsDominatingRemote(t *testing.T) {
	local := newTask("T1")
	remote := newTask("T1")
	remote.Title = "only remote"
	remote.VectorClock.Counters["node-b"] = 1

	merged, _ := local.MergeRemote(remote)
	if merged.Title != "only remote" {
		t.Errorf("Title = %q, want %q", merged.Title, "only remote")
	}
}
