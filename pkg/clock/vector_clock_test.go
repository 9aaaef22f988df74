package clock

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

func TestIncrementMonotonic(t *testing.T) {
	vc := New(PolicyLWW)
	now := time.Now()

	if err := vc.Increment("node-a", now); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if err := vc.Increment("node-a", now.Add(time.Second)); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}

	if vc.Counters["node-a"] != 2 {
		t.Errorf("Counters[node-a] = %d, want 2", vc.Counters["node-a"])
	}
}

func TestIncrementEmptyNodeFails(t *testing.T) {
	vc := New(PolicyLWW)
	err := vc.Increment("", time.Now())
	if !apperrors.HasKind(err, apperrors.KindInvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
}

func TestIncrementOverflow(t *testing.T) {
	vc := New(PolicyLWW)
	vc.Counters["node-a"] = ^uint64(0)

	err := vc.Increment("node-a", time.Now())
	if !apperrors.HasKind(err, apperrors.KindVectorClockOverflow) {
		t.Fatalf("expected vector_clock_overflow, got %v", err)
	}
}

func TestMergeIsPointwiseMax(t *testing.T) {
	a := New(PolicyLWW)
	a.Counters = map[string]uint64{"n1": 3, "n2": 1}
	b := New(PolicyLWW)
	b.Counters = map[string]uint64{"n1": 1, "n2": 5, "n3": 2}

	merged := a.Merge(b)

	want := map[string]uint64{"n1": 3, "n2": 5, "n3": 2}
	for node, wantCount := range want {
		if merged.Counters[node] != wantCount {
			t.Errorf("merged[%s] = %d, want %d", node, merged.Counters[node], wantCount)
		}
	}
}

func TestMergeDominatesBothInputs(t *testing.T) {
	a := New(PolicyLWW)
	a.Counters = map[string]uint64{"n1": 3}
	b := New(PolicyLWW)
	b.Counters = map[string]uint64{"n1": 1, "n2": 5}

	merged := a.Merge(b)

	if merged.Compare(a) != After && merged.Compare(a) != Equal {
		t.Errorf("merge should dominate a, got %v", merged.Compare(a))
	}
	if merged.Compare(b) != After && merged.Compare(b) != Equal {
		t.Errorf("merge should dominate b, got %v", merged.Compare(b))
	}
}

func TestCompareBeforeAfterEqualConcurrent(t *testing.T) {
	base := New(PolicyLWW)
	base.Counters = map[string]uint64{"n1": 1, "n2": 1}

	ahead := base.Clone()
	ahead.Counters["n1"] = 2

	if base.Compare(ahead) != Before {
		t.Errorf("Compare(ahead) = %v, want before", base.Compare(ahead))
	}
	if ahead.Compare(base) != After {
		t.Errorf("Compare(base) = %v, want after", ahead.Compare(base))
	}

	equal := base.Clone()
	if base.Compare(equal) != Equal {
		t.Errorf("Compare(equal) = %v, want equal", base.Compare(equal))
	}

	concurrent := New(PolicyLWW)
	concurrent.Counters = map[string]uint64{"n1": 2, "n2": 0}
	if base.Compare(concurrent) != Concurrent {
		t.Errorf("Compare(concurrent) = %v, want concurrent", base.Compare(concurrent))
	}
}

// TestCausalityClassificationRandomPairs is testable property #5: compare is
// total and agrees with manual Lamport inspection over random pairs.
func TestCausalityClassificationRandomPairs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	nodes := []string{"n1", "n2", "n3"}

	randomClock := func() *VectorClock {
		vc := New(PolicyLWW)
		for _, n := range nodes {
			vc.Counters[n] = uint64(rng.Intn(5))
		}
		return vc
	}

	manualCompare := func(a, b *VectorClock) Causality {
		aLE, aStrict := true, false
		bLE, bStrict := true, false
		for _, n := range nodes {
			av, bv := a.Counters[n], b.Counters[n]
			if av > bv {
				aLE = false
			}
			if av < bv {
				aStrict = true
			}
			if bv > av {
				bLE = false
			}
			if bv < av {
				bStrict = true
			}
		}
		switch {
		case aLE && bLE:
			return Equal
		case aLE && aStrict:
			return Before
		case bLE && bStrict:
			return After
		default:
			return Concurrent
		}
	}

	for i := 0; i < 1000; i++ {
		a, b := randomClock(), randomClock()
		got := a.Compare(b)
		want := manualCompare(a, b)
		if got != want {
			t.Fatalf("pair %d: Compare() = %v, manual = %v (a=%v b=%v)", i, got, want, a.Counters, b.Counters)
		}
		if got != Before && got != After && got != Equal && got != Concurrent {
			t.Fatalf("Compare() returned invalid causality %v", got)
		}
	}
}

func TestPruneRetainsHighestHalf(t *testing.T) {
	vc := New(PolicyLWW)
	for i := 0; i < 1001; i++ {
		vc.Counters[fmt.Sprintf("node-%d", i)] = uint64(i)
	}

	warning := vc.Prune(1000)
	if warning == nil {
		t.Fatal("expected a prune warning")
	}
	if vc.Len() > 1000 {
		t.Errorf("Len() = %d after prune, want <= 1000", vc.Len())
	}
	if len(warning.Dropped) == 0 {
		t.Error("expected dropped entries to be reported")
	}
	// Highest-counter node must survive.
	if _, ok := vc.Counters["node-1000"]; !ok {
		t.Error("expected highest-counter entry to survive pruning")
	}
}

func TestPruneNoOpBelowThreshold(t *testing.T) {
	vc := New(PolicyLWW)
	vc.Counters["n1"] = 1
	if warning := vc.Prune(1000); warning != nil {
		t.Errorf("expected no warning below threshold, got %v", warning)
	}
}

// TestPrunePrecisionLossIsAcceptable documents scenario S6: after pruning,
// compare may report concurrent where one clock actually dominated. The
// suite asserts this known limitation rather than a false strong guarantee.
func TestPrunePrecisionLossIsAcceptable(t *testing.T) {
	vc := New(PolicyLWW)
	for i := 0; i < 1001; i++ {
		vc.Counters[fmt.Sprintf("node-%d", i)] = 1
	}
	vc.Counters["node-low"] = 1
	delete(vc.Counters, "node-1000") // avoid collision with loop naming above

	before := vc.Clone()
	vc.Prune(1000)

	// before dominates vc (vc lost entries), but after pruning, a clock that
	// referenced a dropped entry may be classified concurrent instead of
	// before/after. We only assert Compare remains total (never panics or
	// returns an invalid value), which is the documented acceptable outcome.
	result := vc.Compare(before)
	switch result {
	case Before, After, Equal, Concurrent:
	default:
		t.Fatalf("Compare returned invalid causality %v after prune", result)
	}
}

func TestHashStableAndOrderIndependent(t *testing.T) {
	a := New(PolicyLWW)
	a.Counters["node-a"] = 2
	a.Counters["node-b"] = 5

	b := New(PolicyLWW)
	b.Counters["node-b"] = 5
	b.Counters["node-a"] = 2

	if a.Hash() != b.Hash() {
		t.Errorf("Hash() differs for equal counters built in different insertion order")
	}

	c := a.Clone()
	c.Counters["node-a"] = 3
	if a.Hash() == c.Hash() {
		t.Errorf("Hash() collided for clocks with different counters")
	}
}
