package syncengine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/clinisync/sync-emr-engine/pkg/replica"
	shmath "github.com/clinisync/sync-emr-engine/pkg/shared/math"
)

// TestSyncP95LatencyUnderBound is spec.md §8 property 7: p95 sync-round
// latency must stay under 500ms for a 1000-operation workload spread
// across 10 replicas. Backend/local are in-memory fakes, so the bound
// exercises batching and conflict-resolution overhead, not real network
// I/O (network variance is covered by the breaker/retry suite instead).
func TestSyncP95LatencyUnderBound(t *testing.T) {
	const totalOps = 1000
	const replicas = 10
	const rounds = 20
	const p95Bound = 500 * time.Millisecond

	pending := make([]*replica.Task, 0, totalOps)
	for i := 0; i < totalOps; i++ {
		assignee := fmt.Sprintf("replica-%d", i%replicas)
		pending = append(pending, newTask(fmt.Sprintf("T%d", i), assignee))
	}

	remote := make([]*replica.Task, 0, replicas)
	for i := 0; i < replicas; i++ {
		remote = append(remote, newTask(fmt.Sprintf("R%d", i), fmt.Sprintf("replica-%d", i)))
	}

	durations := make([]float64, 0, rounds)
	for r := 0; r < rounds; r++ {
		local := &fakeLocal{pending: pending}
		backend := &fakeBackend{remote: remote}
		o := New(Config{NodeID: "node-1", Network: fakeNetwork{available: true}, Backend: backend, Local: local})

		start := time.Now()
		if err := o.StartSync(context.Background()); err != nil {
			t.Fatalf("StartSync() round %d error = %v", r, err)
		}
		durations = append(durations, float64(time.Since(start).Milliseconds()))
	}

	p95 := shmath.Percentile(durations, 95)
	if p95 >= float64(p95Bound.Milliseconds()) {
		t.Errorf("p95 sync latency = %.2fms over %d rounds, want < %v", p95, rounds, p95Bound)
	}
}
