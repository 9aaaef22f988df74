// Package clock implements the vector clock used to establish causal order
// between task replicas held by different nodes (mobile devices or backend
// shards). See spec.md §3 and §4.1.
package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

// Causality is the result of comparing two vector clocks.
type Causality string

const (
	Before     Causality = "before"
	After      Causality = "after"
	Equal      Causality = "equal"
	Concurrent Causality = "concurrent"
)

// MergePolicy tags the conflict-resolution policy a clock was created under.
// Carried alongside the clock so replays can tell which policy produced a
// given merge (spec.md §3, §4.2: LWW is the default policy and must be
// explicit and configurable).
type MergePolicy string

const (
	PolicyLWW MergePolicy = "last_write_wins"
)

// PruneWarning is emitted by Prune when entries are dropped, so callers can
// surface a vector_clock_prune warning event per spec.md §4.1.
type PruneWarning struct {
	Dropped []string
}

// VectorClock maps node id to a monotonically increasing counter, plus the
// physical timestamp of the last increment/merge and a merge-policy tag.
type VectorClock struct {
	Counters  map[string]uint64
	Timestamp time.Time
	Policy    MergePolicy
}

// New returns an empty vector clock tagged with policy.
func New(policy MergePolicy) *VectorClock {
	if policy == "" {
		policy = PolicyLWW
	}
	return &VectorClock{Counters: make(map[string]uint64), Policy: policy}
}

// Clone returns a deep copy.
func (v *VectorClock) Clone() *VectorClock {
	c := &VectorClock{
		Counters:  make(map[string]uint64, len(v.Counters)),
		Timestamp: v.Timestamp,
		Policy:    v.Policy,
	}
	for k, val := range v.Counters {
		c.Counters[k] = val
	}
	return c
}

// Increment raises node's own counter by one and stamps the current time.
// now is injected so callers can supply a monotonic clock source; it must
// not be zero. Fails with vector_clock_overflow if node would wrap past
// math.MaxUint64, and with invalid_state if node is empty.
func (v *VectorClock) Increment(node string, now time.Time) error {
	if node == "" {
		return apperrors.New(apperrors.KindInvalidState, "vector_clock", "increment").
			WithDetails("node identifier must not be empty")
	}
	current := v.Counters[node]
	if current == ^uint64(0) {
		return apperrors.New(apperrors.KindVectorClockOverflow, "vector_clock", "increment").
			WithResource(node)
	}
	v.Counters[node] = current + 1
	v.Timestamp = now
	return nil
}

// Merge returns the pointwise-maximum merge of v and other. The result
// dominates both inputs. Missing entries in either clock are treated as 0.
func (v *VectorClock) Merge(other *VectorClock) *VectorClock {
	result := &VectorClock{Counters: make(map[string]uint64), Policy: v.Policy}

	for node, c := range v.Counters {
		result.Counters[node] = c
	}
	for node, c := range other.Counters {
		if c > result.Counters[node] {
			result.Counters[node] = c
		}
	}

	result.Timestamp = v.Timestamp
	if other.Timestamp.After(result.Timestamp) {
		result.Timestamp = other.Timestamp
	}
	return result
}

// Compare classifies the causal relationship between v and other.
func (v *VectorClock) Compare(other *VectorClock) Causality {
	selfLessOrEqual, selfStrictlyLess := compareOneWay(v, other)
	otherLessOrEqual, otherStrictlyLess := compareOneWay(other, v)

	switch {
	case selfLessOrEqual && otherLessOrEqual:
		return Equal
	case selfLessOrEqual && selfStrictlyLess:
		return Before
	case otherLessOrEqual && otherStrictlyLess:
		return After
	default:
		return Concurrent
	}
}

// compareOneWay reports whether every entry of a is <= the corresponding
// entry of b (treating missing entries as 0), and whether at least one
// entry is strictly less.
func compareOneWay(a, b *VectorClock) (lessOrEqual bool, strictlyLess bool) {
	lessOrEqual = true
	nodes := make(map[string]struct{}, len(a.Counters)+len(b.Counters))
	for n := range a.Counters {
		nodes[n] = struct{}{}
	}
	for n := range b.Counters {
		nodes[n] = struct{}{}
	}
	for n := range nodes {
		av := a.Counters[n]
		bv := b.Counters[n]
		if av > bv {
			lessOrEqual = false
		}
		if av < bv {
			strictlyLess = true
		}
	}
	return lessOrEqual, strictlyLess
}

// Prune retains the highest-counter half of entries when the clock exceeds
// threshold, returning a warning describing the dropped node ids. Pruning
// trades precision for boundedness: a pruned clock may later report
// concurrent where it actually dominated (spec.md §4.1, §9 S6).
func (v *VectorClock) Prune(threshold int) *PruneWarning {
	if threshold <= 0 || len(v.Counters) <= threshold {
		return nil
	}

	type entry struct {
		node  string
		count uint64
	}
	entries := make([]entry, 0, len(v.Counters))
	for n, c := range v.Counters {
		entries = append(entries, entry{n, c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].node < entries[j].node
	})

	keep := threshold / 2
	if keep == 0 {
		keep = 1
	}
	if keep > len(entries) {
		keep = len(entries)
	}

	warning := &PruneWarning{}
	for _, e := range entries[keep:] {
		delete(v.Counters, e.node)
		warning.Dropped = append(warning.Dropped, e.node)
	}
	return warning
}

// Len returns the number of tracked nodes.
func (v *VectorClock) Len() int { return len(v.Counters) }

// Hash returns a stable content digest of the clock's counters, used by the
// Event Dispatcher (C10) to deduplicate messages keyed on
// (replica.id, vector_clock_hash) (spec.md §4.10).
func (v *VectorClock) Hash() string {
	nodes := make([]string, 0, len(v.Counters))
	for n := range v.Counters {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	h := sha256.New()
	for _, n := range nodes {
		fmt.Fprintf(h, "%s=%d;", n, v.Counters[n])
	}
	return hex.EncodeToString(h.Sum(nil))
}
