// Package query runs nearest-neighbor queries against an index as a fixed
// sequence of states: partition selection, per-partition scans, merge,
// optional exact refine, and top-k truncation.
package query

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/patrikhermansson/colann/core"
)

// MaxRefineFactor bounds the oversampling multiplier.
const MaxRefineFactor = 1000

// Query is the request record consumed from the planning layer.
type Query struct {
	Column string
	Key    []float32
	K      int
	// NProbes is the number of partitions scanned.
	NProbes int
	// RefineFactor oversamples candidates by this factor and re-ranks them
	// with exact distances. Zero disables refine.
	RefineFactor uint32
	Metric       core.Metric
	// UseIndex false scans every row exactly.
	UseIndex bool
	// Ef is the graph search breadth for graph partitions; 0 uses the graph default.
	Ef int
}

// State is a step of the executor.
type State int

const (
	PlanSelectPartitions State = iota
	ScanPartitions
	MergeCandidates
	Refine
	ReturnTopK
	Done
)

func (s State) String() string {
	switch s {
	case PlanSelectPartitions:
		return "plan_select_partitions"
	case ScanPartitions:
		return "scan_partitions"
	case MergeCandidates:
		return "merge_candidates"
	case Refine:
		return "refine"
	case ReturnTopK:
		return "return_top_k"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Step records how long one state took.
type Step struct {
	State    State
	Duration time.Duration
}

// Trace describes how a query was executed.
type Trace struct {
	Steps      []Step
	Partitions []int
	Scanned    int // candidates returned by partition scans
	Merged     int // candidates left after dedup
	Refined    int // rows re-fetched for exact distances
	Exact      bool
}

func (t *Trace) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "partitions=%v scanned=%d merged=%d refined=%d exact=%t",
		t.Partitions, t.Scanned, t.Merged, t.Refined, t.Exact)
	for _, s := range t.Steps {
		fmt.Fprintf(&b, "\n  %-22s %s", s.State, s.Duration)
	}
	return b.String()
}

func invalid(field string, value any, reason string) error {
	return &core.InvalidQueryError{Field: field, Value: value, Reason: reason}
}

// candidateCount is the per-partition candidate budget max(k, k*refine),
// saturating at math.MaxInt.
func (q Query) candidateCount() int {
	if q.RefineFactor == 0 {
		return q.K
	}
	if q.K > math.MaxInt/int(q.RefineFactor) {
		return math.MaxInt
	}
	return max(q.K, q.K*int(q.RefineFactor))
}

// validate checks parameters that do not depend on the index.
func (q Query) validate() error {
	if q.K < 1 {
		return invalid("k", q.K, "must be at least 1")
	}
	if q.NProbes < 1 {
		return invalid("nprobes", q.NProbes, "must be at least 1")
	}
	if q.RefineFactor > MaxRefineFactor {
		return invalid("refine_factor", q.RefineFactor, fmt.Sprintf("must not exceed %d", MaxRefineFactor))
	}
	if !q.Metric.Valid() {
		return invalid("metric_type", q.Metric, "unknown metric")
	}
	if q.Ef < 0 {
		return invalid("ef", q.Ef, "must not be negative")
	}
	return nil
}
