package query

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/storage"
)

// exactChunk bounds how many raw rows one exact-scan read fetches.
const exactChunk = 1024

// Executor runs queries against a Source. Raw vectors for refine and exact
// scans come from the reader, which may be nil when neither is used.
type Executor struct {
	source  Source
	reader  storage.VectorReader
	workers int
}

// NewExecutor runs queries against source. reader serves raw vectors for
// exact scans and refine and may be nil.
func NewExecutor(source Source, reader storage.VectorReader) *Executor {
	return &Executor{source: source, reader: reader, workers: runtime.GOMAXPROCS(0)}
}

// SetWorkers bounds the number of partitions scanned concurrently.
func (e *Executor) SetWorkers(n int) {
	if n > 0 {
		e.workers = n
	}
}

// run holds the per-query state threaded through the state machine.
type run struct {
	q          Query
	prepared   []float32
	partitions []int
	scanned    [][]core.Neighbor
	candidates []core.Neighbor
	trace      *Trace
}

// Search executes q and returns at most q.K neighbors sorted by distance,
// ties broken by row id.
func (e *Executor) Search(ctx context.Context, q Query) ([]core.Neighbor, error) {
	res, _, err := e.Explain(ctx, q)
	return res, err
}

// Explain is Search plus a trace of the executed states.
func (e *Executor) Explain(ctx context.Context, q Query) ([]core.Neighbor, *Trace, error) {
	trace := &Trace{Exact: !q.UseIndex}
	if err := q.validate(); err != nil {
		return nil, trace, err
	}
	if e.source.NumPartitions() == 0 || e.source.Len() == 0 {
		return []core.Neighbor{}, trace, nil
	}
	if err := e.checkAgainstSource(q); err != nil {
		return nil, trace, err
	}
	if q.Column == "" {
		q.Column = e.source.Column()
	}

	r := &run{q: q, trace: trace}
	state := PlanSelectPartitions
	for state != Done {
		if err := ctx.Err(); err != nil {
			return nil, trace, err
		}
		start := time.Now()
		next, err := e.step(ctx, r, state)
		trace.Steps = append(trace.Steps, Step{State: state, Duration: time.Since(start)})
		if err != nil {
			log.Debug().Err(err).Str("state", state.String()).Msg("query failed")
			return nil, trace, err
		}
		state = next
	}
	log.Debug().
		Ints("partitions", trace.Partitions).
		Int("scanned", trace.Scanned).
		Int("merged", trace.Merged).
		Int("refined", trace.Refined).
		Msg("query done")
	return r.candidates, trace, nil
}

func (e *Executor) checkAgainstSource(q Query) error {
	if q.Column != "" && q.Column != e.source.Column() {
		return invalid("column", q.Column, fmt.Sprintf("index covers column %q", e.source.Column()))
	}
	if q.NProbes > e.source.NumPartitions() {
		return invalid("nprobes", q.NProbes, fmt.Sprintf("index has %d partitions", e.source.NumPartitions()))
	}
	if q.UseIndex && q.Metric != e.source.Metric() {
		return invalid("metric_type", q.Metric, fmt.Sprintf("index was built for %s", e.source.Metric()))
	}
	if !q.UseIndex && e.reader == nil {
		return invalid("use_index", false, "exact search needs a vector reader")
	}
	if q.UseIndex && q.RefineFactor > 0 && e.reader == nil {
		return invalid("refine_factor", q.RefineFactor, "refine needs a vector reader")
	}
	return core.CheckDimension(q.Key, e.source.Dim(), "query")
}

func (e *Executor) step(ctx context.Context, r *run, s State) (State, error) {
	switch s {
	case PlanSelectPartitions:
		return ScanPartitions, e.plan(r)
	case ScanPartitions:
		if r.q.UseIndex {
			return MergeCandidates, e.scanIndexed(ctx, r)
		}
		return MergeCandidates, e.scanExact(ctx, r)
	case MergeCandidates:
		r.candidates = Merge(r.q.Metric, r.scanned...)
		r.scanned = nil
		r.trace.Merged = len(r.candidates)
		if r.q.UseIndex && r.q.RefineFactor > 0 {
			return Refine, nil
		}
		return ReturnTopK, nil
	case Refine:
		return ReturnTopK, e.refine(ctx, r)
	case ReturnTopK:
		if len(r.candidates) > r.q.K {
			r.candidates = r.candidates[:r.q.K]
		}
		return Done, nil
	}
	return Done, fmt.Errorf("query: unexpected state %s", s)
}

func (e *Executor) plan(r *run) error {
	if !r.q.UseIndex {
		r.partitions = make([]int, e.source.NumPartitions())
		for i := range r.partitions {
			r.partitions[i] = i
		}
		r.trace.Partitions = r.partitions
		return nil
	}
	r.prepared = e.source.PrepareQuery(r.q.Key)
	ids, err := e.source.SelectPartitions(r.prepared, r.q.NProbes)
	if err != nil {
		return err
	}
	r.partitions = ids
	r.trace.Partitions = ids
	return nil
}

// scanIndexed collects max(k, k*refine) candidates per selected partition.
func (e *Executor) scanIndexed(ctx context.Context, r *run) error {
	budget := r.q.candidateCount()
	r.scanned = make([][]core.Neighbor, len(r.partitions))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, id := range r.partitions {
		i := i
		id := id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := e.source.SearchPartition(id, r.prepared, budget, r.q.Ef)
			if err != nil {
				return fmt.Errorf("partition %d: %w", id, err)
			}
			r.scanned[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, s := range r.scanned {
		r.trace.Scanned += len(s)
	}
	return nil
}

// scanExact computes exact distances between the raw key and every stored row.
func (e *Executor) scanExact(ctx context.Context, r *run) error {
	r.scanned = make([][]core.Neighbor, len(r.partitions))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, id := range r.partitions {
		i := i
		id := id
		g.Go(func() error {
			res, err := e.exactPartition(ctx, r.q, e.source.PartitionRows(id))
			if err != nil {
				return err
			}
			r.scanned[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, s := range r.scanned {
		r.trace.Scanned += len(s)
	}
	return nil
}

func (e *Executor) exactPartition(ctx context.Context, q Query, rows []uint64) ([]core.Neighbor, error) {
	var best []core.Neighbor
	for start := 0; start < len(rows); start += exactChunk {
		ids := rows[start:min(start+exactChunk, len(rows))]
		scored, err := e.score(ctx, q, ids)
		if err != nil {
			return nil, err
		}
		best = append(best, scored...)
		core.SortNeighbors(q.Metric, best)
		if len(best) > q.K {
			best = best[:q.K]
		}
	}
	return best, nil
}

// refine re-ranks the best k*refine merged candidates by exact distance.
func (e *Executor) refine(ctx context.Context, r *run) error {
	pool := min(len(r.candidates), r.q.candidateCount())
	ids := make([]uint64, pool)
	for i := range ids {
		ids[i] = r.candidates[i].RowID
	}
	scored, err := e.score(ctx, r.q, ids)
	if err != nil {
		return err
	}
	core.SortNeighbors(r.q.Metric, scored)
	r.candidates = scored
	r.trace.Refined = len(ids)
	return nil
}

// score reads raw vectors for ids and measures them against the raw key.
func (e *Executor) score(ctx context.Context, q Query, ids []uint64) ([]core.Neighbor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vecs, err := e.reader.ReadVectors(ctx, q.Column, ids)
	if err != nil {
		return nil, wrapStorage(err)
	}
	if len(vecs) != len(ids) {
		return nil, &core.StorageError{Op: "read", Key: q.Column,
			Err: fmt.Errorf("got %d vectors for %d rows", len(vecs), len(ids))}
	}
	dist, err := core.Func(q.Metric)
	if err != nil {
		return nil, err
	}
	out := make([]core.Neighbor, len(ids))
	for i, v := range vecs {
		if err := core.CheckDimension(v, len(q.Key), fmt.Sprintf("row %d", ids[i])); err != nil {
			return nil, err
		}
		out[i] = core.Neighbor{RowID: ids[i], Distance: dist(q.Key, v)}
	}
	return out, nil
}

func wrapStorage(err error) error {
	if errors.Is(err, core.ErrStorageUnavailable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &core.StorageError{Op: "read", Err: err}
}

// Merge combines per-partition candidate lists into one list sorted by
// distance under m. A row id appearing more than once keeps its best entry.
func Merge(m core.Metric, lists ...[]core.Neighbor) []core.Neighbor {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	all := make([]core.Neighbor, 0, n)
	for _, l := range lists {
		all = append(all, l...)
	}
	core.SortNeighbors(m, all)

	seen := roaring64.New()
	out := all[:0]
	for _, c := range all {
		if seen.CheckedAdd(c.RowID) {
			out = append(out, c)
		}
	}
	return out
}
