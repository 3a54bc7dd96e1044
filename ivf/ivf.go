package ivf

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/hnsw"
	"github.com/patrikhermansson/colann/quantizer"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// IVF groups the partitioner, the shared quantizer and all partitions.
type IVF struct {
	writeMu     sync.Mutex // one writer at a time across partitions
	partitioner *Partitioner
	quantizer   quantizer.Quantizer
	graphCfg    *hnsw.Config
	partitions  []*Partition
	workers     int
}

// New creates empty partitions, one per centroid. graphCfg nil means flat scan.
func New(p *Partitioner, q quantizer.Quantizer, graphCfg *hnsw.Config) (*IVF, error) {
	if q.Dim() != p.Dim() {
		return nil, &core.DimensionMismatchError{Expected: p.Dim(), Actual: q.Dim(), Context: "quantizer"}
	}
	x := &IVF{partitioner: p, quantizer: q, graphCfg: graphCfg, workers: runtime.GOMAXPROCS(0)}
	for id := 0; id < p.NumPartitions(); id++ {
		view, err := q.ForPartition(id)
		if err != nil {
			return nil, err
		}
		part, err := NewPartition(id, view, graphCfg)
		if err != nil {
			return nil, err
		}
		x.partitions = append(x.partitions, part)
	}
	return x, nil
}

// SetWorkers bounds the number of partitions built concurrently.
func (x *IVF) SetWorkers(n int) {
	if n > 0 {
		x.workers = n
	}
}

// Partitioner returns the centroid model rows are assigned with.
func (x *IVF) Partitioner() *Partitioner { return x.partitioner }

// Quantizer returns the shared quantizer, before per-partition binding.
func (x *IVF) Quantizer() quantizer.Quantizer { return x.quantizer }

// GraphConfig returns the per-partition graph parameters, nil for flat scans.
func (x *IVF) GraphConfig() *hnsw.Config { return x.graphCfg }

// NumPartitions returns the number of centroids.
func (x *IVF) NumPartitions() int { return len(x.partitions) }

// Partition returns partition id.
func (x *IVF) Partition(id int) *Partition { return x.partitions[id] }

// Partitions returns all partitions in id order.
func (x *IVF) Partitions() []*Partition { return x.partitions }

// Assign returns the partition v belongs to.
func (x *IVF) Assign(v []float32) (int, error) { return x.partitioner.Assign(v) }

// Len returns the number of rows across partitions.
func (x *IVF) Len() int {
	n := 0
	for _, p := range x.partitions {
		n += p.Len()
	}
	return n
}

// Contains reports whether any partition holds rowID.
func (x *IVF) Contains(rowID uint64) bool {
	for _, p := range x.partitions {
		if p.Contains(rowID) {
			return true
		}
	}
	return false
}

// Add assigns every row to its nearest partition and appends it there.
// Vectors must already be transformed. Batches are encoded in parallel and
// only then committed, so an error or a cancelled ctx before the commit
// leaves the index unchanged. A partition that fails to commit rolls back
// the partitions already committed by this call. onDone, when set, is called
// with the row count of each committed partition.
func (x *IVF) Add(ctx context.Context, rows []core.Row, onDone func(n int)) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	type bucket struct {
		rowIDs  []uint64
		vectors [][]float32
		pending *pendingAppend
		mark    int
	}
	buckets := make([]bucket, len(x.partitions))
	seen := roaring64.New()
	for _, r := range rows {
		if !seen.CheckedAdd(r.ID) || x.Contains(r.ID) {
			return fmt.Errorf("row %d already exists", r.ID)
		}
		part, err := x.partitioner.Assign(r.Vector)
		if err != nil {
			return fmt.Errorf("row %d: %w", r.ID, err)
		}
		buckets[part].rowIDs = append(buckets[part].rowIDs, r.ID)
		buckets[part].vectors = append(buckets[part].vectors, r.Vector)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(x.workers)
	for id := range buckets {
		id := id
		b := &buckets[id]
		if len(b.rowIDs) == 0 {
			continue
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			pa, err := x.partitions[id].prepare(b.rowIDs, b.vectors)
			b.pending = pa
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		commit    errgroup.Group
		mu        sync.Mutex
		committed []int
	)
	commit.SetLimit(x.workers)
	for id := range buckets {
		id := id
		b := &buckets[id]
		if b.pending == nil {
			continue
		}
		b.mark = x.partitions[id].Len()
		commit.Go(func() error {
			if err := x.partitions[id].commit(ctx, b.pending); err != nil {
				return err
			}
			mu.Lock()
			committed = append(committed, id)
			mu.Unlock()
			if onDone != nil {
				onDone(len(b.rowIDs))
			}
			return nil
		})
	}
	if err := commit.Wait(); err != nil {
		for _, id := range committed {
			x.partitions[id].truncate(buckets[id].mark)
		}
		log.Warn().Err(err).Int("rolled_back", len(committed)).Msg("ivf add failed")
		return err
	}
	log.Debug().Int("rows", len(rows)).Int("partitions", len(x.partitions)).Msg("rows added to ivf")
	return nil
}

// Verify checks that partition membership is disjoint and that every row
// sits in the partition its vector is assigned to. vectorOf supplies the
// transformed vectors by row id.
func (x *IVF) Verify(vectorOf func(rowID uint64) ([]float32, error)) error {
	all := roaring64.New()
	for _, p := range x.partitions {
		m := p.Members()
		if all.Intersects(m) {
			return fmt.Errorf("partition %d shares rows with another partition", p.ID())
		}
		all.Or(m)
		if vectorOf == nil {
			continue
		}
		for _, rowID := range p.RowIDs() {
			v, err := vectorOf(rowID)
			if err != nil {
				return err
			}
			got, err := x.partitioner.Assign(v)
			if err != nil {
				return err
			}
			if got != p.ID() {
				return fmt.Errorf("row %d stored in partition %d but assigned to %d", rowID, p.ID(), got)
			}
		}
	}
	return nil
}

// State is the persisted form of the partitioner and partitions.
type State struct {
	Metric     core.Metric
	Centroids  [][]float32
	Quantizer  quantizer.State
	Graph      *hnsw.Config
	Partitions []PartitionState
}

// State snapshots the index structures.
func (x *IVF) State() State {
	s := State{
		Metric:    x.partitioner.Metric(),
		Centroids: x.partitioner.Centroids(),
		Quantizer: x.quantizer.State(),
		Graph:     x.graphCfg,
	}
	for _, p := range x.partitions {
		s.Partitions = append(s.Partitions, p.State())
	}
	return s
}

// FromState restores an IVF.
func FromState(s State) (*IVF, error) {
	p, err := NewPartitioner(s.Centroids, s.Metric)
	if err != nil {
		return nil, err
	}
	q, err := quantizer.FromState(s.Quantizer)
	if err != nil {
		return nil, err
	}
	if len(s.Partitions) != len(s.Centroids) {
		return nil, fmt.Errorf("%w: %d partitions for %d centroids", core.ErrInvalidConfig, len(s.Partitions), len(s.Centroids))
	}
	x := &IVF{partitioner: p, quantizer: q, graphCfg: s.Graph, workers: runtime.GOMAXPROCS(0)}
	for id, ps := range s.Partitions {
		if ps.ID != id {
			return nil, fmt.Errorf("%w: partition %d stored at position %d", core.ErrInvalidConfig, ps.ID, id)
		}
		view, err := q.ForPartition(id)
		if err != nil {
			return nil, err
		}
		part, err := partitionFromState(ps, view)
		if err != nil {
			return nil, err
		}
		x.partitions = append(x.partitions, part)
	}
	return x, nil
}
