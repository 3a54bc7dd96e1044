package ivf

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/hnsw"
	"github.com/patrikhermansson/colann/quantizer"
	"github.com/rs/zerolog/log"
)

// Partition owns the (row id, code) pairs assigned to one centroid and,
// when configured, a graph over them. Appends take the writer lock; searches
// share the reader lock.
type Partition struct {
	id        int
	mu        sync.RWMutex
	quantizer quantizer.Quantizer
	codeSize  int
	rowIDs    []uint64
	codes     []byte
	members   *roaring64.Bitmap
	graph     *hnsw.Graph
}

// NewPartition returns an empty partition. q must already be bound to id.
func NewPartition(id int, q quantizer.Quantizer, graphCfg *hnsw.Config) (*Partition, error) {
	p := &Partition{
		id:        id,
		quantizer: q,
		codeSize:  q.CodeSize(),
		members:   roaring64.New(),
	}
	if graphCfg != nil {
		cfg := *graphCfg
		cfg.Seed += int64(id)
		g, err := hnsw.New(codeSpace{p}, cfg)
		if err != nil {
			return nil, err
		}
		p.graph = g
	}
	return p, nil
}

// ID returns the partition id, equal to its centroid index.
func (p *Partition) ID() int { return p.id }

// Len returns the number of rows in the partition.
func (p *Partition) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rowIDs)
}

// HasGraph reports whether searches traverse a graph.
func (p *Partition) HasGraph() bool { return p.graph != nil }

// Graph returns the partition graph or nil.
func (p *Partition) Graph() *hnsw.Graph { return p.graph }

// Contains reports whether rowID belongs to the partition.
func (p *Partition) Contains(rowID uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.members.Contains(rowID)
}

// Members returns a copy of the row id set.
func (p *Partition) Members() *roaring64.Bitmap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.members.Clone()
}

// RowIDs returns a copy of the row ids in insertion order.
func (p *Partition) RowIDs() []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]uint64(nil), p.rowIDs...)
}

// code returns the code of node i. Callers hold the lock.
func (p *Partition) code(i uint32) []byte {
	off := int(i) * p.codeSize
	return p.codes[off : off+p.codeSize]
}

// pendingAppend is an encoded batch not yet visible to searches.
type pendingAppend struct {
	rowIDs  []uint64
	vectors [][]float32
	codes   []byte
}

// prepare validates and encodes a batch without touching the partition.
func (p *Partition) prepare(rowIDs []uint64, vectors [][]float32) (*pendingAppend, error) {
	if len(rowIDs) != len(vectors) {
		return nil, fmt.Errorf("%w: %d row ids for %d vectors", core.ErrInvalidConfig, len(rowIDs), len(vectors))
	}
	codes := make([]byte, 0, len(vectors)*p.codeSize)
	for i, v := range vectors {
		if err := core.CheckDimension(v, p.quantizer.Dim(), fmt.Sprintf("row %d, partition %d", rowIDs[i], p.id)); err != nil {
			return nil, err
		}
		code, err := p.quantizer.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("encoding row %d in partition %d: %w", rowIDs[i], p.id, err)
		}
		codes = append(codes, code...)
	}
	return &pendingAppend{rowIDs: rowIDs, vectors: vectors, codes: codes}, nil
}

// commit makes a prepared batch visible. Either every row is stored and
// linked or the partition is left as it was. Linking ignores cancellation of
// ctx once the codes are in place.
func (p *Partition) commit(ctx context.Context, pa *pendingAppend) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := roaring64.New()
	for _, id := range pa.rowIDs {
		if p.members.Contains(id) || !batch.CheckedAdd(id) {
			return fmt.Errorf("row %d already exists in partition %d", id, p.id)
		}
	}
	first := len(p.rowIDs)
	p.rowIDs = append(p.rowIDs, pa.rowIDs...)
	p.codes = append(p.codes, pa.codes...)
	p.members.Or(batch)

	if p.graph != nil {
		nodes := make([]uint32, len(pa.rowIDs))
		for i := range nodes {
			nodes[i] = uint32(first + i)
		}
		if err := p.graph.BatchInsert(context.WithoutCancel(ctx), nodes, pa.rowIDs, pa.vectors); err != nil {
			p.truncateLocked(first)
			return fmt.Errorf("linking partition %d: %w", p.id, err)
		}
	}
	log.Debug().Int("partition", p.id).Int("rows", len(pa.rowIDs)).Int("total", len(p.rowIDs)).Msg("partition appended")
	return nil
}

// truncate drops every row from position n on.
func (p *Partition) truncate(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.truncateLocked(n)
}

func (p *Partition) truncateLocked(n int) {
	if n >= len(p.rowIDs) {
		return
	}
	for _, id := range p.rowIDs[n:] {
		p.members.Remove(id)
	}
	p.rowIDs = p.rowIDs[:n:n]
	p.codes = p.codes[: n*p.codeSize : n*p.codeSize]
	if p.graph != nil {
		p.graph.Truncate(n)
	}
}

// Append encodes and stores rows. vectors are already transformed. A failed
// or cancelled batch leaves the partition unchanged; a duplicate row id fails
// the whole batch.
func (p *Partition) Append(ctx context.Context, rowIDs []uint64, vectors [][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pa, err := p.prepare(rowIDs, vectors)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.commit(ctx, pa)
}

// Search returns up to k candidates by asymmetric distance, through the graph
// when present and a linear scan of codes otherwise.
func (p *Partition) Search(query []float32, k, ef int) ([]core.Neighbor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.rowIDs) == 0 || k <= 0 {
		return nil, nil
	}
	if p.graph != nil {
		return p.graph.Search(query, k, ef)
	}
	return p.scan(query, k)
}

func (p *Partition) scan(query []float32, k int) ([]core.Neighbor, error) {
	scorer, err := p.quantizer.Scorer(query)
	if err != nil {
		return nil, err
	}
	k = min(k, len(p.rowIDs))
	top := make(neighborMaxHeap, 0, k+1)
	for i, rowID := range p.rowIDs {
		d := scorer.Distance(p.code(uint32(i)))
		if math.IsNaN(float64(d)) {
			continue
		}
		nb := core.Neighbor{RowID: rowID, Distance: d}
		if top.Len() < k {
			heap.Push(&top, nb)
		} else if worse(top[0], nb) {
			top[0] = nb
			heap.Fix(&top, 0)
		}
	}
	out := []core.Neighbor(top)
	core.SortByDistance(out)
	return out, nil
}

// PartitionState is the persisted form of a partition.
type PartitionState struct {
	ID     int
	RowIDs []uint64
	Codes  []byte
	Graph  *hnsw.State
}

// State snapshots the partition.
func (p *Partition) State() PartitionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := PartitionState{
		ID:     p.id,
		RowIDs: append([]uint64(nil), p.rowIDs...),
		Codes:  append([]byte(nil), p.codes...),
	}
	if p.graph != nil {
		gs := p.graph.State()
		s.Graph = &gs
	}
	return s
}

func partitionFromState(s PartitionState, q quantizer.Quantizer) (*Partition, error) {
	if len(s.Codes) != len(s.RowIDs)*q.CodeSize() {
		return nil, fmt.Errorf("%w: partition %d has %d code bytes for %d rows",
			core.ErrInvalidConfig, s.ID, len(s.Codes), len(s.RowIDs))
	}
	p, err := NewPartition(s.ID, q, nil)
	if err != nil {
		return nil, err
	}
	p.rowIDs, p.codes = s.RowIDs, s.Codes
	p.members.AddMany(s.RowIDs)
	if s.Graph != nil {
		g, err := hnsw.FromState(codeSpace{p}, *s.Graph)
		if err != nil {
			return nil, fmt.Errorf("partition %d graph: %w", s.ID, err)
		}
		p.graph = g
	}
	return p, nil
}

// codeSpace lets the partition graph score its codes.
type codeSpace struct{ p *Partition }

func (s codeSpace) Dim() int { return s.p.quantizer.Dim() }

func (s codeSpace) QueryDistance(query []float32) (func(uint32) float32, error) {
	scorer, err := s.p.quantizer.Scorer(query)
	if err != nil {
		return nil, err
	}
	return func(id uint32) float32 { return scorer.Distance(s.p.code(id)) }, nil
}

// NodeDistance reports NaN for undecodable codes so graph pruning skips them.
func (s codeSpace) NodeDistance(a, b uint32) float32 {
	d, err := quantizer.CodeDistance(s.p.quantizer, s.p.code(a), s.p.code(b))
	if err != nil {
		return float32(math.NaN())
	}
	return d
}

func worse(a, b core.Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.RowID > b.RowID
}

// neighborMaxHeap keeps the worst retained candidate on top.
type neighborMaxHeap []core.Neighbor

func (h neighborMaxHeap) Len() int           { return len(h) }
func (h neighborMaxHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h neighborMaxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *neighborMaxHeap) Push(x any)        { *h = append(*h, x.(core.Neighbor)) }
func (h *neighborMaxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
