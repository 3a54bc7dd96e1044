package hnsw

import (
	"context"
	"fmt"
	"sync"

	"github.com/patrikhermansson/colann/core"
	"github.com/rs/zerolog/log"
)

// Index is a standalone graph index over raw vectors, addressed by row id.
type Index struct {
	mu     sync.Mutex // serializes row id bookkeeping and node id allocation
	metric core.Metric
	space  *VectorSpace
	graph  *Graph
	rows   map[uint64]struct{}
}

// NewHNSW creates an empty graph index for vectors of the given dimension.
func NewHNSW(dimension int, metric core.Metric, cfg Config) (*Index, error) {
	log.Info().Msgf("Creating new HNSW index with dimension=%d, M=%d, ef=%d, distance=%s",
		dimension, cfg.M, cfg.Ef, metric)
	space, err := NewVectorSpace(dimension, metric)
	if err != nil {
		return nil, err
	}
	graph, err := New(space, cfg)
	if err != nil {
		return nil, err
	}
	return &Index{metric: metric, space: space, graph: graph, rows: make(map[uint64]struct{})}, nil
}

// register checks v and allocates a node id for it. v must already be a
// private copy, normalized for cosine. Callers hold h.mu.
func (h *Index) register(rowID uint64, v []float32) (uint32, error) {
	if err := core.CheckDimension(v, h.space.Dim(), fmt.Sprintf("row %d", rowID)); err != nil {
		return 0, err
	}
	if _, exists := h.rows[rowID]; exists {
		return 0, fmt.Errorf("row %d already exists", rowID)
	}
	id, err := h.space.Append(v)
	if err != nil {
		return 0, err
	}
	h.rows[rowID] = struct{}{}
	return id, nil
}

// Add inserts a new vector into the index with a unique row id.
func (h *Index) Add(rowID uint64, vector []float32) error {
	vec := core.Clone(vector)
	if h.metric == core.Cosine {
		core.NormalizeVector(vec)
	}
	h.mu.Lock()
	id, err := h.register(rowID, vec)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.graph.Insert(id, rowID, vec)
}

// BulkAdd inserts rows concurrently. A failed or cancelled batch is removed
// again, leaving the index as it was.
func (h *Index) BulkAdd(ctx context.Context, rows []core.Row) error {
	vecs := make([][]float32, len(rows))
	for i, r := range rows {
		vecs[i] = core.Clone(r.Vector)
	}
	if h.metric == core.Cosine {
		core.NormalizeBatch(vecs)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	first := h.space.Len()
	ids := make([]uint32, 0, len(rows))
	rowIDs := make([]uint64, 0, len(rows))
	rollback := func() {
		for _, id := range rowIDs {
			delete(h.rows, id)
		}
		h.graph.Truncate(first)
		h.space.truncate(first)
	}
	for i, r := range rows {
		id, err := h.register(r.ID, vecs[i])
		if err != nil {
			rollback()
			return err
		}
		ids, rowIDs = append(ids, id), append(rowIDs, r.ID)
	}
	if err := h.graph.BatchInsert(ctx, ids, rowIDs, vecs); err != nil {
		rollback()
		return err
	}
	log.Debug().Int("rows", len(rows)).Int("total", h.graph.Len()).Msg("rows added to graph index")
	return nil
}

// Search returns the k nearest rows using the configured ef.
func (h *Index) Search(query []float32, k int) ([]core.Neighbor, error) {
	return h.SearchEf(query, k, h.graph.cfg.Ef)
}

// SearchEf is Search with an explicit ef.
func (h *Index) SearchEf(query []float32, k, ef int) ([]core.Neighbor, error) {
	q := query
	if h.metric == core.Cosine {
		q = core.Clone(query)
		core.NormalizeVector(q)
	}
	return h.graph.Search(q, k, ef)
}

// Graph exposes the underlying graph.
func (h *Index) Graph() *Graph { return h.graph }

// Stats returns statistics about the index.
func (h *Index) Stats() core.IndexStats {
	return core.IndexStats{
		Count:      h.graph.Len(),
		Dimension:  h.space.Dim(),
		Partitions: 1,
		Distance:   h.metric.String(),
		Quantizer:  "flat",
		CodeBytes:  h.space.Dim() * 4,
		Graph:      true,
	}
}
