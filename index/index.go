// Package index builds, queries, extends and persists IVF vector indices.
package index

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/ivf"
	"github.com/patrikhermansson/colann/kmeans"
	"github.com/patrikhermansson/colann/quantizer"
	"github.com/patrikhermansson/colann/query"
	"github.com/patrikhermansson/colann/storage"
	"github.com/patrikhermansson/colann/transform"
)

// Index is one trained IVF index over a vector column. Raw vectors stay in
// the storage collaborator; the index keeps codes only.
type Index struct {
	mu        sync.RWMutex // guards version, reader and exec
	version   string
	column    string
	dim       int
	transform transform.Transform
	ivf       *ivf.IVF
	reader    storage.VectorReader
	exec      *query.Executor
	workers   int
}

func newIndex(version, column string, t transform.Transform, x *ivf.IVF, reader storage.VectorReader, workers int) *Index {
	idx := &Index{
		version:   version,
		column:    column,
		dim:       t.Dim(),
		transform: t,
		ivf:       x,
		workers:   workers,
	}
	if workers > 0 {
		x.SetWorkers(workers)
	}
	idx.SetReader(reader)
	return idx
}

// Build trains partitions and a quantizer on rows, then encodes every row.
// reader supplies raw vectors for refine and exact queries and may be nil.
func Build(ctx context.Context, p BuildParams, rows []core.Row, reader storage.VectorReader) (*Index, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &core.InsufficientDataError{Samples: 0, Required: p.NumPartitions * kmeans.MinSamplesPerCluster, Clusters: p.NumPartitions}
	}
	dim := len(rows[0].Vector)
	for _, r := range rows {
		if err := core.CheckDimension(r.Vector, dim, fmt.Sprintf("row %d", r.ID)); err != nil {
			return nil, err
		}
	}
	seed := core.ResolveSeed(p.Seed)
	log.Debug().Interface("cpu", core.DetectCPUFeatures()).Int64("seed", seed).Msg("building index")

	t, err := transform.ForMetric(p.Metric, dim, p.Transforms, seed)
	if err != nil {
		return nil, err
	}
	prepared := make([]core.Row, len(rows))
	for i, r := range rows {
		prepared[i] = core.Row{ID: r.ID, Vector: t.Apply(r.Vector)}
	}
	samples := sampleVectors(prepared, p.SampleSize, seed)

	kc := p.KMeans
	kc.Seed = seed
	if kc.Workers == 0 {
		kc.Workers = p.Workers
	}
	partitioner, err := ivf.Train(ctx, samples, p.NumPartitions, p.Metric, kc)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("partitions", p.NumPartitions).Int("samples", len(samples)).Msg("partitions trained")

	qc := p.Quantizer
	if qc.Seed == 0 {
		qc.Seed = seed + 1
	}
	q, err := quantizer.Train(ctx, qc, p.Metric, samples, partitioner.Centroids())
	if err != nil {
		return nil, fmt.Errorf("training %s quantizer: %w", qc.Kind, err)
	}
	x, err := ivf.New(partitioner, q, p.Graph)
	if err != nil {
		return nil, err
	}
	if p.Workers > 0 {
		x.SetWorkers(p.Workers)
	}

	var bar *progressbar.ProgressBar
	if p.Progress != nil {
		bar = progressbar.NewOptions(len(prepared),
			progressbar.OptionSetWriter(p.Progress),
			progressbar.OptionSetDescription("indexing "+p.Column),
			progressbar.OptionOnCompletion(func() { fmt.Fprint(p.Progress, "\n") }),
		)
	}
	err = x.Add(ctx, prepared, func(n int) {
		if bar != nil {
			_ = bar.Add(n)
		}
	})
	if err != nil {
		return nil, err
	}

	idx := newIndex(uuid.NewString(), p.Column, t, x, reader, p.Workers)
	log.Info().
		Str("column", p.Column).
		Str("version", idx.version).
		Int("rows", len(rows)).
		Int("partitions", p.NumPartitions).
		Str("quantizer", q.Kind().String()).
		Msg("index built")
	return idx, nil
}

// BuildFromStore reads the whole column from store and builds over it. The
// store also serves raw vectors to later queries.
func BuildFromStore(ctx context.Context, p BuildParams, store interface {
	storage.ColumnScanner
	storage.VectorReader
}) (*Index, error) {
	var rows []core.Row
	err := store.ScanColumn(ctx, p.Column, func(r core.Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Build(ctx, p, rows, store)
}

// sampleVectors picks size rows uniformly at random, keeping their order.
func sampleVectors(rows []core.Row, size int, seed int64) [][]float32 {
	if size <= 0 || size >= len(rows) {
		out := make([][]float32, len(rows))
		for i, r := range rows {
			out[i] = r.Vector
		}
		return out
	}
	rng := rand.New(rand.NewSource(seed))
	picked := rng.Perm(len(rows))[:size]
	sort.Ints(picked)
	out := make([][]float32, size)
	for i, j := range picked {
		out[i] = rows[j].Vector
	}
	return out
}

// Version identifies the indexed content. Insert moves the index to a new version.
func (idx *Index) Version() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.version
}

func (idx *Index) Column() string                 { return idx.column }
func (idx *Index) Metric() core.Metric            { return idx.ivf.Partitioner().Metric() }
func (idx *Index) Dim() int                       { return idx.dim }
func (idx *Index) Transform() transform.Transform { return idx.transform }
func (idx *Index) IVF() *ivf.IVF                  { return idx.ivf }
func (idx *Index) Len() int                       { return idx.ivf.Len() }

// SetReader replaces the raw vector reader, e.g. with a throttled one.
func (idx *Index) SetReader(r storage.VectorReader) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.reader = r
	idx.exec = query.NewExecutor(query.NewIVFSource(idx.column, idx.ivf, idx.transform), r)
	if idx.workers > 0 {
		idx.exec.SetWorkers(idx.workers)
	}
}

func (idx *Index) executor() *query.Executor {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.exec
}

// Search runs q and returns up to q.K neighbors.
func (idx *Index) Search(ctx context.Context, q query.Query) ([]core.Neighbor, error) {
	return idx.executor().Search(ctx, q)
}

// Explain runs q and also returns its execution trace.
func (idx *Index) Explain(ctx context.Context, q query.Query) ([]core.Neighbor, *query.Trace, error) {
	return idx.executor().Explain(ctx, q)
}

// Insert encodes rows with the existing centroids and codebooks and appends
// them to their partitions. Row ids already indexed are rejected.
func (idx *Index) Insert(ctx context.Context, rows []core.Row) error {
	prepared := make([]core.Row, len(rows))
	for i, r := range rows {
		if err := core.CheckDimension(r.Vector, idx.dim, fmt.Sprintf("row %d", r.ID)); err != nil {
			return err
		}
		prepared[i] = core.Row{ID: r.ID, Vector: idx.transform.Apply(r.Vector)}
	}
	if err := idx.ivf.Add(ctx, prepared, nil); err != nil {
		return err
	}
	idx.mu.Lock()
	idx.version = uuid.NewString()
	idx.mu.Unlock()
	log.Debug().Int("rows", len(rows)).Str("column", idx.column).Msg("rows inserted")
	return nil
}

// Verify re-reads every indexed row and checks that it sits in the partition
// its vector is assigned to and that partitions are disjoint.
func (idx *Index) Verify(ctx context.Context) error {
	idx.mu.RLock()
	reader := idx.reader
	idx.mu.RUnlock()
	if reader == nil {
		return idx.ivf.Verify(nil)
	}
	return idx.ivf.Verify(func(rowID uint64) ([]float32, error) {
		vecs, err := reader.ReadVectors(ctx, idx.column, []uint64{rowID})
		if err != nil {
			return nil, err
		}
		return idx.transform.Apply(vecs[0]), nil
	})
}

// Stats summarizes the index.
func (idx *Index) Stats() core.IndexStats {
	q := idx.ivf.Quantizer()
	return core.IndexStats{
		Count:      idx.ivf.Len(),
		Dimension:  idx.dim,
		Partitions: idx.ivf.NumPartitions(),
		Distance:   idx.Metric().String(),
		Quantizer:  q.Kind().String(),
		CodeBytes:  q.CodeSize(),
		Graph:      idx.ivf.GraphConfig() != nil,
	}
}
