package query

import (
	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/ivf"
	"github.com/patrikhermansson/colann/transform"
)

// Source is the read side of an index as seen by the executor. It must not
// change while a query runs against it.
type Source interface {
	Column() string
	Metric() core.Metric
	Dim() int
	NumPartitions() int
	Len() int
	// PrepareQuery maps a raw key into the space partitions are searched in.
	PrepareQuery(key []float32) []float32
	// SelectPartitions returns the nprobes partitions nearest to a prepared query.
	SelectPartitions(query []float32, nprobes int) ([]int, error)
	// SearchPartition returns up to k candidates from partition id by asymmetric distance.
	SearchPartition(id int, query []float32, k, ef int) ([]core.Neighbor, error)
	// PartitionRows lists the row ids stored in partition id.
	PartitionRows(id int) []uint64
}

// IVFSource adapts an IVF and its transform to Source.
type IVFSource struct {
	column    string
	ivf       *ivf.IVF
	transform transform.Transform
}

// NewIVFSource exposes x as column. A nil t means the identity transform.
func NewIVFSource(column string, x *ivf.IVF, t transform.Transform) *IVFSource {
	if t == nil {
		t = transform.Identity{D: x.Partitioner().Dim()}
	}
	return &IVFSource{column: column, ivf: x, transform: t}
}

func (s *IVFSource) Column() string      { return s.column }
func (s *IVFSource) Metric() core.Metric { return s.ivf.Partitioner().Metric() }
func (s *IVFSource) Dim() int            { return s.ivf.Partitioner().Dim() }
func (s *IVFSource) NumPartitions() int  { return s.ivf.NumPartitions() }
func (s *IVFSource) Len() int            { return s.ivf.Len() }

func (s *IVFSource) PrepareQuery(key []float32) []float32 {
	return s.transform.Apply(key)
}

func (s *IVFSource) SelectPartitions(query []float32, nprobes int) ([]int, error) {
	matches, err := s.ivf.Partitioner().Nearest(query, nprobes)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(matches))
	for i, m := range matches {
		ids[i] = m.Cluster
	}
	return ids, nil
}

func (s *IVFSource) SearchPartition(id int, query []float32, k, ef int) ([]core.Neighbor, error) {
	return s.ivf.Partition(id).Search(query, k, ef)
}

func (s *IVFSource) PartitionRows(id int) []uint64 {
	return s.ivf.Partition(id).RowIDs()
}

var _ Source = (*IVFSource)(nil)
