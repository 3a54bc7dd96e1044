package hnsw

import (
	"sync"

	"github.com/patrikhermansson/colann/core"
)

// Space answers distance questions about the nodes stored in a graph. Node
// ids are dense and assigned by whoever owns the stored data; a Space must
// know a node before the graph links it.
type Space interface {
	Dim() int
	// QueryDistance prepares the distance from query to any stored node.
	// The returned function is used by one goroutine only.
	QueryDistance(query []float32) (func(id uint32) float32, error)
	// NodeDistance returns the distance between two stored nodes, on the same
	// scale as QueryDistance.
	NodeDistance(a, b uint32) float32
}

// VectorSpace stores raw vectors and computes exact distances.
type VectorSpace struct {
	mu      sync.RWMutex
	dim     int
	dist    core.DistanceFunc
	vectors [][]float32
}

// NewVectorSpace returns an empty space for vectors of length dim.
func NewVectorSpace(dim int, metric core.Metric) (*VectorSpace, error) {
	dist, err := core.Func(metric)
	if err != nil {
		return nil, err
	}
	return &VectorSpace{dim: dim, dist: dist}, nil
}

func (s *VectorSpace) Dim() int { return s.dim }

// Len returns the number of stored vectors.
func (s *VectorSpace) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

// Append stores v and returns its node id.
func (s *VectorSpace) Append(v []float32) (uint32, error) {
	if err := core.CheckDimension(v, s.dim, "graph vector"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors = append(s.vectors, v)
	return uint32(len(s.vectors) - 1), nil
}

func (s *VectorSpace) truncate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < len(s.vectors) {
		s.vectors = s.vectors[:n:n]
	}
}

// Vector returns the stored vector for id.
func (s *VectorSpace) Vector(id uint32) []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectors[id]
}

func (s *VectorSpace) QueryDistance(query []float32) (func(uint32) float32, error) {
	if err := core.CheckDimension(query, s.dim, "query"); err != nil {
		return nil, err
	}
	return func(id uint32) float32 {
		return s.dist(query, s.Vector(id))
	}, nil
}

func (s *VectorSpace) NodeDistance(a, b uint32) float32 {
	return s.dist(s.Vector(a), s.Vector(b))
}
