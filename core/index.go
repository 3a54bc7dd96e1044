package core

import (
	"cmp"
	"slices"
)

// Row is one stored vector addressed by its row id in the table column.
type Row struct {
	ID     uint64
	Vector []float32
}

// Neighbor holds a row id and its distance to the query.
type Neighbor struct {
	RowID    uint64
	Distance float32
}

// CompareNeighbors orders by distance (better first under m), then by row id ascending.
func CompareNeighbors(m Metric, a, b Neighbor) int {
	if a.Distance != b.Distance {
		if Better(m, a.Distance, b.Distance) {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.RowID, b.RowID)
}

// SortNeighbors sorts ns in place with CompareNeighbors.
func SortNeighbors(m Metric, ns []Neighbor) {
	slices.SortFunc(ns, func(a, b Neighbor) int { return CompareNeighbors(m, a, b) })
}

// SortByDistance sorts ns by ascending distance, then row id.
func SortByDistance(ns []Neighbor) {
	slices.SortFunc(ns, func(a, b Neighbor) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.RowID, b.RowID)
	})
}

// IndexStats contains metadata about an index.
type IndexStats struct {
	Count      int    // total number of indexed vectors
	Dimension  int    // dimensionality of vectors
	Partitions int    // number of IVF partitions
	Distance   string // name of the distance metric
	Quantizer  string // quantizer kind
	CodeBytes  int    // bytes per encoded vector
	Graph      bool   // whether partitions carry a graph
}
