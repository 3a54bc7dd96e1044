package example

import (
	"fmt"
	"strings"

	"github.com/patrikhermansson/colann/core"
)

// FormatResults renders at most maxResults neighbors on one line.
func FormatResults(results []core.Neighbor, maxResults int) string {
	var b strings.Builder
	for _, n := range results[:min(maxResults, len(results))] {
		fmt.Fprintf(&b, "id=%d (dist=%.3f) ", n.RowID, n.Distance)
	}
	return b.String()
}

// FormatGroundTruth renders at most maxResults ground-truth neighbors.
func FormatGroundTruth(neighbors []int, distances []float64, maxResults int) string {
	var b strings.Builder
	for j := 0; j < min(maxResults, len(neighbors)); j++ {
		if j < len(distances) {
			fmt.Fprintf(&b, "id=%d (dist=%.3f) ", neighbors[j], distances[j])
		} else {
			fmt.Fprintf(&b, "id=%d ", neighbors[j])
		}
	}
	return b.String()
}

// RecallAtK is the fraction of the first k ground-truth ids found among the
// first k predictions.
func RecallAtK(predicted []core.Neighbor, groundTruth []int, k int) float64 {
	if k <= 0 || len(groundTruth) == 0 {
		return 0.0
	}
	truth := groundTruth[:min(k, len(groundTruth))]
	predSet := make(map[uint64]struct{}, k)
	for _, n := range predicted[:min(k, len(predicted))] {
		predSet[n.RowID] = struct{}{}
	}
	correct := 0
	for _, id := range truth {
		if _, ok := predSet[uint64(id)]; ok {
			correct++
		}
	}
	return float64(correct) / float64(len(truth))
}
