package example

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/patrikhermansson/colann/core"
)

// GroundTruth computes the exact k nearest train rows of every test vector.
func GroundTruth(ctx context.Context, train []core.Row, test [][]float32, metric core.Metric, k int) ([][]int, [][]float64, error) {
	dist, err := core.Func(metric)
	if err != nil {
		return nil, nil, err
	}
	neighbors := make([][]int, len(test))
	distances := make([][]float64, len(test))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for qi, q := range test {
		qi := qi
		q := q
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			all := make([]core.Neighbor, 0, len(train))
			for _, r := range train {
				if err := core.CheckDimension(r.Vector, len(q), "ground truth"); err != nil {
					return err
				}
				all = append(all, core.Neighbor{RowID: r.ID, Distance: dist(q, r.Vector)})
			}
			core.SortNeighbors(metric, all)
			top := all[:min(k, len(all))]
			neighbors[qi] = make([]int, len(top))
			distances[qi] = make([]float64, len(top))
			for i, n := range top {
				neighbors[qi][i] = int(n.RowID)
				distances[qi][i] = float64(n.Distance)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return neighbors, distances, nil
}
