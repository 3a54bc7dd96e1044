// Package kmeans learns centroids with Lloyd's algorithm. It trains both the
// coarse IVF centroids and the product quantizer codebooks.
package kmeans

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"github.com/patrikhermansson/colann/core"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// MinSamplesPerCluster is the smallest number of training samples per
	// requested centroid. Fewer samples fail with *core.InsufficientDataError.
	MinSamplesPerCluster = 4
	// DefaultMaxSamplesPerCluster caps the training sample at this many
	// vectors per centroid; larger inputs are subsampled uniformly.
	DefaultMaxSamplesPerCluster = 256

	DefaultMaxIters  = 50
	DefaultTolerance = 1e-4
)

// Config controls one training run.
type Config struct {
	K         int
	MaxIters  int
	Tolerance float32 // stop when no centroid moves more than this (squared L2)
	Metric    core.Metric
	// Seed drives subsampling and initialization. Zero falls back to core.GetSeed.
	Seed                 int64
	MaxSamplesPerCluster int
	Workers              int
}

// DefaultConfig returns a Config for k clusters under L2.
func DefaultConfig(k int) Config {
	return Config{
		K:                    k,
		MaxIters:             DefaultMaxIters,
		Tolerance:            DefaultTolerance,
		Metric:               core.L2,
		MaxSamplesPerCluster: DefaultMaxSamplesPerCluster,
	}
}

// Result holds the trained centroids. Centroid i is cluster id i.
type Result struct {
	Centroids  [][]float32
	Iterations int
	Inertia    float64 // sum of training distances after the last assignment
	Converged  bool
	Samples    int // samples actually used after subsampling
}

// Match is a cluster id with its distance to a vector.
type Match struct {
	Cluster  int
	Distance float32
}

// CheckSamples returns an *core.InsufficientDataError when n samples cannot
// support k clusters.
func CheckSamples(n, k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: cluster count %d", core.ErrInvalidConfig, k)
	}
	if n < MinSamplesPerCluster*k {
		return &core.InsufficientDataError{Samples: n, Required: MinSamplesPerCluster * k, Clusters: k}
	}
	return nil
}

// Train runs k-means over samples. Training is deterministic for a fixed Seed.
// Cosine trains spherical k-means: samples and centroids are unit length.
// Dot and Hamming train under L2 and are only assigned under their own metric.
func Train(ctx context.Context, samples [][]float32, cfg Config) (*Result, error) {
	if err := CheckSamples(len(samples), cfg.K); err != nil {
		return nil, err
	}
	dim := len(samples[0])
	for i, s := range samples {
		if err := core.CheckDimension(s, dim, fmt.Sprintf("sample %d", i)); err != nil {
			return nil, err
		}
	}
	if cfg.MaxIters <= 0 {
		cfg.MaxIters = DefaultMaxIters
	}
	if cfg.MaxSamplesPerCluster <= 0 {
		cfg.MaxSamplesPerCluster = DefaultMaxSamplesPerCluster
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	rng := rand.New(rand.NewSource(core.ResolveSeed(cfg.Seed)))
	data := subsample(samples, cfg.MaxSamplesPerCluster*cfg.K, rng)
	spherical := cfg.Metric == core.Cosine
	if spherical {
		normalized := make([][]float32, len(data))
		for i, v := range data {
			normalized[i] = core.Clone(v)
			core.NormalizeVector(normalized[i])
		}
		data = normalized
	}

	t := &trainer{
		data:        data,
		dim:         dim,
		k:           cfg.K,
		workers:     cfg.Workers,
		assignments: make([]int, len(data)),
		dists:       make([]float32, len(data)),
		counts:      make([]int, cfg.K),
	}
	t.centroids = t.initPlusPlus(rng)

	res := &Result{Samples: len(data)}
	for iter := 1; iter <= cfg.MaxIters; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed, err := t.assign(ctx)
		if err != nil {
			return nil, err
		}
		t.reseedEmpty()
		moved := t.update(spherical)
		res.Iterations = iter
		if moved <= cfg.Tolerance || (!changed && iter > 1) {
			res.Converged = true
			break
		}
	}
	// Final assignment so Inertia matches the returned centroids.
	if _, err := t.assign(ctx); err != nil {
		return nil, err
	}
	for _, d := range t.dists {
		res.Inertia += float64(d)
	}
	res.Centroids = t.centroids

	log.Debug().
		Int("k", cfg.K).
		Int("samples", len(data)).
		Int("iterations", res.Iterations).
		Bool("converged", res.Converged).
		Float64("inertia", res.Inertia).
		Msg("k-means trained")
	return res, nil
}

// subsample draws max samples uniformly without replacement, keeping input order.
func subsample(samples [][]float32, max int, rng *rand.Rand) [][]float32 {
	if len(samples) <= max {
		return samples
	}
	idx := rng.Perm(len(samples))[:max]
	sort.Ints(idx)
	out := make([][]float32, max)
	for i, j := range idx {
		out[i] = samples[j]
	}
	return out
}

type trainer struct {
	data        [][]float32
	dim         int
	k           int
	workers     int
	centroids   [][]float32
	assignments []int
	dists       []float32
	counts      []int
}

// initPlusPlus seeds centroids with k-means++.
func (t *trainer) initPlusPlus(rng *rand.Rand) [][]float32 {
	n := len(t.data)
	centroids := make([][]float32, 0, t.k)
	centroids = append(centroids, core.Clone(t.data[rng.Intn(n)]))

	minDist := make([]float64, n)
	for i, v := range t.data {
		minDist[i] = float64(core.SquaredEuclidean(v, centroids[0]))
	}
	for len(centroids) < t.k {
		var total float64
		for _, d := range minDist {
			total += d
		}
		next := rng.Intn(n)
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range minDist {
				target -= d
				if target <= 0 {
					next = i
					break
				}
			}
		}
		c := core.Clone(t.data[next])
		centroids = append(centroids, c)
		for i, v := range t.data {
			if d := float64(core.SquaredEuclidean(v, c)); d < minDist[i] {
				minDist[i] = d
			}
		}
	}
	return centroids
}

// assign labels every sample with its nearest centroid in parallel chunks.
// Each worker writes a disjoint range, so the result does not depend on scheduling.
func (t *trainer) assign(ctx context.Context) (bool, error) {
	n := len(t.data)
	chunk := (n + t.workers - 1) / t.workers
	changedBy := make([]bool, t.workers)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < t.workers; w++ {
		w := w
		start, end := w*chunk, min((w+1)*chunk, n)
		if start >= end {
			break
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%1024 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				best, d := nearestL2(t.data[i], t.centroids)
				if best != t.assignments[i] {
					changedBy[w] = true
				}
				t.assignments[i] = best
				t.dists[i] = d
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	for i := range t.counts {
		t.counts[i] = 0
	}
	for _, a := range t.assignments {
		t.counts[a]++
	}
	for _, c := range changedBy {
		if c {
			return true, nil
		}
	}
	return false, nil
}

// reseedEmpty moves the sample farthest from its centroid, taken from a
// cluster that keeps at least one member, into each empty cluster.
func (t *trainer) reseedEmpty() {
	for c := 0; c < t.k; c++ {
		if t.counts[c] > 0 {
			continue
		}
		worst := -1
		for i, d := range t.dists {
			if t.counts[t.assignments[i]] < 2 {
				continue
			}
			if worst < 0 || d > t.dists[worst] {
				worst = i
			}
		}
		if worst < 0 {
			continue
		}
		log.Debug().Int("cluster", c).Int("sample", worst).Msg("reseeding empty cluster")
		t.counts[t.assignments[worst]]--
		t.assignments[worst] = c
		t.counts[c] = 1
		t.dists[worst] = 0
		t.centroids[c] = core.Clone(t.data[worst])
	}
}

// update recomputes every centroid as the mean of its members and returns the
// largest squared movement.
func (t *trainer) update(spherical bool) float32 {
	sums := make([][]float64, t.k)
	for c := range sums {
		sums[c] = make([]float64, t.dim)
	}
	for i, v := range t.data {
		s := sums[t.assignments[i]]
		for j, x := range v {
			s[j] += float64(x)
		}
	}

	var moved float32
	for c := 0; c < t.k; c++ {
		if t.counts[c] == 0 {
			continue
		}
		next := make([]float32, t.dim)
		inv := 1 / float64(t.counts[c])
		for j := range next {
			next[j] = float32(sums[c][j] * inv)
		}
		if spherical {
			core.NormalizeVector(next)
		}
		if d := core.SquaredEuclidean(next, t.centroids[c]); d > moved {
			moved = d
		}
		t.centroids[c] = next
	}
	return moved
}

func nearestL2(v []float32, centroids [][]float32) (int, float32) {
	best, bestDist := 0, float32(math.Inf(1))
	for i, c := range centroids {
		if d := core.SquaredEuclidean(v, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// Assign returns the nearest centroid to v under metric. Ties go to the lowest id.
func Assign(v []float32, centroids [][]float32, metric core.Metric) (int, float32) {
	dist, err := core.Func(metric)
	if err != nil {
		panic(err)
	}
	best, bestDist := -1, core.Worst(metric)
	for i, c := range centroids {
		d := dist(v, c)
		if best < 0 || core.Better(metric, d, bestDist) {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// Nearest returns the n closest centroids to v, ordered by distance then id.
func Nearest(v []float32, centroids [][]float32, metric core.Metric, n int) []Match {
	dist, err := core.Func(metric)
	if err != nil {
		panic(err)
	}
	matches := make([]Match, len(centroids))
	for i, c := range centroids {
		matches[i] = Match{Cluster: i, Distance: dist(v, c)}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return core.Better(metric, matches[i].Distance, matches[j].Distance)
		}
		return matches[i].Cluster < matches[j].Cluster
	})
	if n < len(matches) {
		matches = matches[:n]
	}
	return matches
}
