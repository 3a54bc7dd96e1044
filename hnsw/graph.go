// Package hnsw implements a hierarchical navigable small-world graph over
// dense integer node ids. Distances come from a pluggable Space so the same
// graph can index raw vectors or quantized codes.
package hnsw

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"github.com/patrikhermansson/colann/core"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// MaxLevelCap is the upper bound for a node's level.
const MaxLevelCap = 16

const lockStripes = 1024

// Config holds the graph construction and search parameters.
type Config struct {
	// M is the neighbor cap on upper layers. Layer 0 allows 2*M.
	M              int
	EfConstruction int
	// Ef is the default search breadth. Searches always use at least k.
	Ef      int
	Seed    int64
	Workers int
}

// DefaultConfig returns commonly used parameters.
func DefaultConfig() Config {
	return Config{M: 16, EfConstruction: 100, Ef: 64}
}

func (c Config) validate() error {
	if c.M < 2 {
		return fmt.Errorf("%w: graph M=%d, want at least 2", core.ErrInvalidConfig, c.M)
	}
	if c.EfConstruction < 1 {
		return fmt.Errorf("%w: ef_construction=%d", core.ErrInvalidConfig, c.EfConstruction)
	}
	return nil
}

func (c Config) maxNeighbors(level int) int {
	if level == 0 {
		return 2 * c.M
	}
	return c.M
}

// Graph is the arena: node id i owns levels[i], links[i][layer] and rowIDs[i].
type Graph struct {
	mu       sync.RWMutex // guards arena growth and the entry point
	cfg      Config
	space    Space
	levels   []int8
	links    [][][]uint32
	rowIDs   []uint64
	present  []bool
	count    int
	entry    int64
	maxLevel int

	nodeLocks [lockStripes]sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New returns an empty graph over space.
func New(space Space, cfg Config) (*Graph, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Ef <= 0 {
		cfg.Ef = cfg.EfConstruction
	}
	return &Graph{
		cfg:      cfg,
		space:    space,
		entry:    -1,
		maxLevel: -1,
		rng:      rand.New(rand.NewSource(core.ResolveSeed(cfg.Seed))),
	}, nil
}

// Config returns the graph parameters.
func (g *Graph) Config() Config { return g.cfg }

// Len returns the number of inserted nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.count
}

func (g *Graph) nodeLock(id uint32) *sync.Mutex {
	return &g.nodeLocks[id%lockStripes]
}

// randomLevel draws floor(-ln(U) / ln(M)), capped at MaxLevelCap.
func (g *Graph) randomLevel() int {
	g.rngMu.Lock()
	u := 1 - g.rng.Float64()
	g.rngMu.Unlock()
	level := int(-math.Log(u) / math.Log(float64(g.cfg.M)))
	return min(level, MaxLevelCap)
}

// neighbors copies the adjacency of id at level.
func (g *Graph) neighbors(id uint32, level int) []uint32 {
	lk := g.nodeLock(id)
	lk.Lock()
	defer lk.Unlock()
	if level >= len(g.links[id]) {
		return nil
	}
	return append([]uint32(nil), g.links[id][level]...)
}

// Insert links node id, already known to the Space, into the graph.
// vector is the node's query-side representation used to find neighbors.
func (g *Graph) Insert(id uint32, rowID uint64, vector []float32) error {
	if err := core.CheckDimension(vector, g.space.Dim(), fmt.Sprintf("graph insert row %d", rowID)); err != nil {
		return err
	}
	level := g.randomLevel()

	g.mu.Lock()
	if int(id) < len(g.present) && g.present[id] {
		g.mu.Unlock()
		return fmt.Errorf("graph node %d (row %d) already exists", id, rowID)
	}
	g.grow(int(id) + 1)
	g.levels[id] = int8(level)
	g.links[id] = make([][]uint32, level+1)
	g.rowIDs[id] = rowID
	g.present[id] = true
	g.count++
	if g.entry < 0 {
		g.entry = int64(id)
		g.maxLevel = level
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	g.mu.RLock()
	entry, maxLevel := uint32(g.entry), g.maxLevel
	err := g.link(id, level, vector, entry, maxLevel)
	g.mu.RUnlock()
	if err != nil {
		return err
	}

	if level > maxLevel {
		g.mu.Lock()
		if level > g.maxLevel {
			g.entry = int64(id)
			g.maxLevel = level
		}
		g.mu.Unlock()
	}
	return nil
}

func (g *Graph) grow(n int) {
	for len(g.levels) < n {
		g.levels = append(g.levels, 0)
		g.links = append(g.links, nil)
		g.rowIDs = append(g.rowIDs, 0)
		g.present = append(g.present, false)
	}
}

// link runs with the graph read lock held.
func (g *Graph) link(id uint32, level int, vector []float32, entry uint32, maxLevel int) error {
	dist, err := g.space.QueryDistance(vector)
	if err != nil {
		return err
	}
	cur := candidate{id: entry, dist: dist(entry)}
	for l := maxLevel; l > level; l-- {
		cur = g.greedy(dist, cur, l)
	}

	eps := []candidate{cur}
	for l := min(level, maxLevel); l >= 0; l-- {
		found := g.searchLayer(dist, eps, l, g.cfg.EfConstruction)
		selected := g.selectNeighbors(found, g.cfg.M)

		ids := make([]uint32, len(selected))
		for i, c := range selected {
			ids[i] = c.id
		}
		lk := g.nodeLock(id)
		lk.Lock()
		g.links[id][l] = ids
		lk.Unlock()

		for _, c := range selected {
			g.addEdge(c.id, id, l)
		}
		if len(found) > 0 {
			eps = found
		}
	}
	return nil
}

// addEdge appends to to from's adjacency at level, pruning with the
// diversity heuristic once the layer cap is exceeded.
func (g *Graph) addEdge(from, to uint32, level int) {
	lk := g.nodeLock(from)
	lk.Lock()
	defer lk.Unlock()
	if level >= len(g.links[from]) {
		return
	}
	adj := append(g.links[from][level], to)
	limit := g.cfg.maxNeighbors(level)
	if len(adj) <= limit {
		g.links[from][level] = adj
		return
	}

	cands := make([]candidate, 0, len(adj))
	for _, n := range adj {
		cands = append(cands, candidate{id: n, dist: g.space.NodeDistance(from, n)})
	}
	sort.Slice(cands, func(i, j int) bool { return closer(cands[i], cands[j]) })
	kept := g.selectNeighbors(cands, limit)
	pruned := make([]uint32, len(kept))
	for i, c := range kept {
		pruned[i] = c.id
	}
	g.links[from][level] = pruned
}

// selectNeighbors keeps a candidate only if no already-kept neighbor is
// closer to it than the query is, then fills up to limit with the closest
// discarded candidates. cands must be sorted closest first. Candidates with a
// NaN distance are skipped.
func (g *Graph) selectNeighbors(cands []candidate, limit int) []candidate {
	kept := make([]candidate, 0, limit)
	var discarded []candidate
	for _, c := range cands {
		if len(kept) >= limit {
			break
		}
		if math.IsNaN(float64(c.dist)) {
			log.Debug().Uint32("node", c.id).Msg("skipping candidate with NaN distance")
			continue
		}
		diverse := true
		for _, r := range kept {
			if g.space.NodeDistance(c.id, r.id) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			kept = append(kept, c)
		} else {
			discarded = append(discarded, c)
		}
	}
	for _, c := range discarded {
		if len(kept) >= limit {
			break
		}
		kept = append(kept, c)
	}
	return kept
}

// greedy walks to a local minimum on one layer.
func (g *Graph) greedy(dist func(uint32) float32, cur candidate, level int) candidate {
	for changed := true; changed; {
		changed = false
		for _, n := range g.neighbors(cur.id, level) {
			if !g.present[n] {
				continue
			}
			c := candidate{id: n, dist: dist(n)}
			if closer(c, cur) {
				cur = c
				changed = true
			}
		}
	}
	return cur
}

// searchLayer is a bounded best-first expansion from eps, returning at most
// ef candidates sorted closest first.
func (g *Graph) searchLayer(dist func(uint32) float32, eps []candidate, level, ef int) []candidate {
	hint := min(ef, len(g.levels))
	visited := make(map[uint32]struct{}, hint)
	cands := make(candidateMinHeap, 0, hint)
	results := make(candidateMaxHeap, 0, hint+1)
	for _, ep := range eps {
		if _, ok := visited[ep.id]; ok {
			continue
		}
		visited[ep.id] = struct{}{}
		heap.Push(&cands, ep)
		heap.Push(&results, ep)
		if results.Len() > ef {
			heap.Pop(&results)
		}
	}

	for cands.Len() > 0 {
		cur := heap.Pop(&cands).(candidate)
		if results.Len() >= ef && closer(results[0], cur) {
			break
		}
		for _, n := range g.neighbors(cur.id, level) {
			if _, ok := visited[n]; ok {
				continue
			}
			visited[n] = struct{}{}
			c := candidate{id: n, dist: dist(n)}
			if math.IsNaN(float64(c.dist)) {
				continue
			}
			if results.Len() < ef || closer(c, results[0]) {
				heap.Push(&cands, c)
				heap.Push(&results, c)
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&results).(candidate)
	}
	return out
}

// Search returns up to k nearest rows to query. ef below k is raised to k.
// An empty graph yields an empty result.
func (g *Graph) Search(query []float32, k, ef int) ([]core.Neighbor, error) {
	if err := core.CheckDimension(query, g.space.Dim(), "query"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = g.cfg.Ef
	}
	ef = max(ef, k)

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.entry < 0 {
		return nil, nil
	}
	k = min(k, g.count)
	ef = min(ef, g.count)
	dist, err := g.space.QueryDistance(query)
	if err != nil {
		return nil, err
	}
	entry := uint32(g.entry)
	cur := candidate{id: entry, dist: dist(entry)}
	for l := g.maxLevel; l > 0; l-- {
		cur = g.greedy(dist, cur, l)
	}
	found := g.searchLayer(dist, []candidate{cur}, 0, ef)

	out := make([]core.Neighbor, 0, min(k, len(found)))
	for _, c := range found {
		if math.IsNaN(float64(c.dist)) {
			continue
		}
		out = append(out, core.Neighbor{RowID: g.rowIDs[c.id], Distance: c.dist})
	}
	core.SortByDistance(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// BatchInsert inserts nodes concurrently with up to cfg.Workers goroutines.
// Edge lists are serialized per node, not globally.
func (g *Graph) BatchInsert(ctx context.Context, ids []uint32, rowIDs []uint64, vectors [][]float32) error {
	if len(ids) != len(rowIDs) || len(ids) != len(vectors) {
		return fmt.Errorf("%w: batch of %d ids, %d rows, %d vectors", core.ErrInvalidConfig, len(ids), len(rowIDs), len(vectors))
	}
	workers := g.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers == 1 {
		for i := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := g.Insert(ids[i], rowIDs[i], vectors[i]); err != nil {
				return err
			}
		}
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	spawned := 0
	for i := range ids {
		i := i
		if egCtx.Err() != nil {
			break
		}
		spawned++
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			return g.Insert(ids[i], rowIDs[i], vectors[i])
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if spawned < len(ids) {
		return ctx.Err()
	}
	return nil
}

// Truncate removes every node with id n or above along with the edges that
// point at them, and re-elects the entry point among the remaining nodes.
func (g *Graph) Truncate(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n = max(n, 0)
	if n >= len(g.levels) {
		return
	}
	g.levels = g.levels[:n]
	g.links = g.links[:n]
	g.rowIDs = g.rowIDs[:n]
	g.present = g.present[:n]
	g.count, g.entry, g.maxLevel = 0, -1, -1
	for id := range g.levels {
		if !g.present[id] {
			continue
		}
		g.count++
		for l, adj := range g.links[id] {
			kept := make([]uint32, 0, len(adj))
			for _, nb := range adj {
				if int(nb) < n {
					kept = append(kept, nb)
				}
			}
			g.links[id][l] = kept
		}
		if lvl := int(g.levels[id]); lvl > g.maxLevel {
			g.entry = int64(id)
			g.maxLevel = lvl
		}
	}
	log.Debug().Int("nodes", g.count).Msg("graph truncated")
}

// Stats describes the shape of a graph.
type Stats struct {
	Nodes       int
	MaxLevel    int
	LevelCounts []int     // nodes present on each level
	AvgDegree   []float64 // mean out-degree per level
	MaxDegree   []int
}

// Stats walks the arena and summarizes it.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Stats{Nodes: g.count, MaxLevel: g.maxLevel}
	if g.maxLevel < 0 {
		return s
	}
	s.LevelCounts = make([]int, g.maxLevel+1)
	s.AvgDegree = make([]float64, g.maxLevel+1)
	s.MaxDegree = make([]int, g.maxLevel+1)
	edges := make([]int, g.maxLevel+1)
	for id := range g.links {
		if !g.present[id] {
			continue
		}
		for l := range g.links[id] {
			n := len(g.neighbors(uint32(id), l))
			s.LevelCounts[l]++
			edges[l] += n
			s.MaxDegree[l] = max(s.MaxDegree[l], n)
		}
	}
	for l := range edges {
		if s.LevelCounts[l] > 0 {
			s.AvgDegree[l] = float64(edges[l]) / float64(s.LevelCounts[l])
		}
	}
	return s
}

// State is the persisted adjacency of a graph.
type State struct {
	Config   Config
	Levels   []int8
	Links    [][][]uint32
	RowIDs   []uint64
	Present  []bool
	Entry    int64
	MaxLevel int
}

// State snapshots the graph.
func (g *Graph) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	links := make([][][]uint32, len(g.links))
	for id := range g.links {
		links[id] = make([][]uint32, len(g.links[id]))
		for l := range g.links[id] {
			links[id][l] = g.neighbors(uint32(id), l)
		}
	}
	return State{
		Config:   g.cfg,
		Levels:   append([]int8(nil), g.levels...),
		Links:    links,
		RowIDs:   append([]uint64(nil), g.rowIDs...),
		Present:  append([]bool(nil), g.present...),
		Entry:    g.entry,
		MaxLevel: g.maxLevel,
	}
}

// FromState restores a graph over space.
func FromState(space Space, s State) (*Graph, error) {
	g, err := New(space, s.Config)
	if err != nil {
		return nil, err
	}
	n := len(s.Levels)
	if len(s.Links) != n || len(s.RowIDs) != n || len(s.Present) != n {
		return nil, fmt.Errorf("%w: graph state arrays disagree (%d levels, %d links, %d rows)",
			core.ErrInvalidConfig, n, len(s.Links), len(s.RowIDs))
	}
	g.levels, g.links, g.rowIDs, g.present = s.Levels, s.Links, s.RowIDs, s.Present
	g.entry, g.maxLevel = s.Entry, s.MaxLevel
	for _, p := range s.Present {
		if p {
			g.count++
		}
	}
	return g, nil
}
