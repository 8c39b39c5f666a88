// Package hnsw implements the multi-layer proximity graph of SPEC_FULL
// §4.E, grounded on the teacher's pkg/index/hnsw.go (layer assignment,
// greedy descent, layered beam search) but restructured per §9's design
// note: a NodeId-indexed arena instead of map[string]*Node, a diversity
// heuristic neighbor selector instead of plain top-M-by-distance, soft
// tombstone deletion with highest-layer entry-point promotion, and
// ascending-id tie-breaks for determinism.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/liliang-cn/vectrix/pkg/kernel"
	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// NodeId is an arena-internal handle, independent of the caller's record id.
type NodeId uint32

// Config tunes graph construction and search.
type Config struct {
	M              int // max bidirectional links per node above layer 0
	EfConstruction int
	MaxLayer       int
	Seed           int64
}

// DefaultConfig matches §4.E's stated typical values.
func DefaultConfig() Config {
	return Config{M: 16, EfConstruction: 200, MaxLayer: 5}
}

type node struct {
	id        NodeId
	recordID  string
	vector    []float32
	layer     int
	neighbors [][]NodeId // per layer
	deleted   bool
}

// Index is a single namespace's HNSW graph.
type Index struct {
	mu         sync.RWMutex
	cfg        Config
	metric     kernel.Kernel
	mL         float64
	rng        *rand.Rand
	arena      []*node
	byRecordID map[string]NodeId
	entryPoint NodeId
	hasEntry   bool
}

// New constructs an empty index for the given metric.
func New(cfg Config, metric kernel.Kernel) *Index {
	if cfg.M <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.MaxLayer <= 0 {
		cfg.MaxLayer = 5
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	return &Index{
		cfg:        cfg,
		metric:     metric,
		mL:         1 / math.Log(float64(cfg.M)),
		rng:        rand.New(rand.NewSource(seed)),
		byRecordID: make(map[string]NodeId),
	}
}

// Len returns the number of live (non-tombstoned) nodes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, nd := range ix.arena {
		if !nd.deleted {
			n++
		}
	}
	return n
}

func (ix *Index) sampleLayer() int {
	layer := int(math.Floor(-math.Log(ix.rng.Float64()) * ix.mL))
	if layer > ix.cfg.MaxLayer {
		layer = ix.cfg.MaxLayer
	}
	return layer
}

func (ix *Index) distance(a, b []float32) float32 {
	d, err := ix.metric.Distance(a, b)
	if err != nil {
		return float32(math.Inf(1))
	}
	return d
}

func (ix *Index) maxNeighbors(layer int) int {
	if layer == 0 {
		return ix.cfg.M * 2
	}
	return ix.cfg.M
}

// Insert adds (id, vector) to the graph. id must not already exist.
func (ix *Index) Insert(id string, vector []float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.byRecordID[id]; exists {
		return verrors.New("hnsw.Insert", verrors.CodeInvalidFormat, "node for id %q already exists", id)
	}

	layer := ix.sampleLayer()
	nd := &node{
		id:        NodeId(len(ix.arena)),
		recordID:  id,
		vector:    vector,
		layer:     layer,
		neighbors: make([][]NodeId, layer+1),
	}
	ix.arena = append(ix.arena, nd)
	ix.byRecordID[id] = nd.id

	if !ix.hasEntry {
		ix.entryPoint = nd.id
		ix.hasEntry = true
		return nil
	}

	entry := ix.arena[ix.entryPoint]
	current := []NodeId{ix.entryPoint}
	for lc := entry.layer; lc > layer; lc-- {
		current = ix.searchLayer(vector, current, 1, lc)
	}

	for lc := min(layer, entry.layer); lc >= 0; lc-- {
		candidates := ix.searchLayer(vector, current, ix.cfg.EfConstruction, lc)
		selected := ix.selectHeuristic(vector, candidates, ix.maxNeighbors(lc))
		nd.neighbors[lc] = selected

		for _, nb := range selected {
			ix.addEdge(nb, nd.id, lc)
			ix.pruneIfOverfull(nb, lc)
		}
		current = selected
	}

	if layer > entry.layer {
		ix.entryPoint = nd.id
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (ix *Index) addEdge(from, to NodeId, layer int) {
	fn := ix.arena[from]
	if layer >= len(fn.neighbors) {
		return
	}
	for _, existing := range fn.neighbors[layer] {
		if existing == to {
			return
		}
	}
	fn.neighbors[layer] = append(fn.neighbors[layer], to)
}

func (ix *Index) pruneIfOverfull(id NodeId, layer int) {
	nd := ix.arena[id]
	if layer >= len(nd.neighbors) {
		return
	}
	cap := ix.maxNeighbors(layer)
	if len(nd.neighbors[layer]) <= cap {
		return
	}
	nd.neighbors[layer] = ix.selectHeuristic(nd.vector, nd.neighbors[layer], cap)
}

// selectHeuristic implements §4.E's diversity selector: iterate candidates
// ascending by distance to query, admit a candidate only if it is closer
// to query than to every already-admitted neighbor.
func (ix *Index) selectHeuristic(query []float32, candidates []NodeId, m int) []NodeId {
	type scored struct {
		id   NodeId
		dist float32
	}
	scoredCandidates := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		scoredCandidates = append(scoredCandidates, scored{c, ix.distance(query, ix.arena[c].vector)})
	}
	sort.Slice(scoredCandidates, func(i, j int) bool {
		if scoredCandidates[i].dist != scoredCandidates[j].dist {
			return scoredCandidates[i].dist < scoredCandidates[j].dist
		}
		return ix.arena[scoredCandidates[i].id].recordID < ix.arena[scoredCandidates[j].id].recordID
	})

	selected := make([]NodeId, 0, m)
	for _, c := range scoredCandidates {
		if len(selected) >= m {
			break
		}
		admit := true
		for _, s := range selected {
			if ix.distance(ix.arena[c.id].vector, ix.arena[s].vector) < c.dist {
				admit = false
				break
			}
		}
		if admit {
			selected = append(selected, c.id)
		}
	}
	// Diversity admission can under-fill; top off with the closest remaining
	// candidates so capacity isn't wasted.
	if len(selected) < m {
		chosen := make(map[NodeId]bool, len(selected))
		for _, s := range selected {
			chosen[s] = true
		}
		for _, c := range scoredCandidates {
			if len(selected) >= m {
				break
			}
			if !chosen[c.id] {
				selected = append(selected, c.id)
				chosen[c.id] = true
			}
		}
	}
	return selected
}

type candidate struct {
	id   NodeId
	dist float32
}

type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type maxHeap struct{ minHeap }

func (h maxHeap) Less(i, j int) bool { return h.minHeap[i].dist > h.minHeap[j].dist }

// searchLayer runs the best-first beam search of §4.E at one layer, seeded
// from entryPoints, returning up to ef ids sorted ascending by distance
// (tombstoned nodes are skipped — they no longer have live incoming edges
// once rebuilt, but may still appear transiently before a rebuild).
func (ix *Index) searchLayer(query []float32, entryPoints []NodeId, ef int, layer int) []NodeId {
	visited := make(map[NodeId]bool)
	candidates := &minHeap{}
	results := &maxHeap{}

	for _, ep := range entryPoints {
		if ix.arena[ep].deleted {
			continue
		}
		d := ix.distance(query, ix.arena[ep].vector)
		heap.Push(candidates, candidate{ep, d})
		heap.Push(results, candidate{ep, d})
		visited[ep] = true
	}

	for candidates.Len() > 0 {
		cur := heap.Pop(candidates).(candidate)
		if results.Len() >= ef && cur.dist > results.minHeap[0].dist {
			break
		}
		curNode := ix.arena[cur.id]
		if layer >= len(curNode.neighbors) {
			continue
		}
		for _, nb := range curNode.neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nbNode := ix.arena[nb]
			if nbNode.deleted {
				continue
			}
			d := ix.distance(query, nbNode.vector)
			if results.Len() < ef || d < results.minHeap[0].dist {
				heap.Push(candidates, candidate{nb, d})
				heap.Push(results, candidate{nb, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]NodeId, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate).id
	}
	return out
}

// Result is one hit from Search.
type Result struct {
	ID       string
	Distance float32
}

// Search runs the full §4.E search: greedy descent to layer 1 with beam
// width 1, then a best-first layer-0 search with beam width efSearch,
// returning the top-k sorted ascending by distance with ascending-id tiebreak.
func (ix *Index) Search(query []float32, k, efSearch int) ([]Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if !ix.hasEntry {
		return nil, verrors.ErrIndexEmpty
	}
	if efSearch < k {
		efSearch = k
	}

	entry := ix.arena[ix.entryPoint]
	current := []NodeId{ix.entryPoint}
	for layer := entry.layer; layer > 0; layer-- {
		current = ix.searchLayer(query, current, 1, layer)
		if len(current) == 0 {
			current = []NodeId{ix.entryPoint}
		}
	}

	candidates := ix.searchLayer(query, current, efSearch, 0)

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		nd := ix.arena[c]
		if nd.deleted {
			continue
		}
		results = append(results, Result{ID: nd.recordID, Distance: ix.distance(query, nd.vector)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete soft-deletes id: it is tombstoned and its outgoing/incoming edges
// are dropped immediately; physical compaction happens on rebuild.
func (ix *Index) Delete(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	nodeID, ok := ix.byRecordID[id]
	if !ok {
		return verrors.ErrNodeNotFound
	}
	nd := ix.arena[nodeID]
	nd.deleted = true
	delete(ix.byRecordID, id)

	for _, other := range ix.arena {
		for layer := range other.neighbors {
			kept := other.neighbors[layer][:0]
			for _, x := range other.neighbors[layer] {
				if x != nodeID {
					kept = append(kept, x)
				}
			}
			other.neighbors[layer] = kept
		}
	}
	nd.neighbors = nil

	if ix.entryPoint == nodeID {
		ix.promoteEntryPoint()
	}
	return nil
}

func (ix *Index) promoteEntryPoint() {
	best := NodeId(0)
	bestLayer := -1
	found := false
	for _, nd := range ix.arena {
		if nd.deleted {
			continue
		}
		if nd.layer > bestLayer {
			bestLayer = nd.layer
			best = nd.id
			found = true
		}
	}
	ix.hasEntry = found
	if found {
		ix.entryPoint = best
	}
}

// Stats summarizes the graph for §4.H's get_index_stats.
type Stats struct {
	TotalNodes   int
	ActiveNodes  int
	DeletedNodes int
	TotalEdges   int
	MaxLayer     int
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var s Stats
	s.TotalNodes = len(ix.arena)
	for _, nd := range ix.arena {
		if nd.deleted {
			s.DeletedNodes++
			continue
		}
		s.ActiveNodes++
		if nd.layer > s.MaxLayer {
			s.MaxLayer = nd.layer
		}
		for _, layerNeighbors := range nd.neighbors {
			s.TotalEdges += len(layerNeighbors)
		}
	}
	return s
}
