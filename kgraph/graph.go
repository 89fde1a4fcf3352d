// Package kgraph is the in-memory knowledge graph: a directed graph of
// named concept nodes with merged multi-evidence edges, guarded by a RWMutex
// so the builder's parallel extraction workers can write concurrently.
package kgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// NodeType ranks how a node entered the graph.
type NodeType string

const (
	// Backbone nodes come from whole-document analysis and are protected
	// from being merged away.
	Backbone NodeType = "backbone"

	// Intermediate nodes come from big-chunk extraction.
	Intermediate NodeType = "intermediate"

	// Derived nodes come from small-chunk drilldown.
	Derived NodeType = "derived"

	// Inferred nodes were auto-created as edge endpoints and have no
	// extraction evidence of their own yet.
	Inferred NodeType = "inferred"
)

// Node is one concept in the graph.
type Node struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Type         NodeType `json:"type"`
	SourceChunks []string `json:"source_chunks"`
	Importance   float64  `json:"importance"`

	chunkSet map[string]struct{}
}

// Edge is a directed relation. Description accumulates evidence from every
// chunk that asserted the relation; Weight sums their strengths.
type Edge struct {
	Src           string  `json:"src"`
	Dst           string  `json:"dst"`
	Description   string  `json:"description"`
	Weight        float64 `json:"weight"`
	SourceChunkID string  `json:"source_chunk_id"`
}

// Snapshot is the serializable form of a graph.
type Snapshot struct {
	Version uint64 `json:"version"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// Graph is safe for concurrent use.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	out     map[string]map[string]*Edge
	in      map[string]map[string]*Edge
	version uint64
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		out:   make(map[string]map[string]*Edge),
		in:    make(map[string]map[string]*Edge),
	}
}

// Version returns the mutation counter. It increments on every write, so
// callers can cheaply detect staleness.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Len returns the node count.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of directed edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, m := range g.out {
		n += len(m)
	}
	return n
}

// Node returns a copy of the named node.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.copy(), true
}

// NodeIDs returns all node ids in sorted order.
func (g *Graph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpsertNode records extraction evidence for a node, creating it if needed.
// The longer description wins, importance accumulates, and the evidence
// chunk joins the node's source set. An Inferred node is promoted to the
// given type; otherwise an existing type is kept.
func (g *Graph) UpsertNode(id, description string, typ NodeType, chunkID string, importance float64) {
	if id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertNodeLocked(id, description, typ, chunkID, importance)
	g.version++
}

func (g *Graph) upsertNodeLocked(id, description string, typ NodeType, chunkID string, importance float64) {
	n, ok := g.nodes[id]
	if !ok {
		n = &Node{ID: id, Type: typ, chunkSet: make(map[string]struct{})}
		g.nodes[id] = n
	} else if n.Type == Inferred && typ != "" {
		n.Type = typ
	}
	if len(description) > len(n.Description) {
		n.Description = description
	}
	n.Importance += importance
	if chunkID != "" {
		n.chunkSet[chunkID] = struct{}{}
	}
}

// UpsertEdge records a directed relation. Missing endpoints are auto-created
// as Inferred nodes. When the edge already exists its weight accumulates and
// the new description is appended unless it is already contained in the
// existing one.
func (g *Graph) UpsertEdge(src, dst, description string, weight float64, chunkID string) {
	if src == "" || dst == "" || src == dst {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[src]; !ok {
		g.upsertNodeLocked(src, "", Inferred, chunkID, 0)
	}
	if _, ok := g.nodes[dst]; !ok {
		g.upsertNodeLocked(dst, "", Inferred, chunkID, 0)
	}
	g.upsertEdgeLocked(&Edge{Src: src, Dst: dst, Description: description, Weight: weight, SourceChunkID: chunkID})
	g.version++
}

func (g *Graph) upsertEdgeLocked(e *Edge) {
	if existing, ok := g.out[e.Src][e.Dst]; ok {
		existing.Weight += e.Weight
		existing.Description = mergeDescriptions(existing.Description, e.Description)
		if e.SourceChunkID != "" {
			existing.SourceChunkID = e.SourceChunkID
		}
		return
	}
	if g.out[e.Src] == nil {
		g.out[e.Src] = make(map[string]*Edge)
	}
	if g.in[e.Dst] == nil {
		g.in[e.Dst] = make(map[string]*Edge)
	}
	g.out[e.Src][e.Dst] = e
	g.in[e.Dst][e.Src] = e
}

func mergeDescriptions(old, add string) string {
	add = strings.TrimSpace(add)
	if add == "" {
		return old
	}
	if old == "" {
		return add
	}
	if strings.Contains(old, add) {
		return old
	}
	return old + "; " + add
}

// Edges returns copies of all edges, sorted by (src, dst) for determinism.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgesLocked()
}

func (g *Graph) edgesLocked() []Edge {
	var edges []Edge
	for _, m := range g.out {
		for _, e := range m {
			edges = append(edges, *e)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Src != edges[j].Src {
			return edges[i].Src < edges[j].Src
		}
		return edges[i].Dst < edges[j].Dst
	})
	return edges
}

// EdgesOf returns copies of the edges touching id, in both directions.
func (g *Graph) EdgesOf(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var edges []Edge
	for _, e := range g.out[id] {
		edges = append(edges, *e)
	}
	for _, e := range g.in[id] {
		edges = append(edges, *e)
	}
	return edges
}

// Neighbors returns the ids adjacent to id in either direction.
func (g *Graph) Neighbors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]struct{})
	for dst := range g.out[id] {
		seen[dst] = struct{}{}
	}
	for src := range g.in[id] {
		seen[src] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Degree returns the total in+out degree of id.
func (g *Graph) Degree(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.out[id]) + len(g.in[id])
}

// MergeNode folds source into target: edges transfer with weights summing
// on collision, chunk evidence and importance accumulate, the longer
// description survives, and source is removed. A Backbone source never
// disappears; when target is not itself backbone the roles swap so the
// backbone node absorbs the other.
func (g *Graph) MergeNode(source, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.nodes[source]
	if !ok {
		return fmt.Errorf("kgraph: merge source %q not found", source)
	}
	dst, ok := g.nodes[target]
	if !ok {
		return fmt.Errorf("kgraph: merge target %q not found", target)
	}
	if source == target {
		return nil
	}

	if src.Type == Backbone && dst.Type != Backbone {
		src, dst = dst, src
		source, target = target, source
	}

	// Transfer outgoing edges.
	for to, e := range g.out[source] {
		if to == target {
			continue // would become a self-loop
		}
		g.upsertEdgeLocked(&Edge{
			Src: target, Dst: to,
			Description: e.Description, Weight: e.Weight, SourceChunkID: e.SourceChunkID,
		})
		delete(g.in[to], source)
	}
	// Transfer incoming edges.
	for from, e := range g.in[source] {
		if from == target {
			continue
		}
		g.upsertEdgeLocked(&Edge{
			Src: from, Dst: target,
			Description: e.Description, Weight: e.Weight, SourceChunkID: e.SourceChunkID,
		})
		delete(g.out[from], source)
	}
	delete(g.out[target], source)
	delete(g.in[target], source)

	if len(src.Description) > len(dst.Description) {
		dst.Description = src.Description
	}
	dst.Importance += src.Importance
	for c := range src.chunkSet {
		dst.chunkSet[c] = struct{}{}
	}

	delete(g.out, source)
	delete(g.in, source)
	delete(g.nodes, source)
	g.version++
	return nil
}

// RemoveEdge deletes the src->dst edge if present.
func (g *Graph) RemoveEdge(src, dst string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.out[src][dst]; !ok {
		return
	}
	delete(g.out[src], dst)
	delete(g.in[dst], src)
	g.version++
}

// RemoveNodes deletes the named nodes and every edge touching them.
func (g *Graph) RemoveNodes(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if _, ok := g.nodes[id]; !ok {
			continue
		}
		for dst := range g.out[id] {
			delete(g.in[dst], id)
		}
		for src := range g.in[id] {
			delete(g.out[src], id)
		}
		delete(g.out, id)
		delete(g.in, id)
		delete(g.nodes, id)
	}
	g.version++
}

// Components returns the weakly connected components, largest first.
func (g *Graph) Components() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool, len(g.nodes))
	var comps [][]string
	for id := range g.nodes {
		if visited[id] {
			continue
		}
		var comp []string
		queue := []string{id}
		visited[id] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			comp = append(comp, cur)
			for dst := range g.out[cur] {
				if !visited[dst] {
					visited[dst] = true
					queue = append(queue, dst)
				}
			}
			for src := range g.in[cur] {
				if !visited[src] {
					visited[src] = true
					queue = append(queue, src)
				}
			}
		}
		sort.Strings(comp)
		comps = append(comps, comp)
	}
	sort.Slice(comps, func(i, j int) bool {
		if len(comps[i]) != len(comps[j]) {
			return len(comps[i]) > len(comps[j])
		}
		return comps[i][0] < comps[j][0]
	})
	return comps
}

// Isolates returns nodes with no edges in either direction.
func (g *Graph) Isolates() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for id := range g.nodes {
		if len(g.out[id]) == 0 && len(g.in[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Subgraph returns a snapshot of the given nodes and the edges running
// between them. Unknown ids are ignored.
func (g *Graph) Subgraph(ids ...string) Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	keep := make(map[string]bool, len(ids))
	snap := Snapshot{Version: g.version}
	for _, id := range ids {
		n, ok := g.nodes[id]
		if !ok || keep[id] {
			continue
		}
		keep[id] = true
		snap.Nodes = append(snap.Nodes, n.copy())
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })

	for src, dsts := range g.out {
		if !keep[src] {
			continue
		}
		for dst, e := range dsts {
			if keep[dst] {
				snap.Edges = append(snap.Edges, *e)
			}
		}
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].Src != snap.Edges[j].Src {
			return snap.Edges[i].Src < snap.Edges[j].Src
		}
		return snap.Edges[i].Dst < snap.Edges[j].Dst
	})
	return snap
}

// Snapshot returns a deep copy of the graph state.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := Snapshot{Version: g.version}
	for _, n := range g.nodes {
		snap.Nodes = append(snap.Nodes, n.copy())
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	snap.Edges = g.edgesLocked()
	return snap
}

func (n *Node) copy() Node {
	out := *n
	out.SourceChunks = make([]string, 0, len(n.chunkSet))
	for c := range n.chunkSet {
		out.SourceChunks = append(out.SourceChunks, c)
	}
	sort.Strings(out.SourceChunks)
	out.chunkSet = nil
	return out
}

// Save writes the graph as JSON to path, creating parent directories.
func (g *Graph) Save(path string) error {
	snap := g.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a graph saved by Save. A missing file yields an empty graph.
func Load(path string) (*Graph, error) {
	g := New()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return g, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("kgraph: decoding %s: %w", path, err)
	}

	for _, n := range snap.Nodes {
		node := n
		node.chunkSet = make(map[string]struct{}, len(n.SourceChunks))
		for _, c := range n.SourceChunks {
			node.chunkSet[c] = struct{}{}
		}
		node.SourceChunks = nil
		g.nodes[n.ID] = &node
	}
	for _, e := range snap.Edges {
		edge := e
		if _, ok := g.nodes[e.Src]; !ok {
			g.upsertNodeLocked(e.Src, "", Inferred, "", 0)
		}
		if _, ok := g.nodes[e.Dst]; !ok {
			g.upsertNodeLocked(e.Dst, "", Inferred, "", 0)
		}
		g.upsertEdgeLocked(&edge)
	}
	g.version = snap.Version
	return g, nil
}
