// Package graphbuild assembles a knowledge graph from a chunked corpus in
// four stages: backbone extraction over the whole corpus, enrichment over
// big chunks, drilldown on the highest-value concepts, and an LLM-driven
// cleanup of disconnected fragments.
package graphbuild

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/calegria/diagraph/chunker"
	"github.com/calegria/diagraph/embed"
	"github.com/calegria/diagraph/kgraph"
	"github.com/calegria/diagraph/llm"
	"github.com/calegria/diagraph/vecindex"
)

// GlobalSummaryChunk is the sentinel chunk id attached to backbone evidence,
// which retrieval skips when voting for real chunks.
const GlobalSummaryChunk = "global_summary"

// Importance boosts per stage. Backbone and enrichment evidence counts
// heavily; drilldown detail accumulates slowly.
const (
	backboneBoost  = 5.0
	enrichBoost    = 5.0
	drilldownBoost = 1.0
)

// maxOptimizeOps caps the operations applied per cleanup round.
const maxOptimizeOps = 20

// ChunkIndex is the read side of the small-chunk vector index.
type ChunkIndex interface {
	Query(ctx context.Context, vec []float32, opts vecindex.QueryOptions) ([]vecindex.Result, error)
}

// NodeIndex is the write side of the node-label vector index.
type NodeIndex interface {
	Upsert(ctx context.Context, id string, vec []float32, payload string, meta map[string]string) error
}

// Config tunes the builder.
type Config struct {
	// Concurrency bounds parallel extraction calls. Defaults to 8.
	Concurrency int

	// FocusTopK is how many top concepts get a drilldown pass. Defaults to 10.
	FocusTopK int

	// OptimizeIterations caps cleanup rounds. Defaults to 3.
	OptimizeIterations int

	// CallTimeout bounds one LLM call. Defaults to 120s.
	CallTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.FocusTopK <= 0 {
		c.FocusTopK = 10
	}
	if c.OptimizeIterations <= 0 {
		c.OptimizeIterations = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 120 * time.Second
	}
}

// Builder runs the staged build.
type Builder struct {
	chat llm.Client // per-chunk extraction
	long llm.Client // whole-corpus backbone analysis
	emb  *embed.Embedder
	cfg  Config
}

// New returns a Builder. long may equal chat when no long-context endpoint
// is configured.
func New(chat, long llm.Client, emb *embed.Embedder, cfg Config) *Builder {
	cfg.setDefaults()
	if long == nil {
		long = chat
	}
	return &Builder{chat: chat, long: long, emb: emb, cfg: cfg}
}

// extraction is the JSON shape every extraction prompt asks for.
type extraction struct {
	Nodes []struct {
		ID          string `json:"id"`
		Description string `json:"description"`
	} `json:"nodes"`
	Edges []struct {
		Source      string  `json:"source"`
		Target      string  `json:"target"`
		Description string  `json:"description"`
		Weight      float64 `json:"weight"`
	} `json:"edges"`
}

// Build runs all four stages against g. Failed extraction calls are logged
// and skipped; the build only fails when the backbone itself cannot be
// extracted.
func (b *Builder) Build(ctx context.Context, g *kgraph.Graph, corpus string, big []chunker.Chunk, smallIdx ChunkIndex, nodeIdx NodeIndex) error {
	start := time.Now()

	if err := b.buildBackbone(ctx, g, corpus); err != nil {
		return fmt.Errorf("graphbuild: backbone stage: %w", err)
	}
	slog.Info("graphbuild: backbone built", "nodes", g.Len(), "edges", g.EdgeCount())

	b.enrich(ctx, g, big)
	slog.Info("graphbuild: enrichment done", "nodes", g.Len(), "edges", g.EdgeCount())

	b.drilldown(ctx, g, smallIdx)
	slog.Info("graphbuild: drilldown done", "nodes", g.Len(), "edges", g.EdgeCount())

	b.Optimize(ctx, g)

	if err := b.IndexNodes(ctx, g, nodeIdx); err != nil {
		return fmt.Errorf("graphbuild: indexing node labels: %w", err)
	}

	slog.Info("graphbuild: build complete",
		"nodes", g.Len(),
		"edges", g.EdgeCount(),
		"elapsed", time.Since(start),
	)
	return nil
}

// --- stage 1: backbone ---

func (b *Builder) buildBackbone(ctx context.Context, g *kgraph.Graph, corpus string) error {
	if strings.TrimSpace(corpus) == "" {
		return fmt.Errorf("empty corpus")
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	resp, err := b.long.Chat(callCtx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(backbonePrompt, corpus)},
	}, "", true)
	if err != nil {
		return err
	}

	var ex extraction
	if err := llm.DecodeLoose(resp, &ex); err != nil {
		return fmt.Errorf("unparseable backbone extraction: %w", err)
	}
	applyExtraction(g, ex, kgraph.Backbone, GlobalSummaryChunk, backboneBoost)
	return nil
}

// --- stage 2: enrichment over big chunks ---

func (b *Builder) enrich(ctx context.Context, g *kgraph.Graph, big []chunker.Chunk) {
	anchors := strings.Join(g.NodeIDs(), ", ")

	sem := make(chan struct{}, b.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, ch := range big {
		wg.Add(1)
		sem <- struct{}{}
		go func(ch chunker.Chunk) {
			defer wg.Done()
			defer func() { <-sem }()
			b.extractInto(ctx, g, fmt.Sprintf(enrichPrompt, anchors, ch.Text),
				kgraph.Intermediate, ch.Key(), enrichBoost)
		}(ch)
	}
	wg.Wait()
}

// extractInto runs one extraction call and merges the result. Failures are
// logged and swallowed so one bad chunk never sinks the build.
func (b *Builder) extractInto(ctx context.Context, g *kgraph.Graph, prompt string, typ kgraph.NodeType, chunkID string, boost float64) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	resp, err := b.chat.Chat(callCtx, []llm.Message{{Role: "user", Content: prompt}}, "", true)
	if err != nil {
		slog.Warn("graphbuild: extraction call failed", "chunk", chunkID, "error", err)
		return
	}
	var ex extraction
	if err := llm.DecodeLoose(resp, &ex); err != nil {
		slog.Warn("graphbuild: unparseable extraction", "chunk", chunkID, "error", err)
		return
	}
	applyExtraction(g, ex, typ, chunkID, boost)
}

func applyExtraction(g *kgraph.Graph, ex extraction, typ kgraph.NodeType, chunkID string, boost float64) {
	for _, n := range ex.Nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			continue
		}
		g.UpsertNode(id, strings.TrimSpace(n.Description), typ, chunkID, boost)
	}
	for _, e := range ex.Edges {
		src, dst := strings.TrimSpace(e.Source), strings.TrimSpace(e.Target)
		if src == "" || dst == "" {
			continue
		}
		w := e.Weight
		if w <= 0 {
			w = 1.0
		}
		g.UpsertEdge(src, dst, strings.TrimSpace(e.Description), w, chunkID)
	}
}

// --- stage 3: drilldown on focus concepts ---

// focusNodes ranks nodes by importance, breaking ties by degree, and
// returns the top k.
func focusNodes(g *kgraph.Graph, k int) []kgraph.Node {
	var nodes []kgraph.Node
	for _, id := range g.NodeIDs() {
		if n, ok := g.Node(id); ok {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Importance != nodes[j].Importance {
			return nodes[i].Importance > nodes[j].Importance
		}
		di, dj := g.Degree(nodes[i].ID), g.Degree(nodes[j].ID)
		if di != dj {
			return di > dj
		}
		return nodes[i].ID < nodes[j].ID
	})
	if len(nodes) > k {
		nodes = nodes[:k]
	}
	return nodes
}

func (b *Builder) drilldown(ctx context.Context, g *kgraph.Graph, smallIdx ChunkIndex) {
	if smallIdx == nil {
		return
	}
	focus := focusNodes(g, b.cfg.FocusTopK)
	anchors := strings.Join(g.NodeIDs(), ", ")

	// Chunks already consumed by any focus node are skipped by the rest,
	// so overlapping neighborhoods do not extract the same text twice.
	var visited sync.Map

	sem := make(chan struct{}, b.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, node := range focus {
		wg.Add(1)
		sem <- struct{}{}
		go func(node kgraph.Node) {
			defer wg.Done()
			defer func() { <-sem }()
			b.drilldownOne(ctx, g, smallIdx, node, anchors, &visited)
		}(node)
	}
	wg.Wait()
}

func (b *Builder) drilldownOne(ctx context.Context, g *kgraph.Graph, smallIdx ChunkIndex, node kgraph.Node, anchors string, visited *sync.Map) {
	query := node.ID
	if node.Description != "" {
		query = node.ID + ": " + node.Description
	}
	vec, err := b.emb.EncodeOne(ctx, query)
	if err != nil {
		slog.Warn("graphbuild: drilldown embed failed", "node", node.ID, "error", err)
		return
	}

	hits, err := smallIdx.Query(ctx, vec, vecindex.QueryOptions{K: 50})
	if err != nil {
		slog.Warn("graphbuild: drilldown search failed", "node", node.ID, "error", err)
		return
	}

	// One extraction per unvisited chunk, so every derived node and edge
	// points back at the exact chunk it came from.
	for _, h := range hits {
		if _, loaded := visited.LoadOrStore(h.ID, true); loaded {
			continue
		}
		b.extractInto(ctx, g,
			fmt.Sprintf(drilldownPrompt, node.ID, anchors, h.Payload),
			kgraph.Derived, h.ID, drilldownBoost)
	}
}

// --- stage 4: optimization ---

type optimizeOps struct {
	Operations []struct {
		Op          string `json:"op"`
		Node        string `json:"node"`
		Source      string `json:"source"`
		Target      string `json:"target"`
		Description string `json:"description"`
	} `json:"operations"`
}

// Optimize runs cleanup rounds until the graph reaches a fixed point or the
// iteration cap. It never touches the largest connected component except to
// attach fragments onto it.
func (b *Builder) Optimize(ctx context.Context, g *kgraph.Graph) {
	for iter := 0; iter < b.cfg.OptimizeIterations; iter++ {
		comps := g.Components()
		if len(comps) <= 1 {
			break
		}
		backbone := make(map[string]bool, len(comps[0]))
		for _, id := range comps[0] {
			backbone[id] = true
		}

		prompt := fmt.Sprintf(optimizePrompt,
			backboneSummary(g, backbone),
			fragmentSummary(g, comps[1:]),
			maxOptimizeOps)

		callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
		resp, err := b.chat.Chat(callCtx, []llm.Message{{Role: "user", Content: prompt}}, "", true)
		cancel()
		if err != nil {
			slog.Warn("graphbuild: optimize call failed", "iteration", iter, "error", err)
			return
		}

		var ops optimizeOps
		if err := llm.DecodeLoose(resp, &ops); err != nil {
			slog.Warn("graphbuild: unparseable optimize response", "iteration", iter, "error", err)
			return
		}

		deleted, merged, connected := b.applyOps(g, ops, backbone)
		slog.Info("graphbuild: optimize round applied",
			"iteration", iter,
			"deleted", deleted,
			"merged", merged,
			"connected", connected,
		)
		if deleted+merged+connected == 0 {
			break
		}
	}

	// Whatever is still floating after the rounds is noise.
	if iso := g.Isolates(); len(iso) > 0 {
		g.RemoveNodes(iso...)
		slog.Info("graphbuild: removed residual isolates", "count", len(iso))
	}
}

func (b *Builder) applyOps(g *kgraph.Graph, ops optimizeOps, backbone map[string]bool) (deleted, merged, connected int) {
	applied := 0
	for _, op := range ops.Operations {
		if applied >= maxOptimizeOps {
			break
		}
		switch strings.ToUpper(op.Op) {
		case "DELETE":
			if op.Node == "" || backbone[op.Node] {
				continue
			}
			g.RemoveNodes(op.Node)
			deleted++
		case "MERGE":
			if op.Source == "" || op.Target == "" || backbone[op.Source] {
				continue
			}
			if err := g.MergeNode(op.Source, op.Target); err != nil {
				slog.Warn("graphbuild: merge op skipped", "source", op.Source, "target", op.Target, "error", err)
				continue
			}
			merged++
		case "CONNECT":
			if op.Source == "" || op.Target == "" {
				continue
			}
			if _, ok := g.Node(op.Source); !ok {
				continue
			}
			if _, ok := g.Node(op.Target); !ok {
				continue
			}
			g.UpsertEdge(op.Source, op.Target, op.Description, 2.0, "")
			connected++
		}
		applied++
	}
	return deleted, merged, connected
}

// backboneSummary renders the top backbone edges, ranked by the combined
// importance of their endpoints.
func backboneSummary(g *kgraph.Graph, backbone map[string]bool) string {
	var edges []kgraph.Edge
	for _, e := range g.Edges() {
		if backbone[e.Src] && backbone[e.Dst] {
			edges = append(edges, e)
		}
	}
	weight := func(e kgraph.Edge) float64 {
		var w float64
		if n, ok := g.Node(e.Src); ok {
			w += n.Importance
		}
		if n, ok := g.Node(e.Dst); ok {
			w += n.Importance
		}
		return w
	}
	sort.Slice(edges, func(i, j int) bool { return weight(edges[i]) > weight(edges[j]) })
	if len(edges) > 100 {
		edges = edges[:100]
	}

	var sb strings.Builder
	for _, e := range edges {
		fmt.Fprintf(&sb, "%s -> %s (%s)\n", e.Src, e.Dst, e.Description)
	}
	return sb.String()
}

func fragmentSummary(g *kgraph.Graph, fragments [][]string) string {
	var sb strings.Builder
	for i, comp := range fragments {
		fmt.Fprintf(&sb, "Fragment %d: %s\n", i+1, strings.Join(comp, ", "))
		inComp := make(map[string]bool, len(comp))
		for _, id := range comp {
			inComp[id] = true
		}
		for _, e := range g.Edges() {
			if inComp[e.Src] && inComp[e.Dst] {
				fmt.Fprintf(&sb, "  %s -> %s (%s)\n", e.Src, e.Dst, e.Description)
			}
		}
	}
	return sb.String()
}

// --- stage 5: node label index ---

// IndexNodes writes every node's label embedding into the node index so
// retrieval can resolve query text to graph concepts.
func (b *Builder) IndexNodes(ctx context.Context, g *kgraph.Graph, nodeIdx NodeIndex) error {
	if nodeIdx == nil {
		return nil
	}
	ids := g.NodeIDs()
	texts := make([]string, len(ids))
	for i, id := range ids {
		n, _ := g.Node(id)
		texts[i] = id
		if n.Description != "" {
			texts[i] = id + ": " + n.Description
		}
	}

	vecs, err := b.emb.Encode(ctx, texts)
	if err != nil {
		return err
	}
	for i, id := range ids {
		n, _ := g.Node(id)
		if err := nodeIdx.Upsert(ctx, id, vecs[i], n.Description, nil); err != nil {
			return err
		}
	}
	return nil
}
