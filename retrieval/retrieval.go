// Package retrieval turns a user query into a structured context block by
// anchoring the query onto graph concepts, expanding one hop, and voting
// source chunks up by how many matched concepts cite them.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/calegria/diagraph/chunker"
	"github.com/calegria/diagraph/embed"
	"github.com/calegria/diagraph/graphbuild"
	"github.com/calegria/diagraph/kgraph"
	"github.com/calegria/diagraph/vecindex"
)

// ErrEmptyGraph is returned when the graph has no nodes to anchor on.
var ErrEmptyGraph = errors.New("retrieval: knowledge graph is empty")

// EmptyContext is the marker returned when the query matches no concept.
// Downstream prompts see it and fall back to query-only generation.
const EmptyContext = "(no graph concepts matched this query)"

const (
	anchorK         = 5
	anchorThreshold = 0.35
	maxEdgeLines    = 15
	maxChunks       = 10
	maxOtherHits    = 5

	// Chunk voting weights. Every citing concept gives the base vote,
	// anchors count extra, and small chunks beat big ones because their
	// text is denser in the matched concept.
	baseVote    = 1.0
	anchorBonus = 2.0
	smallBonus  = 1.5
	bigBonus    = 0.5
)

// NodeIndex is the KNN view of the node-label index.
type NodeIndex interface {
	Query(ctx context.Context, vec []float32, opts vecindex.QueryOptions) ([]vecindex.Result, error)
}

// ChunkIndex resolves stored chunk ids back to their text.
type ChunkIndex interface {
	Get(ctx context.Context, id string) (payload string, meta map[string]string, ok bool, err error)
}

// Anchor is a graph concept the query resolved to.
type Anchor struct {
	ID          string
	Description string
	Confidence  float64
}

// Result is the assembled retrieval context.
type Result struct {
	Context string
	Anchors []Anchor
}

// Retriever holds the pieces needed to answer queries.
type Retriever struct {
	emb    *embed.Embedder
	nodes  NodeIndex
	chunks ChunkIndex
}

// New returns a Retriever.
func New(emb *embed.Embedder, nodes NodeIndex, chunks ChunkIndex) *Retriever {
	return &Retriever{emb: emb, nodes: nodes, chunks: chunks}
}

// Search anchors the query on g and assembles the three context sections:
// concept definitions, relationship evidence, and voted source passages.
func (r *Retriever) Search(ctx context.Context, g *kgraph.Graph, query string) (*Result, error) {
	if g.Len() == 0 {
		return nil, ErrEmptyGraph
	}

	vec, err := r.emb.EncodeOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embedding query: %w", err)
	}

	hits, err := r.nodes.Query(ctx, vec, vecindex.QueryOptions{K: anchorK, Threshold: anchorThreshold})
	if err != nil {
		return nil, fmt.Errorf("retrieval: anchor search: %w", err)
	}

	var anchors []Anchor
	for _, h := range hits {
		if _, ok := g.Node(h.ID); !ok {
			continue // index entry for a node optimized away
		}
		anchors = append(anchors, Anchor{ID: h.ID, Description: h.Payload, Confidence: h.Score})
	}
	if len(anchors) == 0 {
		return &Result{Context: EmptyContext}, nil
	}

	anchorSet := make(map[string]bool, len(anchors))
	for _, a := range anchors {
		anchorSet[a.ID] = true
	}

	// One hop out in both directions.
	inScope := make(map[string]bool)
	for id := range anchorSet {
		inScope[id] = true
		for _, n := range g.Neighbors(id) {
			inScope[n] = true
		}
	}

	var sb strings.Builder

	sb.WriteString("## Core Concepts\n")
	for _, a := range anchors {
		n, _ := g.Node(a.ID)
		desc := n.Description
		if desc == "" {
			desc = a.Description
		}
		fmt.Fprintf(&sb, "- %s (relevance %.2f): %s\n", a.ID, a.Confidence, desc)
	}

	sb.WriteString("\n## Relationships\n")
	for _, line := range edgeLines(g, inScope) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	sb.WriteString("\n## Source Passages\n")
	for _, cv := range r.voteChunks(g, inScope, anchorSet) {
		fmt.Fprintf(&sb, "[%s] concepts: %s\n", cv.id, strings.Join(cv.concepts, ", "))
		if r.chunks != nil {
			if text, _, ok, err := r.chunks.Get(ctx, cv.id); err == nil && ok {
				sb.WriteString(text)
				sb.WriteByte('\n')
			}
		}
		sb.WriteByte('\n')
	}

	return &Result{Context: sb.String(), Anchors: anchors}, nil
}

// edgeLines renders the longest edge descriptions inside the scope. Longer
// descriptions accumulated more evidence, so they surface first.
func edgeLines(g *kgraph.Graph, inScope map[string]bool) []string {
	var edges []kgraph.Edge
	for _, e := range g.Edges() {
		if inScope[e.Src] && inScope[e.Dst] {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if len(edges[i].Description) != len(edges[j].Description) {
			return len(edges[i].Description) > len(edges[j].Description)
		}
		return edges[i].Weight > edges[j].Weight
	})
	if len(edges) > maxEdgeLines {
		edges = edges[:maxEdgeLines]
	}

	lines := make([]string, len(edges))
	for i, e := range edges {
		lines[i] = fmt.Sprintf("- %s -> %s: %s", e.Src, e.Dst, e.Description)
	}
	return lines
}

type chunkVote struct {
	id       string
	score    float64
	concepts []string
}

// voteChunks scores every chunk cited by an in-scope concept and returns
// the winners, best first. Anchor citations list before neighbor ones.
func (r *Retriever) voteChunks(g *kgraph.Graph, inScope, anchorSet map[string]bool) []chunkVote {
	votes := make(map[string]*chunkVote)

	for id := range inScope {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		for _, chunkID := range n.SourceChunks {
			if chunkID == graphbuild.GlobalSummaryChunk {
				continue
			}
			v := votes[chunkID]
			if v == nil {
				v = &chunkVote{id: chunkID}
				votes[chunkID] = v
			}
			score := baseVote
			if anchorSet[id] {
				score += anchorBonus
			}
			switch chunker.GranularityOf(chunkID) {
			case chunker.Small:
				score += smallBonus
			case chunker.Big:
				score += bigBonus
			}
			v.score += score
			v.concepts = append(v.concepts, id)
		}
	}

	out := make([]chunkVote, 0, len(votes))
	for _, v := range votes {
		sort.Slice(v.concepts, func(i, j int) bool {
			ai, aj := anchorSet[v.concepts[i]], anchorSet[v.concepts[j]]
			if ai != aj {
				return ai
			}
			return v.concepts[i] < v.concepts[j]
		})
		if len(v.concepts) > maxOtherHits+1 {
			v.concepts = v.concepts[:maxOtherHits+1]
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	if len(out) > maxChunks {
		out = out[:maxChunks]
	}
	return out
}
