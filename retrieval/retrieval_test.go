package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/calegria/diagraph/embed"
	"github.com/calegria/diagraph/kgraph"
	"github.com/calegria/diagraph/llm"
	"github.com/calegria/diagraph/vecindex"
)

type fakeEmbed struct{}

func (fakeEmbed) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (fakeEmbed) Chat(context.Context, []llm.Message, string, bool) (string, error) { return "", nil }
func (fakeEmbed) ChatStream(context.Context, []llm.Message, string, func(string) error) error {
	return nil
}
func (fakeEmbed) ChatWithFile(context.Context, []llm.Message, string, string, bool) (string, error) {
	return "", nil
}
func (fakeEmbed) UpdateConfig(llm.ConfigUpdate) {}

type fakeNodes struct {
	hits []vecindex.Result
	err  error
}

func (f *fakeNodes) Query(ctx context.Context, vec []float32, opts vecindex.QueryOptions) ([]vecindex.Result, error) {
	return f.hits, f.err
}

type fakeChunks struct {
	texts map[string]string
}

func (f *fakeChunks) Get(ctx context.Context, id string) (string, map[string]string, bool, error) {
	t, ok := f.texts[id]
	return t, nil, ok, nil
}

func testGraph() *kgraph.Graph {
	g := kgraph.New()
	g.UpsertNode("auth", "the auth service", kgraph.Backbone, "global_summary", 5)
	g.UpsertNode("session", "session store", kgraph.Intermediate, "doc#big_0", 5)
	g.UpsertNode("token", "signed token format", kgraph.Derived, "doc#small_3", 1)
	g.UpsertNode("billing", "billing engine", kgraph.Intermediate, "doc#big_7", 5)
	g.UpsertEdge("auth", "session", "creates a session on login", 2, "doc#big_0")
	g.UpsertEdge("session", "token", "is identified by", 1, "doc#small_3")
	g.UpsertEdge("billing", "auth", "charges authenticated users", 1, "doc#big_7")
	return g
}

func TestSearchEmptyGraph(t *testing.T) {
	r := New(embed.New(fakeEmbed{}, 2), &fakeNodes{}, nil)
	if _, err := r.Search(context.Background(), kgraph.New(), "q"); !errors.Is(err, ErrEmptyGraph) {
		t.Fatalf("err = %v, want ErrEmptyGraph", err)
	}
}

func TestSearchNoAnchors(t *testing.T) {
	r := New(embed.New(fakeEmbed{}, 2), &fakeNodes{hits: nil}, nil)
	res, err := r.Search(context.Background(), testGraph(), "unrelated")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Context != EmptyContext {
		t.Errorf("Context = %q, want empty-context marker", res.Context)
	}
	if len(res.Anchors) != 0 {
		t.Errorf("Anchors = %v, want none", res.Anchors)
	}
}

func TestSearchAssemblesSections(t *testing.T) {
	nodes := &fakeNodes{hits: []vecindex.Result{
		{ID: "auth", Payload: "the auth service", Score: 0.9},
	}}
	chunks := &fakeChunks{texts: map[string]string{
		"doc#big_0":   "login text",
		"doc#small_3": "token text",
		"doc#big_7":   "billing text",
	}}
	r := New(embed.New(fakeEmbed{}, 2), nodes, chunks)

	res, err := r.Search(context.Background(), testGraph(), "how does login work")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Anchors) != 1 || res.Anchors[0].ID != "auth" {
		t.Fatalf("Anchors = %+v", res.Anchors)
	}

	c := res.Context
	if !strings.Contains(c, "## Core Concepts") || !strings.Contains(c, "auth") {
		t.Error("missing concept section")
	}
	if !strings.Contains(c, "creates a session on login") {
		t.Error("missing 1-hop relationship evidence")
	}
	if !strings.Contains(c, "login text") {
		t.Error("missing voted source passage")
	}
	// token is two hops from auth, so its chunk must not be voted.
	if strings.Contains(c, "token text") {
		t.Error("2-hop chunk leaked into the context")
	}
	// The backbone sentinel chunk never appears.
	if strings.Contains(c, "global_summary") {
		t.Error("global summary sentinel leaked into the context")
	}
}

func TestSearchSkipsStaleIndexEntries(t *testing.T) {
	nodes := &fakeNodes{hits: []vecindex.Result{
		{ID: "deleted_node", Payload: "gone", Score: 0.9},
	}}
	r := New(embed.New(fakeEmbed{}, 2), nodes, nil)

	res, err := r.Search(context.Background(), testGraph(), "q")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Context != EmptyContext {
		t.Errorf("stale index entry produced anchors: %+v", res.Anchors)
	}
}

func TestVoteChunksPrefersAnchorsAndSmallChunks(t *testing.T) {
	g := kgraph.New()
	g.UpsertNode("a", "", kgraph.Derived, "doc#small_0", 1)
	g.UpsertNode("b", "", kgraph.Derived, "doc#big_0", 1)
	r := New(embed.New(fakeEmbed{}, 2), nil, nil)

	votes := r.voteChunks(g,
		map[string]bool{"a": true, "b": true},
		map[string]bool{"a": true})

	if len(votes) != 2 {
		t.Fatalf("got %d votes, want 2", len(votes))
	}
	// a's chunk: 1.0 base + 2.0 anchor + 1.5 small = 4.5
	// b's chunk: 1.0 base + 0.5 big = 1.5
	if votes[0].id != "doc#small_0" || votes[0].score != 4.5 {
		t.Errorf("votes[0] = %+v, want anchor small chunk at 4.5", votes[0])
	}
	if votes[1].score != 1.5 {
		t.Errorf("votes[1] = %+v, want neighbor big chunk at 1.5", votes[1])
	}
}
