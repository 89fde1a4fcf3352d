// Package diagraph turns document collections into knowledge graphs and
// renders diagrams from them on demand.
package diagraph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/calegria/diagraph/codegen"
	"github.com/calegria/diagraph/embed"
	"github.com/calegria/diagraph/experience"
	"github.com/calegria/diagraph/graphbuild"
	"github.com/calegria/diagraph/kgraph"
	"github.com/calegria/diagraph/llm"
	"github.com/calegria/diagraph/retrieval"
	"github.com/calegria/diagraph/revise"
	"github.com/calegria/diagraph/router"
	"github.com/calegria/diagraph/tasks"
	"github.com/calegria/diagraph/validate"
	"github.com/calegria/diagraph/vecindex"
	"github.com/calegria/diagraph/workspace"
)

// Pipeline is the engine: one instance serves all workspaces, with exactly
// one workspace active at a time.
type Pipeline struct {
	cfg Config

	ws      *workspace.Manager
	tracker *tasks.Tracker

	chat   llm.Client
	long   llm.Client
	vision llm.VisionClient
	emb    *embed.Embedder

	gen     *codegen.Generator
	checker *validate.Checker
	builder *graphbuild.Builder

	// Everything below is bound to the active workspace and swapped as a
	// unit under mu.
	mu        sync.Mutex
	current   string
	store     *vecindex.Store
	graph     *kgraph.Graph
	smallCol  *vecindex.Collection
	bigCol    *vecindex.Collection
	nodeCol   *vecindex.Collection
	router    *router.Router
	reviser   *revise.Reviser
	retriever *retrieval.Retriever
}

// New builds a Pipeline from configuration and opens the default workspace.
func New(cfg Config) (*Pipeline, error) {
	chat := llm.NewClient(cfg.Chat)
	long := llm.NewClient(cfg.LongContext)
	vision := llm.NewClient(cfg.Vision)
	embClient := llm.NewClient(cfg.Embedding)
	return newPipeline(cfg, chat, long, vision, embClient)
}

func newPipeline(cfg Config, chat, long llm.Client, vision llm.VisionClient, embClient llm.Client) (*Pipeline, error) {
	ws, err := workspace.NewManager(cfg.resolveProjectsRoot())
	if err != nil {
		return nil, err
	}

	emb := embed.New(embClient, cfg.EmbeddingDim)
	p := &Pipeline{
		cfg:     cfg,
		ws:      ws,
		tracker: tasks.NewTracker(),
		chat:    chat,
		long:    long,
		vision:  vision,
		emb:     emb,
		gen:     codegen.New(chat, cfg.PromptDir),
		checker: validate.New(cfg.ValidatorURL),
		builder: graphbuild.New(chat, long, emb, graphbuild.Config{
			Concurrency:        cfg.GraphConcurrency,
			FocusTopK:          cfg.FocusTopK,
			OptimizeIterations: cfg.OptimizeIterations,
		}),
	}

	name := cfg.DefaultWorkspace
	if name == "" {
		name = "default"
	}
	if err := p.openWorkspace(context.Background(), name); err != nil {
		return nil, err
	}
	return p, nil
}

// Close persists and releases the active workspace.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeWorkspaceLocked()
}

func (p *Pipeline) closeWorkspaceLocked() error {
	if p.store == nil {
		return nil
	}
	if err := p.saveGraphLocked(); err != nil {
		slog.Error("diagraph: saving graph on close", "workspace", p.current, "error", err)
	}
	err := p.store.Close()
	p.store = nil
	return err
}

func (p *Pipeline) saveGraphLocked() error {
	dir, err := p.ws.GraphDBDir(p.current)
	if err != nil {
		return err
	}
	return p.graph.Save(filepath.Join(dir, "graph.json"))
}

// openWorkspace binds every per-workspace resource. Caller must not hold mu.
func (p *Pipeline) openWorkspace(ctx context.Context, name string) error {
	if err := p.ws.Ensure(name); err != nil {
		return err
	}
	dir, err := p.ws.Dir(name)
	if err != nil {
		return err
	}
	graphDir, _ := p.ws.GraphDBDir(name)

	store, err := vecindex.Open(filepath.Join(graphDir, "vectors.db"), p.cfg.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("diagraph: opening vector store: %w", err)
	}

	var cols [5]*vecindex.Collection
	for i, cname := range []string{"small_chunks", "big_chunks", "node_labels", "router_memory", "mistake_memory"} {
		if cols[i], err = store.Collection(cname); err != nil {
			store.Close()
			return err
		}
	}

	graph, err := kgraph.Load(filepath.Join(graphDir, "graph.json"))
	if err != nil {
		store.Close()
		return err
	}

	routerMem, err := experience.Open(ctx, p.emb, cols[3], filepath.Join(dir, "router.json"))
	if err != nil {
		store.Close()
		return err
	}
	mistakeMem, err := experience.Open(ctx, p.emb, cols[4], filepath.Join(dir, "mistakes.json"))
	if err != nil {
		store.Close()
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store != nil {
		p.closeWorkspaceLocked()
	}
	p.current = name
	p.store = store
	p.graph = graph
	p.smallCol, p.bigCol, p.nodeCol = cols[0], cols[1], cols[2]
	p.router = router.New(p.chat, routerMem)
	p.reviser = revise.New(p.chat, mistakeMem)
	p.retriever = retrieval.New(p.emb, cols[2], cols[0])

	slog.Info("diagraph: workspace opened", "workspace", name, "nodes", graph.Len())
	return nil
}

// CurrentWorkspace returns the active workspace name.
func (p *Pipeline) CurrentWorkspace() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// ListWorkspaces returns all workspace names.
func (p *Pipeline) ListWorkspaces() ([]string, error) {
	return p.ws.List()
}

// CreateWorkspace makes a new empty workspace without switching to it.
func (p *Pipeline) CreateWorkspace(name string) error {
	return p.ws.Create(name)
}

// SwitchWorkspace saves the active workspace and binds the named one.
func (p *Pipeline) SwitchWorkspace(ctx context.Context, name string) error {
	if p.CurrentWorkspace() == name {
		return nil
	}
	if !p.ws.Exists(name) {
		return fmt.Errorf("%w: %q", ErrWorkspaceNotFound, name)
	}
	return p.openWorkspace(ctx, name)
}

// Workspaces exposes the workspace manager for file and history CRUD.
func (p *Pipeline) Workspaces() *workspace.Manager { return p.ws }

// Tasks exposes the background task tracker.
func (p *Pipeline) Tasks() *tasks.Tracker { return p.tracker }

// Graph returns the active graph.
func (p *Pipeline) Graph() *kgraph.Graph {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.graph
}

// UpdateLLMConfig hot-swaps credentials on every chat-capable client.
func (p *Pipeline) UpdateLLMConfig(u llm.ConfigUpdate) {
	p.chat.UpdateConfig(u)
}

// SaveUpload stores an uploaded file in the active workspace and registers
// it in the file ledger.
func (p *Pipeline) SaveUpload(filename string, r io.Reader) (workspace.FileRecord, error) {
	wsName := p.CurrentWorkspace()
	uploads, err := p.ws.UploadsDir(wsName)
	if err != nil {
		return workspace.FileRecord{}, err
	}

	dest := filepath.Join(uploads, filepath.Base(filename))
	f, err := os.Create(dest)
	if err != nil {
		return workspace.FileRecord{}, err
	}
	size, err := io.Copy(f, r)
	f.Close()
	if err != nil {
		os.Remove(dest)
		return workspace.FileRecord{}, err
	}

	return p.ws.AddFile(wsName, filepath.Base(filename), dest, size)
}
