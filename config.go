package diagraph

import (
	"os"
	"path/filepath"

	"github.com/calegria/diagraph/llm"
)

// Config holds all configuration for the diagraph pipeline.
type Config struct {
	// ProjectsRoot is the directory under which workspaces live.
	// Defaults to ~/.diagraph/projects (or ./projects if HOME is unknown).
	ProjectsRoot string `json:"projects_root" yaml:"projects_root"`

	// DefaultWorkspace is the workspace opened at startup.
	DefaultWorkspace string `json:"default_workspace" yaml:"default_workspace"`

	// LLM endpoints. Chat drives the router, generator, reviser, and graph
	// extraction. LongContext drives whole-document backbone analysis and
	// binary-file summarisation (a provider with a /files endpoint). Vision
	// drives image logic analysis. Embedding drives all vector indices.
	Chat        llm.Config `json:"chat" yaml:"chat"`
	LongContext llm.Config `json:"long_context" yaml:"long_context"`
	Vision      llm.Config `json:"vision" yaml:"vision"`
	Embedding   llm.Config `json:"embedding" yaml:"embedding"`

	// EmbeddingDim must match the embedding model's output dimension.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Chunking windows. Big chunks feed intermediate extraction, small
	// chunks feed retrieval and drilldown.
	BigChunkSize      int `json:"big_chunk_size" yaml:"big_chunk_size"`
	BigChunkOverlap   int `json:"big_chunk_overlap" yaml:"big_chunk_overlap"`
	SmallChunkSize    int `json:"small_chunk_size" yaml:"small_chunk_size"`
	SmallChunkOverlap int `json:"small_chunk_overlap" yaml:"small_chunk_overlap"`

	// GraphConcurrency bounds parallel LLM calls inside the graph builder.
	GraphConcurrency int `json:"graph_concurrency" yaml:"graph_concurrency"`

	// FocusTopK is how many high-importance nodes get a drilldown pass.
	FocusTopK int `json:"focus_top_k" yaml:"focus_top_k"`

	// OptimizeIterations caps backbone-fragment optimization rounds.
	OptimizeIterations int `json:"optimize_iterations" yaml:"optimize_iterations"`

	// MaxRevisions bounds the validate-revise loop.
	MaxRevisions int `json:"max_revisions" yaml:"max_revisions"`

	// ValidatorURL is the external renderer endpoint used for syntax checks.
	ValidatorURL string `json:"validator_url" yaml:"validator_url"`

	// RepoTopFiles is how many scored source files a repo analysis reads.
	RepoTopFiles int `json:"repo_top_files" yaml:"repo_top_files"`

	// PromptDir optionally overrides the built-in diagram templates.
	PromptDir string `json:"prompt_dir" yaml:"prompt_dir"`
}

// DefaultConfig returns a Config with sensible defaults for a DeepSeek-style
// chat endpoint and a DashScope-style long-context endpoint.
func DefaultConfig() Config {
	return Config{
		DefaultWorkspace: "default",
		Chat: llm.Config{
			Model:   "deepseek-chat",
			BaseURL: "https://api.deepseek.com",
		},
		LongContext: llm.Config{
			Model:   "qwen-long",
			BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		},
		Vision: llm.Config{
			Model:   "qwen-vl-max",
			BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		},
		Embedding: llm.Config{
			Model:   "text-embedding-v3",
			BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		},
		EmbeddingDim:       1024,
		BigChunkSize:       1500,
		BigChunkOverlap:    200,
		SmallChunkSize:     500,
		SmallChunkOverlap:  100,
		GraphConcurrency:   8,
		FocusTopK:          10,
		OptimizeIterations: 3,
		MaxRevisions:       3,
		ValidatorURL:       "https://kroki.io/mermaid/svg",
		RepoTopFiles:       30,
	}
}

// resolveProjectsRoot computes the workspace root directory.
func (c *Config) resolveProjectsRoot() string {
	if c.ProjectsRoot != "" {
		return c.ProjectsRoot
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "projects"
	}
	return filepath.Join(home, ".diagraph", "projects")
}
