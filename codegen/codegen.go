// Package codegen renders diagram code from routed analysis content using
// per-diagram-type prompt templates.
package codegen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/calegria/diagraph/llm"
)

// Generator turns analysis content into diagram code.
type Generator struct {
	chat llm.Client

	// promptDir optionally overrides built-in templates with same-named
	// files on disk.
	promptDir string
}

// New returns a Generator. promptDir may be empty.
func New(chat llm.Client, promptDir string) *Generator {
	return &Generator{chat: chat, promptDir: promptDir}
}

// Template resolves the system template for a prompt file, preferring the
// prompt directory override.
func (g *Generator) Template(promptFile string) (string, error) {
	if g.promptDir != "" {
		data, err := os.ReadFile(filepath.Join(g.promptDir, promptFile))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
	tpl, ok := builtinTemplates[promptFile]
	if !ok {
		return "", fmt.Errorf("codegen: no template for %q", promptFile)
	}
	return tpl, nil
}

// richnessDirective translates the 0..1 richness dial into a node budget.
func richnessDirective(richness float64) string {
	switch {
	case richness <= 0.3:
		return "Keep the diagram minimal: at most 10 nodes, only the essential structure."
	case richness <= 0.7:
		return "Keep the diagram focused: at most 20 nodes, main structure plus key details."
	default:
		return "Render the full detail present in the analysis."
	}
}

func userPrompt(query, analysis string, richness float64) string {
	return fmt.Sprintf("%s\n\nUser request: %s\n\nContent analysis:\n%s", richnessDirective(richness), query, analysis)
}

// Generate produces diagram code for the given prompt file.
func (g *Generator) Generate(ctx context.Context, query, analysis, promptFile string, richness float64) (string, error) {
	tpl, err := g.Template(promptFile)
	if err != nil {
		return "", err
	}
	resp, err := g.chat.Chat(ctx, []llm.Message{
		{Role: "user", Content: userPrompt(query, analysis, richness)},
	}, tpl, false)
	if err != nil {
		return "", err
	}
	return CleanCode(resp), nil
}

// GenerateStream streams raw model output through fn. Callers clean the
// accumulated code themselves once the stream ends.
func (g *Generator) GenerateStream(ctx context.Context, query, analysis, promptFile string, richness float64, fn func(delta string) error) error {
	tpl, err := g.Template(promptFile)
	if err != nil {
		return err
	}
	return g.chat.ChatStream(ctx, []llm.Message{
		{Role: "user", Content: userPrompt(query, analysis, richness)},
	}, tpl, fn)
}

// CleanCode strips markdown fences and language tags from model output.
func CleanCode(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		tag := strings.TrimSpace(s[:nl])
		switch strings.ToLower(tag) {
		case "", "mermaid", "dot", "graphviz", "gv":
			s = s[nl+1:]
		}
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
