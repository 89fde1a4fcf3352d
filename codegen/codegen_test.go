package codegen

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calegria/diagraph/llm"
)

type scriptClient struct {
	lastSystem string
	lastUser   string
	reply      string
}

func (s *scriptClient) Chat(ctx context.Context, msgs []llm.Message, system string, jsonMode bool) (string, error) {
	s.lastSystem = system
	s.lastUser = msgs[len(msgs)-1].Content
	return s.reply, nil
}
func (s *scriptClient) ChatStream(ctx context.Context, msgs []llm.Message, system string, fn func(string) error) error {
	s.lastSystem = system
	return fn(s.reply)
}
func (s *scriptClient) ChatWithFile(ctx context.Context, msgs []llm.Message, system, filePath string, jsonMode bool) (string, error) {
	return s.reply, nil
}
func (s *scriptClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (s *scriptClient) UpdateConfig(llm.ConfigUpdate) {}

func TestGenerateUsesTemplateAndCleans(t *testing.T) {
	client := &scriptClient{reply: "```mermaid\nflowchart TD\n  a --> b\n```"}
	g := New(client, "")

	code, err := g.Generate(context.Background(), "show flow", "a then b", "flowchart.md", 0.5)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if code != "flowchart TD\n  a --> b" {
		t.Errorf("code = %q", code)
	}
	if !strings.Contains(client.lastSystem, "Mermaid flowchart") {
		t.Errorf("system prompt = %q, want flowchart template", client.lastSystem)
	}
}

func TestGenerateUnknownTemplate(t *testing.T) {
	g := New(&scriptClient{}, "")
	if _, err := g.Generate(context.Background(), "q", "a", "nope.md", 0.5); err == nil {
		t.Fatal("expected error for unknown prompt file")
	}
}

func TestPromptDirOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "flowchart.md"), []byte("custom template"), 0644); err != nil {
		t.Fatal(err)
	}

	g := New(&scriptClient{}, dir)
	tpl, err := g.Template("flowchart.md")
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if tpl != "custom template" {
		t.Errorf("tpl = %q, want override", tpl)
	}

	// Files absent from the dir fall through to the builtin.
	tpl, err = g.Template("pie.md")
	if err != nil || !strings.Contains(tpl, "pie") {
		t.Errorf("builtin fallthrough failed: %q, %v", tpl, err)
	}
}

func TestRichnessDirective(t *testing.T) {
	tests := []struct {
		richness float64
		want     string
	}{
		{0.0, "10 nodes"},
		{0.3, "10 nodes"},
		{0.5, "20 nodes"},
		{0.7, "20 nodes"},
		{0.9, "full detail"},
		{1.0, "full detail"},
	}
	for _, tt := range tests {
		if got := richnessDirective(tt.richness); !strings.Contains(got, tt.want) {
			t.Errorf("richnessDirective(%.1f) = %q, want mention of %q", tt.richness, got, tt.want)
		}
	}
}

func TestCleanCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"flowchart TD\n  a --> b", "flowchart TD\n  a --> b"},
		{"```mermaid\nflowchart TD\n```", "flowchart TD"},
		{"```\ndigraph G {}\n```", "digraph G {}"},
		{"```dot\ndigraph G {}\n```", "digraph G {}"},
		{"  ```mermaid\npie\n```  ", "pie"},
	}
	for _, tt := range tests {
		if got := CleanCode(tt.in); got != tt.want {
			t.Errorf("CleanCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGenerateStream(t *testing.T) {
	client := &scriptClient{reply: "flowchart TD"}
	g := New(client, "")

	var got string
	err := g.GenerateStream(context.Background(), "q", "a", "flowchart.md", 0.5, func(d string) error {
		got += d
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if got != "flowchart TD" {
		t.Errorf("streamed = %q", got)
	}
}
