package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calegria/diagraph/embed"
	"github.com/calegria/diagraph/experience"
	"github.com/calegria/diagraph/llm"
	"github.com/calegria/diagraph/vecindex"
)

type scriptClient struct {
	fn func(prompt string) (string, error)
}

func (s *scriptClient) Chat(ctx context.Context, msgs []llm.Message, system string, jsonMode bool) (string, error) {
	return s.fn(msgs[len(msgs)-1].Content)
}
func (s *scriptClient) ChatStream(ctx context.Context, msgs []llm.Message, system string, fn func(string) error) error {
	out, err := s.fn(msgs[len(msgs)-1].Content)
	if err != nil {
		return err
	}
	return fn(out)
}
func (s *scriptClient) ChatWithFile(ctx context.Context, msgs []llm.Message, system, filePath string, jsonMode bool) (string, error) {
	return s.fn(msgs[len(msgs)-1].Content)
}
func (s *scriptClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (s *scriptClient) UpdateConfig(llm.ConfigUpdate) {}

type memCollection struct {
	items []vecindex.Result
}

func (c *memCollection) Upsert(ctx context.Context, id string, vec []float32, payload string, meta map[string]string) error {
	c.items = append(c.items, vecindex.Result{ID: id, Payload: payload, Meta: meta, Score: 0.9})
	return nil
}
func (c *memCollection) Query(ctx context.Context, vec []float32, opts vecindex.QueryOptions) ([]vecindex.Result, error) {
	return c.items, nil
}

func newMemory(t *testing.T, client llm.Client) *experience.Memory {
	t.Helper()
	m, err := experience.Open(context.Background(), embed.New(client, 2), &memCollection{}, "")
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRouteAndAnalyze(t *testing.T) {
	client := &scriptClient{fn: func(prompt string) (string, error) {
		return `{"reason": "interactions over time", "target_prompt_file": "sequence.md", "analysis_content": "A calls B"}`, nil
	}}
	r := New(client, nil)

	d := r.RouteAndAnalyze(context.Background(), "show the login handshake", "ctx")
	if d.TargetPromptFile != "sequence.md" {
		t.Errorf("TargetPromptFile = %q", d.TargetPromptFile)
	}
	if d.AnalysisContent != "A calls B" {
		t.Errorf("AnalysisContent = %q", d.AnalysisContent)
	}
}

func TestRouteNormalizesTarget(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"sequence", "sequence.md"},
		{"Sequence.MD", "sequence.md"},
		{"mermaid flowchart diagram", "flowchart.md"},
		{"unknown_type", FallbackPromptFile},
		{"", FallbackPromptFile},
	}
	for _, tt := range tests {
		if got := normalizeTarget(tt.raw); got != tt.want {
			t.Errorf("normalizeTarget(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestRouteFallsBackOnGarbage(t *testing.T) {
	client := &scriptClient{fn: func(string) (string, error) { return "not json", nil }}
	r := New(client, nil)

	d := r.RouteAndAnalyze(context.Background(), "q", "the context")
	if d.TargetPromptFile != FallbackPromptFile {
		t.Errorf("TargetPromptFile = %q, want fallback", d.TargetPromptFile)
	}
	if d.AnalysisContent != "the context" {
		t.Errorf("AnalysisContent = %q, want raw context", d.AnalysisContent)
	}
}

func TestRouteFallsBackOnError(t *testing.T) {
	client := &scriptClient{fn: func(string) (string, error) { return "", errors.New("down") }}
	r := New(client, nil)

	if d := r.RouteAndAnalyze(context.Background(), "q", "c"); d.TargetPromptFile != FallbackPromptFile {
		t.Errorf("TargetPromptFile = %q, want fallback", d.TargetPromptFile)
	}
}

func TestRouteInjectsReferenceMemory(t *testing.T) {
	var sawMemory bool
	client := &scriptClient{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Reference memory") && strings.Contains(prompt, "pick the gantt type") {
			sawMemory = true
		}
		return `{"reason": "r", "target_prompt_file": "gantt.md", "analysis_content": "a"}`, nil
	}}
	mem := newMemory(t, client)
	if err := mem.Add(context.Background(), "project plan request", "pick the gantt type", ""); err != nil {
		t.Fatal(err)
	}

	r := New(client, mem)
	r.RouteAndAnalyze(context.Background(), "plan our rollout", "ctx")
	if !sawMemory {
		t.Error("routing prompt did not include the remembered lesson")
	}
}

func TestAnalyzeForcedKeepsTarget(t *testing.T) {
	client := &scriptClient{fn: func(string) (string, error) {
		// Even if the model tries to change the type, the forced one wins.
		return `{"reason": "r", "target_prompt_file": "pie.md", "analysis_content": "states and transitions"}`, nil
	}}
	r := New(client, nil)

	d := r.AnalyzeForced(context.Background(), "q", "ctx", "state")
	if d.TargetPromptFile != "state.md" {
		t.Errorf("TargetPromptFile = %q, want forced state.md", d.TargetPromptFile)
	}
	if d.AnalysisContent != "states and transitions" {
		t.Errorf("AnalysisContent = %q", d.AnalysisContent)
	}
}

func TestLearnFromSuccess(t *testing.T) {
	var learnCall string
	client := &scriptClient{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Distill the routing lesson") {
			learnCall = prompt
			return `{"q": "requests about schedules", "a": "use gantt.md"}`, nil
		}
		return `{}`, nil
	}}
	path := filepath.Join(t.TempDir(), "router.json")
	mem, err := experience.Open(context.Background(), embed.New(client, 2), &memCollection{}, path)
	if err != nil {
		t.Fatal(err)
	}
	r := New(client, mem)

	code := "gantt\n    title Q3 plan"
	r.LearnFromSuccess(context.Background(), "plan the Q3 schedule", code,
		Decision{TargetPromptFile: "gantt.md", Reason: "it is a schedule"})

	if mem.Len() != 1 {
		t.Fatalf("memory Len = %d, want learned entry", mem.Len())
	}
	if !strings.Contains(learnCall, code) {
		t.Error("produced code missing from the learn prompt")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading memory file: %v", err)
	}
	var recs []experience.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatalf("parsing memory file: %v", err)
	}
	if len(recs) != 1 || recs[0].SourceCode != code {
		t.Errorf("persisted records = %+v, want source_code carrying the produced diagram", recs)
	}
}
