// Package router decides which diagram type fits a query and distills the
// retrieval context into analysis content for the generator. Past routing
// decisions feed back in as reference memory.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/calegria/diagraph/experience"
	"github.com/calegria/diagraph/llm"
)

// FallbackPromptFile is used when routing fails; flowcharts render almost
// anything acceptably.
const FallbackPromptFile = "flowchart.md"

// memoryThreshold is the minimum similarity for an experience hit to be
// injected into the routing prompt.
const memoryThreshold = 0.40

// Menu maps prompt files to what the diagram type is good at. The router
// must pick from these; the generator resolves them to templates.
var Menu = map[string]string{
	"flowchart.md":        "processes, control flow, decision logic",
	"sequence.md":         "interactions between actors or components over time",
	"class.md":            "data models, type hierarchies, object structure",
	"state.md":            "lifecycles and state machines",
	"er.md":               "database schemas and entity relations",
	"gantt.md":            "schedules, phases, project timelines",
	"pie.md":              "proportions and composition breakdowns",
	"mindmap.md":          "topic hierarchies and brainstorms",
	"timeline.md":         "chronological event sequences",
	"architecture_dot.md": "system architecture and module dependencies (Graphviz DOT)",
}

// Decision is the router's output.
type Decision struct {
	Reason           string `json:"reason"`
	TargetPromptFile string `json:"target_prompt_file"`
	AnalysisContent  string `json:"analysis_content"`
}

// Router picks diagram types.
type Router struct {
	chat llm.Client
	mem  *experience.Memory
}

// New returns a Router. mem may be nil to route without memory.
func New(chat llm.Client, mem *experience.Memory) *Router {
	return &Router{chat: chat, mem: mem}
}

const routePrompt = `You route diagram requests to the best diagram type and prepare the content analysis for the generator.

Available diagram types:
%s
%s
User request: %s

Knowledge context:
%s

Respond with JSON only:
{
  "reason": "one sentence on why this type fits",
  "target_prompt_file": "one of the filenames above",
  "analysis_content": "a structured summary of exactly what the diagram should show, drawn from the context"
}`

const analyzePrompt = `You prepare the content analysis for a %s diagram.

User request: %s

Knowledge context:
%s

Respond with JSON only:
{
  "reason": "one sentence",
  "analysis_content": "a structured summary of exactly what the diagram should show, drawn from the context"
}`

// RouteAndAnalyze picks a diagram type for the query. Routing failures fall
// back to the flowchart type with the raw context as analysis.
func (r *Router) RouteAndAnalyze(ctx context.Context, query, graphContext string) Decision {
	prompt := fmt.Sprintf(routePrompt, menuText(), r.referenceMemory(ctx, query), query, graphContext)

	resp, err := r.chat.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, "", true)
	if err != nil {
		slog.Warn("router: routing call failed, using fallback", "error", err)
		return fallbackDecision(graphContext)
	}

	var d Decision
	if err := llm.DecodeLoose(resp, &d); err != nil {
		slog.Warn("router: unparseable routing response, using fallback", "error", err)
		return fallbackDecision(graphContext)
	}

	d.TargetPromptFile = normalizeTarget(d.TargetPromptFile)
	if d.AnalysisContent == "" {
		d.AnalysisContent = graphContext
	}
	return d
}

// AnalyzeForced skips routing and produces the analysis for an explicitly
// requested diagram type.
func (r *Router) AnalyzeForced(ctx context.Context, query, graphContext, promptFile string) Decision {
	promptFile = normalizeTarget(promptFile)

	resp, err := r.chat.Chat(ctx, []llm.Message{{Role: "user", Content: fmt.Sprintf(
		analyzePrompt, strings.TrimSuffix(promptFile, ".md"), query, graphContext,
	)}}, "", true)
	if err != nil {
		slog.Warn("router: forced analysis failed, passing context through", "error", err)
		return Decision{TargetPromptFile: promptFile, AnalysisContent: graphContext}
	}

	var d Decision
	if err := llm.DecodeLoose(resp, &d); err != nil {
		return Decision{TargetPromptFile: promptFile, AnalysisContent: graphContext}
	}
	d.TargetPromptFile = promptFile
	if d.AnalysisContent == "" {
		d.AnalysisContent = graphContext
	}
	return d
}

const learnPrompt = `A diagram request was served successfully. Distill the routing lesson into a reusable memory entry.

Request: %s
Chosen diagram type: %s
Reason: %s

Produced diagram code:
%s

Respond with JSON only:
{"q": "a generalized form of the request", "a": "which diagram type to pick and why, in one sentence"}`

// LearnFromSuccess asks the model to generalize a successful routing into a
// memory entry; the validated code rides along as the record's source code.
// Failures are logged and dropped; learning is best effort.
func (r *Router) LearnFromSuccess(ctx context.Context, query, code string, d Decision) {
	if r.mem == nil {
		return
	}
	resp, err := r.chat.Chat(ctx, []llm.Message{{Role: "user", Content: fmt.Sprintf(
		learnPrompt, query, d.TargetPromptFile, d.Reason, code,
	)}}, "", true)
	if err != nil {
		slog.Warn("router: learn call failed", "error", err)
		return
	}

	var pair struct {
		Q string `json:"q"`
		A string `json:"a"`
	}
	if err := llm.DecodeLoose(resp, &pair); err != nil || pair.Q == "" || pair.A == "" {
		slog.Warn("router: unusable learn response", "error", err)
		return
	}
	if err := r.mem.Add(ctx, pair.Q, pair.A, code); err != nil {
		slog.Warn("router: storing routing memory failed", "error", err)
	}
}

// referenceMemory renders past routing lessons relevant to the query, or an
// empty string when there are none.
func (r *Router) referenceMemory(ctx context.Context, query string) string {
	if r.mem == nil {
		return ""
	}
	hits, err := r.mem.Search(ctx, query, 3, memoryThreshold)
	if err != nil {
		slog.Warn("router: memory search failed", "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Reference memory from past requests:\n")
	for _, h := range hits {
		fmt.Fprintf(&sb, "- Q: %s\n  A: %s\n", h.Q, h.A)
	}
	return sb.String()
}

func menuText() string {
	files := make([]string, 0, len(Menu))
	for f := range Menu {
		files = append(files, f)
	}
	sort.Strings(files)

	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "- %s: %s\n", f, Menu[f])
	}
	return sb.String()
}

// normalizeTarget maps sloppy model output onto a real menu entry.
func normalizeTarget(file string) string {
	file = strings.TrimSpace(strings.ToLower(file))
	if file == "" {
		return FallbackPromptFile
	}
	if !strings.HasSuffix(file, ".md") {
		file += ".md"
	}
	if _, ok := Menu[file]; ok {
		return file
	}
	// Try matching on the bare type name ("mermaid flowchart" and similar).
	for f := range Menu {
		if strings.Contains(file, strings.TrimSuffix(f, ".md")) {
			return f
		}
	}
	return FallbackPromptFile
}

func fallbackDecision(graphContext string) Decision {
	return Decision{
		Reason:           "routing unavailable, defaulting to flowchart",
		TargetPromptFile: FallbackPromptFile,
		AnalysisContent:  graphContext,
	}
}
