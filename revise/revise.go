// Package revise repairs diagram code that failed validation. A mistake
// memory feeds lessons from previously fixed errors into the repair prompt,
// and every successful repair can be distilled back into that memory.
package revise

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/calegria/diagraph/experience"
	"github.com/calegria/diagraph/llm"
)

// mistakeHits is how many remembered mistakes the repair prompt carries.
const mistakeHits = 6

// Attempt is one prior failed repair, shown to the model so it does not
// repeat itself.
type Attempt struct {
	Code  string
	Error string
}

// Reviser repairs diagram code.
type Reviser struct {
	chat     llm.Client
	mistakes *experience.Memory
}

// New returns a Reviser. mistakes may be nil.
func New(chat llm.Client, mistakes *experience.Memory) *Reviser {
	return &Reviser{chat: chat, mistakes: mistakes}
}

const revisePrompt = `The diagram code below fails to render. Fix it.

Error:
%s
%s%s
Broken code:
%s

Output only the corrected diagram code, no explanations.`

// Revise returns repaired code. On any backend failure it returns the
// original code unchanged, so callers can always re-validate whatever comes
// back.
func (r *Reviser) Revise(ctx context.Context, code, errMsg string, attempts []Attempt) string {
	prompt := r.buildPrompt(ctx, code, errMsg, attempts)
	resp, err := r.chat.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, "", false)
	if err != nil {
		slog.Warn("revise: repair call failed, keeping original code", "error", err)
		return code
	}
	fixed := cleanCode(resp)
	if fixed == "" {
		return code
	}
	return fixed
}

// ReviseStream streams the repair through fn.
func (r *Reviser) ReviseStream(ctx context.Context, code, errMsg string, attempts []Attempt, fn func(delta string) error) error {
	prompt := r.buildPrompt(ctx, code, errMsg, attempts)
	return r.chat.ChatStream(ctx, []llm.Message{{Role: "user", Content: prompt}}, "", fn)
}

func (r *Reviser) buildPrompt(ctx context.Context, code, errMsg string, attempts []Attempt) string {
	return fmt.Sprintf(revisePrompt, errMsg, r.lessons(ctx, code, errMsg), failedAttempts(attempts), code)
}

// lessons searches the mistake memory by the error text, falling back to
// the head of the code when the error is empty.
func (r *Reviser) lessons(ctx context.Context, code, errMsg string) string {
	if r.mistakes == nil {
		return ""
	}
	query := errMsg
	if strings.TrimSpace(query) == "" {
		query = code
		if len(query) > 200 {
			query = query[:200]
		}
	}
	hits, err := r.mistakes.Search(ctx, query, mistakeHits, 0)
	if err != nil {
		slog.Warn("revise: mistake search failed", "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\nKnown pitfalls from past failures:\n")
	for _, h := range hits {
		fmt.Fprintf(&sb, "- %s: %s\n", h.Q, h.A)
	}
	return sb.String()
}

func failedAttempts(attempts []Attempt) string {
	if len(attempts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\nFAILED ATTEMPTS (do not produce these again):\n")
	for i, a := range attempts {
		fmt.Fprintf(&sb, "Attempt %d failed with: %s\n%s\n", i+1, a.Error, a.Code)
	}
	return sb.String()
}

const optimizePrompt = `Improve the diagram code below without changing what it expresses: %s

%s

Output only the improved diagram code, no explanations.`

const defaultOptimizeGoal = "better layout, clearer labels, consistent styling."

// Optimize polishes already-valid code toward the given instruction, or a
// generic readability goal when instruction is empty. Backend failures
// return the original.
func (r *Reviser) Optimize(ctx context.Context, code, instruction string) string {
	if strings.TrimSpace(instruction) == "" {
		instruction = defaultOptimizeGoal
	}
	resp, err := r.chat.Chat(ctx, []llm.Message{{Role: "user", Content: fmt.Sprintf(optimizePrompt, instruction, code)}}, "", false)
	if err != nil {
		slog.Warn("revise: optimize call failed, keeping original code", "error", err)
		return code
	}
	if out := cleanCode(resp); out != "" {
		return out
	}
	return code
}

const recordPrompt = `A diagram failed with this error and was later fixed. Distill the lesson into a reusable memory entry.

Error: %s

Broken code:
%s

Fixed code:
%s

Respond with JSON only:
{"q": "the error pattern, generalized", "a": "how to fix it, in one or two sentences"}`

// RecordMistake distills a fixed failure into the mistake memory. Best
// effort; failures are logged and dropped.
func (r *Reviser) RecordMistake(ctx context.Context, brokenCode, errMsg, fixedCode string) {
	if r.mistakes == nil {
		return
	}
	resp, err := r.chat.Chat(ctx, []llm.Message{{Role: "user", Content: fmt.Sprintf(
		recordPrompt, errMsg, brokenCode, fixedCode,
	)}}, "", true)
	if err != nil {
		slog.Warn("revise: record call failed", "error", err)
		return
	}

	var pair struct {
		Q string `json:"q"`
		A string `json:"a"`
	}
	if err := llm.DecodeLoose(resp, &pair); err != nil || pair.Q == "" || pair.A == "" {
		slog.Warn("revise: unusable record response", "error", err)
		return
	}
	if err := r.mistakes.Add(ctx, pair.Q, pair.A, fixedCode); err != nil {
		slog.Warn("revise: storing mistake failed", "error", err)
	}
}

// cleanCode strips markdown fences the model may wrap repairs in.
func cleanCode(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		tag := strings.TrimSpace(s[:nl])
		if len(tag) <= 10 && !strings.ContainsAny(tag, "{}<>") {
			s = s[nl+1:]
		}
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
