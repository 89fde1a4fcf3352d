package diagraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/calegria/diagraph/codegen"
	"github.com/calegria/diagraph/retrieval"
	"github.com/calegria/diagraph/revise"
	"github.com/calegria/diagraph/router"
	"github.com/calegria/diagraph/validate"
	"github.com/calegria/diagraph/workspace"
)

// GenerateResult is the outcome of one diagram request. Code is always the
// best candidate produced; Valid reports whether the renderer accepted it.
type GenerateResult struct {
	Code        string `json:"code"`
	DiagramType string `json:"diagram_type"`
	Valid       bool   `json:"valid"`
	Error       string `json:"error,omitempty"`
	Revisions   int    `json:"revisions"`
}

// Generate answers a diagram request end to end: sync files into the graph,
// retrieve context, route to a diagram type, generate, then validate and
// revise until the renderer accepts the code or the revision budget runs out.
// forcedType, when non-empty, overrides routing. richness in [0, 1] scales
// diagram detail, low values meaning sparser diagrams.
func (p *Pipeline) Generate(ctx context.Context, query, forcedType string, richness float64) (*GenerateResult, error) {
	if err := p.SyncFiles(ctx); err != nil {
		slog.Warn("diagraph: file sync failed, generating from existing graph", "error", err)
	}

	decision, err := p.routeQuery(ctx, query, forcedType)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	reviser, rtr := p.reviser, p.router
	wsName := p.current
	p.mu.Unlock()

	code, err := p.gen.Generate(ctx, query, decision.AnalysisContent, decision.TargetPromptFile, richness)
	if err != nil {
		return nil, fmt.Errorf("diagraph: generating diagram: %w", err)
	}

	final, res, attempts := p.validateRevise(ctx, reviser, code)
	if res.Valid {
		if len(attempts) > 0 {
			reviser.RecordMistake(ctx, attempts[0].Code, attempts[0].Error, final)
		}
		rtr.LearnFromSuccess(ctx, query, final, decision)
	}

	diagramType := strings.TrimSuffix(decision.TargetPromptFile, ".md")
	if _, err := p.ws.AddHistory(wsName, workspace.HistoryEntry{
		Query:       query,
		Code:        final,
		DiagramType: diagramType,
	}); err != nil {
		slog.Warn("diagraph: recording history", "error", err)
	}

	return &GenerateResult{
		Code:        final,
		DiagramType: diagramType,
		Valid:       res.Valid,
		Error:       res.Error,
		Revisions:   len(attempts),
	}, nil
}

// GenerateStream is Generate with the first generation pass streamed through
// fn. Validation and revision run after the stream completes, so the returned
// code may differ from the streamed text.
func (p *Pipeline) GenerateStream(ctx context.Context, query, forcedType string, richness float64, fn func(delta string) error) (*GenerateResult, error) {
	if err := p.SyncFiles(ctx); err != nil {
		slog.Warn("diagraph: file sync failed, generating from existing graph", "error", err)
	}

	decision, err := p.routeQuery(ctx, query, forcedType)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	reviser, rtr := p.reviser, p.router
	wsName := p.current
	p.mu.Unlock()

	var raw strings.Builder
	err = p.gen.GenerateStream(ctx, query, decision.AnalysisContent, decision.TargetPromptFile, richness, func(delta string) error {
		raw.WriteString(delta)
		return fn(delta)
	})
	if err != nil {
		return nil, fmt.Errorf("diagraph: generating diagram: %w", err)
	}

	code := codegen.CleanCode(raw.String())
	final, res, attempts := p.validateRevise(ctx, reviser, code)
	if res.Valid {
		if len(attempts) > 0 {
			reviser.RecordMistake(ctx, attempts[0].Code, attempts[0].Error, final)
		}
		rtr.LearnFromSuccess(ctx, query, final, decision)
	}

	diagramType := strings.TrimSuffix(decision.TargetPromptFile, ".md")
	if _, err := p.ws.AddHistory(wsName, workspace.HistoryEntry{
		Query:       query,
		Code:        final,
		DiagramType: diagramType,
	}); err != nil {
		slog.Warn("diagraph: recording history", "error", err)
	}

	return &GenerateResult{
		Code:        final,
		DiagramType: diagramType,
		Valid:       res.Valid,
		Error:       res.Error,
		Revisions:   len(attempts),
	}, nil
}

// routeQuery retrieves graph context and picks the diagram type.
func (p *Pipeline) routeQuery(ctx context.Context, query, forcedType string) (router.Decision, error) {
	p.mu.Lock()
	graph, retriever, rtr := p.graph, p.retriever, p.router
	p.mu.Unlock()

	var graphContext string
	res, err := retriever.Search(ctx, graph, query)
	switch {
	case err == nil:
		graphContext = res.Context
	case errors.Is(err, retrieval.ErrEmptyGraph):
		graphContext = retrieval.EmptyContext
	default:
		return router.Decision{}, fmt.Errorf("diagraph: retrieving context: %w", err)
	}

	if forcedType != "" {
		return rtr.AnalyzeForced(ctx, query, graphContext, forcedType), nil
	}
	return rtr.RouteAndAnalyze(ctx, query, graphContext), nil
}

// Fix runs the validate-revise loop on existing diagram code.
func (p *Pipeline) Fix(ctx context.Context, code string) *GenerateResult {
	p.mu.Lock()
	reviser := p.reviser
	p.mu.Unlock()

	final, res, attempts := p.validateRevise(ctx, reviser, code)
	if res.Valid && len(attempts) > 0 {
		reviser.RecordMistake(ctx, attempts[0].Code, attempts[0].Error, final)
	}
	return &GenerateResult{Code: final, Valid: res.Valid, Error: res.Error, Revisions: len(attempts)}
}

// Optimize polishes valid diagram code toward an optional instruction, then
// re-validates the result so a degrading rewrite never escapes.
func (p *Pipeline) Optimize(ctx context.Context, code, instruction string) *GenerateResult {
	p.mu.Lock()
	reviser := p.reviser
	p.mu.Unlock()

	polished := reviser.Optimize(ctx, code, instruction)
	final, res, attempts := p.validateRevise(ctx, reviser, polished)
	return &GenerateResult{Code: final, Valid: res.Valid, Error: res.Error, Revisions: len(attempts)}
}

// validateRevise checks code against the renderer and repairs it until it
// passes or the revision budget is exhausted. It never fails outright: the
// last candidate comes back with the residual validation error, and an
// unreachable validator accepts the code as-is.
func (p *Pipeline) validateRevise(ctx context.Context, reviser *revise.Reviser, code string) (string, validate.Result, []revise.Attempt) {
	maxRevisions := p.cfg.MaxRevisions
	if maxRevisions <= 0 {
		maxRevisions = 3
	}

	var attempts []revise.Attempt
	current := code
	for {
		res, err := p.checker.Check(ctx, current)
		if err != nil {
			slog.Warn("diagraph: validator unreachable, accepting code unchecked", "error", err)
			return current, validate.Result{Valid: true}, attempts
		}
		if res.Valid || len(attempts) >= maxRevisions {
			return current, res, attempts
		}

		slog.Info("diagraph: revising diagram", "attempt", len(attempts)+1, "error", res.Error)
		revised := reviser.Revise(ctx, current, res.Error, attempts)
		attempts = append(attempts, revise.Attempt{Code: current, Error: res.Error})
		current = revised
	}
}
