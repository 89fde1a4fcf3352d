package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/calegria/diagraph"
	"github.com/calegria/diagraph/llm"
	"github.com/calegria/diagraph/router"
)

type handler struct {
	pipeline *diagraph.Pipeline
}

func newHandler(p *diagraph.Pipeline) *handler {
	return &handler{pipeline: p}
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"project": h.pipeline.CurrentWorkspace(),
	})
}

// GET /projects
func (h *handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	names, err := h.pipeline.ListWorkspaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		slog.Error("list projects error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projects": names,
		"current":  h.pipeline.CurrentWorkspace(),
	})
}

// POST /projects
func (h *handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.pipeline.CreateWorkspace(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"project": req.Name})
}

// POST /projects/switch
func (h *handler) handleSwitchProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.pipeline.SwitchWorkspace(r.Context(), req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		slog.Error("switch project error", "project", req.Name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"project": req.Name})
}

// POST /upload
// Multipart upload; indexing runs in the background, poll /tasks/{id}.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(100 << 20); err != nil { // 100MB max
		writeError(w, http.StatusBadRequest, "expected multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	// Sanitise filename to prevent path traversal.
	safeName := filepath.Base(header.Filename)

	rec, taskID, err := h.pipeline.StartUploadIndex(safeName, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save upload")
		slog.Error("upload error", "file", safeName, "error", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"file":    rec,
		"task_id": taskID,
	})
}

// GET /files
func (h *handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	recs, err := h.pipeline.Workspaces().Files(h.pipeline.CurrentWorkspace())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list files")
		slog.Error("list files error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": recs})
}

// DELETE /files/{id}
func (h *handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.pipeline.PurgeFile(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		slog.Error("delete file error", "file_id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type generateRequest struct {
	Query       string `json:"query"`
	DiagramType string `json:"diagram_type,omitempty"`
	// Richness is optional; nil means full detail. An explicit 0 asks for
	// the sparsest diagram.
	Richness *float64 `json:"richness,omitempty"`
}

func (r generateRequest) richness() float64 {
	if r.Richness == nil {
		return 1.0
	}
	return *r.Richness
}

// POST /generate
func (h *handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	out, err := h.pipeline.Generate(ctx, req.Query, req.DiagramType, req.richness())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generation failed")
		slog.Error("generate error", "query", req.Query, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /generate/stream
// Streams the first generation pass as SSE, then a final event carrying the
// validated result.
func (h *handler) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	out, err := h.pipeline.GenerateStream(ctx, req.Query, req.DiagramType, req.richness(), func(delta string) error {
		if err := writeSSE(w, "delta", map[string]string{"text": delta}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		writeSSE(w, "error", map[string]string{"error": err.Error()})
		flusher.Flush()
		return
	}
	writeSSE(w, "result", out)
	flusher.Flush()
}

// POST /fix
func (h *handler) handleFix(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.Fix(ctx, req.Code))
}

// POST /optimize
func (h *handler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var req struct {
		Code        string `json:"code"`
		Instruction string `json:"instruction,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.Optimize(ctx, req.Code, req.Instruction))
}

// POST /repo/analyze
func (h *handler) handleRepoAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	taskID := h.pipeline.StartRepoAnalysis(req.URL)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// GET /tasks/{id}
func (h *handler) handleTask(w http.ResponseWriter, r *http.Request) {
	state, err := h.pipeline.Tasks().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GET /history
func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.pipeline.Workspaces().History(h.pipeline.CurrentWorkspace())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		slog.Error("history error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// DELETE /history
func (h *handler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.Workspaces().ClearHistory(h.pipeline.CurrentWorkspace()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// DELETE /history/{id}
func (h *handler) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.Workspaces().DeleteHistory(h.pipeline.CurrentWorkspace(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /graph
func (h *handler) handleGraph(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Graph().Snapshot())
}

// GET /models
// The diagram type menu the router chooses from.
func (h *handler) handleModels(w http.ResponseWriter, r *http.Request) {
	types := make(map[string]string, len(router.Menu))
	for file, desc := range router.Menu {
		types[strings.TrimSuffix(file, ".md")] = desc
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"diagram_types": types})
}

// POST /config/llm
// Hot-swaps chat credentials without a restart.
func (h *handler) handleUpdateLLM(w http.ResponseWriter, r *http.Request) {
	var req llm.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	h.pipeline.UpdateLLMConfig(req)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func writeSSE(w http.ResponseWriter, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
