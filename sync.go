package diagraph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/calegria/diagraph/chunker"
	"github.com/calegria/diagraph/docread"
	"github.com/calegria/diagraph/workspace"
)

// Per-file corpus budget for the backbone pass, in characters. Shrinks when
// many files compete for the same context window.
const (
	corpusPerFile      = 9600
	corpusPerFileMany  = 4800
	manyFilesThreshold = 8
)

const imageAnalysisPrompt = "Describe the logical structure shown in this image: " +
	"the entities, the relationships between them, and any process flow. " +
	"Write it as plain prose a knowledge-graph extractor can read."

// SyncFiles brings the graph up to date with the workspace's file ledger.
// Files dropped straight into the uploads directory are registered first. A
// file is stale when it was never indexed or its stored copy's mtime is
// newer than the last graph sync. Stale files are read, chunked, indexed,
// and folded into the graph; files that fail to read are marked errored and
// skipped.
func (p *Pipeline) SyncFiles(ctx context.Context) error {
	p.mu.Lock()
	wsName := p.current
	graph := p.graph
	smallCol, bigCol, nodeCol := p.smallCol, p.bigCol, p.nodeCol
	p.mu.Unlock()

	p.discoverUploads(wsName)

	recs, err := p.ws.Files(wsName)
	if err != nil {
		return err
	}

	var stale []workspace.FileRecord
	for _, rec := range recs {
		if rec.Status == workspace.StatusError {
			continue
		}
		if fileStale(rec) {
			stale = append(stale, rec)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	budget := corpusPerFile
	if len(recs) > manyFilesThreshold {
		budget = corpusPerFileMany
	}

	ch := chunker.New(chunker.Config{
		BigSize:      p.cfg.BigChunkSize,
		BigOverlap:   p.cfg.BigChunkOverlap,
		SmallSize:    p.cfg.SmallChunkSize,
		SmallOverlap: p.cfg.SmallChunkOverlap,
	})

	var corpus strings.Builder
	var bigChunks []chunker.Chunk
	synced := make([]string, 0, len(stale))

	for _, rec := range stale {
		text, err := p.fileText(ctx, rec)
		if err != nil {
			slog.Warn("diagraph: file unreadable, skipping", "file", rec.Filename, "error", err)
			p.markFileError(wsName, rec.ID, err)
			continue
		}

		big, small, err := ch.Split(text, rec.Filename)
		if err != nil {
			p.markFileError(wsName, rec.ID, err)
			continue
		}
		bigChunks = append(bigChunks, big...)

		if err := p.indexChunks(ctx, small, smallCol); err != nil {
			return err
		}
		if err := p.indexChunks(ctx, big, bigCol); err != nil {
			return err
		}

		fmt.Fprintf(&corpus, "=== %s ===\n%s\n\n", rec.Filename, capText(text, budget))
		synced = append(synced, rec.ID)
	}

	if len(synced) == 0 {
		return nil
	}

	if err := p.builder.Build(ctx, graph, corpus.String(), bigChunks, smallCol, nodeCol); err != nil {
		return fmt.Errorf("diagraph: graph build: %w", err)
	}

	now := float64(time.Now().Unix())
	for _, id := range synced {
		err := p.ws.UpdateFile(wsName, id, func(r *workspace.FileRecord) {
			r.Status = workspace.StatusIndexed
			r.Message = ""
			r.LastGraphSync = now
		})
		if err != nil {
			slog.Warn("diagraph: updating file record", "id", id, "error", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveGraphLocked()
}

// fileStale reports whether a record needs re-ingestion. The gate is the
// stored copy's mtime, so overwriting a file re-syncs it even when the
// ledger entry is untouched. A missing file counts as stale; the read path
// marks it errored.
func fileStale(rec workspace.FileRecord) bool {
	if rec.LastGraphSync == 0 {
		return true
	}
	info, err := os.Stat(rec.Location)
	if err != nil {
		return true
	}
	return float64(info.ModTime().Unix()) > rec.LastGraphSync
}

// discoverUploads registers files placed in the uploads directory outside
// the API, so the ledger and the directory never drift apart.
func (p *Pipeline) discoverUploads(wsName string) {
	dir, err := p.ws.UploadsDir(wsName)
	if err != nil {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	recs, err := p.ws.Files(wsName)
	if err != nil {
		return
	}
	known := make(map[string]bool, len(recs))
	for _, r := range recs {
		known[r.Location] = true
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		loc := filepath.Join(dir, e.Name())
		if known[loc] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if _, err := p.ws.AddFile(wsName, e.Name(), loc, info.Size()); err != nil {
			slog.Warn("diagraph: registering discovered upload", "file", e.Name(), "error", err)
		}
	}
}

// fileText extracts indexable text from one ledger entry. Images go through
// the vision model; everything else goes through docread.
func (p *Pipeline) fileText(ctx context.Context, rec workspace.FileRecord) (string, error) {
	if docread.IsImage(rec.Location) {
		desc, err := p.vision.ChatWithImage(ctx, imageAnalysisPrompt, "", rec.Location)
		if err != nil {
			return "", fmt.Errorf("diagraph: vision analysis of %s: %w", rec.Filename, err)
		}
		return fmt.Sprintf("Image %s contains:\n%s", rec.Filename, desc), nil
	}
	return docread.ReadFile(rec.Location)
}

func (p *Pipeline) markFileError(wsName, id string, cause error) {
	err := p.ws.UpdateFile(wsName, id, func(r *workspace.FileRecord) {
		r.Status = workspace.StatusError
		r.Message = cause.Error()
	})
	if err != nil {
		slog.Warn("diagraph: marking file errored", "id", id, "error", err)
	}
}

func (p *Pipeline) indexChunks(ctx context.Context, chunks []chunker.Chunk, col chunkUpserter) error {
	for _, c := range chunks {
		vec, err := p.emb.EncodeOne(ctx, c.Text)
		if err != nil {
			return fmt.Errorf("diagraph: embedding chunk %s: %w", c.Key(), err)
		}
		meta := map[string]string{"source": c.Source, "granularity": string(c.Granularity)}
		if err := col.Upsert(ctx, c.Key(), vec, c.Text, meta); err != nil {
			return err
		}
	}
	return nil
}

type chunkUpserter interface {
	Upsert(ctx context.Context, id string, vec []float32, payload string, meta map[string]string) error
}

func capText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// PurgeFile removes a file from the ledger and drops its chunks from both
// vector indices. Graph nodes keep their provenance but lose the passages.
func (p *Pipeline) PurgeFile(ctx context.Context, fileID string) error {
	p.mu.Lock()
	wsName := p.current
	smallCol, bigCol := p.smallCol, p.bigCol
	p.mu.Unlock()

	recs, err := p.ws.Files(wsName)
	if err != nil {
		return err
	}
	var filename string
	for _, r := range recs {
		if r.ID == fileID {
			filename = r.Filename
			break
		}
	}
	if filename == "" {
		return workspace.ErrNotFound
	}

	for _, col := range []chunkCollection{smallCol, bigCol} {
		ids, err := col.IDs(ctx)
		if err != nil {
			return err
		}
		var doomed []string
		for _, id := range ids {
			if strings.HasPrefix(id, filename+"#") {
				doomed = append(doomed, id)
			}
		}
		if len(doomed) > 0 {
			if err := col.Delete(ctx, doomed...); err != nil {
				return err
			}
		}
	}

	return p.ws.DeleteFile(wsName, fileID)
}

type chunkCollection interface {
	IDs(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, ids ...string) error
}
