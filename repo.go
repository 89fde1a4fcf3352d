package diagraph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/calegria/diagraph/llm"
	"github.com/calegria/diagraph/reposcan"
	"github.com/calegria/diagraph/tasks"
	"github.com/calegria/diagraph/workspace"
)

// Background work gets its own deadline; request contexts die with the
// HTTP connection.
const backgroundTimeout = 30 * time.Minute

const repoFileBytes = 16 * 1024

const repoSummaryPrompt = `You are reading one file from the repository %s.
File path: %s

Summarize what this file contributes to the system: its responsibilities, the
key entities or functions it defines, and what other parts it talks to. Three
to six sentences, plain prose.

---
%s`

// StartUploadIndex saves an uploaded file and kicks off background indexing.
// Returns the new file record and the task id to poll.
func (p *Pipeline) StartUploadIndex(filename string, r io.Reader) (workspace.FileRecord, string, error) {
	rec, err := p.SaveUpload(filename, r)
	if err != nil {
		return workspace.FileRecord{}, "", err
	}

	taskID := p.tracker.Create("indexing " + rec.Filename)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()

		p.tracker.Update(taskID, tasks.Processing, "building knowledge graph")
		if err := p.SyncFiles(ctx); err != nil {
			slog.Error("diagraph: background indexing failed", "file", rec.Filename, "error", err)
			p.tracker.Fail(taskID, err.Error())
			return
		}
		p.tracker.SetResult(taskID, map[string]string{"file_id": rec.ID})
	}()
	return rec, taskID, nil
}

// StartRepoAnalysis clones a repository, summarizes its most informative
// files, and folds the resulting report into the active workspace's graph.
// Returns the task id to poll.
func (p *Pipeline) StartRepoAnalysis(url string) string {
	taskID := p.tracker.Create("cloning " + url)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()

		report, err := p.analyzeRepo(ctx, taskID, url)
		if err != nil {
			slog.Error("diagraph: repository analysis failed", "url", url, "error", err)
			p.tracker.Fail(taskID, err.Error())
			return
		}

		name := repoName(url)
		p.tracker.Update(taskID, tasks.Processing, "indexing analysis report")
		rec, err := p.SaveUpload(name+"_analysis.md", strings.NewReader(report))
		if err != nil {
			p.tracker.Fail(taskID, err.Error())
			return
		}
		if err := p.SyncFiles(ctx); err != nil {
			p.tracker.Fail(taskID, err.Error())
			return
		}
		p.tracker.SetResult(taskID, map[string]string{"file_id": rec.ID, "report": report})
	}()
	return taskID
}

// analyzeRepo produces a markdown report covering the repository's top
// ranked files, one LLM summary each, fanned out under the usual bound.
func (p *Pipeline) analyzeRepo(ctx context.Context, taskID, url string) (string, error) {
	dir, err := os.MkdirTemp("", "diagraph-repo-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	dest := filepath.Join(dir, "repo")
	if err := reposcan.Clone(ctx, url, dest); err != nil {
		return "", err
	}

	p.tracker.Update(taskID, tasks.Processing, "scanning repository")
	files, err := reposcan.Scan(dest)
	if err != nil {
		return "", err
	}
	top := reposcan.TopN(files, p.cfg.RepoTopFiles)
	if len(top) == 0 {
		return "", fmt.Errorf("diagraph: no readable files in %s", url)
	}

	p.tracker.Update(taskID, tasks.Processing, fmt.Sprintf("summarizing %d files", len(top)))

	concurrency := p.cfg.GraphConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	summaries := make([]string, len(top))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, f := range top {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, f reposcan.File) {
			defer wg.Done()
			defer func() { <-sem }()

			content, err := reposcan.ReadCapped(f.Path, repoFileBytes)
			if err != nil {
				slog.Warn("diagraph: unreadable repo file", "file", f.Rel, "error", err)
				return
			}
			summary, err := p.summarizeRepoFile(ctx, url, f.Rel, content)
			if err != nil {
				slog.Warn("diagraph: summarizing repo file", "file", f.Rel, "error", err)
				return
			}
			summaries[i] = summary
		}(i, f)
	}
	wg.Wait()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Repository analysis: %s\n\n", url)
	for i, f := range top {
		if summaries[i] == "" {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", f.Rel, summaries[i])
	}
	report := sb.String()
	if strings.Count(report, "## ") == 0 {
		return "", fmt.Errorf("diagraph: every file summary failed for %s", url)
	}
	return report, nil
}

func (p *Pipeline) summarizeRepoFile(ctx context.Context, url, rel, content string) (string, error) {
	prompt := fmt.Sprintf(repoSummaryPrompt, url, rel, content)
	return p.chat.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, "", false)
}

// repoName extracts a filesystem-safe name from a clone URL.
func repoName(url string) string {
	name := strings.TrimSuffix(filepath.Base(strings.TrimSuffix(url, "/")), ".git")
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if strings.Trim(name, "_") == "" {
		name = "repository"
	}
	return name
}
