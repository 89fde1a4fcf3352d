// Package reposcan fetches a repository, classifies its files, and ranks
// the sources most worth reading so a bounded number of LLM calls can cover
// the heart of the codebase.
package reposcan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// ErrCloneFailed is returned when the repository cannot be fetched.
var ErrCloneFailed = errors.New("reposcan: clone failed")

// DefaultTopN is how many ranked sources an analysis reads by default.
const DefaultTopN = 30

// Class labels what a file is to the analysis.
type Class string

const (
	Source Class = "source"
	Doc    Class = "doc"
	Config Class = "config"
	Skip   Class = "skip"
)

// File is one classified repository file.
type File struct {
	// Path is absolute; Rel is relative to the repository root.
	Path  string
	Rel   string
	Class Class
	Size  int64
}

var ignoreDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true,
	"node_modules": true, "vendor": true, "third_party": true,
	"dist": true, "build": true, "target": true, "out": true,
	"__pycache__": true, ".venv": true, "venv": true, ".tox": true,
	".idea": true, ".vscode": true, ".next": true, "coverage": true,
}

var sourceExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true,
	".jsx": true, ".java": true, ".c": true, ".cc": true, ".cpp": true,
	".h": true, ".hpp": true, ".rs": true, ".rb": true, ".php": true,
	".cs": true, ".kt": true, ".swift": true, ".scala": true, ".ex": true,
	".exs": true, ".sh": true, ".sql": true, ".proto": true, ".vue": true,
	".svelte": true,
}

var docExts = map[string]bool{
	".md": true, ".rst": true, ".txt": true, ".adoc": true,
}

var configExts = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true,
	".gradle": true, ".mod": true,
}

var specialFiles = map[string]Class{
	"dockerfile":     Config,
	"makefile":       Config,
	"docker-compose": Config,
	"license":        Skip,
	"package-lock":   Skip,
	"yarn":           Skip,
	"go.sum":         Skip,
}

// Clone shallow-clones url into dest.
func Clone(ctx context.Context, url, dest string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%w: %s", ErrCloneFailed, msg)
	}
	return nil
}

// Classify labels one file by its repository-relative path.
func Classify(rel string) Class {
	base := strings.ToLower(filepath.Base(rel))
	for prefix, class := range specialFiles {
		if strings.HasPrefix(base, prefix) {
			return class
		}
	}

	ext := strings.ToLower(filepath.Ext(rel))
	switch {
	case sourceExts[ext]:
		return Source
	case docExts[ext]:
		return Doc
	case configExts[ext]:
		return Config
	default:
		return Skip
	}
}

// Scan walks root and returns every non-skipped file, classified.
func Scan(root string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ignoreDirs[strings.ToLower(d.Name())] || strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		class := Classify(rel)
		if class == Skip {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		// Generated bundles and data dumps are noise past this size.
		if info.Size() > 512*1024 {
			return nil
		}
		files = append(files, File{Path: path, Rel: rel, Class: class, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

var coreDirs = map[string]bool{
	"src": true, "lib": true, "internal": true, "pkg": true,
	"cmd": true, "app": true, "core": true, "server": true, "api": true,
}

var noisyMarkers = []string{"test", "spec", "example", "demo", "fixture", "mock", "bench"}

// score ranks how much a file tells a reader about the system.
func score(f File) float64 {
	s := 1.0

	base := strings.ToLower(filepath.Base(f.Rel))
	if strings.HasPrefix(base, "readme") {
		return 10
	}
	if f.Class == Doc {
		s += 1
	}

	lower := strings.ToLower(f.Rel)
	for _, part := range strings.Split(filepath.Dir(lower), string(filepath.Separator)) {
		if coreDirs[part] {
			s += 2
			break
		}
	}
	for _, marker := range noisyMarkers {
		if strings.Contains(lower, marker) {
			s -= 3
			break
		}
	}

	// Entry points and shallow files explain structure best.
	depth := strings.Count(f.Rel, string(filepath.Separator))
	if depth <= 1 {
		s += 1
	}
	if base == "main.go" || base == "main.py" || base == "index.ts" || base == "index.js" || base == "app.py" {
		s += 2
	}
	return s
}

// Rank orders files by how worth reading they are, best first.
func Rank(files []File) []File {
	out := make([]File, len(files))
	copy(out, files)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := score(out[i]), score(out[j])
		if si != sj {
			return si > sj
		}
		return out[i].Rel < out[j].Rel
	})
	return out
}

// TopN returns the n best files per Rank. n <= 0 uses DefaultTopN.
func TopN(files []File, n int) []File {
	if n <= 0 {
		n = DefaultTopN
	}
	ranked := Rank(files)
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// ReadCapped reads a file, truncating to maxBytes.
func ReadCapped(path string, maxBytes int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxBytes {
		data = data[:maxBytes]
	}
	return string(data), nil
}
