// Package chunker splits raw document text into two overlapping window
// layers: big chunks that feed graph enrichment and small chunks that feed
// retrieval and drilldown.
package chunker

import (
	"errors"
	"fmt"
)

// Granularity labels which window layer a chunk belongs to.
type Granularity string

const (
	Big   Granularity = "big"
	Small Granularity = "small"
)

// Chunk is a single text window cut from a source document.
type Chunk struct {
	ID          string      `json:"id"`
	Text        string      `json:"text"`
	Source      string      `json:"source"`
	Vec         []float32   `json:"vec,omitempty"`
	Granularity Granularity `json:"granularity"`
}

// ErrEmptyInput is returned when the text to split is empty.
var ErrEmptyInput = errors.New("chunker: empty input text")

// Config controls the two window layers. Overlap must be smaller than size;
// the effective step between window starts is size-overlap.
type Config struct {
	BigSize      int
	BigOverlap   int
	SmallSize    int
	SmallOverlap int
}

// Chunker cuts text into fixed-size overlapping windows.
type Chunker struct {
	cfg Config
}

// New returns a Chunker. Zero-value fields get the standard window sizes.
func New(cfg Config) *Chunker {
	if cfg.BigSize == 0 {
		cfg.BigSize = 1500
	}
	if cfg.BigOverlap == 0 {
		cfg.BigOverlap = 200
	}
	if cfg.SmallSize == 0 {
		cfg.SmallSize = 500
	}
	if cfg.SmallOverlap == 0 {
		cfg.SmallOverlap = 100
	}
	return &Chunker{cfg: cfg}
}

// Split cuts text into both layers. Chunk ordering matches byte order and
// IDs are "<granularity>_<ordinal>", scoped to the given source.
func (c *Chunker) Split(text, source string) (big, small []Chunk, err error) {
	if len(text) == 0 {
		return nil, nil, ErrEmptyInput
	}
	big = window(text, source, Big, c.cfg.BigSize, c.cfg.BigOverlap)
	small = window(text, source, Small, c.cfg.SmallSize, c.cfg.SmallOverlap)
	return big, small, nil
}

func window(text, source string, g Granularity, size, overlap int) []Chunk {
	if size <= 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []Chunk
	for start, i := 0, 0; start < len(text); start, i = start+step, i+1 {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, Chunk{
			ID:          fmt.Sprintf("%s_%d", g, i),
			Text:        text[start:end],
			Source:      source,
			Granularity: g,
		})
		if end == len(text) {
			break
		}
	}
	return chunks
}

// Key returns the globally unique id a chunk is stored under: the chunk id
// namespaced by its source document.
func (ch Chunk) Key() string {
	return ch.Source + "#" + ch.ID
}

// GranularityOf recovers the window layer from a stored chunk key. Returns
// an empty Granularity for keys produced outside the chunker (for example
// the global-summary sentinel).
func GranularityOf(key string) Granularity {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '#' {
			key = key[i+1:]
			break
		}
	}
	switch {
	case len(key) > 4 && key[:4] == "big_":
		return Big
	case len(key) > 6 && key[:6] == "small_":
		return Small
	}
	return ""
}
