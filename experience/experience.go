// Package experience is a key-value memory of question/answer pairs backed
// by a vector collection: questions are embedded for lookup, answers are the
// stored payload. A JSON file keeps the pairs durable across restarts.
package experience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/calegria/diagraph/embed"
	"github.com/calegria/diagraph/vecindex"
)

// metaQuestion is the meta key holding the verbatim question, used for
// query-time dedup of re-learned entries.
const metaQuestion = "original_q"

// Record is one remembered question/answer pair. SourceCode carries the
// diagram code that produced the lesson, when there is one.
type Record struct {
	Q          string `json:"q"`
	A          string `json:"a"`
	SourceCode string `json:"source_code,omitempty"`
}

// Hit is a search result.
type Hit struct {
	Q     string
	A     string
	Score float64
}

// Collection is the slice of the vector store the memory needs.
type Collection interface {
	Upsert(ctx context.Context, id string, vec []float32, payload string, meta map[string]string) error
	Query(ctx context.Context, vec []float32, opts vecindex.QueryOptions) ([]vecindex.Result, error)
}

// Memory holds learned pairs in a vector collection and mirrors them to a
// JSON file.
type Memory struct {
	emb  *embed.Embedder
	col  Collection
	path string

	mu   sync.Mutex
	byQ  map[string]*Record
	recs []*Record
}

// Open loads the durable file (tolerating a missing or malformed one) and
// indexes every loaded pair into the collection.
func Open(ctx context.Context, emb *embed.Embedder, col Collection, path string) (*Memory, error) {
	m := &Memory{emb: emb, col: col, path: path, byQ: make(map[string]*Record)}

	recs, err := loadRecords(path)
	if err != nil {
		slog.Warn("experience: ignoring unreadable memory file", "path", path, "error", err)
	}
	for _, r := range recs {
		if _, err := m.insert(ctx, r); err != nil {
			return nil, fmt.Errorf("experience: indexing %q: %w", r.Q, err)
		}
	}
	return m, nil
}

// loadRecords accepts either the list form or a legacy question->answer map.
func loadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var recs []Record
	if json.Unmarshal(data, &recs) == nil {
		return recs, nil
	}
	var legacy map[string]string
	if json.Unmarshal(data, &legacy) == nil {
		for q, a := range legacy {
			recs = append(recs, Record{Q: q, A: a})
		}
		return recs, nil
	}
	return nil, fmt.Errorf("unrecognized memory file format")
}

// Len reports how many distinct questions are remembered.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byQ)
}

// Add remembers one pair and persists. The durable record list is
// append-only: adding a question that is already present verbatim is a
// no-op, the stored answer stays as it was.
func (m *Memory) Add(ctx context.Context, q, a, sourceCode string) error {
	if q == "" || a == "" {
		return nil
	}
	added, err := m.insert(ctx, Record{Q: q, A: a, SourceCode: sourceCode})
	if err != nil || !added {
		return err
	}
	return m.persist()
}

// AddAll remembers a batch of pairs, then persists once.
func (m *Memory) AddAll(ctx context.Context, recs []Record) error {
	var any bool
	for _, r := range recs {
		if r.Q == "" || r.A == "" {
			continue
		}
		added, err := m.insert(ctx, r)
		if err != nil {
			return err
		}
		any = any || added
	}
	if !any {
		return nil
	}
	return m.persist()
}

func (m *Memory) insert(ctx context.Context, r Record) (bool, error) {
	m.mu.Lock()
	if _, dup := m.byQ[r.Q]; dup {
		m.mu.Unlock()
		return false, nil
	}
	rec := r
	m.byQ[r.Q] = &rec
	m.recs = append(m.recs, &rec)
	m.mu.Unlock()

	vec, err := m.emb.EncodeOne(ctx, r.Q)
	if err != nil {
		return false, err
	}
	// A fresh id per write; query-time dedup on the question meta prunes
	// rows re-indexed across restarts.
	return true, m.col.Upsert(ctx, uuid.NewString(), vec, r.A,
		map[string]string{metaQuestion: r.Q})
}

// Search returns up to k remembered answers scoring at or above threshold.
func (m *Memory) Search(ctx context.Context, query string, k int, threshold float64) ([]Hit, error) {
	if m.Len() == 0 {
		return nil, nil
	}
	vec, err := m.emb.EncodeOne(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := m.col.Query(ctx, vec, vecindex.QueryOptions{
		K:           k,
		Threshold:   threshold,
		DedupByMeta: metaQuestion,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{Q: r.Meta[metaQuestion], A: r.Payload, Score: r.Score})
	}
	return hits, nil
}

func (m *Memory) persist() error {
	if m.path == "" {
		return nil
	}
	m.mu.Lock()
	recs := make([]Record, len(m.recs))
	for i, r := range m.recs {
		recs[i] = *r
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(m.path, data, 0644)
}
