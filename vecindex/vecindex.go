// Package vecindex is a small vector store on SQLite with sqlite-vec. A
// store holds named collections; each collection pairs a rowid-keyed items
// table with a vec0 virtual table for KNN search.
package vecindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("vecindex: store is closed")

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store wraps one SQLite database holding any number of collections.
type Store struct {
	db   *sql.DB
	dim  int
	path string
}

// Result is one KNN hit. Score is cosine similarity (1 - distance).
type Result struct {
	ID      string
	Payload string
	Meta    map[string]string
	Score   float64
}

// QueryOptions tunes a KNN query.
type QueryOptions struct {
	// K is how many results to return after filtering.
	K int

	// Oversample multiplies K for the raw KNN fetch so threshold and dedup
	// filtering still leave K survivors. Defaults to 4.
	Oversample int

	// Threshold drops results scoring below it. Results arrive sorted by
	// distance, so the scan stops at the first miss.
	Threshold float64

	// DedupByMeta collapses results sharing a value under this meta key,
	// keeping the best-scoring one and deleting the stale duplicates from
	// the collection.
	DedupByMeta string
}

// Open opens (or creates) the store at path with dim-wide vectors.
func Open(path string, dim int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db, dim: dim, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Dim returns the vector width collections were created with.
func (s *Store) Dim() int { return s.dim }

// Collection opens a named collection, creating its tables on first use.
func (s *Store) Collection(name string) (*Collection, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if !collectionName.MatchString(name) {
		return nil, fmt.Errorf("vecindex: invalid collection name %q", name)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS items_%[1]s (
			rowid INTEGER PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT '{}'
		);
		CREATE VIRTUAL TABLE IF NOT EXISTS vec_%[1]s USING vec0(
			embedding float[%[2]d]
		);
	`, name, s.dim)
	if _, err := s.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", name, err)
	}
	return &Collection{store: s, name: name}, nil
}

// Collection is one named vector index inside a Store.
type Collection struct {
	store *Store
	name  string
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Upsert writes an item, replacing any existing vector for the same id.
func (c *Collection) Upsert(ctx context.Context, id string, vec []float32, payload string, meta map[string]string) error {
	if len(vec) != c.store.dim {
		return fmt.Errorf("vecindex: vector dim %d, want %d", len(vec), c.store.dim)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	return c.store.inTx(ctx, func(tx *sql.Tx) error {
		var rowid int64
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT rowid FROM items_%s WHERE id = ?", c.name), id).Scan(&rowid)
		switch {
		case err == sql.ErrNoRows:
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO items_%s (id, payload, meta) VALUES (?, ?, ?)", c.name),
				id, payload, string(metaJSON))
			if err != nil {
				return err
			}
			rowid, err = res.LastInsertId()
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE items_%s SET payload = ?, meta = ? WHERE rowid = ?", c.name),
				payload, string(metaJSON), rowid); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM vec_%s WHERE rowid = ?", c.name), rowid); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO vec_%s (rowid, embedding) VALUES (?, ?)", c.name),
			rowid, serializeFloat32(vec))
		return err
	})
}

// Get fetches one item by id. Returns ok=false when the id is absent.
func (c *Collection) Get(ctx context.Context, id string) (payload string, meta map[string]string, ok bool, err error) {
	var metaJSON string
	err = c.store.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT payload, meta FROM items_%s WHERE id = ?", c.name), id).
		Scan(&payload, &metaJSON)
	if err == sql.ErrNoRows {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return "", nil, false, err
	}
	return payload, meta, true, nil
}

// Query runs a KNN search. Results come back sorted by similarity; the
// threshold cut stops scanning as soon as a result falls below it, and
// duplicate entries under DedupByMeta are pruned from the store.
func (c *Collection) Query(ctx context.Context, vec []float32, opts QueryOptions) ([]Result, error) {
	if opts.K <= 0 {
		opts.K = 5
	}
	if opts.Oversample <= 0 {
		opts.Oversample = 4
	}
	if len(vec) != c.store.dim {
		return nil, fmt.Errorf("vecindex: query dim %d, want %d", len(vec), c.store.dim)
	}

	rows, err := c.store.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT i.id, i.payload, i.meta, v.distance
		FROM vec_%[1]s v
		JOIN items_%[1]s i ON i.rowid = v.rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, c.name), serializeFloat32(vec), opts.K*opts.Oversample)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	var stale []string
	seen := make(map[string]bool)

	for rows.Next() {
		var r Result
		var metaJSON string
		var distance float64
		if err := rows.Scan(&r.ID, &r.Payload, &metaJSON, &distance); err != nil {
			return nil, err
		}
		r.Score = 1.0 - distance

		// Sorted by distance, so everything after the first miss also misses.
		if opts.Threshold > 0 && r.Score < opts.Threshold {
			break
		}

		if err := json.Unmarshal([]byte(metaJSON), &r.Meta); err != nil {
			return nil, err
		}

		if opts.DedupByMeta != "" {
			key := r.Meta[opts.DedupByMeta]
			if key != "" && seen[key] {
				stale = append(stale, r.ID)
				continue
			}
			if key != "" {
				seen[key] = true
			}
		}

		results = append(results, r)
		if len(results) >= opts.K {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(stale) > 0 {
		if err := c.Delete(ctx, stale...); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Delete removes items by id. Missing ids are ignored.
func (c *Collection) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.store.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var rowid int64
			err := tx.QueryRowContext(ctx,
				fmt.Sprintf("SELECT rowid FROM items_%s WHERE id = ?", c.name), id).Scan(&rowid)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM vec_%s WHERE rowid = ?", c.name), rowid); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM items_%s WHERE rowid = ?", c.name), rowid); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len counts items in the collection.
func (c *Collection) Len(ctx context.Context) (int, error) {
	var n int
	err := c.store.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM items_%s", c.name)).Scan(&n)
	return n, err
}

// Clear drops every item in the collection.
func (c *Collection) Clear(ctx context.Context) error {
	return c.store.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM vec_%s", c.name)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM items_%s", c.name))
		return err
	})
}

// IDs returns every item id in the collection.
func (c *Collection) IDs(ctx context.Context) ([]string, error) {
	rows, err := c.store.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id FROM items_%s", c.name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
