// Package workspace manages per-project directories: uploaded documents,
// the graph database, generation history, and the file ledger that drives
// incremental re-indexing.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidName is returned for workspace names outside [A-Za-z0-9_-]+.
	ErrInvalidName = errors.New("workspace: invalid name")

	// ErrExists is returned when creating a workspace that already exists.
	ErrExists = errors.New("workspace: already exists")

	// ErrNotFound is returned for missing workspaces or records.
	ErrNotFound = errors.New("workspace: not found")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// File statuses.
const (
	StatusUploaded = "uploaded"
	StatusIndexed  = "indexed"
	StatusError    = "error"
)

// FileRecord is one entry of the file ledger.
type FileRecord struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	// Timestamp is when the file was uploaded, unix seconds.
	Timestamp int64 `json:"timestamp"`
	// Location is the absolute path of the stored copy.
	Location string `json:"location"`
	// LastGraphSync is when the file last entered the graph, unix seconds
	// with fraction. Zero means never indexed.
	LastGraphSync float64 `json:"last_graph_sync"`
	Size          int64   `json:"size"`
}

// HistoryEntry is one generation result, newest first in the history file.
type HistoryEntry struct {
	ID          string `json:"id"`
	Query       string `json:"query"`
	Code        string `json:"code"`
	DiagramType string `json:"diagram_type"`
	Timestamp   int64  `json:"timestamp"`
}

// Manager owns the projects root. File and history mutations are
// read-modify-write under one lock, so concurrent background tasks cannot
// clobber each other's ledger updates.
type Manager struct {
	root string
	mu   sync.Mutex
}

// NewManager returns a Manager rooted at dir, creating it if needed.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("workspace: creating root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the projects root directory.
func (m *Manager) Root() string { return m.root }

// Dir returns the directory of a named workspace.
func (m *Manager) Dir(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(m.root, name), nil
}

// UploadsDir returns the uploads directory of a workspace.
func (m *Manager) UploadsDir(name string) (string, error) {
	dir, err := m.Dir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "uploads"), nil
}

// GraphDBDir returns the graph database directory of a workspace.
func (m *Manager) GraphDBDir(name string) (string, error) {
	dir, err := m.Dir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "graph_db"), nil
}

// Ensure creates the workspace layout if any of it is missing.
func (m *Manager) Ensure(name string) error {
	dir, err := m.Dir(name)
	if err != nil {
		return err
	}
	for _, sub := range []string{"uploads", "graph_db"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return err
		}
	}
	for _, f := range []string{"history.json", "files.json"} {
		path := filepath.Join(dir, f)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte("[]"), 0644); err != nil {
				return err
			}
		}
	}
	return nil
}

// Create makes a fresh workspace, failing if it already exists.
func (m *Manager) Create(name string) error {
	dir, err := m.Dir(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %q", ErrExists, name)
	}
	return m.Ensure(name)
}

// Exists reports whether the workspace directory is present.
func (m *Manager) Exists(name string) bool {
	dir, err := m.Dir(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// List returns all workspace names, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && validName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// --- file ledger ---

// Files returns the file ledger of a workspace.
func (m *Manager) Files(ws string) ([]FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readFiles(ws)
}

// AddFile registers an uploaded file and returns its record.
func (m *Manager) AddFile(ws, filename, location string, size int64) (FileRecord, error) {
	rec := FileRecord{
		ID:        uuid.NewString(),
		Filename:  filename,
		Status:    StatusUploaded,
		Timestamp: time.Now().Unix(),
		Location:  location,
		Size:      size,
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.readFiles(ws)
	if err != nil {
		return FileRecord{}, err
	}
	recs = append(recs, rec)
	return rec, m.writeFiles(ws, recs)
}

// UpdateFile applies fn to the record with the given id.
func (m *Manager) UpdateFile(ws, id string, fn func(*FileRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.readFiles(ws)
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].ID == id {
			fn(&recs[i])
			return m.writeFiles(ws, recs)
		}
	}
	return fmt.Errorf("%w: file %q", ErrNotFound, id)
}

// DeleteFile removes a record and its stored copy.
func (m *Manager) DeleteFile(ws, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.readFiles(ws)
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].ID == id {
			if recs[i].Location != "" {
				os.Remove(recs[i].Location)
			}
			recs = append(recs[:i], recs[i+1:]...)
			return m.writeFiles(ws, recs)
		}
	}
	return fmt.Errorf("%w: file %q", ErrNotFound, id)
}

func (m *Manager) readFiles(ws string) ([]FileRecord, error) {
	dir, err := m.Dir(ws)
	if err != nil {
		return nil, err
	}
	var recs []FileRecord
	if err := readJSON(filepath.Join(dir, "files.json"), &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (m *Manager) writeFiles(ws string, recs []FileRecord) error {
	dir, err := m.Dir(ws)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "files.json"), recs)
}

// --- history ---

// History returns the generation history, newest first.
func (m *Manager) History(ws string) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readHistory(ws)
}

// AddHistory prepends an entry and returns it with its assigned id.
func (m *Manager) AddHistory(ws string, e HistoryEntry) (HistoryEntry, error) {
	e.ID = uuid.NewString()
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.readHistory(ws)
	if err != nil {
		return HistoryEntry{}, err
	}
	entries = append([]HistoryEntry{e}, entries...)
	return e, m.writeHistory(ws, entries)
}

// DeleteHistory removes one entry by id.
func (m *Manager) DeleteHistory(ws, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.readHistory(ws)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID == id {
			entries = append(entries[:i], entries[i+1:]...)
			return m.writeHistory(ws, entries)
		}
	}
	return fmt.Errorf("%w: history entry %q", ErrNotFound, id)
}

// ClearHistory removes every entry.
func (m *Manager) ClearHistory(ws string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeHistory(ws, []HistoryEntry{})
}

func (m *Manager) readHistory(ws string) ([]HistoryEntry, error) {
	dir, err := m.Dir(ws)
	if err != nil {
		return nil, err
	}
	var entries []HistoryEntry
	if err := readJSON(filepath.Join(dir, "history.json"), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *Manager) writeHistory(ws string, entries []HistoryEntry) error {
	dir, err := m.Dir(ws)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "history.json"), entries)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
