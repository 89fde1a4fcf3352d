package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "projects"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestNameValidation(t *testing.T) {
	m := newTestManager(t)
	for _, bad := range []string{"", "has space", "dot.dot", "../escape", "semi;colon"} {
		if _, err := m.Dir(bad); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Dir(%q) err = %v, want ErrInvalidName", bad, err)
		}
	}
	for _, good := range []string{"default", "My_Project-2", "a"} {
		if _, err := m.Dir(good); err != nil {
			t.Errorf("Dir(%q) err = %v", good, err)
		}
	}
}

func TestEnsureLayout(t *testing.T) {
	m := newTestManager(t)
	if err := m.Ensure("default"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	dir, _ := m.Dir("default")
	for _, p := range []string{"uploads", "graph_db", "history.json", "files.json"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}

	// Ensure is idempotent.
	if err := m.Ensure("default"); err != nil {
		t.Errorf("second Ensure: %v", err)
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	if err := m.Create("proj"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create("proj"); !errors.Is(err, ErrExists) {
		t.Fatalf("second Create err = %v, want ErrExists", err)
	}
}

func TestListAndExists(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"beta", "alpha"} {
		if err := m.Create(name); err != nil {
			t.Fatal(err)
		}
	}

	names, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "beta"}) {
		t.Errorf("List = %v", names)
	}
	if !m.Exists("alpha") || m.Exists("gamma") {
		t.Error("Exists misreports")
	}
}

func TestFileLedger(t *testing.T) {
	m := newTestManager(t)
	if err := m.Ensure("ws"); err != nil {
		t.Fatal(err)
	}

	rec, err := m.AddFile("ws", "doc.pdf", "/tmp/doc.pdf", 123)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if rec.ID == "" || rec.Status != StatusUploaded {
		t.Errorf("rec = %+v", rec)
	}

	err = m.UpdateFile("ws", rec.ID, func(r *FileRecord) {
		r.Status = StatusIndexed
		r.LastGraphSync = 1700000000.5
	})
	if err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}

	recs, _ := m.Files("ws")
	if len(recs) != 1 || recs[0].Status != StatusIndexed || recs[0].LastGraphSync != 1700000000.5 {
		t.Errorf("recs = %+v", recs)
	}

	if err := m.UpdateFile("ws", "missing", func(*FileRecord) {}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateFile err = %v", err)
	}
}

func TestDeleteFileRemovesStoredCopy(t *testing.T) {
	m := newTestManager(t)
	if err := m.Ensure("ws"); err != nil {
		t.Fatal(err)
	}
	uploads, _ := m.UploadsDir("ws")
	stored := filepath.Join(uploads, "doc.txt")
	if err := os.WriteFile(stored, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	rec, err := m.AddFile("ws", "doc.txt", stored, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteFile("ws", rec.ID); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}

	if _, err := os.Stat(stored); !os.IsNotExist(err) {
		t.Error("stored copy survived deletion")
	}
	recs, _ := m.Files("ws")
	if len(recs) != 0 {
		t.Errorf("recs = %+v", recs)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	m := newTestManager(t)
	if err := m.Ensure("ws"); err != nil {
		t.Fatal(err)
	}

	first, err := m.AddHistory("ws", HistoryEntry{Query: "q1", Code: "c1", DiagramType: "flowchart"})
	if err != nil {
		t.Fatalf("AddHistory: %v", err)
	}
	second, err := m.AddHistory("ws", HistoryEntry{Query: "q2", Code: "c2", DiagramType: "pie"})
	if err != nil {
		t.Fatal(err)
	}

	entries, _ := m.History("ws")
	if len(entries) != 2 || entries[0].ID != second.ID || entries[1].ID != first.ID {
		t.Fatalf("entries = %+v, want newest first", entries)
	}

	if err := m.DeleteHistory("ws", first.ID); err != nil {
		t.Fatalf("DeleteHistory: %v", err)
	}
	entries, _ = m.History("ws")
	if len(entries) != 1 || entries[0].ID != second.ID {
		t.Errorf("entries = %+v", entries)
	}

	if err := m.ClearHistory("ws"); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	entries, _ = m.History("ws")
	if len(entries) != 0 {
		t.Errorf("entries = %+v after clear", entries)
	}
}
