package docread

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf8"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadTextUTF8(t *testing.T) {
	path := writeTemp(t, "a.txt", []byte("héllo wörld"))
	got, err := ReadText(path)
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if got != "héllo wörld" {
		t.Errorf("got %q", got)
	}
}

func TestReadTextLatin1Fallback(t *testing.T) {
	// 0xE9 is 'é' in latin-1 but invalid standalone UTF-8.
	path := writeTemp(t, "a.txt", []byte{'c', 'a', 'f', 0xE9})
	got, err := ReadText(path)
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if got != "café" {
		t.Errorf("got %q", got)
	}
	if !utf8.ValidString(got) {
		t.Error("fallback output is not valid UTF-8")
	}
}

func TestIsImage(t *testing.T) {
	if !IsImage("diagram.PNG") || !IsImage("shot.jpeg") {
		t.Error("image extensions not detected")
	}
	if IsImage("doc.pdf") || IsImage("noext") {
		t.Error("non-images detected as images")
	}
}

func TestReadFileDispatch(t *testing.T) {
	path := writeTemp(t, "notes.md", []byte("# heading"))
	got, err := ReadFile(path)
	if err != nil || got != "# heading" {
		t.Errorf("ReadFile md: %q, %v", got, err)
	}

	// Unknown extension with valid UTF-8 content reads as text.
	path = writeTemp(t, "config.conf", []byte("key=value"))
	got, err = ReadFile(path)
	if err != nil || got != "key=value" {
		t.Errorf("ReadFile conf: %q, %v", got, err)
	}

	// Images are rejected here; they belong to the vision path.
	path = writeTemp(t, "pic.png", []byte{0x89, 'P', 'N', 'G'})
	if _, err := ReadFile(path); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ReadFile png err = %v, want ErrUnsupportedFormat", err)
	}

	// Unknown extension with binary content is rejected.
	path = writeTemp(t, "blob.bin", []byte{0xFF, 0xFE, 0x00, 0x01})
	if _, err := ReadFile(path); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ReadFile bin err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestReadPDFMissingFile(t *testing.T) {
	if _, err := ReadPDF(filepath.Join(t.TempDir(), "nope.pdf")); err == nil {
		t.Fatal("expected error for missing PDF")
	}
}

func TestReadXLSXRejectsGarbage(t *testing.T) {
	path := writeTemp(t, "fake.xlsx", []byte("not a zip"))
	if _, err := ReadXLSX(path); err == nil {
		t.Fatal("expected error for malformed spreadsheet")
	}
}
