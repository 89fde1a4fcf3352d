// Package docread extracts plain text from uploaded documents: text files
// (with a latin-1 fallback for non-UTF-8 payloads), PDFs, and spreadsheets.
// Images are detected but not read; they go to the vision analyzer instead.
package docread

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for extensions no reader handles.
var ErrUnsupportedFormat = errors.New("docread: unsupported document format")

var textExts = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".csv": true, ".log": true, ".xml": true, ".html": true,
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true,
}

// IsImage reports whether path has an image extension.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// ReadFile dispatches on extension. Unknown extensions are attempted as
// text when their content decodes as UTF-8.
func ReadFile(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".pdf":
		return ReadPDF(path)
	case ext == ".xlsx" || ext == ".xlsm" || ext == ".xls":
		return ReadXLSX(path)
	case imageExts[ext]:
		return "", fmt.Errorf("%w: %s is an image", ErrUnsupportedFormat, ext)
	case textExts[ext]:
		return ReadText(path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		if utf8.Valid(data) {
			return string(data), nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// ReadText reads a text file. Non-UTF-8 content is decoded as latin-1,
// which cannot fail and preserves every byte.
func ReadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), nil
}

// ReadPDF extracts text from every page, skipping pages that fail.
func ReadPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("docread: opening PDF: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("docread: no extractable text in %s", filepath.Base(path))
	}
	return out, nil
}

// ReadXLSX renders every sheet as pipe-separated rows under a sheet header.
func ReadXLSX(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("docread: opening spreadsheet: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "# %s\n", sheet)
		for _, row := range rows {
			sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		sb.WriteByte('\n')
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("docread: no data in %s", filepath.Base(path))
	}
	return out, nil
}
