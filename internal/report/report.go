// Package report writes crawl results as UTF-8 JSON files.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/tenderscan/internal/crawler"
)

// AnalyzeInput is one entry of the analyze command input: an item and the
// local documents to evaluate for it.
type AnalyzeInput struct {
	ItemID string   `json:"tender_id"`
	Files  []string `json:"files"`
}

// FileReporter implements crawler.Reporter.
type FileReporter struct {
	path string
}

// NewFileReporter writes reports to path.
func NewFileReporter(path string) (*FileReporter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("report path is required")
	}
	return &FileReporter{path: path}, nil
}

// Write replaces the report file. A nil slice is written as [].
func (r *FileReporter) Write(_ context.Context, reports []crawler.ItemReport) error {
	if reports == nil {
		reports = []crawler.ItemReport{}
	}
	for i := range reports {
		if reports[i].MatchedAttachments == nil {
			reports[i].MatchedAttachments = []crawler.AttachmentHit{}
		}
	}
	return WriteJSON(r.path, reports)
}

// WriteIDs writes the hit ids as a JSON array.
func WriteIDs(path string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	return WriteJSON(path, ids)
}

// WriteJSON encodes v with two-space indentation and unescaped non-ASCII
// text, replacing path atomically.
func WriteJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadAnalyzeInput loads the analyze command input.
func ReadAnalyzeInput(path string) ([]AnalyzeInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var entries []AnalyzeInput
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return entries, nil
}
