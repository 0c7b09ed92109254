// Package state persists crawl progress so an interrupted crawl resumes
// where its last checkpoint left off.
package state

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/tenderscan/internal/crawler"
)

// ErrCorruptState reports a state file that cannot be trusted.
var ErrCorruptState = errors.New("corrupt crawl state")

// File names inside the state directory.
const (
	VisitedFile = "visited_ids.txt"
	HitsFile    = "hit_ids.txt"
)

// FileStore keeps the visited and hit sets as sorted, newline-delimited id
// lists. Every save replaces both files atomically.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Load reads both sets. Missing files yield empty sets. Hit ids missing from
// the visited list are restored into it.
func (s *FileStore) Load(_ context.Context) (crawler.CrawlState, error) {
	visited, err := s.readIDs(VisitedFile)
	if err != nil {
		return crawler.CrawlState{}, err
	}
	hits, err := s.readIDs(HitsFile)
	if err != nil {
		return crawler.CrawlState{}, err
	}
	st := crawler.NewCrawlState()
	for _, id := range visited {
		st.MarkVisited(id, false)
	}
	repaired := 0
	for _, id := range hits {
		if !st.IsVisited(id) {
			repaired++
		}
		st.MarkVisited(id, true)
	}
	if repaired > 0 {
		s.logger.Warn("hit ids missing from visited list restored", zap.Int("count", repaired))
	}
	s.logger.Info("crawl state loaded",
		zap.String("dir", s.dir),
		zap.Int("visited", len(st.Visited)),
		zap.Int("hits", len(st.Hits)),
	)
	return st, nil
}

// Save writes hits before visited so a crash between the two renames can
// only lose visited ids that Load restores from the hit list.
func (s *FileStore) Save(_ context.Context, st crawler.CrawlState) error {
	if err := s.writeIDs(HitsFile, st.SortedHits()); err != nil {
		return err
	}
	return s.writeIDs(VisitedFile, st.SortedVisited())
}

// Reset deletes both files.
func (s *FileStore) Reset(_ context.Context) error {
	for _, name := range []string{VisitedFile, HitsFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	s.logger.Info("crawl state reset", zap.String("dir", s.dir))
	return nil
}

func (s *FileStore) readIDs(name string) ([]string, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return nil, fmt.Errorf("%w: %s is not a text id list", ErrCorruptState, path)
	}
	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptState, path, err)
	}
	return ids, nil
}

func (s *FileStore) writeIDs(name string, ids []string) error {
	var buf bytes.Buffer
	for _, id := range ids {
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	if err := writeAtomic(s.dir, name, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// writeAtomic replaces dir/name via a synced temp file and rename.
func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return err
	}
	committed = true
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
