package runstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
)

// FileStore keeps one JSON document per run in a directory.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a file-based store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, pberrors.Validation("run store directory is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run store dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Path returns the base directory for summary files.
func (s *FileStore) Path() string { return s.baseDir }

func (s *FileStore) summaryPath(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func (s *FileStore) Put(ctx context.Context, sum Summary) error {
	if !validID(sum.ID) {
		return pberrors.Validation("invalid run id: %q", sum.ID)
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.baseDir, ".summary-*")
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write summary: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.summaryPath(sum.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (Summary, error) {
	if !validID(id) {
		return Summary{}, pberrors.New(pberrors.ErrCodeNotFound, "run %q not found", id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.summaryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, pberrors.New(pberrors.ErrCodeNotFound, "run %q not found", id)
		}
		return Summary{}, fmt.Errorf("read summary: %w", err)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return Summary{}, fmt.Errorf("parse summary %s: %w", id, err)
	}
	return sum, nil
}

// List skips documents that fail to parse.
func (s *FileStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read run store dir: %w", err)
	}

	var out []Summary
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			continue
		}
		var sum Summary
		if err := json.Unmarshal(data, &sum); err != nil {
			continue
		}
		if opts.match(sum) {
			out = append(out, sum)
		}
	}

	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
