package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/phishguard/phishguard/internal/scan"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore persists the history as a JSON array in a local file named after
// [Key]. Suitable for single-instance deployments without a database.
// Safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore rooted at dir. The directory is created if
// it does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, Key+".json")}, nil
}

// Load reads the persisted history. A missing file yields an empty slice.
func (s *FileStore) Load(_ context.Context) ([]scan.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: read file: %w", err)
	}

	var entries []scan.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("history: decode file: %w", err)
	}
	return entries, nil
}

// Save replaces the persisted history. The file is written to a temporary
// name and renamed into place so a crash never leaves a torn array.
func (s *FileStore) Save(_ context.Context, entries []scan.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("history: write file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("history: rename file: %w", err)
	}
	return nil
}
