// Package checkpoint persists source progress in a small JSON file.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// FileRepository implements domain.CheckpointRepository on a single file.
type FileRepository struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path, now: time.Now}
}

// Load returns nil without error when no checkpoint has been written yet.
func (r *FileRepository) Load(ctx context.Context) (*domain.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", r.path, err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", r.path, err)
	}
	return &cp, nil
}

// Save writes to a temp file in the same directory and renames it over the
// previous checkpoint, so a crash leaves either the old or the new state.
func (r *FileRepository) Save(ctx context.Context, cp domain.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp.UpdatedAt = r.now().UTC()
	data, err := json.Marshal(cp, jsontext.WithIndent("  "))
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	// the rename must not reach the disk before the data it points at
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint %s: %w", r.path, err)
	}
	return nil
}
