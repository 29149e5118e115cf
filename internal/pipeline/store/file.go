package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/xjson"
)

const checkpointFile = "checkpoint.json"

// FileStore writes <root>/<run_id>/checkpoint.json.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("file store root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.root, runID, checkpointFile)
}

func (s *FileStore) Save(_ context.Context, cp *runtime.Checkpoint) error {
	if err := checkSave(cp); err != nil {
		return err
	}
	return runtime.WriteJSONAtomic(s.path(cp.RunID), cp)
}

func (s *FileStore) Load(_ context.Context, runID string) (*runtime.Checkpoint, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, err
	}
	var cp runtime.Checkpoint
	if err := xjson.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path(runID), err)
	}
	return &cp, nil
}

func (s *FileStore) Runs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.path(e.Name())); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }
