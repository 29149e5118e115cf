// Package store persists run checkpoints keyed by run id.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
)

// ErrNotFound is returned by Load when a run has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Store keeps the latest checkpoint of every run.
type Store interface {
	Save(ctx context.Context, cp *runtime.Checkpoint) error
	Load(ctx context.Context, runID string) (*runtime.Checkpoint, error)
	// Runs lists run ids with a checkpoint, sorted.
	Runs(ctx context.Context) ([]string, error)
	Close() error
}

type Kind string

const (
	KindFile   Kind = "file"
	KindSQLite Kind = "sqlite"
	KindBadger Kind = "badger"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", KindFile:
		return KindFile, nil
	case KindSQLite, KindBadger:
		return k, nil
	default:
		return "", fmt.Errorf("unknown checkpoint backend %q (want file|sqlite|badger)", s)
	}
}

// Open returns the store for kind rooted at path. For file stores path is
// a directory; for sqlite a database file; for badger a directory.
func Open(kind Kind, path string) (Store, error) {
	switch kind {
	case KindFile, "":
		return NewFileStore(path)
	case KindSQLite:
		return OpenSQLite(path)
	case KindBadger:
		return OpenBadger(path)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", kind)
	}
}

// validRunID rejects ids that cannot double as a path segment or key suffix.
func validRunID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("run id is empty")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

func checkSave(cp *runtime.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	return validRunID(cp.RunID)
}
