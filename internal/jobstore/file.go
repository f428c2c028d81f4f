// Package jobstore persists workflow submission records, either as one JSON
// file per task or in a shared SQLite database.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/gridflow/internal/config"
	"github.com/3cpo-dev/gridflow/internal/storage"
	"github.com/3cpo-dev/gridflow/internal/workflow"
)

// SubmissionFile is the record name inside a task's submission directory.
const SubmissionFile = "submission.json"

// File stores each submission at <root>/<key>/submission.json.
type File struct {
	root string
}

var _ workflow.StateStore = (*File)(nil)

func NewFile(root string) *File { return &File{root: root} }

// Path returns where the record for key lives.
func (f *File) Path(key string) string {
	return filepath.Join(f.root, key, SubmissionFile)
}

func (f *File) Load(ctx context.Context, key string) (*workflow.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s workflow.Submission
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path(key), err)
	}
	return &s, nil
}

func (f *File) Save(ctx context.Context, key string, s *workflow.Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(f.Path(key), append(raw, '\n'), 0o644)
}

// Open returns the store selected by cfg.State.
func Open(cfg config.Config) (workflow.StateStore, error) {
	switch cfg.State.Driver {
	case "", "file":
		return NewFile(cfg.State.Path), nil
	case "sqlite":
		return OpenSQLite(cfg.State.Path)
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.State.Driver)
	}
}
