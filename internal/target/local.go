package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/storage"
)

// Local is a file or directory on the local filesystem.
type Local struct {
	path string
	dir  bool
	tmp  bool
}

// NewLocalFile returns a handle to a local file.
func NewLocalFile(path string) *Local { return &Local{path: filepath.Clean(path)} }

// NewLocalDir returns a handle to a local directory.
func NewLocalDir(path string) *Local { return &Local{path: filepath.Clean(path), dir: true} }

// NewTemp reserves a temporary local file whose name ends in suffix. Nothing
// is created on disk; Close removes whatever ended up at the path, so callers
// should `defer t.Close()` right after creating it.
func NewTemp(suffix string) (*Local, error) {
	f, err := os.CreateTemp("", "gridflow-*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("reserve temp file: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return &Local{path: name, tmp: true}, nil
}

func (l *Local) Location() string { return l.path }

// Path is the filesystem path.
func (l *Local) Path() string { return l.path }

func (l *Local) Kind() Kind {
	if l.dir {
		return LocalDir
	}
	return LocalFile
}

// Temporary reports whether Close removes the target.
func (l *Local) Temporary() bool { return l.tmp }

func (l *Local) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir() == l.dir, nil
}

func (l *Local) Read(ctx context.Context) (io.ReadCloser, error) {
	if l.dir {
		return nil, fmt.Errorf("read %s: is a directory target", l.path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, l.path)
	}
	if err != nil {
		return nil, &TransferError{Op: "read", Location: l.path, Err: err}
	}
	return f, nil
}

func (l *Local) Write(ctx context.Context, r io.Reader) error {
	if l.dir {
		return fmt.Errorf("write %s: is a directory target", l.path)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w, err := storage.CreateAtomic(l.path, 0o644)
	if err != nil {
		return &TransferError{Op: "write", Location: l.path, Err: err}
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return &TransferError{Op: "write", Location: l.path, Err: err}
	}
	if err := w.Close(); err != nil {
		return &TransferError{Op: "write", Location: l.path, Err: err}
	}
	return nil
}

func (l *Local) Remove(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(l.path); err != nil {
		return fmt.Errorf("remove %s: %w", l.path, err)
	}
	return nil
}

// Close removes a temporary target. It is a no-op for regular targets.
func (l *Local) Close() error {
	if !l.tmp {
		return nil
	}
	if err := os.RemoveAll(l.path); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("failed to remove temporary target")
		return err
	}
	return nil
}
