package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Local is a store rooted at a directory on the local filesystem.
type Local struct {
	name string
	root string
}

func NewLocal(name, root string) *Local {
	return &Local{name: name, root: root}
}

func (l *Local) Name() string { return l.name }

func (l *Local) URI(p string) string { return "file://" + l.abs(p) }

// abs maps a store path below the root; ".." components cannot escape it.
func (l *Local) abs(p string) string {
	clean := path.Clean("/" + strings.TrimPrefix(filepath.ToSlash(p), "/"))
	return filepath.Join(l.root, filepath.FromSlash(clean))
}

func (l *Local) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(l.abs(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *Local) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(l.abs(p))
}

func (l *Local) OpenWrite(ctx context.Context, p string) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return CreateAtomic(l.abs(p), 0o644)
}

func (l *Local) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(l.abs(p))
}

// atomicFile writes to a temp file next to the destination and renames it
// into place on Close.
type atomicFile struct {
	*os.File
	dest string
	perm os.FileMode
	done bool
}

// CreateAtomic opens a staging file for dest, creating parent directories.
func CreateAtomic(dest string, perm os.FileMode) (Writer, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create parent: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &atomicFile{File: tmp, dest: dest, perm: perm}, nil
}

func (a *atomicFile) Close() error {
	if a.done {
		return os.ErrClosed
	}
	a.done = true
	name := a.File.Name()
	if err := a.File.Chmod(a.perm); err != nil {
		_ = a.File.Close()
		_ = os.Remove(name)
		return err
	}
	if err := a.File.Sync(); err != nil {
		_ = a.File.Close()
		_ = os.Remove(name)
		return err
	}
	if err := a.File.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, a.dest); err != nil {
		_ = os.Remove(name)
		return err
	}
	return syncDir(filepath.Dir(a.dest))
}

func (a *atomicFile) Abort() error {
	if a.done {
		return nil
	}
	a.done = true
	_ = a.File.Close()
	return os.Remove(a.File.Name())
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename already happened.
	_ = d.Sync()
	return nil
}

// WriteFileAtomic is the one-shot form of CreateAtomic.
func WriteFileAtomic(dest string, data []byte, perm os.FileMode) error {
	w, err := CreateAtomic(dest, perm)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Close()
}
