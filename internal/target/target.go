// Package target provides handles to persisted task outputs: local files and
// directories, and objects on a remote store.
package target

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Kind classifies a target.
type Kind string

const (
	LocalFile  Kind = "local-file"
	LocalDir   Kind = "local-dir"
	RemoteFile Kind = "remote-file"
	RemoteDir  Kind = "remote-dir"
)

// IsDir reports whether the kind names a directory.
func (k Kind) IsDir() bool { return k == LocalDir || k == RemoteDir }

var (
	// ErrNotFound is returned by Read when the target does not exist.
	ErrNotFound = errors.New("target not found")
	// ErrTransfer marks a failed or partial read/write.
	ErrTransfer = errors.New("transfer failed")
)

// TransferError carries the operation and location of a failed transfer.
type TransferError struct {
	Op       string
	Location string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Location, ErrTransfer, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }

// Target is a handle to one persisted artifact. Existence checks and reads
// have no side effects.
type Target interface {
	Location() string
	Kind() Kind
	Exists(ctx context.Context) (bool, error)
	// Read fails with ErrNotFound when the target is absent.
	Read(ctx context.Context) (io.ReadCloser, error)
	// Write publishes r atomically, creating parent structure as needed.
	// Readers implementing io.Seeker are rewound and retried on transient failure.
	Write(ctx context.Context, r io.Reader) error
	// Remove is a no-op when the target is absent.
	Remove(ctx context.Context) error
}

// AllExist reports whether every target exists. An empty set never exists,
// so a task without outputs is never complete.
func AllExist(ctx context.Context, targets []Target) (bool, error) {
	if len(targets) == 0 {
		return false, nil
	}
	for _, t := range targets {
		ok, err := t.Exists(ctx)
		if err != nil {
			return false, fmt.Errorf("check %s: %w", t.Location(), err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Copy streams src into dst.
func Copy(ctx context.Context, dst, src Target) error {
	r, err := src.Read(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	return dst.Write(ctx, r)
}

// ReadAll returns the full content of t.
func ReadAll(ctx context.Context, t Target) ([]byte, error) {
	r, err := t.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, &TransferError{Op: "read", Location: t.Location(), Err: err}
	}
	return b, nil
}
