package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/3cpo-dev/gridflow/internal/retry"
	"github.com/3cpo-dev/gridflow/internal/storage"
)

// Remote is an object or directory on a named store. Every storage call is
// retried with backoff according to the target's policy.
type Remote struct {
	store  storage.Storage
	path   string
	dir    bool
	policy retry.Policy
}

// NewRemoteFile returns a handle to a file on store.
func NewRemoteFile(store storage.Storage, path string, p retry.Policy) *Remote {
	return &Remote{store: store, path: path, policy: p}
}

// NewRemoteDir returns a handle to a directory on store.
func NewRemoteDir(store storage.Storage, path string, p retry.Policy) *Remote {
	return &Remote{store: store, path: path, dir: true, policy: p}
}

func (r *Remote) Location() string { return r.store.URI(r.path) }

// Path is the path relative to the store root.
func (r *Remote) Path() string { return r.path }

// Store is the underlying store.
func (r *Remote) Store() storage.Storage { return r.store }

func (r *Remote) Kind() Kind {
	if r.dir {
		return RemoteDir
	}
	return RemoteFile
}

func (r *Remote) Exists(ctx context.Context) (bool, error) {
	var ok bool
	err := retry.Do(ctx, r.policy, "exists "+r.Location(), func(ctx context.Context) error {
		var err error
		ok, err = r.store.Exists(ctx, r.path)
		return err
	})
	return ok, err
}

func (r *Remote) Read(ctx context.Context) (io.ReadCloser, error) {
	if r.dir {
		return nil, fmt.Errorf("read %s: is a directory target", r.Location())
	}
	var rc io.ReadCloser
	err := retry.Do(ctx, r.policy, "read "+r.Location(), func(ctx context.Context) error {
		var err error
		rc, err = r.store.OpenRead(ctx, r.path)
		if errors.Is(err, fs.ErrNotExist) {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, r.Location()))
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &TransferError{Op: "read", Location: r.Location(), Err: err}
	}
	return rc, nil
}

func (r *Remote) Write(ctx context.Context, src io.Reader) error {
	if r.dir {
		return fmt.Errorf("write %s: is a directory target", r.Location())
	}
	seeker, rewindable := src.(io.Seeker)
	policy := r.policy
	if !rewindable {
		// A consumed stream cannot be replayed.
		policy = retry.NoRetry()
		policy.Timeout = r.policy.Timeout
	}
	first := true
	err := retry.Do(ctx, policy, "write "+r.Location(), func(ctx context.Context) error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return retry.Permanent(err)
			}
		}
		first = false
		w, err := r.store.OpenWrite(ctx, r.path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, src); err != nil {
			_ = w.Abort()
			return err
		}
		return w.Close()
	})
	if err != nil {
		return &TransferError{Op: "write", Location: r.Location(), Err: err}
	}
	return nil
}

func (r *Remote) Remove(ctx context.Context) error {
	return retry.Do(ctx, r.policy, "remove "+r.Location(), func(ctx context.Context) error {
		return r.store.Remove(ctx, r.path)
	})
}
