package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/retry"
	gssh "github.com/3cpo-dev/gridflow/internal/ssh"
)

// SFTP is a store on a remote storage element reached over SSH.
//
// The connection is opened lazily and shared by all operations; a failed
// operation drops it so the next call reconnects.
type SFTP struct {
	name     string
	root     string
	endpoint gssh.Endpoint
	connect  func(ctx context.Context) (*sftp.Client, io.Closer, error)

	mu     sync.Mutex
	client *sftp.Client
	closer io.Closer
}

// NewSFTP creates a driver dialing ep with the given retry policy.
func NewSFTP(name, root string, ep gssh.Endpoint, p retry.Policy) *SFTP {
	s := &SFTP{name: name, root: root, endpoint: ep}
	s.connect = func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		cli, err := gssh.Dial(ctx, ep, p)
		if err != nil {
			return nil, nil, err
		}
		sc, err := sftp.NewClient(cli)
		if err != nil {
			_ = cli.Close()
			return nil, nil, fmt.Errorf("sftp client: %w", err)
		}
		return sc, cli, nil
	}
	return s
}

// NewSFTPWithClient wraps an already connected client.
func NewSFTPWithClient(name, root string, client *sftp.Client) *SFTP {
	return &SFTP{
		name: name,
		root: root,
		connect: func(context.Context) (*sftp.Client, io.Closer, error) {
			return nil, nil, errors.New("sftp: connection lost")
		},
		client: client,
	}
}

func (s *SFTP) Name() string { return s.name }

func (s *SFTP) URI(p string) string {
	return fmt.Sprintf("sftp://%s%s", s.endpoint.Addr(), s.abs(p))
}

func (s *SFTP) abs(p string) string {
	return path.Join(s.root, path.Clean("/"+strings.TrimPrefix(p, "/")))
}

func (s *SFTP) get(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, closer, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.client, s.closer = c, closer
	log.Debug().Str("store", s.name).Str("addr", s.endpoint.Addr()).Msg("sftp connected")
	return c, nil
}

// drop discards c after a non-semantic failure if it is still the cached
// connection.
func (s *SFTP) drop(c *sftp.Client, err error) {
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == c {
		s.closeLocked()
	}
}

// await bounds a call on c by ctx. An expired call closes c, if it is still
// the cached connection, so the blocked request fails.
func (s *SFTP) await(ctx context.Context, c *sftp.Client, fn func() error) error {
	return gssh.Await(ctx, fn, func() {
		log.Warn().Str("store", s.name).Str("addr", s.endpoint.Addr()).Msg("sftp call timed out, dropping connection")
		s.drop(c, context.DeadlineExceeded)
		_ = c.Close()
	})
}

func (s *SFTP) closeLocked() error {
	var err error
	if s.client != nil {
		err = s.client.Close()
		s.client = nil
	}
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
		s.closer = nil
	}
	return err
}

// Close releases the connection.
func (s *SFTP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SFTP) Exists(ctx context.Context, p string) (bool, error) {
	c, err := s.get(ctx)
	if err != nil {
		return false, err
	}
	err = s.await(ctx, c, func() error {
		_, err := c.Stat(s.abs(p))
		return err
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	s.drop(c, err)
	return false, err
}

// OpenRead bounds opening the object by ctx. Reads from the returned file
// are not bound, since the caller consumes it after the call returns.
func (s *SFTP) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	c, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	var f *sftp.File
	err = s.await(ctx, c, func() error {
		var err error
		f, err = c.Open(s.abs(p))
		return err
	})
	if err != nil {
		s.drop(c, err)
		return nil, err
	}
	return f, nil
}

// OpenWrite stages the object next to its destination. Writes and the
// publishing Close stay bound by ctx.
func (s *SFTP) OpenWrite(ctx context.Context, p string) (Writer, error) {
	c, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	dest := s.abs(p)
	staging := path.Join(path.Dir(dest), "."+path.Base(dest)+".part-"+uuid.NewString())
	var f *sftp.File
	err = s.await(ctx, c, func() error {
		if err := c.MkdirAll(path.Dir(dest)); err != nil {
			return fmt.Errorf("mkdir remote: %w", err)
		}
		var err error
		if f, err = c.Create(staging); err != nil {
			return fmt.Errorf("create remote: %w", err)
		}
		return nil
	})
	if err != nil {
		s.drop(c, err)
		return nil, err
	}
	return &sftpWriter{ctx: ctx, store: s, client: c, file: f, staging: staging, dest: dest}, nil
}

func (s *SFTP) Remove(ctx context.Context, p string) error {
	c, err := s.get(ctx)
	if err != nil {
		return err
	}
	target := s.abs(p)
	err = s.await(ctx, c, func() error {
		info, err := c.Stat(target)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return c.RemoveAll(target)
		}
		return c.Remove(target)
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.drop(c, err)
		return err
	}
	return nil
}

const abortTimeout = 30 * time.Second

type sftpWriter struct {
	ctx     context.Context
	store   *SFTP
	client  *sftp.Client
	file    *sftp.File
	staging string
	dest    string
	done    bool
}

func (w *sftpWriter) Write(p []byte) (int, error) {
	var n int
	err := w.store.await(w.ctx, w.client, func() error {
		var err error
		n, err = w.file.Write(p)
		return err
	})
	return n, err
}

// Close publishes the staged object. posix-rename replaces atomically; servers
// without the extension fall back to remove + rename.
func (w *sftpWriter) Close() error {
	if w.done {
		return fs.ErrClosed
	}
	w.done = true
	err := w.store.await(w.ctx, w.client, w.publish)
	if err != nil {
		w.store.drop(w.client, err)
	}
	return err
}

func (w *sftpWriter) publish() error {
	if err := w.file.Close(); err != nil {
		_ = w.client.Remove(w.staging)
		return err
	}
	if err := w.client.PosixRename(w.staging, w.dest); err == nil {
		return nil
	}
	if err := w.client.Remove(w.dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = w.client.Remove(w.staging)
		return fmt.Errorf("replace remote: %w", err)
	}
	if err := w.client.Rename(w.staging, w.dest); err != nil {
		_ = w.client.Remove(w.staging)
		return fmt.Errorf("publish remote: %w", err)
	}
	return nil
}

func (w *sftpWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	// Abort usually follows an expired ctx; cleanup gets its own bound.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), abortTimeout)
	defer cancel()
	return w.store.await(ctx, w.client, func() error {
		_ = w.file.Close()
		return w.client.Remove(w.staging)
	})
}
