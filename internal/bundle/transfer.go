package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/retry"
	"github.com/3cpo-dev/gridflow/internal/storage"
	"github.com/3cpo-dev/gridflow/internal/target"
)

// ErrInsufficientReplicas is matched by ReplicaError.
var ErrInsufficientReplicas = errors.New("insufficient replicas")

// ReplicaError reports a transfer that did not reach the required count.
type ReplicaError struct {
	Archive   string
	Required  int
	Succeeded int
	Errs      []error
}

func (e *ReplicaError) Error() string {
	msg := fmt.Sprintf("%s: %v: %d of %d written", e.Archive, ErrInsufficientReplicas, e.Succeeded, e.Required)
	if len(e.Errs) > 0 {
		msg += ": " + errors.Join(e.Errs...).Error()
	}
	return msg
}

func (e *ReplicaError) Unwrap() []error { return e.Errs }

func (e *ReplicaError) Is(target error) bool { return target == ErrInsufficientReplicas }

// Replicas returns the destination targets for name under dir on store.
// Zero replicas means one un-suffixed copy; otherwise copy i is named
// <stem>.<i><ext>.
func Replicas(store storage.Storage, dir, name string, replicas int, p retry.Policy) []target.Target {
	if replicas <= 0 {
		return []target.Target{target.NewRemoteFile(store, path.Join(dir, name), p)}
	}
	out := make([]target.Target, replicas)
	for i := range out {
		out[i] = target.NewRemoteFile(store, path.Join(dir, ReplicaName(name, i)), p)
	}
	return out
}

// Transfer writes the archive to candidates in order until replicas writes
// have succeeded, and returns the written targets. Each write is retried by
// the target itself. A temporary archive is removed before returning,
// whatever the outcome.
func Transfer(ctx context.Context, a *Archive, candidates []target.Target, replicas int) ([]target.Target, error) {
	defer a.Close()

	need := replicas
	if need <= 0 {
		need = 1
	}
	var (
		written []target.Target
		errs    []error
	)
	for _, c := range candidates {
		if len(written) == need {
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := writeOne(ctx, a.Path, c); err != nil {
			log.Warn().Err(err).Str("archive", a.Name).Str("target", c.Location()).Msg("Replica write failed")
			errs = append(errs, err)
			continue
		}
		log.Info().Str("archive", a.Name).Str("target", c.Location()).Msg("Replica written")
		written = append(written, c)
	}
	if len(written) < need {
		return written, &ReplicaError{Archive: a.Name, Required: need, Succeeded: len(written), Errs: errs}
	}
	return written, nil
}

func writeOne(ctx context.Context, src string, dst target.Target) error {
	return target.Copy(ctx, dst, target.NewLocalFile(src))
}

// Fetch reads the first available replica and unpacks it into dest. It is
// what a worker node runs at bootstrap to obtain its software.
func Fetch(ctx context.Context, replicas []target.Target, dest string) (target.Target, error) {
	var errs []error
	for _, r := range replicas {
		rc, err := r.Read(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = Unpack(rc, dest)
		rc.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("unpack %s: %w", r.Location(), err))
			continue
		}
		return r, nil
	}
	if len(errs) == 0 {
		return nil, errors.New("fetch: no replicas given")
	}
	return nil, fmt.Errorf("fetch: no usable replica: %w", errors.Join(errs...))
}

// Unpack extracts a bundle read from r into dest. Entries escaping dest are
// rejected, either by name, by a symlink pointing outside dest, or by a path
// leading through a symlink.
func Unpack(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	root := filepath.Clean(dest)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		p := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if !within(root, p) {
			return fmt.Errorf("entry %q escapes %s", hdr.Name, dest)
		}
		if p != root {
			if err := noSymlinkParents(root, filepath.Dir(p)); err != nil {
				return fmt.Errorf("entry %q: %w", hdr.Name, err)
			}
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if fi, err := os.Lstat(p); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
				return fmt.Errorf("entry %q: %s is a symlink", hdr.Name, p)
			}
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			link := filepath.FromSlash(hdr.Linkname)
			if filepath.IsAbs(link) || !within(root, filepath.Join(filepath.Dir(p), link)) {
				return fmt.Errorf("entry %q: link target %q escapes %s", hdr.Name, hdr.Linkname, dest)
			}
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			_ = os.Remove(p)
			if err := os.Symlink(hdr.Linkname, p); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			// Replace rather than write through an existing link.
			if fi, err := os.Lstat(p); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
				if err := os.Remove(p); err != nil {
					return err
				}
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		}
	}
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

// noSymlinkParents fails when any existing component of dir below root is a
// symlink. Missing components are fine; MkdirAll creates them as directories.
func noSymlinkParents(root, dir string) error {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return err
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("path through symlink %s", cur)
		}
	}
	return nil
}
