// Package bundle archives source trees reproducibly and distributes the
// archives to replicated storage.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/storage"
)

// DefaultExcludes drop VCS metadata, build artifacts and existing archives.
var DefaultExcludes = []string{
	`(^|/)\.(git|svn|hg)(/|$)`,
	`(^|/)__pycache__(/|$)`,
	`(^|/)(build|tmp)(/|$)`,
	`\.(pyc|o|so|a)$`,
	`\.(tgz|tar|tar\.gz|zip)$`,
	`(^|/)\.DS_Store$`,
}

// Options controls how a tree is bundled.
type Options struct {
	// Excludes are regular expressions matched against slash separated paths
	// relative to the source directory. Nil means DefaultExcludes.
	Excludes []string
	// Checksummed names the archive <base>.<checksum>.tgz.
	Checksummed bool
	// Base is the archive base name. Defaults to the source directory name.
	Base string
	// Dir receives the archive. Empty means a temporary directory that is
	// removed by Archive.Close.
	Dir string
}

// Archive is a bundled tree on local disk.
type Archive struct {
	Path      string
	Name      string
	Checksum  string
	Files     int
	Size      int64
	Temporary bool
}

// Close removes a temporary archive. It is a no-op otherwise.
func (a *Archive) Close() error {
	if a == nil || !a.Temporary {
		return nil
	}
	if err := os.RemoveAll(filepath.Dir(a.Path)); err != nil {
		log.Warn().Err(err).Str("path", a.Path).Msg("failed to remove temporary archive")
		return err
	}
	return nil
}

// Matcher decides which relative paths are left out of a bundle.
type Matcher struct {
	res []*regexp.Regexp
}

// NewMatcher compiles patterns.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		m.res = append(m.res, re)
	}
	return m, nil
}

// Excluded reports whether rel matches any pattern.
func (m *Matcher) Excluded(rel string) bool {
	for _, re := range m.res {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

type entry struct {
	rel  string
	abs  string
	mode fs.FileMode
	link string
	size int64
}

// walk lists the included entries of root in lexical order.
func walk(ctx context.Context, root string, m *Matcher) ([]entry, error) {
	var out []entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if m.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		e := entry{rel: rel, abs: p, mode: normalizeMode(info.Mode())}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if e.link, err = os.Readlink(p); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			e.size = info.Size()
		case !info.IsDir():
			// sockets, devices and pipes are not bundled
			return nil
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, nil
}

// normalizeMode keeps only the type and the executable bit so bundles do not
// depend on umask.
func normalizeMode(m fs.FileMode) fs.FileMode {
	switch {
	case m.IsDir():
		return fs.ModeDir | 0o755
	case m&fs.ModeSymlink != 0:
		return fs.ModeSymlink | 0o777
	case m&0o111 != 0:
		return 0o755
	default:
		return 0o644
	}
}

// Checksum hashes the paths, modes and contents of the included entries of
// root. Identical trees give identical checksums regardless of timestamps.
func Checksum(ctx context.Context, root string, excludes []string) (string, error) {
	m, err := NewMatcher(defaultIfNil(excludes))
	if err != nil {
		return "", err
	}
	entries, err := walk(ctx, root, m)
	if err != nil {
		return "", err
	}
	return checksum(entries)
}

func checksum(entries []entry) (string, error) {
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%o\x00", e.rel, uint32(e.mode))
		switch {
		case e.link != "":
			io.WriteString(h, e.link)
		case e.mode.IsRegular():
			f, err := os.Open(e.abs)
			if err != nil {
				return "", err
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return "", err
			}
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func defaultIfNil(excludes []string) []string {
	if excludes == nil {
		return DefaultExcludes
	}
	return excludes
}

// Bundle archives sourceDir as a gzip compressed tar. Entries are sorted and
// carry fixed timestamps, owners and modes, so an unchanged tree yields a
// byte-identical archive. With Checksummed set and the archive already
// present in opts.Dir, the existing file is reused.
func Bundle(ctx context.Context, sourceDir string, opts Options) (*Archive, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", sourceDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bundle %s: not a directory", sourceDir)
	}
	m, err := NewMatcher(defaultIfNil(opts.Excludes))
	if err != nil {
		return nil, err
	}
	entries, err := walk(ctx, sourceDir, m)
	if err != nil {
		return nil, err
	}
	sum, err := checksum(entries)
	if err != nil {
		return nil, fmt.Errorf("checksum %s: %w", sourceDir, err)
	}

	base := opts.Base
	if base == "" {
		base = filepath.Base(filepath.Clean(sourceDir))
	}
	name := base + ".tgz"
	if opts.Checksummed {
		name = base + "." + sum + ".tgz"
	}

	a := &Archive{Name: name, Checksum: sum, Files: len(entries)}
	dir := opts.Dir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "gridflow-bundle-*"); err != nil {
			return nil, err
		}
		a.Temporary = true
	}
	a.Path = filepath.Join(dir, name)

	if opts.Checksummed && !a.Temporary {
		if st, err := os.Stat(a.Path); err == nil && st.Mode().IsRegular() {
			a.Size = st.Size()
			log.Debug().Str("archive", a.Path).Msg("Reusing existing bundle")
			return a, nil
		}
	}

	if err := writeArchive(a.Path, entries); err != nil {
		_ = a.Close()
		return nil, err
	}
	if st, err := os.Stat(a.Path); err == nil {
		a.Size = st.Size()
	}
	log.Info().
		Str("source", sourceDir).
		Str("archive", a.Path).
		Int("files", a.Files).
		Int64("bytes", a.Size).
		Msg("Bundled source tree")
	return a, nil
}

var epoch = time.Unix(0, 0).UTC()

func writeArchive(dest string, entries []entry) (err error) {
	w, err := storage.CreateAtomic(dest, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = w.Abort()
		}
	}()

	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.rel,
			Mode:    int64(e.mode.Perm()),
			ModTime: epoch,
			Format:  tar.FormatPAX,
		}
		switch {
		case e.mode.IsDir():
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
		case e.link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.link
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = e.size
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar header %s: %w", e.rel, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		f, err := os.Open(e.abs)
		if err != nil {
			return err
		}
		_, err = io.CopyN(tw, f, e.size)
		f.Close()
		if err != nil {
			return fmt.Errorf("tar %s: %w", e.rel, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return w.Close()
}

// ReplicaName returns <stem>.<i><ext>, keeping a .tar.gz extension intact.
func ReplicaName(name string, i int) string {
	ext := filepath.Ext(name)
	if strings.HasSuffix(name, ".tar.gz") {
		ext = ".tar.gz"
	}
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s.%d%s", stem, i, ext)
}
