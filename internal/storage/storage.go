// Package storage implements the byte-moving side of targets: a small
// capability interface with local and SFTP drivers, addressed by logical
// store names from the configuration.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/3cpo-dev/gridflow/internal/config"
	"github.com/3cpo-dev/gridflow/internal/retry"
	gssh "github.com/3cpo-dev/gridflow/internal/ssh"
)

// Writer stages bytes for one object. Close publishes the object atomically;
// Abort discards everything written so far. After either call the Writer is
// unusable.
type Writer interface {
	io.Writer
	Close() error
	Abort() error
}

// Storage is implemented by every store driver. Paths are slash separated and
// relative to the store root. OpenRead on a missing object returns an error
// satisfying errors.Is(err, fs.ErrNotExist).
type Storage interface {
	Name() string
	Exists(ctx context.Context, path string) (bool, error)
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)
	OpenWrite(ctx context.Context, path string) (Writer, error)
	// Remove deletes a file or a directory tree; absent paths are not an error.
	Remove(ctx context.Context, path string) error
	// URI renders a human readable location for logs and errors.
	URI(path string) string
}

// Registry maps logical store names to drivers.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Storage
}

func NewRegistry() *Registry {
	return &Registry{stores: map[string]Storage{}}
}

func (r *Registry) Register(s Storage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[s.Name()] = s
}

func (r *Registry) Get(name string) (Storage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("store not registered: %s", name)
	}
	return s, nil
}

// Names returns the registered store names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for n := range r.stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close releases driver connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, s := range r.stores {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// FromConfig builds a registry holding one driver per configured store.
func FromConfig(cfg config.Config) (*Registry, error) {
	reg := NewRegistry()
	policy := retry.FromConfig(cfg.Retry)
	for name, sc := range cfg.Stores {
		switch sc.Driver {
		case "local", "":
			reg.Register(NewLocal(name, sc.Root))
		case "sftp":
			ep := gssh.Endpoint{
				Host:       sc.Host,
				Port:       sc.Port,
				User:       sc.User,
				KeyPath:    sc.KeyPath,
				KnownHosts: sc.KnownHosts,
				Timeout:    policy.Timeout,
			}
			reg.Register(NewSFTP(name, sc.Root, ep, policy))
		default:
			return nil, fmt.Errorf("store %s: unknown driver %q", name, sc.Driver)
		}
	}
	return reg, nil
}
