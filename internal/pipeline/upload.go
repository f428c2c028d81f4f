package pipeline

import (
	"context"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/bundle"
	"github.com/3cpo-dev/gridflow/internal/retry"
	"github.com/3cpo-dev/gridflow/internal/storage"
	"github.com/3cpo-dev/gridflow/internal/target"
	"github.com/3cpo-dev/gridflow/internal/task"
	"github.com/3cpo-dev/gridflow/pkg/api"
)

// Upload bundles a source tree and writes it to a store with replicas. Its
// outputs are the replica targets, so an unchanged checksummed bundle is
// never uploaded twice.
type Upload struct {
	spec   api.UploadSpec
	store  storage.Storage
	policy retry.Policy

	mu   sync.Mutex
	name string
}

var _ task.Task = (*Upload)(nil)

func NewUpload(spec api.UploadSpec, store storage.Storage, p retry.Policy) *Upload {
	if spec.Path == "" {
		spec.Path = spec.Name
	}
	return &Upload{spec: spec, store: store, policy: p}
}

func (u *Upload) ID() task.ID {
	params := task.Params{}.
		Add("name", u.spec.Name).
		Add("store", u.store.Name()).
		Add("path", u.spec.Path).
		Add("replicas", u.spec.Replicas).
		AddInsignificant("source", u.spec.Source)
	return task.NewID("Upload", params...)
}

func (u *Upload) Requires() []task.Task { return nil }

func (u *Upload) excludes() []string {
	if len(u.spec.Excludes) == 0 {
		return nil
	}
	return append(append([]string(nil), bundle.DefaultExcludes...), u.spec.Excludes...)
}

func (u *Upload) base() string { return filepath.Base(filepath.Clean(u.spec.Source)) }

// ArchiveName is the bundle file name, <base>.tgz or <base>.<checksum>.tgz.
// The checksum is computed once per process.
func (u *Upload) ArchiveName(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.name != "" {
		return u.name, nil
	}
	if !u.spec.Checksummed {
		u.name = u.base() + ".tgz"
		return u.name, nil
	}
	sum, err := bundle.Checksum(ctx, u.spec.Source, u.excludes())
	if err != nil {
		return "", err
	}
	u.name = u.base() + "." + sum + ".tgz"
	return u.name, nil
}

func (u *Upload) replicas(name string) []target.Target {
	return bundle.Replicas(u.store, u.spec.Path, name, u.spec.Replicas, u.policy)
}

func (u *Upload) Output() []target.Target {
	name, err := u.ArchiveName(context.Background())
	if err != nil {
		log.Debug().Err(err).Str("task", u.ID().String()).Msg("Bundle name unavailable")
		return nil
	}
	return u.replicas(name)
}

func (u *Upload) Run(ctx context.Context) error {
	a, err := bundle.Bundle(ctx, u.spec.Source, bundle.Options{
		Excludes:    u.excludes(),
		Checksummed: u.spec.Checksummed,
		Base:        u.base(),
	})
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.name = a.Name
	u.mu.Unlock()
	_, err = bundle.Transfer(ctx, a, u.replicas(a.Name), u.spec.Replicas)
	return err
}

// Vars are the template variables a job needs to fetch this bundle:
// bundle_<name>, bundle_<name>_path, bundle_<name>_uri and
// bundle_<name>_replicas.
func (u *Upload) Vars(ctx context.Context) (map[string]string, error) {
	name, err := u.ArchiveName(ctx)
	if err != nil {
		return nil, err
	}
	key := "bundle_" + u.spec.Name
	p := path.Join(u.spec.Path, name)
	return map[string]string{
		key:               name,
		key + "_path":     p,
		key + "_uri":      u.store.URI(p),
		key + "_replicas": strconv.Itoa(u.spec.Replicas),
	}, nil
}
