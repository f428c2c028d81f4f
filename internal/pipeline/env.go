// Package pipeline turns a pipeline file into schedulable tasks: bundle
// uploads and branched analyses executed as remote jobs.
package pipeline

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/backend"
	"github.com/3cpo-dev/gridflow/internal/backend/agentclient"
	"github.com/3cpo-dev/gridflow/internal/backend/sshexec"
	"github.com/3cpo-dev/gridflow/internal/branch"
	"github.com/3cpo-dev/gridflow/internal/config"
	"github.com/3cpo-dev/gridflow/internal/jobstore"
	"github.com/3cpo-dev/gridflow/internal/retry"
	"github.com/3cpo-dev/gridflow/internal/storage"
	"github.com/3cpo-dev/gridflow/internal/telemetry"
	"github.com/3cpo-dev/gridflow/internal/workflow"
)

// Env holds the services built from the configuration that every task of a
// pipeline shares.
type Env struct {
	Config   config.Config
	Stores   *storage.Registry
	Backends *backend.Registry
	State    workflow.StateStore
	Cache    *branch.Cache
	Metrics  *telemetry.Collector
	Policy   retry.Policy
}

// NewEnv wires stores, backends and the submission store from cfg. Every
// backend the configuration can describe is registered; the configured one
// must be among them.
func NewEnv(cfg config.Config) (*Env, error) {
	stores, err := storage.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	state, err := jobstore.Open(cfg)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	env := &Env{
		Config:   cfg,
		Stores:   stores,
		Backends: backend.NewRegistry(),
		State:    state,
		Cache:    branch.NewCache(),
		Metrics:  telemetry.GetGlobal(),
		Policy:   retry.FromConfig(cfg.Retry),
	}
	if cfg.Backend.Endpoint != "" {
		ac, err := agentclient.FromConfig(cfg)
		if err != nil {
			_ = env.Close()
			return nil, err
		}
		env.Backends.Register(ac)
	}
	if len(cfg.Backend.Hosts) > 0 {
		sb, err := sshexec.FromConfig(cfg)
		if err != nil {
			_ = env.Close()
			return nil, err
		}
		env.Backends.Register(sb)
	}
	if _, err := env.Backends.Get(cfg.Backend.Name); err != nil {
		_ = env.Close()
		return nil, fmt.Errorf("configured backend unavailable: %w", err)
	}
	log.Debug().
		Strs("stores", stores.Names()).
		Strs("backends", env.Backends.Names()).
		Str("state", cfg.State.Driver).
		Msg("Environment ready")
	return env, nil
}

// WorkflowOptions returns the options for one analysis. An empty backend
// name selects the configured default.
func (e *Env) WorkflowOptions(backendName string) (workflow.Options, error) {
	if backendName == "" {
		backendName = e.Config.Backend.Name
	}
	be, err := e.Backends.Get(backendName)
	if err != nil {
		return workflow.Options{}, err
	}
	opts := workflow.OptionsFromConfig(e.Config)
	opts.Backend = be
	opts.Store = e.State
	opts.Cache = e.Cache
	opts.Metrics = e.Metrics
	return opts, nil
}

// Close releases store connections, backend sessions and the state database.
func (e *Env) Close() error {
	var errs []error
	if e.Stores != nil {
		errs = append(errs, e.Stores.Close())
	}
	if e.Backends != nil {
		for _, name := range e.Backends.Names() {
			if b, err := e.Backends.Get(name); err == nil {
				if c, ok := b.(io.Closer); ok {
					errs = append(errs, c.Close())
				}
			}
		}
	}
	if c, ok := e.State.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
