package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/branch"
	"github.com/3cpo-dev/gridflow/internal/task"
	"github.com/3cpo-dev/gridflow/internal/workflow"
	"github.com/3cpo-dev/gridflow/pkg/api"
)

// Plan is a pipeline bound to an environment.
type Plan struct {
	Name      string
	Uploads   []*Upload
	Workflows []*workflow.Task

	order  []string
	byName map[string]task.Task
}

// Build creates one task per upload and analysis. Requirements are resolved
// by name, so analyses may depend on uploads and on each other.
func Build(p api.Pipeline, env *Env) (*Plan, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	plan := &Plan{Name: p.Name, byName: map[string]task.Task{}}

	for _, spec := range p.Uploads {
		storeName := spec.Store
		if storeName == "" {
			storeName = env.Config.Workflow.OutputStore
		}
		store, err := env.Stores.Get(storeName)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", spec.Name, err)
		}
		u := NewUpload(spec, store, env.Policy)
		plan.Uploads = append(plan.Uploads, u)
		plan.add(spec.Name, u)
	}

	analyses := make([]*Analysis, len(p.Analyses))
	for i, spec := range p.Analyses {
		storeName := spec.OutputStore
		if storeName == "" {
			storeName = env.Config.Workflow.OutputStore
		}
		store, err := env.Stores.Get(storeName)
		if err != nil {
			return nil, fmt.Errorf("analysis %s: %w", spec.Name, err)
		}
		opts, err := env.WorkflowOptions(spec.Backend)
		if err != nil {
			return nil, fmt.Errorf("analysis %s: %w", spec.Name, err)
		}
		opts.Template = p.Bootstrap
		for k, v := range p.Vars {
			if _, set := opts.Vars[k]; !set {
				opts.Vars[k] = v
			}
		}
		if spec.ChunkSize > 0 {
			opts.GroupSize = spec.ChunkSize
		}
		if spec.Branches != "" {
			if opts.Branches, err = branch.ParseRanges(spec.Branches); err != nil {
				return nil, fmt.Errorf("analysis %s: %w", spec.Name, err)
			}
		}
		a := NewAnalysis(spec, p.CEMap, store, env.Policy)
		analyses[i] = a
		wt := workflow.NewTask(a, opts)
		plan.Workflows = append(plan.Workflows, wt)
		plan.add(spec.Name, wt)
	}
	for i, spec := range p.Analyses {
		for _, r := range spec.Requires {
			analyses[i].require(plan.byName[r])
		}
	}
	return plan, nil
}

func (p *Plan) add(name string, t task.Task) {
	p.order = append(p.order, name)
	p.byName[name] = t
}

// Lookup returns the task declared under name.
func (p *Plan) Lookup(name string) (task.Task, bool) {
	t, ok := p.byName[name]
	return t, ok
}

// Roots returns every task, in declaration order, or only the named ones.
func (p *Plan) Roots(names ...string) ([]task.Task, error) {
	if len(names) == 0 {
		names = p.order
	}
	out := make([]task.Task, 0, len(names))
	for _, n := range names {
		t, ok := p.byName[n]
		if !ok {
			return nil, fmt.Errorf("no task named %q in pipeline %s", n, p.Name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Status reports every task without contacting the backend: uploads by
// their outputs, analyses by branch outputs and the persisted job records.
func (p *Plan) Status(ctx context.Context) ([]api.TaskStatus, error) {
	var out []api.TaskStatus
	for _, name := range p.order {
		switch t := p.byName[name].(type) {
		case *Upload:
			st := api.TaskStatus{Task: t.ID().String(), Status: api.RunPending, Total: 1}
			done, err := task.Complete(ctx, t)
			if err != nil {
				return nil, err
			}
			if done {
				st.Status, st.Complete = api.RunSucceeded, 1
			}
			out = append(out, st)
		case *workflow.Task:
			wf, err := t.Workflow(ctx)
			if err != nil {
				return nil, err
			}
			prog, err := wf.Refresh(ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, api.TaskStatus{
				Task:     wf.ID().String(),
				Status:   runStatus(prog),
				Complete: prog.Complete,
				Total:    prog.Total,
				Active:   prog.Active,
				Failed:   prog.Failed,
			})
		}
	}
	return out, nil
}

func runStatus(p workflow.Progress) api.RunStatus {
	switch {
	case p.Finished():
		return api.RunSucceeded
	case p.Active > 0:
		return api.RunRunning
	case p.Failed > 0:
		return api.RunFailed
	}
	return api.RunPending
}

// Cancel cancels the active remote jobs of every analysis.
func (p *Plan) Cancel(ctx context.Context) error {
	var errs []error
	for _, t := range p.Workflows {
		wf, err := t.Workflow(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := wf.Cancel(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", wf.ID(), err))
			continue
		}
		log.Info().Str("task", wf.ID().String()).Msg("Cancelled remote jobs")
	}
	return errors.Join(errs...)
}
