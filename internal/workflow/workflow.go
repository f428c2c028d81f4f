// Package workflow turns a branched task into remote jobs: it submits one
// job per group of incomplete branches, polls job state through a Backend,
// retries failed jobs and persists the submission record so a later process
// can resume.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/branch"
	"github.com/3cpo-dev/gridflow/internal/config"
	"github.com/3cpo-dev/gridflow/internal/storage"
	"github.com/3cpo-dev/gridflow/internal/target"
	"github.com/3cpo-dev/gridflow/internal/task"
	"github.com/3cpo-dev/gridflow/internal/telemetry"
)

// Branched is a task that expands into branches executed as remote jobs.
type Branched interface {
	ID() task.ID
	Requires() []task.Task
	BranchMap(ctx context.Context) (*branch.Map, error)
	BranchOutput(i int, data task.Params) []target.Target
}

// JobConfigurer is implemented by definitions that adjust the template
// variables of each job before its script is rendered.
type JobConfigurer interface {
	JobVars(index int, branches []int, vars map[string]string) error
}

// Options configures a Workflow.
type Options struct {
	Backend Backend
	Store   StateStore
	// Root holds one directory per task hash with the rendered job files.
	Root     string
	Template string
	// Vars are task-level template variables.
	Vars         map[string]string
	GroupSize    int
	Retries      int
	PollInterval time.Duration
	FailFast     bool
	// Branches restricts the workflow to a subset of branch indices.
	Branches []int
	Cache    *branch.Cache
	Metrics  *telemetry.Collector
}

// OptionsFromConfig fills the ambient parts of Options from cfg. Backend and
// Store are left to the caller.
func OptionsFromConfig(cfg config.Config) Options {
	vars := make(map[string]string, len(cfg.Render)+1)
	for k, v := range cfg.Render {
		vars[k] = v
	}
	if cfg.GridUser != "" {
		vars["grid_user"] = cfg.GridUser
	}
	return Options{
		Root:         filepath.Join(cfg.StoreDir, "submissions"),
		Vars:         vars,
		GroupSize:    cfg.Workflow.GroupSize,
		Retries:      cfg.Workflow.Retries,
		PollInterval: cfg.Workflow.PollInterval,
		FailFast:     cfg.Workflow.FailFast,
	}
}

// Progress summarizes branch completion.
type Progress struct {
	Total    int   `json:"total"`
	Complete int   `json:"complete"`
	Active   int   `json:"active_jobs"`
	Failed   int   `json:"failed_jobs"`
	Done     []int `json:"done"`
}

// Finished reports whether every branch is complete.
func (p Progress) Finished() bool { return p.Complete == p.Total }

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d branches complete, %d active jobs, %d failed jobs",
		p.Complete, p.Total, p.Active, p.Failed)
}

// Workflow drives the remote jobs of one branched task.
type Workflow struct {
	def  Branched
	opts Options
	id   task.ID
	key  string
	dir  string

	mu        sync.Mutex
	bmap      *branch.Map
	selected  []int
	complete  map[int]bool
	sub       *Submission
	exhausted map[int]bool
	failures  []*JobFailedError
}

// Open builds the branch map and loads any persisted submission for def, so
// polling resumes where a previous process stopped. Call Poll or Run to
// reconcile the loaded record with the backend.
func Open(ctx context.Context, def Branched, opts Options) (*Workflow, error) {
	if opts.Backend == nil {
		return nil, errors.New("workflow: backend required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Cache == nil {
		opts.Cache = branch.NewCache()
	}
	if opts.GroupSize <= 0 {
		opts.GroupSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Template == "" {
		return nil, errors.New("workflow: bootstrap template required")
	}

	id := def.ID()
	w := &Workflow{
		def:       def,
		opts:      opts,
		id:        id,
		key:       id.Hash(),
		dir:       filepath.Join(opts.Root, id.Hash()),
		complete:  map[int]bool{},
		exhausted: map[int]bool{},
	}

	m, err := opts.Cache.Get(id, func() (*branch.Map, error) { return def.BranchMap(ctx) })
	if err != nil {
		return nil, err
	}
	w.bmap = m
	w.selected = m.Indices()
	if opts.Branches != nil {
		w.selected = w.selected[:0]
		for _, i := range opts.Branches {
			if i >= 0 && i < m.Len() {
				w.selected = append(w.selected, i)
			}
		}
	}

	sub, err := opts.Store.Load(ctx, w.key)
	if err != nil {
		return nil, fmt.Errorf("load submission for %s: %w", id, err)
	}
	if sub != nil && sub.Task != id.String() {
		log.Warn().Str("task", id.String()).Str("stored", sub.Task).Msg("Ignoring submission record of a different task")
		sub = nil
	}
	if sub == nil {
		sub = &Submission{Task: id.String(), Backend: opts.Backend.Name()}
	} else {
		log.Info().Str("task", id.String()).Int("jobs", len(sub.Jobs)).Msg("Resuming submission")
	}
	w.sub = sub
	return w, nil
}

// ID returns the identity of the workflow task.
func (w *Workflow) ID() task.ID { return w.id }

// Dir is the submission directory holding the rendered job files.
func (w *Workflow) Dir() string { return w.dir }

// Jobs returns a snapshot of all jobs.
func (w *Workflow) Jobs() []Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Job, len(w.sub.Jobs))
	for i, j := range w.sub.Jobs {
		out[i] = *j
		out[i].Branches = append([]int(nil), j.Branches...)
	}
	return out
}

// Failures returns the jobs that exhausted their retries in this process.
func (w *Workflow) Failures() []*JobFailedError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*JobFailedError(nil), w.failures...)
}

// Progress reports branch completion as of the last Submit, Poll or Refresh.
func (w *Workflow) Progress() Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progressLocked()
}

func (w *Workflow) progressLocked() Progress {
	p := Progress{Total: len(w.selected)}
	for _, i := range w.selected {
		if w.complete[i] {
			p.Complete++
			p.Done = append(p.Done, i)
		}
	}
	for _, j := range w.sub.Jobs {
		if j.Active(w.opts.Retries) {
			p.Active++
		} else if j.Exhausted(w.opts.Retries) && len(w.incomplete(j.Branches)) > 0 {
			p.Failed++
		}
	}
	return p
}

// Refresh re-checks the outputs of all selected branches.
func (w *Workflow) Refresh(ctx context.Context) (Progress, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.refreshLocked(ctx, w.selected); err != nil {
		return Progress{}, err
	}
	return w.progressLocked(), nil
}

// Complete reports whether every selected branch has its outputs.
func (w *Workflow) Complete(ctx context.Context) (bool, error) {
	p, err := w.Refresh(ctx)
	if err != nil {
		return false, err
	}
	return p.Finished(), nil
}

func (w *Workflow) refreshLocked(ctx context.Context, branches []int) error {
	for _, i := range branches {
		data, err := w.bmap.Data(i)
		if err != nil {
			return err
		}
		ok, err := target.AllExist(ctx, w.def.BranchOutput(i, data))
		if err != nil {
			return fmt.Errorf("check branch %d of %s: %w", i, w.id, err)
		}
		w.complete[i] = ok
	}
	w.opts.Metrics.Gauge("branches_complete", float64(w.countComplete()), map[string]string{"task": w.id.Kind})
	return nil
}

func (w *Workflow) countComplete() int {
	n := 0
	for _, i := range w.selected {
		if w.complete[i] {
			n++
		}
	}
	return n
}

// Submit creates and submits one job for every branch group that has
// incomplete branches not owned by an active job. Complete branches are
// never assigned to a new job. It returns the number of jobs submitted; a
// backend rejection stops submission with a *SubmissionError.
func (w *Workflow) Submit(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.refreshLocked(ctx, w.selected); err != nil {
		return 0, err
	}
	submitted, err := w.resumeLocked(ctx)
	if err != nil {
		return submitted, err
	}
	owned := map[int]bool{}
	for _, j := range w.sub.Jobs {
		if j.Active(w.opts.Retries) {
			for _, b := range j.Branches {
				owned[b] = true
			}
		}
	}

	for _, group := range branch.Chunk(w.selected, w.opts.GroupSize) {
		var todo []int
		for _, b := range group {
			if !w.complete[b] && !owned[b] && !w.exhausted[b] {
				todo = append(todo, b)
			}
		}
		if len(todo) == 0 {
			continue
		}
		job := &Job{
			Index:     w.sub.NextIndex,
			Branches:  todo,
			State:     StatePending,
			UpdatedAt: time.Now().UTC(),
		}
		w.sub.NextIndex++
		w.sub.Jobs = append(w.sub.Jobs, job)

		err := w.submitLocked(ctx, job)
		if saveErr := w.saveLocked(ctx); saveErr != nil {
			return submitted, saveErr
		}
		if err != nil {
			return submitted, err
		}
		submitted++
	}
	if submitted > 0 {
		log.Info().Str("task", w.id.String()).Int("jobs", submitted).Msg("Submitted jobs")
	}
	return submitted, nil
}

// resumeLocked reconciles jobs that were recorded but never acknowledged by
// the backend, as left behind by an interrupted submission. Their remaining branches are submitted again under the same
// index and job file.
func (w *Workflow) resumeLocked(ctx context.Context) (int, error) {
	submitted := 0
	for _, job := range w.sub.Jobs {
		if job.State != StatePending && job.State != StateRetried {
			continue
		}
		remaining := w.incomplete(job.Branches)
		if len(remaining) == 0 {
			if err := job.transition(StateSubmitted); err != nil {
				return submitted, err
			}
			if err := job.transition(StateFinished); err != nil {
				return submitted, err
			}
			continue
		}
		log.Warn().
			Str("task", w.id.String()).
			Int("index", job.Index).
			Str("branches", branch.FormatRanges(remaining)).
			Msg("Resubmitting job interrupted during submission")
		job.Branches = remaining
		err := w.submitLocked(ctx, job)
		if saveErr := w.saveLocked(ctx); saveErr != nil {
			return submitted, saveErr
		}
		if err != nil {
			return submitted, err
		}
		submitted++
	}
	return submitted, nil
}

// submitLocked renders and submits job, leaving it submitted or failed. The
// job record, including its file, is saved before the backend sees it.
func (w *Workflow) submitLocked(ctx context.Context, job *Job) error {
	desc, err := w.describe(job)
	if err == nil {
		job.File = desc.File
		job.UpdatedAt = time.Now().UTC()
		if err := w.saveLocked(ctx); err != nil {
			return err
		}
		var jobID string
		jobID, err = w.opts.Backend.Submit(ctx, desc)
		if err == nil {
			job.ID = jobID
			job.Error = ""
			job.SubmittedAt = time.Now().UTC()
			w.opts.Metrics.Counter("jobs_submitted", 1, map[string]string{"backend": w.opts.Backend.Name()})
			log.Info().
				Str("task", w.id.String()).
				Str("job_id", jobID).
				Str("branches", branch.FormatRanges(job.Branches)).
				Msg("Job submitted")
			return job.transition(StateSubmitted)
		}
	}
	serr := &SubmissionError{
		Task:     w.id.String(),
		Backend:  w.opts.Backend.Name(),
		Branches: append([]int(nil), job.Branches...),
		Err:      err,
	}
	job.Error = serr.Error()
	_ = job.transition(StateFailed)
	return serr
}

// describe renders the bootstrap script of job and writes it under the
// submission directory. Job files are kept after the job ends.
func (w *Workflow) describe(job *Job) (JobDescription, error) {
	vars := make(map[string]string, len(w.opts.Vars)+8)
	for k, v := range w.opts.Vars {
		vars[k] = v
	}
	vars["task_id"] = w.id.String()
	vars["task_hash"] = w.key
	vars["job_index"] = itoa(job.Index)
	vars["branches"] = branch.FormatRanges(job.Branches)
	vars["branch_list"] = joinInts(job.Branches, " ")

	type branchData struct {
		Branch int               `json:"branch"`
		Data   map[string]string `json:"data"`
	}
	data := make([]branchData, 0, len(job.Branches))
	for _, b := range job.Branches {
		d, err := w.bmap.Data(b)
		if err != nil {
			return JobDescription{}, err
		}
		data = append(data, branchData{Branch: b, Data: d.Map()})
		if len(job.Branches) == 1 {
			for _, p := range d {
				vars[p.Name] = p.Value
			}
			vars["branch"] = itoa(b)
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return JobDescription{}, fmt.Errorf("encode branch data: %w", err)
	}
	vars["data"] = string(raw)
	if jc, ok := w.def.(JobConfigurer); ok {
		if err := jc.JobVars(job.Index, job.Branches, vars); err != nil {
			return JobDescription{}, fmt.Errorf("configure job %d: %w", job.Index, err)
		}
	}

	script, err := w.opts.Backend.Render(w.opts.Template, vars)
	if err != nil {
		return JobDescription{}, fmt.Errorf("render %s: %w", w.opts.Template, err)
	}
	file := filepath.Join(w.dir, "jobs", fmt.Sprintf("job_%d.sh", job.Index))
	if err := storage.WriteFileAtomic(file, script, 0o755); err != nil {
		return JobDescription{}, fmt.Errorf("write job file: %w", err)
	}
	return JobDescription{
		Task:     w.id.String(),
		TaskHash: w.key,
		Index:    job.Index,
		Branches: append([]int(nil), job.Branches...),
		Script:   script,
		File:     file,
		Vars:     vars,
	}, nil
}

// Poll updates every active job from the backend. A job reported finished
// only counts as finished once all of its branch outputs exist. Failed jobs
// with retry budget left are resubmitted for their incomplete branches;
// exhausted jobs are recorded in Failures.
func (w *Workflow) Poll(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	changed := false
	for _, job := range w.sub.Jobs {
		if !job.Active(w.opts.Retries) {
			continue
		}
		if job.State == StateSubmitted || job.State == StateRunning {
			c, err := w.pollJob(ctx, job)
			if err != nil {
				return err
			}
			changed = changed || c
		}
		if job.State == StateFailed && job.Active(w.opts.Retries) {
			if err := w.retryLocked(ctx, job); err != nil {
				return err
			}
			changed = true
		}
	}
	if err := w.refreshLocked(ctx, w.selected); err != nil {
		return err
	}
	w.opts.Metrics.Timer("workflow_poll", time.Since(start), map[string]string{"task": w.id.Kind})
	if changed {
		return w.saveLocked(ctx)
	}
	return nil
}

func (w *Workflow) pollJob(ctx context.Context, job *Job) (bool, error) {
	remote, err := w.opts.Backend.Status(ctx, job.ID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn().Err(err).Str("task", w.id.String()).Str("job_id", job.ID).Msg("Status query failed, keeping last known state")
		return false, nil
	}

	prev := job.State
	switch remote {
	case RemoteSubmitted:
	case RemoteRunning:
		err = job.transition(StateRunning)
	case RemoteFinished, RemoteUnknown:
		if err := w.refreshLocked(ctx, job.Branches); err != nil {
			return false, err
		}
		missing := w.incomplete(job.Branches)
		switch {
		case len(missing) == 0:
			err = job.transition(StateFinished)
			w.opts.Metrics.Counter("jobs_finished", 1, nil)
		case remote == RemoteFinished:
			job.Error = "finished without outputs for branches " + branch.FormatRanges(missing)
			err = job.transition(StateFailed)
		default:
			job.Error = "job unknown to backend"
			err = job.transition(StateFailed)
		}
	case RemoteFailed:
		job.Error = "backend reported failure"
		err = job.transition(StateFailed)
	}
	if err != nil {
		return false, err
	}
	if job.State != prev {
		log.Info().
			Str("task", w.id.String()).
			Str("job_id", job.ID).
			Str("from", string(prev)).
			Str("to", string(job.State)).
			Msg("Job state changed")
	}
	if job.State == StateFailed && !job.Active(w.opts.Retries) {
		w.exhaust(job)
	}
	return job.State != prev, nil
}

func (w *Workflow) incomplete(branches []int) []int {
	var out []int
	for _, b := range branches {
		if !w.complete[b] {
			out = append(out, b)
		}
	}
	return out
}

// retryLocked resubmits a failed job, narrowed to its incomplete branches.
func (w *Workflow) retryLocked(ctx context.Context, job *Job) error {
	if err := w.refreshLocked(ctx, job.Branches); err != nil {
		return err
	}
	if err := job.transition(StateRetried); err != nil {
		return err
	}
	job.Retries++
	w.opts.Metrics.Counter("jobs_retried", 1, nil)

	remaining := w.incomplete(job.Branches)
	if len(remaining) == 0 {
		// Outputs appeared after the failure was recorded.
		job.Error = ""
		if err := job.transition(StateSubmitted); err != nil {
			return err
		}
		return job.transition(StateFinished)
	}
	log.Warn().
		Str("task", w.id.String()).
		Str("job_id", job.ID).
		Int("attempt", job.Retries).
		Str("reason", job.Error).
		Msg("Retrying job")
	job.Branches = remaining
	job.Index = w.sub.NextIndex
	w.sub.NextIndex++
	if err := w.submitLocked(ctx, job); err != nil {
		log.Warn().Err(err).Str("task", w.id.String()).Msg("Resubmission failed")
		if !job.Active(w.opts.Retries) {
			w.exhaust(job)
		}
	}
	return nil
}

func (w *Workflow) exhaust(job *Job) {
	for _, b := range job.Branches {
		w.exhausted[b] = true
	}
	w.opts.Metrics.Counter("jobs_failed", 1, nil)
	fe := &JobFailedError{
		Task:     w.id.String(),
		JobID:    job.ID,
		Branches: append([]int(nil), job.Branches...),
		Retries:  job.Retries,
		Reason:   job.Error,
	}
	w.failures = append(w.failures, fe)
	log.Error().Err(fe).Str("task", w.id.String()).Str("job_id", job.ID).Msg("Job failed permanently")
}

// Cancel asks the backend to cancel every active job. Finished branches keep
// their outputs. Cancelled jobs are not retried.
func (w *Workflow) Cancel(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, job := range w.sub.Jobs {
		if !job.Active(w.opts.Retries) {
			continue
		}
		if job.ID != "" && (job.State == StateSubmitted || job.State == StateRunning) {
			if err := w.opts.Backend.Cancel(ctx, job.ID); err != nil {
				log.Warn().Err(err).Str("task", w.id.String()).Str("job_id", job.ID).Msg("Cancel failed")
			}
		}
		if job.State != StateFailed {
			if err := job.transition(StateFailed); err != nil {
				return err
			}
		}
		job.Cancelled = true
		job.Error = "cancelled"
		n++
	}
	if n == 0 {
		return nil
	}
	log.Info().Str("task", w.id.String()).Int("jobs", n).Msg("Cancelled jobs")
	return w.saveLocked(ctx)
}

// Run submits jobs and polls until every branch is complete. It returns the
// joined JobFailedErrors once no job is active any more, or on the first
// permanent failure when FailFast is set. Cancelling ctx cancels the remote
// jobs and stops polling.
func (w *Workflow) Run(ctx context.Context) error {
	if err := w.Poll(ctx); err != nil {
		return w.abort(ctx, err)
	}
	for {
		if _, err := w.Submit(ctx); err != nil {
			return w.abort(ctx, err)
		}
		p := w.Progress()
		log.Info().Str("task", w.id.String()).Msg(p.String())
		if p.Finished() {
			return nil
		}
		if failures := w.Failures(); len(failures) > 0 && (w.opts.FailFast || p.Active == 0) {
			errs := make([]error, len(failures))
			for i, f := range failures {
				errs[i] = f
			}
			return errors.Join(errs...)
		}
		timer := time.NewTimer(w.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return w.abort(ctx, ctx.Err())
		case <-timer.C:
		}
		if err := w.Poll(ctx); err != nil {
			return w.abort(ctx, err)
		}
	}
}

// abort cancels remote jobs when err came from a cancelled context.
func (w *Workflow) abort(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if cerr := w.Cancel(cctx); cerr != nil {
		log.Warn().Err(cerr).Str("task", w.id.String()).Msg("Cancel after interrupt failed")
	}
	return err
}

func (w *Workflow) saveLocked(ctx context.Context) error {
	w.sub.UpdatedAt = time.Now().UTC()
	if err := w.opts.Store.Save(ctx, w.key, w.sub); err != nil {
		return fmt.Errorf("save submission for %s: %w", w.id, err)
	}
	return nil
}

func joinInts(xs []int, sep string) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = itoa(x)
	}
	return strings.Join(parts, sep)
}
