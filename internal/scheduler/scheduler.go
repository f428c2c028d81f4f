package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/gridflow/internal/task"
	"github.com/3cpo-dev/gridflow/internal/telemetry"
)

// ErrOutputsMissing is the cause recorded when Run returned nil but the task
// is still not complete.
var ErrOutputsMissing = errors.New("outputs missing after run")

// Status is the outcome of one task in a scheduler run.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete" // already complete, run skipped
	StatusRan      Status = "ran"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped" // a requirement failed
)

// Result is the recorded outcome for one task.
type Result struct {
	Task     task.ID
	Status   Status
	Err      error
	Duration time.Duration
}

// Report holds per-task results in topological order.
type Report struct {
	results []*Result
	byID    map[task.ID]*Result
}

func newReport(g *Graph) *Report {
	r := &Report{byID: make(map[task.ID]*Result, g.Len())}
	for _, n := range g.order {
		res := &Result{Task: n.task.ID(), Status: StatusPending}
		r.results = append(r.results, res)
		r.byID[res.Task] = res
	}
	return r
}

// Status returns the status of id, or StatusPending for unknown ids.
func (r *Report) Status(id task.ID) Status {
	if res, ok := r.byID[id]; ok {
		return res.Status
	}
	return StatusPending
}

// Result returns the full result for id.
func (r *Report) Result(id task.ID) (Result, bool) {
	res, ok := r.byID[id]
	if !ok {
		return Result{}, false
	}
	return *res, true
}

// Results returns a copy of all results in topological order.
func (r *Report) Results() []Result {
	out := make([]Result, len(r.results))
	for i, res := range r.results {
		out[i] = *res
	}
	return out
}

// Count returns how many tasks ended with status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, res := range r.results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Failed returns the ids of failed tasks.
func (r *Report) Failed() []task.ID {
	var out []task.ID
	for _, res := range r.results {
		if res.Status == StatusFailed {
			out = append(out, res.Task)
		}
	}
	return out
}

// Options configures a Scheduler.
type Options struct {
	// Workers bounds how many tasks run at once. Zero means 1.
	Workers int
	Metrics *telemetry.Collector
}

// Scheduler executes dependency graphs.
type Scheduler struct {
	workers int
	metrics *telemetry.Collector
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Scheduler{workers: opts.Workers, metrics: opts.Metrics}
}

// Run builds the closure of roots and executes it. The report is returned
// even when err is non-nil, except for structural errors from Build.
func (s *Scheduler) Run(ctx context.Context, roots ...task.Task) (*Report, error) {
	g, err := Build(roots...)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, g)
}

// Execute runs every incomplete task of g once all of its requirements are
// complete. A failed task marks its transitive dependents skipped while
// unrelated tasks keep running. The returned error joins one
// *task.FailedError per failed task, plus the context error if the run was
// interrupted.
func (s *Scheduler) Execute(ctx context.Context, g *Graph) (*Report, error) {
	report := newReport(g)
	remaining := make(map[*node]int, g.Len())
	var ready []*node
	for _, n := range g.order {
		remaining[n] = len(n.deps)
		if len(n.deps) == 0 {
			ready = append(ready, n)
		}
	}

	type outcome struct {
		n   *node
		res Result
	}
	results := make(chan outcome, g.Len())
	var eg errgroup.Group
	eg.SetLimit(s.workers)

	var errs []error
	inflight := 0
	for len(ready) > 0 || inflight > 0 {
		for len(ready) > 0 && inflight < s.workers && ctx.Err() == nil {
			n := ready[0]
			ready = ready[1:]
			inflight++
			eg.Go(func() error {
				results <- outcome{n: n, res: s.execute(ctx, n.task)}
				return nil
			})
		}
		if inflight == 0 {
			break
		}

		o := <-results
		inflight--
		*report.byID[o.res.Task] = o.res

		if o.res.Status == StatusFailed {
			errs = append(errs, o.res.Err)
			skipDependents(report, o.n, o.res.Task)
			continue
		}
		var next []*node
		for _, d := range o.n.dependents {
			remaining[d]--
			if remaining[d] == 0 && report.Status(d.task.ID()) == StatusPending {
				next = append(next, d)
			}
		}
		ready = append(ready, next...)
		sort.SliceStable(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil && report.Count(StatusPending) > 0 {
		errs = append(errs, fmt.Errorf("scheduler interrupted: %w", err))
	}
	log.Debug().
		Int("tasks", g.Len()).
		Int("ran", report.Count(StatusRan)).
		Int("complete", report.Count(StatusComplete)).
		Int("failed", report.Count(StatusFailed)).
		Int("skipped", report.Count(StatusSkipped)).
		Msg("Scheduler run finished")
	return report, errors.Join(errs...)
}

func skipDependents(r *Report, failed *node, cause task.ID) {
	for _, d := range failed.dependents {
		res := r.byID[d.task.ID()]
		if res.Status != StatusPending {
			continue
		}
		res.Status = StatusSkipped
		res.Err = fmt.Errorf("requirement %s failed", cause)
		log.Warn().Str("task", res.Task.String()).Str("requirement", cause.String()).Msg("Skipping task")
		skipDependents(r, d, cause)
	}
}

func (s *Scheduler) execute(ctx context.Context, t task.Task) Result {
	id := t.ID()
	res := Result{Task: id}
	labels := map[string]string{"kind": id.Kind}

	done, err := task.Complete(ctx, t)
	if err != nil {
		res.Status = StatusFailed
		res.Err = task.Failed(id, fmt.Errorf("completion check: %w", err))
		return res
	}
	if done {
		log.Debug().Str("task", id.String()).Msg("Task already complete")
		res.Status = StatusComplete
		return res
	}

	log.Info().Str("task", id.String()).Msg("Running task")
	start := time.Now()
	err = t.Run(ctx)
	res.Duration = time.Since(start)
	s.metrics.Timer("task_duration", res.Duration, labels)
	if err != nil {
		s.metrics.Counter("tasks_failed", 1, labels)
		log.Error().Err(err).Str("task", id.String()).Msg("Task failed")
		res.Status = StatusFailed
		res.Err = task.Failed(id, err)
		return res
	}

	if _, ok := t.(task.Completer); ok || len(t.Output()) > 0 {
		done, err = task.Complete(ctx, t)
		if err == nil && !done {
			err = ErrOutputsMissing
		}
		if err != nil {
			s.metrics.Counter("tasks_failed", 1, labels)
			log.Error().Err(err).Str("task", id.String()).Msg("Task failed")
			res.Status = StatusFailed
			res.Err = task.Failed(id, err)
			return res
		}
	}
	s.metrics.Counter("tasks_run", 1, labels)
	log.Info().Str("task", id.String()).Dur("duration", res.Duration).Msg("Task finished")
	res.Status = StatusRan
	return res
}
