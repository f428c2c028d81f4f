package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3cpo-dev/gridflow/internal/branch"
	"github.com/3cpo-dev/gridflow/internal/scheduler"
	"github.com/3cpo-dev/gridflow/internal/target"
	"github.com/3cpo-dev/gridflow/internal/task"
)

// fakeBackend records submissions and reports whatever state the test sets.
type fakeBackend struct {
	mu        sync.Mutex
	next      int
	submitted []JobDescription
	states    map[string]RemoteState
	cancelled []string
	rejectAll error
	// onSubmit runs after a job is accepted, e.g. to produce outputs.
	onSubmit func(JobDescription)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{states: map[string]RemoteState{}}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Submit(_ context.Context, d JobDescription) (string, error) {
	f.mu.Lock()
	if f.rejectAll != nil {
		f.mu.Unlock()
		return "", f.rejectAll
	}
	f.next++
	id := fmt.Sprintf("job-%d", f.next)
	f.submitted = append(f.submitted, d)
	f.states[id] = RemoteSubmitted
	hook := f.onSubmit
	f.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return id, nil
}

func (f *fakeBackend) Status(_ context.Context, id string) (RemoteState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return RemoteUnknown, nil
	}
	return st, nil
}

func (f *fakeBackend) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	f.states[id] = RemoteFailed
	return nil
}

func (f *fakeBackend) Render(templatePath string, vars map[string]string) ([]byte, error) {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return []byte(s), nil
}

func (f *fakeBackend) setAll(st RemoteState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.states {
		f.states[id] = st
	}
}

func (f *fakeBackend) submittedBranches() [][]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]int
	for _, d := range f.submitted {
		out = append(out, d.Branches)
	}
	return out
}

// fileWorkflow has one branch per name; branch i is complete when
// <dir>/out_<i>.txt exists.
type fileWorkflow struct {
	name  string
	dir   string
	items []string
	deps  []task.Task
}

func (w *fileWorkflow) ID() task.ID {
	return task.NewID("FileWorkflow", task.Params{}.Add("name", w.name)...)
}
func (w *fileWorkflow) Requires() []task.Task { return w.deps }
func (w *fileWorkflow) BranchMap(context.Context) (*branch.Map, error) {
	return branch.FromList("item", w.items), nil
}
func (w *fileWorkflow) BranchOutput(i int, _ task.Params) []target.Target {
	return []target.Target{target.NewLocalFile(w.output(i))}
}
func (w *fileWorkflow) output(i int) string {
	return filepath.Join(w.dir, fmt.Sprintf("out_%d.txt", i))
}
func (w *fileWorkflow) produce(t *testing.T, branches ...int) {
	t.Helper()
	for _, b := range branches {
		if err := os.WriteFile(w.output(b), []byte("ok"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func setup(t *testing.T, n int) (*fileWorkflow, Options, *fakeBackend) {
	t.Helper()
	root := t.TempDir()
	tmpl := filepath.Join(root, "bootstrap.sh")
	if err := os.WriteFile(tmpl, []byte("#!/bin/sh\n# {{task_id}}\nrun --branches {{branches}} --item '{{item}}'\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	outDir := filepath.Join(root, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("file_%d.root", i)
	}
	be := newFakeBackend()
	opts := Options{
		Backend:      be,
		Store:        NewMemoryStore(),
		Root:         filepath.Join(root, "submissions"),
		Template:     tmpl,
		Retries:      1,
		PollInterval: 5 * time.Millisecond,
	}
	return &fileWorkflow{name: "ana", dir: outDir, items: items}, opts, be
}

func TestSubmitSkipsCompleteBranches(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 5)
	def.produce(t, 0, 2, 4)

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	n, err := w.Submit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("submitted %d jobs, want 2", n)
	}
	if got := be.submittedBranches(); !reflect.DeepEqual(got, [][]int{{1}, {3}}) {
		t.Fatalf("branches = %v", got)
	}
	if p := w.Progress(); p.Complete != 3 || p.Total != 5 || p.Active != 2 {
		t.Fatalf("progress = %s", p)
	}

	// Active jobs are not resubmitted.
	if n, err := w.Submit(ctx); err != nil || n != 0 {
		t.Fatalf("second submit = %d, %v", n, err)
	}
}

func TestResumeAfterStateLoss(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 5)
	def.produce(t, 0, 1, 2)
	// Fresh store: nothing is known about earlier submissions.
	opts.Store = NewMemoryStore()

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := be.submittedBranches(); !reflect.DeepEqual(got, [][]int{{3}, {4}}) {
		t.Fatalf("branches = %v", got)
	}
}

func TestGroupedJobsRenderFiles(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 5)
	opts.GroupSize = 2
	def.produce(t, 1)

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := be.submittedBranches(); !reflect.DeepEqual(got, [][]int{{0}, {2, 3}, {4}}) {
		t.Fatalf("branches = %v", got)
	}
	for _, j := range w.Jobs() {
		raw, err := os.ReadFile(j.File)
		if err != nil {
			t.Fatalf("job file: %v", err)
		}
		if !strings.Contains(string(raw), "FileWorkflow(name=ana)") {
			t.Errorf("job file not rendered: %s", raw)
		}
		if filepath.Dir(j.File) != filepath.Join(w.Dir(), "jobs") {
			t.Errorf("job file location = %s", j.File)
		}
	}
	raw, _ := os.ReadFile(w.Jobs()[2].File)
	if !strings.Contains(string(raw), "--branches 4 --item 'file_4.root'") {
		t.Errorf("single-branch job should expose branch data: %s", raw)
	}
}

// configuredWorkflow overrides template variables per job.
type configuredWorkflow struct {
	*fileWorkflow
	fail error
}

func (w configuredWorkflow) JobVars(index int, branches []int, vars map[string]string) error {
	if w.fail != nil {
		return w.fail
	}
	vars["item"] = fmt.Sprintf("job%d:%s", index, vars["branches"])
	return nil
}

func TestJobConfigurerOverridesVars(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 3)
	opts.GroupSize = 2

	w, err := Open(ctx, configuredWorkflow{fileWorkflow: def}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := string(be.submitted[1].Script); !strings.Contains(got, "--item 'job1:2'") {
		t.Fatalf("script = %s", got)
	}

	def2, opts2, _ := setup(t, 1)
	w, err = Open(ctx, configuredWorkflow{fileWorkflow: def2, fail: errors.New("no ce")}, opts2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); !errors.Is(err, ErrSubmission) {
		t.Fatalf("err = %v", err)
	}
}

func TestFinishedWithoutOutputsIsNotComplete(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 1)
	opts.Retries = 0

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	be.setAll(RemoteFinished)
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	job := w.Jobs()[0]
	if job.State != StateFailed || !strings.Contains(job.Error, "without outputs") {
		t.Fatalf("job = %+v", job)
	}
	if p := w.Progress(); p.Complete != 0 {
		t.Fatalf("branch counted as complete: %s", p)
	}
	failures := w.Failures()
	if len(failures) != 1 || !errors.Is(failures[0], ErrJobFailed) {
		t.Fatalf("failures = %v", failures)
	}
}

func TestFinishedWithOutputs(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 2)
	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	be.setAll(RemoteRunning)
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if st := w.Jobs()[0].State; st != StateRunning {
		t.Fatalf("state = %s", st)
	}
	def.produce(t, 0, 1)
	be.setAll(RemoteFinished)
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	for _, j := range w.Jobs() {
		if j.State != StateFinished {
			t.Fatalf("job %d state = %s", j.Index, j.State)
		}
	}
	if ok, err := w.Complete(ctx); err != nil || !ok {
		t.Fatalf("complete = %v, %v", ok, err)
	}
}

func TestRetryThenExhaust(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 1)
	opts.Retries = 2

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		be.setAll(RemoteFailed)
		if err := w.Poll(ctx); err != nil {
			t.Fatal(err)
		}
		job := w.Jobs()[0]
		if job.State != StateSubmitted || job.Retries != attempt {
			t.Fatalf("attempt %d: job = %+v", attempt, job)
		}
		if len(w.Failures()) != 0 {
			t.Fatal("failure surfaced with budget left")
		}
	}
	if n := len(be.submittedBranches()); n != 3 {
		t.Fatalf("backend saw %d submissions, want 3", n)
	}

	be.setAll(RemoteFailed)
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	failures := w.Failures()
	if len(failures) != 1 {
		t.Fatalf("failures = %v", failures)
	}
	var fe *JobFailedError
	if !errors.As(failures[0], &fe) || fe.Retries != 2 || !reflect.DeepEqual(fe.Branches, []int{0}) || fe.JobID == "" {
		t.Fatalf("failure = %+v", fe)
	}
	// Exhausted branches are not picked up again by Submit.
	if n, _ := w.Submit(ctx); n != 0 {
		t.Fatalf("resubmitted %d exhausted jobs", n)
	}
}

func TestRetryNarrowsToIncompleteBranches(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 3)
	opts.GroupSize = 3

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	def.produce(t, 0, 2)
	be.setAll(RemoteFinished)
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := be.submittedBranches(); !reflect.DeepEqual(got, [][]int{{0, 1, 2}, {1}}) {
		t.Fatalf("branches = %v", got)
	}
}

func TestSubmissionErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 2)
	be.rejectAll = errors.New("queue full")

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Submit(ctx)
	var se *SubmissionError
	if !errors.Is(err, ErrSubmission) || !errors.As(err, &se) || !reflect.DeepEqual(se.Branches, []int{0}) {
		t.Fatalf("err = %v", err)
	}
}

func TestCancelKeepsFinishedBranches(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 3)

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	def.produce(t, 0)
	be.mu.Lock()
	be.states["job-1"] = RemoteFinished
	be.mu.Unlock()
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}

	if err := w.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(be.cancelled, []string{"job-2", "job-3"}) {
		t.Fatalf("cancelled = %v", be.cancelled)
	}
	if _, err := os.Stat(def.output(0)); err != nil {
		t.Fatal("finished output removed by cancel")
	}
	for _, j := range w.Jobs()[1:] {
		if j.State != StateFailed || !j.Cancelled {
			t.Fatalf("job = %+v", j)
		}
	}
	// Cancelled jobs are not retried by later polls.
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(be.submittedBranches()); n != 3 {
		t.Fatalf("cancelled jobs resubmitted: %d submissions", n)
	}
}

func TestPersistedSubmissionResumesPolling(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 2)

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}

	// A second process with the same store must not resubmit.
	w2, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := w2.Submit(ctx); err != nil || n != 0 {
		t.Fatalf("resubmitted %d jobs: %v", n, err)
	}
	def.produce(t, 0, 1)
	be.setAll(RemoteFinished)
	if err := w2.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if p := w2.Progress(); !p.Finished() {
		t.Fatalf("progress = %s", p)
	}
	stored, _ := opts.Store.Load(ctx, def.ID().Hash())
	for _, j := range stored.Jobs {
		if j.State != StateFinished {
			t.Fatalf("stored job = %+v", j)
		}
	}
}

func TestPendingRecordSavedBeforeBackendSubmit(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 2)

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	seen := 0
	be.onSubmit = func(d JobDescription) {
		stored, err := opts.Store.Load(ctx, def.ID().Hash())
		if err != nil || stored == nil {
			t.Errorf("no record at submit time: %v", err)
			return
		}
		for _, j := range stored.Jobs {
			if j.Index != d.Index {
				continue
			}
			seen++
			if j.State != StatePending || j.ID != "" || j.File != d.File || j.File == "" {
				t.Errorf("stored job at submit time = %+v", j)
			}
		}
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	if seen != 2 {
		t.Fatalf("found %d stored jobs during submission, want 2", seen)
	}
}

func TestInterruptedSubmissionIsResubmitted(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 3)
	def.produce(t, 0)
	// A previous process saved these records and stopped before the
	// backend answered.
	err := opts.Store.Save(ctx, def.ID().Hash(), &Submission{
		Task:      def.ID().String(),
		Backend:   "fake",
		NextIndex: 2,
		Jobs: []*Job{
			{Index: 0, Branches: []int{0}, State: StatePending, File: "job_0.sh"},
			{Index: 1, Branches: []int{1}, State: StateRetried, Retries: 1, File: "job_1.sh"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	n, err := w.Submit(ctx)
	if err != nil || n != 2 {
		t.Fatalf("submit = %d, %v", n, err)
	}
	if got := be.submittedBranches(); !reflect.DeepEqual(got, [][]int{{1}, {2}}) {
		t.Fatalf("branches = %v", got)
	}
	if be.submitted[0].Index != 1 || be.submitted[1].Index != 2 {
		t.Fatalf("indices = %d, %d", be.submitted[0].Index, be.submitted[1].Index)
	}
	jobs := w.Jobs()
	if jobs[0].State != StateFinished {
		t.Fatalf("job with outputs = %+v", jobs[0])
	}
	if jobs[1].State != StateSubmitted || jobs[1].ID == "" || jobs[1].Retries != 1 {
		t.Fatalf("resubmitted job = %+v", jobs[1])
	}
	if p := w.Progress(); p.Active != 2 || p.Complete != 1 {
		t.Fatalf("progress = %s", p)
	}
}

func TestProgressIgnoresExhaustedJobsWithOutputs(t *testing.T) {
	ctx := context.Background()
	def, opts, be := setup(t, 1)
	opts.Retries = 0

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatal(err)
	}
	be.setAll(RemoteFailed)
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if p := w.Progress(); p.Failed != 1 {
		t.Fatalf("progress after failure = %s", p)
	}

	// The outputs show up later, e.g. from a manual rerun.
	def.produce(t, 0)
	p, err := w.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Failed != 0 || p.Complete != 1 || !p.Finished() {
		t.Fatalf("progress after outputs = %s", p)
	}
}

func TestRunUntilComplete(t *testing.T) {
	def, opts, be := setup(t, 4)
	be.onSubmit = func(d JobDescription) {
		for _, b := range d.Branches {
			_ = os.WriteFile(def.output(b), []byte("ok"), 0o644)
		}
		be.mu.Lock()
		for id := range be.states {
			be.states[id] = RemoteFinished
		}
		be.mu.Unlock()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if p := w.Progress(); p.Complete != 4 {
		t.Fatalf("progress = %s", p)
	}
}

func TestRunReturnsPermanentFailures(t *testing.T) {
	def, opts, be := setup(t, 2)
	opts.Retries = 0
	be.onSubmit = func(JobDescription) { be.setAll(RemoteFailed) }
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := Open(ctx, def, opts)
	if err != nil {
		t.Fatal(err)
	}
	err = w.Run(ctx)
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunCancelledContextCancelsJobs(t *testing.T) {
	def, opts, be := setup(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	be.onSubmit = func(JobDescription) { cancel() }

	w, err := Open(context.Background(), def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(be.cancelled) == 0 {
		t.Fatal("remote jobs not cancelled")
	}
}

func TestTaskAdapterInScheduler(t *testing.T) {
	def, opts, be := setup(t, 2)
	be.onSubmit = func(d JobDescription) {
		for _, b := range d.Branches {
			_ = os.WriteFile(def.output(b), []byte("ok"), 0o644)
		}
		be.setAll(RemoteFinished)
	}
	wt := NewTask(def, opts)
	if len(wt.Output()) != 2 {
		t.Fatalf("outputs = %d", len(wt.Output()))
	}

	report, err := scheduler.New(scheduler.Options{}).Run(context.Background(), wt)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status(wt.ID()) != scheduler.StatusRan {
		t.Fatalf("status = %s", report.Status(wt.ID()))
	}
	report, err = scheduler.New(scheduler.Options{}).Run(context.Background(), NewTask(def, opts))
	if err != nil || report.Status(wt.ID()) != scheduler.StatusComplete {
		t.Fatalf("second run: %v, %v", report.Results(), err)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateSubmitted, true},
		{StateSubmitted, StateRunning, true},
		{StateRunning, StateFinished, true},
		{StateFailed, StateRetried, true},
		{StateRetried, StateSubmitted, true},
		{StateFinished, StateSubmitted, false},
		{StateFailed, StateSubmitted, false},
		{StatePending, StateFinished, false},
		{StateRunning, StateRunning, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
	j := &Job{State: StateFinished}
	if err := j.transition(StateRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
}
