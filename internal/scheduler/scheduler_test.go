package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3cpo-dev/gridflow/internal/target"
	"github.com/3cpo-dev/gridflow/internal/task"
)

// recorder tracks run order and counts across all test tasks of one graph.
type recorder struct {
	mu    sync.Mutex
	order []string
	runs  map[string]int
}

func newRecorder() *recorder { return &recorder{runs: map[string]int{}} }

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
	r.runs[name]++
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name]
}

type fileTask struct {
	name    string
	dir     string
	deps    []task.Task
	rec     *recorder
	fail    error
	noWrite bool
	delay   time.Duration
	onRun   func(ctx context.Context) error
}

func (f *fileTask) ID() task.ID           { return task.NewID("File", task.Params{}.Add("name", f.name)...) }
func (f *fileTask) Requires() []task.Task { return f.deps }
func (f *fileTask) Output() []target.Target {
	return []target.Target{target.NewLocalFile(filepath.Join(f.dir, f.name+".out"))}
}

func (f *fileTask) Run(ctx context.Context) error {
	f.rec.record(f.name)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.onRun != nil {
		if err := f.onRun(ctx); err != nil {
			return err
		}
	}
	if f.fail != nil {
		return f.fail
	}
	if f.noWrite {
		return nil
	}
	return f.Output()[0].Write(ctx, strings.NewReader(f.name))
}

func TestBuildDiamondVisitsOnce(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	d := &fileTask{name: "d", dir: dir, rec: rec}
	a := &fileTask{name: "a", dir: dir, rec: rec, deps: []task.Task{d}}
	// b requires an equal but distinct instance of d.
	b := &fileTask{name: "b", dir: dir, rec: rec, deps: []task.Task{&fileTask{name: "d", dir: dir, rec: rec}}}
	c := &fileTask{name: "c", dir: dir, rec: rec, deps: []task.Task{a, b}}

	g, err := Build(c)
	if err != nil {
		t.Fatal(err)
	}
	if g.Len() != 4 {
		t.Fatalf("expected 4 nodes, got %d", g.Len())
	}
	order := g.Order()
	if order[0] != d.ID() || order[len(order)-1] != c.ID() {
		t.Fatalf("order = %v", order)
	}

	report, err := New(Options{Workers: 4}).Execute(context.Background(), g)
	if err != nil {
		t.Fatal(err)
	}
	if rec.count("d") != 1 {
		t.Fatalf("d ran %d times", rec.count("d"))
	}
	if report.Count(StatusRan) != 4 {
		t.Fatalf("ran = %d", report.Count(StatusRan))
	}
}

func TestRequirementsCompleteBeforeRun(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	b := &fileTask{name: "b", dir: dir, rec: rec, delay: 20 * time.Millisecond}
	a := &fileTask{name: "a", dir: dir, rec: rec, deps: []task.Task{b}}
	a.onRun = func(ctx context.Context) error {
		ok, err := task.Complete(ctx, b)
		if err != nil || !ok {
			t.Errorf("a ran before b was complete")
		}
		return nil
	}
	if _, err := New(Options{Workers: 8}).Run(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if strings.Join(rec.order, ",") != "b,a" {
		t.Fatalf("order = %v", rec.order)
	}
}

type cyclicTask struct {
	name string
	next func() task.Task
	runs *int32
}

func (c *cyclicTask) ID() task.ID { return task.NewID("Cyclic", task.Params{}.Add("name", c.name)...) }
func (c *cyclicTask) Requires() []task.Task {
	if c.next == nil {
		return nil
	}
	return []task.Task{c.next()}
}
func (c *cyclicTask) Output() []target.Target { return nil }
func (c *cyclicTask) Run(context.Context) error {
	atomic.AddInt32(c.runs, 1)
	return nil
}

func TestCycleDetectedBeforeRun(t *testing.T) {
	var runs int32
	a := &cyclicTask{name: "a", runs: &runs}
	b := &cyclicTask{name: "b", runs: &runs}
	a.next = func() task.Task { return b }
	b.next = func() task.Task { return a }

	report, err := New(Options{}).Run(context.Background(), a)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected cyclic dependency, got %v", err)
	}
	if report != nil {
		t.Fatal("no report expected for structural errors")
	}
	var ce *CycleError
	if !errors.As(err, &ce) || len(ce.Path) != 3 || ce.Path[0] != ce.Path[2] {
		t.Fatalf("cycle path = %+v", ce)
	}
	if atomic.LoadInt32(&runs) != 0 {
		t.Fatal("tasks ran despite the cycle")
	}
}

func TestFailureSkipsDependentsOnly(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	boom := errors.New("boom")
	bad := &fileTask{name: "bad", dir: dir, rec: rec, fail: boom}
	mid := &fileTask{name: "mid", dir: dir, rec: rec, deps: []task.Task{bad}}
	top := &fileTask{name: "top", dir: dir, rec: rec, deps: []task.Task{mid}}
	sibling := &fileTask{name: "sibling", dir: dir, rec: rec}

	report, err := New(Options{Workers: 2}).Run(context.Background(), top, sibling)
	if !errors.Is(err, task.ErrTaskFailed) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	var fe *task.FailedError
	if !errors.As(err, &fe) || fe.Task != bad.ID() {
		t.Fatalf("failed task = %+v", fe)
	}
	for id, want := range map[task.ID]Status{
		bad.ID():     StatusFailed,
		mid.ID():     StatusSkipped,
		top.ID():     StatusSkipped,
		sibling.ID(): StatusRan,
	} {
		if got := report.Status(id); got != want {
			t.Errorf("%s: status %s, want %s", id, got, want)
		}
	}
	if rec.count("mid") != 0 || rec.count("top") != 0 {
		t.Fatal("dependents of a failed task ran")
	}
}

func TestOutputsMissingIsFailure(t *testing.T) {
	rec := newRecorder()
	lazy := &fileTask{name: "lazy", dir: t.TempDir(), rec: rec, noWrite: true}
	report, err := New(Options{}).Run(context.Background(), lazy)
	if !errors.Is(err, ErrOutputsMissing) {
		t.Fatalf("err = %v", err)
	}
	if report.Status(lazy.ID()) != StatusFailed {
		t.Fatalf("status = %s", report.Status(lazy.ID()))
	}
}

func TestResumeSkipsCompleteTasks(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	b := &fileTask{name: "b", dir: dir, rec: rec}
	a := &fileTask{name: "a", dir: dir, rec: rec, deps: []task.Task{b}}
	if err := b.Output()[0].Write(context.Background(), strings.NewReader("done")); err != nil {
		t.Fatal(err)
	}

	report, err := New(Options{}).Run(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if rec.count("b") != 0 || rec.count("a") != 1 {
		t.Fatalf("runs = %v", rec.runs)
	}
	if report.Status(b.ID()) != StatusComplete || report.Status(a.ID()) != StatusRan {
		t.Fatalf("results = %+v", report.Results())
	}

	// Second invocation finds everything complete.
	report, err = New(Options{}).Run(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(StatusComplete) != 2 || rec.count("a") != 1 {
		t.Fatalf("second run results = %+v", report.Results())
	}
}

func TestIndependentTasksRunConcurrently(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	var active, peak int32
	track := func(context.Context) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}
	var leaves []task.Task
	for _, name := range []string{"l1", "l2", "l3", "l4"} {
		leaves = append(leaves, &fileTask{name: name, dir: dir, rec: rec, onRun: track})
	}

	if _, err := New(Options{Workers: 2}).Run(context.Background(), leaves...); err != nil {
		t.Fatal(err)
	}
	if p := atomic.LoadInt32(&peak); p != 2 {
		t.Fatalf("peak concurrency = %d, want 2", p)
	}
}

// hookTask has no outputs, so it counts as ran whenever Run returns nil.
type hookTask struct {
	name string
	fn   func()
}

func (h *hookTask) ID() task.ID             { return task.NewID("Hook", task.Params{}.Add("name", h.name)...) }
func (h *hookTask) Requires() []task.Task   { return nil }
func (h *hookTask) Output() []target.Target { return nil }
func (h *hookTask) Run(context.Context) error {
	h.fn()
	return nil
}

func TestCancelledContextStopsLaunching(t *testing.T) {
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	first := &hookTask{name: "first", fn: cancel}
	second := &fileTask{name: "second", dir: t.TempDir(), rec: rec, deps: []task.Task{first}}

	report, err := New(Options{}).Run(ctx, second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if report.Status(first.ID()) != StatusRan {
		t.Fatalf("first status = %s", report.Status(first.ID()))
	}
	if rec.count("second") != 0 || report.Status(second.ID()) != StatusPending {
		t.Fatalf("second status = %s", report.Status(second.ID()))
	}
}
