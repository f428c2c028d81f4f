package workflow

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/target"
	"github.com/3cpo-dev/gridflow/internal/task"
)

// Task adapts a branched definition to task.Task so it can be scheduled
// alongside local tasks. Its requirements are the definition's, and it is
// complete when every selected branch has its outputs.
type Task struct {
	def  Branched
	opts Options

	mu sync.Mutex
	wf *Workflow
}

var (
	_ task.Task      = (*Task)(nil)
	_ task.Completer = (*Task)(nil)
)

// NewTask wraps def. The workflow itself is opened lazily on first use.
func NewTask(def Branched, opts Options) *Task {
	return &Task{def: def, opts: opts}
}

func (t *Task) ID() task.ID { return t.def.ID() }

func (t *Task) Requires() []task.Task { return t.def.Requires() }

// Output lists the outputs of every selected branch. It returns nil when the
// branch map cannot be built yet.
func (t *Task) Output() []target.Target {
	wf, err := t.Workflow(context.Background())
	if err != nil {
		log.Debug().Err(err).Str("task", t.def.ID().String()).Msg("Branch outputs unavailable")
		return nil
	}
	var out []target.Target
	for _, i := range wf.selected {
		data, err := wf.bmap.Data(i)
		if err != nil {
			return nil
		}
		out = append(out, t.def.BranchOutput(i, data)...)
	}
	return out
}

func (t *Task) Complete(ctx context.Context) (bool, error) {
	wf, err := t.Workflow(ctx)
	if err != nil {
		return false, err
	}
	return wf.Complete(ctx)
}

func (t *Task) Run(ctx context.Context) error {
	wf, err := t.Workflow(ctx)
	if err != nil {
		return err
	}
	return wf.Run(ctx)
}

// Workflow opens the underlying workflow once and returns it.
func (t *Task) Workflow(ctx context.Context) (*Workflow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wf != nil {
		return t.wf, nil
	}
	wf, err := Open(ctx, t.def, t.opts)
	if err != nil {
		return nil, err
	}
	t.wf = wf
	return wf, nil
}
