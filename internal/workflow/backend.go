package workflow

import (
	"context"
)

// RemoteState is a job state as reported by a backend.
type RemoteState string

const (
	RemoteSubmitted RemoteState = "submitted"
	RemoteRunning   RemoteState = "running"
	RemoteFinished  RemoteState = "finished"
	RemoteFailed    RemoteState = "failed"
	RemoteUnknown   RemoteState = "unknown"
)

// ParseRemoteState maps a backend string onto a RemoteState. Unrecognized
// values are RemoteUnknown.
func ParseRemoteState(s string) RemoteState {
	switch RemoteState(s) {
	case RemoteSubmitted, RemoteRunning, RemoteFinished, RemoteFailed:
		return RemoteState(s)
	}
	return RemoteUnknown
}

// JobDescription is everything a backend needs to start one job.
type JobDescription struct {
	Task     string            // task identity, for display
	TaskHash string            // stable short hash of the task identity
	Index    int               // sequence number within the submission
	Branches []int             // branch indices covered by the job
	Script   []byte            // rendered bootstrap script
	File     string            // persisted copy of Script
	Vars     map[string]string // variables the script was rendered with
}

// Name is a backend-friendly job name.
func (d JobDescription) Name() string {
	return "gridflow-" + d.TaskHash + "-" + itoa(d.Index)
}

// Backend executes jobs remotely. Implementations retry transient failures
// themselves; Submit errors are treated as rejections.
type Backend interface {
	Name() string
	Submit(ctx context.Context, job JobDescription) (string, error)
	Status(ctx context.Context, jobID string) (RemoteState, error)
	// Cancel is best effort.
	Cancel(ctx context.Context, jobID string) error
	Render(templatePath string, vars map[string]string) ([]byte, error)
}
