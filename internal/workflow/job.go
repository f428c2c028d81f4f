package workflow

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/3cpo-dev/gridflow/internal/branch"
)

// State is the local state of a job.
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateFinished  State = "finished"
	StateFailed    State = "failed"
	StateRetried   State = "retried"
)

var transitions = map[State][]State{
	StatePending:   {StateSubmitted, StateFailed},
	StateSubmitted: {StateRunning, StateFinished, StateFailed},
	StateRunning:   {StateFinished, StateFailed},
	StateFailed:    {StateRetried},
	StateRetried:   {StateSubmitted, StateFailed},
	StateFinished:  {},
}

// ErrInvalidTransition is returned for a state change the table forbids.
var ErrInvalidTransition = errors.New("invalid job state transition")

// CanTransition reports whether from -> to is allowed. Staying in the same
// state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one backend submission covering a group of branches.
type Job struct {
	Index       int       `json:"index"`
	ID          string    `json:"job_id,omitempty"`
	Branches    []int     `json:"branches"`
	State       State     `json:"state"`
	Retries     int       `json:"retries"`
	Error       string    `json:"error,omitempty"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	File        string    `json:"file,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (j *Job) transition(to State) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: job %d %s -> %s", ErrInvalidTransition, j.Index, j.State, to)
	}
	j.State = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Active reports whether the job still owns its branches: it is queued,
// running, or failed with a retry pending.
func (j *Job) Active(maxRetries int) bool {
	switch j.State {
	case StatePending, StateSubmitted, StateRunning, StateRetried:
		return true
	case StateFailed:
		return !j.Cancelled && j.Retries < maxRetries
	}
	return false
}

// Exhausted reports whether the job failed with no retries left.
func (j *Job) Exhausted(maxRetries int) bool {
	return j.State == StateFailed && !j.Cancelled && j.Retries >= maxRetries
}

// Submission is the persisted record of all jobs of one workflow task.
type Submission struct {
	Task      string    `json:"task"`
	Backend   string    `json:"backend"`
	NextIndex int       `json:"next_index"`
	Jobs      []*Job    `json:"jobs"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	out.Jobs = make([]*Job, len(s.Jobs))
	for i, j := range s.Jobs {
		cp := *j
		cp.Branches = append([]int(nil), j.Branches...)
		out.Jobs[i] = &cp
	}
	return &out
}

var (
	// ErrSubmission is matched by every SubmissionError.
	ErrSubmission = errors.New("job submission rejected")
	// ErrJobFailed is matched by every JobFailedError.
	ErrJobFailed = errors.New("job failed permanently")
)

// SubmissionError is a backend rejection of a job.
type SubmissionError struct {
	Task     string
	Backend  string
	Branches []int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: submit branches %s to %s: %v: %v",
		e.Task, branch.FormatRanges(e.Branches), e.Backend, ErrSubmission, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// JobFailedError is a job that exhausted its retry budget.
type JobFailedError struct {
	Task     string
	JobID    string
	Branches []int
	Retries  int
	Reason   string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("%s: job %s (branches %s) failed after %d retries: %s",
		e.Task, e.JobID, branch.FormatRanges(e.Branches), e.Retries, e.Reason)
}

func (e *JobFailedError) Is(target error) bool { return target == ErrJobFailed }

func itoa(i int) string { return strconv.Itoa(i) }
