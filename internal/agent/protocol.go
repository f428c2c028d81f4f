package agent

import "time"

// HeartbeatRequest is empty; the agent reports itself.
type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
	Running int       `json:"running_jobs"`
}

// SubmitRequest starts Script with /bin/sh in a fresh job directory.
type SubmitRequest struct {
	Name    string   `json:"name"`
	Script  string   `json:"script"`
	Env     []string `json:"env"`
	Timeout int      `json:"timeout_seconds"`
}

type SubmitResponse struct {
	ID string `json:"id"`
}

// Job states reported by the agent. They match the remote states the
// workflow understands.
const (
	StateRunning  = "running"
	StateFinished = "finished"
	StateFailed   = "failed"
)

type JobStatus struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      string     `json:"state"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	Dir        string     `json:"dir"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   int64      `json:"duration_ms"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
