// Package agent is the worker-side daemon: it accepts job scripts over HTTP,
// runs them asynchronously and reports their state.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/telemetry"
)

const maxScriptBytes = 4 << 20

type Server struct {
	Version string
	// Token, when set, is required as "Authorization: Bearer <token>" or
	// "X-Auth-Token: <token>".
	Token string
	// WorkDir holds one directory per job with the script and its output.
	WorkDir string
	Metrics *telemetry.Collector

	srv *http.Server

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

type job struct {
	status JobStatus
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Server) metrics() *telemetry.Collector {
	if s.Metrics != nil {
		return s.Metrics
	}
	return telemetry.GetGlobal()
}

// Handler returns the agent's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/heartbeat", s.instrument("heartbeat", s.heartbeat))
	mux.HandleFunc("POST /v0/jobs", s.instrument("submit", s.auth(s.submit)))
	mux.HandleFunc("GET /v0/jobs/{id}", s.instrument("status", s.auth(s.status)))
	mux.HandleFunc("DELETE /v0/jobs/{id}", s.instrument("cancel", s.auth(s.cancel)))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		labels := map[string]string{
			"component": "agent",
			"endpoint":  endpoint,
			"status":    fmt.Sprint(rec.code),
		}
		s.metrics().Counter("gridflow_agent_requests", 1, labels)
		s.metrics().Timer("gridflow_agent_request_duration", time.Since(start), labels)
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.Token && r.Header.Get("X-Auth-Token") != s.Token {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	s.mu.Lock()
	running := 0
	for _, j := range s.jobs {
		if j.status.State == StateRunning {
			running++
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, HeartbeatResponse{Time: time.Now(), Host: host, Version: s.Version, Running: running})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScriptBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Script == "" {
		writeError(w, http.StatusBadRequest, errors.New("script required"))
		return
	}
	st, err := s.start(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: st.ID})
}

// start writes the script into its job directory and launches it.
func (s *Server) start(req SubmitRequest) (JobStatus, error) {
	id := uuid.NewString()
	workDir := s.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "gridflow-agent")
	}
	dir := filepath.Join(workDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return JobStatus{}, fmt.Errorf("create job dir: %w", err)
	}
	script := filepath.Join(dir, "job.sh")
	if err := os.WriteFile(script, []byte(req.Script), 0o755); err != nil {
		return JobStatus{}, fmt.Errorf("write script: %w", err)
	}
	out, err := os.Create(filepath.Join(dir, "output.log"))
	if err != nil {
		return JobStatus{}, fmt.Errorf("create output log: %w", err)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(req.Timeout)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", script)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Env = append(cmd.Env, "GRIDFLOW_JOB_ID="+id, "GRIDFLOW_JOB_DIR="+dir)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		cancel()
		out.Close()
		return JobStatus{}, fmt.Errorf("start job: %w", err)
	}

	j := &job{
		status: JobStatus{ID: id, Name: req.Name, State: StateRunning, Dir: dir, StartedAt: time.Now().UTC()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if s.jobs == nil {
		s.jobs = map[string]*job{}
	}
	s.jobs[id] = j
	s.mu.Unlock()
	s.metrics().Counter("gridflow_agent_jobs_started", 1, nil)
	log.Info().Str("job_id", id).Str("name", req.Name).Str("dir", dir).Msg("Job started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(j.done)
		defer cancel()
		err := cmd.Wait()
		out.Close()
		s.finish(j, err, ctx.Err())
	}()
	return j.status, nil
}

func (s *Server) finish(j *job, waitErr, ctxErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	st := &j.status
	st.FinishedAt = &now
	st.Duration = now.Sub(st.StartedAt).Milliseconds()
	code := 0
	var exit *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exit):
		code = exit.ExitCode()
	default:
		code = -1
	}
	st.ExitCode = &code
	switch {
	case st.Error == "cancelled":
		st.State = StateFailed
	case errors.Is(ctxErr, context.DeadlineExceeded):
		st.State = StateFailed
		st.Error = "timeout"
	case waitErr != nil:
		st.State = StateFailed
		st.Error = waitErr.Error()
	default:
		st.State = StateFinished
	}
	labels := map[string]string{"state": st.State}
	s.metrics().Counter("gridflow_agent_jobs_done", 1, labels)
	s.metrics().Timer("gridflow_agent_job_duration", time.Duration(st.Duration)*time.Millisecond, labels)
	log.Info().Str("job_id", st.ID).Str("state", st.State).Int("exit_code", code).Msg("Job ended")
}

func (s *Server) lookup(id string) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", r.PathValue("id")))
		return
	}
	s.mu.Lock()
	st := j.status
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", r.PathValue("id")))
		return
	}
	s.mu.Lock()
	if j.status.State == StateRunning {
		j.status.Error = "cancelled"
	}
	s.mu.Unlock()
	j.cancel()
	select {
	case <-j.done:
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
	s.mu.Lock()
	st := j.status
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

// Wait blocks until every started job has ended.
func (s *Server) Wait() { s.wg.Wait() }

// CancelAll stops every running job.
func (s *Server) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.status.State == StateRunning {
			j.status.Error = "cancelled"
			j.cancel()
		}
	}
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.setHTTP(srv)
	return srv.ListenAndServe()
}

func (s *Server) setHTTP(srv *http.Server) {
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
}

// Shutdown stops accepting requests, cancels running jobs and waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	err := srv.Shutdown(ctx)
	s.CancelAll()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
