// Package agentclient submits jobs to gridflow agents over HTTP.
package agentclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/agent"
	"github.com/3cpo-dev/gridflow/internal/backend"
	"github.com/3cpo-dev/gridflow/internal/config"
	"github.com/3cpo-dev/gridflow/internal/retry"
	"github.com/3cpo-dev/gridflow/internal/workflow"
)

// Name is the backend name used in configuration.
const Name = "agent"

// retryableStatus are HTTP status codes that should be retried: rate limits
// and server errors.
var retryableStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// StatusError is a non-2xx reply from the agent.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent returned %d", e.Code)
	}
	return fmt.Sprintf("agent returned %d: %s", e.Code, e.Message)
}

// Options configures a Client.
type Options struct {
	Endpoint string
	Token    string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient        *http.Client
	Policy            retry.Policy
	RequestsPerSecond float64
	// JobTimeout is passed to the agent for every job; 0 means unbounded.
	JobTimeout time.Duration
}

// Client implements workflow.Backend against one agent.
type Client struct {
	endpoint   string
	token      string
	http       *http.Client
	policy     retry.Policy
	limiter    *retry.RateLimiter
	jobTimeout time.Duration
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint:   strings.TrimSuffix(opts.Endpoint, "/"),
		token:      opts.Token,
		http:       hc,
		policy:     opts.Policy,
		limiter:    retry.NewRateLimiter(opts.RequestsPerSecond),
		jobTimeout: opts.JobTimeout,
	}
}

// FromConfig builds a client from the backend section. A configured CA
// certificate enables TLS verification against it; a client certificate
// and key enable mTLS.
func FromConfig(cfg config.Config) (*Client, error) {
	bc := cfg.Backend
	if bc.Endpoint == "" {
		return nil, errors.New("agent backend: endpoint required")
	}
	policy := retry.FromConfig(cfg.Retry)
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if bc.CACert != "" || bc.ClientCert != "" {
		tc := &tls.Config{MinVersion: tls.VersionTLS12}
		if bc.CACert != "" {
			pool, err := agent.LoadCertPool(bc.CACert)
			if err != nil {
				return nil, err
			}
			tc.RootCAs = pool
		}
		if bc.ClientCert != "" {
			cert, err := tls.LoadX509KeyPair(bc.ClientCert, bc.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("load client certificate: %w", err)
			}
			tc.Certificates = []tls.Certificate{cert}
		}
		tr.TLSClientConfig = tc
	}
	return New(Options{
		Endpoint:          bc.Endpoint,
		Token:             bc.Token,
		HTTPClient:        &http.Client{Transport: tr, Timeout: policy.Timeout},
		Policy:            policy,
		RequestsPerSecond: bc.RateLimit,
		JobTimeout:        bc.JobTimeout,
	}), nil
}

func (c *Client) Name() string { return Name }

// Heartbeat checks that the agent is reachable.
func (c *Client) Heartbeat(ctx context.Context) (agent.HeartbeatResponse, error) {
	var hb agent.HeartbeatResponse
	err := c.do(ctx, http.MethodGet, "/v0/heartbeat", nil, &hb)
	return hb, err
}

func (c *Client) Submit(ctx context.Context, job workflow.JobDescription) (string, error) {
	req := agent.SubmitRequest{
		Name:    job.Name(),
		Script:  string(job.Script),
		Timeout: int(c.jobTimeout / time.Second),
		Env: []string{
			"GRIDFLOW_TASK=" + job.Task,
			"GRIDFLOW_BRANCHES=" + job.Vars["branches"],
		},
	}
	var resp agent.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v0/jobs", req, &resp); err != nil {
		return "", fmt.Errorf("submit %s: %w", job.Name(), err)
	}
	log.Debug().Str("job_id", resp.ID).Str("name", job.Name()).Msg("Submitted job to agent")
	return resp.ID, nil
}

// Status maps the agent's job state onto a remote state. Jobs the agent no
// longer knows, for example after a restart, are unknown.
func (c *Client) Status(ctx context.Context, jobID string) (workflow.RemoteState, error) {
	var st agent.JobStatus
	err := c.do(ctx, http.MethodGet, "/v0/jobs/"+jobID, nil, &st)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return workflow.RemoteUnknown, nil
	}
	if err != nil {
		return workflow.RemoteUnknown, fmt.Errorf("status %s: %w", jobID, err)
	}
	return workflow.ParseRemoteState(st.State), nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) error {
	err := c.do(ctx, http.MethodDelete, "/v0/jobs/"+jobID, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	return nil
}

func (c *Client) Render(templatePath string, vars map[string]string) ([]byte, error) {
	return backend.RenderFile(templatePath, vars)
}

// do sends one JSON request with rate limiting and retries. Transport errors
// and retryable status codes are retried; other 4xx replies are returned
// at once as *StatusError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	return retry.Do(ctx, c.policy, method+" "+path, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		var rdr io.Reader = http.NoBody
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rdr)
		if err != nil {
			return retry.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			var e agent.ErrorResponse
			_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
			se := &StatusError{Code: resp.StatusCode, Message: e.Error}
			if retryableStatus[resp.StatusCode] {
				return se
			}
			return retry.Permanent(se)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}
