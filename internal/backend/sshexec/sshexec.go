// Package sshexec runs jobs as detached shell processes on plain SSH hosts.
//
// Each job gets a directory below the remote dir holding job.sh, pid,
// output.log and, once the script ends, exitcode.
package sshexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/gridflow/internal/backend"
	"github.com/3cpo-dev/gridflow/internal/config"
	"github.com/3cpo-dev/gridflow/internal/retry"
	gssh "github.com/3cpo-dev/gridflow/internal/ssh"
	"github.com/3cpo-dev/gridflow/internal/workflow"
)

// Name is the backend name used in configuration.
const Name = "ssh"

// exitCancelled is written to the exit code file of cancelled jobs.
const exitCancelled = "cancelled"

// Session is one connection to a host.
type Session interface {
	// Run executes command and returns its stdout.
	Run(ctx context.Context, command string) (string, error)
	// Upload writes data to the absolute remote path p.
	Upload(ctx context.Context, p string, data []byte) error
	Close() error
}

// Dialer opens a session to host.
type Dialer func(ctx context.Context, host string) (Session, error)

// Backend implements workflow.Backend over SSH. Hosts are used round-robin.
type Backend struct {
	hosts     []string
	remoteDir string
	dial      Dialer
	policy    retry.Policy

	mu       sync.Mutex
	next     int
	sessions map[string]Session
}

// New creates a backend submitting to hosts. Jobs live below remoteDir.
func New(hosts []string, remoteDir string, dial Dialer, p retry.Policy) (*Backend, error) {
	if len(hosts) == 0 {
		return nil, errors.New("ssh backend: at least one host required")
	}
	if remoteDir == "" {
		return nil, errors.New("ssh backend: remote dir required")
	}
	return &Backend{
		hosts:     append([]string(nil), hosts...),
		remoteDir: remoteDir,
		dial:      dial,
		policy:    p,
		sessions:  map[string]Session{},
	}, nil
}

// FromConfig dials hosts with the key and known_hosts from the backend section.
func FromConfig(cfg config.Config) (*Backend, error) {
	bc := cfg.Backend
	policy := retry.FromConfig(cfg.Retry)
	dial := func(ctx context.Context, host string) (Session, error) {
		ep := gssh.Endpoint{
			Host:       host,
			Port:       bc.Port,
			User:       bc.User,
			KeyPath:    bc.KeyPath,
			KnownHosts: bc.KnownHost,
			Timeout:    policy.Timeout,
		}
		cli, err := gssh.Dial(ctx, ep, policy)
		if err != nil {
			return nil, err
		}
		sc, err := sftp.NewClient(cli)
		if err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("sftp client: %w", err)
		}
		return &sshSession{cli: cli, sftp: sc}, nil
	}
	return New(bc.Hosts, bc.RemoteDir, dial, policy)
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Render(templatePath string, vars map[string]string) ([]byte, error) {
	return backend.RenderFile(templatePath, vars)
}

func (b *Backend) pickHost() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.hosts[b.next%len(b.hosts)]
	b.next++
	return h
}

func (b *Backend) session(ctx context.Context, host string) (Session, error) {
	b.mu.Lock()
	s, ok := b.sessions[host]
	b.mu.Unlock()
	if ok {
		return s, nil
	}
	s, err := b.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.sessions[host]; ok {
		_ = s.Close()
		return prev, nil
	}
	b.sessions[host] = s
	return s, nil
}

// drop forgets a broken session so the next call redials.
func (b *Backend) drop(host string, s Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[host] == s {
		delete(b.sessions, host)
		_ = s.Close()
	}
}

// run executes command on host with retries, redialing between attempts.
func (b *Backend) run(ctx context.Context, host, command string) (string, error) {
	var out string
	err := retry.Do(ctx, b.policy, "ssh run on "+host, func(ctx context.Context) error {
		s, err := b.session(ctx, host)
		if err != nil {
			return err
		}
		out, err = s.Run(ctx, command)
		if err != nil {
			b.drop(host, s)
		}
		return err
	})
	return out, err
}

// Submit uploads the job script, verifies its checksum on the host and
// starts it detached. The job id is <dir>@<host>.
func (b *Backend) Submit(ctx context.Context, job workflow.JobDescription) (string, error) {
	host := b.pickHost()
	dir := path.Join(b.remoteDir, job.Name()+"-"+uuid.NewString()[:8])
	script := path.Join(dir, "job.sh")

	sum := sha256.Sum256(job.Script)
	want := hex.EncodeToString(sum[:])
	err := retry.Do(ctx, b.policy, "upload "+script, func(ctx context.Context) error {
		s, err := b.session(ctx, host)
		if err != nil {
			return err
		}
		if err := s.Upload(ctx, script, job.Script); err != nil {
			b.drop(host, s)
			return err
		}
		got, err := s.Run(ctx, "sha256sum "+quote(script)+" | cut -d' ' -f1")
		if err != nil {
			b.drop(host, s)
			return fmt.Errorf("remote checksum: %w", err)
		}
		if got = strings.TrimSpace(got); got != want {
			return fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("upload %s to %s: %w", job.Name(), host, err)
	}

	start := fmt.Sprintf(
		"cd %s || exit 1; GRIDFLOW_TASK=%s GRIDFLOW_JOB_DIR=%s nohup setsid sh -c 'sh job.sh > output.log 2>&1; echo $? > exitcode' > /dev/null 2>&1 < /dev/null & echo $! > %s/pid",
		quote(dir), quote(job.Task), quote(dir), quote(dir))
	if _, err := b.run(ctx, host, start); err != nil {
		return "", fmt.Errorf("start %s on %s: %w", job.Name(), host, err)
	}
	id := dir + "@" + host
	log.Debug().Str("job_id", id).Str("name", job.Name()).Msg("Started job over ssh")
	return id, nil
}

func splitID(jobID string) (dir, host string, err error) {
	i := strings.LastIndex(jobID, "@")
	if i <= 0 || i == len(jobID)-1 {
		return "", "", fmt.Errorf("malformed ssh job id %q", jobID)
	}
	return jobID[:i], jobID[i+1:], nil
}

// Status reads the exit code file, falling back to probing the pid.
func (b *Backend) Status(ctx context.Context, jobID string) (workflow.RemoteState, error) {
	dir, host, err := splitID(jobID)
	if err != nil {
		return workflow.RemoteUnknown, err
	}
	d := quote(dir)
	cmd := fmt.Sprintf(
		"if [ -f %s/exitcode ]; then echo exit $(cat %s/exitcode); elif [ -f %s/pid ] && kill -0 $(cat %s/pid) 2>/dev/null; then echo running; else echo unknown; fi",
		d, d, d, d)
	out, err := b.run(ctx, host, cmd)
	if err != nil {
		return workflow.RemoteUnknown, fmt.Errorf("status %s: %w", jobID, err)
	}
	return parseStatus(out), nil
}

func parseStatus(out string) workflow.RemoteState {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return workflow.RemoteUnknown
	}
	switch fields[0] {
	case "running":
		return workflow.RemoteRunning
	case "exit":
		// The file exists but the code is not written yet.
		if len(fields) < 2 {
			return workflow.RemoteRunning
		}
		if code, err := strconv.Atoi(fields[1]); err == nil && code == 0 {
			return workflow.RemoteFinished
		}
		return workflow.RemoteFailed
	}
	return workflow.RemoteUnknown
}

// Cancel kills the job's process group and marks it cancelled.
func (b *Backend) Cancel(ctx context.Context, jobID string) error {
	dir, host, err := splitID(jobID)
	if err != nil {
		return err
	}
	d := quote(dir)
	cmd := fmt.Sprintf(
		"if [ ! -f %s/exitcode ]; then kill -TERM -- -$(cat %s/pid) 2>/dev/null; echo %s > %s/exitcode; fi",
		d, d, exitCancelled, d)
	if _, err := b.run(ctx, host, cmd); err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	return nil
}

// Close releases all host connections.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for host, s := range b.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", host, err))
		}
		delete(b.sessions, host)
	}
	return errors.Join(errs...)
}

// quote wraps s in single quotes for sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type sshSession struct {
	cli  *xssh.Client
	sftp *sftp.Client
}

func (s *sshSession) Run(ctx context.Context, command string) (string, error) {
	return gssh.Run(ctx, s.cli, command)
}

// Upload is bound by ctx; an expired upload closes the session.
func (s *sshSession) Upload(ctx context.Context, p string, data []byte) error {
	return gssh.Await(ctx, func() error {
		return upload(s.sftp, p, data)
	}, func() { _ = s.Close() })
}

func (s *sshSession) Close() error {
	err := s.sftp.Close()
	if s.cli != nil {
		err = errors.Join(err, s.cli.Close())
	}
	return err
}

// upload writes data to a staging name next to p and renames it into place.
func upload(c *sftp.Client, p string, data []byte) error {
	if err := c.MkdirAll(path.Dir(p)); err != nil {
		return fmt.Errorf("create remote directory: %w", err)
	}
	tmp := p + ".part"
	f, err := c.Create(tmp)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = c.Remove(tmp)
		return fmt.Errorf("write remote file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = c.Remove(tmp)
		return fmt.Errorf("close remote file: %w", err)
	}
	if err := c.Chmod(tmp, 0o755); err != nil {
		_ = c.Remove(tmp)
		return fmt.Errorf("chmod remote file: %w", err)
	}
	if err := c.PosixRename(tmp, p); err != nil {
		_ = c.Remove(tmp)
		return fmt.Errorf("rename remote file: %w", err)
	}
	return nil
}
