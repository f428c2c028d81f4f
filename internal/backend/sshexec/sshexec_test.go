package sshexec

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"

	"github.com/3cpo-dev/gridflow/internal/retry"
	"github.com/3cpo-dev/gridflow/internal/workflow"
)

// localSession runs commands with the local shell and uploads through an
// in-process SFTP server backed by the real filesystem.
type localSession struct {
	sftp    *sftp.Client
	corrupt bool
	failRun int32
}

func newLocalSession(t *testing.T) *localSession {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	server, err := sftp.NewServer(serverConn)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = server.Serve() }()
	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return &localSession{sftp: client}
}

func (s *localSession) Run(ctx context.Context, command string) (string, error) {
	if atomic.AddInt32(&s.failRun, -1) >= 0 {
		return "", errors.New("connection reset")
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", command).Output()
	return string(out), err
}

func (s *localSession) Upload(ctx context.Context, p string, data []byte) error {
	if s.corrupt {
		data = append([]byte("#"), data...)
	}
	return upload(s.sftp, p, data)
}

func (s *localSession) Close() error { return nil }

func fastPolicy(retries int) retry.Policy {
	return retry.Policy{MaxRetries: retries, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2, Timeout: 10 * time.Second}
}

func newBackend(t *testing.T, hosts ...string) (*Backend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := New(hosts, dir, func(ctx context.Context, host string) (Session, error) {
		return newLocalSession(t), nil
	}, fastPolicy(1))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, dir
}

func desc(index int, script string) workflow.JobDescription {
	return workflow.JobDescription{Task: "Analysis(dataset=a)", TaskHash: "abc123", Index: index, Branches: []int{index}, Script: []byte(script)}
}

func wait(t *testing.T, b *Backend, id string) workflow.RemoteState {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := b.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st != workflow.RemoteRunning {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s still running", id)
	return ""
}

func TestSubmitRoundRobin(t *testing.T) {
	b, _ := newBackend(t, "node1", "node2")
	ctx := context.Background()

	first, err := b.Submit(ctx, desc(0, "echo done > result.txt\n"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := b.Submit(ctx, desc(1, "exit 4\n"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasSuffix(first, "@node1") || !strings.HasSuffix(second, "@node2") {
		t.Fatalf("ids = %s, %s", first, second)
	}

	if st := wait(t, b, first); st != workflow.RemoteFinished {
		t.Fatalf("first state = %s", st)
	}
	dir, _, _ := splitID(first)
	if out, err := os.ReadFile(filepath.Join(dir, "result.txt")); err != nil || string(out) != "done\n" {
		t.Fatalf("result = %q, %v", out, err)
	}
	if st := wait(t, b, second); st != workflow.RemoteFailed {
		t.Fatalf("second state = %s", st)
	}
}

func TestCancelKillsJob(t *testing.T) {
	b, _ := newBackend(t, "node1")
	ctx := context.Background()
	id, err := b.Submit(ctx, desc(0, "sleep 30\ntouch late\n"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st, _ := b.Status(ctx, id); st != workflow.RemoteRunning {
		t.Fatalf("state before cancel = %s", st)
	}
	if err := b.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st := wait(t, b, id); st != workflow.RemoteFailed {
		t.Fatalf("state after cancel = %s", st)
	}
	dir, _, _ := splitID(id)
	if code, _ := os.ReadFile(filepath.Join(dir, "exitcode")); strings.TrimSpace(string(code)) != exitCancelled {
		t.Fatalf("exitcode = %q", code)
	}
}

func TestStatusUnknown(t *testing.T) {
	b, dir := newBackend(t, "node1")
	st, err := b.Status(context.Background(), filepath.Join(dir, "missing")+"@node1")
	if err != nil || st != workflow.RemoteUnknown {
		t.Fatalf("status = %s, %v", st, err)
	}
	if _, err := b.Status(context.Background(), "no-host"); err == nil {
		t.Fatal("expected error for malformed id")
	}
}

func TestChecksumMismatch(t *testing.T) {
	var dials atomic.Int32
	b, err := New([]string{"node1"}, t.TempDir(), func(ctx context.Context, host string) (Session, error) {
		dials.Add(1)
		s := newLocalSession(t)
		s.corrupt = true
		return s, nil
	}, fastPolicy(1))
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Submit(context.Background(), desc(0, "true\n"))
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if dials.Load() != 1 {
		t.Fatalf("session redialed on checksum mismatch: %d", dials.Load())
	}
}

func TestRedialAfterRunError(t *testing.T) {
	var dials atomic.Int32
	b, err := New([]string{"node1"}, t.TempDir(), func(ctx context.Context, host string) (Session, error) {
		s := newLocalSession(t)
		if dials.Add(1) == 1 {
			s.failRun = 1
		}
		return s, nil
	}, fastPolicy(2))
	if err != nil {
		t.Fatal(err)
	}
	id, err := b.Submit(context.Background(), desc(0, "true\n"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st := wait(t, b, id); st != workflow.RemoteFinished {
		t.Fatalf("state = %s", st)
	}
	if dials.Load() != 2 {
		t.Fatalf("dials = %d", dials.Load())
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]workflow.RemoteState{
		"running\n":        workflow.RemoteRunning,
		"exit 0\n":         workflow.RemoteFinished,
		"exit 2\n":         workflow.RemoteFailed,
		"exit cancelled\n": workflow.RemoteFailed,
		"exit\n":           workflow.RemoteRunning,
		"unknown\n":        workflow.RemoteUnknown,
		"":                 workflow.RemoteUnknown,
	}
	for out, want := range cases {
		if got := parseStatus(out); got != want {
			t.Errorf("parseStatus(%q) = %s, want %s", out, got, want)
		}
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, "/tmp/x", nil, fastPolicy(0)); err == nil {
		t.Fatal("expected error without hosts")
	}
	if _, err := New([]string{"a"}, "", nil, fastPolicy(0)); err == nil {
		t.Fatal("expected error without remote dir")
	}
}

func TestQuote(t *testing.T) {
	if got := quote("it's"); got != `'it'\''s'` {
		t.Fatalf("quote = %s", got)
	}
}

// stalledSFTP completes the SFTP handshake and then never answers.
func stalledSFTP(t *testing.T) *sftp.Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go func() {
		defer serverConn.Close()
		var size [4]byte
		if _, err := io.ReadFull(serverConn, size[:]); err != nil {
			return
		}
		n := int(size[0])<<24 | int(size[1])<<16 | int(size[2])<<8 | int(size[3])
		if _, err := io.CopyN(io.Discard, serverConn, int64(n)); err != nil {
			return
		}
		if _, err := serverConn.Write([]byte{0, 0, 0, 5, 2, 0, 0, 0, 3}); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, serverConn)
	}()
	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestUploadGivesUpOnStalledServer(t *testing.T) {
	s := &sshSession{sftp: stalledSFTP(t)}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Upload(ctx, "/jobs/job_0.sh", []byte("#!/bin/sh\n"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("upload did not honour the deadline")
	}
	// The abandoned session was closed.
	if _, err := s.sftp.Stat("/jobs"); err == nil {
		t.Fatal("session still usable after timeout")
	}
}
