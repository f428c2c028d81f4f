// Package ssh dials storage endpoints and execution hosts over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/gridflow/internal/retry"
)

// Endpoint describes how to reach one SSH host.
type Endpoint struct {
	Host       string
	Port       int
	User       string
	KeyPath    string
	KnownHosts string
	Timeout    time.Duration
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, fmt.Sprint(port))
}

// ClientConfig loads the key and known_hosts callback for the endpoint. An
// empty KnownHosts path disables host key verification, which is only meant
// for throwaway test hosts.
func (e Endpoint) ClientConfig() (*xssh.ClientConfig, error) {
	if e.KeyPath == "" {
		return nil, errors.New("ssh: key path required")
	}
	signer, err := LoadSigner(e.KeyPath)
	if err != nil {
		return nil, err
	}
	hostKeys := xssh.InsecureIgnoreHostKey()
	if e.KnownHosts != "" {
		hostKeys, err = LoadKnownHostsCallback(e.KnownHosts)
		if err != nil {
			return nil, err
		}
	}
	user := e.User
	if user == "" {
		user = os.Getenv("USER")
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &xssh.ClientConfig{
		User:            user,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

// Dial connects to the endpoint, retrying transient failures according to p.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, e Endpoint, p retry.Policy) (*xssh.Client, error) {
	cfg, err := e.ClientConfig()
	if err != nil {
		return nil, err
	}
	var cli *xssh.Client
	err = retry.Do(ctx, p, "ssh dial "+e.Addr(), func(ctx context.Context) error {
		type res struct {
			cli *xssh.Client
			err error
		}
		ch := make(chan res, 1)
		go func() {
			c, err := xssh.Dial("tcp", e.Addr(), cfg)
			ch <- res{cli: c, err: err}
		}()
		select {
		case <-ctx.Done():
			// Close a late connection so it does not leak.
			go func() {
				if r := <-ch; r.cli != nil {
					_ = r.cli.Close()
				}
			}()
			return ctx.Err()
		case r := <-ch:
			if r.err != nil {
				return fmt.Errorf("ssh dial %s: %w", e.Addr(), r.err)
			}
			cli = r.cli
			return nil
		}
	})
	return cli, err
}

// Await runs fn and returns its error, or ctx.Err() when ctx ends first.
// SFTP requests take no context, so on expiry abandon is called to close the
// connection underneath fn, which then fails and returns on its own.
func Await(ctx context.Context, fn func() error, abandon func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

// Run executes command in a new session and returns its stdout. A non-zero
// exit status is returned as an error that includes stderr.
func Run(ctx context.Context, cli *xssh.Client, command string) (string, error) {
	session, err := cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("run %q: %w: %s", command, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return stdout.String(), nil
	}
}
