// Package remote runs single commands on administrative hosts over SSH.
//
// Every call opens a fresh connection and never returns a Go error: dial,
// authentication and exit failures are folded into Result.Error so callers
// branch on one field only.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opsdesk/opsbot/internal/logging"
	"golang.org/x/crypto/ssh"
)

// Result is the captured outcome of one remote command.
type Result struct {
	Output string // standard output
	Error  string // standard error, or a description of the failure
}

// Failed reports whether the executor recorded any error text.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Executor runs one command on host.
type Executor interface {
	Execute(ctx context.Context, host, command string) Result
}

// Observer receives one callback per executed command.
type Observer func(host, outcome string, duration time.Duration)

// Config describes the fixed identity used for every connection.
type Config struct {
	User           string
	KeyFile        string
	Port           int
	ConnectTimeout time.Duration
	MaxOutputBytes int64 // per stream; 0 means unlimited
}

// SSHExecutor implements Executor with golang.org/x/crypto/ssh.
//
// Host keys are not verified. The administrative hosts are reached over a
// trusted management network and the bot has no known_hosts provisioning;
// this is an accepted trust trade-off, not an oversight.
type SSHExecutor struct {
	user           string
	signer         ssh.Signer
	port           int
	connectTimeout time.Duration
	maxOutput      int64
	observe        Observer
	dial           func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSSHExecutor loads the private key from cfg.KeyFile.
func NewSSHExecutor(cfg Config) (*SSHExecutor, error) {
	keyBytes, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return NewSSHExecutorWithSigner(cfg, signer), nil
}

// NewSSHExecutorWithSigner builds an executor from an already parsed key.
func NewSSHExecutorWithSigner(cfg Config, signer ssh.Signer) *SSHExecutor {
	port := cfg.Port
	if port <= 0 {
		port = 22
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	return &SSHExecutor{
		user:           cfg.User,
		signer:         signer,
		port:           port,
		connectTimeout: timeout,
		maxOutput:      cfg.MaxOutputBytes,
		dial:           dialer.DialContext,
	}
}

// SetObserver installs a callback for duration metrics.
func (e *SSHExecutor) SetObserver(fn Observer) {
	e.observe = fn
}

// Execute runs command on host and captures stdout and stderr separately.
func (e *SSHExecutor) Execute(ctx context.Context, host, command string) Result {
	start := time.Now()
	res, outcome := e.execute(ctx, host, command)
	elapsed := time.Since(start)

	logger := logging.FromContext(ctx)
	event := logger.Debug()
	if res.Failed() {
		event = logger.Warn().Str("error", res.Error)
	}
	event.
		Str("host", host).
		Str("outcome", outcome).
		Dur("duration", elapsed).
		Int("stdout_bytes", len(res.Output)).
		Msg("Remote command finished")

	if e.observe != nil {
		e.observe(host, outcome, elapsed)
	}
	return res
}

func (e *SSHExecutor) execute(ctx context.Context, host, command string) (Result, string) {
	addr := net.JoinHostPort(host, strconv.Itoa(e.port))

	conn, err := e.dial(ctx, "tcp", addr)
	if err != nil {
		return Result{Error: fmt.Sprintf("[ERROR] SSH connection failed: %v", err)}, "connect_error"
	}

	clientCfg := &ssh.ClientConfig{
		User:            e.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.connectTimeout,
	}

	// The handshake has no context support; bound it by deadline instead.
	_ = conn.SetDeadline(time.Now().Add(e.connectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return Result{Error: fmt.Sprintf("[ERROR] SSH connection failed: %v", err)}, "auth_error"
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	stop := closeOnDone(ctx, client)
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return Result{Error: fmt.Sprintf("[ERROR] SSH session failed: %v", err)}, "session_error"
	}
	defer session.Close()

	stdout := &limitedBuffer{limit: e.maxOutput}
	stderr := &limitedBuffer{limit: e.maxOutput}
	session.Stdout = stdout
	session.Stderr = stderr

	runErr := session.Run(command)

	res := Result{
		Output: stdout.String(),
		Error:  strings.TrimSpace(stderr.String()),
	}
	truncated := stdout.overflowed()
	if truncated {
		note := fmt.Sprintf("[ERROR] output truncated at %d bytes", e.maxOutput)
		if res.Error == "" {
			res.Error = note
		} else {
			res.Error += "\n" + note
		}
	}

	if ctx.Err() != nil {
		if res.Error == "" {
			res.Error = fmt.Sprintf("[ERROR] command aborted: %v", ctx.Err())
		}
		return res, "cancelled"
	}

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		if truncated {
			return res, "truncated"
		}
		if res.Error != "" {
			return res, "stderr"
		}
		return res, "success"
	case errors.As(runErr, &exitErr):
		if res.Error == "" {
			res.Error = fmt.Sprintf("command exited with status %d", exitErr.ExitStatus())
		}
		return res, "exit_error"
	default:
		if res.Error == "" {
			res.Error = fmt.Sprintf("[ERROR] command failed: %v", runErr)
		}
		return res, "run_error"
	}
}

// closeOnDone closes the client when ctx ends; the returned func stops the
// watcher and waits for it.
func closeOnDone(ctx context.Context, client *ssh.Client) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// limitedBuffer keeps at most limit bytes and discards the rest so a runaway
// script cannot exhaust memory.
type limitedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int64
	exceeded bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.exceeded = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.exceeded = true
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
