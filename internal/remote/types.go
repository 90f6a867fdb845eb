package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// AuthKind selects between key-based and password authentication.
type AuthKind string

const (
	AuthKindKey      AuthKind = "key"
	AuthKindPassword AuthKind = "password"
)

// Auth carries the credential material for a target. Passwords are supplied
// interactively and never persisted.
type Auth struct {
	Kind          AuthKind
	PrivateKeyPEM string
	Passphrase    string
	Password      string
}

// Target identifies where a command executes. It is immutable per operation
// and constructed fresh from stored configuration on each call.
type Target struct {
	Host     string
	Port     uint
	Username string
	Auth     Auth
}

// Key returns the target identity used for cache keying.
func (t Target) Key() string {
	return fmt.Sprintf("%s@%s:%d", t.Username, t.Host, t.Port)
}

// Validate checks that the target can be dialed at all. A target without a
// usable credential fails fast with an UnavailableError before any network
// attempt is made.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return protocolError("target host is empty")
	}
	if strings.TrimSpace(t.Username) == "" {
		return protocolError("target username is empty")
	}
	if t.Port == 0 {
		return protocolError("target port is invalid")
	}
	switch t.Auth.Kind {
	case AuthKindKey:
		if strings.TrimSpace(t.Auth.PrivateKeyPEM) == "" {
			return unavailableError("no private key configured for target")
		}
	case AuthKindPassword:
		if strings.TrimSpace(t.Auth.Password) == "" {
			return unavailableError("no password supplied for target")
		}
	default:
		return unavailableError("no credential configured for target")
	}
	return nil
}

// CommandResult holds the collected output of a run-to-completion command.
// ExitCode is nil when the remote process was killed or the connection
// dropped before completion; callers must treat nil as distinct from zero.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode *int
}

// Options bound a single service operation.
type Options struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Retries        int
}

// StreamingProcess is a long-lived remote command whose output is consumed
// line by line. Stdout and Stderr preserve per-stream ordering only. Cancel
// is idempotent and safe to call after natural completion.
type StreamingProcess struct {
	stdout <-chan string
	stderr <-chan string

	done       chan struct{}
	exitCode   *int
	err        error
	cancelFn   func()
	cancelOnce sync.Once
	finishOnce sync.Once
}

// NewStreamingProcess wires a streaming process around transport-owned line
// channels. The transport must call Finish exactly once after both channels
// are closed; extra calls are ignored.
func NewStreamingProcess(stdout, stderr <-chan string, cancel func()) *StreamingProcess {
	return &StreamingProcess{
		stdout:   stdout,
		stderr:   stderr,
		done:     make(chan struct{}),
		cancelFn: cancel,
	}
}

// Stdout yields stdout lines until the process ends.
func (p *StreamingProcess) Stdout() <-chan string { return p.stdout }

// Stderr yields stderr lines until the process ends.
func (p *StreamingProcess) Stderr() <-chan string { return p.stderr }

// Done is closed when the process has completed or been cancelled.
func (p *StreamingProcess) Done() <-chan struct{} { return p.done }

// ExitCode is valid only after Done is closed. It is nil when the process
// was cancelled or the stream ended without a reported status.
func (p *StreamingProcess) ExitCode() *int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return nil
	}
}

// Err is valid only after Done is closed.
func (p *StreamingProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the process ends or the context is done.
func (p *StreamingProcess) Wait(ctx context.Context) (*int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel forcibly terminates the process and releases its resources. It
// returns without waiting for remote acknowledgment; Done still closes
// afterwards, with no ordering guarantee relative to Cancel returning.
func (p *StreamingProcess) Cancel() {
	p.cancelOnce.Do(func() {
		select {
		case <-p.done:
			// Already completed, teardown would be a no-op.
		default:
			if p.cancelFn != nil {
				p.cancelFn()
			}
		}
	})
}

// Finish records the terminal state and closes Done. Idempotent so that a
// cancel racing a natural exit cannot double-resolve.
func (p *StreamingProcess) Finish(exitCode *int, err error) {
	p.finishOnce.Do(func() {
		p.exitCode = exitCode
		p.err = err
		close(p.done)
	})
}

// Transport is the backend behind the execution service: either a direct
// SSH client that reconnects per operation, or a persistent helper daemon
// that owns a connection pool. The service never branches on which one it
// holds beyond the single selection point at construction.
type Transport interface {
	Exec(ctx context.Context, target Target, command, stdin string, connectTimeout, commandTimeout time.Duration) (*CommandResult, error)
	Start(ctx context.Context, target Target, command string, connectTimeout time.Duration) (*StreamingProcess, error)
	WriteFile(ctx context.Context, target Target, remotePath, contents string, connectTimeout, commandTimeout time.Duration) error
	ResetAll(ctx context.Context, reason string) error
	InstallPublicKey(ctx context.Context, userAtHost string, port uint, password, privateKeyPEM, passphrase, comment string) error
	GenerateKey(ctx context.Context, comment string) (string, error)
	AuthorizedKeyLine(ctx context.Context, privateKeyPEM, passphrase, comment string) (string, error)
}
