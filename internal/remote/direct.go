package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/melbahja/goph"
	"golang.org/x/crypto/ssh"
)

const (
	installConnectTimeout = 10 * time.Second
	installCommandTimeout = 30 * time.Second
)

// DirectTransport opens a fresh SSH connection per operation. There is no
// pool, so ResetAll is a no-op.
type DirectTransport struct{}

func NewDirectTransport() *DirectTransport {
	return &DirectTransport{}
}

// Dial establishes an SSH connection to the target with auto-accepted host
// keys. The caller owns the returned client and must close it.
func Dial(target Target, connectTimeout time.Duration) (*goph.Client, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	var authMethods []ssh.AuthMethod
	switch target.Auth.Kind {
	case AuthKindKey:
		signer, err := ParseSigner(target.Auth.PrivateKeyPEM, target.Auth.Passphrase)
		if err != nil {
			return nil, err
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	case AuthKindPassword:
		authMethods = append(authMethods, ssh.Password(target.Auth.Password))
	}

	sshConfig := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	hostPort := net.JoinHostPort(target.Host, fmt.Sprintf("%d", target.Port))

	conn, err := net.DialTimeout("tcp", hostPort, connectTimeout)
	if err != nil {
		return nil, wrapError(Classify(err), "failed to reach "+hostPort, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, hostPort, sshConfig)
	if err != nil {
		conn.Close()
		return nil, wrapError(Classify(err), "SSH handshake with "+hostPort+" failed", err)
	}

	return &goph.Client{Client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func (d *DirectTransport) Exec(ctx context.Context, target Target, command, stdin string, connectTimeout, commandTimeout time.Duration) (*CommandResult, error) {
	client, err := Dial(target, connectTimeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, wrapError(Classify(err), "failed to open SSH session", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	runErr := RunSession(ctx, session, command, commandTimeout)

	result := &CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runErr == nil {
		zero := 0
		result.ExitCode = &zero
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitStatus()
		result.ExitCode = &code
		return result, nil
	}
	var missingErr *ssh.ExitMissingError
	if errors.As(runErr, &missingErr) {
		// Killed before reporting a status; absent is distinct from zero.
		return result, nil
	}
	return nil, wrapError(Classify(runErr), "SSH command failed", runErr)
}

// RunSession runs the command on the session, closing the session when
// either the context or the command timeout fires.
func RunSession(ctx context.Context, session *ssh.Session, command string, commandTimeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var timeoutCh <-chan time.Time
	if commandTimeout > 0 {
		timer := time.NewTimer(commandTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		session.Close()
		<-done
		return wrapError(Classify(ctx.Err()), "SSH command interrupted", ctx.Err())
	case <-timeoutCh:
		session.Close()
		<-done
		return timeoutError("SSH command timed out", nil)
	}
}

func (d *DirectTransport) Start(ctx context.Context, target Target, command string, connectTimeout time.Duration) (*StreamingProcess, error) {
	client, err := Dial(target, connectTimeout)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, wrapError(Classify(err), "failed to open SSH session", err)
	}

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, transportError("failed to attach stdout", err)
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, transportError("failed to attach stderr", err)
	}

	if err := session.Start(command); err != nil {
		session.Close()
		client.Close()
		return nil, wrapError(Classify(err), "failed to start SSH command", err)
	}

	stdoutCh := make(chan string, 16)
	stderrCh := make(chan string, 16)

	// Closing the client tears down the session and both pipes, which
	// unblocks the scanners below.
	proc := NewStreamingProcess(stdoutCh, stderrCh, func() { client.Close() })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(stdoutCh)
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			stdoutCh <- scanner.Text()
		}
	}()
	go func() {
		defer wg.Done()
		defer close(stderrCh)
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			stderrCh <- scanner.Text()
		}
	}()

	go func() {
		wg.Wait()
		waitErr := session.Wait()
		client.Close()

		if waitErr == nil {
			zero := 0
			proc.Finish(&zero, nil)
			return
		}
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitStatus()
			proc.Finish(&code, nil)
			return
		}
		proc.Finish(nil, wrapError(Classify(waitErr), "SSH stream ended", waitErr))
	}()

	return proc, nil
}

// WriteFileCommand builds the shell body that overwrites remotePath from
// stdin with owner-only permissions on both the file and its directory.
func WriteFileCommand(remotePath string) string {
	q := Quote(remotePath)
	return strings.Join([]string{
		"umask 077",
		"dir=$(dirname " + q + ")",
		`mkdir -p "$dir"`,
		`chmod 700 "$dir" >/dev/null 2>&1 || true`,
		"cat > " + q,
		"chmod 600 " + q + " >/dev/null 2>&1 || true",
	}, "; ")
}

func (d *DirectTransport) WriteFile(ctx context.Context, target Target, remotePath, contents string, connectTimeout, commandTimeout time.Duration) error {
	result, err := d.Exec(ctx, target, WriteFileCommand(remotePath), contents, connectTimeout, commandTimeout)
	if err != nil {
		return err
	}
	if result.ExitCode == nil {
		return transportError("remote write interrupted before completion", nil)
	}
	if *result.ExitCode != 0 {
		return transportError(fmt.Sprintf("remote write failed (exit=%d): %s", *result.ExitCode, strings.TrimSpace(result.Stderr)), nil)
	}
	return nil
}

// ResetAll is a no-op: every operation already reconnects from scratch.
func (d *DirectTransport) ResetAll(ctx context.Context, reason string) error {
	return nil
}

// InstallKeyCommand builds the idempotent authorized_keys append: the line
// is only added when an exact match is not already present.
func InstallKeyCommand(authorizedKeyLine string) string {
	q := Quote(authorizedKeyLine)
	return strings.Join([]string{
		"umask 077",
		"mkdir -p ~/.ssh",
		"chmod 700 ~/.ssh",
		"touch ~/.ssh/authorized_keys",
		"chmod 600 ~/.ssh/authorized_keys",
		"grep -qxF " + q + " ~/.ssh/authorized_keys || printf '%s\\n' " + q + " >> ~/.ssh/authorized_keys",
	}, "; ")
}

// InstallPublicKey authenticates with a password and idempotently installs
// the public half of the supplied private key. This is the only operation
// that may use password authentication.
func InstallPublicKey(ctx context.Context, userAtHost string, port uint, password, privateKeyPEM, passphrase, comment string) error {
	username, host, ok := strings.Cut(userAtHost, "@")
	if !ok || strings.TrimSpace(username) == "" || strings.TrimSpace(host) == "" {
		return protocolError("expected username@host, got " + userAtHost)
	}

	line, err := AuthorizedKeyLine(privateKeyPEM, passphrase, comment)
	if err != nil {
		return err
	}

	target := Target{
		Host:     host,
		Port:     port,
		Username: username,
		Auth:     Auth{Kind: AuthKindPassword, Password: password},
	}

	client, err := Dial(target, installConnectTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return wrapError(Classify(err), "failed to open SSH session", err)
	}
	defer session.Close()

	if err := RunSession(ctx, session, InstallKeyCommand(line), installCommandTimeout); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return transportError(fmt.Sprintf("key install failed (exit=%d)", exitErr.ExitStatus()), nil)
		}
		return wrapError(Classify(err), "key install failed", err)
	}
	return nil
}

func (d *DirectTransport) InstallPublicKey(ctx context.Context, userAtHost string, port uint, password, privateKeyPEM, passphrase, comment string) error {
	return InstallPublicKey(ctx, userAtHost, port, password, privateKeyPEM, passphrase, comment)
}

func (d *DirectTransport) GenerateKey(ctx context.Context, comment string) (string, error) {
	return GenerateKey(comment)
}

func (d *DirectTransport) AuthorizedKeyLine(ctx context.Context, privateKeyPEM, passphrase, comment string) (string, error) {
	return AuthorizedKeyLine(privateKeyPEM, passphrase, comment)
}
