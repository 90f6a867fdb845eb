package remote

import (
	"context"
	"time"

	"fieldexec/internal/lifecycle"
	"fieldexec/internal/logger"
)

// RetryBackoff is the fixed wait between attempts. Retry counts are small
// (0-1 typically), so bounded, predictable latency beats adaptive backoff.
const RetryBackoff = 150 * time.Millisecond

// Service is the stable-facing execution API. Retry, timeout, pool-reset and
// error normalization are layered uniformly over whichever backend is
// active; only the selection at construction differs.
type Service struct {
	transport Transport
	shell     Shell
	backoff   time.Duration
}

func NewService(transport Transport, shell Shell) *Service {
	return &Service{
		transport: transport,
		shell:     shell,
		backoff:   RetryBackoff,
	}
}

// Shell returns the shell variant commands are wrapped with.
func (s *Service) Shell() Shell { return s.shell }

// RunToCompletion executes command in a non-interactive remote shell. Stdin,
// if provided, is written and closed before output is collected. On a
// pool-poisoning failure with attempts remaining, the pool is reset before
// the retry; the final attempt's error is surfaced normalized.
func (s *Service) RunToCompletion(ctx context.Context, target Target, command, stdin string, opts Options) (*CommandResult, error) {
	wrapped := WrapCommand(s.shell, command)

	var result *CommandResult
	err := s.withRetries(ctx, opts.Retries, func() error {
		var attemptErr error
		result, attemptErr = s.transport.Exec(ctx, target, wrapped, stdin, opts.ConnectTimeout, opts.CommandTimeout)
		return attemptErr
	})
	if err != nil {
		return nil, NormalizeError(err)
	}
	return result, nil
}

// StartStreaming opens a long-lived streaming command. The retry policy
// covers connection establishment only; once streaming begins, failures
// surface through the process's completion, not here. Non-empty stdin is
// rejected: the streaming path has no input channel.
func (s *Service) StartStreaming(ctx context.Context, target Target, command, stdin string, opts Options) (*StreamingProcess, error) {
	if stdin != "" {
		return nil, protocolError("stdin is not supported for streaming commands")
	}
	wrapped := WrapCommand(s.shell, command)

	var proc *StreamingProcess
	err := s.withRetries(ctx, opts.Retries, func() error {
		var attemptErr error
		proc, attemptErr = s.transport.Start(ctx, target, wrapped, opts.ConnectTimeout)
		return attemptErr
	})
	if err != nil {
		return nil, NormalizeError(err)
	}
	return proc, nil
}

// WriteRemoteFile ensures the parent directory exists remotely, then
// overwrites the target file's contents in full.
func (s *Service) WriteRemoteFile(ctx context.Context, target Target, remotePath, contents string, opts Options) error {
	err := s.withRetries(ctx, opts.Retries, func() error {
		return s.transport.WriteFile(ctx, target, remotePath, contents, opts.ConnectTimeout, opts.CommandTimeout)
	})
	if err != nil {
		return NormalizeError(err)
	}
	return nil
}

// ResetAllConnections invalidates any pooled connections so the next
// operation reconnects from scratch. Best-effort: this is itself a recovery
// mechanism, so its own failures are swallowed.
func (s *Service) ResetAllConnections(ctx context.Context, reason string) {
	if err := s.transport.ResetAll(ctx, reason); err != nil {
		logger.Warn("Connection pool reset failed (%s): %v", reason, err)
	}
}

// InstallPublicKey bootstraps key-based access using a one-shot password
// authentication.
func (s *Service) InstallPublicKey(ctx context.Context, userAtHost string, port uint, password, privateKeyPEM, passphrase, comment string) error {
	if err := s.transport.InstallPublicKey(ctx, userAtHost, port, password, privateKeyPEM, passphrase, comment); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// GenerateKey creates new ed25519 key material via the active backend.
func (s *Service) GenerateKey(ctx context.Context, comment string) (string, error) {
	pem, err := s.transport.GenerateKey(ctx, comment)
	if err != nil {
		return "", NormalizeError(err)
	}
	return pem, nil
}

// AuthorizedKeyLine derives the authorized_keys line for a private key.
func (s *Service) AuthorizedKeyLine(ctx context.Context, privateKeyPEM, passphrase, comment string) (string, error) {
	line, err := s.transport.AuthorizedKeyLine(ctx, privateKeyPEM, passphrase, comment)
	if err != nil {
		return "", NormalizeError(err)
	}
	return line, nil
}

// withRetries runs op up to retries+1 times. Credential, protocol and
// no-credential failures fail fast; pool-poisoning failures reset the pool
// before the next attempt; every retry waits the fixed backoff.
func (s *Service) withRetries(ctx context.Context, retries int, op func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt >= retries {
			return lastErr
		}
		if PoolPoisoning(lastErr) {
			s.ResetAllConnections(ctx, "retrying after "+Classify(lastErr).String()+" failure")
		}
		select {
		case <-time.After(s.backoff):
		case <-ctx.Done():
			return lastErr
		}
	}
}

// NewLifecycleResetPolicy resets the connection pool each time the app
// returns to the foreground: pooled connections rarely survive a mobile
// background suspension. Returns the unsubscribe function.
func NewLifecycleResetPolicy(signal *lifecycle.Signal, service *Service) func() {
	return signal.Subscribe(func(state lifecycle.State) {
		if state != lifecycle.StateForeground {
			return
		}
		go service.ResetAllConnections(context.Background(), "app resumed")
	})
}
