package remote

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeTransport scripts per-call failures so the retry policy can be
// exercised without a live backend.
type fakeTransport struct {
	execErrs  []error
	startErrs []error

	execCalls    int
	startCalls   int
	resetCalls   int
	lastCommand  string
	lastStdin    string
	streamCancel func()
}

func (f *fakeTransport) Exec(_ context.Context, _ Target, command, stdin string, _, _ time.Duration) (*CommandResult, error) {
	f.execCalls++
	f.lastCommand = command
	f.lastStdin = stdin
	if len(f.execErrs) > 0 {
		err := f.execErrs[0]
		f.execErrs = f.execErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	code := 0
	return &CommandResult{Stdout: "ok", ExitCode: &code}, nil
}

func (f *fakeTransport) Start(_ context.Context, _ Target, command string, _ time.Duration) (*StreamingProcess, error) {
	f.startCalls++
	f.lastCommand = command
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	stdout := make(chan string)
	stderr := make(chan string)
	close(stdout)
	close(stderr)
	return NewStreamingProcess(stdout, stderr, f.streamCancel), nil
}

func (f *fakeTransport) WriteFile(context.Context, Target, string, string, time.Duration, time.Duration) error {
	return nil
}

func (f *fakeTransport) ResetAll(context.Context, string) error {
	f.resetCalls++
	return nil
}

func (f *fakeTransport) InstallPublicKey(context.Context, string, uint, string, string, string, string) error {
	return nil
}

func (f *fakeTransport) GenerateKey(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeTransport) AuthorizedKeyLine(context.Context, string, string, string) (string, error) {
	return "", nil
}

func newTestService(transport Transport) *Service {
	svc := NewService(transport, ShellPosix)
	svc.backoff = time.Millisecond
	return svc
}

func testTarget() Target {
	return Target{
		Host:     "host",
		Port:     22,
		Username: "admin",
		Auth:     Auth{Kind: AuthKindPassword, Password: "secret"},
	}
}

func TestService_RunToCompletion_WrapsCommand(t *testing.T) {
	transport := &fakeTransport{}
	svc := newTestService(transport)

	result, err := svc.RunToCompletion(context.Background(), testTarget(), "echo hi", "", Options{Retries: 0})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Stdout != "ok" {
		t.Errorf("unexpected stdout: %s", result.Stdout)
	}
	if transport.lastCommand != "sh -c 'echo hi'" {
		t.Errorf("expected wrapped command, got %s", transport.lastCommand)
	}
}

func TestService_RunToCompletion_RetriesPoisoningFailureWithReset(t *testing.T) {
	transport := &fakeTransport{
		execErrs: []error{errors.New("write: broken pipe")},
	}
	svc := newTestService(transport)

	_, err := svc.RunToCompletion(context.Background(), testTarget(), "echo hi", "", Options{Retries: 1})

	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if transport.execCalls != 2 {
		t.Errorf("expected 2 attempts, got %d", transport.execCalls)
	}
	if transport.resetCalls != 1 {
		t.Errorf("expected exactly 1 pool reset, got %d", transport.resetCalls)
	}
}

func TestService_RunToCompletion_AuthFailsFastWithoutReset(t *testing.T) {
	transport := &fakeTransport{
		execErrs: []error{errors.New("permission denied")},
	}
	svc := newTestService(transport)

	_, err := svc.RunToCompletion(context.Background(), testTarget(), "echo hi", "", Options{Retries: 3})

	if err == nil {
		t.Fatalf("expected an error")
	}
	if transport.execCalls != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", transport.execCalls)
	}
	if transport.resetCalls != 0 {
		t.Errorf("expected no pool reset, got %d", transport.resetCalls)
	}
	if Classify(err) != KindAuth {
		t.Errorf("expected authentication error, got %s", Classify(err))
	}
	if err.Error() != msgAuthFailed {
		t.Errorf("expected normalized message, got %q", err.Error())
	}
}

func TestService_RunToCompletion_UnknownFailureRetriesWithoutReset(t *testing.T) {
	transport := &fakeTransport{
		execErrs: []error{errors.New("something odd happened")},
	}
	svc := newTestService(transport)

	_, err := svc.RunToCompletion(context.Background(), testTarget(), "echo hi", "", Options{Retries: 1})

	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if transport.execCalls != 2 {
		t.Errorf("expected 2 attempts, got %d", transport.execCalls)
	}
	if transport.resetCalls != 0 {
		t.Errorf("expected no pool reset for unknown failure, got %d", transport.resetCalls)
	}
}

func TestService_RunToCompletion_ExhaustedRetriesSurfaceNormalized(t *testing.T) {
	transport := &fakeTransport{
		execErrs: []error{
			errors.New("i/o timeout"),
			errors.New("i/o timeout"),
		},
	}
	svc := newTestService(transport)

	_, err := svc.RunToCompletion(context.Background(), testTarget(), "echo hi", "", Options{Retries: 1})

	if err == nil {
		t.Fatalf("expected an error")
	}
	if transport.execCalls != 2 {
		t.Errorf("expected 2 attempts, got %d", transport.execCalls)
	}
	if err.Error() != msgTimeout {
		t.Errorf("expected normalized timeout message, got %q", err.Error())
	}
}

func TestService_StartStreaming_RejectsStdin(t *testing.T) {
	transport := &fakeTransport{}
	svc := newTestService(transport)

	_, err := svc.StartStreaming(context.Background(), testTarget(), "tail -F log", "input", Options{})

	if err == nil {
		t.Fatalf("expected an error")
	}
	if Classify(err) != KindProtocol {
		t.Errorf("expected protocol error, got %s", Classify(err))
	}
	if transport.startCalls != 0 {
		t.Errorf("expected no transport call, got %d", transport.startCalls)
	}
}

func TestService_StartStreaming_RetriesConnectPhase(t *testing.T) {
	transport := &fakeTransport{
		startErrs: []error{errors.New("read: connection reset by peer")},
	}
	svc := newTestService(transport)

	proc, err := svc.StartStreaming(context.Background(), testTarget(), "tail -F log", "", Options{Retries: 1})

	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if transport.startCalls != 2 {
		t.Errorf("expected 2 attempts, got %d", transport.startCalls)
	}
	if transport.resetCalls != 1 {
		t.Errorf("expected 1 pool reset, got %d", transport.resetCalls)
	}
	proc.Cancel()
}

func TestStreamingProcess_CancelIsIdempotent(t *testing.T) {
	cancels := 0
	stdout := make(chan string)
	stderr := make(chan string)
	close(stdout)
	close(stderr)
	proc := NewStreamingProcess(stdout, stderr, func() { cancels++ })

	proc.Cancel()
	proc.Cancel()
	proc.Cancel()

	if cancels != 1 {
		t.Errorf("expected 1 cancel invocation, got %d", cancels)
	}
}

func TestStreamingProcess_CancelAfterFinishIsNoOp(t *testing.T) {
	cancels := 0
	stdout := make(chan string)
	stderr := make(chan string)
	close(stdout)
	close(stderr)
	proc := NewStreamingProcess(stdout, stderr, func() { cancels++ })

	code := 0
	proc.Finish(&code, nil)
	proc.Cancel()

	if cancels != 0 {
		t.Errorf("expected no cancel after completion, got %d", cancels)
	}
}

func TestStreamingProcess_FinishIsIdempotent(t *testing.T) {
	stdout := make(chan string)
	stderr := make(chan string)
	close(stdout)
	close(stderr)
	proc := NewStreamingProcess(stdout, stderr, nil)

	first := 1
	second := 2
	proc.Finish(&first, nil)
	proc.Finish(&second, errors.New("late"))

	<-proc.Done()

	if code := proc.ExitCode(); code == nil || *code != 1 {
		t.Errorf("expected first finish to win, got %v", code)
	}
	if proc.Err() != nil {
		t.Errorf("expected nil error, got %v", proc.Err())
	}
}

func TestStreamingProcess_ExitCodeBeforeDoneIsNil(t *testing.T) {
	stdout := make(chan string)
	stderr := make(chan string)
	proc := NewStreamingProcess(stdout, stderr, nil)

	if proc.ExitCode() != nil {
		t.Errorf("expected nil exit code before completion")
	}

	close(stdout)
	close(stderr)
	proc.Finish(nil, nil)
}

func TestTarget_Validate(t *testing.T) {
	valid := testTarget()
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid target, got %v", err)
	}

	noHost := valid
	noHost.Host = " "
	if err := noHost.Validate(); Classify(err) != KindProtocol {
		t.Errorf("expected protocol error for empty host, got %v", err)
	}

	noCreds := valid
	noCreds.Auth = Auth{}
	if err := noCreds.Validate(); Classify(err) != KindUnavailable {
		t.Errorf("expected unavailable error for missing credential, got %v", err)
	}

	noKey := valid
	noKey.Auth = Auth{Kind: AuthKindKey}
	if err := noKey.Validate(); Classify(err) != KindUnavailable {
		t.Errorf("expected unavailable error for missing key, got %v", err)
	}
}

func TestTarget_Key(t *testing.T) {
	target := testTarget()

	if got := target.Key(); got != "admin@host:22" {
		t.Errorf("unexpected key: %s", got)
	}
	if !strings.Contains(target.Key(), "@") {
		t.Errorf("expected user@host form")
	}
}
