package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldexec/internal/lifecycle"
	"fieldexec/internal/projects"
	"fieldexec/internal/remote"
)

// stubStream is one tail started by the stub transport. Tests drive it by
// pushing lines and ending it.
type stubStream struct {
	stdout chan string
	stderr chan string
	proc   *remote.StreamingProcess

	cancelled chan struct{}
	endOnce   sync.Once
}

func (s *stubStream) push(line string) {
	s.stdout <- line
}

func (s *stubStream) end() {
	s.endOnce.Do(func() {
		close(s.stdout)
		close(s.stderr)
		s.proc.Finish(nil, nil)
	})
}

type stubTransport struct {
	starts chan *stubStream
}

func newStubTransport() *stubTransport {
	return &stubTransport{starts: make(chan *stubStream, 16)}
}

func (s *stubTransport) Exec(context.Context, remote.Target, string, string, time.Duration, time.Duration) (*remote.CommandResult, error) {
	code := 0
	return &remote.CommandResult{ExitCode: &code}, nil
}

func (s *stubTransport) Start(context.Context, remote.Target, string, time.Duration) (*remote.StreamingProcess, error) {
	stream := &stubStream{
		stdout:    make(chan string, 16),
		stderr:    make(chan string, 16),
		cancelled: make(chan struct{}),
	}
	// Cancel resolves the process but leaves the line channels open, the
	// way a real teardown can race lines still in flight.
	stream.proc = remote.NewStreamingProcess(stream.stdout, stream.stderr, func() {
		close(stream.cancelled)
		stream.proc.Finish(nil, nil)
	})
	s.starts <- stream
	return stream.proc, nil
}

func (s *stubTransport) WriteFile(context.Context, remote.Target, string, string, time.Duration, time.Duration) error {
	return nil
}

func (s *stubTransport) ResetAll(context.Context, string) error { return nil }

func (s *stubTransport) InstallPublicKey(context.Context, string, uint, string, string, string, string) error {
	return nil
}

func (s *stubTransport) GenerateKey(context.Context, string) (string, error) { return "", nil }

func (s *stubTransport) AuthorizedKeyLine(context.Context, string, string, string) (string, error) {
	return "", nil
}

func testTarget() remote.Target {
	return remote.Target{
		Host:     "host",
		Port:     22,
		Username: "admin",
		Auth:     remote.Auth{Kind: remote.AuthKindPassword, Password: "secret"},
	}
}

func newTestWatcher(transport *stubTransport, signal *lifecycle.Signal, onChange func()) *RemoteWatcher {
	svc := remote.NewService(transport, remote.ShellPosix)
	watcher := NewRemoteWatcher(svc, testTarget(), projects.DefaultBaseDirName, remote.Options{}, signal, onChange)
	watcher.debounce = 5 * time.Millisecond
	return watcher
}

func waitForStart(t *testing.T, transport *stubTransport) *stubStream {
	t.Helper()
	select {
	case stream := <-transport.starts:
		return stream
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a tail to start")
		return nil
	}
}

func expectNoStart(t *testing.T, transport *stubTransport) {
	t.Helper()
	select {
	case <-transport.starts:
		t.Fatalf("expected no tail to start")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoteWatcher_DeliversUpdateLines(t *testing.T) {
	transport := newStubTransport()
	notifications := make(chan struct{}, 16)
	watcher := newTestWatcher(transport, lifecycle.NewSignal(), func() { notifications <- struct{}{} })

	watcher.Start()
	defer watcher.Cancel()

	stream := waitForStart(t, transport)
	stream.push(`{"type":"projects.updated","updated_at_ms_utc":1}`)

	select {
	case <-notifications:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a change notification")
	}
}

func TestRemoteWatcher_IgnoresUnrelatedLines(t *testing.T) {
	transport := newStubTransport()
	notifications := make(chan struct{}, 16)
	watcher := newTestWatcher(transport, lifecycle.NewSignal(), func() { notifications <- struct{}{} })

	watcher.Start()
	defer watcher.Cancel()

	stream := waitForStart(t, transport)
	stream.push("tail: has appeared, following new lines")

	select {
	case <-notifications:
		t.Fatalf("expected no notification for unrelated output")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoteWatcher_DebounceCollapsesBurst(t *testing.T) {
	transport := newStubTransport()
	watcher := newTestWatcher(transport, lifecycle.NewSignal(), func() {})

	watcher.Start()
	defer watcher.Cancel()

	for i := 0; i < 5; i++ {
		watcher.ScheduleRestart()
	}

	waitForStart(t, transport)
	expectNoStart(t, transport)
}

func TestRemoteWatcher_ReschedulesWhenStreamEnds(t *testing.T) {
	transport := newStubTransport()
	watcher := newTestWatcher(transport, lifecycle.NewSignal(), func() {})

	watcher.Start()
	defer watcher.Cancel()

	stream := waitForStart(t, transport)
	stream.end()

	waitForStart(t, transport)
}

func TestRemoteWatcher_BackgroundStopsTail(t *testing.T) {
	transport := newStubTransport()
	signal := lifecycle.NewSignal()
	watcher := newTestWatcher(transport, signal, func() {})

	watcher.Start()
	defer watcher.Cancel()

	stream := waitForStart(t, transport)

	signal.Set(lifecycle.StateBackground)

	select {
	case <-stream.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected the tail to be cancelled on backgrounding")
	}

	// The stream ending after a background stop must not reschedule.
	expectNoStart(t, transport)
}

func TestRemoteWatcher_ForegroundResumesTail(t *testing.T) {
	transport := newStubTransport()
	signal := lifecycle.NewSignal()
	watcher := newTestWatcher(transport, signal, func() {})

	watcher.Start()
	defer watcher.Cancel()

	waitForStart(t, transport)

	signal.Set(lifecycle.StateBackground)
	signal.Set(lifecycle.StateForeground)

	waitForStart(t, transport)
}

func TestRemoteWatcher_CancelStopsEverything(t *testing.T) {
	transport := newStubTransport()
	watcher := newTestWatcher(transport, lifecycle.NewSignal(), func() {})

	watcher.Start()

	stream := waitForStart(t, transport)

	watcher.Cancel()

	select {
	case <-stream.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected the tail to be cancelled")
	}

	// A stream ending after cancel must not restart the watch.
	expectNoStart(t, transport)

	watcher.Cancel()
}

func TestRemoteWatcher_StaleGenerationDoesNotNotify(t *testing.T) {
	transport := newStubTransport()
	notifications := make(chan struct{}, 16)
	watcher := newTestWatcher(transport, lifecycle.NewSignal(), func() { notifications <- struct{}{} })

	watcher.Start()
	defer watcher.Cancel()

	stale := waitForStart(t, transport)

	watcher.ScheduleRestart()
	waitForStart(t, transport)

	// The superseded tail may still hold buffered lines; they must be
	// dropped, not delivered.
	select {
	case stale.stdout <- `{"type":"projects.updated","updated_at_ms_utc":2}`:
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case <-notifications:
		t.Fatalf("expected no notification from a superseded tail")
	case <-time.After(200 * time.Millisecond):
	}
}
