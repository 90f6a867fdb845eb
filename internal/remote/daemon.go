package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"fieldexec/internal/execd/types"
	"fieldexec/internal/logger"
)

const (
	daemonCallSlack    = 5 * time.Second
	daemonHelloTimeout = 5 * time.Second
	streamBuffer       = 64
)

// DaemonTransport forwards operations to a persistent fieldexecd helper
// process over a loopback TCP connection. The daemon owns the SSH connection
// pool, so ResetAll actually invalidates cached connections.
type DaemonTransport struct {
	stateFilePath string

	// dial returns an authenticated-ready connection plus the session
	// token. Overridable in tests.
	dial func(ctx context.Context) (net.Conn, string, error)

	mu           sync.Mutex
	conn         net.Conn
	pending      map[uint64]chan types.Response
	streams      map[uint64]*daemonStream
	orphanEvents map[uint64][]types.Event
	nextID       uint64

	writeMu sync.Mutex
}

type daemonStream struct {
	stdout chan string
	stderr chan string
	proc   *StreamingProcess

	// Events are queued here and delivered by the stream's pump goroutine,
	// never by the read loop or the Start caller. The pump is the single
	// writer on the line channels and the only caller of finish, so a send
	// can never race the channels closing.
	mu     sync.Mutex
	queue  []types.Event
	failed error
	kick   chan struct{}

	finishOnce sync.Once
}

func newDaemonStream() *daemonStream {
	return &daemonStream{
		stdout: make(chan string, streamBuffer),
		stderr: make(chan string, streamBuffer),
		kick:   make(chan struct{}, 1),
	}
}

// enqueue parks an event for the pump goroutine and wakes it.
func (s *daemonStream) enqueue(event types.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.wake()
}

// fail marks the stream as lost. The pump delivers whatever already arrived
// and then resolves the process with the failure.
func (s *daemonStream) fail(err error) {
	s.mu.Lock()
	if s.failed == nil {
		s.failed = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *daemonStream) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *daemonStream) finish(exitCode *int, err error) {
	s.finishOnce.Do(func() {
		close(s.stdout)
		close(s.stderr)
		s.proc.Finish(exitCode, err)
	})
}

func NewDaemonTransport(stateFilePath string) *DaemonTransport {
	d := &DaemonTransport{
		stateFilePath: stateFilePath,
		pending:       make(map[uint64]chan types.Response),
		streams:       make(map[uint64]*daemonStream),
		orphanEvents:  make(map[uint64][]types.Event),
	}
	d.dial = d.dialStateFile
	return d
}

// ReadStateFile loads and validates a daemon state file.
func ReadStateFile(path string) (*types.StateFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, transportError("helper daemon state file unreadable", err)
	}
	var state types.StateFile
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, protocolError("helper daemon state file is malformed")
	}
	if state.Port <= 0 || state.Token == "" {
		return nil, protocolError("helper daemon state file is incomplete")
	}
	if state.Protocol != types.ProtocolVersion {
		return nil, protocolError(fmt.Sprintf("helper daemon protocol mismatch (client=%d, daemon=%d)", types.ProtocolVersion, state.Protocol))
	}
	return &state, nil
}

func (d *DaemonTransport) dialStateFile(ctx context.Context) (net.Conn, string, error) {
	state, err := ReadStateFile(d.stateFilePath)
	if err != nil {
		return nil, "", err
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", state.Port))
	if err != nil {
		return nil, "", wrapError(Classify(err), "failed to reach helper daemon", err)
	}
	return conn, state.Token, nil
}

// ensureConnected dials and completes the hello handshake once, then starts
// the shared read loop. Safe for concurrent callers.
func (d *DaemonTransport) ensureConnected(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}

	conn, token, err := d.dial(ctx)
	if err != nil {
		return err
	}

	// Handshake happens before the read loop owns the connection.
	d.nextID++
	hello := types.Request{ID: d.nextID, Method: types.MethodHello}
	params, _ := json.Marshal(types.HelloParams{Token: token, Protocol: types.ProtocolVersion})
	hello.Params = params
	payload, _ := json.Marshal(hello)

	deadline := time.Now().Add(daemonHelloTimeout)
	_ = conn.SetDeadline(deadline)
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		conn.Close()
		return transportError("daemon send error during handshake", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return transportError("daemon handshake failed", err)
	}
	var resp types.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		conn.Close()
		return protocolError("malformed handshake response from helper daemon")
	}
	if !resp.OK {
		conn.Close()
		return d.daemonError(resp.Error)
	}
	_ = conn.SetDeadline(time.Time{})

	d.conn = conn
	go d.readLoop(conn, reader)
	return nil
}

func (d *DaemonTransport) daemonError(text string) error {
	if text == "" {
		return protocolError("helper daemon reported an unspecified error")
	}
	return newError(Classify(fmt.Errorf("%s", text)), text)
}

func (d *DaemonTransport) readLoop(conn net.Conn, reader *bufio.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		var probe struct {
			ID   *uint64 `json:"id"`
			Type string  `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			logger.Warn("Dropping malformed line from helper daemon: %v", err)
			continue
		}
		switch {
		case probe.Type != "":
			var event types.Event
			if err := json.Unmarshal(raw, &event); err != nil {
				logger.Warn("Dropping malformed event from helper daemon: %v", err)
				continue
			}
			d.dispatchEvent(event)
		case probe.ID != nil:
			var resp types.Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				logger.Warn("Dropping malformed response from helper daemon: %v", err)
				continue
			}
			d.mu.Lock()
			ch := d.pending[resp.ID]
			delete(d.pending, resp.ID)
			d.mu.Unlock()
			if ch != nil {
				ch <- resp
			}
		}
	}
	d.dropConn(conn, scanner.Err())
}

// dropConn fails every in-flight call and stream; the next operation
// reconnects from scratch.
func (d *DaemonTransport) dropConn(conn net.Conn, cause error) {
	d.mu.Lock()
	if d.conn != conn {
		d.mu.Unlock()
		return
	}
	d.conn = nil
	pending := d.pending
	streams := d.streams
	d.pending = make(map[uint64]chan types.Response)
	d.streams = make(map[uint64]*daemonStream)
	d.orphanEvents = make(map[uint64][]types.Event)
	d.mu.Unlock()

	conn.Close()
	failure := transportError("helper daemon connection lost", cause)
	for _, ch := range pending {
		ch <- types.Response{OK: false, Error: failure.Error()}
	}
	for _, stream := range streams {
		stream.fail(failure)
	}
}

func (d *DaemonTransport) dispatchEvent(event types.Event) {
	d.mu.Lock()
	stream, ok := d.streams[event.StreamID]
	if !ok {
		// The ssh.start response may still be in flight; keep the event
		// until the stream registers.
		d.orphanEvents[event.StreamID] = append(d.orphanEvents[event.StreamID], event)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	stream.enqueue(event)
}

// registerStream installs the stream and starts its pump goroutine. Events
// that arrived before the ssh.start response was consumed are moved onto the
// stream's queue under the same lock that installs it, so the pump sees them
// in arrival order ahead of anything the read loop enqueues afterwards.
func (d *DaemonTransport) registerStream(id uint64, stream *daemonStream) {
	d.mu.Lock()
	stream.queue = append(stream.queue, d.orphanEvents[id]...)
	delete(d.orphanEvents, id)
	if d.conn == nil {
		stream.failed = transportError("helper daemon connection lost", nil)
	} else {
		d.streams[id] = stream
	}
	d.mu.Unlock()
	go d.pump(id, stream)
}

// pump drains the stream's event queue until a stream_exit or a connection
// failure resolves it. Queueing keeps the read loop from blocking on a slow
// consumer, and from blocking Start while orphaned events are replayed.
func (d *DaemonTransport) pump(id uint64, stream *daemonStream) {
	for {
		stream.mu.Lock()
		var event types.Event
		dequeued := false
		if len(stream.queue) > 0 {
			event = stream.queue[0]
			stream.queue = stream.queue[1:]
			dequeued = true
		}
		failed := stream.failed
		stream.mu.Unlock()

		if !dequeued {
			if failed != nil {
				stream.finish(nil, failed)
				return
			}
			<-stream.kick
			continue
		}

		switch event.Type {
		case types.EventStreamLine:
			if event.IsStderr {
				stream.stderr <- event.Line
			} else {
				stream.stdout <- event.Line
			}
		case types.EventStreamExit:
			d.mu.Lock()
			delete(d.streams, id)
			d.mu.Unlock()
			var err error
			if event.Error != "" {
				err = d.daemonError(event.Error)
			}
			stream.finish(event.ExitCode, err)
			return
		}
	}
}

func (d *DaemonTransport) call(ctx context.Context, method string, params any, timeout time.Duration, result any) error {
	if err := d.ensureConnected(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return protocolError("failed to encode request parameters")
	}

	d.mu.Lock()
	conn := d.conn
	if conn == nil {
		d.mu.Unlock()
		return transportError("helper daemon connection lost", nil)
	}
	d.nextID++
	id := d.nextID
	ch := make(chan types.Response, 1)
	d.pending[id] = ch
	d.mu.Unlock()

	payload, _ := json.Marshal(types.Request{ID: id, Method: method, Params: raw})

	d.writeMu.Lock()
	_, writeErr := conn.Write(append(payload, '\n'))
	d.writeMu.Unlock()
	if writeErr != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		d.dropConn(conn, writeErr)
		return transportError("daemon send error", writeErr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.OK {
			return d.daemonError(resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return protocolError("malformed result from helper daemon")
			}
		}
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return wrapError(Classify(ctx.Err()), "daemon call interrupted", ctx.Err())
	case <-timer.C:
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return timeoutError(method+" timed out waiting for the helper daemon", nil)
	}
}

func toWireTarget(target Target) types.Target {
	return types.Target{
		Host:     target.Host,
		Port:     target.Port,
		Username: target.Username,
		Auth: types.Auth{
			Kind:                 string(target.Auth.Kind),
			PrivateKeyPEM:        target.Auth.PrivateKeyPEM,
			PrivateKeyPassphrase: target.Auth.Passphrase,
			Password:             target.Auth.Password,
		},
	}
}

func callTimeout(connectTimeout, commandTimeout time.Duration) time.Duration {
	return connectTimeout + commandTimeout + daemonCallSlack
}

func (d *DaemonTransport) Exec(ctx context.Context, target Target, command, stdin string, connectTimeout, commandTimeout time.Duration) (*CommandResult, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	params := types.ExecParams{
		Target:           toWireTarget(target),
		Command:          command,
		Stdin:            stdin,
		ConnectTimeoutMS: uint64(connectTimeout.Milliseconds()),
		CommandTimeoutMS: uint64(commandTimeout.Milliseconds()),
	}
	var result types.ExecResult
	if err := d.call(ctx, types.MethodExec, params, callTimeout(connectTimeout, commandTimeout), &result); err != nil {
		return nil, err
	}
	return &CommandResult{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode}, nil
}

func (d *DaemonTransport) Start(ctx context.Context, target Target, command string, connectTimeout time.Duration) (*StreamingProcess, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	params := types.StartParams{
		Target:           toWireTarget(target),
		Command:          command,
		ConnectTimeoutMS: uint64(connectTimeout.Milliseconds()),
	}
	var result types.StartResult
	if err := d.call(ctx, types.MethodStart, params, callTimeout(connectTimeout, 0), &result); err != nil {
		return nil, err
	}

	stream := newDaemonStream()
	streamID := result.StreamID
	stream.proc = NewStreamingProcess(stream.stdout, stream.stderr, func() {
		// Fire and forget: the daemon acknowledges with a stream_exit
		// event, which resolves completion.
		go func() {
			cancelCtx, cancel := context.WithTimeout(context.Background(), daemonCallSlack)
			defer cancel()
			var res types.CancelResult
			if err := d.call(cancelCtx, types.MethodCancel, types.CancelParams{StreamID: streamID}, daemonCallSlack, &res); err != nil {
				logger.Warn("Failed to cancel daemon stream %d: %v", streamID, err)
			}
		}()
	})
	d.registerStream(streamID, stream)
	return stream.proc, nil
}

func (d *DaemonTransport) WriteFile(ctx context.Context, target Target, remotePath, contents string, connectTimeout, commandTimeout time.Duration) error {
	if err := target.Validate(); err != nil {
		return err
	}
	params := types.WriteFileParams{
		Target:           toWireTarget(target),
		RemotePath:       remotePath,
		Contents:         contents,
		ConnectTimeoutMS: uint64(connectTimeout.Milliseconds()),
		CommandTimeoutMS: uint64(commandTimeout.Milliseconds()),
	}
	return d.call(ctx, types.MethodWriteFile, params, callTimeout(connectTimeout, commandTimeout), nil)
}

func (d *DaemonTransport) ResetAll(ctx context.Context, reason string) error {
	var result types.ResetAllResult
	err := d.call(ctx, types.MethodResetAll, types.ResetAllParams{Reason: reason}, daemonCallSlack, &result)
	if err == nil {
		logger.Debug("Daemon reset cleared %d connections, cancelled %d streams", result.ClearedConnections, result.CancelledStreams)
	}
	return err
}

func (d *DaemonTransport) InstallPublicKey(ctx context.Context, userAtHost string, port uint, password, privateKeyPEM, passphrase, comment string) error {
	params := types.InstallPublicKeyParams{
		UserAtHost:           userAtHost,
		Port:                 port,
		Password:             password,
		PrivateKeyPEM:        privateKeyPEM,
		PrivateKeyPassphrase: passphrase,
		Comment:              comment,
	}
	return d.call(ctx, types.MethodInstallPublicKey, params, callTimeout(installConnectTimeout, installCommandTimeout), nil)
}

func (d *DaemonTransport) GenerateKey(ctx context.Context, comment string) (string, error) {
	var result types.GenerateKeyResult
	if err := d.call(ctx, types.MethodGenerateKey, types.GenerateKeyParams{Comment: comment}, daemonCallSlack, &result); err != nil {
		return "", err
	}
	return result.PrivateKeyPEM, nil
}

func (d *DaemonTransport) AuthorizedKeyLine(ctx context.Context, privateKeyPEM, passphrase, comment string) (string, error) {
	params := types.AuthorizedKeyLineParams{
		PrivateKeyPEM:        privateKeyPEM,
		PrivateKeyPassphrase: passphrase,
		Comment:              comment,
	}
	var result types.AuthorizedKeyLineResult
	if err := d.call(ctx, types.MethodAuthorizedKeyLine, params, daemonCallSlack, &result); err != nil {
		return "", err
	}
	return result.AuthorizedKeyLine, nil
}

// Close drops the daemon connection if one is open.
func (d *DaemonTransport) Close() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		d.dropConn(conn, nil)
	}
}
