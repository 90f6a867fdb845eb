// Package execd implements the fieldexec helper daemon: a loopback JSON
// request server that owns the SSH connection pool and multiplexes
// streaming commands over stream identifiers.
package execd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/melbahja/goph"
	"golang.org/x/crypto/ssh"

	"fieldexec/internal/execd/types"
	"fieldexec/internal/logger"
	"fieldexec/internal/remote"
)

type Server struct {
	token        string
	pool         *Pool
	nextStreamID atomic.Uint64
}

func NewServer(token string) *Server {
	return &Server{
		token: token,
		pool:  NewPool(),
	}
}

// Pool exposes the connection pool, mainly for shutdown and tests.
func (s *Server) Pool() *Pool { return s.pool }

// Serve accepts connections until the listener closes.
func (s *Server) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go s.ServeConn(conn)
	}
}

// outbox serializes all writes for one connection through a single goroutine
// so stream events and responses never interleave mid-line.
type outbox struct {
	ch        chan []byte
	closeOnce sync.Once
}

func (o *outbox) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to encode outgoing message: %v", err)
		return
	}
	defer func() {
		// The channel may close while a stream goroutine is emitting.
		_ = recover()
	}()
	o.ch <- payload
}

func (o *outbox) sendOK(id uint64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		o.sendErr(id, "failed to encode result")
		return
	}
	o.send(types.Response{ID: id, OK: true, Result: raw})
}

func (o *outbox) sendErr(id uint64, message string) {
	o.send(types.Response{ID: id, OK: false, Error: message})
}

func (o *outbox) close() {
	o.closeOnce.Do(func() { close(o.ch) })
}

// streamHandle tracks one active streaming command on a connection. The
// exit event must be emitted exactly once, whether the stream ends
// naturally, is cancelled by id, or is swept by a reset.
type streamHandle struct {
	id       uint64
	cancel   func()
	exitOnce sync.Once
}

func (h *streamHandle) emitExit(out *outbox, exitCode *int, errText string) {
	h.exitOnce.Do(func() {
		event := types.Event{Type: types.EventStreamExit, StreamID: h.id, ExitCode: exitCode}
		if errText != "" {
			event.Error = errText
		}
		out.send(event)
	})
}

type connStreams struct {
	mu      sync.Mutex
	handles map[uint64]*streamHandle
}

func newConnStreams() *connStreams {
	return &connStreams{handles: make(map[uint64]*streamHandle)}
}

func (c *connStreams) add(h *streamHandle) {
	c.mu.Lock()
	c.handles[h.id] = h
	c.mu.Unlock()
}

func (c *connStreams) take(id uint64) *streamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.handles[id]
	delete(c.handles, id)
	return h
}

func (c *connStreams) drain() []*streamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	handles := make([]*streamHandle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.handles = make(map[uint64]*streamHandle)
	return handles
}

// ServeConn speaks the line protocol on one connection. Requests are
// handled sequentially; streaming output is pumped by per-stream
// goroutines through the shared outbox.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()

	out := &outbox{ch: make(chan []byte, 256)}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		var dead bool
		for payload := range out.ch {
			if dead {
				continue
			}
			if _, err := conn.Write(append(payload, '\n')); err != nil {
				dead = true
			}
		}
	}()

	streams := newConnStreams()
	defer func() {
		for _, h := range streams.drain() {
			h.cancel()
		}
		out.close()
		<-writerDone
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	authed := false
	for scanner.Scan() {
		var req types.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			logger.Warn("Dropping malformed request line: %v", err)
			continue
		}

		if req.Method == types.MethodHello {
			if !s.handleHello(req, out) {
				return
			}
			authed = true
			continue
		}
		if !authed {
			out.sendErr(req.ID, "unauthorized")
			return
		}
		s.handleRequest(req, out, streams)
	}
}

func (s *Server) handleHello(req types.Request, out *outbox) bool {
	var params types.HelloParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		out.sendErr(req.ID, "invalid hello params")
		return false
	}
	if params.Protocol != types.ProtocolVersion {
		out.sendErr(req.ID, fmt.Sprintf("protocol mismatch (client=%d, server=%d)", params.Protocol, types.ProtocolVersion))
		return false
	}
	if params.Token != s.token {
		out.sendErr(req.ID, "unauthorized")
		return false
	}
	out.sendOK(req.ID, types.HelloResult{Protocol: types.ProtocolVersion})
	return true
}

func (s *Server) handleRequest(req types.Request, out *outbox, streams *connStreams) {
	switch req.Method {
	case types.MethodExec:
		var params types.ExecParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			out.sendErr(req.ID, "invalid params")
			return
		}
		result, err := s.exec(params)
		if err != nil {
			out.sendErr(req.ID, err.Error())
			return
		}
		out.sendOK(req.ID, result)
	case types.MethodStart:
		var params types.StartParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			out.sendErr(req.ID, "invalid params")
			return
		}
		s.start(req.ID, params, out, streams)
	case types.MethodCancel:
		var params types.CancelParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			out.sendErr(req.ID, "invalid params")
			return
		}
		if handle := streams.take(params.StreamID); handle != nil {
			handle.cancel()
			handle.emitExit(out, nil, "cancelled")
		}
		out.sendOK(req.ID, types.CancelResult{Cancelled: true})
	case types.MethodResetAll:
		var params types.ResetAllParams
		_ = json.Unmarshal(req.Params, &params)
		reason := params.Reason
		if reason == "" {
			reason = "reset"
		}
		handles := streams.drain()
		for _, handle := range handles {
			handle.cancel()
			handle.emitExit(out, nil, reason)
		}
		cleared := s.pool.ClearAll()
		out.sendOK(req.ID, types.ResetAllResult{
			ClearedConnections: cleared,
			CancelledStreams:   len(handles),
		})
	case types.MethodWriteFile:
		var params types.WriteFileParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			out.sendErr(req.ID, "invalid params")
			return
		}
		if err := s.writeFile(params); err != nil {
			out.sendErr(req.ID, err.Error())
			return
		}
		out.sendOK(req.ID, struct{}{})
	case types.MethodGenerateKey:
		var params types.GenerateKeyParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			out.sendErr(req.ID, "invalid params")
			return
		}
		pem, err := remote.GenerateKey(params.Comment)
		if err != nil {
			out.sendErr(req.ID, err.Error())
			return
		}
		out.sendOK(req.ID, types.GenerateKeyResult{PrivateKeyPEM: pem})
	case types.MethodAuthorizedKeyLine:
		var params types.AuthorizedKeyLineParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			out.sendErr(req.ID, "invalid params")
			return
		}
		line, err := remote.AuthorizedKeyLine(params.PrivateKeyPEM, params.PrivateKeyPassphrase, params.Comment)
		if err != nil {
			out.sendErr(req.ID, err.Error())
			return
		}
		out.sendOK(req.ID, types.AuthorizedKeyLineResult{AuthorizedKeyLine: line})
	case types.MethodInstallPublicKey:
		var params types.InstallPublicKeyParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			out.sendErr(req.ID, "invalid params")
			return
		}
		err := remote.InstallPublicKey(context.Background(), params.UserAtHost, params.Port, params.Password, params.PrivateKeyPEM, params.PrivateKeyPassphrase, params.Comment)
		if err != nil {
			out.sendErr(req.ID, err.Error())
			return
		}
		out.sendOK(req.ID, struct{}{})
	default:
		out.sendErr(req.ID, "unknown method")
	}
}

func msToDuration(ms uint64) time.Duration {
	if ms == 0 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

// exec runs a command over a pooled connection. A pool-poisoning failure
// evicts the connection and retries once against a fresh one.
func (s *Server) exec(params types.ExecParams) (*types.ExecResult, error) {
	connectTimeout := msToDuration(params.ConnectTimeoutMS)
	commandTimeout := msToDuration(params.CommandTimeoutMS)

	key, client, err := s.pool.GetOrConnect(params.Target, connectTimeout)
	if err != nil {
		return nil, err
	}

	result, err := runPooled(client, params.Command, params.Stdin, commandTimeout)
	if err == nil {
		return result, nil
	}
	if !remote.PoolPoisoning(err) {
		return nil, err
	}

	s.pool.Remove(key)
	key, client, err = s.pool.GetOrConnect(params.Target, connectTimeout)
	if err != nil {
		return nil, err
	}
	result, err = runPooled(client, params.Command, params.Stdin, commandTimeout)
	if err != nil {
		if remote.PoolPoisoning(err) {
			s.pool.Remove(key)
		}
		return nil, err
	}
	return result, nil
}

// runPooled executes one command on a session of a shared client. Only the
// session is closed on timeout; the pooled connection stays usable unless
// the error says otherwise.
func runPooled(client *goph.Client, command, stdin string, commandTimeout time.Duration) (*types.ExecResult, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	runErr := remote.RunSession(context.Background(), session, command, commandTimeout)

	result := &types.ExecResult{
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
		return result, nil
	}
	return nil, runErr
}

func (s *Server) writeFile(params types.WriteFileParams) error {
	result, err := s.exec(types.ExecParams{
		Target:           params.Target,
		Command:          remote.WriteFileCommand(params.RemotePath),
		Stdin:            params.Contents,
		ConnectTimeoutMS: params.ConnectTimeoutMS,
		CommandTimeoutMS: params.CommandTimeoutMS,
	})
	if err != nil {
		return err
	}
	if result.ExitCode == nil {
		return errors.New("write interrupted before completion")
	}
	if *result.ExitCode != 0 {
		return fmt.Errorf("write failed (exit=%d)", *result.ExitCode)
	}
	return nil
}

// start opens a streaming command and pumps its output as events.
func (s *Server) start(reqID uint64, params types.StartParams, out *outbox, streams *connStreams) {
	connectTimeout := msToDuration(params.ConnectTimeoutMS)

	key, client, err := s.pool.GetOrConnect(params.Target, connectTimeout)
	if err != nil {
		out.sendErr(reqID, err.Error())
		return
	}

	session, err := client.NewSession()
	if err != nil {
		if remote.PoolPoisoning(err) {
			s.pool.Remove(key)
		}
		out.sendErr(reqID, err.Error())
		return
	}

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		out.sendErr(reqID, err.Error())
		return
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		session.Close()
		out.sendErr(reqID, err.Error())
		return
	}

	if err := session.Start(params.Command); err != nil {
		session.Close()
		if remote.PoolPoisoning(err) {
			s.pool.Remove(key)
		}
		out.sendErr(reqID, err.Error())
		return
	}

	streamID := s.nextStreamID.Add(1)
	handle := &streamHandle{
		id: streamID,
		cancel: func() {
			_ = session.Signal(ssh.SIGKILL)
			session.Close()
		},
	}
	streams.add(handle)

	go func() {
		var wg sync.WaitGroup
		wg.Add(2)
		pump := func(reader *bufio.Scanner, isStderr bool) {
			defer wg.Done()
			for reader.Scan() {
				out.send(types.Event{
					Type:     types.EventStreamLine,
					StreamID: streamID,
					IsStderr: isStderr,
					Line:     reader.Text(),
				})
			}
		}
		stdoutScanner := bufio.NewScanner(stdoutPipe)
		stdoutScanner.Buffer(make([]byte, 64*1024), 1024*1024)
		stderrScanner := bufio.NewScanner(stderrPipe)
		stderrScanner.Buffer(make([]byte, 64*1024), 1024*1024)
		go pump(stdoutScanner, false)
		go pump(stderrScanner, true)
		wg.Wait()

		waitErr := session.Wait()
		session.Close()
		streams.take(streamID)

		if waitErr == nil {
			zero := 0
			handle.emitExit(out, &zero, "")
			return
		}
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitStatus()
			handle.emitExit(out, &code, "")
			return
		}
		var missingErr *ssh.ExitMissingError
		if errors.As(waitErr, &missingErr) {
			handle.emitExit(out, nil, "")
			return
		}
		if remote.PoolPoisoning(waitErr) {
			s.pool.Remove(key)
		}
		handle.emitExit(out, nil, waitErr.Error())
	}()

	out.sendOK(reqID, types.StartResult{StreamID: streamID})
}
