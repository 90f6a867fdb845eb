package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"fieldexec/internal/execd/types"
)

// fakeDaemon answers the hello handshake on conn and then hands the
// connection to the script.
func fakeDaemon(t *testing.T, conn net.Conn, script func(reader *bufio.Reader, writer *json.Encoder)) {
	t.Helper()

	go func() {
		reader := bufio.NewReader(conn)
		writer := json.NewEncoder(conn)

		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Errorf("failed to read hello: %v", err)
			return
		}
		var hello types.Request
		if err := json.Unmarshal(line, &hello); err != nil {
			t.Errorf("hello is not valid JSON: %v", err)
			return
		}
		result, _ := json.Marshal(types.HelloResult{Protocol: types.ProtocolVersion})
		if err := writer.Encode(types.Response{ID: hello.ID, OK: true, Result: result}); err != nil {
			t.Errorf("failed to answer hello: %v", err)
			return
		}

		script(reader, writer)
	}()
}

func newFakeDaemonTransport(t *testing.T, script func(reader *bufio.Reader, writer *json.Encoder)) *DaemonTransport {
	t.Helper()

	clientConn, daemonConn := net.Pipe()
	fakeDaemon(t, daemonConn, script)

	transport := NewDaemonTransport("")
	transport.dial = func(ctx context.Context) (net.Conn, string, error) {
		return clientConn, "token", nil
	}
	t.Cleanup(transport.Close)
	return transport
}

func streamingTarget() Target {
	return Target{
		Host:     "example.com",
		Port:     22,
		Username: "admin",
		Auth:     Auth{Kind: AuthKindPassword, Password: "secret"},
	}
}

func readStartRequest(t *testing.T, reader *bufio.Reader) *types.Request {
	t.Helper()

	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Errorf("failed to read start request: %v", err)
		return nil
	}
	var req types.Request
	if err := json.Unmarshal(line, &req); err != nil {
		t.Errorf("start request is not valid JSON: %v", err)
		return nil
	}
	if req.Method != types.MethodStart {
		t.Errorf("expected %s, got %s", types.MethodStart, req.Method)
		return nil
	}
	return &req
}

func TestDaemonTransport_StreamLinesAheadOfStartResponse(t *testing.T) {
	const streamID = 7
	const lineCount = 3 * streamBuffer

	transport := newFakeDaemonTransport(t, func(reader *bufio.Reader, writer *json.Encoder) {
		req := readStartRequest(t, reader)
		if req == nil {
			return
		}

		// A fast, chatty command: the daemon pushes a burst of output
		// before the client has even consumed the start response.
		for i := 0; i < lineCount; i++ {
			writer.Encode(types.Event{Type: types.EventStreamLine, StreamID: streamID, Line: fmt.Sprintf("line-%d", i)})
		}

		result, _ := json.Marshal(types.StartResult{StreamID: streamID})
		writer.Encode(types.Response{ID: req.ID, OK: true, Result: result})

		zero := 0
		writer.Encode(types.Event{Type: types.EventStreamExit, StreamID: streamID, ExitCode: &zero})
	})

	proc, err := transport.Start(context.Background(), streamingTarget(), "chatty-command", time.Second)

	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	received := 0
	for line := range proc.Stdout() {
		if line != fmt.Sprintf("line-%d", received) {
			t.Fatalf("expected line-%d, got %s", received, line)
		}
		received++
	}
	<-proc.Done()

	if received != lineCount {
		t.Errorf("expected %d lines, got %d", lineCount, received)
	}
	if err := proc.Err(); err != nil {
		t.Errorf("expected a clean exit, got %v", err)
	}
	if code := proc.ExitCode(); code == nil || *code != 0 {
		t.Errorf("expected exit code 0, got %v", code)
	}
}

func TestDaemonTransport_ConnectionLossResolvesStream(t *testing.T) {
	const streamID = 9

	transport := newFakeDaemonTransport(t, func(reader *bufio.Reader, writer *json.Encoder) {
		req := readStartRequest(t, reader)
		if req == nil {
			return
		}

		result, _ := json.Marshal(types.StartResult{StreamID: streamID})
		writer.Encode(types.Response{ID: req.ID, OK: true, Result: result})
		writer.Encode(types.Event{Type: types.EventStreamLine, StreamID: streamID, Line: "before the drop"})
	})

	proc, err := transport.Start(context.Background(), streamingTarget(), "doomed-command", time.Second)

	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if line := <-proc.Stdout(); line != "before the drop" {
		t.Fatalf("expected the buffered line, got %s", line)
	}

	transport.Close()

	for range proc.Stdout() {
	}
	<-proc.Done()

	if err := proc.Err(); err == nil {
		t.Errorf("expected a failure after the connection dropped")
	} else if Classify(err) != KindTransport {
		t.Errorf("expected transport classification, got %s", Classify(err))
	}
	if proc.ExitCode() != nil {
		t.Errorf("expected no exit code, got %v", proc.ExitCode())
	}
}
