package execd

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"fieldexec/internal/remote"
)

// startDaemon runs a real server on loopback and advertises it through a
// state file, the way fieldexecd does at startup.
func startDaemon(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	statePath := filepath.Join(t.TempDir(), "fieldexecd.json")
	port := listener.Addr().(*net.TCPAddr).Port
	if err := WriteStateFile(statePath, port, token); err != nil {
		t.Fatalf("failed to write state file: %v", err)
	}

	server := NewServer(token)
	go server.Serve(listener)

	return statePath
}

func TestDaemonTransport_GenerateKeyRoundTrip(t *testing.T) {
	statePath := startDaemon(t)

	transport := remote.NewDaemonTransport(statePath)
	defer transport.Close()

	pem, err := transport.GenerateKey(context.Background(), "transport@test")

	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	if !strings.Contains(pem, "OPENSSH PRIVATE KEY") {
		t.Fatalf("expected OpenSSH PEM, got:\n%s", pem)
	}

	line, err := transport.AuthorizedKeyLine(context.Background(), pem, "", "transport@test")

	if err != nil {
		t.Fatalf("authorized key line failed: %v", err)
	}
	if !strings.HasPrefix(line, "ssh-ed25519 ") {
		t.Errorf("expected ssh-ed25519 line, got %s", line)
	}
}

func TestDaemonTransport_ResetAll(t *testing.T) {
	statePath := startDaemon(t)

	transport := remote.NewDaemonTransport(statePath)
	defer transport.Close()

	if err := transport.ResetAll(context.Background(), "test reset"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
}

func TestDaemonTransport_MissingStateFile(t *testing.T) {
	transport := remote.NewDaemonTransport(filepath.Join(t.TempDir(), "missing.json"))

	_, err := transport.GenerateKey(context.Background(), "x")

	if err == nil {
		t.Fatalf("expected an error without a running daemon")
	}
	if remote.Classify(err) != remote.KindTransport {
		t.Errorf("expected transport classification, got %s", remote.Classify(err))
	}
}

func TestDaemonTransport_WrongTokenIsRejected(t *testing.T) {
	statePath := startDaemon(t)

	// Re-advertise the daemon with a token it will not accept.
	state, err := remote.ReadStateFile(statePath)
	if err != nil {
		t.Fatalf("failed to read state file: %v", err)
	}
	if err := WriteStateFile(statePath, state.Port, "wrong-token"); err != nil {
		t.Fatalf("failed to rewrite state file: %v", err)
	}

	transport := remote.NewDaemonTransport(statePath)
	defer transport.Close()

	_, err = transport.GenerateKey(context.Background(), "x")

	if err == nil {
		t.Fatalf("expected the handshake to be rejected")
	}
	if remote.Classify(err) != remote.KindAuth {
		t.Errorf("expected authentication classification, got %s", remote.Classify(err))
	}
}
