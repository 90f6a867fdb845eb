// Package types defines the line-delimited JSON protocol spoken between the
// fieldexec client and the fieldexecd helper daemon. One JSON object per
// line; requests are answered by id, stream output arrives as events.
package types

import "encoding/json"

// ProtocolVersion is checked during the hello handshake. A mismatch is a
// programming/version fault, not a transient one.
const ProtocolVersion uint32 = 1

const (
	MethodHello             = "hello"
	MethodExec              = "ssh.exec"
	MethodStart             = "ssh.start"
	MethodCancel            = "ssh.cancel"
	MethodResetAll          = "ssh.reset_all"
	MethodWriteFile         = "ssh.write_file"
	MethodGenerateKey       = "ssh.generate_key"
	MethodAuthorizedKeyLine = "ssh.authorized_key_line"
	MethodInstallPublicKey  = "ssh.install_public_key"
)

const (
	EventStreamLine = "stream_line"
	EventStreamExit = "stream_exit"
)

type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Event is pushed by the daemon outside the request/response cycle.
type Event struct {
	Type     string `json:"type"`
	StreamID uint64 `json:"stream_id"`
	IsStderr bool   `json:"is_stderr,omitempty"`
	Line     string `json:"line,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Auth struct {
	Kind                 string `json:"kind"`
	PrivateKeyPEM        string `json:"private_key_pem,omitempty"`
	PrivateKeyPassphrase string `json:"private_key_passphrase,omitempty"`
	Password             string `json:"password,omitempty"`
}

type Target struct {
	Host     string `json:"host"`
	Port     uint   `json:"port"`
	Username string `json:"username"`
	Auth     Auth   `json:"auth"`
}

type HelloParams struct {
	Token    string `json:"token"`
	Protocol uint32 `json:"protocol"`
}

type HelloResult struct {
	Protocol uint32 `json:"protocol"`
}

type ExecParams struct {
	Target           Target `json:"target"`
	Command          string `json:"command"`
	Stdin            string `json:"stdin,omitempty"`
	ConnectTimeoutMS uint64 `json:"connect_timeout_ms"`
	CommandTimeoutMS uint64 `json:"command_timeout_ms"`
}

type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exit_code"`
}

type StartParams struct {
	Target           Target `json:"target"`
	Command          string `json:"command"`
	ConnectTimeoutMS uint64 `json:"connect_timeout_ms"`
}

type StartResult struct {
	StreamID uint64 `json:"stream_id"`
}

type CancelParams struct {
	StreamID uint64 `json:"stream_id"`
}

type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

type ResetAllParams struct {
	Reason string `json:"reason,omitempty"`
}

type ResetAllResult struct {
	ClearedConnections int `json:"cleared_connections"`
	CancelledStreams   int `json:"cancelled_streams"`
}

type WriteFileParams struct {
	Target           Target `json:"target"`
	RemotePath       string `json:"remote_path"`
	Contents         string `json:"contents"`
	ConnectTimeoutMS uint64 `json:"connect_timeout_ms"`
	CommandTimeoutMS uint64 `json:"command_timeout_ms"`
}

type GenerateKeyParams struct {
	Comment string `json:"comment"`
}

type GenerateKeyResult struct {
	PrivateKeyPEM string `json:"private_key_pem"`
}

type AuthorizedKeyLineParams struct {
	PrivateKeyPEM        string `json:"private_key_pem"`
	PrivateKeyPassphrase string `json:"private_key_passphrase,omitempty"`
	Comment              string `json:"comment"`
}

type AuthorizedKeyLineResult struct {
	AuthorizedKeyLine string `json:"authorized_key_line"`
}

type InstallPublicKeyParams struct {
	UserAtHost           string `json:"user_at_host"`
	Port                 uint   `json:"port"`
	Password             string `json:"password"`
	PrivateKeyPEM        string `json:"private_key_pem"`
	PrivateKeyPassphrase string `json:"private_key_passphrase,omitempty"`
	Comment              string `json:"comment"`
}

// StateFile advertises a running daemon to clients. Written 0600 under a
// 0700 directory.
type StateFile struct {
	Version  int    `json:"version"`
	PID      int    `json:"pid"`
	Port     int    `json:"port"`
	Token    string `json:"token"`
	Protocol uint32 `json:"protocol"`
}
