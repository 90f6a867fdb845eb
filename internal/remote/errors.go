package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the failure taxonomy shared by both backends.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindAuth - credential rejected (bad key, bad passphrase, server refused).
	KindAuth
	// KindTimeout - connect or command exceeded its deadline.
	KindTimeout
	// KindTransport - connection reset/aborted/broken-pipe/unexpected-EOF.
	KindTransport
	// KindProtocol - malformed daemon response or unsupported request.
	KindProtocol
	// KindUnavailable - no usable credential configured; no network attempt.
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "authentication"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is the typed failure surfaced by transports and the service.
type Error struct {
	Kind  ErrorKind
	msg   string
	cause error
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Unwrap() error { return e.cause }

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func wrapError(kind ErrorKind, msg string, cause error) *Error {
	if cause == nil {
		return newError(kind, msg)
	}
	return &Error{Kind: kind, msg: fmt.Sprintf("%s: %v", msg, cause), cause: cause}
}

func authError(msg string, cause error) *Error      { return wrapError(KindAuth, msg, cause) }
func timeoutError(msg string, cause error) *Error   { return wrapError(KindTimeout, msg, cause) }
func transportError(msg string, cause error) *Error { return wrapError(KindTransport, msg, cause) }
func protocolError(msg string) *Error               { return newError(KindProtocol, msg) }
func unavailableError(msg string) *Error            { return newError(KindUnavailable, msg) }

// classificationRule maps backend-specific error text onto the taxonomy.
// Rules are checked in order; the first match wins. The policy is data so it
// can be tested in isolation from any live transport.
type classificationRule struct {
	substrings []string
	kind       ErrorKind
}

var classificationRules = []classificationRule{
	{[]string{
		"unable to authenticate",
		"permission denied",
		"authentication failed",
		"no supported methods remain",
		"unauthorized",
	}, KindAuth},
	{[]string{
		"no key found",
		"cannot decode encrypted private key",
		"incorrect passphrase",
		"decryption password incorrect",
		"private key is empty",
		"asn.1",
	}, KindAuth},
	{[]string{
		"timeout",
		"timed out",
		"i/o timeout",
		"deadline exceeded",
	}, KindTimeout},
	{[]string{
		"broken pipe",
		"connection reset",
		"connection aborted",
		"connection refused",
		"not connected",
		"unexpected eof",
		"send error",
		"use of closed network connection",
		"eof",
	}, KindTransport},
}

// Classify maps an arbitrary error onto the taxonomy. Typed errors keep
// their kind; everything else is matched against the rule table.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	text := strings.ToLower(err.Error())
	for _, rule := range classificationRules {
		for _, sub := range rule.substrings {
			if strings.Contains(text, sub) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}

// PoolPoisoning reports whether a failure may have left a pooled connection
// unusable, in which case the service resets the pool before retrying.
func PoolPoisoning(err error) bool {
	switch Classify(err) {
	case KindTimeout, KindTransport:
		return true
	default:
		return false
	}
}

// retryable reports whether another attempt can change the outcome.
// Credential and protocol failures fail fast: retrying cannot help, and a
// pool reset must never be triggered for them.
func retryable(err error) bool {
	switch Classify(err) {
	case KindAuth, KindProtocol, KindUnavailable:
		return false
	default:
		return true
	}
}

var keyInvalidPatterns = []string{
	"no key found",
	"cannot decode encrypted private key",
	"incorrect passphrase",
	"decryption password incorrect",
	"private key",
	"asn.1",
}

const (
	msgAuthFailed = "authentication failed: the remote host rejected the credentials"
	msgKeyInvalid = "the private key is invalid or the passphrase is wrong"
	msgTimeout    = "the connection to the remote host timed out"
	msgTransport  = "the connection to the remote host failed"
)

// NormalizeMessage produces the short user-facing message for a failure.
// Raw backend text is surfaced only when no known pattern matches.
func NormalizeMessage(err error) string {
	if err == nil {
		return ""
	}
	text := strings.ToLower(err.Error())
	switch Classify(err) {
	case KindAuth:
		for _, pattern := range keyInvalidPatterns {
			if strings.Contains(text, pattern) {
				return msgKeyInvalid
			}
		}
		return msgAuthFailed
	case KindTimeout:
		return msgTimeout
	case KindTransport:
		return msgTransport
	default:
		return err.Error()
	}
}

// NormalizeError wraps err so that Error() yields the normalized message
// while the original cause stays reachable through Unwrap.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), msg: NormalizeMessage(err), cause: err}
}
