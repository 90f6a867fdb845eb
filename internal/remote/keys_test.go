package remote

import (
	"strings"
	"testing"
)

func TestGenerateKey_ProducesParseablePEM(t *testing.T) {
	pem, err := GenerateKey("test@fieldexec")

	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	if !strings.Contains(pem, "OPENSSH PRIVATE KEY") {
		t.Fatalf("expected OpenSSH PEM, got:\n%s", pem)
	}

	if _, err := ParseSigner(pem, ""); err != nil {
		t.Errorf("generated key does not parse: %v", err)
	}
}

func TestAuthorizedKeyLine_MatchesKeyType(t *testing.T) {
	pem, err := GenerateKey("test@fieldexec")

	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	line, err := AuthorizedKeyLine(pem, "", "test@fieldexec")

	if err != nil {
		t.Fatalf("authorized key derivation failed: %v", err)
	}
	if !strings.HasPrefix(line, "ssh-ed25519 ") {
		t.Errorf("expected ssh-ed25519 line, got %s", line)
	}
	if !strings.Contains(line, "test@fieldexec") {
		t.Errorf("expected comment in line, got %s", line)
	}
}

func TestParseSigner_EmptyKey(t *testing.T) {
	if _, err := ParseSigner("", ""); err == nil {
		t.Errorf("expected an error for an empty key")
	}
}

func TestParseSigner_GarbageKey(t *testing.T) {
	_, err := ParseSigner("not a key", "")

	if err == nil {
		t.Fatalf("expected an error for garbage key material")
	}
	if Classify(err) != KindAuth {
		t.Errorf("expected authentication classification, got %s", Classify(err))
	}
}
