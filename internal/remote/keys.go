package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateKey creates a fresh ed25519 private key in OpenSSH PEM format.
func GenerateKey(comment string) (string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", wrapError(KindUnknown, "failed to generate private key", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", wrapError(KindUnknown, "failed to encode private key", err)
	}
	return string(pem.EncodeToMemory(block)), nil
}

// ParseSigner decodes private key material, with an optional passphrase.
func ParseSigner(privateKeyPEM, passphrase string) (ssh.Signer, error) {
	if strings.TrimSpace(privateKeyPEM) == "" {
		return nil, authError("private key is empty", nil)
	}
	var signer ssh.Signer
	var err error
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(privateKeyPEM), []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(privateKeyPEM))
	}
	if err != nil {
		return nil, authError("failed to parse private key", err)
	}
	return signer, nil
}

// AuthorizedKeyLine derives the authorized_keys line for the public half of
// the supplied private key, with the comment appended.
func AuthorizedKeyLine(privateKeyPEM, passphrase, comment string) (string, error) {
	signer, err := ParseSigner(privateKeyPEM, passphrase)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	if comment = strings.TrimSpace(comment); comment != "" {
		line += " " + comment
	}
	return line, nil
}
