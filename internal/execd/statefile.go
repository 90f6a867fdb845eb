package execd

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"fieldexec/internal/execd/types"
)

// GenerateToken produces the per-run session token clients must present in
// the hello handshake.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// WriteStateFile advertises the daemon to clients: temp file then rename,
// directory 0700, file 0600.
func WriteStateFile(path string, port int, token string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	_ = os.Chmod(dir, 0700)

	payload, err := json.Marshal(types.StateFile{
		Version:  1,
		PID:      os.Getpid(),
		Port:     port,
		Token:    token,
		Protocol: types.ProtocolVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to encode state file: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install state file: %w", err)
	}
	_ = os.Chmod(path, 0600)
	return nil
}

// RemoveStateFile deletes the state file on shutdown. Best-effort.
func RemoveStateFile(path string) {
	_ = os.Remove(path)
}
