package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"fieldexec/internal/remote"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func readPasswordSecurely(prompt string, stdOut io.Writer, errOut io.Writer, promptToErr bool) (string, error) {
	// readPasswordSecurely reads a password from the terminal without echoing
	if promptToErr {
		fmt.Fprintf(errOut, "%s", prompt)
	} else {
		fmt.Fprintf(stdOut, "%s", prompt)
	}

	bytePassword, err := term.ReadPassword(int(syscall.Stdin))

	if promptToErr {
		fmt.Fprintf(errOut, "\n")
	} else {
		fmt.Fprintf(stdOut, "\n")
	}

	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

// parseSSHURL parses an SSH URL in the format username@hostname:port or username@hostname
// Returns username, hostname, port, and any error
func parseSSHURL(sshURL string) (username, hostname string, port uint, err error) {
	// Default port
	port = 22

	// Check if URL contains port
	if strings.Contains(sshURL, ":") {
		parts := strings.Split(sshURL, ":")
		if len(parts) != 2 {
			return "", "", 0, fmt.Errorf("invalid SSH URL format: %s", sshURL)
		}

		// Parse port
		if portStr := parts[1]; portStr != "" {
			parsedPort, err := strconv.ParseUint(portStr, 10, 32)

			if err != nil {
				return "", "", 0, fmt.Errorf("invalid port number: %s", portStr)
			}

			if parsedPort > 65535 {
				return "", "", 0, fmt.Errorf("port number must be between 0 and 65535")
			}

			port = uint(parsedPort)
		}

		sshURL = parts[0]
	}

	// Parse username@hostname
	if strings.Contains(sshURL, "@") {
		parts := strings.Split(sshURL, "@")
		if len(parts) != 2 {
			return "", "", 0, fmt.Errorf("invalid SSH URL format: %s", sshURL)
		}
		username = parts[0]
		hostname = parts[1]
	} else {
		return "", "", 0, fmt.Errorf("username is required in SSH URL format: username@hostname[:port]")
	}

	if username == "" {
		return "", "", 0, fmt.Errorf("username cannot be empty")
	}
	if hostname == "" {
		return "", "", 0, fmt.Errorf("hostname cannot be empty")
	}

	return username, hostname, port, nil
}

// buildTarget builds a connection target from the positional SSH URL and the
// authentication flags. A --ssh-key-path flag selects key authentication
// (with an optional passphrase prompt); otherwise the password is prompted.
func buildTarget(cmd *cobra.Command, sshURL string, promptToErr bool, sshKeyPassSkip bool) (*remote.Target, error) {
	username, hostname, port, err := parseSSHURL(sshURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH URL '%s': %v", sshURL, err)
	}

	target := &remote.Target{
		Host:     hostname,
		Port:     port,
		Username: username,
	}

	if keyPath := cmd.Flag("ssh-key-path").Value.String(); keyPath != "" {
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key %s: %v", keyPath, err)
		}

		target.Auth.Kind = remote.AuthKindKey
		target.Auth.PrivateKeyPEM = string(keyPEM)

		if !sshKeyPassSkip {
			if passphrase, err := readPasswordSecurely("🔒 Enter SSH key passphrase (leave empty if none): ", cmd.OutOrStdout(), cmd.ErrOrStderr(), promptToErr); err == nil && passphrase != "" {
				target.Auth.Passphrase = passphrase
			}
		}
	} else {
		password, err := readPasswordSecurely("🔒 Enter SSH password: ", cmd.OutOrStdout(), cmd.ErrOrStderr(), promptToErr)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %v", err)
		}

		target.Auth.Kind = remote.AuthKindPassword
		target.Auth.Password = password
	}

	if err := target.Validate(); err != nil {
		return nil, err
	}

	return target, nil
}
