package remote

import "strings"

// Shell selects the POSIX shell variant a target's commands run under.
type Shell string

const (
	ShellPosix  Shell = "sh"
	ShellBash   Shell = "bash"
	ShellZsh    Shell = "zsh"
	ShellZshAlt Shell = "zsh-alt"
)

// ParseShell maps a configuration string onto a known shell, defaulting to
// plain POSIX sh.
func ParseShell(name string) Shell {
	switch Shell(strings.TrimSpace(strings.ToLower(name))) {
	case ShellBash:
		return ShellBash
	case ShellZsh:
		return ShellZsh
	case ShellZshAlt:
		return ShellZshAlt
	default:
		return ShellPosix
	}
}

// Quote single-quotes s for safe interpolation into a shell command line.
// Embedded single quotes use the standard '...' -> '\'' technique.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isShellSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '/' || c == ':' || c == '=' || c == '@' || c == '-':
		default:
			return false
		}
	}
	return true
}

// WrapCommand wraps a command body so it runs under the selected shell with
// no profile or rc files, with the body passed as a single quoted argument.
func WrapCommand(shell Shell, command string) string {
	quoted := Quote(command)
	switch shell {
	case ShellBash:
		return "bash --noprofile --norc -c " + quoted
	case ShellZsh:
		return "zsh -f -c " + quoted
	case ShellZshAlt:
		return "zsh --no-rcs -c " + quoted
	default:
		return "sh -c " + quoted
	}
}
