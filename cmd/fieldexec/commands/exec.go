package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fieldexec/cmd/fieldexec/config"
	"fieldexec/internal/remote"

	"github.com/spf13/cobra"
)

var ExecSSHKeyPassEmpty = false
var ExecStream = false
var ExecStdin = false

var ExecCmd = &cobra.Command{
	Use:   "exec username@hostname[:port] command [args...]",
	Short: "Run a command on a remote host",
	Long: `Run a command on a remote host and print its output.

By default the command runs to completion and its collected stdout/stderr are
printed. With --stream, output is printed line by line as it is produced and
Ctrl-C cancels the remote command.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if ExecStream && ExecStdin {
			cmd.PrintErrf("❌ Error: --stdin cannot be combined with --stream\n")
			return
		}

		target, err := buildTarget(cmd, args[0], true, ExecSSHKeyPassEmpty)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		command := strings.Join(args[1:], " ")

		if ExecStream {
			runStreaming(cmd, target, command)
			return
		}

		stdin := ""
		if ExecStdin {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				cmd.PrintErrf("❌ Error: failed to read stdin: %v\n", err)
				return
			}
			stdin = string(raw)
		}

		result, err := executionService.RunToCompletion(cmd.Context(), *target, command, stdin, config.Config.Options())

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		fmt.Fprint(cmd.OutOrStdout(), result.Stdout)
		fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)

		if result.ExitCode == nil {
			cmd.PrintErrf("⚠️ Command terminated without an exit status\n")
			return
		}
		if *result.ExitCode != 0 {
			cmd.PrintErrf("⚠️ Command exited with status %d\n", *result.ExitCode)
		}
	},
}

func runStreaming(cmd *cobra.Command, target *remote.Target, command string) {
	proc, err := executionService.StartStreaming(cmd.Context(), *target, command, "", config.Config.Options())

	if err != nil {
		cmd.PrintErrf("❌ Error: %v\n", err)
		return
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	go func() {
		select {
		case <-interrupts:
			proc.Cancel()
		case <-proc.Done():
		}
	}()

	stdout := proc.Stdout()
	stderr := proc.Stderr()

	for stdout != nil || stderr != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			fmt.Fprintln(cmd.ErrOrStderr(), line)
		}
	}

	<-proc.Done()

	if err := proc.Err(); err != nil {
		cmd.PrintErrf("❌ Error: %v\n", err)
		return
	}
	if code := proc.ExitCode(); code != nil && *code != 0 {
		cmd.PrintErrf("⚠️ Command exited with status %d\n", *code)
	}
}

func init() {
	ExecCmd.Flags().String("ssh-key-path", "", "Path to SSH private key file (for passwordless authentication)")
	ExecCmd.Flags().BoolVar(&ExecSSHKeyPassEmpty, "ssh-key-pass-empty", false, "Skip SSH key passphrase prompt (for passwordless SSH keys)")
	ExecCmd.Flags().BoolVar(&ExecStream, "stream", false, "Stream output line by line instead of waiting for completion")
	ExecCmd.Flags().BoolVar(&ExecStdin, "stdin", false, "Pipe this process's stdin to the remote command (not supported with --stream)")
}
