package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldexec/cmd/fieldexec/config"
	"fieldexec/internal/lifecycle"
	"fieldexec/internal/projects"
	"fieldexec/internal/watch"

	"github.com/spf13/cobra"
)

var WatchSSHKeyPassEmpty = false

var WatchCmd = &cobra.Command{
	Use:   "watch [username@hostname[:port]]",
	Short: "Watch the shared project list for changes",
	Long: `Watch the shared project list and print it whenever it changes. Without an
SSH URL the local base directory is watched via filesystem notifications;
with one, the remote event log is followed. Ctrl-C stops the watch.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target, err := resolveWatchTarget(cmd, args)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		// Reloads funnel through one goroutine so a burst of change
		// notifications cannot interleave output.
		notifications := make(chan struct{}, 1)
		notify := func() {
			select {
			case notifications <- struct{}{}:
			default:
			}
		}

		var cancel func()

		if target.IsLocal() {
			dir, ok := projectsStore.LocalBaseDir()
			if !ok {
				cmd.PrintErrf("❌ Error: home directory unavailable\n")
				return
			}

			watcher := watch.NewLocalWatcher(dir, notify)
			if err := watcher.Start(); err != nil {
				cmd.PrintErrf("❌ Error: %v\n", err)
				return
			}
			cancel = watcher.Cancel
		} else {
			watcher := watch.NewRemoteWatcher(executionService, *target.Remote(), config.Config.BaseDirName, config.Config.Options(), lifecycle.Default(), notify)
			watcher.Start()
			cancel = watcher.Cancel
		}
		defer cancel()

		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupts)

		cmd.Printf("👀 Watching projects on %s (Ctrl-C to stop)\n", target.Key())
		printProjects(cmd, target)

		for {
			select {
			case <-notifications:
				fmt.Fprintf(cmd.OutOrStdout(), "🔄 %s projects changed\n", time.Now().UTC().Format(time.RFC3339))
				printProjects(cmd, target)
			case <-interrupts:
				return
			}
		}
	},
}

func printProjects(cmd *cobra.Command, target projects.TargetRef) {
	records, err := projectsStore.Load(cmd.Context(), target)
	if err != nil {
		cmd.PrintErrf("⚠️ Failed to load projects: %v\n", err)
		return
	}
	for _, record := range records {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\t%s\n", record.Name, record.Path)
	}
}

func resolveWatchTarget(cmd *cobra.Command, args []string) (projects.TargetRef, error) {
	if len(args) == 0 {
		return projects.LocalTarget(), nil
	}

	target, err := buildTarget(cmd, args[0], true, WatchSSHKeyPassEmpty)
	if err != nil {
		return projects.TargetRef{}, err
	}
	return projects.RemoteTarget(*target), nil
}

func init() {
	WatchCmd.Flags().String("ssh-key-path", "", "Path to SSH private key file (for passwordless authentication)")
	WatchCmd.Flags().BoolVar(&WatchSSHKeyPassEmpty, "ssh-key-pass-empty", false, "Skip SSH key passphrase prompt (for passwordless SSH keys)")
}
