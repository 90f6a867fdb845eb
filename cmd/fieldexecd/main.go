package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"fieldexec/cmd/fieldexec/config"
	"fieldexec/internal/execd"
	"fieldexec/internal/logger"
	"fieldexec/version"

	"github.com/spf13/cobra"
)

var listenPort = 0
var stateFilePath = ""

var rootCmd = &cobra.Command{
	Use:   "fieldexecd",
	Short: "Local helper daemon that pools SSH connections for fieldexec",
	Long: `fieldexecd listens on loopback and serves SSH execution requests over a
line-delimited JSON protocol. Connections to remote hosts are pooled and
reused across requests; poisoned connections are evicted and redialed.

On startup the daemon writes a state file advertising its port and a fresh
session token. fieldexec reads that file to find and authenticate to the
daemon; the file is removed on shutdown.`,
	Version: fmt.Sprintf("%s (commit: %s, date: %s, arch: %s, os: %s, package: %s)", version.Version, version.Commit, version.Date, version.Arch, version.OS, version.Package),
	RunE: func(cmd *cobra.Command, _ []string) error {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", listenPort))

		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}

		port := listener.Addr().(*net.TCPAddr).Port

		token, err := execd.GenerateToken()

		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to generate session token: %w", err)
		}

		if err := execd.WriteStateFile(stateFilePath, port, token); err != nil {
			listener.Close()
			return fmt.Errorf("failed to write state file: %w", err)
		}

		logger.Info("fieldexecd listening on 127.0.0.1:%d (state file: %s)", port, stateFilePath)

		server := execd.NewServer(token)

		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)

		shutdown := make(chan struct{})
		go func() {
			<-interrupts
			logger.Info("Shutting down")
			close(shutdown)
			execd.RemoveStateFile(stateFilePath)
			listener.Close()
		}()

		err = server.Serve(listener)

		// A closed listener during shutdown is the normal exit path.
		select {
		case <-shutdown:
			return nil
		default:
		}

		execd.RemoveStateFile(stateFilePath)
		return err
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrf("%v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().IntVar(&listenPort, "port", 0, "Loopback port to listen on (0 picks a free port)")
	rootCmd.Flags().StringVar(&stateFilePath, "state-file", config.Config.DaemonStateFile, "Where to advertise the daemon's port and token")
}
