package main

import (
	"fmt"
	"os"

	"fieldexec/cmd/fieldexec/commands"
	"fieldexec/cmd/fieldexec/config"
	"fieldexec/internal/database"
	"fieldexec/version"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fieldexec",
	Short: "Run commands on remote hosts and keep a shared project list in sync",
	Long: `fieldexec runs commands on remote hosts over SSH, either by dialing
directly or through a persistent local helper daemon (fieldexecd) that pools
connections. It also synchronizes a small shared project list between a local
cache and an authoritative copy on the local machine or a remote host, and
can watch that list for changes.

Examples:

  fieldexec exec admin@140.120.110.10 uname -a
  fieldexec exec admin@140.120.110.10 --stream journalctl -f
  fieldexec projects add --path /srv/app --name "App"
  fieldexec projects list admin@140.120.110.10
  fieldexec watch admin@140.120.110.10
  fieldexec key generate --out ~/.fieldexec/id_ed25519
  fieldexec key install admin@140.120.110.10 --key-path ~/.fieldexec/id_ed25519

Remote operations route through a running fieldexecd automatically when its
state file is present; set FIELDEXEC_BACKEND=direct|daemon to force one.
`,
	Version: fmt.Sprintf("%s (commit: %s, date: %s, arch: %s, os: %s, package: %s); db path: %s; profile: %s", version.Version, version.Commit, version.Date, version.Arch, version.OS, version.Package, config.DatabasePath, config.Profile),
}

func main() {
	db, err := database.InitDB(config.Config.DatabasePath)

	if err != nil {
		rootCmd.PrintErrf("Failed to initialize database at %s: %v\n", config.Config.DatabasePath, err)
		os.Exit(1)
	}

	commands.RegisterCommands(rootCmd, db)

	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrf("%v\n", err)
	}

	defer func() {
		if err := database.CloseDB(db); err != nil {
			rootCmd.PrintErrf("Failed to close database: %v\n", err)
		}
	}()
}
