package commands

import (
	"fieldexec/cmd/fieldexec/config"
	"fieldexec/internal/lifecycle"
	"fieldexec/internal/projects"
	"fieldexec/internal/remote"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	dbInstance       *gorm.DB
	projectsCache    *projects.Repository
	executionService *remote.Service
	projectsStore    *projects.Store
	resetUnsubscribe func()
)

func RegisterCommands(rootCmd *cobra.Command, db *gorm.DB) {
	dbInstance = db
	projectsCache = projects.NewRepository(db)
	executionService = remote.NewService(selectTransport(), config.Config.Shell)
	projectsStore = projects.NewStore(executionService, projectsCache, config.Config.BaseDirName, config.Config.Options())
	resetUnsubscribe = remote.NewLifecycleResetPolicy(lifecycle.Default(), executionService)

	rootCmd.AddCommand(ExecCmd)
	rootCmd.AddCommand(ProjectsCmd)
	rootCmd.AddCommand(WatchCmd)
	rootCmd.AddCommand(KeyCmd)
	rootCmd.AddCommand(ResetCmd)
}

// selectTransport is the single point where the backend is chosen. "auto"
// routes through the helper daemon when its state file is present and valid,
// and falls back to dialing SSH directly otherwise.
func selectTransport() remote.Transport {
	switch config.Config.Backend {
	case "daemon":
		return remote.NewDaemonTransport(config.Config.DaemonStateFile)
	case "direct":
		return remote.NewDirectTransport()
	default:
		if _, err := remote.ReadStateFile(config.Config.DaemonStateFile); err == nil {
			return remote.NewDaemonTransport(config.Config.DaemonStateFile)
		}
		return remote.NewDirectTransport()
	}
}
