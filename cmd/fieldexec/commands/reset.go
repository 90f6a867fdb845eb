package commands

import (
	"github.com/spf13/cobra"
)

var ResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset pooled remote connections",
	Long: `Invalidate any pooled SSH connections so the next operation reconnects
from scratch. With the helper daemon backend this also aborts its active
streams; with the direct backend it is a no-op.`,
	Run: func(cmd *cobra.Command, _ []string) {
		executionService.ResetAllConnections(cmd.Context(), "manual reset")
		cmd.Printf("✅ Connections reset\n")
	},
}
