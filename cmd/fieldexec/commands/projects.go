package commands

import (
	"fmt"
	"strings"

	"fieldexec/internal/projects"

	"github.com/spf13/cobra"
)

var ProjectsSSHKeyPassEmpty = false
var projectPath = ""
var projectName = ""

var ProjectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage the shared project list",
	Long: `Manage the shared project list stored in the base directory of the local
machine or a remote host. When no SSH URL is given, commands operate on the
local copy.`,
}

var ListProjectsCmd = &cobra.Command{
	Use:   "list [username@hostname[:port]]",
	Short: "List shared projects",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target, err := resolveTargetRef(cmd, args)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		records, err := projectsStore.Load(cmd.Context(), target)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		if len(records) == 0 {
			cmd.Printf("No projects on %s\n", target.Key())
			return
		}

		for _, record := range records {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", record.ID, record.Name, record.Path)
		}
	},
}

var AddProjectCmd = &cobra.Command{
	Use:   "add [username@hostname[:port]]",
	Short: "Add a project to the shared list",
	Long: `Add a project to the shared list. The newest record wins a path collision
and survives the size cap, so re-adding an existing path refreshes it.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if strings.TrimSpace(projectPath) == "" || strings.TrimSpace(projectName) == "" {
			cmd.PrintErrf("❌ Error: --path and --name are required\n")
			return
		}

		target, err := resolveTargetRef(cmd, args)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		records, err := projectsStore.Load(cmd.Context(), target)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		// Prepended so the new record wins dedup and the cap.
		updated := append([]projects.Project{projects.NewProject(projectPath, projectName)}, records...)

		if err := projectsStore.Save(cmd.Context(), target, updated); err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		cmd.Printf("✅ Added %s to %s\n", projectPath, target.Key())
	},
}

var RemoveProjectCmd = &cobra.Command{
	Use:   "remove [username@hostname[:port]]",
	Short: "Remove a project from the shared list",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if strings.TrimSpace(projectPath) == "" {
			cmd.PrintErrf("❌ Error: --path is required\n")
			return
		}

		target, err := resolveTargetRef(cmd, args)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		records, err := projectsStore.Load(cmd.Context(), target)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		kept := make([]projects.Project, 0, len(records))
		for _, record := range records {
			if strings.EqualFold(strings.TrimSpace(record.Path), strings.TrimSpace(projectPath)) {
				continue
			}
			kept = append(kept, record)
		}

		if len(kept) == len(records) {
			cmd.PrintErrf("❌ Error: no project with path %s on %s\n", projectPath, target.Key())
			return
		}

		if err := projectsStore.Save(cmd.Context(), target, kept); err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		cmd.Printf("✅ Removed %s from %s\n", projectPath, target.Key())
	},
}

// resolveTargetRef maps the optional positional SSH URL onto a synchronizer
// target: absent means the local machine.
func resolveTargetRef(cmd *cobra.Command, args []string) (projects.TargetRef, error) {
	if len(args) == 0 {
		return projects.LocalTarget(), nil
	}

	target, err := buildTarget(cmd, args[0], false, ProjectsSSHKeyPassEmpty)
	if err != nil {
		return projects.TargetRef{}, err
	}
	return projects.RemoteTarget(*target), nil
}

func init() {
	ProjectsCmd.AddCommand(ListProjectsCmd)
	ProjectsCmd.AddCommand(AddProjectCmd)
	ProjectsCmd.AddCommand(RemoveProjectCmd)

	for _, subCmd := range []*cobra.Command{ListProjectsCmd, AddProjectCmd, RemoveProjectCmd} {
		subCmd.Flags().String("ssh-key-path", "", "Path to SSH private key file (for passwordless authentication)")
		subCmd.Flags().BoolVar(&ProjectsSSHKeyPassEmpty, "ssh-key-pass-empty", false, "Skip SSH key passphrase prompt (for passwordless SSH keys)")
	}

	AddProjectCmd.Flags().StringVar(&projectPath, "path", "", "Project path (unique case-insensitively within the list)")
	AddProjectCmd.Flags().StringVar(&projectName, "name", "", "Project display name")

	RemoveProjectCmd.Flags().StringVar(&projectPath, "path", "", "Project path to remove")
}
