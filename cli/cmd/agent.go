package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"southwinds.dev/keep"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Integrate the vault with AI coding agents",
}

var agentSetupCmd = &cobra.Command{
	Use:   "setup [project-dir]",
	Short: "Install secret-handling guidance into a project's AGENTS.md",
	Long: `Write a guidance block for AI coding agents into the project's
AGENTS.md: never echo secret values, always obtain them by piping
'keep get'. The search walks from the project directory toward the
filesystem root so an existing AGENTS.md higher up is extended instead of
duplicated; an existing file is backed up to AGENTS.md.backup first.
Running it twice is a no-op.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAgentSetup,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentSetupCmd)
}

func runAgentSetup(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	dir := ""
	if len(args) == 1 {
		dir = args[0]
	}

	result, err := manager.SetupAgentIntegration(dir)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to set up agent integration: %w", err), started)
	}

	switch result.Action {
	case keep.AgentFileCreated:
		fmt.Printf("Created %s\n", result.Path)
	case keep.AgentFileUpdated:
		fmt.Printf("Updated %s (previous contents in %s)\n", result.Path, result.BackupPath)
	case keep.AgentFileUnchanged:
		fmt.Printf("%s already carries the guidance block.\n", result.Path)
	}

	return auditCmdComplete(cmd, nil, started)
}
