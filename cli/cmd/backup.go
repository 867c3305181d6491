package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/keep"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Archive and restore the whole vault",
	Long: `Create a portable tar.gz archive of the vault's artifacts (secrets,
configuration, key pair in its persisted protection state) or restore one.
The archive carries a manifest with per-entry checksums; restore verifies
everything before the first write.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create [archive-file]",
	Short: "Create a vault archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupCreate,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [archive-file]",
	Short: "Restore a vault archive",
	Long: `Validate and restore an archive. Entry names are checked against path
traversal and checksums against the manifest before anything is written;
a vault that already holds data is only replaced with --overwrite.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackupRestore,
}

var backupInfoCmd = &cobra.Command{
	Use:   "info [archive-file]",
	Short: "Show an archive's manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupInfo,
}

var (
	restoreOverwrite bool
	restoreYes       bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupInfoCmd)

	backupRestoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace existing vault contents")
	backupRestoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "skip the confirmation prompt")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	path := args[0]

	manifest, err := manager.ExportArchive(path)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to create backup: %w", err), started)
	}

	fmt.Printf("Backup written to %s\n", path)
	fmt.Printf("Backup ID: %s\n", manifest.ID)
	fmt.Printf("Entries:   %d\n", len(manifest.Entries))

	return auditCmdComplete(cmd, nil, started)
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	path := args[0]

	manifest, err := keep.ReadArchiveManifest(path)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read archive: %w", err), started)
	}

	fmt.Fprintf(os.Stderr, "Archive %s, created %s, %d entries.\n",
		manifest.ID, manifest.CreatedAt.Format(time.RFC3339), len(manifest.Entries))

	if !restoreYes {
		if !confirm("Restoring replaces the vault's current contents. Continue?") {
			fmt.Println("Restore cancelled.")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	if _, err = manager.ImportArchive(path, restoreOverwrite); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to restore backup: %w", err), started)
	}

	fmt.Println("Vault restored.")
	return auditCmdComplete(cmd, nil, started)
}

func runBackupInfo(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	manifest, err := keep.ReadArchiveManifest(args[0])
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read archive: %w", err), started)
	}

	return auditCmdComplete(cmd, printJSON(manifest), started)
}
