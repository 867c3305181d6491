package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/keep"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display custody state, key parameters, secret count and the storage and platform capabilities in effect.",
	RunE:  runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	status, err := manager.Status()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read status: %w", err), started)
	}

	if statusJSON {
		return auditCmdComplete(cmd, printJSON(status), started)
	}

	fmt.Println("Vault Status")
	fmt.Println("============")

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Path:\t%s\n", vaultPath)
	fmt.Fprintf(w, "Store:\t%s\n", status.StoreType)
	fmt.Fprintf(w, "Custody:\t%s\n", describeCustody(status.CustodyState))
	if status.CustodyState != keep.NoKey {
		fmt.Fprintf(w, "Key size:\t%d bits\n", status.KeyBits)
		fmt.Fprintf(w, "Fingerprint:\t%s\n", status.KeyFingerprint)
		if !status.CreatedAt.IsZero() {
			fmt.Fprintf(w, "Created:\t%s\n", status.CreatedAt.Format(time.RFC3339))
		}
		if status.LastRotatedAt != nil {
			fmt.Fprintf(w, "Last rotated:\t%s\n", status.LastRotatedAt.Format(time.RFC3339))
		}
	}
	if status.CustodianEnabled {
		fmt.Fprintf(w, "Custodian:\t%s\n", status.CustodianKind)
	}
	fmt.Fprintf(w, "Secrets:\t%d\n", status.SecretCount)
	fmt.Fprintf(w, "Memory protection:\t%s\n", status.MemoryProtection)
	fmt.Fprintf(w, "Agent integration:\t%v\n", status.AgentIntegration)
	w.Flush()

	if status.PermissionsEnforced {
		printPermissionReport()
	} else {
		color.Yellow("File permissions are advisory on this storage backend.")
	}

	switch status.CustodyState {
	case keep.NoKey:
		color.Yellow("\nNo key pair yet. Run 'keep init' to create one.")
	case keep.PlaintextFile:
		color.Yellow("\nThe private key is unprotected on disk. Consider 'keep custodian enable'.")
	}

	return auditCmdComplete(cmd, nil, started)
}

// printPermissionReport shows the per-artifact permission posture when the
// vault sits on a filesystem store that can enforce modes.
func printPermissionReport() {
	report, err := manager.PermissionReport()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not inspect permissions: %v\n", err)
		return
	}
	if len(report) == 0 {
		return
	}

	fmt.Println("\nPermissions:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, entry := range report {
		state := color.GreenString("ok")
		if !entry.Secure {
			state = color.RedString("too open")
		}
		fmt.Fprintf(w, "  %s\t%04o\t%s\n", entry.Name, entry.Mode, state)
	}
	w.Flush()
}
