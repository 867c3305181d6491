package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/keep"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the vault's key pair",
	Long: `Generate the vault's RSA key pair. The public key is stored unprotected
so secrets can be added without unlocking anything; the private key is
stored as a plaintext file, or sealed under a passphrase when
--passphrase-protect is given. A vault that already has a key pair is
rejected; rotate or destroy it first.`,
	RunE: runInit,
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the key pair and re-encrypt every secret",
	Long: `Generate a fresh key pair and re-encrypt every stored secret under it.
The outgoing key pair is copied to a timestamped backup inside the vault
before anything is replaced. If any secret fails to decrypt under the
current key the rotation aborts with nothing modified.`,
	RunE: runRotate,
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Securely erase the private key",
	Long: `Securely erase all private key material: the key file is overwritten
with random bytes before removal, and a custodian-held copy is erased.
Stored secrets are left in place but become unrecoverable without a key
backup. This cannot be undone.`,
	RunE: runDestroy,
}

var (
	initPassphraseProtect bool
	initKeyBits           int
	rotateReason          string
	rotateYes             bool
	destroyYes            bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(destroyCmd)

	initCmd.Flags().BoolVar(&initPassphraseProtect, "passphrase-protect", false, "seal the private key under a passphrase (prompted, min 8 characters)")
	initCmd.Flags().IntVar(&initKeyBits, "bits", 0, "RSA modulus size (default 2048)")

	rotateCmd.Flags().StringVar(&rotateReason, "reason", "manual", "reason recorded with the rotation backup")
	rotateCmd.Flags().BoolVarP(&rotateYes, "yes", "y", false, "skip the confirmation prompt")

	destroyCmd.Flags().BoolVarP(&destroyYes, "yes", "y", false, "skip the confirmation prompt")
}

func runInit(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	var passphrase []byte
	if initPassphraseProtect {
		if !isInteractive() {
			return auditCmdComplete(cmd,
				fmt.Errorf("--passphrase-protect needs a terminal to prompt on"), started)
		}
		var err error
		passphrase, err = promptHiddenConfirm("Passphrase (min 8 characters)")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
	}

	s := newProgressSpinner("generating key pair...")
	s.Start()
	err := manager.InitKeys(passphrase, initKeyBits)
	s.Stop()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	status, err := manager.Status()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	color.Green("Vault initialized")
	fmt.Printf("Key size:    %d bits\n", status.KeyBits)
	fmt.Printf("Fingerprint: %s\n", status.KeyFingerprint)
	fmt.Printf("Custody:     %s\n", describeCustody(status.CustodyState))
	if status.CustodyState == keep.PlaintextFile {
		fmt.Println("\nConsider 'keep custodian enable' or re-initializing with --passphrase-protect.")
	}

	return auditCmdComplete(cmd, nil, started)
}

func runRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !rotateYes {
		if !confirm("Rotate the key pair and re-encrypt every secret?") {
			fmt.Println("Rotation cancelled.")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	passphrase, err := unlockPassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	s := newProgressSpinner("rotating keys...")
	s.Start()
	result, err := manager.RotateKeys(rotateReason, passphrase)
	s.Stop()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("rotation failed: %w", err), started)
	}

	color.Green("Rotation complete")
	fmt.Printf("Secrets re-encrypted: %d\n", result.SecretCount)
	fmt.Printf("New fingerprint:      %s\n", result.NewFingerprint)
	fmt.Printf("Old fingerprint:      %s\n", result.OldFingerprint)
	fmt.Printf("Key backup:           %s\n", result.BackupLocation)
	fmt.Printf("Rotated at:           %s\n", result.RotatedAt.Format(time.RFC3339))
	if result.Rewrapped {
		fmt.Println("Custody:              re-wrapped by the custodian")
	}
	fmt.Println("\nKeep the backup until you have verified the rotated vault.")

	return auditCmdComplete(cmd, nil, started)
}

func runDestroy(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !destroyYes {
		color.Red("WARNING: this erases the private key. Stored secrets become unrecoverable without a key backup.")
		if !confirm("Destroy the key pair?") {
			fmt.Println("Destroy cancelled.")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	if err := manager.DestroyKeys(); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to destroy keys: %w", err), started)
	}

	fmt.Println("Key material erased.")
	return auditCmdComplete(cmd, nil, started)
}
