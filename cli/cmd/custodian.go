package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/keep"
)

var custodianCmd = &cobra.Command{
	Use:   "custodian",
	Short: "Delegate private-key custody to an external authenticator",
	Long: `Move the private key behind a platform authenticator (biometric
keystore or FIDO2 security key). While custody is delegated no local key
file exists; reading a secret runs an authentication ceremony.`,
}

var custodianEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Wrap the private key with an authenticator",
	Long: `Load the current private key, hand it to the selected authenticator
for wrapping, and securely erase the local key file. Requesting biometric
custody falls back to a FIDO2 authenticator when the platform has no
biometric keystore.`,
	RunE: runCustodianEnable,
}

var custodianDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Recover the private key from the authenticator",
	Long: `Run the unwrap ceremony, write the recovered key back to a plaintext
key file and erase the authenticator-side material. Re-protecting the file
with a passphrase is a separate, explicit step.`,
	RunE: runCustodianDisable,
}

var custodianStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show custody state and available authenticators",
	RunE:  runCustodianStatus,
}

var custodianKind string

func init() {
	rootCmd.AddCommand(custodianCmd)
	custodianCmd.AddCommand(custodianEnableCmd)
	custodianCmd.AddCommand(custodianDisableCmd)
	custodianCmd.AddCommand(custodianStatusCmd)

	custodianEnableCmd.Flags().StringVar(&custodianKind, "kind", "biometric", "authenticator kind (biometric, fido2)")
}

func runCustodianEnable(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	kind, err := keep.ParseCustodianKind(custodianKind)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	passphrase, err := unlockPassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Fprintln(os.Stderr, "Follow the authenticator prompt (touch, fingerprint or PIN)...")
	if err = manager.EnableCustodian(kind, passphrase); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to enable custodian: %w", err), started)
	}

	status, err := manager.Status()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	color.Green("Private key custody delegated")
	fmt.Printf("Custodian: %s\n", status.CustodianKind)
	fmt.Println("The local key file has been securely erased.")

	return auditCmdComplete(cmd, nil, started)
}

func runCustodianDisable(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	fmt.Fprintln(os.Stderr, "Follow the authenticator prompt to release the key...")
	if err := manager.DisableCustodian(); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to disable custodian: %w", err), started)
	}

	color.Yellow("Private key written back to a plaintext file")
	fmt.Println("Re-protect it with a passphrase or re-enable a custodian when done.")

	return auditCmdComplete(cmd, nil, started)
}

func runCustodianStatus(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	status, err := manager.Status()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Custody:   %s\n", describeCustody(status.CustodyState))
	if status.CustodianEnabled {
		fmt.Printf("Custodian: %s\n", status.CustodianKind)
	}
	fmt.Printf("Available: biometric=%v fido2=%v\n",
		status.Custodians.Biometric, status.Custodians.FIDO2)

	return auditCmdComplete(cmd, nil, started)
}
