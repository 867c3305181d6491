package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/keep"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-time setup",
	Long: `Walk through setting up a new vault: create the key pair, store a
first secret, optionally delegate key custody to an authenticator and
install the agent guidance file. Every step can be skipped and done later
with the individual commands.`,
	RunE: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !isInteractive() {
		return auditCmdComplete(cmd, fmt.Errorf("setup is interactive; run it from a terminal"), started)
	}

	fmt.Println("keep setup")
	fmt.Println("==========")
	fmt.Printf("Vault location: %s\n\n", vaultPath)

	status, err := manager.Status()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	// Step 1: key pair
	if status.CustodyState == keep.NoKey {
		fmt.Println("Step 1: key pair")
		var passphrase []byte
		if confirm("Protect the private key with a passphrase?") {
			passphrase, err = promptHiddenConfirm("Passphrase (min 8 characters)")
			if err != nil {
				return auditCmdComplete(cmd, err, started)
			}
		}

		s := newProgressSpinner("generating key pair...")
		s.Start()
		err = manager.InitKeys(passphrase, 0)
		s.Stop()
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		color.Green("Key pair created.")
	} else {
		fmt.Println("Step 1: key pair already exists, skipping.")
	}
	fmt.Println()

	// Step 2: first secret
	count, err := manager.ListSecrets()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if len(count) == 0 && confirm("Store a first secret now?") {
		fmt.Fprint(os.Stderr, "Secret name (letters, digits, '_' and '-'): ")
		var name string
		if _, err = fmt.Scanln(&name); err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to read name: %w", err), started)
		}

		value, err := promptHiddenConfirm("Secret value")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}

		if err = manager.AddSecret(name, value, false); err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		color.Green("Secret '%s' stored.", name)
	}
	fmt.Println()

	// Step 3: custodian
	status, err = manager.Status()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if !status.CustodianEnabled && (status.Custodians.Biometric || status.Custodians.FIDO2) {
		kind := keep.CustodianBiometric
		label := "biometric keystore"
		if !status.Custodians.Biometric {
			kind = keep.CustodianFIDO2
			label = "FIDO2 authenticator"
		}

		fmt.Printf("Step 3: a %s is available.\n", label)
		if confirm("Delegate private-key custody to it?") {
			passphrase, err := unlockPassphrase()
			if err != nil {
				return auditCmdComplete(cmd, err, started)
			}
			fmt.Fprintln(os.Stderr, "Follow the authenticator prompt...")
			if err = manager.EnableCustodian(kind, passphrase); err != nil {
				return auditCmdComplete(cmd, err, started)
			}
			color.Green("Custody delegated.")
		}
	} else {
		fmt.Println("Step 3: no authenticator available, skipping custody delegation.")
	}
	fmt.Println()

	// Step 4: agent guidance file
	if confirm("Install agent guidance (AGENTS.md) in the current directory?") {
		result, err := manager.SetupAgentIntegration("")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Printf("Guidance file: %s (%s)\n", result.Path, result.Action)
	}
	fmt.Println()

	// Summary
	status, err = manager.Status()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	color.Green("Setup complete.")
	fmt.Printf("Custody: %s\n", describeCustody(status.CustodyState))
	fmt.Printf("Secrets: %d\n", status.SecretCount)
	fmt.Println("\nNext: 'keep add NAME' to store secrets, 'keep get NAME' to read them.")

	return auditCmdComplete(cmd, nil, started)
}
