package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/term"
	"southwinds.dev/keep"
)

// envPassphraseVar is the environment variable consulted when an operation
// needs the vault passphrase and none was prompted for. Using the
// environment keeps the passphrase out of process listings and shell
// history.
const envPassphraseVar = "KEEP_PASSPHRASE"

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// promptHidden reads a line from the terminal with echo disabled. The
// prompt goes to stderr so stdout stays clean for piped output.
func promptHidden(label string) ([]byte, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return value, nil
}

// promptHiddenConfirm reads a hidden value twice and rejects mismatches.
func promptHiddenConfirm(label string) ([]byte, error) {
	first, err := promptHidden(label)
	if err != nil {
		return nil, err
	}
	second, err := promptHidden(label + " (confirm)")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(first, second) {
		return nil, fmt.Errorf("entries did not match")
	}
	return first, nil
}

// readSecretValue resolves a secret value per the input contract: never
// from a command argument. Precedence:
//
//	--file PATH   read the file ('-' means stdin)
//	terminal      hidden prompt with confirmation
//	otherwise     read stdin to EOF (pipelines, redirects)
func readSecretValue(file string) ([]byte, error) {
	if file != "" {
		if file == "-" {
			return readStdin()
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		return data, nil
	}

	if isInteractive() {
		return promptHiddenConfirm("Secret value")
	}

	return readStdin()
}

func readStdin() ([]byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	// Trailing newline from `echo value |` is almost never part of the
	// secret; a value that genuinely ends in newline comes via --file.
	return bytes.TrimRight(data, "\r\n"), nil
}

// unlockPassphrase returns the passphrase for operations that load the
// private key. It prompts only when the vault is passphrase protected, the
// environment variable is unset and a terminal is attached; in every other
// case it returns nil and the Manager's environment fallback applies.
func unlockPassphrase() ([]byte, error) {
	status, err := manager.Status()
	if err != nil {
		return nil, err
	}
	if !status.PassphraseProtected || status.CustodianEnabled {
		return nil, nil
	}
	if os.Getenv(envPassphraseVar) != "" {
		return nil, nil
	}
	if !isInteractive() {
		return nil, fmt.Errorf("vault is passphrase protected: set %s or run interactively", envPassphraseVar)
	}
	return promptHidden("Vault passphrase")
}

// confirm asks a yes/no question on the terminal. Anything but "y" or
// "yes" declines.
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s (y/N): ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// newProgressSpinner builds the spinner used around long operations (key
// generation, ceremonies, rotation). It writes to stderr so piped stdout
// stays machine readable.
func newProgressSpinner(message string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	return s
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// describeCustody renders a custody state for humans.
func describeCustody(state keep.CustodyState) string {
	switch state {
	case keep.NoKey:
		return "no key pair"
	case keep.PlaintextFile:
		return "plaintext key file"
	case keep.PassphraseProtectedFile:
		return "passphrase-protected key file"
	case keep.CustodianWrapped:
		return "custodian-wrapped"
	default:
		return string(state)
	}
}
