//go:build darwin

package keep

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"southwinds.dev/keep/internal/misc"
	"strings"
)

const (
	keychainTool    = "security"
	keychainService = "dev.southwinds.keep.private-key"
	keychainAccount = "default"
)

// keychainHandle records where the key landed. The service and account are
// fixed today but live in the handle so the layout can change without
// stranding old wraps.
type keychainHandle struct {
	Version int    `json:"version"`
	Service string `json:"service"`
	Account string `json:"account"`
}

// BiometricCustodian keeps the private key as a macOS Keychain generic
// password. The item is stored with an empty trusted-application list, so
// every retrieval requires the user to approve the access. The Keychain
// owns the ceremony itself: whether that approval demands Touch ID, the
// login password, or a plain Allow click is decided by the user's Keychain
// policy, not by this binding. The binding drives the system security tool,
// so nothing here links against platform frameworks.
type BiometricCustodian struct{}

func newBiometricCustodian() KeyCustodian {
	return &BiometricCustodian{}
}

func biometricAvailable() bool {
	_, err := exec.LookPath(keychainTool)
	return err == nil
}

func (b *BiometricCustodian) Kind() CustodianKind {
	return CustodianBiometric
}

func (b *BiometricCustodian) IsAvailable() bool {
	return biometricAvailable()
}

// Wrap stores the key bytes in the Keychain, replacing any previous item
// under the same service and account.
func (b *BiometricCustodian) Wrap(keyBytes []byte) ([]byte, error) {
	if len(keyBytes) == 0 {
		return nil, ValidationError{Field: "keyBytes", Message: "no key material to wrap"}
	}

	encoded := base64.StdEncoding.EncodeToString(keyBytes)

	// The command line, key material included, travels to the tool on
	// stdin in interactive mode. Passing the key on argv would leave it
	// readable in the process table for the life of the ceremony.
	_, err := b.runSecurityScript("add-generic-password",
		addGenericPasswordCommand(keychainService, keychainAccount, encoded))
	if err != nil {
		return nil, err
	}

	handle := keychainHandle{
		Version: misc.WrapFormatVersion,
		Service: keychainService,
		Account: keychainAccount,
	}
	data, err := json.Marshal(handle)
	if err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: err}
	}
	return data, nil
}

// Unwrap retrieves the key bytes; the Keychain prompts the user before the
// item is released.
func (b *BiometricCustodian) Unwrap(handleBytes []byte) ([]byte, error) {
	handle, err := parseKeychainHandle(handleBytes)
	if err != nil {
		return nil, err
	}

	out, err := b.runSecurity("find-generic-password",
		"-s", handle.Service,
		"-a", handle.Account,
		"-w")
	if err != nil {
		var custodianErr CustodianError
		if errors.As(err, &custodianErr) && custodianErr.Reason == CustodianFailed &&
			custodianErr.Err != nil && strings.Contains(custodianErr.Err.Error(), "could not be found") {
			// The handle survived but the Keychain item is gone; the
			// vault cannot recover the key through this custodian.
			return nil, CustodianError{Reason: CustodianAuthChanged, Err: custodianErr.Err}
		}
		return nil, err
	}

	keyBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
	if err != nil {
		return nil, CustodianError{Reason: CustodianAuthChanged,
			Err: fmt.Errorf("keychain item is not key material: %w", err)}
	}
	return keyBytes, nil
}

// Erase deletes the Keychain item. A missing item is success.
func (b *BiometricCustodian) Erase(handleBytes []byte) error {
	handle, err := parseKeychainHandle(handleBytes)
	if err != nil {
		return nil
	}

	_, err = b.runSecurity("delete-generic-password",
		"-s", handle.Service,
		"-a", handle.Account)
	if err != nil {
		var custodianErr CustodianError
		if errors.As(err, &custodianErr) && custodianErr.Err != nil &&
			strings.Contains(custodianErr.Err.Error(), "could not be found") {
			return nil
		}
		return err
	}
	return nil
}

// addGenericPasswordCommand renders the line fed to `security -i`. -U
// replaces an existing item in place. -T with an empty argument leaves the
// item's trusted-application list empty, so no binary, the security tool
// included, can read the item back without the user approving the access.
func addGenericPasswordCommand(service, account, password string) string {
	return fmt.Sprintf("add-generic-password -s %q -a %q -U -T %q -w %q",
		service, account, "", password)
}

func parseKeychainHandle(handleBytes []byte) (*keychainHandle, error) {
	var handle keychainHandle
	if err := json.Unmarshal(handleBytes, &handle); err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: fmt.Errorf("malformed wrap handle: %w", err)}
	}
	if handle.Version != misc.WrapFormatVersion {
		return nil, CustodianError{Reason: CustodianFailed,
			Err: fmt.Errorf("unsupported wrap handle version %d", handle.Version)}
	}
	if handle.Service == "" || handle.Account == "" {
		return nil, CustodianError{Reason: CustodianFailed, Err: errors.New("incomplete wrap handle")}
	}
	return &handle, nil
}

func (b *BiometricCustodian) runSecurity(args ...string) (string, error) {
	return b.execSecurity(args[0], nil, args...)
}

// runSecurityScript drives `security -i`, feeding a single command line
// over stdin. op names the command for error reporting.
func (b *BiometricCustodian) runSecurityScript(op, line string) (string, error) {
	return b.execSecurity(op, strings.NewReader(line+"\n"), "-i")
}

func (b *BiometricCustodian) execSecurity(op string, stdin io.Reader, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ceremonyTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, keychainTool, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", CustodianError{Reason: CustodianTimeout,
			Err: fmt.Errorf("keychain prompt did not complete within %s", ceremonyTimeout)}
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		lowered := strings.ToLower(detail)
		// security exits with "user canceled" when the unlock prompt is
		// dismissed and "user interaction is not allowed" in headless
		// sessions.
		if strings.Contains(lowered, "user canceled") || strings.Contains(lowered, "user cancelled") {
			return "", CustodianError{Reason: CustodianCancelled, Err: errors.New(detail)}
		}
		if strings.Contains(lowered, "user interaction is not allowed") {
			return "", CustodianError{Reason: CustodianUnavailable, Err: errors.New(detail)}
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", CustodianError{Reason: CustodianFailed, Err: fmt.Errorf("security %s: %s", op, detail)}
	}
	return stdout.String(), nil
}
