package keep

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"os/exec"
	"southwinds.dev/keep/internal/crypto"
	"southwinds.dev/keep/internal/misc"
	"strings"
	"time"
)

const (
	fido2CredTool   = "fido2-cred"
	fido2AssertTool = "fido2-assert"
	fido2TokenTool  = "fido2-token"

	fido2RelyingParty = "keep.local"
	fido2UserName     = "keep"

	// ceremonyTimeout bounds a single authenticator interaction. The
	// token blinks and waits for a touch; past this the ceremony is
	// reported as timed out rather than hanging the caller forever.
	ceremonyTimeout = 30 * time.Second

	fido2HMACSaltSize = 32
)

// fido2Handle is the serialized wrap state. Everything needed to recover
// the key sits here; the authenticator itself stores nothing, because the
// credential is non-resident and its id encodes the authenticator-side
// seed.
type fido2Handle struct {
	Version      int    `json:"version"`
	CredentialID string `json:"credential_id"`
	HMACSalt     string `json:"hmac_salt"`
	KDFSalt      string `json:"kdf_salt"`
	SealedKey    string `json:"sealed_key"`
}

// FIDO2Custodian wraps the private key under a hardware authenticator
// using the hmac-secret extension.
//
// Ceremony shape: a credential is made once per Wrap, then an assertion
// against that credential with a fixed salt yields a stable per-credential
// HMAC secret. The secret is stretched with Argon2id into a wrap key that
// seals the private key with ChaCha20-Poly1305. Recovering the key needs
// the same authenticator, the handle, and a user touch; none alone is
// enough.
//
// The binding shells out to the libfido2 command line tools rather than
// linking the C library, so availability is just a PATH probe.
type FIDO2Custodian struct{}

func newFIDO2Custodian() KeyCustodian {
	return &FIDO2Custodian{}
}

func fido2ToolsAvailable() bool {
	if _, err := exec.LookPath(fido2CredTool); err != nil {
		return false
	}
	if _, err := exec.LookPath(fido2AssertTool); err != nil {
		return false
	}
	return true
}

func (f *FIDO2Custodian) Kind() CustodianKind {
	return CustodianFIDO2
}

// IsAvailable reports whether the helper tools and at least one
// authenticator are present. Probed per call so plugging a token in is
// picked up immediately.
func (f *FIDO2Custodian) IsAvailable() bool {
	if !fido2ToolsAvailable() {
		return false
	}
	_, err := f.firstDevice()
	return err == nil
}

// Wrap runs the enrollment ceremony: make a credential, assert against it
// for the HMAC secret, derive the wrap key and seal.
func (f *FIDO2Custodian) Wrap(keyBytes []byte) ([]byte, error) {
	if len(keyBytes) == 0 {
		return nil, ValidationError{Field: "keyBytes", Message: "no key material to wrap"}
	}

	device, err := f.firstDevice()
	if err != nil {
		return nil, CustodianError{Reason: CustodianUnavailable, Err: err}
	}

	credentialID, err := f.makeCredential(device)
	if err != nil {
		return nil, err
	}

	hmacSalt := make([]byte, fido2HMACSaltSize)
	if _, err = rand.Read(hmacSalt); err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: err}
	}

	secret, err := f.hmacSecret(device, credentialID, hmacSalt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(secret)

	// A broken or counterfeit authenticator can answer with a constant or
	// near-constant hmac-secret; refuse to derive a wrap key from one.
	if crypto.IsWeakKey(secret) {
		return nil, CustodianError{Reason: CustodianFailed,
			Err: errors.New("authenticator returned a degenerate hmac secret")}
	}

	kdfSalt := make([]byte, misc.SaltSize)
	if _, err = rand.Read(kdfSalt); err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: err}
	}

	wrapKey, err := crypto.DeriveWrapKey(secret, kdfSalt)
	if err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: err}
	}
	defer wrapKey.Destroy()

	sealed, err := crypto.SealValue(keyBytes, wrapKey.Bytes())
	if err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: err}
	}

	handle := fido2Handle{
		Version:      misc.WrapFormatVersion,
		CredentialID: base64.StdEncoding.EncodeToString(credentialID),
		HMACSalt:     base64.StdEncoding.EncodeToString(hmacSalt),
		KDFSalt:      base64.StdEncoding.EncodeToString(kdfSalt),
		SealedKey:    base64.StdEncoding.EncodeToString(sealed),
	}
	data, err := json.Marshal(handle)
	if err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: err}
	}
	return data, nil
}

// Unwrap re-runs the assertion ceremony with the handle's salts and opens
// the sealed key.
func (f *FIDO2Custodian) Unwrap(handleBytes []byte) ([]byte, error) {
	handle, err := parseFIDO2Handle(handleBytes)
	if err != nil {
		return nil, err
	}

	credentialID, err := base64.StdEncoding.DecodeString(handle.CredentialID)
	if err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: fmt.Errorf("corrupt credential id: %w", err)}
	}
	hmacSalt, err := base64.StdEncoding.DecodeString(handle.HMACSalt)
	if err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: fmt.Errorf("corrupt hmac salt: %w", err)}
	}
	kdfSalt, err := base64.StdEncoding.DecodeString(handle.KDFSalt)
	if err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: fmt.Errorf("corrupt kdf salt: %w", err)}
	}
	sealed, err := base64.StdEncoding.DecodeString(handle.SealedKey)
	if err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: fmt.Errorf("corrupt sealed key: %w", err)}
	}

	device, err := f.firstDevice()
	if err != nil {
		return nil, CustodianError{Reason: CustodianUnavailable, Err: err}
	}

	secret, err := f.hmacSecret(device, credentialID, hmacSalt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(secret)

	if crypto.IsWeakKey(secret) {
		return nil, CustodianError{Reason: CustodianFailed,
			Err: errors.New("authenticator returned a degenerate hmac secret")}
	}

	wrapKey, err := crypto.DeriveWrapKey(secret, kdfSalt)
	if err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: err}
	}
	defer wrapKey.Destroy()

	keyBytes, err := crypto.OpenValue(sealed, wrapKey.Bytes())
	if err != nil {
		// The ceremony succeeded but produced the wrong wrap key: the
		// authenticator answered with a different secret than at wrap
		// time, so the credential changed underneath us.
		return nil, CustodianError{Reason: CustodianAuthChanged, Err: err}
	}
	return keyBytes, nil
}

// Erase discards custodian-side state for a handle. The credential is
// non-resident, so the authenticator holds nothing to delete; once the
// handle is gone the sealed key is unrecoverable. Idempotent by
// construction.
func (f *FIDO2Custodian) Erase(handleBytes []byte) error {
	if len(handleBytes) == 0 {
		return nil
	}
	if _, err := parseFIDO2Handle(handleBytes); err != nil {
		// Not ours or already destroyed; nothing to erase.
		return nil
	}
	memguard.WipeBytes(handleBytes)
	return nil
}

func parseFIDO2Handle(handleBytes []byte) (*fido2Handle, error) {
	var handle fido2Handle
	if err := json.Unmarshal(handleBytes, &handle); err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: fmt.Errorf("malformed wrap handle: %w", err)}
	}
	if handle.Version != misc.WrapFormatVersion {
		return nil, CustodianError{Reason: CustodianFailed,
			Err: fmt.Errorf("unsupported wrap handle version %d", handle.Version)}
	}
	if handle.CredentialID == "" || handle.SealedKey == "" {
		return nil, CustodianError{Reason: CustodianFailed, Err: errors.New("incomplete wrap handle")}
	}
	return &handle, nil
}

// firstDevice returns the device path of the first attached authenticator.
// fido2-token -L prints one device per line as "<path>: <description>".
func (f *FIDO2Custodian) firstDevice() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, fido2TokenTool, "-L").Output()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate authenticators: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.Index(line, ":"); idx > 0 {
			return line[:idx], nil
		}
	}
	return "", errors.New("no FIDO2 authenticator attached")
}

// makeCredential enrolls a fresh credential with the hmac-secret extension
// and returns its credential id.
//
// fido2-cred -M reads four request lines (client data hash, relying party
// id, user name, user id) and prints the attestation; the credential id is
// the fifth output line.
func (f *FIDO2Custodian) makeCredential(device string) ([]byte, error) {
	clientData := make([]byte, 32)
	if _, err := rand.Read(clientData); err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: err}
	}
	userID := make([]byte, 16)
	if _, err := rand.Read(userID); err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: err}
	}

	request := strings.Join([]string{
		base64.StdEncoding.EncodeToString(clientData),
		fido2RelyingParty,
		fido2UserName,
		base64.StdEncoding.EncodeToString(userID),
	}, "\n") + "\n"

	lines, err := f.runCeremony(fido2CredTool, []string{"-M", "-h", device}, request)
	if err != nil {
		return nil, err
	}
	if len(lines) < 5 {
		return nil, CustodianError{Reason: CustodianFailed,
			Err: fmt.Errorf("unexpected fido2-cred output, got %d lines", len(lines))}
	}
	credentialID, err := base64.StdEncoding.DecodeString(lines[4])
	if err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: fmt.Errorf("bad credential id: %w", err)}
	}
	return credentialID, nil
}

// hmacSecret runs an assertion ceremony and returns the per-credential
// HMAC secret for the given salt. The secret is stable for a fixed
// credential and salt, which is what makes key recovery possible.
//
// fido2-assert -G reads four request lines (client data hash, relying
// party id, credential id, hmac salt) and prints the assertion; with -h
// the hmac secret is the last output line.
func (f *FIDO2Custodian) hmacSecret(device string, credentialID, hmacSalt []byte) ([]byte, error) {
	clientData := make([]byte, 32)
	if _, err := rand.Read(clientData); err != nil {
		return nil, CustodianError{Reason: CustodianFailed, Err: err}
	}

	request := strings.Join([]string{
		base64.StdEncoding.EncodeToString(clientData),
		fido2RelyingParty,
		base64.StdEncoding.EncodeToString(credentialID),
		base64.StdEncoding.EncodeToString(hmacSalt),
	}, "\n") + "\n"

	lines, err := f.runCeremony(fido2AssertTool, []string{"-G", "-h", device}, request)
	if err != nil {
		return nil, err
	}
	if len(lines) < 4 {
		return nil, CustodianError{Reason: CustodianFailed,
			Err: fmt.Errorf("unexpected fido2-assert output, got %d lines", len(lines))}
	}
	secret, err := base64.StdEncoding.DecodeString(lines[len(lines)-1])
	if err != nil || len(secret) == 0 {
		return nil, CustodianError{Reason: CustodianFailed, Err: errors.New("authenticator returned no hmac secret")}
	}
	return secret, nil
}

// runCeremony executes a helper under the ceremony deadline, feeding the
// request over stdin and splitting stdout into lines.
func (f *FIDO2Custodian) runCeremony(tool string, args []string, request string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ceremonyTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stdin = strings.NewReader(request)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, CustodianError{Reason: CustodianTimeout,
			Err: fmt.Errorf("%s did not complete within %s", tool, ceremonyTimeout)}
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if isCeremonyCancel(detail) {
			return nil, CustodianError{Reason: CustodianCancelled, Err: errors.New(detail)}
		}
		if detail == "" {
			detail = err.Error()
		}
		return nil, CustodianError{Reason: CustodianFailed, Err: fmt.Errorf("%s: %s", tool, detail)}
	}

	var lines []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// isCeremonyCancel matches the libfido2 error strings for an explicit user
// rejection, as opposed to a hardware or protocol failure.
func isCeremonyCancel(stderr string) bool {
	lowered := strings.ToLower(stderr)
	return strings.Contains(lowered, "operation denied") ||
		strings.Contains(lowered, "keepalive cancel") ||
		strings.Contains(lowered, "cancelled by user") ||
		strings.Contains(lowered, "ctap2_err_operation_denied")
}
