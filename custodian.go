package keep

import (
	"fmt"
)

// CustodianKind identifies a key custody backend. The set is closed;
// configuration parsing rejects anything else.
type CustodianKind string

const (
	// CustodianNone means the private key is held locally, either as a
	// plaintext file or under a passphrase. No external authority is
	// involved.
	CustodianNone CustodianKind = "none"

	// CustodianBiometric is the platform biometric keystore. Currently
	// bound to the macOS Keychain; other platforms report unavailable.
	CustodianBiometric CustodianKind = "biometric"

	// CustodianFIDO2 is an external FIDO2 authenticator with the
	// hmac-secret extension, driven through the libfido2 command line
	// helpers.
	CustodianFIDO2 CustodianKind = "fido2"
)

// KeyCustodian is an external authority that protects the vault's private
// key behind an authentication ceremony.
//
// The vault hands the custodian raw key bytes and receives an opaque
// handle; only the same custodian kind can turn the handle back into key
// bytes. Handles are stored by the vault (persist.SaveWrappedKey), never
// by the custodian, so a custodian implementation must pack everything it
// needs for recovery into the handle itself.
//
// Behavioral contract:
//   - Wrap and Unwrap may block on a user-facing ceremony (a touch, a
//     fingerprint, a Keychain prompt). Implementations bound the wait and
//     surface expiry as CustodianError with reason timeout.
//   - All failures are CustodianError. The reason set is closed:
//     cancelled, timeout, failed, unavailable, auth_changed.
//   - Unwrap must report auth_changed when the handle is intact but the
//     authority can no longer produce the wrap key, which happens when
//     enrolled biometrics or the hardware credential changed. The caller
//     treats this as unrecoverable.
//   - Erase is best effort cleanup of custodian-side state and must be
//     idempotent. It never touches the handle's persistence, which the
//     vault owns.
//
// Calls are synchronous. Callers that need cancellation wrap the call at
// their own boundary; no retry happens inside an implementation.
type KeyCustodian interface {
	// Kind reports which backend this custodian is.
	Kind() CustodianKind

	// IsAvailable probes whether the backend can run a ceremony right
	// now. Probing is done per call, not cached, so plugging in an
	// authenticator is picked up without restarting.
	IsAvailable() bool

	// Wrap protects key bytes and returns the opaque handle.
	Wrap(keyBytes []byte) ([]byte, error)

	// Unwrap recovers key bytes from a handle produced by Wrap.
	Unwrap(handle []byte) ([]byte, error)

	// Erase removes custodian-side material for a handle, if any.
	Erase(handle []byte) error
}

// CustodianCapabilities reports which custody backends the running
// platform can offer. Detection is an explicit call the caller makes, not
// package init magic, so tests and embedders stay in control.
type CustodianCapabilities struct {
	// Biometric is true when the platform biometric keystore is usable.
	Biometric bool

	// FIDO2 is true when the libfido2 helper tools are on PATH.
	FIDO2 bool
}

// DetectCustodianCapabilities probes the running platform for usable
// custody backends.
func DetectCustodianCapabilities() CustodianCapabilities {
	return CustodianCapabilities{
		Biometric: biometricAvailable(),
		FIDO2:     fido2ToolsAvailable(),
	}
}

// NewCustodian selects a custody backend.
//
// Selection is explicit and the fallback order is fixed:
//
//	CustodianBiometric -> platform biometric keystore
//	                   -> FIDO2 authenticator when biometrics are absent
//	                   -> CustodianError{unavailable}
//	CustodianFIDO2     -> FIDO2 authenticator
//	                   -> CustodianError{unavailable}
//
// When biometric falls back to FIDO2, the returned custodian's Kind() is
// CustodianFIDO2. Callers that persist the custody mode must record the
// effective kind, not the requested one, so a later Unwrap selects the
// backend that actually holds the ceremony.
//
// CustodianNone is not a backend; requesting it is a ValidationError.
func NewCustodian(kind CustodianKind, caps CustodianCapabilities) (KeyCustodian, error) {
	switch kind {
	case CustodianBiometric:
		if caps.Biometric {
			return newBiometricCustodian(), nil
		}
		if caps.FIDO2 {
			return newFIDO2Custodian(), nil
		}
		return nil, CustodianError{Reason: CustodianUnavailable,
			Err: fmt.Errorf("no biometric keystore and no FIDO2 authenticator tools found")}
	case CustodianFIDO2:
		if caps.FIDO2 {
			return newFIDO2Custodian(), nil
		}
		return nil, CustodianError{Reason: CustodianUnavailable,
			Err: fmt.Errorf("fido2-cred and fido2-assert not found on PATH")}
	case CustodianNone:
		return nil, ValidationError{Field: "kind", Message: "no custodian kind requested"}
	default:
		return nil, ValidationError{Field: "kind", Message: fmt.Sprintf("unknown custodian kind %q", kind)}
	}
}

// ParseCustodianKind validates a custody kind read from configuration.
func ParseCustodianKind(s string) (CustodianKind, error) {
	switch CustodianKind(s) {
	case CustodianNone, CustodianBiometric, CustodianFIDO2:
		return CustodianKind(s), nil
	}
	return "", ValidationError{Field: "custodian", Message: fmt.Sprintf("unknown custodian kind %q", s)}
}
