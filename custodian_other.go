//go:build !darwin

package keep

import (
	"errors"
)

// Biometric custody is bound to the macOS Keychain; everywhere else the
// capability probe answers false and the factory falls back to FIDO2.

func biometricAvailable() bool {
	return false
}

func newBiometricCustodian() KeyCustodian {
	return unavailableBiometric{}
}

type unavailableBiometric struct{}

func (unavailableBiometric) Kind() CustodianKind {
	return CustodianBiometric
}

func (unavailableBiometric) IsAvailable() bool {
	return false
}

func (unavailableBiometric) Wrap([]byte) ([]byte, error) {
	return nil, CustodianError{Reason: CustodianUnavailable,
		Err: errors.New("biometric custody requires macOS")}
}

func (unavailableBiometric) Unwrap([]byte) ([]byte, error) {
	return nil, CustodianError{Reason: CustodianUnavailable,
		Err: errors.New("biometric custody requires macOS")}
}

func (unavailableBiometric) Erase([]byte) error {
	return nil
}
