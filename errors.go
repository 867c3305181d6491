package keep

import (
	"errors"
	"fmt"
)

// decryptFailedMsg is the only message a failed decryption ever produces.
// Wrong key, tampered ciphertext and malformed records are deliberately
// indistinguishable to callers.
const decryptFailedMsg = "decryption failed: invalid key or corrupted data"

// ValidationError reports input rejected before any state was touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e ValidationError) IsValidationError() bool {
	return true
}

// NotFoundError reports a lookup for a name the store does not hold.
type NotFoundError struct {
	Resource string
	Name     string
}

func (e NotFoundError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Name)
}

func (e NotFoundError) IsNotFoundError() bool {
	return true
}

// CryptoError reports a cryptographic operation that could not complete.
type CryptoError struct {
	Message string
	Err     error
}

func (e CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e CryptoError) Unwrap() error {
	return e.Err
}

// errDecryptFailed builds the uniform decryption failure. The underlying
// cause is dropped, not wrapped, so it cannot leak through errors.Is/As.
func errDecryptFailed() error {
	return CryptoError{Message: decryptFailedMsg}
}

// StorageError reports a persistence failure underneath an operation.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage %s failed for %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error {
	return e.Err
}

// CustodianFailure classifies why a custodian ceremony produced no key
// material. The set is closed; callers switch over it exhaustively.
type CustodianFailure string

const (
	CustodianCancelled   CustodianFailure = "cancelled"
	CustodianTimeout     CustodianFailure = "timeout"
	CustodianFailed      CustodianFailure = "failed"
	CustodianUnavailable CustodianFailure = "unavailable"
	CustodianAuthChanged CustodianFailure = "auth_changed"
)

// CustodianError reports a failed wrap, unwrap or erase ceremony.
type CustodianError struct {
	Reason CustodianFailure
	Err    error
}

func (e CustodianError) Error() string {
	var msg string
	switch e.Reason {
	case CustodianCancelled:
		msg = "authentication cancelled by user"
	case CustodianTimeout:
		msg = "authentication timed out"
	case CustodianUnavailable:
		msg = "key custodian unavailable"
	case CustodianAuthChanged:
		msg = "authentication may have changed, custodian cannot recover the key"
	default:
		msg = "custodian operation failed"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e CustodianError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

// IsNotFoundError reports whether err is, or wraps, a NotFoundError.
func IsNotFoundError(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// IsCryptoError reports whether err is, or wraps, a CryptoError.
func IsCryptoError(err error) bool {
	var target CryptoError
	return errors.As(err, &target)
}

// IsStorageError reports whether err is, or wraps, a StorageError.
func IsStorageError(err error) bool {
	var target StorageError
	return errors.As(err, &target)
}

// AsCustodianError extracts a CustodianError from err when one is present.
func AsCustodianError(err error) (CustodianError, bool) {
	var target CustodianError
	ok := errors.As(err, &target)
	return target, ok
}
