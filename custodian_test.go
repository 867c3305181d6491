package keep

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/keep/internal/misc"
	"testing"
)

// fakeCustodian drives custody flows in tests without hardware. A set
// fail reason makes every ceremony fail with it; erasing forgets the key
// so later unwraps report auth_changed, the same way a re-enrolled
// authenticator would.
type fakeCustodian struct {
	kind       CustodianKind
	available  bool
	fail       CustodianFailure
	keys       map[string][]byte
	nextHandle int
	unwraps    int
	erased     []string
}

func newFakeCustodian() *fakeCustodian {
	return &fakeCustodian{
		kind:      CustodianFIDO2,
		available: true,
		keys:      map[string][]byte{},
	}
}

func (f *fakeCustodian) Kind() CustodianKind { return f.kind }

func (f *fakeCustodian) IsAvailable() bool { return f.available }

func (f *fakeCustodian) Wrap(keyBytes []byte) ([]byte, error) {
	if f.fail != "" {
		return nil, CustodianError{Reason: f.fail}
	}
	f.nextHandle++
	handle := fmt.Sprintf("fake-handle-%d", f.nextHandle)
	f.keys[handle] = append([]byte(nil), keyBytes...)
	return []byte(handle), nil
}

func (f *fakeCustodian) Unwrap(handle []byte) ([]byte, error) {
	f.unwraps++
	if f.fail != "" {
		return nil, CustodianError{Reason: f.fail}
	}
	key, ok := f.keys[string(handle)]
	if !ok {
		return nil, CustodianError{Reason: CustodianAuthChanged}
	}
	return append([]byte(nil), key...), nil
}

func (f *fakeCustodian) Erase(handle []byte) error {
	delete(f.keys, string(handle))
	f.erased = append(f.erased, string(handle))
	return nil
}

func TestNewCustodianSelection(t *testing.T) {
	tests := []struct {
		name       string
		kind       CustodianKind
		caps       CustodianCapabilities
		wantKind   CustodianKind
		wantReason CustodianFailure
		wantValid  bool
	}{
		{
			name:     "biometric when platform has it",
			kind:     CustodianBiometric,
			caps:     CustodianCapabilities{Biometric: true},
			wantKind: CustodianBiometric,
		},
		{
			name:     "biometric falls back to fido2",
			kind:     CustodianBiometric,
			caps:     CustodianCapabilities{FIDO2: true},
			wantKind: CustodianFIDO2,
		},
		{
			name:       "biometric with nothing available",
			kind:       CustodianBiometric,
			caps:       CustodianCapabilities{},
			wantReason: CustodianUnavailable,
		},
		{
			name:     "fido2 when tools present",
			kind:     CustodianFIDO2,
			caps:     CustodianCapabilities{FIDO2: true},
			wantKind: CustodianFIDO2,
		},
		{
			name:       "fido2 does not fall back to biometric",
			kind:       CustodianFIDO2,
			caps:       CustodianCapabilities{Biometric: true},
			wantReason: CustodianUnavailable,
		},
		{
			name:      "none is not a backend",
			kind:      CustodianNone,
			caps:      CustodianCapabilities{Biometric: true, FIDO2: true},
			wantValid: true,
		},
		{
			name:      "unknown kind",
			kind:      CustodianKind("hardware-token"),
			caps:      CustodianCapabilities{Biometric: true, FIDO2: true},
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			custodian, err := NewCustodian(tt.kind, tt.caps)

			if tt.wantValid {
				assert.True(t, IsValidationError(err), "expected validation error, got %v", err)
				return
			}
			if tt.wantReason != "" {
				custodianErr, ok := AsCustodianError(err)
				require.True(t, ok, "expected custodian error, got %v", err)
				assert.Equal(t, tt.wantReason, custodianErr.Reason)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, custodian.Kind())
		})
	}
}

func TestParseCustodianKind(t *testing.T) {
	for _, s := range []string{"none", "biometric", "fido2"} {
		kind, err := ParseCustodianKind(s)
		require.NoError(t, err)
		assert.Equal(t, CustodianKind(s), kind)
	}

	for _, s := range []string{"", "touchid", "FIDO2", "yubikey"} {
		_, err := ParseCustodianKind(s)
		assert.True(t, IsValidationError(err), "expected %q to be rejected", s)
	}
}

func TestFIDO2HandleParsing(t *testing.T) {
	valid := fido2Handle{
		Version:      misc.WrapFormatVersion,
		CredentialID: base64.StdEncoding.EncodeToString([]byte("credential")),
		HMACSalt:     base64.StdEncoding.EncodeToString(make([]byte, fido2HMACSaltSize)),
		KDFSalt:      base64.StdEncoding.EncodeToString(make([]byte, misc.SaltSize)),
		SealedKey:    base64.StdEncoding.EncodeToString([]byte("sealed")),
	}
	data, err := json.Marshal(valid)
	require.NoError(t, err)

	parsed, err := parseFIDO2Handle(data)
	require.NoError(t, err)
	assert.Equal(t, valid.CredentialID, parsed.CredentialID)
	assert.Equal(t, valid.SealedKey, parsed.SealedKey)

	// Future layout versions are refused instead of misread
	bumped := valid
	bumped.Version = misc.WrapFormatVersion + 1
	data, err = json.Marshal(bumped)
	require.NoError(t, err)
	_, err = parseFIDO2Handle(data)
	custodianErr, ok := AsCustodianError(err)
	require.True(t, ok)
	assert.Equal(t, CustodianFailed, custodianErr.Reason)

	// Incomplete handles are refused
	incomplete := valid
	incomplete.CredentialID = ""
	data, err = json.Marshal(incomplete)
	require.NoError(t, err)
	_, err = parseFIDO2Handle(data)
	_, ok = AsCustodianError(err)
	assert.True(t, ok)

	// Garbage is refused
	_, err = parseFIDO2Handle([]byte("not json"))
	_, ok = AsCustodianError(err)
	assert.True(t, ok)
}

func TestFIDO2EraseIsIdempotent(t *testing.T) {
	custodian := &FIDO2Custodian{}

	// Nothing to erase is success, repeatedly
	assert.NoError(t, custodian.Erase(nil))
	assert.NoError(t, custodian.Erase([]byte("not a handle")))

	handle := fido2Handle{
		Version:      misc.WrapFormatVersion,
		CredentialID: base64.StdEncoding.EncodeToString([]byte("credential")),
		SealedKey:    base64.StdEncoding.EncodeToString([]byte("sealed")),
	}
	data, err := json.Marshal(handle)
	require.NoError(t, err)

	assert.NoError(t, custodian.Erase(data))
	assert.NoError(t, custodian.Erase(data))
}

func TestFakeCustodianRoundTrip(t *testing.T) {
	custodian := newFakeCustodian()
	keyBytes := []byte("private key material")

	handle, err := custodian.Wrap(keyBytes)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	recovered, err := custodian.Unwrap(handle)
	require.NoError(t, err)
	assert.Equal(t, keyBytes, recovered)

	// After erase the custodian can no longer produce the key
	require.NoError(t, custodian.Erase(handle))
	_, err = custodian.Unwrap(handle)
	custodianErr, ok := AsCustodianError(err)
	require.True(t, ok)
	assert.Equal(t, CustodianAuthChanged, custodianErr.Reason)
}

func TestFakeCustodianFailureInjection(t *testing.T) {
	for _, reason := range []CustodianFailure{
		CustodianCancelled, CustodianTimeout, CustodianFailed, CustodianUnavailable,
	} {
		custodian := newFakeCustodian()
		custodian.fail = reason

		_, err := custodian.Wrap([]byte("key"))
		custodianErr, ok := AsCustodianError(err)
		require.True(t, ok)
		assert.Equal(t, reason, custodianErr.Reason)
	}
}

func TestCustodianErrorMessages(t *testing.T) {
	err := CustodianError{Reason: CustodianAuthChanged}
	assert.Equal(t, "authentication may have changed, custodian cannot recover the key", err.Error())

	err = CustodianError{Reason: CustodianCancelled}
	assert.Contains(t, err.Error(), "cancelled by user")

	err = CustodianError{Reason: CustodianTimeout}
	assert.Contains(t, err.Error(), "timed out")
}

func TestIsCeremonyCancel(t *testing.T) {
	cancels := []string{
		"FIDO_ERR_OPERATION_DENIED: operation denied",
		"ctap2_err_operation_denied",
		"assertion cancelled by user",
	}
	for _, s := range cancels {
		assert.True(t, isCeremonyCancel(s), "expected %q to read as cancel", s)
	}

	failures := []string{
		"device busy",
		"FIDO_ERR_PIN_REQUIRED",
		"",
	}
	for _, s := range failures {
		assert.False(t, isCeremonyCancel(s), "expected %q to read as failure", s)
	}
}
