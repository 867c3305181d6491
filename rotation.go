package keep

import (
	"fmt"
	"github.com/awnumar/memguard"
	"runtime"
	"time"
)

// RotationResult reports the outcome of a completed key rotation.
type RotationResult struct {
	// RotatedAt is the instant recorded in the vault configuration as the
	// rotation time.
	RotatedAt time.Time `json:"rotated_at"`

	// SecretCount is the number of secrets re-encrypted under the new key.
	SecretCount int `json:"secret_count"`

	// KeyBits is the modulus size of the replacement key pair.
	KeyBits int `json:"key_bits"`

	// OldFingerprint and NewFingerprint identify the outgoing and incoming
	// public keys.
	OldFingerprint string `json:"old_fingerprint"`
	NewFingerprint string `json:"new_fingerprint"`

	// BackupLocation is where the outgoing key pair was copied before it
	// was replaced. Keep it until the rotation has been verified.
	BackupLocation string `json:"backup_location"`

	// Rewrapped reports whether the new key was returned to custodian
	// custody after the rotation.
	Rewrapped bool `json:"rewrapped"`
}

// RotateKeys re-encrypts every stored secret under a freshly generated key
// pair and retires the old pair to a timestamped backup.
//
// Rotation is the recovery path for a suspected private-key compromise and
// the routine hygiene for long-lived vaults. It is the only operation that
// touches every secret, so it is built defensively: no live artifact
// changes until every record has proven decryptable and the outgoing key
// pair is safely backed up.
//
// WORKFLOW:
// The rotation proceeds in ordered phases, each of which emits an audit
// event on failure:
//
//  1. Preconditions. The vault must hold a key pair and at least one
//     secret; rotating an empty vault is rejected with ValidationError
//     before any authentication ceremony runs.
//  2. Load the current private key. Custodian custody triggers platform
//     authentication here; passphrase custody uses the supplied
//     passphrase (or the Options.EnvPassphraseVar fallback).
//  3. Decrypt every secret with the current key into locked memory
//     buffers. Any failure aborts the rotation with nothing modified.
//  4. Generate the replacement key pair at the configured modulus size.
//  5. Re-encrypt every value under the new public key, then scrub the
//     plaintext buffers immediately.
//  6. Copy the outgoing key pair to a timestamped backup location. The
//     private artifact is backed up in its persisted protection state:
//     the key file for file custody, the wrapped handle for custodian
//     custody. A backup failure aborts with live state untouched.
//  7. Replace the live key pair, then the live secret collection. Each
//     replacement is atomic on its own but the two together are not: a
//     crash between them leaves the new key live while the secrets are
//     still encrypted under the old key. Recovery is manual, from the
//     step 6 backup. This window is the accepted cost of keeping the
//     store format simple; see the package documentation.
//  8. When custody was CustodianWrapped, wrap the new key with the same
//     custodian and shred the plaintext file created in step 7. A failure
//     here leaves the rotation complete but the vault in file custody;
//     the error says so and EnableCustodian converges it.
//
// FAILURE SEMANTICS:
// Failures in phases 1 through 6 leave the vault byte-for-byte unchanged.
// Failures in phase 7 and later are reported with enough context to pick
// the right recovery: re-run the rotation, restore from the backup, or
// re-enable the custodian.
//
// MEMORY HYGIENE:
// Decrypted values live in memguard locked buffers for the shortest
// possible span and are destroyed the moment re-encryption completes, on
// error paths included.
//
// The passphrase parameter follows the same contract as GetSecret: required
// for passphrase-protected custody, ignored otherwise, with the
// environment-variable fallback when nil.
func (m *Manager) RotateKeys(reason string, passphrase []byte) (*RotationResult, error) {
	requestID := m.newRequestID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errManagerClosed
	}

	m.logAudit(requestID, "ROTATE_KEYS_START", nil, map[string]interface{}{
		"reason": reason,
	})

	result, err := m.rotateKeys(requestID, reason, m.resolvePassphrase(passphrase))
	if err != nil {
		return nil, err
	}

	m.logAudit(requestID, "ROTATE_KEYS_SUCCESS", nil, map[string]interface{}{
		"reason":          reason,
		"secret_count":    result.SecretCount,
		"backup_location": result.BackupLocation,
		"new_fingerprint": result.NewFingerprint,
	})
	return result, nil
}

func (m *Manager) rotateKeys(requestID, reason string, passphrase []byte) (*RotationResult, error) {
	fail := func(phase string, err error) error {
		m.logAudit(requestID, "ROTATE_KEYS_FAILED", err, map[string]interface{}{
			"reason": reason,
			"phase":  phase,
		})
		return err
	}

	// Preconditions run before the key loads so the operator is never asked
	// to authenticate for a rotation that cannot proceed.
	secrets, err := m.secrets.Load()
	if err != nil {
		return nil, fail("load_secrets", err)
	}
	if len(secrets) == 0 {
		return nil, fail("load_secrets", ValidationError{
			Field:   "secrets",
			Message: "vault has no secrets to rotate",
		})
	}

	stateBefore, err := m.keys.State()
	if err != nil {
		return nil, fail("inspect_custody", err)
	}
	cfg, err := m.keys.Config()
	if err != nil {
		return nil, fail("inspect_custody", err)
	}

	// Load the current private key. Custodian custody runs its
	// authentication ceremony here.
	oldPriv, err := m.keys.LoadPrivateKey(passphrase)
	if err != nil {
		return nil, fail("load_current_key", err)
	}
	oldFingerprint := KeyFingerprint(&oldPriv.PublicKey)

	// Decrypt everything under the outgoing key. A single failure aborts
	// with nothing modified.
	plaintexts := make(map[string]*memguard.LockedBuffer, len(secrets))
	destroyPlaintexts := func() {
		for _, buf := range plaintexts {
			buf.Destroy()
		}
		plaintexts = nil
		runtime.GC()
	}
	defer destroyPlaintexts()

	var emptyNames []string
	for name, env := range secrets {
		value, err := Decrypt(env, oldPriv)
		if err != nil {
			return nil, fail("decrypt_secrets",
				fmt.Errorf("failed to decrypt secret %q with the current key: %w", name, err))
		}
		if len(value) == 0 {
			// Nothing to shield, and locked buffers cannot be zero length.
			emptyNames = append(emptyNames, name)
			continue
		}
		// NewBufferFromBytes wipes value as it moves it into the buffer.
		plaintexts[name] = memguard.NewBufferFromBytes(value)
	}

	// Generate the replacement pair at the size the vault was created with.
	bits := cfg.KeyBits
	if bits == 0 {
		bits = DefaultKeyBits
	}
	newPriv, err := GenerateKeyPair(bits)
	if err != nil {
		return nil, fail("generate_key_pair", err)
	}

	// Re-encrypt under the new public key, then scrub the plaintexts
	// without waiting for function exit.
	reencrypted := make(map[string]*Envelope, len(secrets))
	for name, buf := range plaintexts {
		env, err := Encrypt(buf.Bytes(), &newPriv.PublicKey)
		if err != nil {
			return nil, fail("reencrypt_secrets",
				fmt.Errorf("failed to re-encrypt secret %q: %w", name, err))
		}
		reencrypted[name] = env
	}
	for _, name := range emptyNames {
		env, err := Encrypt(nil, &newPriv.PublicKey)
		if err != nil {
			return nil, fail("reencrypt_secrets",
				fmt.Errorf("failed to re-encrypt secret %q: %w", name, err))
		}
		reencrypted[name] = env
	}
	destroyPlaintexts()

	// Back up the outgoing pair before anything live changes. The private
	// artifact is copied exactly as persisted, so a passphrase-protected
	// key stays protected and a wrapped handle stays wrapped.
	oldPrivArtifact, err := m.loadPrivateArtifact(stateBefore)
	if err != nil {
		return nil, fail("backup_previous_key", err)
	}
	oldPubPEM, err := m.store.LoadPublicKey()
	if err != nil {
		return nil, fail("backup_previous_key", StorageError{Op: "load_public_key", Err: err})
	}
	backupLocation, err := m.store.SaveKeyBackup("key_rotation", oldPrivArtifact, oldPubPEM)
	if err != nil {
		return nil, fail("backup_previous_key", StorageError{Op: "key_backup", Err: err})
	}

	// Replace live state: key pair first, then secrets. Each write is
	// atomic; the pair of writes is not. A crash between them is recovered
	// manually from the backup above.
	filePassphrase := passphrase
	if stateBefore != PassphraseProtectedFile {
		filePassphrase = nil
	}
	rotatedAt := time.Now().UTC()
	if err = m.keys.persistKeyPair(newPriv, filePassphrase, rotatedAt); err != nil {
		return nil, fail("replace_key_pair", err)
	}
	if err = m.secrets.Save(reencrypted); err != nil {
		return nil, fail("replace_secrets", err)
	}

	// Return the new key to the custodian when that is where custody was.
	// On failure the rotation itself is complete and the vault is in file
	// custody; EnableCustodian converges it.
	rewrapped := false
	if stateBefore == CustodianWrapped {
		if err = m.keys.rewrap(newPriv); err != nil {
			return nil, fail("rewrap_custodian",
				fmt.Errorf("rotation completed but the key was not returned to custodian custody: %w", err))
		}
		rewrapped = true
	}

	return &RotationResult{
		RotatedAt:      rotatedAt,
		SecretCount:    len(reencrypted),
		KeyBits:        bits,
		OldFingerprint: oldFingerprint,
		NewFingerprint: KeyFingerprint(&newPriv.PublicKey),
		BackupLocation: backupLocation,
		Rewrapped:      rewrapped,
	}, nil
}

// loadPrivateArtifact reads the persisted private-key artifact for the
// given custody state, raw.
func (m *Manager) loadPrivateArtifact(state CustodyState) ([]byte, error) {
	if state == CustodianWrapped {
		handle, err := m.store.LoadWrappedKey()
		if err != nil {
			return nil, StorageError{Op: "load_wrapped_key", Err: err}
		}
		return handle, nil
	}
	data, err := m.store.LoadPrivateKey()
	if err != nil {
		return nil, StorageError{Op: "load_private_key", Err: err}
	}
	return data, nil
}
