package keep

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"os"
	"southwinds.dev/keep/persist"
	"sync"
	"time"
)

// CustodyState describes where the vault's private key currently lives and
// what is needed to use it.
type CustodyState string

const (
	// NoKey means no key pair exists. Every operation needing a key
	// fails until Init runs.
	NoKey CustodyState = "no_key"

	// PlaintextFile means the private key sits unprotected in the store.
	// Anyone who can read the file can read every secret.
	PlaintextFile CustodyState = "plaintext_file"

	// PassphraseProtectedFile means the private key file is sealed under
	// a passphrase. Loading it requires the passphrase on every call.
	PassphraseProtectedFile CustodyState = "passphrase_protected_file"

	// CustodianWrapped means the private key was handed to an external
	// custodian and no local file copy exists. Loading it triggers an
	// authentication ceremony.
	CustodianWrapped CustodyState = "custodian_wrapped"
)

// MinPassphraseLength is the minimum accepted passphrase length for
// passphrase-protected custody.
const MinPassphraseLength = 8

// configVersion identifies the config.json layout.
const configVersion = 1

// VaultConfig is the persisted vault configuration. It records custody
// flags and key provenance, never key material. The file is part of the
// vault's data model; CLI preferences live elsewhere.
type VaultConfig struct {
	Version             int           `json:"version"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	KeyBits             int           `json:"key_bits,omitempty"`
	KeyFingerprint      string        `json:"key_fingerprint,omitempty"`
	PassphraseProtected bool          `json:"passphrase_protected"`
	CustodianEnabled    bool          `json:"custodian_enabled"`
	CustodianKind       CustodianKind `json:"custodian_kind,omitempty"`
	AgentIntegration    bool          `json:"agent_integration,omitempty"`
	LastRotatedAt       *time.Time    `json:"last_rotated_at,omitempty"`
}

// KeyVault owns the private key's custody and the transitions between
// custody modes.
//
// CUSTODY STATES:
// The vault is always in exactly one of four states, derived from the
// persisted artifacts rather than from a stored state field:
//
//	NoKey                    no private key artifact at all
//	PlaintextFile            private.pem, plain PKCS#1 block
//	PassphraseProtectedFile  private.pem, passphrase-sealed block
//	CustodianWrapped         custodian/wrapped_key.json, no private.pem
//
// When both a private key file and a wrapped handle exist, which can
// happen if a crash interrupts a custody transition, the file wins: it is
// usable without a ceremony and re-running the interrupted transition
// converges the artifacts.
//
// STATE TRANSITIONS:
//
//	Init              NoKey -> PlaintextFile | PassphraseProtectedFile
//	EnableCustodian   PlaintextFile | PassphraseProtectedFile -> CustodianWrapped
//	DisableCustodian  CustodianWrapped -> PlaintextFile
//	Destroy           any -> NoKey
//
// Security Notes:
//   - The public key is always persisted unprotected; it is not a secret
//     and must stay readable so secrets can be added without a ceremony.
//   - Destroy overwrites the private key file's full length with random
//     bytes before unlinking and instructs the custodian to erase its
//     copy. Secrets are left in place and become unrecoverable.
//   - Passphrases and recovered key bytes are wiped from memory on every
//     path; the caller keeps ownership of buffers it passed in.
//
// A KeyVault is safe for concurrent use within one process. Transitions
// hold an exclusive lock; loads share a read lock. Writers in other
// processes are not coordinated.
type KeyVault struct {
	store persist.Store
	caps  CustodianCapabilities

	// newCustodian is swapped for a fake in tests.
	newCustodian func(CustodianKind, CustodianCapabilities) (KeyCustodian, error)

	mu sync.RWMutex
}

// NewKeyVault creates a KeyVault over the given store. Custodian backends
// are selected through NewCustodian with the given platform capabilities.
func NewKeyVault(store persist.Store, caps CustodianCapabilities) *KeyVault {
	return &KeyVault{
		store:        store,
		caps:         caps,
		newCustodian: NewCustodian,
	}
}

// Init generates the vault's key pair.
//
// Valid only in NoKey. An empty passphrase selects PlaintextFile custody;
// a non-empty passphrase must be at least MinPassphraseLength bytes and
// selects PassphraseProtectedFile. bits zero means DefaultKeyBits.
//
// The private key is persisted first; if the public key or config write
// fails afterwards the private key file is shredded again so a failed Init
// never leaves a half-initialized vault.
func (kv *KeyVault) Init(passphrase []byte, bits int) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	state, err := kv.state()
	if err != nil {
		return err
	}
	if state != NoKey {
		return ValidationError{Field: "state", Message: "keys already initialized, destroy them first"}
	}

	if len(passphrase) > 0 && len(passphrase) < MinPassphraseLength {
		return ValidationError{
			Field:   "passphrase",
			Message: fmt.Sprintf("passphrase must be at least %d characters", MinPassphraseLength),
		}
	}

	if bits == 0 {
		bits = DefaultKeyBits
	}
	priv, err := GenerateKeyPair(bits)
	if err != nil {
		return err
	}

	privPEM, err := EncodePrivateKey(priv, passphrase)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(privPEM)

	pubPEM, err := EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}

	if err = kv.store.SavePrivateKey(privPEM); err != nil {
		return StorageError{Op: "init", Err: err}
	}
	if err = kv.store.SavePublicKey(pubPEM); err != nil {
		kv.store.ShredPrivateKey()
		return StorageError{Op: "init", Err: err}
	}

	now := time.Now().UTC()
	cfg := VaultConfig{
		Version:             configVersion,
		CreatedAt:           now,
		UpdatedAt:           now,
		KeyBits:             bits,
		KeyFingerprint:      KeyFingerprint(&priv.PublicKey),
		PassphraseProtected: len(passphrase) > 0,
	}
	// Agent integration survives destroy and re-init.
	if prior, err := kv.loadConfig(); err == nil && prior.AgentIntegration {
		cfg.AgentIntegration = true
	}
	if err = kv.saveConfig(&cfg); err != nil {
		kv.store.ShredPrivateKey()
		kv.store.DeletePublicKey()
		return err
	}
	return nil
}

// EnableCustodian moves the private key into external custody.
//
// Valid in PlaintextFile and PassphraseProtectedFile; the passphrase is
// required in the latter. The requested kind may fall back per NewCustodian;
// the effective kind is what gets recorded, so a later unwrap selects the
// backend that actually holds the key.
//
// Order of effects: wrap, persist the handle, update config, shred the
// local file. A failure after the handle is persisted leaves both copies
// valid; re-running the call converges to wrapped-only.
func (kv *KeyVault) EnableCustodian(kind CustodianKind, passphrase []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	state, err := kv.state()
	if err != nil {
		return err
	}
	switch state {
	case NoKey:
		return NotFoundError{Resource: "private key"}
	case CustodianWrapped:
		return ValidationError{Field: "state", Message: "custodian protection is already enabled"}
	}

	priv, err := kv.loadFromFile(passphrase)
	if err != nil {
		return err
	}

	custodian, err := kv.newCustodian(kind, kv.caps)
	if err != nil {
		return err
	}

	keyBytes := x509.MarshalPKCS1PrivateKey(priv)
	defer memguard.WipeBytes(keyBytes)

	handle, err := custodian.Wrap(keyBytes)
	if err != nil {
		return err
	}

	if err = kv.store.SaveWrappedKey(handle); err != nil {
		return StorageError{Op: "enable_custodian", Err: err}
	}

	cfg, err := kv.loadConfig()
	if err != nil {
		return err
	}
	cfg.CustodianEnabled = true
	cfg.CustodianKind = custodian.Kind()
	cfg.PassphraseProtected = false
	cfg.UpdatedAt = time.Now().UTC()
	if err = kv.saveConfig(cfg); err != nil {
		return err
	}

	if err = kv.store.ShredPrivateKey(); err != nil {
		return StorageError{Op: "enable_custodian", Err: fmt.Errorf("wrapped key saved but local copy not erased: %w", err)}
	}
	return nil
}

// DisableCustodian returns the key to local plaintext custody.
//
// Valid only in CustodianWrapped. The unwrap ceremony happens here. The
// recovered key is written as a plaintext file regardless of the custody
// mode before wrapping; callers wanting passphrase protection re-protect
// explicitly. Custodian-side erase runs last; if it fails the local
// transition has already completed and the error reports the leftover.
func (kv *KeyVault) DisableCustodian() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	state, err := kv.state()
	if err != nil {
		return err
	}
	if state != CustodianWrapped {
		return ValidationError{Field: "state", Message: "custodian protection is not enabled"}
	}

	cfg, err := kv.loadConfig()
	if err != nil {
		return err
	}

	handle, err := kv.store.LoadWrappedKey()
	if err != nil {
		return StorageError{Op: "disable_custodian", Err: err}
	}

	custodian, err := kv.newCustodian(cfg.CustodianKind, kv.caps)
	if err != nil {
		return err
	}

	keyBytes, err := custodian.Unwrap(handle)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(keyBytes)

	priv, err := x509.ParsePKCS1PrivateKey(keyBytes)
	if err != nil {
		return CryptoError{Message: "recovered key material is not a valid private key", Err: err}
	}

	privPEM, err := EncodePrivateKey(priv, nil)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(privPEM)

	if err = kv.store.SavePrivateKey(privPEM); err != nil {
		return StorageError{Op: "disable_custodian", Err: err}
	}

	cfg.CustodianEnabled = false
	cfg.CustodianKind = ""
	cfg.PassphraseProtected = false
	cfg.UpdatedAt = time.Now().UTC()
	if err = kv.saveConfig(cfg); err != nil {
		return err
	}

	if err = kv.store.DeleteWrappedKey(); err != nil {
		return StorageError{Op: "disable_custodian", Err: err}
	}
	return custodian.Erase(handle)
}

// LoadPrivateKey recovers the private key in whatever custody mode is
// active.
//
// Valid in any state but NoKey. In CustodianWrapped this call runs the
// authentication ceremony and can block until the custodian's deadline;
// cancellation, expiry and hardware absence surface as CustodianError. In
// PassphraseProtectedFile the passphrase must open the file; a missing or
// wrong passphrase is a CryptoError. The caller owns the returned key and
// is responsible for dropping it promptly.
func (kv *KeyVault) LoadPrivateKey(passphrase []byte) (*rsa.PrivateKey, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	state, err := kv.state()
	if err != nil {
		return nil, err
	}

	switch state {
	case NoKey:
		return nil, NotFoundError{Resource: "private key"}

	case CustodianWrapped:
		cfg, err := kv.loadConfig()
		if err != nil {
			return nil, err
		}
		handle, err := kv.store.LoadWrappedKey()
		if err != nil {
			return nil, StorageError{Op: "load_key", Err: err}
		}
		custodian, err := kv.newCustodian(cfg.CustodianKind, kv.caps)
		if err != nil {
			return nil, err
		}
		keyBytes, err := custodian.Unwrap(handle)
		if err != nil {
			return nil, err
		}
		defer memguard.WipeBytes(keyBytes)
		priv, err := x509.ParsePKCS1PrivateKey(keyBytes)
		if err != nil {
			return nil, CryptoError{Message: "recovered key material is not a valid private key", Err: err}
		}
		return priv, nil

	default:
		return kv.loadFromFile(passphrase)
	}
}

// Destroy securely erases all private key material and returns the vault
// to NoKey.
//
// The private key file is overwritten over its full length with fresh
// random bytes before unlinking; a wrapped copy is erased custodian-side
// and its handle deleted; the public key is removed. Secrets are not
// touched and become unrecoverable. Destroying an already empty vault is
// a no-op.
func (kv *KeyVault) Destroy() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	cfg, err := kv.loadConfig()
	if err != nil {
		return err
	}

	// Custodian copy first, while config still names the backend.
	wrapped, err := kv.store.WrappedKeyExists()
	if err != nil {
		return StorageError{Op: "destroy", Err: err}
	}
	if wrapped {
		handle, err := kv.store.LoadWrappedKey()
		if err != nil {
			return StorageError{Op: "destroy", Err: err}
		}
		if cfg.CustodianKind != "" {
			if custodian, err := kv.newCustodian(cfg.CustodianKind, kv.caps); err == nil {
				// Best effort. The handle is deleted below either way,
				// after which the wrapped copy is unusable.
				custodian.Erase(handle)
			}
		}
		if err = kv.store.DeleteWrappedKey(); err != nil {
			return StorageError{Op: "destroy", Err: err}
		}
	}

	if err = kv.store.ShredPrivateKey(); err != nil {
		return StorageError{Op: "destroy", Err: err}
	}
	if err = kv.store.DeletePublicKey(); err != nil {
		return StorageError{Op: "destroy", Err: err}
	}

	cfg.KeyBits = 0
	cfg.KeyFingerprint = ""
	cfg.PassphraseProtected = false
	cfg.CustodianEnabled = false
	cfg.CustodianKind = ""
	cfg.LastRotatedAt = nil
	cfg.UpdatedAt = time.Now().UTC()
	return kv.saveConfig(cfg)
}

// State derives the current custody state from the persisted artifacts.
func (kv *KeyVault) State() (CustodyState, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.state()
}

// PublicKey loads the vault's public key.
func (kv *KeyVault) PublicKey() (*rsa.PublicKey, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	data, err := kv.store.LoadPublicKey()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NotFoundError{Resource: "public key"}
		}
		return nil, StorageError{Op: "load_key", Err: err}
	}
	return DecodePublicKey(data)
}

// Config returns a copy of the persisted vault configuration.
func (kv *KeyVault) Config() (*VaultConfig, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.loadConfig()
}

// MarkAgentIntegration records in the vault configuration that agent
// guidance has been installed. Idempotent; works before the vault has keys.
func (kv *KeyVault) MarkAgentIntegration() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	cfg, err := kv.loadConfig()
	if err != nil {
		return err
	}
	if cfg.AgentIntegration {
		return nil
	}
	cfg.AgentIntegration = true
	cfg.UpdatedAt = time.Now().UTC()
	return kv.saveConfig(cfg)
}

func (kv *KeyVault) state() (CustodyState, error) {
	hasFile, err := kv.store.PrivateKeyExists()
	if err != nil {
		return "", StorageError{Op: "state", Err: err}
	}
	if hasFile {
		data, err := kv.store.LoadPrivateKey()
		if err != nil {
			return "", StorageError{Op: "state", Err: err}
		}
		block, _ := pem.Decode(data)
		if block != nil && block.Type == pemTypeProtectedPrivateKey {
			return PassphraseProtectedFile, nil
		}
		return PlaintextFile, nil
	}

	wrapped, err := kv.store.WrappedKeyExists()
	if err != nil {
		return "", StorageError{Op: "state", Err: err}
	}
	if wrapped {
		return CustodianWrapped, nil
	}
	return NoKey, nil
}

// loadFromFile opens the private key file in either file custody state.
func (kv *KeyVault) loadFromFile(passphrase []byte) (*rsa.PrivateKey, error) {
	data, err := kv.store.LoadPrivateKey()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NotFoundError{Resource: "private key"}
		}
		return nil, StorageError{Op: "load_key", Err: err}
	}
	return DecodePrivateKey(data, passphrase)
}

func (kv *KeyVault) loadConfig() (*VaultConfig, error) {
	data, err := kv.store.LoadVaultConfig()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &VaultConfig{Version: configVersion}, nil
		}
		return nil, StorageError{Op: "load_config", Err: err}
	}

	var cfg VaultConfig
	if err = json.Unmarshal(data, &cfg); err != nil {
		return nil, StorageError{Op: "load_config", Err: fmt.Errorf("config is malformed: %w", err)}
	}
	return &cfg, nil
}

func (kv *KeyVault) saveConfig(cfg *VaultConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return StorageError{Op: "save_config", Err: err}
	}
	if err = kv.store.SaveVaultConfig(data); err != nil {
		return StorageError{Op: "save_config", Err: err}
	}
	return nil
}

// persistKeyPair replaces the live key pair in the current custody shape.
// Used by rotation after the new pair is ready; the passphrase is the one
// the caller already holds for PassphraseProtectedFile custody, empty
// otherwise.
func (kv *KeyVault) persistKeyPair(priv *rsa.PrivateKey, passphrase []byte, rotated time.Time) error {
	privPEM, err := EncodePrivateKey(priv, passphrase)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(privPEM)

	pubPEM, err := EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}

	if err = kv.store.SavePrivateKey(privPEM); err != nil {
		return StorageError{Op: "replace_keys", Err: err}
	}
	if err = kv.store.SavePublicKey(pubPEM); err != nil {
		return StorageError{Op: "replace_keys", Err: err}
	}

	cfg, err := kv.loadConfig()
	if err != nil {
		return err
	}
	cfg.KeyBits = priv.N.BitLen()
	cfg.KeyFingerprint = KeyFingerprint(&priv.PublicKey)
	cfg.PassphraseProtected = len(passphrase) > 0
	cfg.UpdatedAt = rotated
	cfg.LastRotatedAt = &rotated
	return kv.saveConfig(cfg)
}

// rewrap puts a freshly rotated key back under the custodian and removes
// the plaintext file created during rotation.
func (kv *KeyVault) rewrap(priv *rsa.PrivateKey) error {
	cfg, err := kv.loadConfig()
	if err != nil {
		return err
	}

	custodian, err := kv.newCustodian(cfg.CustodianKind, kv.caps)
	if err != nil {
		return err
	}

	keyBytes := x509.MarshalPKCS1PrivateKey(priv)
	defer memguard.WipeBytes(keyBytes)

	handle, err := custodian.Wrap(keyBytes)
	if err != nil {
		return err
	}
	if err = kv.store.SaveWrappedKey(handle); err != nil {
		return StorageError{Op: "rewrap", Err: err}
	}
	if err = kv.store.ShredPrivateKey(); err != nil {
		return StorageError{Op: "rewrap", Err: fmt.Errorf("wrapped key saved but local copy not erased: %w", err)}
	}
	return nil
}
