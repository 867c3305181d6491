package keep

import (
	"southwinds.dev/keep/persist"
	"testing"
)

func newTestKeyVault(t *testing.T) (*KeyVault, *fakeCustodian, persist.Store) {
	t.Helper()

	store, err := persist.NewFileSystemStore(t.TempDir(), persist.Capabilities{PosixPermissions: true})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fake := newFakeCustodian()
	kv := NewKeyVault(store, CustodianCapabilities{FIDO2: true})
	kv.newCustodian = func(kind CustodianKind, caps CustodianCapabilities) (KeyCustodian, error) {
		return fake, nil
	}
	return kv, fake, store
}

func mustState(t *testing.T, kv *KeyVault, expected CustodyState) {
	t.Helper()
	state, err := kv.State()
	if err != nil {
		t.Fatalf("Failed to read custody state: %v", err)
	}
	if state != expected {
		t.Fatalf("Expected state %s, got %s", expected, state)
	}
}

func TestKeyVaultInitPlaintext(t *testing.T) {
	kv, _, _ := newTestKeyVault(t)
	mustState(t, kv, NoKey)

	if err := kv.Init(nil, 0); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	mustState(t, kv, PlaintextFile)

	pub, err := kv.PublicKey()
	if err != nil {
		t.Fatalf("Failed to load public key: %v", err)
	}
	if pub.N.BitLen() != DefaultKeyBits {
		t.Errorf("Expected %d-bit key, got %d", DefaultKeyBits, pub.N.BitLen())
	}

	cfg, err := kv.Config()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.PassphraseProtected {
		t.Error("Expected plaintext custody in config")
	}
	if cfg.KeyFingerprint == "" {
		t.Error("Expected key fingerprint in config")
	}
	if cfg.KeyFingerprint != KeyFingerprint(pub) {
		t.Error("Config fingerprint does not match persisted public key")
	}

	// A second init must be refused
	if err = kv.Init(nil, 0); !IsValidationError(err) {
		t.Errorf("Expected validation error on double init, got %v", err)
	}
}

func TestKeyVaultInitWithPassphrase(t *testing.T) {
	kv, _, _ := newTestKeyVault(t)

	// Short passphrases rejected before any key generation
	if err := kv.Init([]byte("short"), 0); !IsValidationError(err) {
		t.Fatalf("Expected validation error for short passphrase, got %v", err)
	}
	mustState(t, kv, NoKey)

	passphrase := []byte("a-long-enough-passphrase")
	if err := kv.Init(passphrase, 0); err != nil {
		t.Fatalf("Failed to init with passphrase: %v", err)
	}
	mustState(t, kv, PassphraseProtectedFile)

	// Loading without the passphrase fails
	if _, err := kv.LoadPrivateKey(nil); !IsCryptoError(err) {
		t.Errorf("Expected crypto error without passphrase, got %v", err)
	}
	// Wrong passphrase fails
	if _, err := kv.LoadPrivateKey([]byte("wrong-passphrase")); !IsCryptoError(err) {
		t.Errorf("Expected crypto error with wrong passphrase, got %v", err)
	}
	// Correct passphrase opens the key
	priv, err := kv.LoadPrivateKey(passphrase)
	if err != nil {
		t.Fatalf("Failed to load key with passphrase: %v", err)
	}

	pub, err := kv.PublicKey()
	if err != nil {
		t.Fatalf("Failed to load public key: %v", err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 {
		t.Error("Loaded private key does not match persisted public key")
	}
}

func TestKeyVaultLoadWithNoKey(t *testing.T) {
	kv, _, _ := newTestKeyVault(t)

	if _, err := kv.LoadPrivateKey(nil); !IsNotFoundError(err) {
		t.Errorf("Expected not found error, got %v", err)
	}
	if _, err := kv.PublicKey(); !IsNotFoundError(err) {
		t.Errorf("Expected not found error for public key, got %v", err)
	}
}

func TestKeyVaultEnableCustodian(t *testing.T) {
	kv, fake, store := newTestKeyVault(t)

	if err := kv.Init(nil, 0); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	before, err := kv.LoadPrivateKey(nil)
	if err != nil {
		t.Fatalf("Failed to load key: %v", err)
	}

	if err = kv.EnableCustodian(CustodianFIDO2, nil); err != nil {
		t.Fatalf("Failed to enable custodian: %v", err)
	}
	mustState(t, kv, CustodianWrapped)

	// The local file must be gone
	exists, err := store.PrivateKeyExists()
	if err != nil {
		t.Fatalf("Failed to check private key: %v", err)
	}
	if exists {
		t.Error("Private key file still present after custodian wrap")
	}

	cfg, err := kv.Config()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.CustodianEnabled {
		t.Error("Expected custodian_enabled in config")
	}
	if cfg.CustodianKind != fake.Kind() {
		t.Errorf("Expected effective kind %s in config, got %s", fake.Kind(), cfg.CustodianKind)
	}

	// Loading now goes through the ceremony and yields the same key
	after, err := kv.LoadPrivateKey(nil)
	if err != nil {
		t.Fatalf("Failed to load key through custodian: %v", err)
	}
	if before.N.Cmp(after.N) != 0 {
		t.Error("Custodian returned a different key")
	}
}

func TestKeyVaultEnableCustodianFromPassphrase(t *testing.T) {
	kv, _, _ := newTestKeyVault(t)

	passphrase := []byte("my-secure-passphrase")
	if err := kv.Init(passphrase, 0); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}

	// The wrong passphrase must refuse the transition and change nothing
	if err := kv.EnableCustodian(CustodianFIDO2, []byte("wrong-passphrase")); !IsCryptoError(err) {
		t.Fatalf("Expected crypto error with wrong passphrase, got %v", err)
	}
	mustState(t, kv, PassphraseProtectedFile)

	if err := kv.EnableCustodian(CustodianFIDO2, passphrase); err != nil {
		t.Fatalf("Failed to enable custodian: %v", err)
	}
	mustState(t, kv, CustodianWrapped)

	// Once wrapped, no passphrase is involved anymore
	if _, err := kv.LoadPrivateKey(nil); err != nil {
		t.Fatalf("Failed to load key through custodian: %v", err)
	}
}

func TestKeyVaultEnableCustodianStateGuards(t *testing.T) {
	kv, _, _ := newTestKeyVault(t)

	// No keys yet
	if err := kv.EnableCustodian(CustodianFIDO2, nil); !IsNotFoundError(err) {
		t.Errorf("Expected not found error, got %v", err)
	}

	if err := kv.Init(nil, 0); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	if err := kv.EnableCustodian(CustodianFIDO2, nil); err != nil {
		t.Fatalf("Failed to enable custodian: %v", err)
	}

	// Already wrapped
	if err := kv.EnableCustodian(CustodianFIDO2, nil); !IsValidationError(err) {
		t.Errorf("Expected validation error when already wrapped, got %v", err)
	}
}

func TestKeyVaultEnableCustodianCeremonyFailure(t *testing.T) {
	kv, fake, store := newTestKeyVault(t)

	if err := kv.Init(nil, 0); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}

	fake.fail = CustodianCancelled
	err := kv.EnableCustodian(CustodianFIDO2, nil)
	custodianErr, ok := AsCustodianError(err)
	if !ok {
		t.Fatalf("Expected custodian error, got %v", err)
	}
	if custodianErr.Reason != CustodianCancelled {
		t.Errorf("Expected cancelled reason, got %s", custodianErr.Reason)
	}

	// A failed ceremony must leave the local key untouched
	mustState(t, kv, PlaintextFile)
	exists, err := store.PrivateKeyExists()
	if err != nil {
		t.Fatalf("Failed to check private key: %v", err)
	}
	if !exists {
		t.Error("Private key file missing after failed ceremony")
	}
}

func TestKeyVaultDisableCustodian(t *testing.T) {
	kv, fake, store := newTestKeyVault(t)

	if err := kv.Init(nil, 0); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	before, err := kv.LoadPrivateKey(nil)
	if err != nil {
		t.Fatalf("Failed to load key: %v", err)
	}
	if err = kv.EnableCustodian(CustodianFIDO2, nil); err != nil {
		t.Fatalf("Failed to enable custodian: %v", err)
	}

	if err = kv.DisableCustodian(); err != nil {
		t.Fatalf("Failed to disable custodian: %v", err)
	}
	mustState(t, kv, PlaintextFile)

	// Custodian-side copy erased, handle deleted
	if len(fake.erased) != 1 {
		t.Errorf("Expected 1 custodian erase, got %d", len(fake.erased))
	}
	wrapped, err := store.WrappedKeyExists()
	if err != nil {
		t.Fatalf("Failed to check wrapped key: %v", err)
	}
	if wrapped {
		t.Error("Wrapped handle still present after disable")
	}

	// Key survives the round trip
	after, err := kv.LoadPrivateKey(nil)
	if err != nil {
		t.Fatalf("Failed to load key: %v", err)
	}
	if before.N.Cmp(after.N) != 0 {
		t.Error("Key changed across custody round trip")
	}

	// Disabling twice is a state error
	if err = kv.DisableCustodian(); !IsValidationError(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestKeyVaultDisableCustodianAuthChanged(t *testing.T) {
	kv, fake, _ := newTestKeyVault(t)

	if err := kv.Init(nil, 0); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	if err := kv.EnableCustodian(CustodianFIDO2, nil); err != nil {
		t.Fatalf("Failed to enable custodian: %v", err)
	}

	// Simulate a re-enrolled authenticator: the custodian forgets the key
	for handle := range fake.keys {
		delete(fake.keys, handle)
	}

	err := kv.DisableCustodian()
	custodianErr, ok := AsCustodianError(err)
	if !ok {
		t.Fatalf("Expected custodian error, got %v", err)
	}
	if custodianErr.Reason != CustodianAuthChanged {
		t.Errorf("Expected auth_changed reason, got %s", custodianErr.Reason)
	}

	// The vault stays wrapped; nothing was deleted
	mustState(t, kv, CustodianWrapped)
}

func TestKeyVaultDestroy(t *testing.T) {
	kv, _, _ := newTestKeyVault(t)

	// Destroying an empty vault is a no-op
	if err := kv.Destroy(); err != nil {
		t.Fatalf("Failed to destroy empty vault: %v", err)
	}
	mustState(t, kv, NoKey)

	if err := kv.Init(nil, 0); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	if err := kv.Destroy(); err != nil {
		t.Fatalf("Failed to destroy: %v", err)
	}
	mustState(t, kv, NoKey)

	if _, err := kv.PublicKey(); !IsNotFoundError(err) {
		t.Errorf("Expected public key to be gone, got %v", err)
	}

	cfg, err := kv.Config()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.KeyFingerprint != "" || cfg.PassphraseProtected || cfg.CustodianEnabled {
		t.Error("Config still carries key state after destroy")
	}

	// The vault can be re-initialized after destruction
	if err = kv.Init(nil, 0); err != nil {
		t.Fatalf("Failed to re-init after destroy: %v", err)
	}
	mustState(t, kv, PlaintextFile)
}

func TestKeyVaultDestroyWrapped(t *testing.T) {
	kv, fake, store := newTestKeyVault(t)

	if err := kv.Init(nil, 0); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	if err := kv.EnableCustodian(CustodianFIDO2, nil); err != nil {
		t.Fatalf("Failed to enable custodian: %v", err)
	}

	if err := kv.Destroy(); err != nil {
		t.Fatalf("Failed to destroy: %v", err)
	}
	mustState(t, kv, NoKey)

	if len(fake.erased) == 0 {
		t.Error("Expected custodian-side erase during destroy")
	}
	wrapped, err := store.WrappedKeyExists()
	if err != nil {
		t.Fatalf("Failed to check wrapped key: %v", err)
	}
	if wrapped {
		t.Error("Wrapped handle survived destroy")
	}
}

func TestKeyVaultSecretsSurviveCustodyTransitions(t *testing.T) {
	kv, _, store := newTestKeyVault(t)
	secrets := NewSecretStore(store)

	if err := kv.Init(nil, 0); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	pub, err := kv.PublicKey()
	if err != nil {
		t.Fatalf("Failed to load public key: %v", err)
	}

	env, err := Encrypt([]byte("stays readable"), pub)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	if err = secrets.Add("persistent", env, false); err != nil {
		t.Fatalf("Failed to add secret: %v", err)
	}

	// Custody moves must not touch envelopes
	if err = kv.EnableCustodian(CustodianFIDO2, nil); err != nil {
		t.Fatalf("Failed to enable custodian: %v", err)
	}
	if err = kv.DisableCustodian(); err != nil {
		t.Fatalf("Failed to disable custodian: %v", err)
	}

	priv, err := kv.LoadPrivateKey(nil)
	if err != nil {
		t.Fatalf("Failed to load key: %v", err)
	}
	stored, err := secrets.Get("persistent")
	if err != nil {
		t.Fatalf("Failed to get secret: %v", err)
	}
	plaintext, err := Decrypt(stored, priv)
	if err != nil {
		t.Fatalf("Failed to decrypt after custody transitions: %v", err)
	}
	if string(plaintext) != "stays readable" {
		t.Error("Secret corrupted across custody transitions")
	}
}
