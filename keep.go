package keep

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"southwinds.dev/keep/audit"
	"southwinds.dev/keep/internal/mem"
	"southwinds.dev/keep/internal/misc"
	"southwinds.dev/keep/persist"
	"strings"
	"sync"
	"time"
)

var errManagerClosed = errors.New("manager is closed")

// Manager is the top-level handle for a personal secrets vault. It wires the
// encryption engine, the secret store, the private-key custody state machine
// and the audit trail over a single storage backend, and exposes the
// operations the command line client and embedding applications use.
//
// COMPONENT ARCHITECTURE:
// A Manager composes four collaborators over one persist.Store:
//   - SecretStore: the named collection of encrypted secrets, persisted as
//     one document with atomic replacement semantics
//   - KeyVault: the private-key custody state machine (plaintext file,
//     passphrase-protected file, or custodian-wrapped)
//   - KeyCustodian factory: platform authenticator bindings selected
//     explicitly per operation, never at package init
//   - audit.Logger: append-only record of every secret and key operation
//
// Secrets are encrypted under the vault's RSA public key, so adding a secret
// never requires the private key or a custody ceremony. Reading one does.
//
// PASSPHRASE HANDLING:
// Operations that unlock the private key take the passphrase as an explicit
// []byte parameter. When the caller passes nil and Options.EnvPassphraseVar
// names an environment variable, its value is used instead. Passphrases are
// never persisted and never logged.
//
// CONCURRENCY MODEL:
// All methods are safe for concurrent use within one process. Reads take a
// shared lock; mutations and custody transitions take an exclusive lock so
// a rotation can never interleave with a write under the outgoing key.
// Separate processes are coordinated only by the store's atomic replacement
// guarantee; the last writer wins.
//
// AUDIT TRAIL:
// Every operation that touches secret or key material emits an audit event
// carrying a request ID, the operator, the source host and the outcome.
// Audit failures are reported to the process log and never fail the
// operation being audited.
//
// Example:
//
//	manager, err := keep.New(keep.Options{})
//	if err != nil {
//	    return err
//	}
//	defer manager.Close()
//
//	if err = manager.InitKeys(nil, 0); err != nil {
//	    return err
//	}
//	if err = manager.AddSecret("API_KEY", []byte("sk-test"), false); err != nil {
//	    return err
//	}
//	value, err := manager.GetSecret("API_KEY", nil)
type Manager struct {
	options Options

	// Storage backend shared by all components
	store persist.Store

	// Encrypted secret collection
	secrets *SecretStore

	// Private key custody state machine
	keys *KeyVault

	// Custodian backends detected on this platform
	caps CustodianCapabilities

	// Audit logging
	audit audit.Logger

	// Operator recorded in audit events
	userID string

	// Memory protection achieved at construction
	memoryProtection mem.ProtectionLevel

	// Guards custody transitions and secret mutations
	mu sync.RWMutex

	closed bool
}

// Status is a point-in-time report of the vault's custody and storage state,
// shaped for direct rendering by status commands.
type Status struct {
	CustodyState        CustodyState          `json:"custody_state"`
	KeyBits             int                   `json:"key_bits,omitempty"`
	KeyFingerprint      string                `json:"key_fingerprint,omitempty"`
	PassphraseProtected bool                  `json:"passphrase_protected"`
	CustodianEnabled    bool                  `json:"custodian_enabled"`
	CustodianKind       CustodianKind         `json:"custodian_kind,omitempty"`
	Custodians          CustodianCapabilities `json:"custodians"`
	SecretCount         int                   `json:"secret_count"`
	StoreType           string                `json:"store_type"`
	PermissionsEnforced bool                  `json:"permissions_enforced"`
	MemoryProtection    string                `json:"memory_protection"`
	AgentIntegration    bool                  `json:"agent_integration"`
	CreatedAt           time.Time             `json:"created_at,omitempty"`
	LastRotatedAt       *time.Time            `json:"last_rotated_at,omitempty"`
}

// New creates a Manager over the default filesystem store.
//
// The vault directory is Options.BasePath, or ".keep" under the user's home
// directory when unset. Audit events go to a JSONL file logger inside the
// vault directory unless Options.Audit selects otherwise.
func New(options Options) (*Manager, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	basePath := options.BasePath
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		basePath = filepath.Join(home, ".keep")
	}

	store, err := persist.NewFileSystemStore(basePath, persist.DetectCapabilities())
	if err != nil {
		return nil, fmt.Errorf("failed to open vault storage: %w", err)
	}

	auditConfig := options.Audit
	if auditConfig == nil {
		auditConfig = &audit.Config{
			Enabled: true,
			Type:    audit.FileAuditType,
			Options: map[string]interface{}{
				"file_path": filepath.Join(basePath, "audit.log"),
			},
		}
	}
	auditLogger, err := audit.NewLogger(auditConfig)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	m, err := NewWithStore(options, store, auditLogger)
	if err != nil {
		_ = auditLogger.Close()
		_ = store.Close()
		return nil, err
	}
	return m, nil
}

// NewWithStore creates a Manager over a caller-supplied storage backend and
// audit logger. A nil auditLogger disables auditing. Storage connectivity is
// verified before the Manager is returned so a misconfigured remote backend
// fails here rather than on first use.
func NewWithStore(options Options, store persist.Store, auditLogger audit.Logger) (*Manager, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	userID := options.UserID
	if userID == "" {
		userID = misc.CurrentUser()
	}

	caps := DetectCustodianCapabilities()

	m := &Manager{
		options: options,
		store:   store,
		secrets: NewSecretStore(store),
		keys:    NewKeyVault(store, caps),
		caps:    caps,
		audit:   auditLogger,
		userID:  userID,
	}

	// Best effort. The vault stays functional with enclave-level protection
	// when the platform refuses a full lock.
	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			log.Printf("WARNING: cannot fully protect memory: %v", err)
		}
		m.memoryProtection = level
	}

	return m, nil
}

// InitKeys generates the vault's RSA key pair and persists it in the custody
// shape the passphrase selects: empty passphrase leaves a plaintext key
// file, a passphrase of at least MinPassphraseLength produces a
// passphrase-protected key file. bits zero selects Options.KeyBits, or
// DefaultKeyBits when that is also unset. A vault that already has a key
// pair is rejected.
//
// The passphrase is deliberately not read from Options.EnvPassphraseVar
// here: creating passphrase protection is an explicit decision.
func (m *Manager) InitKeys(passphrase []byte, bits int) error {
	requestID := m.newRequestID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errManagerClosed
	}

	if bits == 0 {
		bits = m.options.KeyBits
	}
	if bits == 0 {
		bits = DefaultKeyBits
	}

	err := m.keys.Init(passphrase, bits)
	m.logAudit(requestID, "KEYS_INITIALIZED", err, map[string]interface{}{
		"key_bits":             bits,
		"passphrase_protected": len(passphrase) > 0,
	})
	return err
}

// DestroyKeys securely erases the private key in whatever custody shape it
// is in, removes the public key and resets the custody configuration.
// Stored secrets are not touched; without a backup of the key pair they
// become unrecoverable, so interactive callers must confirm first.
// Destroying an empty vault is a no-op.
func (m *Manager) DestroyKeys() error {
	requestID := m.newRequestID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errManagerClosed
	}

	count, countErr := m.secrets.Count()

	err := m.keys.Destroy()
	metadata := map[string]interface{}{}
	if countErr == nil {
		metadata["secret_count"] = count
	}
	m.logAudit(requestID, "KEYS_DESTROYED", err, metadata)
	return err
}

// AddSecret encrypts value under the vault's public key and stores it under
// name. An empty value is rejected; storing over an existing name requires
// overwrite. The private key is not needed, so adding works in every
// custody state that has a key pair, without a ceremony.
func (m *Manager) AddSecret(name string, value []byte, overwrite bool) error {
	requestID := m.newRequestID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errManagerClosed
	}

	err := m.addSecret(name, value, overwrite)
	m.logAudit(requestID, "SECRET_ADDED", err, map[string]interface{}{
		"secret_name": name,
		"overwrite":   overwrite,
	})
	return err
}

func (m *Manager) addSecret(name string, value []byte, overwrite bool) error {
	if len(value) == 0 {
		return ValidationError{Field: "value", Message: "secret value must not be empty"}
	}
	pub, err := m.keys.PublicKey()
	if err != nil {
		return err
	}
	env, err := Encrypt(value, pub)
	if err != nil {
		return err
	}
	return m.secrets.Add(name, env, overwrite)
}

// GetSecret decrypts and returns the named secret. Depending on custody
// state this may require the passphrase or trigger a custodian ceremony.
// The missing-secret check runs first so looking up an unknown name never
// costs an authentication ceremony.
func (m *Manager) GetSecret(name string, passphrase []byte) ([]byte, error) {
	requestID := m.newRequestID()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errManagerClosed
	}

	value, err := m.getSecret(name, passphrase)
	m.logAudit(requestID, "SECRET_ACCESSED", err, map[string]interface{}{
		"secret_name": name,
	})
	return value, err
}

func (m *Manager) getSecret(name string, passphrase []byte) ([]byte, error) {
	env, err := m.secrets.Get(name)
	if err != nil {
		return nil, err
	}
	priv, err := m.keys.LoadPrivateKey(m.resolvePassphrase(passphrase))
	if err != nil {
		return nil, err
	}
	return Decrypt(env, priv)
}

// DeleteSecret removes the named secret. Deleting an unknown name is
// NotFoundError.
func (m *Manager) DeleteSecret(name string) error {
	requestID := m.newRequestID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errManagerClosed
	}

	err := m.secrets.Delete(name)
	m.logAudit(requestID, "SECRET_DELETED", err, map[string]interface{}{
		"secret_name": name,
	})
	return err
}

// ListSecrets returns all secret names in sorted order.
func (m *Manager) ListSecrets() ([]string, error) {
	requestID := m.newRequestID()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errManagerClosed
	}

	names, err := m.secrets.List()
	m.logAudit(requestID, "SECRETS_LISTED", err, map[string]interface{}{
		"secret_count": len(names),
	})
	return names, err
}

// SearchSecrets returns the sorted names containing query, matched case
// insensitively. An empty query matches everything.
func (m *Manager) SearchSecrets(query string) ([]string, error) {
	requestID := m.newRequestID()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errManagerClosed
	}

	names, err := m.secrets.Search(query)
	m.logAudit(requestID, "SECRETS_SEARCHED", err, map[string]interface{}{
		"query":   query,
		"matches": len(names),
	})
	return names, err
}

// SecretInfo returns non-sensitive metadata about the named secret without
// decrypting it.
func (m *Manager) SecretInfo(name string) (*SecretInfo, error) {
	requestID := m.newRequestID()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errManagerClosed
	}

	info, err := m.secrets.Info(name)
	m.logAudit(requestID, "SECRET_INFO", err, map[string]interface{}{
		"secret_name": name,
	})
	return info, err
}

// EnableCustodian moves the private key from file custody into custodian
// custody. The passphrase is required when the key file is passphrase
// protected. The custodian actually used may differ from the requested kind
// when the platform forces a fallback; the effective kind is recorded in
// the vault configuration.
func (m *Manager) EnableCustodian(kind CustodianKind, passphrase []byte) error {
	requestID := m.newRequestID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errManagerClosed
	}

	err := m.keys.EnableCustodian(kind, m.resolvePassphrase(passphrase))
	m.logAudit(requestID, "CUSTODIAN_ENABLED", err, map[string]interface{}{
		"custodian_kind": string(kind),
	})
	return err
}

// DisableCustodian recovers the private key from the custodian, returns it
// to a plaintext key file and erases the custodian-side material. The
// recovery runs an authentication ceremony.
func (m *Manager) DisableCustodian() error {
	requestID := m.newRequestID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errManagerClosed
	}

	err := m.keys.DisableCustodian()
	m.logAudit(requestID, "CUSTODIAN_DISABLED", err, nil)
	return err
}

// ExportSecrets returns the full encrypted secret collection in the
// portable export shape. Values stay encrypted; the export is only useful
// together with the vault's key pair.
func (m *Manager) ExportSecrets() (*ExportData, error) {
	requestID := m.newRequestID()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errManagerClosed
	}

	data, err := m.secrets.Export()
	metadata := map[string]interface{}{}
	if data != nil {
		metadata["secret_count"] = data.Metadata.SecretCount
	}
	m.logAudit(requestID, "SECRETS_EXPORTED", err, metadata)
	return data, err
}

// ImportSecrets merges an exported collection into the vault. Existing
// names are skipped unless overwrite is set. Every name is validated before
// anything is written, so a bad entry rejects the whole import.
func (m *Manager) ImportSecrets(data *ExportData, overwrite bool) (imported, skipped int, err error) {
	requestID := m.newRequestID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, 0, errManagerClosed
	}

	imported, skipped, err = m.secrets.Import(data, overwrite)
	m.logAudit(requestID, "SECRETS_IMPORTED", err, map[string]interface{}{
		"imported": imported,
		"skipped":  skipped,
	})
	return imported, skipped, err
}

// Status reports the vault's custody state, key parameters, secret count
// and the storage and platform capabilities in effect.
func (m *Manager) Status() (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errManagerClosed
	}

	state, err := m.keys.State()
	if err != nil {
		return nil, err
	}
	cfg, err := m.keys.Config()
	if err != nil {
		return nil, err
	}
	count, err := m.secrets.Count()
	if err != nil {
		return nil, err
	}

	return &Status{
		CustodyState:        state,
		KeyBits:             cfg.KeyBits,
		KeyFingerprint:      cfg.KeyFingerprint,
		PassphraseProtected: cfg.PassphraseProtected,
		CustodianEnabled:    cfg.CustodianEnabled,
		CustodianKind:       cfg.CustodianKind,
		Custodians:          m.caps,
		SecretCount:         count,
		StoreType:           m.store.GetType(),
		PermissionsEnforced: m.store.SupportsPermissions(),
		MemoryProtection:    m.memoryProtection.String(),
		AgentIntegration:    cfg.AgentIntegration,
		CreatedAt:           cfg.CreatedAt,
		LastRotatedAt:       cfg.LastRotatedAt,
	}, nil
}

// PermissionReport inspects the on-disk permission state of the vault's
// artifacts. Only filesystem-backed vaults have one; other backends return
// nil, which status surfaces render as "advisory".
func (m *Manager) PermissionReport() ([]persist.ArtifactPermission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errManagerClosed
	}

	fsStore, ok := m.store.(*persist.FileSystemStore)
	if !ok {
		return nil, nil
	}
	return fsStore.PermissionReport()
}

// AuditQuery runs a filtered query against the audit trail.
func (m *Manager) AuditQuery(options audit.QueryOptions) (audit.QueryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return audit.QueryResult{}, errManagerClosed
	}
	return m.audit.Query(options)
}

// Close shuts the Manager down: it records the shutdown in the audit trail,
// closes the audit logger and the store, and releases the memory lock when
// one was taken. Close is idempotent; after it returns every other method
// fails. Errors from individual steps are collected so cleanup always runs
// to completion.
func (m *Manager) Close() error {
	requestID := m.newRequestID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	var errs []error

	m.logAudit(requestID, "MANAGER_SHUTDOWN", nil, nil)
	m.closed = true

	if err := m.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if m.options.EnableMemoryLock {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unlock memory: %w", err))
		}
	}

	return combineErrs(errs)
}

// resolvePassphrase falls back to the configured environment variable when
// the caller supplied no passphrase.
func (m *Manager) resolvePassphrase(passphrase []byte) []byte {
	if len(passphrase) > 0 || m.options.EnvPassphraseVar == "" {
		return passphrase
	}
	if v := os.Getenv(m.options.EnvPassphraseVar); v != "" {
		return []byte(v)
	}
	return passphrase
}

// logAudit records an operation outcome. Audit problems are reported to the
// process log and never fail the operation being audited.
func (m *Manager) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if m.audit == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["user"] = m.userID
	metadata["source"] = misc.Hostname()
	metadata["request_id"] = requestID
	metadata["timestamp"] = time.Now().UTC()

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := m.audit.Log(action, success, metadata); auditErr != nil {
		log.Printf("ERROR: audit logging failed for action %s: %v", action, auditErr)
	}
}

func (m *Manager) newRequestID() string {
	return fmt.Sprintf("k_%d", time.Now().UnixNano())
}

func combineErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var sb strings.Builder
	for i, err := range errs {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return errors.New(sb.String())
}
