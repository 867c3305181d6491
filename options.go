package keep

import (
	"fmt"

	"southwinds.dev/keep/audit"
)

// Options represents configuration parameters for Manager construction and operation.
//
// This structure controls where the vault lives, how new key pairs are sized,
// how passphrases reach non-interactive processes, and which operational
// protections are enabled. It implements security-by-design principles with a
// clear separation between serializable configuration and sensitive runtime
// parameters that must never be persisted or transmitted.
//
// STRUCTURE PURPOSE AND SCOPE:
// Options serves as the configuration interface for vault operations:
// - Selects the vault directory for the default filesystem backend
// - Controls cryptographic key sizing for key pair generation
// - Provides environment-based passphrase delivery for deployment flexibility
// - Manages memory protection configuration for sensitive data handling
// - Identifies the operator for audit trail attribution
//
// PASSPHRASE DELIVERY:
// Operations that need the private key accept an explicit passphrase
// parameter. When the caller passes none and EnvPassphraseVar is set, the
// Manager reads the passphrase from the named environment variable instead.
// This avoids command-line argument exposure in process lists and supports
// deployment automation without embedding credentials in configuration
// files. The passphrase itself never appears in this structure.
//
// SERIALIZATION SECURITY:
// Fields that identify people or processes (UserID) are excluded from JSON
// output with `json:"-"`. The remaining fields carry no secret material and
// are safe for configuration files and version control.
type Options struct {
	// BasePath selects the directory backing the default filesystem store
	// used by New. When empty, the vault lives in ".keep" under the user's
	// home directory. NewWithStore ignores this field because the caller
	// supplies the storage backend directly.
	BasePath string `json:"base_path,omitempty"`

	// KeyBits is the RSA modulus size used when key generation is requested
	// without an explicit size. Zero selects DefaultKeyBits. Values below
	// MinKeyBits are rejected by Validate.
	KeyBits int `json:"key_bits,omitempty"`

	// EnvPassphraseVar names an environment variable containing the vault
	// passphrase. It is consulted only when an operation that needs the
	// private key receives no explicit passphrase. Leave empty to disable
	// the fallback.
	//
	// The environment variable should be populated by a secret management
	// system with restricted access; it is never written back by the vault.
	//
	// Example values:
	// - "KEEP_PASSPHRASE" - default used by the command line client
	// - "APP_VAULT_PASSPHRASE" - application-specific identification
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// EnableMemoryLock controls memory locking to prevent sensitive data
	// paging to disk. When enabled, the Manager attempts to lock the
	// process address space in physical RAM so key material and decrypted
	// secrets cannot leak through swap or hibernation files.
	//
	// Operating System Integration:
	// - Unix/Linux: mlockall() via golang.org/x/sys/unix
	// - Other platforms: best-effort, reported as partial protection
	//
	// Locking is best-effort. When the platform refuses (usually RLIMIT_MEMLOCK),
	// the Manager continues with enclave-level protection only and records
	// the achieved level for Status reporting.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// Audit configures the audit logger built by New. Nil selects a JSONL
	// file logger writing to "audit.log" inside the vault directory.
	// Disable by supplying a config with Enabled false. NewWithStore
	// ignores this field because the caller supplies the logger directly.
	Audit *audit.Config `json:"audit,omitempty"`

	// UserID identifies the operator in audit events. When empty the
	// current OS user name is recorded.
	UserID string `json:"-"`
}

// Validate checks the Options configuration before any storage or
// cryptographic work begins.
func (o Options) Validate() error {
	if o.KeyBits != 0 && o.KeyBits < MinKeyBits {
		return ValidationError{
			Field:   "key_bits",
			Message: fmt.Sprintf("key size must be at least %d bits, got %d", MinKeyBits, o.KeyBits),
		}
	}
	if o.EnvPassphraseVar != "" && !isValidEnvVarName(o.EnvPassphraseVar) {
		return ValidationError{
			Field:   "env_passphrase_var",
			Message: fmt.Sprintf("invalid environment variable name: %s", o.EnvPassphraseVar),
		}
	}
	if o.Audit != nil && o.Audit.Enabled {
		switch o.Audit.Type {
		case audit.FileAuditType, audit.SyslogAuditType, audit.NoOp:
		default:
			return ValidationError{
				Field:   "audit",
				Message: fmt.Sprintf("unknown audit provider: %s", o.Audit.Type),
			}
		}
	}
	return nil
}
