package persist

import (
	"time"
)

// Store defines the interface for persisting vault artifacts.
// The methods in this interface manage the encrypted secrets collection,
// the vault configuration, the key pair artifacts and rotation backups.
// All secret data passed to this interface is already encrypted by the
// vault layer; the private key artifact is PEM, optionally passphrase
// protected, and stores must treat it as the most sensitive blob they hold.
type Store interface {

	// Secrets collection

	// SaveSecretsData atomically replaces the encrypted secrets collection.
	// The write must be all-or-nothing: a crash mid-save leaves the
	// previous collection intact.
	SaveSecretsData(encryptedSecretsData []byte) error

	// LoadSecretsData retrieves the encrypted secrets collection.
	// Returns:
	// - A byte slice containing the secrets collection.
	// - An error satisfying os.IsNotExist if no collection exists yet.
	LoadSecretsData() ([]byte, error)

	// SecretsDataExists checks if a secrets collection is present.
	SecretsDataExists() (bool, error)

	// Vault configuration

	// SaveVaultConfig atomically replaces the vault configuration record.
	SaveVaultConfig(configData []byte) error

	// LoadVaultConfig retrieves the vault configuration record.
	// Returns:
	// - A byte slice containing the configuration.
	// - An error satisfying os.IsNotExist if no configuration exists.
	LoadVaultConfig() ([]byte, error)

	// VaultConfigExists checks if a vault configuration is present.
	VaultConfigExists() (bool, error)

	// Key pair artifacts

	// SavePrivateKey atomically replaces the private key artifact.
	// The artifact is written with the most restrictive permissions the
	// backend supports.
	SavePrivateKey(keyPEM []byte) error

	// LoadPrivateKey retrieves the private key artifact.
	LoadPrivateKey() ([]byte, error)

	// PrivateKeyExists checks if a private key artifact is present.
	PrivateKeyExists() (bool, error)

	// ShredPrivateKey destroys the private key artifact. Backends first
	// overwrite the artifact's full length with random bytes, then remove
	// it. Absence is not an error; shredding is idempotent.
	ShredPrivateKey() error

	// SavePublicKey atomically replaces the public key artifact. Public
	// keys are not sensitive and may be world-readable.
	SavePublicKey(keyPEM []byte) error

	// LoadPublicKey retrieves the public key artifact.
	LoadPublicKey() ([]byte, error)

	// PublicKeyExists checks if a public key artifact is present.
	PublicKeyExists() (bool, error)

	// DeletePublicKey removes the public key artifact. Absence is not an
	// error.
	DeletePublicKey() error

	// Custodian wrapped key

	// SaveWrappedKey atomically replaces the custodian wrapped key handle.
	SaveWrappedKey(handle []byte) error

	// LoadWrappedKey retrieves the custodian wrapped key handle.
	// Returns:
	// - A byte slice containing the handle.
	// - An error satisfying os.IsNotExist if no handle exists.
	LoadWrappedKey() ([]byte, error)

	// WrappedKeyExists checks if a wrapped key handle is present.
	WrappedKeyExists() (bool, error)

	// DeleteWrappedKey removes the wrapped key handle. Absence is not an
	// error.
	DeleteWrappedKey() error

	// Rotation backups

	// SaveKeyBackup stores a timestamped copy of a key pair before
	// rotation replaces it.
	// Parameters:
	// - label: A short reason tag included in the backup name.
	// - privateKeyPEM: The serialized private key, in whatever protection
	//   state it was persisted with.
	// - publicKeyPEM: The serialized public key.
	// Returns:
	// - The backend-specific location of the backup.
	// - An error if the backup could not be completed.
	SaveKeyBackup(label string, privateKeyPEM, publicKeyPEM []byte) (string, error)

	// ListKeyBackups retrieves information about stored key backups,
	// newest first.
	ListKeyBackups() ([]KeyBackupInfo, error)

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string

	// SupportsPermissions reports whether the backend can enforce POSIX
	// file permissions. When false, permission hardening is advisory and
	// status surfaces must say so.
	SupportsPermissions() bool
}

// KeyBackupInfo holds metadata about one rotation key backup without
// loading the key material itself.
type KeyBackupInfo struct {
	// Label is the reason tag the backup was created with, for example
	// "key_rotation".
	Label string `json:"label"`

	// Location is the backend-specific path or key prefix of the backup.
	Location string `json:"location"`

	// CreatedAt is when the backup was taken.
	CreatedAt time.Time `json:"created_at"`

	// HasPrivateKey reports whether the backup contains a private key
	// artifact. It should; a backup without one indicates a partially
	// written backup.
	HasPrivateKey bool `json:"has_private_key"`
}

// StoreConfig provides configuration for different storage backends.
//
// The struct holds the parameters needed to construct a storage backend:
// a type selecting the implementation, and a configuration map with
// backend-specific settings.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/home/user/.keep"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	// This field must be one of the predefined StoreType constants.
	// Example values: "filesystem", "s3".
	Type StoreType `json:"type"`

	// Config contains configuration settings specific to the chosen
	// storage backend. Keys and values depend on the storage type; for
	// StoreTypeS3 this includes "bucket", "endpoint" and credentials.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem indicates that the file system should be used for storage.
	// Configuration related to file system paths will be provided in the Config field.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 indicates that an S3-compatible service should be used as the
	// storage backend. Configuration such as bucket name and credentials will be
	// provided in the Config field.
	StoreTypeS3 StoreType = "s3"
)
