package persist

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"southwinds.dev/keep/internal/debug"
	"southwinds.dev/keep/internal/misc"
	"strings"
	"time"
)

const (
	FilePermissions       os.FileMode = 0600
	DirPermissions        os.FileMode = 0700
	PublicFilePermissions os.FileMode = 0644
)

// FileSystemStore implements Store on a local directory holding a single
// user's vault.
//
// Directory layout:
//
//	basePath/
//	├── config.json       # vault configuration (custody state)
//	├── secrets.json      # encrypted secrets collection
//	├── private.pem       # private key, plain or passphrase protected
//	├── public.pem        # public key, world readable
//	├── custodian/
//	│   └── wrapped_key.json   # custodian wrapped key handle
//	└── backups/
//	    └── key_rotation_20240101_120000/
//	        ├── private.pem
//	        └── public.pem
type FileSystemStore struct {
	basePath       string
	caps           Capabilities
	configFile     string // basePath/config.json
	secretsFile    string // basePath/secrets.json
	privateKeyFile string // basePath/private.pem
	publicKeyFile  string // basePath/public.pem
	custodianDir   string // basePath/custodian/
	wrappedKeyFile string // basePath/custodian/wrapped_key.json
	backupsDir     string // basePath/backups/
}

// ArtifactPermission describes the observed permission state of one vault
// artifact on disk.
type ArtifactPermission struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Mode     os.FileMode `json:"mode"`
	Secure   bool        `json:"secure"`
	Advisory bool        `json:"advisory"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore.
// The base directory and its subdirectories are created with 0700 when the
// platform enforces POSIX permissions; on other platforms the modes are
// advisory and creation proceeds regardless.
func NewFileSystemStore(basePath string, caps Capabilities) (*FileSystemStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("base path is required")
	}

	fs := &FileSystemStore{
		basePath:       basePath,
		caps:           caps,
		configFile:     filepath.Join(basePath, "config.json"),
		secretsFile:    filepath.Join(basePath, "secrets.json"),
		privateKeyFile: filepath.Join(basePath, "private.pem"),
		publicKeyFile:  filepath.Join(basePath, "public.pem"),
		custodianDir:   filepath.Join(basePath, "custodian"),
		backupsDir:     filepath.Join(basePath, "backups"),
	}
	fs.wrappedKeyFile = filepath.Join(fs.custodianDir, "wrapped_key.json")

	// Create necessary directories
	dirs := []string{
		fs.basePath,
		fs.custodianDir,
		fs.backupsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// Re-assert the base directory mode for pre-existing directories.
	if caps.PosixPermissions {
		if err := os.Chmod(fs.basePath, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to restrict vault directory: %w", err)
		}
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig.
func NewFileSystemStoreFromConfig(config StoreConfig, caps Capabilities) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath, caps)
}

// BasePath returns the directory the store operates on.
func (fs *FileSystemStore) BasePath() string {
	return fs.basePath
}

// Secrets collection

func (fs *FileSystemStore) SaveSecretsData(encryptedSecretsData []byte) error {
	if encryptedSecretsData == nil {
		return fmt.Errorf("secrets data cannot be nil")
	}

	if err := os.MkdirAll(fs.basePath, DirPermissions); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	return fs.writeSecureFile(fs.secretsFile, encryptedSecretsData, FilePermissions)
}

func (fs *FileSystemStore) LoadSecretsData() ([]byte, error) {
	debug.Print("LoadSecretsData: reading from %s\n", fs.secretsFile)

	data, err := os.ReadFile(fs.secretsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load secrets data: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) SecretsDataExists() (bool, error) {
	return fileExists(fs.secretsFile)
}

// Vault configuration

func (fs *FileSystemStore) SaveVaultConfig(configData []byte) error {
	if configData == nil {
		return fmt.Errorf("config data cannot be nil")
	}

	if err := os.MkdirAll(fs.basePath, DirPermissions); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	return fs.writeSecureFile(fs.configFile, configData, FilePermissions)
}

func (fs *FileSystemStore) LoadVaultConfig() ([]byte, error) {
	data, err := os.ReadFile(fs.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load vault config: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) VaultConfigExists() (bool, error) {
	return fileExists(fs.configFile)
}

// Key pair artifacts

func (fs *FileSystemStore) SavePrivateKey(keyPEM []byte) error {
	if len(keyPEM) == 0 {
		return fmt.Errorf("private key data is required")
	}

	if err := os.MkdirAll(fs.basePath, DirPermissions); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	return fs.writeSecureFile(fs.privateKeyFile, keyPEM, FilePermissions)
}

func (fs *FileSystemStore) LoadPrivateKey() ([]byte, error) {
	data, err := os.ReadFile(fs.privateKeyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) PrivateKeyExists() (bool, error) {
	return fileExists(fs.privateKeyFile)
}

// ShredPrivateKey overwrites the private key artifact with random bytes
// across its full length, then unlinks it. A best-effort defence for
// conventional filesystems; journaling and copy-on-write filesystems may
// retain stale blocks, which the overwrite cannot reach.
func (fs *FileSystemStore) ShredPrivateKey() error {
	return shredFile(fs.privateKeyFile)
}

func (fs *FileSystemStore) SavePublicKey(keyPEM []byte) error {
	if len(keyPEM) == 0 {
		return fmt.Errorf("public key data is required")
	}

	if err := os.MkdirAll(fs.basePath, DirPermissions); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	return fs.writeSecureFile(fs.publicKeyFile, keyPEM, PublicFilePermissions)
}

func (fs *FileSystemStore) LoadPublicKey() ([]byte, error) {
	data, err := os.ReadFile(fs.publicKeyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) PublicKeyExists() (bool, error) {
	return fileExists(fs.publicKeyFile)
}

func (fs *FileSystemStore) DeletePublicKey() error {
	if err := os.Remove(fs.publicKeyFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete public key: %w", err)
	}
	return nil
}

// Custodian wrapped key

func (fs *FileSystemStore) SaveWrappedKey(handle []byte) error {
	if len(handle) == 0 {
		return fmt.Errorf("wrapped key handle is required")
	}

	if err := os.MkdirAll(fs.custodianDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create custodian directory: %w", err)
	}

	return fs.writeSecureFile(fs.wrappedKeyFile, handle, FilePermissions)
}

func (fs *FileSystemStore) LoadWrappedKey() ([]byte, error) {
	data, err := os.ReadFile(fs.wrappedKeyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load wrapped key: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) WrappedKeyExists() (bool, error) {
	return fileExists(fs.wrappedKeyFile)
}

func (fs *FileSystemStore) DeleteWrappedKey() error {
	if err := os.Remove(fs.wrappedKeyFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete wrapped key: %w", err)
	}
	return nil
}

// Rotation backups

func (fs *FileSystemStore) SaveKeyBackup(label string, privateKeyPEM, publicKeyPEM []byte) (string, error) {
	if err := validateBackupLabel(label); err != nil {
		return "", err
	}
	if len(privateKeyPEM) == 0 {
		return "", fmt.Errorf("private key data is required")
	}
	if len(publicKeyPEM) == 0 {
		return "", fmt.Errorf("public key data is required")
	}

	backupDir := filepath.Join(fs.backupsDir,
		fmt.Sprintf("%s_%s", label, misc.BackupTimestamp(time.Now())))

	if err := os.MkdirAll(backupDir, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	if err := fs.writeSecureFile(filepath.Join(backupDir, "private.pem"), privateKeyPEM, FilePermissions); err != nil {
		_ = os.RemoveAll(backupDir)
		return "", fmt.Errorf("failed to back up private key: %w", err)
	}
	if err := fs.writeSecureFile(filepath.Join(backupDir, "public.pem"), publicKeyPEM, PublicFilePermissions); err != nil {
		_ = os.RemoveAll(backupDir)
		return "", fmt.Errorf("failed to back up public key: %w", err)
	}

	debug.Print("SaveKeyBackup: wrote backup to %s\n", backupDir)
	return backupDir, nil
}

func (fs *FileSystemStore) ListKeyBackups() ([]KeyBackupInfo, error) {
	if _, err := os.Stat(fs.backupsDir); os.IsNotExist(err) {
		return []KeyBackupInfo{}, nil
	}

	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var backups []KeyBackupInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			debug.Print("ListKeyBackups: skipping %s: %v\n", entry.Name(), err)
			continue
		}

		label := entry.Name()
		createdAt := info.ModTime()

		// Names follow <label>_<yyyymmdd>_<hhmmss>; recover both parts
		// when the name parses, otherwise fall back to directory mtime.
		if idx := strings.LastIndex(entry.Name(), "_"); idx > 0 {
			if first := strings.LastIndex(entry.Name()[:idx], "_"); first > 0 {
				stamp := entry.Name()[first+1:]
				if parsed, perr := time.ParseInLocation("20060102_150405", stamp, time.Local); perr == nil {
					label = entry.Name()[:first]
					createdAt = parsed
				}
			}
		}

		hasPrivate, _ := fileExists(filepath.Join(fs.backupsDir, entry.Name(), "private.pem"))

		backups = append(backups, KeyBackupInfo{
			Label:         label,
			Location:      filepath.Join(fs.backupsDir, entry.Name()),
			CreatedAt:     createdAt,
			HasPrivateKey: hasPrivate,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// Health and utilities

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

// Close is a no-op; the store holds no open handles between calls.
func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) SupportsPermissions() bool {
	return fs.caps.PosixPermissions
}

// PermissionReport inspects the on-disk permission state of every artifact
// that currently exists. On platforms without POSIX permissions every entry
// is reported as advisory.
func (fs *FileSystemStore) PermissionReport() ([]ArtifactPermission, error) {
	artifacts := []struct {
		name     string
		path     string
		wantMask os.FileMode // bits that must NOT be set
	}{
		{"vault directory", fs.basePath, 0077},
		{"config", fs.configFile, 0077},
		{"secrets", fs.secretsFile, 0077},
		{"private key", fs.privateKeyFile, 0077},
		{"public key", fs.publicKeyFile, 0022},
		{"wrapped key", fs.wrappedKeyFile, 0077},
	}

	var report []ArtifactPermission
	for _, a := range artifacts {
		info, err := os.Stat(a.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", a.path, err)
		}

		mode := info.Mode().Perm()
		entry := ArtifactPermission{
			Name:     a.name,
			Path:     a.path,
			Mode:     mode,
			Secure:   mode&a.wantMask == 0,
			Advisory: !fs.caps.PosixPermissions,
		}
		if entry.Advisory {
			entry.Secure = true
		}
		report = append(report, entry)
	}

	return report, nil
}

// Helper functions

// renameFile is swapped by tests to fail the replace step after the temp
// file has been fully written.
var renameFile = os.Rename

// writeSecureFile writes data through a temp file in the target directory,
// syncs, sets permissions and renames over the destination. The rename is
// the atomicity boundary: readers see either the old content or the new
// content, never a partial write.
func (fs *FileSystemStore) writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		// Permission bits are advisory without POSIX support.
		if fs.caps.PosixPermissions {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to set permissions: %w", err)
		}
	}

	if err = renameFile(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// shredFile overwrites a file's full length with random bytes, syncs and
// removes it. Missing files are not an error.
func shredFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat file for shredding: %w", err)
	}

	size := info.Size()
	if size > 0 {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("failed to open file for shredding: %w", err)
		}

		noise := make([]byte, size)
		if _, err = rand.Read(noise); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to generate overwrite data: %w", err)
		}

		if _, err = f.WriteAt(noise, 0); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to overwrite file: %w", err)
		}

		if err = f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to sync overwrite: %w", err)
		}

		if err = f.Close(); err != nil {
			return fmt.Errorf("failed to close file after overwrite: %w", err)
		}
	}

	if err = os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// validateBackupLabel rejects labels that could escape the backups
// directory or produce unusable names.
func validateBackupLabel(label string) error {
	if label == "" {
		return fmt.Errorf("backup label cannot be empty")
	}

	if strings.Contains(label, "..") ||
		strings.Contains(label, "/") ||
		strings.Contains(label, "\\") ||
		strings.Contains(label, " ") {
		return fmt.Errorf("backup label contains invalid characters")
	}

	if len(label) > 100 {
		return fmt.Errorf("backup label too long (max 100 characters)")
	}

	return nil
}
