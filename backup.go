package keep

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"io"
	"os"
	"southwinds.dev/keep/internal/crypto"
	"strings"
	"time"
)

// Archive entry names. Every entry in a vault archive is a flat file name
// from this fixed set; anything else is rejected before extraction.
const (
	manifestEntryName     = "manifest.json"
	archiveConfigName     = "config.json"
	archiveSecretsName    = "secrets.json"
	archivePublicKeyName  = "public.pem"
	archivePrivateKeyName = "private.pem"
	archiveWrappedKeyName = "wrapped_key.json"
)

// archiveFormatVersion identifies the archive layout. Imports refuse
// archives written with a version they do not understand.
const archiveFormatVersion = "1"

// maxArchiveEntrySize bounds how much memory a single archive entry may
// consume during import. The largest legitimate entry is the secrets
// collection, whose envelopes are already capped per secret.
const maxArchiveEntrySize = 64 << 20

var archiveEntryAllowed = map[string]bool{
	manifestEntryName:     true,
	archiveConfigName:     true,
	archiveSecretsName:    true,
	archivePublicKeyName:  true,
	archivePrivateKeyName: true,
	archiveWrappedKeyName: true,
}

// BackupManifest describes the contents of a vault archive. It is stored
// inside the archive as manifest.json and returned by ExportArchive,
// ImportArchive and ReadArchiveManifest.
type BackupManifest struct {
	// ID is a unique identifier assigned when the archive is created.
	ID string `json:"id"`

	// CreatedAt is when the archive was written, in UTC.
	CreatedAt time.Time `json:"created_at"`

	// ToolVersion is the version of the tool that wrote the archive.
	ToolVersion string `json:"tool_version"`

	// FormatVersion is the archive layout version.
	FormatVersion string `json:"format_version"`

	// Entries lists every artifact in the archive with its size and
	// SHA-256 checksum. The manifest itself is not listed.
	Entries []BackupEntry `json:"entries"`
}

// BackupEntry records one artifact carried by a vault archive.
type BackupEntry struct {
	// Name is the flat entry name inside the archive.
	Name string `json:"name"`

	// Size is the artifact length in bytes.
	Size int64 `json:"size"`

	// SHA256 is the hex encoded SHA-256 checksum of the artifact.
	SHA256 string `json:"sha256"`
}

// ExportArchive writes a portable backup of the vault to the given path.
//
// The archive is a gzip compressed tar file carrying byte-exact copies of
// the vault's persisted artifacts together with a manifest describing them.
// Because the artifacts are copied in their persisted form, the archive is
// exactly as protected as the vault it came from: secrets stay encrypted
// under the vault's public key and the private key keeps whatever
// protection state it was stored with.
//
// ARCHIVE LAYOUT:
// The tar stream contains, in order:
//   - manifest.json: archive id, creation time, tool and format versions,
//     and the name, size and SHA-256 checksum of every other entry
//   - config.json: the vault configuration (always present)
//   - secrets.json: the encrypted secrets collection, when one exists
//   - public.pem: the public key, when one exists
//   - private.pem: the private key artifact, when one exists, in its
//     persisted protection state (plaintext or passphrase protected)
//   - wrapped_key.json: the custodian wrapped key handle, when one exists
//
// SECURITY CONSIDERATIONS:
//   - A plaintext-custody vault produces an archive containing an
//     unprotected private key. Treat such archives like the key file.
//   - A custodian-wrapped vault produces an archive whose key handle can
//     only be opened with the same authenticator. Restoring it on another
//     machine leaves the secrets unreadable until the custodian is
//     available there.
//   - The archive file is created with owner-only permissions.
//
// Parameters:
//   - path: Destination file path. An existing file is replaced.
//
// Returns:
//   - The manifest written into the archive.
//   - An error if the vault has no configuration to export
//     (ValidationError) or the archive could not be written
//     (StorageError).
//
// Example:
//
//	manifest, err := manager.ExportArchive("/backups/keep-2024-01-01.tar.gz")
//	if err != nil {
//	    log.Fatalf("backup failed: %v", err)
//	}
//	fmt.Printf("backup %s: %d entries\n", manifest.ID, len(manifest.Entries))
func (m *Manager) ExportArchive(path string) (*BackupManifest, error) {
	requestID := m.newRequestID()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errManagerClosed
	}

	manifest, err := m.exportArchive(path)
	metadata := map[string]interface{}{"location": path}
	if manifest != nil {
		metadata["backup_id"] = manifest.ID
		metadata["entry_count"] = len(manifest.Entries)
	}
	m.logAudit(requestID, "BACKUP_CREATED", err, metadata)
	return manifest, err
}

func (m *Manager) exportArchive(path string) (*BackupManifest, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ValidationError{Field: "path", Message: "archive path cannot be empty"}
	}

	entries, err := m.collectArchiveEntries()
	if err != nil {
		return nil, err
	}

	manifest := &BackupManifest{
		ID:            uuid.New().String(),
		CreatedAt:     time.Now().UTC(),
		ToolVersion:   Version,
		FormatVersion: archiveFormatVersion,
	}
	for _, entry := range entries {
		manifest.Entries = append(manifest.Entries, BackupEntry{
			Name:   entry.name,
			Size:   int64(len(entry.data)),
			SHA256: crypto.CalculateChecksum(entry.data),
		})
	}

	if err = writeArchive(path, manifest, entries); err != nil {
		return nil, err
	}
	return manifest, nil
}

type archivePayload struct {
	name string
	data []byte
}

// collectArchiveEntries loads every persisted artifact the vault currently
// has. The configuration is required; everything else is included when
// present.
func (m *Manager) collectArchiveEntries() ([]archivePayload, error) {
	configData, err := m.store.LoadVaultConfig()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ValidationError{Field: "vault", Message: "vault has no configuration; initialize keys before exporting"}
		}
		return nil, StorageError{Op: "load_vault_config", Err: err}
	}

	entries := []archivePayload{{name: archiveConfigName, data: configData}}

	optional := []struct {
		name string
		load func() ([]byte, error)
		op   string
	}{
		{archiveSecretsName, m.store.LoadSecretsData, "load_secrets"},
		{archivePublicKeyName, m.store.LoadPublicKey, "load_public_key"},
		{archivePrivateKeyName, m.store.LoadPrivateKey, "load_private_key"},
		{archiveWrappedKeyName, m.store.LoadWrappedKey, "load_wrapped_key"},
	}
	for _, artifact := range optional {
		data, err := artifact.load()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, StorageError{Op: artifact.op, Err: err}
		}
		entries = append(entries, archivePayload{name: artifact.name, data: data})
	}
	return entries, nil
}

func writeArchive(path string, manifest *BackupManifest, entries []archivePayload) error {
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return StorageError{Op: "encode_manifest", Err: err}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return StorageError{Op: "create_archive", Path: path, Err: err}
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(path)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	writeEntry := func(name string, data []byte) error {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0600,
			Size:     int64(len(data)),
			ModTime:  manifest.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if err = writeEntry(manifestEntryName, manifestData); err != nil {
		return StorageError{Op: "write_archive", Path: path, Err: err}
	}
	for _, entry := range entries {
		if err = writeEntry(entry.name, entry.data); err != nil {
			return StorageError{Op: "write_archive", Path: path, Err: err}
		}
	}

	if err = tw.Close(); err != nil {
		return StorageError{Op: "write_archive", Path: path, Err: err}
	}
	if err = gz.Close(); err != nil {
		return StorageError{Op: "write_archive", Path: path, Err: err}
	}
	if err = f.Close(); err != nil {
		return StorageError{Op: "write_archive", Path: path, Err: err}
	}
	ok = true
	return nil
}

// ImportArchive replaces the vault's contents with those of an archive
// previously written by ExportArchive.
//
// VALIDATION PIPELINE:
// Nothing is written until the whole archive has been read and verified:
//  1. Every entry name must come from the fixed archive name set. Names
//     with path separators, parent references or absolute paths are
//     rejected, as are non-regular entries, duplicates, empty entries and
//     entries above the size bound.
//  2. The manifest must be present, parse, and carry a supported format
//     version.
//  3. The manifest and the archive must agree exactly: every listed entry
//     present with matching size and SHA-256 checksum, no unlisted entries.
//  4. The configuration entry must parse as a vault configuration and the
//     secrets entry, when present, as a secrets collection.
//
// REPLACEMENT AND ROLLBACK:
// The import replaces the vault wholesale. Artifacts carried by the archive
// are written through the store's atomic replacement; artifacts the archive
// does not carry are removed from the vault. The configuration is written
// last so a failure part way through never installs a configuration that
// references artifacts which were not restored. If any write fails, the
// artifacts written so far are restored from an in-memory snapshot taken
// before the first write; when that rollback itself fails the returned
// error says so.
//
// A vault that already contains any data refuses the import unless
// overwrite is set.
//
// PORTABILITY:
// An archive from a custodian-wrapped vault restores into custodian-wrapped
// custody. The wrapped key handle can only be opened by the authenticator
// that created it, so restoring on a different machine leaves the secrets
// unreadable until that custodian is present or the handle is replaced.
//
// Parameters:
//   - path: Archive file to import.
//   - overwrite: Permit replacing a vault that already contains data.
//
// Returns:
//   - The manifest of the imported archive.
//   - An error if the archive is malformed or fails verification
//     (ValidationError), the vault is non-empty without overwrite
//     (ValidationError), or a store write fails (StorageError).
//
// Example:
//
//	manifest, err := manager.ImportArchive("/backups/keep-2024-01-01.tar.gz", false)
//	if err != nil {
//	    log.Fatalf("restore failed: %v", err)
//	}
//	fmt.Printf("restored backup %s from %s\n", manifest.ID, manifest.CreatedAt)
func (m *Manager) ImportArchive(path string, overwrite bool) (*BackupManifest, error) {
	requestID := m.newRequestID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errManagerClosed
	}

	manifest, err := m.importArchive(path, overwrite)
	metadata := map[string]interface{}{"location": path, "overwrite": overwrite}
	if manifest != nil {
		metadata["backup_id"] = manifest.ID
		metadata["entry_count"] = len(manifest.Entries)
	}
	m.logAudit(requestID, "BACKUP_RESTORED", err, metadata)
	return manifest, err
}

func (m *Manager) importArchive(path string, overwrite bool) (*BackupManifest, error) {
	entries, err := readArchive(path)
	if err != nil {
		return nil, err
	}
	manifest, err := verifyArchive(entries)
	if err != nil {
		return nil, err
	}

	var cfg VaultConfig
	if err = json.Unmarshal(entries[archiveConfigName], &cfg); err != nil {
		return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("configuration entry is malformed: %v", err)}
	}
	if secretsData, present := entries[archiveSecretsName]; present {
		var secrets map[string]*Envelope
		if err = json.Unmarshal(secretsData, &secrets); err != nil {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("secrets entry is malformed: %v", err)}
		}
	}

	if !overwrite {
		hasState, err := m.vaultHasState()
		if err != nil {
			return nil, err
		}
		if hasState {
			return nil, ValidationError{Field: "overwrite", Message: "vault already contains data; pass overwrite to replace it"}
		}
	}

	prior, err := m.snapshotArtifacts()
	if err != nil {
		return nil, err
	}
	if err = m.applyArchive(entries, prior); err != nil {
		return nil, err
	}
	return manifest, nil
}

// readArchive reads every entry of a tar.gz archive into memory, enforcing
// the entry name allow-list and the per-entry size bound as it goes.
func readArchive(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, StorageError{Op: "open_archive", Path: path, Err: err}
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("not a gzip archive: %v", err)}
	}
	defer gz.Close()

	entries := map[string][]byte{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("archive is corrupt: %v", err)}
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("entry %q is not a regular file", hdr.Name)}
		}
		if err = validateArchiveEntryName(hdr.Name); err != nil {
			return nil, err
		}
		if _, dup := entries[hdr.Name]; dup {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("duplicate entry %q", hdr.Name)}
		}

		data, err := io.ReadAll(io.LimitReader(tr, maxArchiveEntrySize+1))
		if err != nil {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("entry %q is unreadable: %v", hdr.Name, err)}
		}
		if len(data) > maxArchiveEntrySize {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("entry %q exceeds the size limit", hdr.Name)}
		}
		if len(data) == 0 {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("entry %q is empty", hdr.Name)}
		}
		entries[hdr.Name] = data
	}
	return entries, nil
}

func validateArchiveEntryName(name string) error {
	if name == "" {
		return ValidationError{Field: "archive", Message: "entry has an empty name"}
	}
	if strings.HasPrefix(name, "/") {
		return ValidationError{Field: "archive", Message: fmt.Sprintf("entry %q has an absolute path", name)}
	}
	if strings.Contains(name, "..") {
		return ValidationError{Field: "archive", Message: fmt.Sprintf("entry %q contains a parent path reference", name)}
	}
	if strings.ContainsAny(name, `/\`) {
		return ValidationError{Field: "archive", Message: fmt.Sprintf("entry %q contains a path separator", name)}
	}
	if !archiveEntryAllowed[name] {
		return ValidationError{Field: "archive", Message: fmt.Sprintf("unexpected entry %q", name)}
	}
	return nil
}

// verifyArchive checks the manifest against the entries actually read:
// supported format version, required configuration entry, exact agreement
// on names, sizes and checksums in both directions.
func verifyArchive(entries map[string][]byte) (*BackupManifest, error) {
	manifestData, present := entries[manifestEntryName]
	if !present {
		return nil, ValidationError{Field: "archive", Message: "archive has no manifest"}
	}
	var manifest BackupManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("manifest is malformed: %v", err)}
	}
	if manifest.FormatVersion != archiveFormatVersion {
		return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("unsupported archive format version %q", manifest.FormatVersion)}
	}

	listed := map[string]bool{}
	for _, entry := range manifest.Entries {
		if entry.Name == manifestEntryName {
			return nil, ValidationError{Field: "archive", Message: "manifest lists itself"}
		}
		if listed[entry.Name] {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("manifest lists %q twice", entry.Name)}
		}
		listed[entry.Name] = true

		data, present := entries[entry.Name]
		if !present {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("manifest lists %q but the archive does not contain it", entry.Name)}
		}
		if int64(len(data)) != entry.Size {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("entry %q size mismatch", entry.Name)}
		}
		if crypto.CalculateChecksum(data) != entry.SHA256 {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("entry %q checksum mismatch", entry.Name)}
		}
	}

	for name := range entries {
		if name == manifestEntryName {
			continue
		}
		if !listed[name] {
			return nil, ValidationError{Field: "archive", Message: fmt.Sprintf("entry %q is not listed in the manifest", name)}
		}
	}

	if !listed[archiveConfigName] {
		return nil, ValidationError{Field: "archive", Message: "archive has no configuration entry"}
	}
	return &manifest, nil
}

// ReadArchiveManifest reads and verifies an archive without touching any
// vault, returning its manifest. Verification is the same as ImportArchive
// runs, so a manifest returned here describes contents that actually match
// their checksums.
func ReadArchiveManifest(path string) (*BackupManifest, error) {
	entries, err := readArchive(path)
	if err != nil {
		return nil, err
	}
	return verifyArchive(entries)
}

func (m *Manager) vaultHasState() (bool, error) {
	checks := []func() (bool, error){
		m.store.VaultConfigExists,
		m.store.SecretsDataExists,
		m.store.PublicKeyExists,
		m.store.PrivateKeyExists,
		m.store.WrappedKeyExists,
	}
	for _, check := range checks {
		present, err := check()
		if err != nil {
			return false, StorageError{Op: "inspect_vault", Err: err}
		}
		if present {
			return true, nil
		}
	}
	return false, nil
}

// vaultSnapshot holds the raw bytes of every persisted artifact at one
// point in time. A nil slice means the artifact was absent.
type vaultSnapshot struct {
	config  []byte
	secrets []byte
	public  []byte
	private []byte
	wrapped []byte
}

func (m *Manager) snapshotArtifacts() (*vaultSnapshot, error) {
	snap := &vaultSnapshot{}
	artifacts := []struct {
		load func() ([]byte, error)
		dest *[]byte
	}{
		{m.store.LoadVaultConfig, &snap.config},
		{m.store.LoadSecretsData, &snap.secrets},
		{m.store.LoadPublicKey, &snap.public},
		{m.store.LoadPrivateKey, &snap.private},
		{m.store.LoadWrappedKey, &snap.wrapped},
	}
	for _, artifact := range artifacts {
		data, err := artifact.load()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, StorageError{Op: "snapshot_vault", Err: err}
		}
		*artifact.dest = data
	}
	return snap, nil
}

type archiveRestoreStep struct {
	name  string
	data  []byte
	prior []byte
	save  func([]byte) error
	clear func() error
}

// applyArchive replaces the vault's artifacts with the archive's. Entry
// data of nil means the archive does not carry that artifact and the
// vault's copy is removed. The configuration goes last.
func (m *Manager) applyArchive(entries map[string][]byte, prior *vaultSnapshot) error {
	clearSecrets := func() error { return m.secrets.Save(map[string]*Envelope{}) }

	steps := []archiveRestoreStep{
		{archiveSecretsName, entries[archiveSecretsName], prior.secrets, m.store.SaveSecretsData, clearSecrets},
		{archivePublicKeyName, entries[archivePublicKeyName], prior.public, m.store.SavePublicKey, m.store.DeletePublicKey},
		{archivePrivateKeyName, entries[archivePrivateKeyName], prior.private, m.store.SavePrivateKey, m.store.ShredPrivateKey},
		{archiveWrappedKeyName, entries[archiveWrappedKeyName], prior.wrapped, m.store.SaveWrappedKey, m.store.DeleteWrappedKey},
		// The configuration entry is required, so its clear path is never
		// taken.
		{archiveConfigName, entries[archiveConfigName], prior.config, m.store.SaveVaultConfig, nil},
	}

	for i, step := range steps {
		var err error
		switch {
		case step.data != nil:
			err = step.save(step.data)
		case step.clear != nil:
			err = step.clear()
		}
		if err == nil {
			continue
		}

		err = StorageError{Op: "restore_entry", Path: step.name, Err: err}
		if rbErr := rollbackRestoreSteps(steps[:i]); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v; the vault may be inconsistent)", err, rbErr)
		}
		return err
	}
	return nil
}

// rollbackRestoreSteps undoes completed restore steps in reverse order,
// writing back the snapshot taken before the import started. It keeps
// going past individual failures so as much prior state as possible comes
// back.
func rollbackRestoreSteps(completed []archiveRestoreStep) error {
	var errs []error
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		var err error
		switch {
		case step.prior != nil:
			err = step.save(step.prior)
		case step.clear != nil:
			err = step.clear()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	return combineErrs(errs)
}
