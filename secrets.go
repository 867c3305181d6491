package keep

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"southwinds.dev/keep/persist"
	"strings"
	"sync"
)

// MaxSecretNameLength bounds secret names; the pattern below enforces it
// together with the allowed character set.
const MaxSecretNameLength = 100

var secretNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidateSecretName checks a secret name against the allowed pattern:
// letters, digits, underscore and hyphen, between 1 and 100 characters.
// The restriction keeps names safe for file paths, URLs and shell use.
func ValidateSecretName(name string) error {
	if !secretNameRe.MatchString(name) {
		return ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("secret name must match %s", secretNameRe.String()),
		}
	}
	return nil
}

// SecretStore manages the encrypted secrets collection on top of a
// persist.Store.
//
// The collection is one JSON document mapping secret names to envelopes.
// Every mutation follows load, modify, save; the save replaces the whole
// document atomically through the store. An internal lock serialises
// mutations within the process, so the type is safe for concurrent use by
// a long-lived host. Writers in other processes are not coordinated:
// concurrent external writes resolve to last-write-wins, and losing a race
// means losing the other writer's mutation, never corrupting the document.
type SecretStore struct {
	store persist.Store
	mu    sync.RWMutex
}

// SecretInfo describes a stored secret without decrypting it.
type SecretInfo struct {
	Name           string `json:"name"`
	CiphertextSize int    `json:"ciphertext_size"`
}

// ExportData is the portable representation of the whole collection.
// Envelopes stay encrypted; an export is safe to move between machines
// and useless without the matching private key.
type ExportData struct {
	Version  string               `json:"version"`
	Secrets  map[string]*Envelope `json:"secrets"`
	Metadata ExportMetadata       `json:"metadata"`
}

// ExportMetadata summarises an export for quick inspection.
type ExportMetadata struct {
	SecretCount int      `json:"secret_count"`
	SecretNames []string `json:"secret_names"`
}

// exportVersion identifies the current export document layout.
const exportVersion = "1.0"

// NewSecretStore creates a SecretStore over the given backend.
func NewSecretStore(store persist.Store) *SecretStore {
	return &SecretStore{store: store}
}

// Load reads the full collection. A store with no collection yet yields an
// empty map; a present but unreadable or unparsable collection is a
// StorageError, never silently treated as empty, so a corrupt vault cannot
// masquerade as a fresh one.
func (s *SecretStore) Load() (map[string]*Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

func (s *SecretStore) load() (map[string]*Envelope, error) {
	data, err := s.store.LoadSecretsData()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*Envelope{}, nil
		}
		return nil, StorageError{Op: "load", Err: err}
	}

	var secrets map[string]*Envelope
	if err = json.Unmarshal(data, &secrets); err != nil {
		return nil, StorageError{Op: "load", Err: fmt.Errorf("secrets data is malformed: %w", err)}
	}
	if secrets == nil {
		secrets = map[string]*Envelope{}
	}
	return secrets, nil
}

// Save atomically replaces the whole collection.
func (s *SecretStore) Save(secrets map[string]*Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(secrets)
}

func (s *SecretStore) save(secrets map[string]*Envelope) error {
	if secrets == nil {
		secrets = map[string]*Envelope{}
	}

	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return StorageError{Op: "save", Err: fmt.Errorf("failed to encode secrets: %w", err)}
	}

	if err = s.store.SaveSecretsData(data); err != nil {
		return StorageError{Op: "save", Err: err}
	}
	return nil
}

// Add stores an envelope under a name. An existing name is rejected unless
// overwrite is set.
func (s *SecretStore) Add(name string, env *Envelope, overwrite bool) error {
	if err := ValidateSecretName(name); err != nil {
		return err
	}
	if env == nil {
		return ValidationError{Field: "envelope", Message: "envelope is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}

	if _, exists := secrets[name]; exists && !overwrite {
		return ValidationError{Field: "name", Message: fmt.Sprintf("secret %q already exists", name)}
	}

	secrets[name] = env
	return s.save(secrets)
}

// Get retrieves the envelope stored under a name.
func (s *SecretStore) Get(name string) (*Envelope, error) {
	if err := ValidateSecretName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	secrets, err := s.load()
	if err != nil {
		return nil, err
	}

	env, exists := secrets[name]
	if !exists {
		return nil, NotFoundError{Resource: "secret", Name: name}
	}
	return env, nil
}

// Delete removes a secret. Deleting a name that does not exist is a
// NotFoundError, not a silent success, so callers can distinguish cleanup
// from typos.
func (s *SecretStore) Delete(name string) error {
	if err := ValidateSecretName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}

	if _, exists := secrets[name]; !exists {
		return NotFoundError{Resource: "secret", Name: name}
	}

	delete(secrets, name)
	return s.save(secrets)
}

// List returns all secret names in sorted order.
func (s *SecretStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secrets, err := s.load()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Search returns the sorted names containing the query as a
// case-insensitive substring. An empty query matches everything.
func (s *SecretStore) Search(query string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secrets, err := s.load()
	if err != nil {
		return nil, err
	}

	loweredQuery := strings.ToLower(query)
	var names []string
	for name := range secrets {
		if strings.Contains(strings.ToLower(name), loweredQuery) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether a secret is stored under the name.
func (s *SecretStore) Exists(name string) (bool, error) {
	if err := ValidateSecretName(name); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	secrets, err := s.load()
	if err != nil {
		return false, err
	}
	_, exists := secrets[name]
	return exists, nil
}

// Count returns the number of stored secrets.
func (s *SecretStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secrets, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(secrets), nil
}

// Info describes a secret without touching key material. The ciphertext
// size is the decoded byte count including the authentication tag.
func (s *SecretStore) Info(name string) (*SecretInfo, error) {
	env, err := s.Get(name)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, CryptoError{Message: "invalid envelope record", Err: err}
	}

	return &SecretInfo{
		Name:           name,
		CiphertextSize: len(raw),
	}, nil
}

// Export captures the whole collection for transfer. Envelopes remain
// encrypted.
func (s *SecretStore) Export() (*ExportData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secrets, err := s.load()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	return &ExportData{
		Version: exportVersion,
		Secrets: secrets,
		Metadata: ExportMetadata{
			SecretCount: len(secrets),
			SecretNames: names,
		},
	}, nil
}

// Import merges an export into the collection. Every imported name is
// validated before anything is written; existing names are skipped unless
// overwrite is set. The merged collection is saved once, atomically.
// Returns how many entries were imported and how many were skipped.
func (s *SecretStore) Import(data *ExportData, overwrite bool) (imported, skipped int, err error) {
	if data == nil {
		return 0, 0, ValidationError{Field: "data", Message: "import data is required"}
	}

	// Validate all names up front so a bad entry aborts before mutation.
	for name, env := range data.Secrets {
		if err := ValidateSecretName(name); err != nil {
			return 0, 0, err
		}
		if env == nil {
			return 0, 0, ValidationError{
				Field:   "secrets",
				Message: fmt.Sprintf("entry %q has no envelope", name),
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return 0, 0, err
	}

	for name, env := range data.Secrets {
		if _, exists := secrets[name]; exists && !overwrite {
			skipped++
			continue
		}
		secrets[name] = env
		imported++
	}

	if imported > 0 {
		if err = s.save(secrets); err != nil {
			return 0, 0, err
		}
	}

	return imported, skipped, nil
}
