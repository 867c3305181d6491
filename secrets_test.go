package keep

import (
	"southwinds.dev/keep/persist"
	"strings"
	"testing"
)

func newTestSecretStore(t *testing.T) *SecretStore {
	t.Helper()

	store, err := persist.NewFileSystemStore(t.TempDir(), persist.Capabilities{PosixPermissions: true})
	if err != nil {
		t.Fatalf("Failed to create file system store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewSecretStore(store)
}

func testEnvelope(t *testing.T, plaintext string) *Envelope {
	t.Helper()

	env, err := Encrypt([]byte(plaintext), testPublicKey(t))
	if err != nil {
		t.Fatalf("Failed to encrypt test value: %v", err)
	}
	return env
}

func TestValidateSecretName(t *testing.T) {
	valid := []string{
		"a",
		"api_key",
		"API-KEY-2",
		"0",
		strings.Repeat("x", 100),
	}
	for _, name := range valid {
		if err := ValidateSecretName(name); err != nil {
			t.Errorf("Expected %q to be valid, got %v", name, err)
		}
	}

	invalid := []string{
		"",
		"has space",
		"path/sep",
		"dot.name",
		"tab\tname",
		strings.Repeat("x", 101),
	}
	for _, name := range invalid {
		err := ValidateSecretName(name)
		if err == nil {
			t.Errorf("Expected %q to be rejected", name)
			continue
		}
		if !IsValidationError(err) {
			t.Errorf("Expected validation error for %q, got %T", name, err)
		}
	}
}

func TestSecretStoreAddAndGet(t *testing.T) {
	secrets := newTestSecretStore(t)

	env := testEnvelope(t, "db-password")
	if err := secrets.Add("database", env, false); err != nil {
		t.Fatalf("Failed to add secret: %v", err)
	}

	got, err := secrets.Get("database")
	if err != nil {
		t.Fatalf("Failed to get secret: %v", err)
	}
	if got.Ciphertext != env.Ciphertext {
		t.Error("Retrieved envelope does not match stored envelope")
	}

	// Unknown names are NotFoundError
	_, err = secrets.Get("missing")
	if err == nil {
		t.Fatal("Expected error for missing secret")
	}
	if !IsNotFoundError(err) {
		t.Errorf("Expected not found error, got %T", err)
	}
}

func TestSecretStoreAddDuplicate(t *testing.T) {
	secrets := newTestSecretStore(t)

	first := testEnvelope(t, "one")
	second := testEnvelope(t, "two")

	if err := secrets.Add("token", first, false); err != nil {
		t.Fatalf("Failed to add secret: %v", err)
	}

	// Duplicate without overwrite must fail and leave the original intact
	err := secrets.Add("token", second, false)
	if err == nil {
		t.Fatal("Expected error adding duplicate without overwrite")
	}
	if !IsValidationError(err) {
		t.Errorf("Expected validation error, got %T", err)
	}

	got, err := secrets.Get("token")
	if err != nil {
		t.Fatalf("Failed to get secret: %v", err)
	}
	if got.Ciphertext != first.Ciphertext {
		t.Error("Original envelope was replaced by a rejected duplicate")
	}

	// With overwrite the new envelope wins
	if err = secrets.Add("token", second, true); err != nil {
		t.Fatalf("Failed to overwrite secret: %v", err)
	}
	got, err = secrets.Get("token")
	if err != nil {
		t.Fatalf("Failed to get secret: %v", err)
	}
	if got.Ciphertext != second.Ciphertext {
		t.Error("Overwrite did not replace the envelope")
	}
}

func TestSecretStoreAddValidation(t *testing.T) {
	secrets := newTestSecretStore(t)

	if err := secrets.Add("bad name", testEnvelope(t, "x"), false); !IsValidationError(err) {
		t.Errorf("Expected validation error for bad name, got %v", err)
	}
	if err := secrets.Add("good", nil, false); !IsValidationError(err) {
		t.Errorf("Expected validation error for nil envelope, got %v", err)
	}
}

func TestSecretStoreDelete(t *testing.T) {
	secrets := newTestSecretStore(t)

	if err := secrets.Add("temp", testEnvelope(t, "x"), false); err != nil {
		t.Fatalf("Failed to add secret: %v", err)
	}

	if err := secrets.Delete("temp"); err != nil {
		t.Fatalf("Failed to delete secret: %v", err)
	}

	if _, err := secrets.Get("temp"); !IsNotFoundError(err) {
		t.Errorf("Expected secret to be gone, got %v", err)
	}

	// Deleting again reports not found rather than silently succeeding
	if err := secrets.Delete("temp"); !IsNotFoundError(err) {
		t.Errorf("Expected not found error on double delete, got %v", err)
	}
}

func TestSecretStoreListSorted(t *testing.T) {
	secrets := newTestSecretStore(t)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := secrets.Add(name, testEnvelope(t, name), false); err != nil {
			t.Fatalf("Failed to add %s: %v", name, err)
		}
	}

	names, err := secrets.List()
	if err != nil {
		t.Fatalf("Failed to list secrets: %v", err)
	}

	expected := []string{"alpha", "mid", "zeta"}
	if len(names) != len(expected) {
		t.Fatalf("Expected %d names, got %d", len(expected), len(names))
	}
	for i, name := range expected {
		if names[i] != name {
			t.Errorf("Expected names[%d] = %s, got %s", i, name, names[i])
		}
	}
}

func TestSecretStoreListEmpty(t *testing.T) {
	secrets := newTestSecretStore(t)

	names, err := secrets.List()
	if err != nil {
		t.Fatalf("Failed to list empty store: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("Expected empty list, got %v", names)
	}
}

func TestSecretStoreSearch(t *testing.T) {
	secrets := newTestSecretStore(t)

	for _, name := range []string{"db_password", "db_user", "api_token", "API_SECRET"} {
		if err := secrets.Add(name, testEnvelope(t, name), false); err != nil {
			t.Fatalf("Failed to add %s: %v", name, err)
		}
	}

	tests := []struct {
		query    string
		expected []string
	}{
		{"db", []string{"db_password", "db_user"}},
		{"API", []string{"API_SECRET", "api_token"}},
		{"secret", []string{"API_SECRET"}},
		{"", []string{"API_SECRET", "api_token", "db_password", "db_user"}},
		{"nomatch", nil},
	}

	for _, tt := range tests {
		names, err := secrets.Search(tt.query)
		if err != nil {
			t.Fatalf("Search %q failed: %v", tt.query, err)
		}
		if len(names) != len(tt.expected) {
			t.Errorf("Search %q: expected %v, got %v", tt.query, tt.expected, names)
			continue
		}
		for i := range tt.expected {
			if names[i] != tt.expected[i] {
				t.Errorf("Search %q: expected %v, got %v", tt.query, tt.expected, names)
				break
			}
		}
	}
}

func TestSecretStoreCountAndExists(t *testing.T) {
	secrets := newTestSecretStore(t)

	count, err := secrets.Count()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected count 0, got %d", count)
	}

	if err = secrets.Add("one", testEnvelope(t, "1"), false); err != nil {
		t.Fatalf("Failed to add secret: %v", err)
	}

	count, err = secrets.Count()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected count 1, got %d", count)
	}

	exists, err := secrets.Exists("one")
	if err != nil {
		t.Fatalf("Failed to check existence: %v", err)
	}
	if !exists {
		t.Error("Expected secret to exist")
	}

	exists, err = secrets.Exists("two")
	if err != nil {
		t.Fatalf("Failed to check existence: %v", err)
	}
	if exists {
		t.Error("Expected secret to not exist")
	}
}

func TestSecretStoreInfo(t *testing.T) {
	secrets := newTestSecretStore(t)

	plaintext := "sixteen-byte-val"
	if err := secrets.Add("sized", testEnvelope(t, plaintext), false); err != nil {
		t.Fatalf("Failed to add secret: %v", err)
	}

	info, err := secrets.Info("sized")
	if err != nil {
		t.Fatalf("Failed to get info: %v", err)
	}
	if info.Name != "sized" {
		t.Errorf("Expected name sized, got %s", info.Name)
	}

	// GCM appends a 16-byte tag to the plaintext
	expectedSize := len(plaintext) + 16
	if info.CiphertextSize != expectedSize {
		t.Errorf("Expected ciphertext size %d, got %d", expectedSize, info.CiphertextSize)
	}
}

func TestSecretStoreExportImport(t *testing.T) {
	source := newTestSecretStore(t)

	for _, name := range []string{"first", "second"} {
		if err := source.Add(name, testEnvelope(t, name), false); err != nil {
			t.Fatalf("Failed to add %s: %v", name, err)
		}
	}

	export, err := source.Export()
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}

	if export.Version != "1.0" {
		t.Errorf("Expected export version 1.0, got %s", export.Version)
	}
	if export.Metadata.SecretCount != 2 {
		t.Errorf("Expected 2 secrets in export, got %d", export.Metadata.SecretCount)
	}
	if len(export.Metadata.SecretNames) != 2 || export.Metadata.SecretNames[0] != "first" {
		t.Errorf("Unexpected export names: %v", export.Metadata.SecretNames)
	}

	// Import into a fresh store
	target := newTestSecretStore(t)
	imported, skipped, err := target.Import(export, false)
	if err != nil {
		t.Fatalf("Failed to import: %v", err)
	}
	if imported != 2 || skipped != 0 {
		t.Errorf("Expected 2 imported, 0 skipped, got %d/%d", imported, skipped)
	}

	names, err := target.List()
	if err != nil {
		t.Fatalf("Failed to list after import: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("Expected 2 secrets after import, got %d", len(names))
	}
}

func TestSecretStoreImportSkipsExisting(t *testing.T) {
	secrets := newTestSecretStore(t)

	original := testEnvelope(t, "keep-me")
	if err := secrets.Add("shared", original, false); err != nil {
		t.Fatalf("Failed to add secret: %v", err)
	}

	export := &ExportData{
		Version: "1.0",
		Secrets: map[string]*Envelope{
			"shared": testEnvelope(t, "replace-me"),
			"fresh":  testEnvelope(t, "new"),
		},
	}

	imported, skipped, err := secrets.Import(export, false)
	if err != nil {
		t.Fatalf("Failed to import: %v", err)
	}
	if imported != 1 || skipped != 1 {
		t.Errorf("Expected 1 imported, 1 skipped, got %d/%d", imported, skipped)
	}

	// The existing envelope must be untouched
	got, err := secrets.Get("shared")
	if err != nil {
		t.Fatalf("Failed to get secret: %v", err)
	}
	if got.Ciphertext != original.Ciphertext {
		t.Error("Import without overwrite replaced an existing secret")
	}

	// With overwrite the incoming envelope replaces it
	imported, skipped, err = secrets.Import(export, true)
	if err != nil {
		t.Fatalf("Failed to import with overwrite: %v", err)
	}
	if imported != 2 || skipped != 0 {
		t.Errorf("Expected 2 imported, 0 skipped, got %d/%d", imported, skipped)
	}
}

func TestSecretStoreImportRejectsBadNames(t *testing.T) {
	secrets := newTestSecretStore(t)

	if err := secrets.Add("existing", testEnvelope(t, "x"), false); err != nil {
		t.Fatalf("Failed to add secret: %v", err)
	}

	export := &ExportData{
		Version: "1.0",
		Secrets: map[string]*Envelope{
			"valid":    testEnvelope(t, "ok"),
			"bad name": testEnvelope(t, "nope"),
		},
	}

	_, _, err := secrets.Import(export, false)
	if !IsValidationError(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}

	// Nothing from the rejected batch may have landed
	count, err := secrets.Count()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected rejected import to leave store unchanged, got %d secrets", count)
	}
}

func TestSecretStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	store, err := persist.NewFileSystemStore(dir, persist.Capabilities{PosixPermissions: true})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	first := NewSecretStore(store)
	env := testEnvelope(t, "durable")
	if err = first.Add("durable", env, false); err != nil {
		t.Fatalf("Failed to add secret: %v", err)
	}
	store.Close()

	// A new store over the same directory sees the same data
	reopened, err := persist.NewFileSystemStore(dir, persist.Capabilities{PosixPermissions: true})
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	second := NewSecretStore(reopened)
	got, err := second.Get("durable")
	if err != nil {
		t.Fatalf("Failed to get secret after reopen: %v", err)
	}
	if got.Ciphertext != env.Ciphertext {
		t.Error("Persisted envelope does not match original")
	}
}
