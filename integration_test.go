package keep

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupAgentIntegrationCreatesFile(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.InitKeys(nil, 0); err != nil {
		t.Fatalf("InitKeys failed: %v", err)
	}

	dir := t.TempDir()
	result, err := m.SetupAgentIntegration(dir)
	if err != nil {
		t.Fatalf("SetupAgentIntegration failed: %v", err)
	}
	if result.Action != AgentFileCreated {
		t.Errorf("Expected action %q, got %q", AgentFileCreated, result.Action)
	}
	if result.Path != filepath.Join(dir, "AGENTS.md") {
		t.Errorf("Unexpected path %q", result.Path)
	}
	if result.BackupPath != "" {
		t.Errorf("Creation should not produce a backup, got %q", result.BackupPath)
	}

	content, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("Failed to read guidance file: %v", err)
	}
	for _, want := range []string{agentSectionHeader, "keep get", "keep add"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("Guidance file missing %q", want)
		}
	}

	status, err := m.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.AgentIntegration {
		t.Error("Status should report agent integration")
	}
}

func TestSetupAgentIntegrationIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	dir := t.TempDir()

	first, err := m.SetupAgentIntegration(dir)
	if err != nil {
		t.Fatalf("First setup failed: %v", err)
	}
	second, err := m.SetupAgentIntegration(dir)
	if err != nil {
		t.Fatalf("Second setup failed: %v", err)
	}
	if second.Action != AgentFileUnchanged {
		t.Errorf("Expected action %q, got %q", AgentFileUnchanged, second.Action)
	}
	if second.Path != first.Path {
		t.Errorf("Second run touched %q, first %q", second.Path, first.Path)
	}
	if _, err := os.Stat(first.Path + agentsBackupSuffix); !os.IsNotExist(err) {
		t.Error("Unchanged file should not be backed up")
	}
}

func TestSetupAgentIntegrationAppendsToExisting(t *testing.T) {
	m, _ := newTestManager(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "AGENTS.md")
	original := "# Project notes\n\nRun make test before pushing.\n"
	if err := os.WriteFile(path, []byte(original), 0644); err != nil {
		t.Fatalf("Failed to seed AGENTS.md: %v", err)
	}

	result, err := m.SetupAgentIntegration(dir)
	if err != nil {
		t.Fatalf("SetupAgentIntegration failed: %v", err)
	}
	if result.Action != AgentFileUpdated {
		t.Errorf("Expected action %q, got %q", AgentFileUpdated, result.Action)
	}
	if result.BackupPath != path+agentsBackupSuffix {
		t.Errorf("Unexpected backup path %q", result.BackupPath)
	}

	backup, err := os.ReadFile(result.BackupPath)
	if err != nil {
		t.Fatalf("Failed to read backup: %v", err)
	}
	if string(backup) != original {
		t.Error("Backup should hold the original contents")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read updated file: %v", err)
	}
	if !strings.Contains(string(content), "# Project notes") {
		t.Error("Update should preserve the existing content")
	}
	if !strings.Contains(string(content), agentSectionHeader) {
		t.Error("Update should append the guidance block")
	}
	if !strings.HasPrefix(string(content), "# Project notes") {
		t.Error("Existing content should stay first")
	}
}

func TestSetupAgentIntegrationFindsParentFile(t *testing.T) {
	m, _ := newTestManager(t)
	root := t.TempDir()
	child := filepath.Join(root, "services", "api")
	if err := os.MkdirAll(child, 0755); err != nil {
		t.Fatalf("Failed to create nested dir: %v", err)
	}

	parentFile := filepath.Join(root, "AGENTS.md")
	if err := os.WriteFile(parentFile, []byte("# Repo guide\n"), 0644); err != nil {
		t.Fatalf("Failed to seed parent AGENTS.md: %v", err)
	}

	result, err := m.SetupAgentIntegration(child)
	if err != nil {
		t.Fatalf("SetupAgentIntegration failed: %v", err)
	}
	if result.Path != parentFile {
		t.Errorf("Expected the parent file %q, got %q", parentFile, result.Path)
	}
	if result.Action != AgentFileUpdated {
		t.Errorf("Expected action %q, got %q", AgentFileUpdated, result.Action)
	}
	if _, err := os.Stat(filepath.Join(child, "AGENTS.md")); !os.IsNotExist(err) {
		t.Error("No file should be created in the child directory")
	}
}

func TestSetupAgentIntegrationMissingDir(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.SetupAgentIntegration(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("Expected an error for a missing directory")
	}
	if !IsValidationError(err) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestAgentIntegrationSurvivesReinit(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.InitKeys(nil, 0); err != nil {
		t.Fatalf("InitKeys failed: %v", err)
	}
	if _, err := m.SetupAgentIntegration(t.TempDir()); err != nil {
		t.Fatalf("SetupAgentIntegration failed: %v", err)
	}

	if err := m.DestroyKeys(); err != nil {
		t.Fatalf("DestroyKeys failed: %v", err)
	}
	if err := m.InitKeys(nil, 0); err != nil {
		t.Fatalf("Re-init failed: %v", err)
	}

	status, err := m.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.AgentIntegration {
		t.Error("Agent integration record should survive destroy and re-init")
	}
}
