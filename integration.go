package keep

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	agentsFileName     = "AGENTS.md"
	agentsBackupSuffix = ".backup"

	// agentSectionHeader marks an installed guidance block; its presence
	// makes SetupAgentIntegration a no-op.
	agentSectionHeader = "# Keep - Secure Secrets Management"
)

// agentGuidance is the policy block installed into a project's AGENTS.md.
// Code samples use indented blocks so the whole document fits in one raw
// literal.
const agentGuidance = agentSectionHeader + `

This project stores its credentials in a keep vault. Follow these rules
whenever a task needs a secret.

## Policy

1. Never reveal plaintext secrets:
   - Do not print, echo or display secret values.
   - Do not paste secrets into code, comments, configuration or logs.
   - Do not hold secrets in variables for debugging.
   - Do not include secret values in error messages or output you show.

2. Always go through the keep command line:
   - Retrieve a secret with: keep get NAME
   - Pipe the value directly to its destination instead of displaying it.
   - Use command substitution where a value is required inline.

3. Secrets flow directly from the vault to the consuming command. No
   intermediate files, no clipboard, no chat output.

## Commands

    keep status              Inspect vault state
    keep add NAME            Add a secret; the value is prompted or piped,
                             never passed as a command argument
    keep get NAME            Write the secret value to stdout, nothing else
    keep list                List secret names
    keep delete NAME         Remove a secret
    keep custodian status    Show platform authenticator availability

## Usage patterns

Environment variables:

    export API_KEY="$(keep get API_KEY)"    # correct
    echo "$API_KEY"                         # never do this

Deployment targets:

    flyctl secrets set API_KEY="$(keep get API_KEY)"
    supabase secrets set API_KEY="$(keep get API_KEY)"

Checking that a secret exists without revealing it:

    if ! keep get API_KEY >/dev/null 2>&1; then
        echo "API_KEY is missing; add it with: keep add API_KEY"
    fi

## Ceremonies

When the vault's private key is passphrase protected or held by a platform
authenticator, reading a secret triggers an authentication ceremony:

- Tell the user authentication is required and wait for them to complete
  it; do not retry in a loop.
- If the ceremony is cancelled or fails, report that and stop. Never ask
  the user to paste the secret instead.

Confirm outcomes without content: say "deployed using API_KEY from the
vault", never "set API_KEY to sk-...".
`

// AgentFileAction says what SetupAgentIntegration did to the guidance file.
type AgentFileAction string

const (
	// AgentFileCreated means no guidance file existed and one was written.
	AgentFileCreated AgentFileAction = "created"

	// AgentFileUpdated means an existing file was extended with the
	// guidance block, after being backed up.
	AgentFileUpdated AgentFileAction = "updated"

	// AgentFileUnchanged means the file already carried the guidance block.
	AgentFileUnchanged AgentFileAction = "unchanged"
)

// AgentIntegrationResult reports the outcome of SetupAgentIntegration.
type AgentIntegrationResult struct {
	// Path is the guidance file that was created, updated or found.
	Path string `json:"path"`

	// Action is what happened to the file.
	Action AgentFileAction `json:"action"`

	// BackupPath is where the previous file contents were copied before an
	// update. Empty unless Action is AgentFileUpdated.
	BackupPath string `json:"backup_path,omitempty"`
}

// SetupAgentIntegration installs secret-handling guidance for AI coding
// agents into a project.
//
// The guidance lives in the project's AGENTS.md. The search starts at dir
// and walks toward the filesystem root, so a repository that already keeps
// an AGENTS.md above dir gets that file extended instead of a second copy
// appearing in a subdirectory. When no file exists, one is created in dir.
// An existing file is first copied to AGENTS.md.backup, then the guidance
// block is appended; a file that already contains the block is left alone.
//
// The vault configuration records that the integration ran, so status
// surfaces can show it. That record survives key destruction and
// re-initialization.
//
// Parameters:
//   - dir: Project directory to anchor the search. Empty means the current
//     working directory.
//
// Returns:
//   - The file touched, the action taken and the backup location if one
//     was made.
//   - An error if dir does not exist (ValidationError) or a file or
//     configuration write fails (StorageError).
func (m *Manager) SetupAgentIntegration(dir string) (*AgentIntegrationResult, error) {
	requestID := m.newRequestID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errManagerClosed
	}

	result, err := m.setupAgentIntegration(dir)
	metadata := map[string]interface{}{}
	if result != nil {
		metadata["path"] = result.Path
		metadata["action"] = string(result.Action)
	}
	m.logAudit(requestID, "AGENT_INTEGRATION_CONFIGURED", err, metadata)
	return result, err
}

func (m *Manager) setupAgentIntegration(dir string) (*AgentIntegrationResult, error) {
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, StorageError{Op: "resolve_directory", Err: err}
		}
		dir = cwd
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, ValidationError{Field: "dir", Message: "project directory does not exist: " + dir}
	}

	existing := findAgentsFile(dir)
	if existing == "" {
		path := filepath.Join(dir, agentsFileName)
		if err = os.WriteFile(path, []byte(agentGuidance), 0644); err != nil {
			return nil, StorageError{Op: "write_agents_file", Path: path, Err: err}
		}
		if err = m.keys.MarkAgentIntegration(); err != nil {
			return nil, err
		}
		return &AgentIntegrationResult{Path: path, Action: AgentFileCreated}, nil
	}

	content, err := os.ReadFile(existing)
	if err != nil {
		return nil, StorageError{Op: "read_agents_file", Path: existing, Err: err}
	}
	if strings.Contains(string(content), agentSectionHeader) {
		if err = m.keys.MarkAgentIntegration(); err != nil {
			return nil, err
		}
		return &AgentIntegrationResult{Path: existing, Action: AgentFileUnchanged}, nil
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(existing); err == nil {
		mode = info.Mode().Perm()
	}
	backupPath := existing + agentsBackupSuffix
	if err = os.WriteFile(backupPath, content, mode); err != nil {
		return nil, StorageError{Op: "backup_agents_file", Path: backupPath, Err: err}
	}

	updated := strings.TrimRight(string(content), "\n") + "\n\n---\n\n" + agentGuidance
	if err = os.WriteFile(existing, []byte(updated), mode); err != nil {
		return nil, StorageError{Op: "write_agents_file", Path: existing, Err: err}
	}
	if err = m.keys.MarkAgentIntegration(); err != nil {
		return nil, err
	}
	return &AgentIntegrationResult{Path: existing, Action: AgentFileUpdated, BackupPath: backupPath}, nil
}

// findAgentsFile looks for an AGENTS.md in dir or any of its parents and
// returns its path, or "" when none exists.
func findAgentsFile(dir string) string {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, agentsFileName)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
