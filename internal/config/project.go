package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// ProjectFileName is the per-repository settings file, looked up at the
// repository root. JSONC (JSON with comments and trailing commas) is
// accepted, since these files tend to be hand-maintained.
const ProjectFileName = ".agentree.json"

// ProjectFile holds per-repository workspace settings.
type ProjectFile struct {
	// Ports is the number of ports to reserve for each workspace of
	// this repository. Zero means use the global default.
	Ports int `json:"ports,omitempty"`

	// Base is the branch new workspaces are seeded from. Empty means
	// the repository's default branch.
	Base string `json:"base,omitempty"`

	// Setup lists commands run inside a freshly created workspace.
	// When empty, common setup commands are auto-detected from the
	// project files present (go.mod, package.json, ...).
	Setup []string `json:"setup,omitempty"`

	// Copy lists repository-relative files copied into each new
	// workspace verbatim. Typical entries are untracked local files
	// such as ".env" that a checkout does not carry over.
	Copy []string `json:"copy,omitempty"`
}

// LoadProjectFile reads the repository's .agentree.json. A missing file
// returns an empty ProjectFile; a malformed one is an error so that typos
// do not silently disable setup commands.
func LoadProjectFile(repoPath string) (*ProjectFile, error) {
	path := filepath.Join(repoPath, ProjectFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &ProjectFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var pf ProjectFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &pf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if pf.Ports < 0 {
		return nil, fmt.Errorf("%s: ports must not be negative", path)
	}
	return &pf, nil
}
