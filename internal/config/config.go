package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file is absent or leaves a field unset.
const (
	// DefaultPortRangeStart is the first port of the reserved pool.
	DefaultPortRangeStart = 4001

	// DefaultPortRangeEnd is the last port of the reserved pool.
	DefaultPortRangeEnd = 4099

	// DefaultPortsPerWorktree is the number of ports reserved for each
	// new workspace when the project file does not override it.
	DefaultPortsPerWorktree = 2
)

// Config holds the global agentree settings.
type Config struct {
	// RegistryPath is the location of the registry document.
	// Default: ~/.agentree/registry.json.
	RegistryPath string `yaml:"registry"`

	// WorktreeRoot is the directory new workspaces are created under.
	// When empty, workspaces are created as siblings of the source
	// repository, named "<repo>-<branchSlug>".
	WorktreeRoot string `yaml:"worktreeRoot"`

	// PortRangeStart and PortRangeEnd bound the reserved port pool
	// (inclusive).
	PortRangeStart int `yaml:"portRangeStart"`
	PortRangeEnd   int `yaml:"portRangeEnd"`

	// PortsPerWorktree is the default port reservation per workspace.
	PortsPerWorktree int `yaml:"portsPerWorktree"`

	// GHPath overrides the gh binary used to query review state.
	// Default: "gh" resolved from PATH.
	GHPath string `yaml:"ghPath"`
}

// Default returns the built-in configuration, with paths anchored under
// the user's home directory.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		// No home directory: fall back to the working directory so the
		// tool stays usable in minimal environments (CI containers).
		home = "."
	}
	return &Config{
		RegistryPath:     filepath.Join(home, ".agentree", "registry.json"),
		PortRangeStart:   DefaultPortRangeStart,
		PortRangeEnd:     DefaultPortRangeEnd,
		PortsPerWorktree: DefaultPortsPerWorktree,
		GHPath:           "gh",
	}
}

// Load reads the global config file and merges it over the defaults.
//
// The file path is ~/.agentree/config.yaml, overridable via the
// AGENTREE_CONFIG environment variable. A missing file is not an error.
// AGENTREE_REGISTRY, when set, overrides the registry path last; it is
// what tests and one-off invocations use to point at a scratch registry.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("AGENTREE_CONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".agentree", "config.yaml")
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No config file; defaults apply.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if reg := os.Getenv("AGENTREE_REGISTRY"); reg != "" {
		cfg.RegistryPath = reg
	}

	return cfg, cfg.validate()
}

// validate rejects configurations the allocator cannot work with.
func (c *Config) validate() error {
	if c.PortRangeStart < 1024 || c.PortRangeEnd > 65535 {
		return fmt.Errorf("port range %d-%d outside 1024-65535", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.PortRangeEnd < c.PortRangeStart {
		return fmt.Errorf("port range end %d before start %d", c.PortRangeEnd, c.PortRangeStart)
	}
	if c.PortsPerWorktree < 1 {
		return fmt.Errorf("portsPerWorktree must be at least 1, got %d", c.PortsPerWorktree)
	}
	if c.RegistryPath == "" {
		return fmt.Errorf("registry path must not be empty")
	}
	return nil
}

// WorktreePathFor derives the workspace directory for a branch of the
// given repository: under WorktreeRoot when configured, otherwise a
// sibling of the repository named "<repo>-<branchSlug>".
func (c *Config) WorktreePathFor(repoPath, branchSlug string) string {
	repoName := filepath.Base(repoPath)
	dirName := repoName + "-" + branchSlug
	if c.WorktreeRoot != "" {
		return filepath.Join(c.WorktreeRoot, dirName)
	}
	return filepath.Join(filepath.Dir(repoPath), dirName)
}
