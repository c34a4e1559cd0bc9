// Package config loads agentree configuration from two sources:
//
//   - the global config file (~/.agentree/config.yaml) holding the
//     registry path, port range, and workspace defaults
//   - the optional per-repository project file (.agentree.json, JSONC
//     allowed) holding port counts, setup commands, and files to copy
//     into new workspaces
//
// Both files are optional; built-in defaults apply when absent.
package config
