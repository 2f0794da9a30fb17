// Package pluginsdk is the public contract between the framework and
// out-of-process tool plugins. A plugin is a standalone executable that
// serves the Provider interface over go-plugin's net/rpc transport; the
// framework launches it only after its binary digest passes the trust
// allowlist.
package pluginsdk

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ManifestFilename is the discovery marker placed next to a plugin
// binary.
const ManifestFilename = "sam.plugin.json"

// Manifest describes one plugin for discovery. The ID doubles as the
// allowlist entry-point name; Binary is the executable path, resolved
// relative to the manifest file when not absolute.
type Manifest struct {
	ID          string         `json:"id"`
	Binary      string         `json:"binary"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// DecodeManifest parses a manifest document.
func DecodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// DecodeManifestFile reads and parses the manifest at path.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Validate checks the fields discovery depends on.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest id is required")
	}
	if strings.TrimSpace(m.Binary) == "" {
		return fmt.Errorf("manifest binary is required")
	}
	return nil
}
