// Package plugins loads external tool plugins as digest-verified
// subprocesses. Every candidate binary is hashed before execution and
// checked against a JSON allowlist; nothing runs unless a rule matches
// or the operator explicitly opted into unverified plugins.
package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Rule pins one plugin. Module cross-checks entry-point rules against
// the binary they claim to cover; SHA256 is the hex digest of the
// binary, matched in constant time.
type Rule struct {
	Module string `json:"module,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	Label  string `json:"label,omitempty"`
}

// Allowlist is the trust document. Modules is keyed by binary path;
// EntryPoints by manifest ID.
type Allowlist struct {
	Modules     map[string]Rule `json:"modules"`
	EntryPoints map[string]Rule `json:"entry_points"`
}

// NewAllowlist returns an empty allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{
		Modules:     make(map[string]Rule),
		EntryPoints: make(map[string]Rule),
	}
}

// LoadAllowlist reads the trust document at path. A missing file is an
// empty allowlist, not an error: absence means nothing is trusted.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewAllowlist(), nil
		}
		return nil, fmt.Errorf("read allowlist: %w", err)
	}

	list := NewAllowlist()
	if err := json.Unmarshal(data, list); err != nil {
		return nil, fmt.Errorf("parse allowlist %s: %w", path, err)
	}
	if list.Modules == nil {
		list.Modules = make(map[string]Rule)
	}
	if list.EntryPoints == nil {
		list.EntryPoints = make(map[string]Rule)
	}
	return list, nil
}

// Save writes the allowlist atomically: to <path>.tmp, then rename.
func (a *Allowlist) Save(path string) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode allowlist: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create allowlist dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write allowlist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename allowlist: %w", err)
	}
	return nil
}

// Trust records module's current digest in the allowlist at path,
// optionally under an entry-point name as well, and saves atomically.
func Trust(path, module, entryPoint, label string) error {
	digest, err := FileDigest(module)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", module, err)
	}

	list, err := LoadAllowlist(path)
	if err != nil {
		return err
	}

	list.Modules[module] = Rule{SHA256: digest, Label: label}
	if entryPoint != "" {
		list.EntryPoints[entryPoint] = Rule{Module: module, SHA256: digest, Label: label}
	}
	return list.Save(path)
}
