package plugins

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ErrPluginRejected marks a candidate the trust policy refused. It
// never aborts the process; rejected plugins are logged and skipped.
var ErrPluginRejected = errors.New("plugin rejected")

// FileDigest returns the lowercase hex sha256 of the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// digestEqual compares two hex digests in constant time.
func digestEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Candidate is one plugin awaiting a trust decision. EntryPoint is the
// manifest ID for discovered plugins and empty for SAM_PLUGINS entries;
// Module is the binary path; Digest is its observed sha256.
type Candidate struct {
	Module     string
	EntryPoint string
	Digest     string
}

// Policy evaluates candidates against the allowlist. AllowUnverified
// downgrades missing-rule and module-mismatch refusals to warnings; a
// pinned digest that does not match is always refused.
type Policy struct {
	mu              sync.RWMutex
	allowlist       *Allowlist
	allowUnverified bool
	logger          *slog.Logger
}

// NewPolicy wraps list. A nil list behaves as an empty allowlist.
func NewPolicy(list *Allowlist, allowUnverified bool, logger *slog.Logger) *Policy {
	if list == nil {
		list = NewAllowlist()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{allowlist: list, allowUnverified: allowUnverified, logger: logger}
}

// Reload swaps in a fresh allowlist. Used by the file watcher.
func (p *Policy) Reload(list *Allowlist) {
	if list == nil {
		list = NewAllowlist()
	}
	p.mu.Lock()
	p.allowlist = list
	p.mu.Unlock()
}

// Evaluate decides whether c may run. Rule lookup tries the entry-point
// mapping first, cross-checking its declared module, then falls back to
// the module mapping.
func (p *Policy) Evaluate(c Candidate) error {
	p.mu.RLock()
	list := p.allowlist
	p.mu.RUnlock()

	var (
		rule  Rule
		found bool
	)

	if c.EntryPoint != "" {
		if epRule, ok := list.EntryPoints[c.EntryPoint]; ok {
			if epRule.Module != "" && epRule.Module != c.Module {
				if !p.allowUnverified {
					p.logger.Error("plugin refused: entry point module mismatch",
						"entry_point", c.EntryPoint,
						"declared", epRule.Module,
						"resolved", c.Module)
					return fmt.Errorf("%w: entry point %q declares module %q, resolved %q",
						ErrPluginRejected, c.EntryPoint, epRule.Module, c.Module)
				}
				p.logger.Warn("entry point module mismatch allowed (unverified mode)",
					"entry_point", c.EntryPoint,
					"declared", epRule.Module,
					"resolved", c.Module)
			}
			rule, found = epRule, true
		}
	}
	if !found {
		rule, found = list.Modules[c.Module]
	}

	if !found {
		if p.allowUnverified {
			p.logger.Warn("loading unverified plugin (no allowlist rule)",
				"module", c.Module, "entry_point", c.EntryPoint)
			return nil
		}
		return fmt.Errorf("%w: no allowlist rule for %q", ErrPluginRejected, c.Module)
	}

	if rule.SHA256 != "" && !digestEqual(rule.SHA256, c.Digest) {
		p.logger.Error("plugin refused: digest mismatch",
			"module", c.Module,
			"expected", rule.SHA256,
			"observed", c.Digest)
		return fmt.Errorf("%w: digest mismatch for %q", ErrPluginRejected, c.Module)
	}
	return nil
}

// PinnedDigest returns the digest the allowlist records for c, if any.
// The loader passes it to go-plugin's SecureConfig so the binary is
// re-verified at exec time.
func (p *Policy) PinnedDigest(c Candidate) (string, bool) {
	p.mu.RLock()
	list := p.allowlist
	p.mu.RUnlock()

	if c.EntryPoint != "" {
		if rule, ok := list.EntryPoints[c.EntryPoint]; ok && rule.SHA256 != "" {
			return rule.SHA256, true
		}
	}
	if rule, ok := list.Modules[c.Module]; ok && rule.SHA256 != "" {
		return rule.SHA256, true
	}
	return "", false
}
