package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/prfagit/sam-framework-sub002/internal/tools"
	"github.com/prfagit/sam-framework-sub002/pkg/pluginsdk"
)

// LoaderConfig governs one load pass.
type LoaderConfig struct {
	// Enabled gates everything. When false no candidate binary is
	// executed, hashed results notwithstanding.
	Enabled bool
	// AllowUnverified downgrades missing-rule refusals to warnings.
	AllowUnverified bool
	// AllowlistFile locates the trust document.
	AllowlistFile string
	// Plugins are binary paths from SAM_PLUGINS.
	Plugins []string
	// Dirs are scanned for plugin manifests.
	Dirs []string
}

// Loader resolves, verifies, and launches plugin subprocesses, and
// registers the tools they contribute.
type Loader struct {
	cfg      LoaderConfig
	registry *tools.Registry
	policy   *Policy
	logger   *slog.Logger

	mu      sync.Mutex
	clients []*plugin.Client
	loaded  []string
}

// NewLoader builds a loader around registry. The allowlist is read
// once here; Watch can refresh it later.
func NewLoader(cfg LoaderConfig, registry *tools.Registry, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	list, err := LoadAllowlist(cfg.AllowlistFile)
	if err != nil {
		return nil, err
	}
	return &Loader{
		cfg:      cfg,
		registry: registry,
		policy:   NewPolicy(list, cfg.AllowUnverified, logger),
		logger:   logger,
	}, nil
}

// Policy exposes the loader's trust policy, mainly for the watcher.
func (l *Loader) Policy() *Policy { return l.policy }

// Loaded lists the modules whose plugins are currently running.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loaded...)
}

// LoadAll evaluates every candidate from both channels and launches
// the accepted ones. A rejected or broken plugin is logged and
// skipped; LoadAll fails only on discovery errors. With plugins
// disabled it returns immediately without touching any binary.
func (l *Loader) LoadAll(ctx context.Context) error {
	if !l.cfg.Enabled {
		l.logger.Debug("plugins disabled")
		return nil
	}

	candidates := make([]Candidate, 0, len(l.cfg.Plugins))
	for _, path := range l.cfg.Plugins {
		candidates = append(candidates, Candidate{Module: path})
	}

	discovered, err := DiscoverManifests(l.cfg.Dirs)
	if err != nil {
		return fmt.Errorf("discover plugins: %w", err)
	}
	for _, info := range discovered {
		candidates = append(candidates, Candidate{
			Module:     info.Binary,
			EntryPoint: info.Manifest.ID,
		})
	}

	for _, c := range candidates {
		if err := l.load(ctx, c); err != nil {
			if errors.Is(err, ErrPluginRejected) {
				l.logger.Error("plugin not loaded", "module", c.Module, "error", err)
			} else {
				l.logger.Error("plugin failed", "module", c.Module, "error", err)
			}
		}
	}
	return nil
}

func (l *Loader) load(ctx context.Context, c Candidate) error {
	digest, err := FileDigest(c.Module)
	if err != nil {
		return fmt.Errorf("resolve plugin %s: %w", c.Module, err)
	}
	c.Digest = digest

	if err := l.policy.Evaluate(c); err != nil {
		return err
	}

	client, provider, err := l.launch(c)
	if err != nil {
		return err
	}

	specs, err := provider.Tools()
	if err != nil {
		client.Kill()
		return fmt.Errorf("list plugin tools %s: %w", c.Module, err)
	}

	for _, spec := range specs {
		name := spec.Name
		err := l.registry.Register(tools.Tool{
			Spec: tools.Spec{
				Name:        spec.Name,
				Description: spec.Description,
				InputSchema: spec.InputSchema,
			},
			NoCache: spec.NoCache,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return provider.Invoke(name, args)
			},
		})
		if err != nil {
			l.logger.Error("plugin tool registration failed",
				"module", c.Module, "tool", name, "error", err)
		}
	}

	l.mu.Lock()
	l.clients = append(l.clients, client)
	l.loaded = append(l.loaded, c.Module)
	l.mu.Unlock()

	l.logger.Info("plugin loaded",
		"module", c.Module,
		"entry_point", c.EntryPoint,
		"tools", len(specs))
	return nil
}

// launch starts the subprocess. When the allowlist pins a digest it is
// handed to go-plugin as SecureConfig so the runtime hashes the binary
// again immediately before exec, closing the verify-then-run gap.
func (l *Loader) launch(c Candidate) (*plugin.Client, pluginsdk.Provider, error) {
	clientCfg := &plugin.ClientConfig{
		HandshakeConfig: pluginsdk.Handshake,
		Plugins: map[string]plugin.Plugin{
			pluginsdk.PluginName: &pluginsdk.ProviderPlugin{},
		},
		Cmd: exec.Command(c.Module),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "sam-plugin",
			Level: hclog.Warn,
		}),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	}

	if pinned, ok := l.policy.PinnedDigest(c); ok {
		checksum, err := hex.DecodeString(pinned)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: malformed pinned digest for %q", ErrPluginRejected, c.Module)
		}
		clientCfg.SecureConfig = &plugin.SecureConfig{
			Checksum: checksum,
			Hash:     sha256.New(),
		}
	}

	client := plugin.NewClient(clientCfg)
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("start plugin %s: %w", c.Module, err)
	}

	raw, err := rpcClient.Dispense(pluginsdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("dispense plugin %s: %w", c.Module, err)
	}

	provider, ok := raw.(pluginsdk.Provider)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("plugin %s does not implement the tool provider interface", c.Module)
	}
	return client, provider, nil
}

// Close kills every plugin subprocess.
func (l *Loader) Close() error {
	l.mu.Lock()
	clients := l.clients
	l.clients = nil
	l.loaded = nil
	l.mu.Unlock()

	for _, client := range clients {
		client.Kill()
	}
	return nil
}
