// Package tools implements the tool registry: registration with JSON
// Schema validation, cached execution, and event emission for every
// invocation.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/prfagit/sam-framework-sub002/internal/bus"
	"github.com/prfagit/sam-framework-sub002/internal/cache"
	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

const (
	maxToolNameLength = 256
	maxToolArgsSize   = 10 << 20 // 10MB
)

// ErrToolNotFound is returned by Call for names with no registration.
var ErrToolNotFound = errors.New("tool not found")

// ToolError wraps a failure of one tool invocation: bad arguments,
// handler errors, and handler panics all land here. The orchestrator
// turns these into tool-role messages instead of failing the run.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

// Spec describes a tool to the LLM.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Handler executes a tool call. Arguments arrive normalized through a
// JSON round-trip, so values carry encoding/json's types.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs a spec with its handler. NoCache opts mutating tools out
// of result caching; everything else is cacheable by default.
type Tool struct {
	Spec    Spec
	Handler Handler
	NoCache bool
}

// CallContext carries the identity attached to emitted events.
type CallContext struct {
	SessionID  string
	UserID     string
	ToolCallID string
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the tools available to agents. Registration is
// idempotent per name; Call validates, executes, caches, and publishes
// tool.called / tool.succeeded / tool.failed around every invocation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered

	bus      *bus.Bus
	cache    cache.Backend
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewRegistry returns an empty registry. events and results may be nil,
// which disables event emission and result caching respectively.
func NewRegistry(events *bus.Bus, results cache.Backend, cacheTTL time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]*registered),
		bus:      events,
		cache:    results,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Register adds tool under its spec name, compiling the input schema.
// Registering an existing name replaces the tool and logs a warning.
func (r *Registry) Register(tool Tool) error {
	name := tool.Spec.Name
	if name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if len(name) > maxToolNameLength {
		return fmt.Errorf("register tool %q: name exceeds %d bytes", name, maxToolNameLength)
	}
	if tool.Handler == nil {
		return fmt.Errorf("register tool %q: nil handler", name)
	}

	schema, err := compileSchema(name, tool.Spec.InputSchema)
	if err != nil {
		return fmt.Errorf("register tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("tool replaced", "tool", name)
	}
	r.tools[name] = &registered{tool: tool, schema: schema}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(data))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// Specs returns every registered spec sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.tools))
	for _, reg := range r.tools {
		specs = append(specs, reg.tool.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Lookup reports whether name is registered.
func (r *Registry) Lookup(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// CacheKey derives the canonical cache key for one invocation. Map keys
// serialize in sorted order, so equal arguments always hash equally.
func CacheKey(name string, args map[string]any) (string, error) {
	canonical := []byte("{}")
	if len(args) > 0 {
		var err error
		canonical, err = json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode arguments: %w", err)
		}
	}
	if len(canonical) > maxToolArgsSize {
		return "", fmt.Errorf("arguments exceed %d bytes", maxToolArgsSize)
	}
	sum := sha256.Sum256(append([]byte(name), canonical...))
	return fmt.Sprintf("sam:tool:%s:%s", name, hex.EncodeToString(sum[:])[:16]), nil
}

// Call executes the named tool. Unknown names return ErrToolNotFound;
// validation failures, handler errors, and handler panics return a
// *ToolError. A cache hit publishes tool.called and tool.succeeded
// without running the handler; only successful results of cacheable
// tools are stored.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any, cc CallContext) (any, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	key, err := CacheKey(name, args)
	if err != nil {
		return nil, &ToolError{Tool: name, Err: err}
	}

	normalized, err := normalizeArgs(args)
	if err != nil {
		return nil, &ToolError{Tool: name, Err: err}
	}

	cacheable := r.cache != nil && !reg.tool.NoCache
	if cacheable {
		if cached, hit, err := r.cache.Get(ctx, key); err != nil {
			r.logger.Warn("tool cache read failed", "tool", name, "error", err)
		} else if hit {
			r.emitCalled(ctx, name, normalized, cc, true)
			r.emitSucceeded(ctx, name, cached, cc, true)
			return cached, nil
		}
	}

	r.emitCalled(ctx, name, normalized, cc, false)

	if reg.schema != nil {
		if err := reg.schema.Validate(normalized); err != nil {
			terr := &ToolError{Tool: name, Err: fmt.Errorf("invalid arguments: %w", err)}
			r.emitFailed(ctx, name, terr, cc)
			return nil, terr
		}
	}

	result, err := r.invoke(ctx, reg.tool.Handler, normalized)
	if err != nil {
		terr := &ToolError{Tool: name, Err: err}
		r.emitFailed(ctx, name, terr, cc)
		return nil, terr
	}

	if cacheable {
		if err := r.cache.Set(ctx, key, result, r.cacheTTL); err != nil {
			r.logger.Warn("tool cache write failed", "tool", name, "error", err)
		}
	}
	r.emitSucceeded(ctx, name, result, cc, false)
	return result, nil
}

// invoke isolates handler panics.
func (r *Registry) invoke(ctx context.Context, handler Handler, args map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return handler(ctx, args)
}

// InvalidateTool drops every cached result for name and returns how
// many entries were removed.
func (r *Registry) InvalidateTool(ctx context.Context, name string) (int, error) {
	if r.cache == nil {
		return 0, nil
	}
	return r.cache.Clear(ctx, "sam:tool:"+name+":*")
}

// normalizeArgs round-trips arguments through JSON so handlers and
// schema validation see encoding/json's types regardless of how the
// caller built the map.
func normalizeArgs(args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return normalized, nil
}

func (r *Registry) emitCalled(ctx context.Context, name string, args map[string]any, cc CallContext, cached bool) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, models.EventToolCalled, models.ToolCalled{
		SessionID:  cc.SessionID,
		UserID:     cc.UserID,
		Name:       name,
		Arguments:  args,
		ToolCallID: cc.ToolCallID,
		Cached:     cached,
	})
}

func (r *Registry) emitSucceeded(ctx context.Context, name string, result any, cc CallContext, cached bool) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, models.EventToolSucceeded, models.ToolSucceeded{
		SessionID:  cc.SessionID,
		UserID:     cc.UserID,
		Name:       name,
		ToolCallID: cc.ToolCallID,
		Result:     result,
		Cached:     cached,
	})
}

func (r *Registry) emitFailed(ctx context.Context, name string, terr *ToolError, cc CallContext) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, models.EventToolFailed, models.ToolFailed{
		SessionID:  cc.SessionID,
		UserID:     cc.UserID,
		Name:       name,
		ToolCallID: cc.ToolCallID,
		Error:      terr.Err.Error(),
	})
}
