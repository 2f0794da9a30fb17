// Package agent implements the reason-act orchestrator. An Agent drives
// the LLM in a bounded loop, fans tool calls out concurrently, publishes
// lifecycle events on the bus, and persists the conversation once a run
// completes cleanly.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prfagit/sam-framework-sub002/internal/bus"
	"github.com/prfagit/sam-framework-sub002/internal/infra"
	"github.com/prfagit/sam-framework-sub002/internal/sessions"
	"github.com/prfagit/sam-framework-sub002/internal/tools"
	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

// Config tunes one agent instance.
type Config struct {
	// SystemPrompt seeds sessions that have no history yet.
	SystemPrompt string

	// MaxIterations bounds the reason-act loop. When the model is still
	// requesting tools at the limit, one final call without tool schemas
	// forces a textual answer. Default: 10.
	MaxIterations int

	// ToolConcurrency caps concurrent tool executions within one
	// iteration. Default: 4.
	ToolConcurrency int

	// HistoryLimit is how many recent messages are loaded per run.
	// Default: sessions.DefaultMaxMessages.
	HistoryLimit int
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = 4
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = sessions.DefaultMaxMessages
	}
	return cfg
}

// Agent exclusively owns its provider handle, memory handle, and run
// statistics. The registry, bus, and breaker are process-wide singletons
// shared with other agents.
type Agent struct {
	provider LLMProvider
	registry *tools.Registry
	memory   sessions.Store
	bus      *bus.Bus
	breaker  *infra.Breaker
	cfg      Config
	logger   *slog.Logger

	mu    sync.Mutex
	stats models.SessionStats
}

// New wires an agent. registry, events, and breaker may be nil: a
// registry-less agent offers no tools, a bus-less agent emits no events,
// and a breaker-less agent calls the provider directly.
func New(provider LLMProvider, registry *tools.Registry, memory sessions.Store, events *bus.Bus, breaker *infra.Breaker, cfg Config, logger *slog.Logger) (*Agent, error) {
	if provider == nil {
		return nil, errors.New("agent: nil provider")
	}
	if memory == nil {
		return nil, errors.New("agent: nil session store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		provider: provider,
		registry: registry,
		memory:   memory,
		bus:      events,
		breaker:  breaker,
		cfg:      sanitizeConfig(cfg),
		logger:   logger,
	}, nil
}

// Provider reports the name of the wired LLM provider.
func (a *Agent) Provider() string { return a.provider.Name() }

type runOptions struct {
	publishFinal bool
}

// RunOption adjusts a single Run call.
type RunOption func(*runOptions)

// WithPublishFinal controls whether Run publishes agent.message. The
// streaming adapter passes false because it emits its own deltas and
// final message.
func WithPublishFinal(publish bool) RunOption {
	return func(o *runOptions) { o.publishFinal = publish }
}

// Run executes one prompt against the session and returns the final
// assistant text.
//
// Event order for a run is start, then per iteration thinking, llm.usage
// and the tool events, then agent.message (unless suppressed), then
// finish. Errors outside tool execution surface to the caller and still
// publish the terminal finish status carrying the error text. New
// messages reach memory only when the run terminates cleanly.
func (a *Agent) Run(ctx context.Context, prompt, sessionID string, rc RequestContext, opts ...RunOption) (string, error) {
	options := runOptions{publishFinal: true}
	for _, opt := range opts {
		opt(&options)
	}

	if sessionID == "" {
		sessionID = rc.SessionID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	userID := rc.CacheKey()

	a.publishStatus(ctx, sessionID, userID, models.StateStart, "", 0)

	history, err := a.memory.History(ctx, sessionID, a.cfg.HistoryLimit)
	if err != nil {
		return a.fail(ctx, sessionID, userID, fmt.Errorf("load history: %w", err))
	}

	// pending buffers every message produced by this run; it is flushed
	// to memory only on clean completion so a cancelled or failed run
	// leaves no partial transcript behind.
	messages := make([]models.Message, 0, len(history)+2)
	pending := make([]models.Message, 0, 4)

	messages = append(messages, history...)
	if len(history) == 0 && a.cfg.SystemPrompt != "" {
		system := models.Message{Role: models.RoleSystem, Content: a.cfg.SystemPrompt}
		messages = append(messages, system)
		pending = append(pending, system)
	}
	user := models.Message{Role: models.RoleUser, Content: prompt}
	messages = append(messages, user)
	pending = append(pending, user)

	specs := a.specs()

	var (
		final    string
		runUsage models.Usage
		answered bool
	)

	for i := 1; i <= a.cfg.MaxIterations; i++ {
		a.publishStatus(ctx, sessionID, userID, models.StateThinking, "", i)

		resp, err := a.chat(ctx, messages, specs)
		if err != nil {
			return a.fail(ctx, sessionID, userID, err)
		}
		runUsage.Add(resp.Usage)
		a.publishUsage(ctx, sessionID, userID, resp.Usage, len(messages))

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			answered = true
			break
		}

		assistant := models.Message{Role: models.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistant)
		pending = append(pending, assistant)

		results := a.runTools(ctx, sessionID, userID, resp.ToolCalls)
		if err := ctx.Err(); err != nil {
			return a.fail(ctx, sessionID, userID, err)
		}
		messages = append(messages, results...)
		pending = append(pending, results...)
	}

	if !answered {
		a.publishStatus(ctx, sessionID, userID, models.StateFallback, "iteration limit reached", a.cfg.MaxIterations)

		resp, err := a.chat(ctx, messages, nil)
		if err != nil {
			return a.fail(ctx, sessionID, userID, err)
		}
		runUsage.Add(resp.Usage)
		a.publishUsage(ctx, sessionID, userID, resp.Usage, len(messages))
		final = resp.Content
	}

	pending = append(pending, models.Message{Role: models.RoleAssistant, Content: final})
	a.persist(ctx, sessionID, userID, pending)
	a.recordTurn(runUsage)

	if options.publishFinal {
		a.publish(ctx, models.EventAgentMessage, models.AgentMessage{
			SessionID: sessionID,
			UserID:    userID,
			Content:   final,
			Usage:     runUsage,
		})
	}
	a.publishStatus(ctx, sessionID, userID, models.StateFinish, "", 0)
	return final, nil
}

// Stats returns a snapshot of the agent's lifetime counters.
func (a *Agent) Stats() models.SessionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close releases the agent's owned handles. Shared singletons stay up.
func (a *Agent) Close() error {
	var errs []error
	if closer, ok := a.provider.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.memory.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// chat calls the provider through the breaker when one is wired.
func (a *Agent) chat(ctx context.Context, messages []models.Message, specs []tools.Spec) (*ChatResponse, error) {
	if a.breaker == nil {
		return a.provider.Chat(ctx, messages, specs)
	}
	return infra.CallWithResult(ctx, a.breaker, func(ctx context.Context) (*ChatResponse, error) {
		return a.provider.Chat(ctx, messages, specs)
	})
}

func (a *Agent) specs() []tools.Spec {
	if a.registry == nil {
		return nil
	}
	return a.registry.Specs()
}

// runTools executes one iteration's tool calls concurrently, bounded by
// the configured semaphore. Results come back as tool-role messages in
// declaration order regardless of completion order; failures become
// error payloads the model can react to, never run failures.
func (a *Agent) runTools(ctx context.Context, sessionID, userID string, calls []models.ToolCall) []models.Message {
	results := make([]models.Message, len(calls))
	sem := make(chan struct{}, a.cfg.ToolConcurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = toolMessage(call.ID, toolErrorContent(ctx.Err()))
				return
			}

			a.publish(ctx, models.EventAgentStatus, models.AgentStatus{
				SessionID: sessionID,
				UserID:    userID,
				State:     models.StateToolCall,
				Name:      call.Name,
			})

			out, err := a.callTool(ctx, sessionID, userID, call)
			if err != nil {
				results[idx] = toolMessage(call.ID, toolErrorContent(err))
			} else {
				results[idx] = toolMessage(call.ID, toolResultContent(out))
			}

			a.publish(ctx, models.EventAgentStatus, models.AgentStatus{
				SessionID: sessionID,
				UserID:    userID,
				State:     models.StateToolDone,
				Name:      call.Name,
			})
		}(i, call)
	}
	wg.Wait()
	return results
}

func (a *Agent) callTool(ctx context.Context, sessionID, userID string, call models.ToolCall) (any, error) {
	if a.registry == nil {
		return nil, fmt.Errorf("%w: %q", tools.ErrToolNotFound, call.Name)
	}
	return a.registry.Call(ctx, call.Name, call.Arguments, tools.CallContext{
		SessionID:  sessionID,
		UserID:     userID,
		ToolCallID: call.ID,
	})
}

// persist flushes the run's buffered messages. A write failure stops the
// flush so the stored transcript never has gaps; the run result is
// already decided at this point, so the error is logged, not surfaced.
func (a *Agent) persist(ctx context.Context, sessionID, userID string, msgs []models.Message) {
	for i := range msgs {
		if err := a.memory.AppendMessage(ctx, sessionID, userID, &msgs[i]); err != nil {
			a.logger.Warn("session write failed", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (a *Agent) recordTurn(usage models.Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.PromptTokens += usage.PromptTokens
	a.stats.CompletionTokens += usage.CompletionTokens
	a.stats.TotalTokens += usage.TotalTokens
	a.stats.Turns++
	a.stats.LastActivity = time.Now().UTC()
}

func (a *Agent) fail(ctx context.Context, sessionID, userID string, err error) (string, error) {
	a.logger.Error("run failed", "session_id", sessionID, "error", err)
	a.publishStatus(ctx, sessionID, userID, models.StateFinish, err.Error(), 0)
	return "", err
}

func (a *Agent) publish(ctx context.Context, name string, payload any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(ctx, name, payload)
}

func (a *Agent) publishStatus(ctx context.Context, sessionID, userID string, state models.AgentState, message string, iteration int) {
	a.publish(ctx, models.EventAgentStatus, models.AgentStatus{
		SessionID: sessionID,
		UserID:    userID,
		State:     state,
		Message:   message,
		Iteration: iteration,
	})
}

func (a *Agent) publishUsage(ctx context.Context, sessionID, userID string, usage models.Usage, contextLength int) {
	a.publish(ctx, models.EventLLMUsage, models.LLMUsage{
		SessionID:     sessionID,
		UserID:        userID,
		Usage:         usage,
		ContextLength: contextLength,
	})
}

func toolMessage(toolCallID, content string) models.Message {
	return models.Message{Role: models.RoleTool, Content: content, ToolCallID: toolCallID}
}

// toolResultContent serializes a tool result for the transcript. Strings
// pass through verbatim; everything else becomes JSON.
func toolResultContent(result any) string {
	switch v := result.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// toolErrorContent wraps a failure as JSON so the model can react to it
// in the next iteration.
func toolErrorContent(err error) string {
	data, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(data)
}
