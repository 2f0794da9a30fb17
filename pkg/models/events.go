package models

// Canonical event names published on the bus. Every lifecycle step of a run
// maps onto exactly one of these seven topics.
const (
	EventAgentStatus   = "agent.status"
	EventLLMUsage      = "llm.usage"
	EventToolCalled    = "tool.called"
	EventToolSucceeded = "tool.succeeded"
	EventToolFailed    = "tool.failed"
	EventAgentDelta    = "agent.delta"
	EventAgentMessage  = "agent.message"
)

// EventNames returns the canonical topics in publication-relevance order.
func EventNames() []string {
	return []string{
		EventAgentStatus,
		EventLLMUsage,
		EventToolCalled,
		EventToolSucceeded,
		EventToolFailed,
		EventAgentDelta,
		EventAgentMessage,
	}
}

// AgentState is the lifecycle phase reported by agent.status events.
type AgentState string

const (
	StateStart    AgentState = "start"
	StateThinking AgentState = "thinking"
	StateToolCall AgentState = "tool_call"
	StateToolDone AgentState = "tool_done"
	StateFallback AgentState = "fallback"
	StateFinish   AgentState = "finish"
)

// SessionScoped is implemented by every event payload so subscribers can
// filter a shared bus down to a single session.
type SessionScoped interface {
	Session() string
}

// AgentStatus reports a lifecycle transition of a run.
type AgentStatus struct {
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	State     AgentState `json:"state"`
	Message   string     `json:"message,omitempty"`
	Iteration int        `json:"iteration,omitempty"`
	Name      string     `json:"name,omitempty"`
}

func (e AgentStatus) Session() string { return e.SessionID }

// LLMUsage reports token consumption after each LLM call.
type LLMUsage struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	Usage         Usage  `json:"usage"`
	ContextLength int    `json:"context_length"`
}

func (e LLMUsage) Session() string { return e.SessionID }

// ToolCalled reports a tool invocation being dispatched, including
// cache-served invocations whose handler never runs.
type ToolCalled struct {
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Cached     bool           `json:"cached,omitempty"`
}

func (e ToolCalled) Session() string { return e.SessionID }

// ToolSucceeded reports a tool invocation that produced a result.
type ToolSucceeded struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Result     any    `json:"result,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
}

func (e ToolSucceeded) Session() string { return e.SessionID }

// ToolFailed reports a tool invocation that returned an error. Failures are
// data, not run aborts; the orchestrator feeds them back to the model.
type ToolFailed struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Error      string `json:"error"`
}

func (e ToolFailed) Session() string { return e.SessionID }

// AgentDelta carries one chunk of the final response during streaming.
type AgentDelta struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
}

func (e AgentDelta) Session() string { return e.SessionID }

// AgentMessage carries the complete final response of a run.
type AgentMessage struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	Usage     Usage  `json:"usage"`
}

func (e AgentMessage) Session() string { return e.SessionID }
