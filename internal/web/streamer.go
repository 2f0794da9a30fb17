package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/prfagit/sam-framework-sub002/internal/agent"
	"github.com/prfagit/sam-framework-sub002/internal/bus"
	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

// StreamerConfig tunes the event stream shape.
type StreamerConfig struct {
	// ChunkSize is the rune length of each simulated agent.delta chunk.
	// Default: 24.
	ChunkSize int
	// ChunkDelay separates consecutive delta chunks. Default: 20ms.
	ChunkDelay time.Duration
	// QueueSize bounds the per-run event queue. Default: 128.
	QueueSize int
}

func sanitizeStreamerConfig(cfg StreamerConfig) StreamerConfig {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 24
	}
	if cfg.ChunkDelay <= 0 {
		cfg.ChunkDelay = 20 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	return cfg
}

// Streamer adapts one agent run into an ordered event stream filtered
// to a single session. The run's own agent.message is suppressed; after
// the run completes the streamer publishes simulated agent.delta chunks
// of the final text and then the terminal agent.message, so clients see
// a streaming-shaped reply even from non-streaming providers.
type Streamer struct {
	bus    *bus.Bus
	cfg    StreamerConfig
	logger *slog.Logger
}

// NewStreamer wires a streamer to the shared bus.
func NewStreamer(events *bus.Bus, cfg StreamerConfig, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{bus: events, cfg: sanitizeStreamerConfig(cfg), logger: logger}
}

// Run launches the agent run and returns its event stream plus a
// one-shot error channel. The event channel closes after the terminal
// event; the error channel then delivers the run's result. Every
// temporary subscription is removed on exit, success or not.
//
// Event order is the run's causal order with the terminal finish status
// held back until after the simulated deltas and the final message.
func (s *Streamer) Run(ctx context.Context, ag *agent.Agent, prompt, sessionID string, rc agent.RequestContext) (<-chan bus.Event, <-chan error) {
	if sessionID == "" {
		sessionID = rc.SessionID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	userID := rc.CacheKey()

	events := make(chan bus.Event, s.cfg.QueueSize)
	errc := make(chan error, 1)

	var (
		finish   *bus.Event
		runUsage models.Usage
	)

	// The handler runs on publisher goroutines: the orchestrator's
	// during the run, and this streamer's own for the simulated tail.
	// The terminal finish status is held back so it trails the deltas
	// and the final message; usage is accumulated for that message.
	handler := func(_ context.Context, e bus.Event) {
		scoped, ok := e.Payload.(models.SessionScoped)
		if !ok || scoped.Session() != sessionID {
			return
		}
		if status, ok := e.Payload.(models.AgentStatus); ok && status.State == models.StateFinish {
			finish = &e
			return
		}
		if usage, ok := e.Payload.(models.LLMUsage); ok {
			runUsage.Add(usage.Usage)
		}
		select {
		case events <- e:
		default:
			s.logger.Warn("event stream queue full, dropping event",
				"session_id", sessionID, "event", e.Name)
		}
	}

	subs := make([]bus.Subscription, 0, len(models.EventNames()))
	for _, name := range models.EventNames() {
		subs = append(subs, s.bus.Subscribe(name, handler))
	}

	go func() {
		defer close(events)
		defer func() {
			for _, sub := range subs {
				s.bus.Unsubscribe(sub)
			}
		}()

		final, err := ag.Run(ctx, prompt, sessionID, rc, agent.WithPublishFinal(false))
		if err == nil {
			s.streamTail(ctx, sessionID, userID, final, runUsage)
		}
		if finish != nil {
			select {
			case events <- *finish:
			default:
			}
		}
		errc <- err
	}()

	return events, errc
}

// streamTail publishes the simulated delta chunks and the terminal
// message on the shared bus, so metrics and other subscribers observe
// them alongside this stream's own handler.
func (s *Streamer) streamTail(ctx context.Context, sessionID, userID, final string, usage models.Usage) {
	runes := []rune(final)
	for start := 0; start < len(runes); start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		s.bus.Publish(ctx, models.EventAgentDelta, models.AgentDelta{
			SessionID: sessionID,
			UserID:    userID,
			Content:   string(runes[start:end]),
		})
		if end < len(runes) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ChunkDelay):
			}
		}
	}

	s.bus.Publish(ctx, models.EventAgentMessage, models.AgentMessage{
		SessionID: sessionID,
		UserID:    userID,
		Content:   final,
		Usage:     usage,
	})
}
