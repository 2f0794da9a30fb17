package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/prfagit/sam-framework-sub002/internal/agent"
	"github.com/prfagit/sam-framework-sub002/internal/tools"
)

type datetimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`
	Format   string `json:"format,omitempty" jsonschema:"description=Go reference-time layout; defaults to RFC 3339"`
}

type sessionStatsArgs struct {
	UserID string `json:"user_id,omitempty" jsonschema:"description=User whose sessions to summarize; defaults to the configured user"`
}

// RegisterBuiltins adds the read-only demo tools, so a bare install has
// something for the model to call.
func (c *Core) RegisterBuiltins() error {
	if err := c.Tools.Register(tools.Tool{
		Spec: tools.Spec{
			Name:        "datetime.now",
			Description: "Current date and time, optionally in a given timezone and format.",
			InputSchema: reflectSchema(datetimeArgs{}),
		},
		Handler: datetimeNow,
		// Time is not cacheable.
		NoCache: true,
	}); err != nil {
		return err
	}

	return c.Tools.Register(tools.Tool{
		Spec: tools.Spec{
			Name:        "session.stats",
			Description: "Conversation session statistics for a user: session count, message counts, last activity.",
			InputSchema: reflectSchema(sessionStatsArgs{}),
		},
		Handler: c.sessionStats,
		NoCache: true,
	})
}

func datetimeNow(_ context.Context, args map[string]any) (any, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
	}
	layout := time.RFC3339
	if f, ok := args["format"].(string); ok && f != "" {
		layout = f
	}
	now := time.Now().In(loc)
	return map[string]any{
		"datetime": now.Format(layout),
		"timezone": loc.String(),
		"unix":     now.Unix(),
	}, nil
}

func (c *Core) sessionStats(ctx context.Context, args map[string]any) (any, error) {
	userID := c.Config.Agent.UserID
	if v, ok := args["user_id"].(string); ok && v != "" {
		userID = v
	}
	if userID == "" {
		userID = agent.DefaultUserID
	}

	infos, err := c.Sessions.Sessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	messages := 0
	var lastActive time.Time
	for _, info := range infos {
		messages += info.MessageCount
		if info.UpdatedAt.After(lastActive) {
			lastActive = info.UpdatedAt
		}
	}
	out := map[string]any{
		"user_id":  userID,
		"sessions": len(infos),
		"messages": messages,
	}
	if !lastActive.IsZero() {
		out["last_active"] = lastActive.UTC().Format(time.RFC3339)
	}
	return out, nil
}

// reflectSchema derives a tool input schema from an args struct. The
// registry compiles the result, so a reflection bug fails loudly at
// registration rather than at call time.
func reflectSchema(v any) map[string]any {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}
