package agent

// DefaultUserID is assumed when a request carries no user identity.
const DefaultUserID = "default"

// RequestContext identifies the caller of a run. It is an immutable
// value: construct it once and pass it by value down the call stack.
type RequestContext struct {
	UserID          string
	SessionID       string
	WalletKeyID     string
	Metadata        map[string]string
	ConfigOverrides map[string]any
}

// NewRequestContext returns a context for userID, falling back to
// DefaultUserID when empty.
func NewRequestContext(userID string) RequestContext {
	if userID == "" {
		userID = DefaultUserID
	}
	return RequestContext{UserID: userID}
}

// CacheKey is the factory's agent-cache key. Agents are currently cached
// per user.
func (rc RequestContext) CacheKey() string {
	if rc.UserID == "" {
		return DefaultUserID
	}
	return rc.UserID
}
