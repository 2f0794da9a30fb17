package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prfagit/sam-framework-sub002/internal/agent"
)

// wrapProviderError normalizes SDK failures onto the sentinels the
// breaker counts. Caller cancellation passes through untouched so it
// never trips the breaker; deadline and transport timeouts map to
// ErrProviderTimeout, everything else to ErrProvider.
func wrapProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutMessage(err) {
		return fmt.Errorf("%w: %s: %v", agent.ErrProviderTimeout, provider, err)
	}
	return fmt.Errorf("%w: %s: %v", agent.ErrProvider, provider, err)
}

func isTimeoutMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}
