package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/cctelegram/mcp-bridge/internal/bridge"
	"github.com/cctelegram/mcp-bridge/internal/events"
	"github.com/cctelegram/mcp-bridge/internal/resilience"
)

// Kind classifies tool failures. Clients branch on the kind, not the
// message text.
type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindValidation        Kind = "validation"
	KindRateLimit         Kind = "rate_limit"
	KindSecurity          Kind = "security"
	KindBridgeUnavailable Kind = "bridge_unavailable"
	KindTimeout           Kind = "timeout"
	KindNetwork           Kind = "network"
	KindInternal          Kind = "internal"
)

// Retryable reports whether a client may retry a failure of this kind
// without changing the request.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindBridgeUnavailable, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// ToolError is the uniform failure every tool call surfaces.
type ToolError struct {
	Kind        Kind
	Message     string
	Details     map[string]any
	RetryAfterS int
	cause       error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error { return e.cause }

// Errf builds a ToolError with a formatted message.
func Errf(kind Kind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Envelope renders the error as the wire shape embedded in tool results.
func (e *ToolError) Envelope(correlationID string) map[string]any {
	env := map[string]any{
		"error":     true,
		"kind":      string(e.Kind),
		"message":   e.Message,
		"retryable": e.Kind.Retryable(),
	}
	if len(e.Details) > 0 {
		env["details"] = e.Details
	}
	if e.RetryAfterS > 0 {
		env["retry_after_s"] = e.RetryAfterS
	}
	if correlationID != "" {
		env["correlation_id"] = correlationID
	}
	return env
}

// Classify folds an arbitrary handler error into the taxonomy. ToolErrors
// pass through unchanged.
func Classify(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, events.ErrInvalid):
		return &ToolError{Kind: KindValidation, Message: err.Error(), cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Kind: KindTimeout, Message: "operation deadline exceeded", cause: err}
	case errors.Is(err, context.Canceled):
		return &ToolError{Kind: KindTimeout, Message: "operation canceled", cause: err}
	case errors.Is(err, bridge.ErrNotFound),
		errors.Is(err, bridge.ErrMisconfigured),
		errors.Is(err, bridge.ErrStartFailed):
		return &ToolError{Kind: KindBridgeUnavailable, Message: err.Error(), cause: err}
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrTooManyTrials):
		return &ToolError{Kind: KindBridgeUnavailable, Message: err.Error(), cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &ToolError{Kind: KindTimeout, Message: err.Error(), cause: err}
		}
		return &ToolError{Kind: KindNetwork, Message: err.Error(), cause: err}
	}
	return &ToolError{Kind: KindInternal, Message: err.Error(), cause: err}
}
