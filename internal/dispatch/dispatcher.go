// Package dispatch is the tool execution pipeline: every call passes
// authentication, capability check, schema validation, rate limiting, and
// payload inspection before its handler runs, and every failure leaves as a
// classified ToolError carrying the call's correlation id.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/logging"
	"github.com/cctelegram/mcp-bridge/internal/metrics"
	"github.com/cctelegram/mcp-bridge/internal/ratelimit"
	"github.com/cctelegram/mcp-bridge/internal/security"
	"github.com/cctelegram/mcp-bridge/internal/tracing"
)

// Dispatcher routes validated tool calls to handlers. All collaborators
// except the registry and authenticator are optional.
type Dispatcher struct {
	reg     *Registry
	auth    *Authenticator
	limiter *ratelimit.Limiter
	sec     *security.Monitor
	dom     *metrics.Domain
	tracer  *tracing.Tracer
	log     *logging.Logger
}

func New(reg *Registry, auth *Authenticator, limiter *ratelimit.Limiter,
	sec *security.Monitor, dom *metrics.Domain, tracer *tracing.Tracer,
	log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		auth:    auth,
		limiter: limiter,
		sec:     sec,
		dom:     dom,
		tracer:  tracer,
		log:     log.Named("dispatch"),
	}
}

// Tools lists registered tool descriptors.
func (d *Dispatcher) Tools() []Descriptor { return d.reg.List() }

// Call runs one tool invocation through the full pipeline. The returned
// correlation id identifies the call in logs regardless of outcome.
func (d *Dispatcher) Call(ctx context.Context, tool string, args json.RawMessage, apiKey string) (result any, corrID string, terr *ToolError) {
	ctx, corrID = logging.EnsureCorrelation(ctx)
	started := time.Now()
	defer func() {
		outcome := "ok"
		if terr != nil {
			outcome = string(terr.Kind)
		}
		if d.dom != nil {
			d.dom.ToolCall(tool, outcome, time.Since(started))
		}
	}()

	// An already-expired deadline fails fast, before any I/O.
	if deadline, ok := ctx.Deadline(); ok && !deadline.After(started) {
		return nil, corrID, Errf(KindTimeout, "deadline already expired")
	}
	if err := ctx.Err(); err != nil {
		return nil, corrID, Classify(err)
	}

	identity, terr := d.auth.Authenticate(apiKey)
	if terr != nil {
		d.log.Warn(ctx, "tool call rejected",
			zap.String("tool", tool), zap.String("kind", string(terr.Kind)))
		return nil, corrID, terr
	}

	t := d.reg.Lookup(tool)
	if t == nil {
		return nil, corrID, Errf(KindValidation, "unknown tool %q", tool)
	}
	if !identity.Allowed(t.Capability) {
		return nil, corrID, Errf(KindAuthorization,
			"client %s lacks capability %s", identity.ClientID, t.Capability)
	}

	parsed, terr := t.validate(args)
	if terr != nil {
		return nil, corrID, terr
	}

	if d.limiter != nil {
		if v := d.limiter.Check(identity.ClientID, tool); !v.Allowed {
			if d.dom != nil {
				d.dom.RateLimited(v.Scope)
			}
			return nil, corrID, &ToolError{
				Kind:        KindRateLimit,
				Message:     "rate limit exceeded on " + v.Scope + " window",
				Details:     map[string]any{"scope": v.Scope, "window": v.Window.String()},
				RetryAfterS: v.RetryAfterSeconds(),
			}
		}
	}

	if d.sec != nil {
		verdict := d.sec.Inspect(ctx, security.Request{
			ClientID: identity.ClientID,
			Tool:     tool,
			Body:     string(args),
		})
		if verdict.Blocked {
			details := map[string]any{"action": string(verdict.Action)}
			if len(verdict.Events) > 0 {
				details["threat"] = verdict.Events[0].Type
			}
			return nil, corrID, &ToolError{
				Kind:    KindSecurity,
				Message: "request blocked by payload inspection",
				Details: details,
			}
		}
	}

	req := &Request{
		Tool:          tool,
		Args:          args,
		Identity:      identity,
		CorrelationID: corrID,
		parsed:        parsed,
	}

	var span tracing.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "tool."+tool,
			attribute.String("tool", tool),
			attribute.String("client_id", identity.ClientID))
		defer span.End()
	}

	result, err := t.handler(ctx, req)
	if err != nil {
		terr = Classify(err)
		if d.tracer != nil {
			span.Error(err)
		}
		d.log.Error(ctx, "tool call failed",
			zap.String("tool", tool),
			zap.String("client_id", identity.ClientID),
			zap.String("kind", string(terr.Kind)),
			zap.Error(err))
		return nil, corrID, terr
	}

	d.log.Info(ctx, "tool call completed",
		zap.String("tool", tool),
		zap.String("client_id", identity.ClientID),
		zap.Duration("elapsed", time.Since(started)))
	return result, corrID, nil
}
