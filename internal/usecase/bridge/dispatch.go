package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"synkronus-host/internal/domain"
)

// responseEnvelope is the reply sent back to the renderer for an
// inbound action request that carried a correlation token.
type responseEnvelope struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HandleMessage is the sole consumer of traffic arriving from the
// remote form renderer. Every message is parsed, classified and routed:
// readiness signal, response envelope, console passthrough, or inbound
// action request. Malformed input is logged and dropped without
// affecting any pending request.
func (c *Channel) HandleMessage(ctx context.Context, raw []byte) {
	ctx, span := c.tracer.Start(ctx, "bridge.dispatch",
		trace.WithAttributes(attribute.String("bridge.channel", c.label)))
	defer span.End()

	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		c.logger.Warn("malformed bridge message dropped", "error", err, "size", len(raw))
		return
	}
	env.Raw = json.RawMessage(raw)
	span.SetAttributes(attribute.String("bridge.type", env.Type))

	switch {
	case env.Type == domain.TypeReady:
		c.open(ctx)
	case env.Type == domain.TypeResponse:
		c.resolve(&env)
	default:
		if level, ok := env.IsConsole(); ok {
			c.relayConsole(level, &env)
			return
		}
		c.handleAction(ctx, &env)
	}
}

// relayConsole forwards a renderer diagnostic message to the host's
// logging sink, tagged with the channel label. Console traffic never
// touches correlation state.
func (c *Channel) relayConsole(level string, env *domain.Envelope) {
	msg := env.Message
	if msg == "" {
		msg = string(env.Raw)
	}
	switch level {
	case "error":
		c.logger.Error("renderer: " + msg)
	case "warn", "warning":
		c.logger.Warn("renderer: " + msg)
	case "debug":
		c.logger.Debug("renderer: " + msg)
	default:
		c.logger.Info("renderer: "+msg, "level", level)
	}
}

// handleAction routes an inbound action request to its registered
// handler (or the catch-all), awaits it, and — only when the envelope
// carried a correlation token — relays the outcome back across the
// boundary as a response envelope. A handler failure or panic becomes
// an error response; it never escapes the dispatcher.
func (c *Channel) handleAction(ctx context.Context, env *domain.Envelope) {
	handler, isCatchAll := c.handlers.Lookup(env.Type)
	if handler == nil {
		c.logger.Error("no handler for inbound action", "verb", env.Type, "message_id", env.MessageID)
		if env.MessageID != "" {
			c.respond(ctx, env, nil, domain.NewDomainError("Channel.HandleMessage",
				domain.ErrHandlerNotFound, env.Type))
		}
		return
	}

	payload := env.Raw
	if isCatchAll {
		// The catch-all gets the full envelope; a specific handler gets
		// the same body but is free to unmarshal only its own fields.
		c.logger.Debug("inbound action routed to catch-all", "verb", env.Type)
	}

	result, err := c.invokeHandler(ctx, env.Type, handler, payload)

	if env.MessageID == "" {
		// Fire-and-forget inbound notification; no response expected.
		if err != nil {
			c.logger.Error("inbound notification handler failed", "verb", env.Type, "error", err)
		}
		return
	}
	c.respond(ctx, env, result, err)
}

// invokeHandler runs one action handler with panic containment.
func (c *Channel) invokeHandler(ctx context.Context, verb string, handler domain.ActionHandler, payload json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("action handler panicked", "verb", verb, "panic", r)
			result, err = nil, fmt.Errorf("handler %s panicked: %v", verb, r)
		}
	}()
	return handler(ctx, payload)
}

// respond transmits the response envelope for an inbound action via the
// same injection primitive outbound calls use. The renderer receives it
// as a global message event.
func (c *Channel) respond(ctx context.Context, env *domain.Envelope, result any, err error) {
	resp := responseEnvelope{
		Type:      env.Type + domain.ResponseSuffix,
		MessageID: env.MessageID,
		Result:    result,
	}
	if err != nil {
		resp.Result = nil
		resp.Error = err.Error()
	}

	c.mu.Lock()
	view := c.view
	c.mu.Unlock()
	if view == nil {
		c.logger.Error("cannot respond, transport unavailable", "verb", env.Type, "message_id", env.MessageID)
		return
	}
	if injErr := view.Inject(ctx, MessageEventScript(resp)); injErr != nil {
		c.logger.Error("response injection failed", "verb", env.Type, "message_id", env.MessageID, "error", injErr)
	}
}

// HandleForeground runs the background→foreground lifecycle hook. When
// the content is loaded and the gate open, the renderer's retained
// handle is notified that focus returned. If the probe shows the
// invocation surface is unexpectedly gone — the content process was
// reset by the operating system while backgrounded — the bootstrap
// injection is replayed and the gate closes until the renderer
// re-announces readiness, so new calls queue instead of vanishing.
func (c *Channel) HandleForeground(ctx context.Context) error {
	c.mu.Lock()
	view := c.view
	skip := c.closed || !c.loaded || !c.ready
	c.mu.Unlock()
	if skip || view == nil {
		return nil
	}

	intact, err := view.HasBridge(ctx)
	if err != nil {
		return domain.WrapOp("Channel.HandleForeground", err)
	}

	if intact {
		if err := view.Inject(ctx, FocusScript()); err != nil {
			return domain.WrapOp("Channel.HandleForeground", err)
		}
		c.logger.Debug("focus notification sent")
		c.publish(domain.EventChannelFocus, nil)
		return nil
	}

	c.logger.Warn("invocation surface missing after background, replaying bootstrap")
	if err := view.Inject(ctx, BootstrapScript()); err != nil {
		return domain.WrapOp("Channel.HandleForeground", err)
	}
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	c.publish(domain.EventBridgeReplay, nil)
	return nil
}
