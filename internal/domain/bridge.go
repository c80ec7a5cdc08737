package domain

import (
	"context"
	"encoding/json"
	"strings"
)

// Verbs invoked by the host on the remote form renderer. The renderer
// exposes one global function per verb; anything else goes through Call.
const (
	VerbFormInit            = "formInit"
	VerbAttachmentAvailable = "attachmentAvailable"
)

// Reserved envelope types. Every other type value is an inbound action verb.
const (
	TypeReady    = "bridgeReady"
	TypeResponse = "response"

	// ConsolePrefix marks diagnostic passthrough messages; the suffix is
	// the severity level ("console.log", "console.warn", ...).
	ConsolePrefix = "console."

	// ResponseSuffix is appended to an inbound action verb to form the
	// type of the reply envelope sent back to the renderer.
	ResponseSuffix = "_response"
)

// Envelope is the parsed shape of every message crossing the boundary
// from the remote form renderer to the host. Raw carries the full
// original message for catch-all handlers.
type Envelope struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// CorrelationID returns the token pairing this envelope with a pending
// request: the renderer emits requestId for host-initiated calls and
// messageId for its own.
func (e *Envelope) CorrelationID() string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return e.MessageID
}

// IsConsole reports whether the envelope is a diagnostic passthrough
// message, returning its severity level.
func (e *Envelope) IsConsole() (level string, ok bool) {
	if strings.HasPrefix(e.Type, ConsolePrefix) {
		return strings.TrimPrefix(e.Type, ConsolePrefix), true
	}
	return "", false
}

// ActionHandler is a host-side operation invocable by the remote form
// renderer for a given verb. The payload is the raw inbound envelope
// body; the returned value is marshalled into the reply envelope.
type ActionHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// ContentView is the single physical conduit to the remote form
// renderer. Implementations wrap a platform web content container (or,
// in development, a browser session): Inject evaluates a script inside
// the renderer's execution environment.
type ContentView interface {
	// Label returns a human-readable identifier used in diagnostics.
	Label() string
	// Inject evaluates the given script in the remote content. It
	// returns ErrTransportUnavailable when the underlying container is
	// gone.
	Inject(ctx context.Context, script string) error
	// HasBridge probes whether the renderer's global invocation surface
	// is still present. Used after background/foreground transitions to
	// detect a silently reset content process.
	HasBridge(ctx context.Context) (bool, error)
}
