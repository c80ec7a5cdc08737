// Package bridge implements the host side of the request/response
// correlation protocol spoken across the web content boundary. The two
// runtimes exchange only serialized text: the host injects executable
// scripts into the renderer, the renderer posts JSON envelopes back.
// A Channel turns that fire-and-forget conduit into a bidirectional
// RPC abstraction with request correlation, readiness gating, message
// queueing, timeout recovery and structured error propagation.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"synkronus-host/internal/domain"
)

// DefaultRequestTimeout bounds how long an outbound call waits for its
// response envelope before the pending entry is reaped.
const DefaultRequestTimeout = 30 * time.Second

const tracerName = "synkronus-host/bridge"

// RemoteError is a failure reported by the renderer for a correlated
// request: a missing function, a thrown exception or a rejected
// promise. It is a normal call outcome, not a transport fault.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote: " + e.Message }

// settlement carries the terminal outcome of one outbound call.
type settlement struct {
	result json.RawMessage
	err    error
}

// pendingRequest is one row of the correlation table.
type pendingRequest struct {
	id    string
	verb  string
	ch    chan settlement // buffered, settled at most once
	timer *time.Timer
}

// queuedMessage is a call captured while the readiness gate is closed.
type queuedMessage struct {
	verb    string
	payload json.RawMessage
	ch      chan settlement
}

// Options tunes a Channel. Zero values select defaults.
type Options struct {
	// RequestTimeout overrides DefaultRequestTimeout.
	RequestTimeout time.Duration
	// Logger receives protocol diagnostics and console passthrough.
	Logger *slog.Logger
	// Bus, when non-nil, receives lifecycle and traffic events.
	Bus domain.EventBus
}

// Channel owns one host-to-content communication session: the
// correlation table for outstanding requests, the readiness gate with
// its pending-message queue, and the action handler registry serving
// inbound requests. All mutation happens under one mutex; the flush of
// the queue holds it end to end, so a call issued concurrently with
// the gate opening can never overtake a queued one.
type Channel struct {
	label    string
	handlers *Registry
	timeout  time.Duration
	logger   *slog.Logger
	bus      domain.EventBus
	tracer   trace.Tracer

	mu      sync.Mutex
	view    domain.ContentView
	pending map[string]*pendingRequest
	queue   []queuedMessage
	ready   bool
	loaded  bool
	closed  bool
	entropy *ulid.MonotonicEntropy
}

// New creates a Channel for one content view. view may be nil until
// AttachView is called; calls dispatched in that window fail with
// ErrTransportUnavailable.
func New(label string, view domain.ContentView, handlers *Registry, opts Options) *Channel {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if handlers == nil {
		handlers = NewRegistry()
	}
	return &Channel{
		label:    label,
		handlers: handlers,
		timeout:  timeout,
		logger:   logger.With("channel", label),
		bus:      opts.Bus,
		tracer:   otel.Tracer(tracerName),
		view:     view,
		pending:  make(map[string]*pendingRequest),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Label returns the channel's diagnostic label.
func (c *Channel) Label() string { return c.label }

// Ready reports whether the readiness gate is open.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// AttachView swaps the content view reference. Used when the platform
// shell recreates its container without unmounting the form.
func (c *Channel) AttachView(view domain.ContentView) {
	c.mu.Lock()
	c.view = view
	c.mu.Unlock()
}

// PendingCount returns the number of outstanding requests. Diagnostic.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// QueuedCount returns the number of calls waiting on the gate. Diagnostic.
func (c *Channel) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Invoke calls the renderer function named verb with payload and blocks
// until the correlated response envelope arrives, the request times
// out, or ctx is done. While the readiness gate is closed the call is
// queued and dispatched, in issue order, the moment the gate opens.
//
// Cancelling ctx abandons the wait but does not cancel the in-flight
// request; its pending entry is reaped by the timeout.
func (c *Channel) Invoke(ctx context.Context, verb string, payload json.RawMessage) (json.RawMessage, error) {
	if err := validateVerb("Channel.Invoke", verb); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "bridge.invoke",
		trace.WithAttributes(
			attribute.String("bridge.channel", c.label),
			attribute.String("bridge.verb", verb),
		))
	defer span.End()

	ch := make(chan settlement, 1)

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, domain.NewDomainError("Channel.Invoke", domain.ErrChannelClosed, c.label)
	case !c.ready:
		c.queue = append(c.queue, queuedMessage{verb: verb, payload: payload, ch: ch})
		c.mu.Unlock()
		c.logger.Debug("call queued until bridge ready", "verb", verb)
	default:
		c.dispatchLocked(ctx, verb, payload, ch)
		c.mu.Unlock()
	}

	select {
	case s := <-ch:
		if s.err != nil {
			span.RecordError(s.err)
		}
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchLocked mints a requestId, registers the pending entry with
// its deadline timer, builds the executable injection and hands it to
// the transport. Must be called with c.mu held.
func (c *Channel) dispatchLocked(ctx context.Context, verb string, payload json.RawMessage, ch chan settlement) {
	if c.view == nil {
		ch <- settlement{err: domain.NewDomainError("Channel.Invoke", domain.ErrTransportUnavailable, verb)}
		return
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy).String()
	pr := &pendingRequest{id: id, verb: verb, ch: ch}
	c.pending[id] = pr
	pr.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })

	if err := c.view.Inject(ctx, InvokeScript(verb, id, payload)); err != nil {
		// Injection never reached the renderer; unwind the entry rather
		// than letting the caller wait out the full deadline.
		pr.timer.Stop()
		delete(c.pending, id)
		ch <- settlement{err: domain.NewDomainError("Channel.Invoke", domain.ErrTransportUnavailable, err.Error())}
		return
	}
	c.logger.Debug("call dispatched", "verb", verb, "request_id", id)
}

// expire reaps one pending request whose deadline fired. Removal is
// atomic with the timer under c.mu: if a response won the race and the
// entry is already gone, the timer is a no-op, so a request is never
// settled twice.
func (c *Channel) expire(id string) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	c.logger.Warn("request timed out", "verb", pr.verb, "request_id", id, "timeout", c.timeout)
	c.publish(domain.EventRequestTimeout, map[string]string{"verb": pr.verb, "request_id": id})
	pr.ch <- settlement{err: domain.NewDomainError("Channel.Invoke", domain.ErrRequestTimeout,
		fmt.Sprintf("%s after %s", pr.verb, c.timeout))}
}

// open transitions the readiness gate and flushes the queue in FIFO
// order. The whole flush happens under c.mu with no suspension point,
// so a newly issued Invoke blocks until every queued message has been
// handed to the transport.
func (c *Channel) open(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.ready {
		c.mu.Unlock()
		c.logger.Debug("duplicate readiness signal ignored")
		return
	}
	c.ready = true
	c.loaded = true
	flushed := len(c.queue)
	for _, qm := range c.queue {
		c.dispatchLocked(ctx, qm.verb, qm.payload, qm.ch)
	}
	c.queue = nil
	c.mu.Unlock()

	c.logger.Info("bridge ready", "flushed", flushed)
	c.publish(domain.EventChannelReady, map[string]int{"flushed": flushed})
}

// resolve settles the pending request matching a response envelope. An
// unknown correlation id means the request already timed out or the
// channel was reset; the response is discarded without touching any
// other entry.
func (c *Channel) resolve(env *domain.Envelope) {
	id := env.CorrelationID()

	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		pr.timer.Stop()
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("stale response discarded", "request_id", id)
		c.publish(domain.EventStaleResponse, map[string]string{"request_id": id})
		return
	}

	if env.Error != "" {
		pr.ch <- settlement{err: &RemoteError{Message: env.Error}}
		return
	}
	pr.ch <- settlement{result: env.Result}
}

// Reset tears down all outstanding work: every pending request and
// every queued message is rejected with ErrChannelReset, the
// correlation table and queue are emptied, and the gate closes. The
// channel may be reused after a fresh readiness signal.
func (c *Channel) Reset() {
	c.drain(domain.ErrChannelReset)
	c.logger.Info("channel reset")
	c.publish(domain.EventChannelReset, nil)
}

// Close resets the channel and permanently rejects future calls.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.drain(domain.ErrChannelClosed)
	c.logger.Info("channel closed")
	c.publish(domain.EventChannelClosed, nil)
}

func (c *Channel) drain(cause error) {
	c.mu.Lock()
	pending := c.pending
	queued := c.queue
	c.pending = make(map[string]*pendingRequest)
	c.queue = nil
	c.ready = false
	c.loaded = false
	c.mu.Unlock()

	for id, pr := range pending {
		pr.timer.Stop()
		pr.ch <- settlement{err: domain.NewDomainError("Channel", cause, "request "+id)}
	}
	for _, qm := range queued {
		qm.ch <- settlement{err: domain.NewDomainError("Channel", cause, "queued "+qm.verb)}
	}
}

func (c *Channel) publish(t domain.EventType, payload any) {
	if c.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	c.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		Channel:   c.label,
		Payload:   raw,
	})
}
