package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"synkronus-host/internal/domain"
	"synkronus-host/internal/usecase/bridge"
	"synkronus-host/internal/usecase/eventbus"
)

var requestIDPattern = regexp.MustCompile(`requestId: "([0-9A-HJKMNP-TV-Z]{26})"`)

// channelFactory builds one bridge channel per connection and keeps a
// handle on it so tests can drive outbound calls.
type channelFactory struct {
	registry *bridge.Registry

	mu       sync.Mutex
	channels []*bridge.Channel
}

func (f *channelFactory) make(view domain.ContentView) Session {
	ch := bridge.New(view.Label(), view, f.registry, bridge.Options{Logger: slog.Default()})
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
	return ch
}

func (f *channelFactory) last(t *testing.T) *bridge.Channel {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.channels)
		f.mu.Unlock()
		if n > 0 {
			f.mu.Lock()
			ch := f.channels[n-1]
			f.mu.Unlock()
			return ch
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no channel created in time")
	return nil
}

func startTestServer(t *testing.T, factory SessionFactory, bus domain.EventBus) *Server {
	t.Helper()
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "test-token", Name: "devtool"}})
	srv := NewServer(factory, auth, bus, "127.0.0.1:0", slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan struct{})
	go func() {
		go func() {
			for srv.BoundAddr() == "" {
				time.Sleep(5 * time.Millisecond)
			}
			close(started)
		}()
		_ = srv.Start(ctx)
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var frame Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func writeMessage(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeMessage, Data: json.RawMessage(msg)}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestServerAuthReject(t *testing.T) {
	factory := &channelFactory{registry: bridge.NewRegistry()}
	srv := startTestServer(t, factory.make, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=bad-token", nil)
	if err == nil {
		t.Fatal("expected auth rejection")
	}
}

func TestInboundActionRoundTrip(t *testing.T) {
	registry := bridge.NewRegistry()
	if err := registry.Register("echo", func(_ context.Context, payload json.RawMessage) (any, error) {
		var msg struct {
			Value string `json:"value"`
		}
		json.Unmarshal(payload, &msg)
		return map[string]string{"value": msg.Value}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	factory := &channelFactory{registry: registry}
	srv := startTestServer(t, factory.make, nil)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	writeMessage(t, ws, `{"type":"echo","messageId":"m1","value":"hello"}`)

	frame := readFrame(t, ws)
	if frame.Type != FrameTypeEval {
		t.Fatalf("type = %q, want eval", frame.Type)
	}
	if !strings.Contains(frame.Script, `"echo_response"`) {
		t.Errorf("script missing response type: %s", frame.Script)
	}
	if !strings.Contains(frame.Script, `"m1"`) {
		t.Errorf("script missing correlation token: %s", frame.Script)
	}
	if !strings.Contains(frame.Script, `"hello"`) {
		t.Errorf("script missing result: %s", frame.Script)
	}
}

func TestOutboundInvokeOverWebSocket(t *testing.T) {
	factory := &channelFactory{registry: bridge.NewRegistry()}
	srv := startTestServer(t, factory.make, nil)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	writeMessage(t, ws, `{"type":"bridgeReady"}`)
	ch := factory.last(t)

	type invokeResult struct {
		result json.RawMessage
		err    error
	}
	resultCh := make(chan invokeResult, 1)
	go func() {
		result, err := ch.Invoke(context.Background(), domain.VerbFormInit, json.RawMessage(`{"formType":"survey"}`))
		resultCh <- invokeResult{result, err}
	}()

	// The renderer sees the injected call and answers it.
	frame := readFrame(t, ws)
	if frame.Type != FrameTypeEval {
		t.Fatalf("type = %q, want eval", frame.Type)
	}
	m := requestIDPattern.FindStringSubmatch(frame.Script)
	if m == nil {
		t.Fatalf("no request id in script: %s", frame.Script)
	}
	writeMessage(t, ws, `{"type":"response","requestId":"`+m[1]+`","result":{"rendered":true}}`)

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("invoke: %v", res.err)
		}
		if string(res.result) != `{"rendered":true}` {
			t.Errorf("result = %s", res.result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("invoke did not settle")
	}
}

func TestForegroundProbeRoundTrip(t *testing.T) {
	factory := &channelFactory{registry: bridge.NewRegistry()}
	srv := startTestServer(t, factory.make, nil)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	writeMessage(t, ws, `{"type":"bridgeReady"}`)
	ch := factory.last(t)

	deadline := time.Now().Add(2 * time.Second)
	for !ch.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeForeground}); err != nil {
		t.Fatalf("write: %v", err)
	}

	probe := readFrame(t, ws)
	if probe.Type != FrameTypeProbe {
		t.Fatalf("type = %q, want probe", probe.Type)
	}
	// The bridge global survived; the host should send a focus
	// notification rather than replay the bootstrap.
	if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeProbeResult, ID: probe.ID, Result: true}); err != nil {
		t.Fatalf("write: %v", err)
	}

	focus := readFrame(t, ws)
	if focus.Type != FrameTypeEval {
		t.Fatalf("type = %q, want eval", focus.Type)
	}
	if !strings.Contains(focus.Script, "onHostFocus") {
		t.Errorf("expected focus script, got: %s", focus.Script)
	}
	if !ch.Ready() {
		t.Error("gate should stay open after focus with intact bridge")
	}
}

func TestForegroundReplaysBootstrapWhenBridgeGone(t *testing.T) {
	factory := &channelFactory{registry: bridge.NewRegistry()}
	srv := startTestServer(t, factory.make, nil)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	writeMessage(t, ws, `{"type":"bridgeReady"}`)
	ch := factory.last(t)

	deadline := time.Now().Add(2 * time.Second)
	for !ch.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeForeground}); err != nil {
		t.Fatalf("write: %v", err)
	}

	probe := readFrame(t, ws)
	if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeProbeResult, ID: probe.ID, Result: false}); err != nil {
		t.Fatalf("write: %v", err)
	}

	boot := readFrame(t, ws)
	if boot.Type != FrameTypeEval || !strings.Contains(boot.Script, bridge.BridgeGlobal) {
		t.Fatalf("expected bootstrap script, got %q: %s", boot.Type, boot.Script)
	}

	deadline = time.Now().Add(2 * time.Second)
	for ch.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ch.Ready() {
		t.Error("gate should close until the renderer re-announces readiness")
	}
}

func TestEventForwarding(t *testing.T) {
	bus := eventbus.New(slog.Default())
	defer bus.Close()
	factory := &channelFactory{registry: bridge.NewRegistry()}
	srv := startTestServer(t, factory.make, bus)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	time.Sleep(100 * time.Millisecond)

	bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventSyncCompleted,
		Timestamp: time.Now(),
	})

	frame := readFrame(t, ws)
	if frame.Type != FrameTypeEvent {
		t.Fatalf("type = %q, want event", frame.Type)
	}
	var event domain.Event
	if err := json.Unmarshal(frame.Data, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Type != domain.EventSyncCompleted {
		t.Errorf("event type = %q", event.Type)
	}
}

func TestDisconnectClosesSession(t *testing.T) {
	factory := &channelFactory{registry: bridge.NewRegistry()}
	srv := startTestServer(t, factory.make, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch := factory.last(t)

	ws.Close(websocket.StatusNormalClosure, "bye")

	// The call either queues and is drained when the session closes, or
	// fails immediately because it already did.
	done := make(chan error, 1)
	go func() {
		_, err := ch.Invoke(context.Background(), domain.VerbFormInit, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrChannelClosed) && !errors.Is(err, domain.ErrChannelReset) {
			t.Errorf("err = %v, want channel closed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("invoke did not settle after disconnect")
	}
}
