package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synkronus-host/internal/domain"
)

var requestIDPattern = regexp.MustCompile(`requestId: "([0-9A-HJKMNP-TV-Z]{26})"`)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

// fakeView is a scripted ContentView: it records every injection and
// can fail injections or report a missing bridge surface.
type fakeView struct {
	mu           sync.Mutex
	scripts      []string
	injectErr    error
	bridgeGone   bool
	hasBridgeErr error
	onInject     func(script string)
}

func (f *fakeView) Label() string { return "fake" }

func (f *fakeView) Inject(_ context.Context, script string) error {
	f.mu.Lock()
	if f.injectErr != nil {
		defer f.mu.Unlock()
		return f.injectErr
	}
	f.scripts = append(f.scripts, script)
	cb := f.onInject
	f.mu.Unlock()
	if cb != nil {
		cb(script)
	}
	return nil
}

func (f *fakeView) HasBridge(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasBridgeErr != nil {
		return false, f.hasBridgeErr
	}
	return !f.bridgeGone, nil
}

func (f *fakeView) injected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.scripts))
	copy(out, f.scripts)
	return out
}

// lastRequestID extracts the requestId minted for the most recent
// outbound injection.
func (f *fakeView) lastRequestID(t *testing.T) string {
	t.Helper()
	scripts := f.injected()
	require.NotEmpty(t, scripts)
	m := requestIDPattern.FindStringSubmatch(scripts[len(scripts)-1])
	require.NotNil(t, m, "no requestId in injected script")
	return m[1]
}

func newReadyChannel(t *testing.T, view *fakeView, opts Options) *Channel {
	t.Helper()
	ch := New("test", view, NewRegistry(), opts)
	ch.HandleMessage(context.Background(), []byte(`{"type":"bridgeReady"}`))
	require.True(t, ch.Ready())
	return ch
}

func responseFor(id string, result string) []byte {
	return []byte(fmt.Sprintf(`{"type":"response","requestId":%q,"result":%s}`, id, result))
}

func waitQueued(t *testing.T, ch *Channel, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ch.QueuedCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("queue never reached %d (at %d)", n, ch.QueuedCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInvokeResolvesWithCorrelatedResult(t *testing.T) {
	view := &fakeView{}
	ch := newReadyChannel(t, view, Options{})

	type res struct {
		result json.RawMessage
		err    error
	}
	done := make(chan res, 1)
	go func() {
		r, err := ch.Invoke(context.Background(), domain.VerbFormInit, json.RawMessage(`{"formType":"survey1"}`))
		done <- res{r, err}
	}()

	// Wait for dispatch, then answer with the minted id.
	var id string
	require.Eventually(t, func() bool {
		if len(view.injected()) == 0 {
			return false
		}
		id = view.lastRequestID(t)
		return true
	}, 2*time.Second, time.Millisecond)

	ch.HandleMessage(context.Background(), responseFor(id, "true"))

	r := <-done
	require.NoError(t, r.err)
	assert.JSONEq(t, "true", string(r.result))
	assert.Equal(t, 0, ch.PendingCount())
}

func TestInvokeQueuedBeforeReadiness(t *testing.T) {
	// End-to-end: call issued before readiness is queued, dispatched on
	// the readiness signal, and resolved by the correlated response.
	view := &fakeView{}
	ch := New("test", view, NewRegistry(), Options{})

	done := make(chan error, 1)
	var got json.RawMessage
	go func() {
		r, err := ch.Invoke(context.Background(), domain.VerbFormInit, json.RawMessage(`{"formType":"survey1"}`))
		got = r
		done <- err
	}()

	waitQueued(t, ch, 1)
	require.Empty(t, view.injected(), "queued call must not dispatch before the gate opens")

	ch.HandleMessage(context.Background(), []byte(`{"type":"bridgeReady"}`))
	require.Len(t, view.injected(), 1)

	ch.HandleMessage(context.Background(), responseFor(view.lastRequestID(t), "true"))
	require.NoError(t, <-done)
	assert.JSONEq(t, "true", string(got))
}

func TestQueueFlushPreservesIssueOrder(t *testing.T) {
	view := &fakeView{}
	ch := New("test", view, NewRegistry(), Options{})

	verbs := []string{"firstCall", "secondCall", "thirdCall", "fourthCall"}
	var wg sync.WaitGroup
	for i, verb := range verbs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Result does not matter; reset below settles them.
			_, _ = ch.Invoke(context.Background(), verb, nil)
		}()
		waitQueued(t, ch, i+1)
	}

	ch.HandleMessage(context.Background(), []byte(`{"type":"bridgeReady"}`))

	scripts := view.injected()
	require.Len(t, scripts, len(verbs))
	for i, verb := range verbs {
		assert.Contains(t, scripts[i], fmt.Sprintf("window[%q]", verb),
			"flush order must equal issuance order")
	}

	ch.Reset()
	wg.Wait()
}

func TestCorrelationUniqueness(t *testing.T) {
	view := &fakeView{}
	ch := newReadyChannel(t, view, Options{})

	const calls = 10
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ch.Invoke(context.Background(), domain.VerbFormInit, nil)
		}()
	}
	require.Eventually(t, func() bool { return ch.PendingCount() == calls }, 2*time.Second, time.Millisecond)

	ids := make(map[string]bool)
	for _, script := range view.injected() {
		m := requestIDPattern.FindStringSubmatch(script)
		require.NotNil(t, m)
		ids[m[1]] = true
	}
	assert.Len(t, ids, calls, "every concurrent call must get a distinct requestId")

	// A response with an unknown requestId resolves nothing.
	ch.HandleMessage(context.Background(), responseFor("01AN4Z07BY79KA1307SR9X4MV3", "true"))
	assert.Equal(t, calls, ch.PendingCount())

	ch.Reset()
	wg.Wait()
}

func TestTimeoutIsolation(t *testing.T) {
	view := &fakeView{}
	ch := newReadyChannel(t, view, Options{RequestTimeout: 250 * time.Millisecond})

	// First call never gets a response.
	timedOut := make(chan error, 1)
	go func() {
		_, err := ch.Invoke(context.Background(), domain.VerbFormInit, nil)
		timedOut <- err
	}()
	require.Eventually(t, func() bool { return ch.PendingCount() == 1 }, time.Second, time.Millisecond)
	firstID := view.lastRequestID(t)

	// Second call is answered promptly.
	answered := make(chan error, 1)
	go func() {
		_, err := ch.Invoke(context.Background(), domain.VerbAttachmentAvailable, nil)
		answered <- err
	}()
	require.Eventually(t, func() bool { return ch.PendingCount() == 2 }, time.Second, time.Millisecond)
	ch.HandleMessage(context.Background(), responseFor(view.lastRequestID(t), `"ok"`))
	require.NoError(t, <-answered)

	start := time.Now()
	err := <-timedOut
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRequestTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, ch.PendingCount(), "timed-out entry must be reaped")

	// A late response for the reaped id is discarded without effect.
	ch.HandleMessage(context.Background(), responseFor(firstID, "true"))
	assert.Equal(t, 0, ch.PendingCount())
}

func TestLateResponseAfterTimeoutIsDiscarded(t *testing.T) {
	view := &fakeView{}

	// A synchronous bus makes the stale-response signal observable
	// without sleeping.
	stale := make(chan struct{}, 1)
	bus := &recordingBus{onEvent: func(e domain.Event) {
		if e.Type == domain.EventStaleResponse {
			stale <- struct{}{}
		}
	}}

	ch := newReadyChannel(t, view, Options{RequestTimeout: 30 * time.Millisecond, Bus: bus})

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Invoke(context.Background(), domain.VerbFormInit, nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return ch.PendingCount() == 1 }, time.Second, time.Millisecond)
	id := view.lastRequestID(t)

	require.ErrorIs(t, <-errc, domain.ErrRequestTimeout)

	ch.HandleMessage(context.Background(), responseFor(id, "true"))
	select {
	case <-stale:
	default:
		t.Fatal("late response was not reported as stale")
	}
}

func TestTransportUnavailable(t *testing.T) {
	ch := New("test", nil, NewRegistry(), Options{})
	ch.HandleMessage(context.Background(), []byte(`{"type":"bridgeReady"}`))

	_, err := ch.Invoke(context.Background(), domain.VerbFormInit, nil)
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.Equal(t, 0, ch.PendingCount())
}

func TestInjectionFailureUnwindsPendingEntry(t *testing.T) {
	view := &fakeView{injectErr: errors.New("container torn down")}
	ch := New("test", view, NewRegistry(), Options{})
	// Open the gate directly; the fake rejects all injections.
	ch.open(context.Background())

	_, err := ch.Invoke(context.Background(), domain.VerbFormInit, nil)
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.Equal(t, 0, ch.PendingCount())
}

func TestResetDrainsPendingAndQueued(t *testing.T) {
	view := &fakeView{bridgeGone: true}
	ch := newReadyChannel(t, view, Options{})

	const pending = 2
	errs := make(chan error, pending+2)
	for i := 0; i < pending; i++ {
		go func() {
			_, err := ch.Invoke(context.Background(), domain.VerbFormInit, nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return ch.PendingCount() == pending }, 2*time.Second, time.Millisecond)

	// The surface went away while backgrounded: foregrounding replays
	// the bootstrap and closes the gate, so new calls queue.
	require.NoError(t, ch.HandleForeground(context.Background()))
	require.False(t, ch.Ready())

	const queued = 2
	for i := 0; i < queued; i++ {
		go func() {
			_, err := ch.Invoke(context.Background(), domain.VerbAttachmentAvailable, nil)
			errs <- err
		}()
	}
	waitQueued(t, ch, queued)

	ch.Reset()

	for i := 0; i < pending+queued; i++ {
		err := <-errs
		assert.ErrorIs(t, err, domain.ErrChannelReset)
	}
	assert.Equal(t, 0, ch.PendingCount())
	assert.Equal(t, 0, ch.QueuedCount())
}

func TestInvokeAfterCloseFails(t *testing.T) {
	view := &fakeView{}
	ch := newReadyChannel(t, view, Options{})
	ch.Close()

	_, err := ch.Invoke(context.Background(), domain.VerbFormInit, nil)
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}

func TestRemoteErrorIsNormalFailure(t *testing.T) {
	view := &fakeView{}
	ch := newReadyChannel(t, view, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Invoke(context.Background(), "missingFn", nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return ch.PendingCount() == 1 }, time.Second, time.Millisecond)
	id := view.lastRequestID(t)

	ch.HandleMessage(context.Background(),
		[]byte(fmt.Sprintf(`{"type":"response","requestId":%q,"error":"function not found: missingFn"}`, id)))

	err := <-errc
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "function not found")
}

func TestInvokeRejectsInvalidVerb(t *testing.T) {
	ch := New("test", &fakeView{}, NewRegistry(), Options{})
	_, err := ch.Invoke(context.Background(), "", nil)
	assert.ErrorIs(t, err, domain.ErrVerbInvalid)
	_, err = ch.Invoke(context.Background(), "response", nil)
	assert.ErrorIs(t, err, domain.ErrVerbInvalid)
	// The error carries the invoking operation, not the registration one.
	assert.Contains(t, err.Error(), "Channel.Invoke")
}

func TestRegisterRejectsInvalidVerbWithRegisterOp(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register("response", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, domain.ErrVerbInvalid)
	assert.Contains(t, err.Error(), "Registry.Register")
}

func TestDuplicateReadinessSignalIgnored(t *testing.T) {
	view := &fakeView{}
	ch := newReadyChannel(t, view, Options{})
	ch.HandleMessage(context.Background(), []byte(`{"type":"bridgeReady"}`))
	assert.True(t, ch.Ready())
}

// recordingBus is a minimal synchronous EventBus for assertions.
type recordingBus struct {
	mu      sync.Mutex
	events  []domain.Event
	onEvent func(domain.Event)
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	cb := b.onEvent
	b.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) typesSeen() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}
