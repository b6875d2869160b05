package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/watchloop/agentsup/internal/eventbus"
	"github.com/watchloop/agentsup/internal/ptybridge"
)

type fakeTransport struct {
	mu  sync.Mutex
	out []serverMessage
}

func (f *fakeTransport) WriteJSON(ctx context.Context, v any) error {
	b, _ := json.Marshal(v)
	var m serverMessage
	_ = json.Unmarshal(b, &m)
	f.mu.Lock()
	f.out = append(f.out, m)
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeTransport) Ping(ctx context.Context) error                  { return nil }
func (f *fakeTransport) Close() error                                   { return nil }

func (f *fakeTransport) last() (serverMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return serverMessage{}, false
	}
	return f.out[len(f.out)-1], true
}

func (f *fakeTransport) messagesOfType(t string) []serverMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []serverMessage
	for _, m := range f.out {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeSessionOps struct {
	known   map[string]bool
	lines   []string
	inputs  []string
	keysLog [][]byte
}

func (f *fakeSessionOps) Exists(sessionID string) bool { return f.known[sessionID] }
func (f *fakeSessionOps) GetSessionOutput(sessionID string, n int) ([]string, error) {
	return f.lines, nil
}
func (f *fakeSessionOps) SendInput(ctx context.Context, sessionID, text string) error {
	f.inputs = append(f.inputs, text)
	return nil
}
func (f *fakeSessionOps) SendKeys(ctx context.Context, sessionID string, keys []byte) error {
	f.keysLog = append(f.keysLog, keys)
	return nil
}

type fakePaneOps struct{ zoomed bool }

func (f *fakePaneOps) PaneID(sessionID string) (string, bool)  { return "pane_" + sessionID, true }
func (f *fakePaneOps) SelectPane(paneID string) error           { return nil }
func (f *fakePaneOps) IsZoomed(paneID string) (bool, error)     { return f.zoomed, nil }
func (f *fakePaneOps) ResizePaneZoom(paneID string) error       { f.zoomed = true; return nil }

type fakePTYOps struct{ attachCalls int }

func (f *fakePTYOps) Attach(connectionID, sessionID string, opts ptybridge.AttachOptions) (uint16, uint16, error) {
	f.attachCalls++
	return opts.Cols, opts.Rows, nil
}
func (f *fakePTYOps) Write(connectionID string, data []byte) error           { return nil }
func (f *fakePTYOps) Resize(connectionID string, cols, rows uint16) error    { return nil }
func (f *fakePTYOps) Detach(connectionID string) error                      { return nil }

func newTestHub(t *testing.T, sessions *fakeSessionOps) (*Hub, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	h := New(Config{RateLimitMaxMessages: 3, RateLimitWindow: 50 * time.Millisecond}, sessions, &fakePaneOps{}, &fakePTYOps{}, bus, nil)
	t.Cleanup(h.Stop)
	return h, bus
}

func TestSubscribeUnknownSessionErrors(t *testing.T) {
	h, _ := newTestHub(t, &fakeSessionOps{known: map[string]bool{}})
	ft := &fakeTransport{}
	c := h.Register(ft)

	c.handleMessage(context.Background(), []byte(`{"type":"session:subscribe","sessionId":"s1"}`))

	msg, ok := ft.last()
	if !ok || msg.Type != "error" || msg.Code != ErrCodeNotFound {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSubscribeKnownSessionReplaysOutput(t *testing.T) {
	sessions := &fakeSessionOps{known: map[string]bool{"s1": true}, lines: []string{"hello", "world"}}
	h, _ := newTestHub(t, sessions)
	ft := &fakeTransport{}
	c := h.Register(ft)

	c.handleMessage(context.Background(), []byte(`{"type":"session:subscribe","sessionId":"s1"}`))

	subs := ft.messagesOfType("subscribed")
	outs := ft.messagesOfType("session:output")
	if len(subs) != 1 || len(subs[0].Lines) != 2 {
		t.Fatalf("unexpected subscribed messages: %+v", subs)
	}
	if len(outs) != 1 {
		t.Fatalf("expected a replayed session:output, got %+v", outs)
	}
}

func TestInputRequiresSubscription(t *testing.T) {
	sessions := &fakeSessionOps{known: map[string]bool{"s1": true}}
	h, _ := newTestHub(t, sessions)
	ft := &fakeTransport{}
	c := h.Register(ft)

	c.handleMessage(context.Background(), []byte(`{"type":"session:input","sessionId":"s1","text":"hi"}`))
	msg, _ := ft.last()
	if msg.Type != "error" || msg.Code != ErrCodeNotSubscribed {
		t.Fatalf("expected NOT_SUBSCRIBED, got %+v", msg)
	}

	c.handleMessage(context.Background(), []byte(`{"type":"session:subscribe","sessionId":"s1"}`))
	c.handleMessage(context.Background(), []byte(`{"type":"session:input","sessionId":"s1","text":"hi"}`))
	if len(sessions.inputs) != 1 || sessions.inputs[0] != "hi" {
		t.Fatalf("expected input forwarded, got %+v", sessions.inputs)
	}
}

func TestMalformedJSONYieldsParseError(t *testing.T) {
	h, _ := newTestHub(t, &fakeSessionOps{})
	ft := &fakeTransport{}
	c := h.Register(ft)

	c.handleMessage(context.Background(), []byte(`{not json`))
	msg, _ := ft.last()
	if msg.Type != "error" || msg.Code != ErrCodeParseError {
		t.Fatalf("expected PARSE_ERROR, got %+v", msg)
	}
}

func TestUnknownMessageTypeYieldsInvalidMessage(t *testing.T) {
	h, _ := newTestHub(t, &fakeSessionOps{})
	ft := &fakeTransport{}
	c := h.Register(ft)

	c.handleMessage(context.Background(), []byte(`{"type":"bogus"}`))
	msg, _ := ft.last()
	if msg.Type != "error" || msg.Code != ErrCodeInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE, got %+v", msg)
	}
}

func TestPingRepliesWithPong(t *testing.T) {
	h, _ := newTestHub(t, &fakeSessionOps{})
	ft := &fakeTransport{}
	c := h.Register(ft)

	c.handleMessage(context.Background(), []byte(`{"type":"ping"}`))
	msg, _ := ft.last()
	if msg.Type != "pong" {
		t.Fatalf("expected pong, got %+v", msg)
	}
}

func TestRateLimitKicksInAfterMax(t *testing.T) {
	h, _ := newTestHub(t, &fakeSessionOps{})
	ft := &fakeTransport{}
	c := h.Register(ft)

	for i := 0; i < 3; i++ {
		c.handleMessage(context.Background(), []byte(`{"type":"ping"}`))
	}
	c.handleMessage(context.Background(), []byte(`{"type":"ping"}`))

	msg, _ := ft.last()
	if msg.Type != "error" || msg.Code != ErrCodeRateLimited {
		t.Fatalf("expected RATE_LIMITED on 4th message, got %+v", msg)
	}
}

func TestPTYAttachMarksSubscriberAndBlocksOutputMirroring(t *testing.T) {
	sessions := &fakeSessionOps{known: map[string]bool{"s1": true}}
	h, bus := newTestHub(t, sessions)
	ft := &fakeTransport{}
	c := h.Register(ft)

	c.handleMessage(context.Background(), []byte(`{"type":"pty:attach","sessionId":"s1","cols":80,"rows":24}`))
	attached := ft.messagesOfType("pty:attached")
	if len(attached) != 1 {
		t.Fatalf("expected pty:attached, got %+v", ft.out)
	}

	bus.Publish(eventbus.Event{Kind: eventbus.KindSessionOutput, Payload: eventbus.SessionOutput{SessionID: "s1", Lines: []string{"x"}, At: time.Now()}})
	time.Sleep(30 * time.Millisecond)

	if len(ft.messagesOfType("session:output")) != 0 {
		t.Fatalf("expected session:output to be suppressed for a pty-attached subscriber, got %+v", ft.out)
	}
}

func TestBroadcastOutputReachesPlainSubscriber(t *testing.T) {
	sessions := &fakeSessionOps{known: map[string]bool{"s1": true}}
	h, bus := newTestHub(t, sessions)
	ft := &fakeTransport{}
	c := h.Register(ft)
	c.subscribe("s1")

	bus.Publish(eventbus.Event{Kind: eventbus.KindSessionOutput, Payload: eventbus.SessionOutput{SessionID: "s1", Lines: []string{"x"}, At: time.Now()}})
	time.Sleep(30 * time.Millisecond)

	if len(ft.messagesOfType("session:output")) != 1 {
		t.Fatalf("expected session:output broadcast, got %+v", ft.out)
	}
}

func TestBroadcastNotificationReachesEveryConnection(t *testing.T) {
	h, bus := newTestHub(t, &fakeSessionOps{})
	ft1 := &fakeTransport{}
	ft2 := &fakeTransport{}
	h.Register(ft1)
	h.Register(ft2)

	bus.Publish(eventbus.Event{Kind: eventbus.KindNotificationNew, Payload: eventbus.NotificationNew{
		ID: "n1", Type: "review_ready", Message: "done", At: time.Now(),
	}})
	time.Sleep(30 * time.Millisecond)

	if len(ft1.messagesOfType("notification:new")) != 1 || len(ft2.messagesOfType("notification:new")) != 1 {
		t.Fatalf("expected both connections to receive the notification, got %+v / %+v", ft1.out, ft2.out)
	}
}

func TestBroadcastStatusReachesSubscriberEvenWhenPTYAttached(t *testing.T) {
	sessions := &fakeSessionOps{known: map[string]bool{"s1": true}}
	h, bus := newTestHub(t, sessions)
	ft := &fakeTransport{}
	c := h.Register(ft)
	c.handleMessage(context.Background(), []byte(`{"type":"pty:attach","sessionId":"s1","cols":80,"rows":24}`))

	bus.Publish(eventbus.Event{Kind: eventbus.KindSessionStateChange, Payload: eventbus.SessionStateChange{
		SessionID: "s1", Previous: "running", New: "stopped", At: time.Now(),
	}})
	time.Sleep(30 * time.Millisecond)

	msgs := ft.messagesOfType("session:status")
	if len(msgs) != 1 || msgs[0].Previous != "running" || msgs[0].New != "stopped" {
		t.Fatalf("expected session:status despite PTY attachment, got %+v", ft.out)
	}
}

func TestBroadcastWaitingCarriesExplicitFalse(t *testing.T) {
	sessions := &fakeSessionOps{known: map[string]bool{"s1": true}}
	h, bus := newTestHub(t, sessions)
	ft := &fakeTransport{}
	c := h.Register(ft)
	c.subscribe("s1")

	bus.Publish(eventbus.Event{Kind: eventbus.KindWaitingStateChange, Payload: eventbus.WaitingStateChange{
		SessionID: "s1", Waiting: false, Reason: "resumed", At: time.Now(),
	}})
	time.Sleep(30 * time.Millisecond)

	msgs := ft.messagesOfType("session:waiting")
	if len(msgs) != 1 || msgs[0].Waiting == nil || *msgs[0].Waiting != false {
		t.Fatalf("expected session:waiting with waiting=false explicitly set, got %+v", ft.out)
	}
}

func TestBroadcastTicketStateReachesEveryConnection(t *testing.T) {
	h, bus := newTestHub(t, &fakeSessionOps{})
	ft1 := &fakeTransport{}
	ft2 := &fakeTransport{}
	h.Register(ft1)
	h.Register(ft2)

	bus.Publish(eventbus.Event{Kind: eventbus.KindTicketStateChange, Payload: eventbus.TicketStateChange{
		TicketID: "t1", FromState: "backlog", ToState: "in_progress", Trigger: "auto", At: time.Now(),
	}})
	time.Sleep(30 * time.Millisecond)

	if len(ft1.messagesOfType("ticket:state")) != 1 || len(ft2.messagesOfType("ticket:state")) != 1 {
		t.Fatalf("expected both connections to receive ticket:state, got %+v / %+v", ft1.out, ft2.out)
	}
}

func TestBroadcastReviewResultReachesEveryConnection(t *testing.T) {
	h, bus := newTestHub(t, &fakeSessionOps{})
	ft1 := &fakeTransport{}
	ft2 := &fakeTransport{}
	h.Register(ft1)
	h.Register(ft2)

	bus.Publish(eventbus.Event{Kind: eventbus.KindReviewCompleted, Payload: eventbus.ReviewCompleted{
		SessionID: "s1", TicketID: "t1", Result: "complete", At: time.Now(),
	}})
	time.Sleep(30 * time.Millisecond)

	if len(ft1.messagesOfType("review:result")) != 1 || len(ft2.messagesOfType("review:result")) != 1 {
		t.Fatalf("expected both connections to receive review:result, got %+v / %+v", ft1.out, ft2.out)
	}
}

func TestBroadcastAnalysisStatusReachesSessionSubscriber(t *testing.T) {
	sessions := &fakeSessionOps{known: map[string]bool{"s1": true}}
	h, bus := newTestHub(t, sessions)
	ft := &fakeTransport{}
	c := h.Register(ft)
	c.subscribe("s1")

	bus.Publish(eventbus.Event{Kind: eventbus.KindClaudeStateChange, Payload: eventbus.ClaudeStateChange{
		SessionID: "s1", Previous: "idle", New: "thinking", At: time.Now(),
	}})
	time.Sleep(30 * time.Millisecond)

	if len(ft.messagesOfType("ai:analysis_status")) != 1 {
		t.Fatalf("expected ai:analysis_status broadcast, got %+v", ft.out)
	}
}

func TestAuthorizeLoopbackBypassesAPIKey(t *testing.T) {
	h := &Hub{cfg: Config{APIKey: "secret"}}
	r, _ := http.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "127.0.0.1:5000"
	if !h.Authorize(r) {
		t.Fatal("expected loopback to bypass API key check")
	}

	r2, _ := http.NewRequest("GET", "/ws?apiKey=wrong", nil)
	r2.RemoteAddr = "203.0.113.5:5000"
	if h.Authorize(r2) {
		t.Fatal("expected non-loopback with wrong key to be rejected")
	}

	r3, _ := http.NewRequest("GET", "/ws?apiKey=secret", nil)
	r3.RemoteAddr = "203.0.113.5:5000"
	if !h.Authorize(r3) {
		t.Fatal("expected non-loopback with correct key to be accepted")
	}
}

func TestHandleKeysDecodesBase64(t *testing.T) {
	sessions := &fakeSessionOps{known: map[string]bool{"s1": true}}
	h, _ := newTestHub(t, sessions)
	ft := &fakeTransport{}
	c := h.Register(ft)
	c.subscribe("s1")

	encoded := base64.StdEncoding.EncodeToString([]byte("\x1b[A"))
	c.handleMessage(context.Background(), []byte(`{"type":"session:keys","sessionId":"s1","keys":"`+encoded+`"}`))

	if len(sessions.keysLog) != 1 || string(sessions.keysLog[0]) != "\x1b[A" {
		t.Fatalf("unexpected keys log: %q", sessions.keysLog)
	}
}
