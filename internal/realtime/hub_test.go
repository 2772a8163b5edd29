package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"pilothouse/server/internal/config"
	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/ident"
	"pilothouse/server/internal/logging"
	"pilothouse/server/internal/protocol"
	"pilothouse/server/internal/ptyattach"
	"pilothouse/server/internal/store"
)

type fakeSessions struct {
	mu     sync.Mutex
	active map[string]store.Session
	buffer []string
	inputs []string
}

func (f *fakeSessions) ActiveSession(sessionID string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.active[sessionID]
	if !ok {
		return store.Session{}, fault.Errorf(fault.NotFound, "session %s is not active", sessionID)
	}
	return s, nil
}

func (f *fakeSessions) Output(_ string, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffer, nil
}

func (f *fakeSessions) SendInput(_ context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, sessionID+" "+text)
	return nil
}

func (f *fakeSessions) sentInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.inputs))
	copy(out, f.inputs)
	return out
}

type fakePty struct {
	mu       sync.Mutex
	attached map[string]string
}

func (f *fakePty) Attach(_ context.Context, connID string, sess ptyattach.SessionRef, _, _ int) (*ptyattach.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached == nil {
		f.attached = map[string]string{}
	}
	f.attached[connID] = sess.ID
	return &ptyattach.Attachment{ConnID: connID, SessionID: sess.ID, PaneID: sess.PaneID}, nil
}

func (f *fakePty) Write(connID string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attached[connID]; !ok {
		return fault.Errorf(fault.NotFound, "connection %s is not attached", connID)
	}
	return nil
}

func (f *fakePty) Resize(connID string, _, _ int) error { return nil }

func (f *fakePty) Detach(connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attached[connID]; !ok {
		return fault.Errorf(fault.NotFound, "connection %s is not attached", connID)
	}
	delete(f.attached, connID)
	return nil
}

type fakeFocus struct{}

func (fakeFocus) FocusPane(_ context.Context, _ string) error { return nil }

func startHub(t *testing.T, cfg config.RealtimeConfig) (*Hub, *events.Bus, *fakeSessions, string) {
	t.Helper()
	bus := events.NewBus(logging.Nop())
	t.Cleanup(bus.Close)
	sessions := &fakeSessions{active: map[string]store.Session{}}
	hub := NewHub(cfg, sessions, &fakePty{}, fakeFocus{}, bus, logging.Nop())
	hub.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = hub.Close(ctx)
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.Handle)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return hub, bus, sessions, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
}

// expectType reads frames until one with the wanted type arrives.
func expectType(t *testing.T, conn *websocket.Conn, wantType string) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", wantType, err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if msg.Type == wantType {
			return msg
		}
	}
}

func TestPingPong(t *testing.T) {
	_, _, _, url := startHub(t, config.RealtimeConfig{})
	conn := dial(t, url)

	send(t, conn, protocol.Message{Type: protocol.TypePing})
	msg := expectType(t, conn, protocol.TypePong)

	var p protocol.PongPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Timestamp == "" {
		t.Fatalf("pong payload = %s (%v)", msg.Payload, err)
	}
}

func TestSubscribeReplaysBufferAndRoutesOutput(t *testing.T) {
	_, bus, sessions, url := startHub(t, config.RealtimeConfig{})
	id := ident.NewID()
	sessions.active[id] = store.Session{ID: id, PaneID: "%1", Status: store.StatusRunning}
	sessions.buffer = []string{"boot", "ready"}
	conn := dial(t, url)

	send(t, conn, protocol.Frame(protocol.TypeSubscribe, protocol.SessionPayload{SessionID: id}))
	sub := expectType(t, conn, protocol.TypeSubscribed)
	var sp protocol.SubscribedPayload
	if err := json.Unmarshal(sub.Payload, &sp); err != nil {
		t.Fatalf("subscribed payload: %v", err)
	}
	if sp.SessionID != id || len(sp.BufferLines) != 2 {
		t.Fatalf("subscribed = %+v", sp)
	}

	bus.Publish(events.SessionOutput{SessionID: id, Lines: []string{"hello"}})
	out := expectType(t, conn, protocol.TypeSessionOutput)
	var op protocol.OutputPayload
	if err := json.Unmarshal(out.Payload, &op); err != nil {
		t.Fatalf("output payload: %v", err)
	}
	if len(op.Lines) != 1 || op.Lines[0] != "hello" {
		t.Fatalf("routed output = %+v", op)
	}
}

func TestOutputNotRoutedWithoutSubscription(t *testing.T) {
	_, bus, sessions, url := startHub(t, config.RealtimeConfig{})
	id := ident.NewID()
	sessions.active[id] = store.Session{ID: id, PaneID: "%1"}
	conn := dial(t, url)

	bus.Publish(events.SessionOutput{SessionID: id, Lines: []string{"secret"}})
	// A ping round-trip after the publish proves the output frame was
	// not queued ahead of it.
	send(t, conn, protocol.Message{Type: protocol.TypePing})
	msg := expectType(t, conn, protocol.TypePong)
	if msg.Type != protocol.TypePong {
		t.Fatalf("got %s", msg.Type)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	_, _, _, url := startHub(t, config.RealtimeConfig{})
	conn := dial(t, url)

	send(t, conn, protocol.Frame(protocol.TypeSubscribe, protocol.SessionPayload{SessionID: ident.NewID()}))
	msg := expectType(t, conn, protocol.TypeError)
	var ep protocol.ErrPayload
	_ = json.Unmarshal(msg.Payload, &ep)
	if ep.Code != protocol.CodeSessionNotFound {
		t.Fatalf("error code = %s, want %s", ep.Code, protocol.CodeSessionNotFound)
	}
}

func TestInputRequiresSubscription(t *testing.T) {
	_, _, sessions, url := startHub(t, config.RealtimeConfig{})
	id := ident.NewID()
	sessions.active[id] = store.Session{ID: id, PaneID: "%1", Status: store.StatusRunning}
	conn := dial(t, url)

	send(t, conn, protocol.Frame(protocol.TypeInput, protocol.InputPayload{SessionID: id, Text: "hi"}))
	msg := expectType(t, conn, protocol.TypeError)
	var ep protocol.ErrPayload
	_ = json.Unmarshal(msg.Payload, &ep)
	if ep.Code != protocol.CodeNotSubscribed {
		t.Fatalf("error code = %s, want %s", ep.Code, protocol.CodeNotSubscribed)
	}

	send(t, conn, protocol.Frame(protocol.TypeSubscribe, protocol.SessionPayload{SessionID: id}))
	expectType(t, conn, protocol.TypeSubscribed)
	send(t, conn, protocol.Frame(protocol.TypeInput, protocol.InputPayload{SessionID: id, Text: "hi"}))

	// Success has no reply; a ping round-trip orders the assertion.
	send(t, conn, protocol.Message{Type: protocol.TypePing})
	expectType(t, conn, protocol.TypePong)
	inputs := sessions.sentInputs()
	if len(inputs) != 1 || inputs[0] != id+" hi" {
		t.Fatalf("forwarded inputs = %v", inputs)
	}
}

func TestOversizeInputRejected(t *testing.T) {
	_, _, sessions, url := startHub(t, config.RealtimeConfig{})
	id := ident.NewID()
	sessions.active[id] = store.Session{ID: id, PaneID: "%1", Status: store.StatusRunning}
	conn := dial(t, url)

	send(t, conn, protocol.Frame(protocol.TypeSubscribe, protocol.SessionPayload{SessionID: id}))
	expectType(t, conn, protocol.TypeSubscribed)

	send(t, conn, protocol.Frame(protocol.TypeInput, protocol.InputPayload{
		SessionID: id, Text: strings.Repeat("x", protocol.MaxInputChars+1),
	}))
	msg := expectType(t, conn, protocol.TypeError)
	var ep protocol.ErrPayload
	_ = json.Unmarshal(msg.Payload, &ep)
	if ep.Code != protocol.CodeInvalidMessage {
		t.Fatalf("error code = %s, want %s", ep.Code, protocol.CodeInvalidMessage)
	}
	if len(sessions.sentInputs()) != 0 {
		t.Fatalf("oversize input was forwarded")
	}
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	_, _, _, url := startHub(t, config.RealtimeConfig{})
	conn := dial(t, url)

	sendRaw(t, conn, "{not json")
	msg := expectType(t, conn, protocol.TypeError)
	var ep protocol.ErrPayload
	_ = json.Unmarshal(msg.Payload, &ep)
	if ep.Code != protocol.CodeParseError {
		t.Fatalf("error code = %s, want %s", ep.Code, protocol.CodeParseError)
	}

	send(t, conn, protocol.Message{Type: "bogus"})
	msg = expectType(t, conn, protocol.TypeError)
	_ = json.Unmarshal(msg.Payload, &ep)
	if ep.Code != protocol.CodeInvalidMessage {
		t.Fatalf("error code = %s, want %s", ep.Code, protocol.CodeInvalidMessage)
	}
}

func TestNotificationBroadcastsToAllConnections(t *testing.T) {
	_, bus, _, url := startHub(t, config.RealtimeConfig{})
	a := dial(t, url)
	b := dial(t, url)

	// Both connections must be registered before the publish.
	for _, conn := range []*websocket.Conn{a, b} {
		send(t, conn, protocol.Message{Type: protocol.TypePing})
		expectType(t, conn, protocol.TypePong)
	}

	bus.Publish(events.Notification{ID: "n1", Kind: "review_ready", Title: "Review", Body: "ticket ready"})
	for _, conn := range []*websocket.Conn{a, b} {
		msg := expectType(t, conn, protocol.TypeNotification)
		var np protocol.NotificationPayload
		_ = json.Unmarshal(msg.Payload, &np)
		if np.ID != "n1" || np.Kind != "review_ready" {
			t.Fatalf("notification = %+v", np)
		}
	}
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	_, _, _, url := startHub(t, config.RealtimeConfig{RateLimitCount: 3, RateLimitWindowS: 10})
	conn := dial(t, url)

	for i := 0; i < 4; i++ {
		send(t, conn, protocol.Message{Type: protocol.TypePing})
	}

	pongs, limited := 0, 0
	for pongs+limited < 4 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg protocol.Message
		_ = json.Unmarshal(data, &msg)
		switch msg.Type {
		case protocol.TypePong:
			pongs++
		case protocol.TypeError:
			var ep protocol.ErrPayload
			_ = json.Unmarshal(msg.Payload, &ep)
			if ep.Code != protocol.CodeRateLimited {
				t.Fatalf("error code = %s, want %s", ep.Code, protocol.CodeRateLimited)
			}
			limited++
		}
	}
	if pongs != 3 || limited != 1 {
		t.Fatalf("pongs=%d limited=%d, want 3/1", pongs, limited)
	}
}

func TestSlidingWindowReadmits(t *testing.T) {
	w := newSlidingWindow(2, time.Second)
	base := time.Now()
	if !w.Allow(base) || !w.Allow(base.Add(time.Millisecond)) {
		t.Fatal("first two arrivals rejected")
	}
	if w.Allow(base.Add(2 * time.Millisecond)) {
		t.Fatal("third arrival inside window admitted")
	}
	if !w.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatal("arrival after window expiry rejected")
	}
}

func TestDisconnectEvictsConnection(t *testing.T) {
	hub, _, _, url := startHub(t, config.RealtimeConfig{})
	conn := dial(t, url)
	send(t, conn, protocol.Message{Type: protocol.TypePing})
	expectType(t, conn, protocol.TypePong)
	if hub.ConnCount() != 1 {
		t.Fatalf("ConnCount = %d, want 1", hub.ConnCount())
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ConnCount() != 0 {
		t.Fatalf("connection not evicted after close")
	}
}
