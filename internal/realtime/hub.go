// Package realtime fans bus events out to websocket clients and carries
// their commands back in: subscriptions, assistant input, and the
// interactive pty channel.
package realtime

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"pilothouse/server/internal/config"
	"pilothouse/server/internal/events"
	"pilothouse/server/internal/fault"
	"pilothouse/server/internal/ident"
	"pilothouse/server/internal/protocol"
	"pilothouse/server/internal/ptyattach"
	"pilothouse/server/internal/store"
)

const bufferReplayLines = 100

// Sessions is the supervisor slice the hub calls on behalf of clients.
type Sessions interface {
	ActiveSession(sessionID string) (store.Session, error)
	Output(sessionID string, n int) ([]string, error)
	SendInput(ctx context.Context, sessionID, text string) error
}

// Pty is the attachment manager slice.
type Pty interface {
	Attach(ctx context.Context, connID string, sess ptyattach.SessionRef, cols, rows int) (*ptyattach.Attachment, error)
	Write(connID string, data []byte) error
	Resize(connID string, cols, rows int) error
	Detach(connID string) error
}

// PaneFocuser makes a session's pane the active one in its tmux window.
type PaneFocuser interface {
	FocusPane(ctx context.Context, paneID string) error
}

type Hub struct {
	cfg      config.RealtimeConfig
	sessions Sessions
	pty      Pty
	focus    PaneFocuser
	bus      *events.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	conns   map[string]*conn
	closing bool

	sub    *events.Subscription
	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(cfg config.RealtimeConfig, sessions Sessions, pty Pty, focus PaneFocuser, bus *events.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:      hubDefaults(cfg),
		sessions: sessions,
		pty:      pty,
		focus:    focus,
		bus:      bus,
		logger:   logger,
		conns:    make(map[string]*conn),
	}
}

func hubDefaults(c config.RealtimeConfig) config.RealtimeConfig {
	if c.PingIntervalS <= 0 {
		c.PingIntervalS = 30
	}
	if c.PongTimeoutS <= 0 {
		c.PongTimeoutS = 60
	}
	if c.WriteTimeoutMS <= 0 {
		c.WriteTimeoutMS = 5000
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.RateLimitCount <= 0 {
		c.RateLimitCount = 100
	}
	if c.RateLimitWindowS <= 0 {
		c.RateLimitWindowS = 10
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	if c.ShutdownDrainMS <= 0 {
		c.ShutdownDrainMS = 2000
	}
	return c
}

// Start wires the hub onto the bus. Idempotent.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.sub != nil {
		h.mu.Unlock()
		return
	}
	h.runCtx, h.stop = context.WithCancel(context.WithoutCancel(ctx))
	h.sub = h.bus.Subscribe("realtime", 1024,
		events.TopicSessionOutput, events.TopicSessionStatus, events.TopicSessionWaiting,
		events.TopicSessionExit, events.TopicContextThreshold,
		events.TopicPtyData, events.TopicPtyAttached, events.TopicPtyExit,
		events.TopicTicketState, events.TopicReviewResult, events.TopicNotification)
	sub := h.sub
	runCtx := h.runCtx
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				h.route(ev)
			}
		}
	}()
}

// Handle upgrades the request and services the connection until the
// client goes away.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	ws.SetReadLimit(int64(h.cfg.MaxMessageBytes))

	c := &conn{
		id:      ident.NewID(),
		ws:      ws,
		hub:     h,
		subs:    make(map[string]struct{}),
		out:     make(chan protocol.Message, h.cfg.OutboundQueue),
		limiter: newSlidingWindow(h.cfg.RateLimitCount, h.cfg.RateLimitWindow()),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	runCtx := h.runCtx
	h.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}
	h.logger.Info("realtime client connected", "conn_id", c.id, "remote", r.RemoteAddr)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writer(runCtx, h.cfg.WriteTimeout())
	}()
	go func() {
		defer h.wg.Done()
		c.heartbeat(runCtx, h.cfg.PingInterval(), h.cfg.PongTimeout())
	}()

	defer h.disconnect(c)
	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		if !c.limiter.Allow(time.Now()) {
			c.enqueue(protocol.ErrorFrame(protocol.CodeRateLimited, "message rate limit exceeded"))
			continue
		}
		h.dispatch(r.Context(), c, data)
	}
}

func (h *Hub) disconnect(c *conn) {
	c.shutdown(websocket.StatusNormalClosure, "")
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	if err := h.pty.Detach(c.id); err != nil && !fault.IsKind(err, fault.NotFound) {
		h.logger.Warn("pty detach on disconnect failed", "conn_id", c.id, "err", err)
	}
	h.logger.Info("realtime client disconnected", "conn_id", c.id)
}

// Close stops accepting, drains outbound queues briefly, then closes
// every connection.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	sub := h.sub
	stop := h.stop
	h.sub = nil
	h.stop = nil
	h.mu.Unlock()

	deadline := time.Now().Add(h.cfg.ShutdownDrain())
	for _, c := range conns {
		for !c.drained() && time.Now().Before(deadline) && ctx.Err() == nil {
			time.Sleep(10 * time.Millisecond)
		}
		c.shutdown(websocket.StatusGoingAway, "server shutting down")
	}
	if stop != nil {
		stop()
	}
	if sub != nil {
		h.bus.Unsubscribe(sub)
	}
	h.wg.Wait()
	return ctx.Err()
}

// ConnCount reports live connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) dispatch(ctx context.Context, c *conn, data []byte) {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		if strings.HasPrefix(err.Error(), "schema") {
			c.enqueue(protocol.ErrorFrame(protocol.CodeInvalidMessage, err.Error()))
		} else {
			c.enqueue(protocol.ErrorFrame(protocol.CodeParseError, "malformed JSON frame"))
		}
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		c.enqueue(protocol.Pong(time.Now()))
	case protocol.TypeSubscribe:
		h.onSubscribe(c, msg)
	case protocol.TypeUnsubscribe:
		h.onUnsubscribe(c, msg)
	case protocol.TypeInput:
		h.onInput(ctx, c, msg)
	case protocol.TypePtyAttach:
		h.onPtyAttach(ctx, c, msg)
	case protocol.TypePtyDetach:
		h.onPtyDetach(c)
	case protocol.TypePtyWrite:
		h.onPtyWrite(c, msg)
	case protocol.TypePtyResize:
		h.onPtyResize(c, msg)
	case protocol.TypePtySelectPane:
		h.onPtySelectPane(ctx, c, msg)
	default:
		c.enqueue(protocol.ErrorFrame(protocol.CodeInvalidMessage, "unknown message type "+msg.Type))
	}
}

func (h *Hub) onSubscribe(c *conn, msg protocol.Message) {
	p, err := msg.DecodeSession()
	if err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeInvalidMessage, err.Error()))
		return
	}
	if _, err := h.sessions.ActiveSession(p.SessionID); err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeSessionNotFound, "session "+p.SessionID+" is not active"))
		return
	}
	c.subscribe(p.SessionID)
	lines, err := h.sessions.Output(p.SessionID, bufferReplayLines)
	if err != nil {
		lines = nil
	}
	c.enqueue(protocol.Frame(protocol.TypeSubscribed, protocol.SubscribedPayload{
		SessionID:   p.SessionID,
		BufferLines: lines,
	}))
}

func (h *Hub) onUnsubscribe(c *conn, msg protocol.Message) {
	p, err := msg.DecodeSession()
	if err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeInvalidMessage, err.Error()))
		return
	}
	c.unsubscribe(p.SessionID)
	c.enqueue(protocol.Frame(protocol.TypeUnsubscribed, protocol.SessionPayload{SessionID: p.SessionID}))
}

func (h *Hub) onInput(ctx context.Context, c *conn, msg protocol.Message) {
	p, err := msg.DecodeInput()
	if err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeInvalidMessage, err.Error()))
		return
	}
	if !c.subscribed(p.SessionID) {
		c.enqueue(protocol.ErrorFrame(protocol.CodeNotSubscribed, "subscribe to the session before sending input"))
		return
	}
	if err := h.sessions.SendInput(ctx, p.SessionID, p.Text); err != nil {
		c.enqueue(protocol.ErrorFrame(h.codeFor(err, protocol.CodeInternal), err.Error()))
	}
}

func (h *Hub) onPtyAttach(ctx context.Context, c *conn, msg protocol.Message) {
	p, err := msg.DecodePtyAttach()
	if err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeInvalidMessage, err.Error()))
		return
	}
	sess, err := h.sessions.ActiveSession(p.SessionID)
	if err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeSessionNotFound, "session "+p.SessionID+" is not active"))
		return
	}
	ref := ptyattach.SessionRef{ID: sess.ID, PaneID: sess.PaneID}
	if _, err := h.pty.Attach(ctx, c.id, ref, p.Cols, p.Rows); err != nil {
		c.enqueue(protocol.ErrorFrame(h.codeFor(err, protocol.CodePtyAttachFailed), err.Error()))
	}
}

func (h *Hub) onPtyDetach(c *conn) {
	if err := h.pty.Detach(c.id); err != nil && !fault.IsKind(err, fault.NotFound) {
		c.enqueue(protocol.ErrorFrame(protocol.CodeInternal, err.Error()))
	}
}

func (h *Hub) onPtyWrite(c *conn, msg protocol.Message) {
	p, err := msg.DecodePtyWrite()
	if err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeInvalidMessage, err.Error()))
		return
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeInvalidMessage, "schema: data must be base64"))
		return
	}
	if err := h.pty.Write(c.id, data); err != nil {
		c.enqueue(protocol.ErrorFrame(h.codeFor(err, protocol.CodeInternal), err.Error()))
	}
}

func (h *Hub) onPtyResize(c *conn, msg protocol.Message) {
	p, err := msg.DecodePtyResize()
	if err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeInvalidMessage, err.Error()))
		return
	}
	if err := h.pty.Resize(c.id, p.Cols, p.Rows); err != nil {
		c.enqueue(protocol.ErrorFrame(h.codeFor(err, protocol.CodeInternal), err.Error()))
	}
}

func (h *Hub) onPtySelectPane(ctx context.Context, c *conn, msg protocol.Message) {
	p, err := msg.DecodeSession()
	if err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeInvalidMessage, err.Error()))
		return
	}
	sess, err := h.sessions.ActiveSession(p.SessionID)
	if err != nil {
		c.enqueue(protocol.ErrorFrame(protocol.CodeSessionNotFound, "session "+p.SessionID+" is not active"))
		return
	}
	if err := h.focus.FocusPane(ctx, sess.PaneID); err != nil {
		c.enqueue(protocol.ErrorFrame(h.codeFor(err, protocol.CodeInternal), err.Error()))
	}
}

func (h *Hub) codeFor(err error, fallback string) string {
	switch fault.KindOf(err) {
	case fault.NotFound:
		return protocol.CodeSessionNotFound
	case fault.Validation, fault.Invariant:
		return protocol.CodeInvalidMessage
	default:
		return fallback
	}
}

// route translates a bus event into a frame and delivers it to the
// connections that should see it.
func (h *Hub) route(ev events.Event) {
	switch e := ev.(type) {
	case events.SessionOutput:
		h.toSubscribers(e.SessionID, protocol.Frame(protocol.TypeSessionOutput, protocol.OutputPayload{
			SessionID: e.SessionID, Lines: e.Lines, Raw: e.Raw,
		}))
	case events.SessionStatus:
		h.toSubscribers(e.SessionID, protocol.Frame(protocol.TypeSessionStatus, protocol.StatusPayload{
			SessionID: e.SessionID, PreviousStatus: e.Previous, NewStatus: e.New, ContextPercent: e.ContextPercent,
		}))
	case events.SessionWaiting:
		h.toSubscribers(e.SessionID, protocol.Frame(protocol.TypeSessionWaiting, protocol.WaitingPayload{
			SessionID: e.SessionID, Waiting: e.Waiting, Reason: e.Reason,
		}))
	case events.SessionExit:
		h.toSubscribers(e.SessionID, protocol.Frame(protocol.TypeSessionExit, protocol.ExitPayload{
			SessionID: e.SessionID, ExitCode: e.ExitCode,
		}))
	case events.ContextThreshold:
		h.toSubscribers(e.SessionID, protocol.Frame(protocol.TypeContextThreshold, protocol.ThresholdPayload{
			SessionID: e.SessionID, ContextPercent: e.ContextPercent, Threshold: e.Threshold,
		}))
	case events.PtyData:
		h.toConn(e.ConnID, protocol.Frame(protocol.TypePtyOutput, protocol.PtyOutputPayload{
			SessionID: e.SessionID, Data: base64.StdEncoding.EncodeToString(e.Data),
		}))
	case events.PtyAttached:
		h.toConn(e.ConnID, protocol.Frame(protocol.TypePtyAttached, protocol.PtyAttachedPayload{
			SessionID: e.SessionID, Cols: e.Cols, Rows: e.Rows,
		}))
	case events.PtyExit:
		h.toConn(e.ConnID, protocol.Frame(protocol.TypePtyExit, protocol.PtyExitPayload{
			SessionID: e.SessionID, ExitCode: e.ExitCode, Signal: e.Signal,
		}))
	case events.TicketState:
		h.broadcast(protocol.Frame(protocol.TypeTicketState, protocol.TicketStatePayload{
			TicketID: e.TicketID, PreviousState: e.From, NewState: e.To, Trigger: e.Trigger, Reason: e.Reason,
		}))
	case events.ReviewResult:
		h.broadcast(protocol.Frame(protocol.TypeReviewResult, protocol.ReviewResultPayload{
			TicketID: e.TicketID, SessionID: e.SessionID, Trigger: e.Trigger, Decision: e.Decision, Reasoning: e.Reasoning,
		}))
	case events.Notification:
		h.broadcast(protocol.Frame(protocol.TypeNotification, protocol.NotificationPayload{
			ID: e.ID, Kind: e.Kind, Title: e.Title, Body: e.Body,
		}))
	}
}

func (h *Hub) toSubscribers(sessionID string, msg protocol.Message) {
	for _, c := range h.snapshot() {
		if c.subscribed(sessionID) {
			c.enqueue(msg)
		}
	}
}

func (h *Hub) toConn(connID string, msg protocol.Message) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if ok {
		c.enqueue(msg)
	}
}

func (h *Hub) broadcast(msg protocol.Message) {
	for _, c := range h.snapshot() {
		c.enqueue(msg)
	}
}

func (h *Hub) snapshot() []*conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}
