package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"pilothouse/server/internal/protocol"
)

// conn is one websocket client. The read loop runs on the handler
// goroutine; a dedicated writer drains the outbound queue so a slow
// client never blocks event routing.
type conn struct {
	id  string
	ws  *websocket.Conn
	hub *Hub

	subsMu sync.Mutex
	subs   map[string]struct{}

	out     chan protocol.Message
	limiter *slidingWindow

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) subscribe(sessionID string) {
	c.subsMu.Lock()
	c.subs[sessionID] = struct{}{}
	c.subsMu.Unlock()
}

func (c *conn) unsubscribe(sessionID string) {
	c.subsMu.Lock()
	delete(c.subs, sessionID)
	c.subsMu.Unlock()
}

func (c *conn) subscribed(sessionID string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

// enqueue queues an outbound frame, evicting the oldest queued frame
// when the client cannot keep up.
func (c *conn) enqueue(msg protocol.Message) {
	select {
	case c.out <- msg:
		return
	default:
	}
	select {
	case <-c.out:
		c.hub.logger.Warn("outbound queue full, dropped oldest frame", "conn_id", c.id)
	default:
	}
	select {
	case c.out <- msg:
	default:
	}
}

// writer drains the queue onto the socket. Each write gets its own
// deadline; a failed write tears the connection down.
func (c *conn) writer(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := c.ws.Write(wctx, websocket.MessageText, protocol.MustRaw(msg))
			cancel()
			if err != nil {
				c.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// heartbeat pings on an interval; a pong overdue past the timeout ends
// the connection.
func (c *conn) heartbeat(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.shutdown(websocket.StatusGoingAway, "heartbeat lost")
				return
			}
		}
	}
}

// drained reports whether the outbound queue is empty.
func (c *conn) drained() bool { return len(c.out) == 0 }

func (c *conn) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}
