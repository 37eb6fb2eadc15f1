package gateway

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"homechat/internal/convo"
)

// inboundFrame is what a connected viewer sends over the socket.
type inboundFrame struct {
	Type        string `json:"type"` // open_thread, close_thread, mark_read
	Counterpart string `json:"counterpart,omitempty"`
	PropertyID  string `json:"property_id,omitempty"`
}

// outboundFrame is what the gateway pushes. Exactly one of Groups, Messages
// or Error is populated, keyed by Type.
type outboundFrame struct {
	Type     string              `json:"type"` // groups, thread, marked_read, error
	Degraded bool                `json:"degraded,omitempty"`
	Groups   []propertyGroupView `json:"groups,omitempty"`
	Messages []threadMessage     `json:"messages,omitempty"`
	Marked   int                 `json:"marked,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// client is one viewer's live socket: a session, the always-on property
// groups scope, and at most one open thread scope at a time.
type client struct {
	viewer  string
	conn    *websocket.Conn
	send    chan []byte
	session *convo.Session
	logger  *zap.Logger

	groupsScope *convo.Scope
	threadScope *convo.Scope
}

func (c *client) push(f outboundFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	default:
		// Slow consumer; drop the frame. The next store change re-emits a
		// full snapshot, so nothing is permanently lost.
		c.logger.Warn("dropping frame for slow websocket consumer")
	}
}

// readPump consumes inbound frames until the socket dies, then tears the
// client's scopes down.
func (c *client) readPump(ctx context.Context, unregister func(*client)) {
	defer func() {
		c.closeScopes()
		unregister(c)
		c.conn.Close()
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read", zap.Error(err))
			}
			return
		}

		var f inboundFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.push(outboundFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		c.handle(ctx, f)
	}
}

func (c *client) handle(ctx context.Context, f inboundFrame) {
	switch f.Type {
	case "open_thread":
		if f.Counterpart == "" || f.PropertyID == "" {
			c.push(outboundFrame{Type: "error", Error: "open_thread requires counterpart and property_id"})
			return
		}
		if c.threadScope != nil {
			c.threadScope.Stop()
		}
		sc, err := c.session.OpenThread(ctx, f.Counterpart, f.PropertyID, func(u convo.ThreadUpdate) {
			c.push(outboundFrame{Type: "thread", Degraded: u.Degraded, Messages: toThreadMessages(u.Messages)})
		})
		if err != nil {
			c.push(outboundFrame{Type: "error", Error: err.Error()})
			return
		}
		c.threadScope = sc

	case "close_thread":
		if c.threadScope != nil {
			c.threadScope.Stop()
			c.threadScope = nil
		}

	case "mark_read":
		if f.Counterpart == "" || f.PropertyID == "" {
			c.push(outboundFrame{Type: "error", Error: "mark_read requires counterpart and property_id"})
			return
		}
		n, err := c.session.MarkRead(ctx, f.Counterpart, f.PropertyID)
		if err != nil {
			c.push(outboundFrame{Type: "error", Error: err.Error()})
			return
		}
		c.push(outboundFrame{Type: "marked_read", Marked: n})

	default:
		c.push(outboundFrame{Type: "error", Error: "unknown frame type"})
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *client) closeScopes() {
	if c.threadScope != nil {
		c.threadScope.Stop()
	}
	if c.groupsScope != nil {
		c.groupsScope.Stop()
	}
}
