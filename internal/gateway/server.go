// Package gateway is the daemon's local HTTP surface: a REST write/query
// path and a websocket push path for live thread and group views.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"homechat/internal/config"
	"homechat/internal/convo"
	"homechat/internal/send"
	"homechat/internal/store"
)

// threadMessage is the wire shape of one message in a thread frame.
type threadMessage struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	To         string `json:"to"`
	PropertyID string `json:"property_id"`
	Text       string `json:"text"`
	Read       bool   `json:"read"`
	Timestamp  int64  `json:"timestamp"`
}

func toThreadMessages(msgs []store.Message) []threadMessage {
	out := make([]threadMessage, len(msgs))
	for i, m := range msgs {
		out[i] = threadMessage{
			ID:         m.ID,
			From:       m.From,
			To:         m.To,
			PropertyID: m.PropertyID,
			Text:       m.Text,
			Read:       m.Read,
			Timestamp:  m.Timestamp,
		}
	}
	return out
}

// threadView summarizes one counterpart thread inside a groups frame; the
// full message list is only pushed for an explicitly opened thread.
type threadView struct {
	Counterpart string        `json:"counterpart"`
	Key         string        `json:"key"`
	Unread      int           `json:"unread"`
	LastMessage threadMessage `json:"last_message"`
}

type propertyGroupView struct {
	PropertyID   string       `json:"property_id"`
	LastActivity int64        `json:"last_activity"`
	Threads      []threadView `json:"threads"`
}

func toGroupViews(groups []convo.PropertyChatGroup) []propertyGroupView {
	out := make([]propertyGroupView, len(groups))
	for i, g := range groups {
		threads := make([]threadView, len(g.Threads))
		for j, th := range g.Threads {
			last := toThreadMessages([]store.Message{th.LastMessage})
			threads[j] = threadView{
				Counterpart: th.Counterpart,
				Key:         th.Key,
				Unread:      th.Unread,
				LastMessage: last[0],
			}
		}
		out[i] = propertyGroupView{
			PropertyID:   g.PropertyID,
			LastActivity: g.LastActivity,
			Threads:      threads,
		}
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway binds loopback by default; same-host clients only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server owns the echo instance and the set of live websocket clients.
type Server struct {
	echo      *echo.Echo
	addr      string
	store     store.Store
	summaries store.SummaryStore
	sender    *send.Sender
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[*client]context.CancelFunc
}

func New(cfg config.GatewayConfig, st store.Store, summaries store.SummaryStore, sender *send.Sender, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		addr:      cfg.ListenAddr,
		store:     st,
		summaries: summaries,
		sender:    sender,
		logger:    logger,
		clients:   make(map[*client]context.CancelFunc),
	}

	e.GET("/healthz", s.handleHealth)
	e.POST("/api/messages", s.handleSend)
	e.POST("/api/read", s.handleMarkRead)
	e.GET("/api/unread", s.handleUnread)
	e.GET("/ws", s.handleWebSocket)
	return s
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	err := s.echo.Start(s.addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and tears down every live client. Each
// client's entry stays in the map until its own readPump unregisters it:
// that path stops the scopes before closing the send channel, so writePump
// always unblocks and nothing can write to a closed channel.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c, cancel := range s.clients {
		cancel()
		c.conn.Close()
	}
	s.mu.Unlock()
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type sendRequest struct {
	From       string `json:"from"`
	To         string `json:"to"`
	PropertyID string `json:"property_id"`
	Text       string `json:"text"`
}

func (s *Server) handleSend(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	id, err := s.sender.Send(c.Request().Context(), req.From, req.To, req.PropertyID, req.Text)
	if err != nil {
		if errors.Is(err, send.ErrEmptyMessage) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if convo.Is(err, convo.KindTransientStore) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

type markReadRequest struct {
	Viewer      string `json:"viewer"`
	Counterpart string `json:"counterpart"`
	PropertyID  string `json:"property_id"`
}

func (s *Server) handleMarkRead(c echo.Context) error {
	var req markReadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Viewer == "" || req.Counterpart == "" || req.PropertyID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "viewer, counterpart and property_id are required")
	}
	session := convo.NewSession(req.Viewer, s.store, s.summaries, s.logger)
	n, err := session.MarkRead(c.Request().Context(), req.Counterpart, req.PropertyID)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	}
	return c.JSON(http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) handleUnread(c echo.Context) error {
	viewer := c.QueryParam("viewer")
	if viewer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "viewer is required")
	}
	session := convo.NewSession(viewer, s.store, s.summaries, s.logger)

	ctx := c.Request().Context()
	counterpart := c.QueryParam("counterpart")
	var (
		n   int
		err error
	)
	if counterpart != "" {
		n, err = session.UnreadCount(ctx, counterpart, c.QueryParam("property_id"))
	} else {
		n, err = session.UnreadTotal(ctx)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	}
	return c.JSON(http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	viewer := c.QueryParam("viewer")
	if viewer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "viewer is required")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "websocket upgrade failed")
	}

	// The client's scopes outlive the handler; they are bound to this
	// context, cancelled on unregister or server shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	cl := &client{
		viewer:  viewer,
		conn:    conn,
		send:    make(chan []byte, 64),
		session: convo.NewSession(viewer, s.store, s.summaries, s.logger),
		logger:  s.logger.With(zap.String("viewer", viewer)),
	}

	groupsScope, err := cl.session.OpenPropertyGroups(ctx, func(u convo.GroupsUpdate) {
		cl.push(outboundFrame{Type: "groups", Degraded: u.Degraded, Groups: toGroupViews(u.Groups)})
	})
	if err != nil {
		cancel()
		conn.Close()
		s.logger.Warn("open property groups", zap.String("viewer", viewer), zap.Error(err))
		return nil
	}
	cl.groupsScope = groupsScope

	s.mu.Lock()
	s.clients[cl] = cancel
	s.mu.Unlock()
	s.logger.Info("websocket client connected", zap.String("viewer", viewer))

	go cl.writePump()
	go cl.readPump(ctx, func(cl *client) {
		s.mu.Lock()
		if stop, ok := s.clients[cl]; ok {
			stop()
			delete(s.clients, cl)
			close(cl.send)
		}
		s.mu.Unlock()
		s.logger.Info("websocket client disconnected", zap.String("viewer", cl.viewer))
	})
	return nil
}
