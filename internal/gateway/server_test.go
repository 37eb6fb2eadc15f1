package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"homechat/internal/bus"
	"homechat/internal/config"
	"homechat/internal/send"
	"homechat/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "homechat.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sender := send.New(db, db, nil)
	return New(config.GatewayConfig{ListenAddr: "127.0.0.1:0"}, db, db, sender, zap.NewNop()), db
}

func doJSON(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func seed(t *testing.T, db *store.DB, from, to, property, text string) {
	t.Helper()
	_, err := db.Append(context.Background(), &store.Message{
		From:       from,
		To:         to,
		PropertyID: property,
		Text:       text,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestSendEndpoint(t *testing.T) {
	s, db := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/messages",
		`{"from":"buyer1","to":"seller","property_id":"p1","text":"hello"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status: %d, body: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["id"] == "" {
		t.Fatal("no message ID in response")
	}

	n, err := db.CountWhere(context.Background(), store.Predicate{From: "buyer1", To: "seller"})
	if err != nil || n != 1 {
		t.Fatalf("stored messages: %d, %v", n, err)
	}
}

func TestSendEndpointRejectsEmptyText(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/messages",
		`{"from":"buyer1","to":"seller","property_id":"p1","text":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestMarkReadEndpointIdempotent(t *testing.T) {
	s, db := newTestServer(t)
	seed(t, db, "buyer1", "seller", "p1", "ping")

	marked := func() int {
		rec := doJSON(t, s, http.MethodPost, "/api/read",
			`{"viewer":"seller","counterpart":"buyer1","property_id":"p1"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status: %d, body: %s", rec.Code, rec.Body.String())
		}
		var resp map[string]int
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp["marked"]
	}

	if n := marked(); n != 1 {
		t.Fatalf("first mark: %d", n)
	}
	if n := marked(); n != 0 {
		t.Fatalf("second mark: %d", n)
	}
}

func TestUnreadEndpoint(t *testing.T) {
	s, db := newTestServer(t)
	seed(t, db, "buyer1", "seller", "p1", "one")
	seed(t, db, "buyer2", "seller", "p2", "two")

	count := func(target string) int {
		rec := doJSON(t, s, http.MethodGet, target, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status: %d, body: %s", rec.Code, rec.Body.String())
		}
		var resp map[string]int
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp["count"]
	}

	if n := count("/api/unread?viewer=seller"); n != 2 {
		t.Fatalf("total: %d", n)
	}
	if n := count("/api/unread?viewer=seller&counterpart=buyer1&property_id=p1"); n != 1 {
		t.Fatalf("scoped: %d", n)
	}
	if rec := doJSON(t, s, http.MethodGet, "/api/unread", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing viewer status: %d", rec.Code)
	}
}

func TestWebSocketPushesGroupsAndThread(t *testing.T) {
	s, db := newTestServer(t)
	seed(t, db, "buyer1", "seller", "p1", "is it still available?")

	srv := httptest.NewServer(s.echo)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?viewer=seller"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	readFrame := func(wantType string) outboundFrame {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("read frame: %v", err)
			}
			var f outboundFrame
			if err := json.Unmarshal(payload, &f); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if f.Type == wantType {
				return f
			}
		}
	}

	groups := readFrame("groups")
	if len(groups.Groups) != 1 || groups.Groups[0].PropertyID != "p1" {
		t.Fatalf("groups frame: %+v", groups.Groups)
	}
	if groups.Groups[0].Threads[0].Unread != 1 {
		t.Fatalf("unread in groups frame: %d", groups.Groups[0].Threads[0].Unread)
	}

	open := `{"type":"open_thread","counterpart":"buyer1","property_id":"p1"}`
	if err := conn.WriteMessage(gorillaws.TextMessage, []byte(open)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	thread := readFrame("thread")
	if len(thread.Messages) != 1 || thread.Messages[0].Text != "is it still available?" {
		t.Fatalf("thread frame: %+v", thread.Messages)
	}
}

func TestShutdownTearsDownClients(t *testing.T) {
	s, db := newTestServer(t)
	seed(t, db, "buyer1", "seller", "p1", "hello")

	srv := httptest.NewServer(s.echo)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?viewer=seller"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	// Wait for the initial groups frame so the client is fully registered.
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read frame: %v", err)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// The client must unregister itself, which closes its send channel and
	// unblocks its write pump.
	deadline := time.Now().Add(3 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.clients)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d clients still registered after shutdown", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketMarkReadRequiresScope(t *testing.T) {
	s, db := newTestServer(t)
	seed(t, db, "buyer1", "seller", "p1", "one")
	seed(t, db, "buyer2", "seller", "p2", "two")

	srv := httptest.NewServer(s.echo)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?viewer=seller"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	// A minimal mark_read frame must be rejected, not applied viewer-wide.
	if err := conn.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"mark_read"}`)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var f outboundFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f.Type == "error" {
			break
		}
		if f.Type == "marked_read" {
			t.Fatal("unscoped mark_read was applied")
		}
	}

	rec := doJSON(t, s, http.MethodGet, "/api/unread?viewer=seller", "")
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["count"] != 2 {
		t.Fatalf("unread after rejected frame: %d", resp["count"])
	}
}
