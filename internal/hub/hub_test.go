package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/streamforge/twitch-bridge/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.FromConfig("error", "json"))
}

// dialPair upgrades a test websocket and returns both ends.
func dialPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-serverConns:
		return serverConn, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("server side never arrived")
		return nil, nil
	}
}

func TestPublishWSOrdering(t *testing.T) {
	var events []string
	h := New(testLogger(), Hooks{
		OnConnect:    func(id string) { events = append(events, "connect:"+id) },
		OnWSEvent:    func(id string) { events = append(events, "ws:"+id) },
		OnDisconnect: func(id string) { events = append(events, "disconnect:"+id) },
	})
	defer h.Close()

	serverConn, clientConn := dialPair(t)
	client, err := h.Connect("svc-1", serverConn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	first := NewEnvelope("m1", "stream.online", map[string]any{"broadcaster_user_id": "1"})
	second := NewEnvelope("m2", "stream.offline", map[string]any{"broadcaster_user_id": "1"})
	if sent := h.PublishWS("svc-1", first); sent != 1 {
		t.Fatalf("expected 1 send, got %d", sent)
	}
	h.PublishWS("svc-1", second)

	for _, wantID := range []string{"m1", "m2"} {
		clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := clientConn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.ID != wantID {
			t.Errorf("out of order: got %s want %s", env.ID, wantID)
		}
		if env.Provider != "twitch" {
			t.Errorf("unexpected provider %s", env.Provider)
		}
	}

	h.Disconnect(client)
	if h.ConnectionCount("svc-1") != 0 {
		t.Error("connection should be removed")
	}

	want := []string{"connect:svc-1", "ws:svc-1", "ws:svc-1", "disconnect:svc-1"}
	if len(events) != len(want) {
		t.Fatalf("hook events %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("hook events %v, want %v", events, want)
		}
	}
}

func TestPublishWSNoConnections(t *testing.T) {
	fired := false
	h := New(testLogger(), Hooks{OnWSEvent: func(string) { fired = true }})
	defer h.Close()

	if sent := h.PublishWS("svc-none", NewEnvelope("", "stream.online", nil)); sent != 0 {
		t.Errorf("expected 0 sends, got %d", sent)
	}
	if fired {
		t.Error("ws hook must not fire when nothing was sent")
	}
}

func TestPublishWebhook(t *testing.T) {
	received := make(chan Envelope, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- env
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	fired := false
	h := New(testLogger(), Hooks{OnWebhookEvent: func(string) { fired = true }})
	defer h.Close()

	env := NewEnvelope("m9", "channel.follow", map[string]any{"user_id": "7"})
	if err := h.PublishWebhook(context.Background(), "svc-1", target.URL, env, 2*time.Second); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := <-received
	if got.ID != "m9" || got.Type != "channel.follow" {
		t.Errorf("unexpected envelope %+v", got)
	}
	if !fired {
		t.Error("webhook hook should fire on success")
	}
}

func TestPublishWebhookFailure(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer target.Close()

	fired := false
	h := New(testLogger(), Hooks{OnWebhookEvent: func(string) { fired = true }})
	defer h.Close()

	err := h.PublishWebhook(context.Background(), "svc-1", target.URL, NewEnvelope("", "stream.online", nil), 2*time.Second)
	if err == nil {
		t.Fatal("non-2xx should be an error")
	}
	if fired {
		t.Error("webhook hook must not fire on failure")
	}
}

func TestEnvelopeMinting(t *testing.T) {
	env := NewEnvelope("", "stream.online", nil)
	if env.ID == "" {
		t.Error("empty message IDs should be replaced")
	}
	if env.ID == NewEnvelope("", "stream.online", nil).ID {
		t.Error("minted IDs should be unique")
	}

	internal := NewInternalEnvelope("subscription.error", map[string]any{"error_code": "missing_scope"})
	if internal.Provider != "twitch-service" {
		t.Errorf("internal envelopes use the bridge provider, got %s", internal.Provider)
	}
}
