package eventsub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// frameServer upgrades one connection, writes the given frames in order, then
// closes with the unused-session code.
func frameServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeUnused, "unused"), time.Now().Add(time.Second))
		time.Sleep(100 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

const welcomeFrame = `{
	"metadata": {"message_id": "w-1", "message_type": "session_welcome"},
	"payload": {"session": {"id": "sess-test", "status": "connected"}}
}`

func TestRunSessionWelcomeReconcilesAndDelivers(t *testing.T) {
	h := newTestHarness(testConfig())
	h.manager.now = time.Now
	bot := h.seedBot("100")
	service := h.seedService(true)
	h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")

	notification := `{
		"metadata": {"message_id": "n-1", "message_type": "notification"},
		"payload": {
			"subscription": {"id": "sub-1", "type": "stream.online", "condition": {"broadcaster_user_id": "200"}},
			"event": {"broadcaster_user_id": "200", "started_at": "2026-03-01T11:00:00Z"}
		}
	}`
	duplicate := notification
	keepalive := `{"metadata": {"message_id": "k-1", "message_type": "session_keepalive"}, "payload": {}}`

	srv := frameServer(t, []string{welcomeFrame, keepalive, notification, duplicate})
	next, fatal := h.manager.runSession(wsURL(srv))

	if fatal {
		t.Fatal("session reported fatal exit")
	}
	if next != "" {
		t.Errorf("reconnect url = %q, want none", next)
	}
	if sid := h.manager.SessionID(); sid != "" {
		t.Errorf("session id = %q, want cleared after close", sid)
	}

	// The welcome drove reconcile, which ensured the desired subscription.
	if len(h.up.created) != 1 {
		t.Fatalf("created = %d, want 1", len(h.up.created))
	}
	if got := h.up.created[0].Transport.SessionID; got != "sess-test" {
		t.Errorf("created session = %q, want sess-test", got)
	}

	// The duplicate message id is dropped at the read loop.
	events := h.pub.wsEvents()
	if len(events) != 1 {
		t.Fatalf("delivered %d events, want 1 after dedupe", len(events))
	}
	if events[0].env.Type != "stream.online" {
		t.Errorf("type = %q", events[0].env.Type)
	}
	if events[0].env.ID != "n-1" {
		t.Errorf("envelope id = %q, want upstream message id", events[0].env.ID)
	}
}

func TestRunSessionReconnectFrameReturnsURL(t *testing.T) {
	h := newTestHarness(testConfig())
	h.manager.now = time.Now
	bot := h.seedBot("100")
	service := h.seedService(true)
	h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")

	reconnect := `{
		"metadata": {"message_id": "r-1", "message_type": "session_reconnect"},
		"payload": {"session": {"id": "sess-test", "reconnect_url": "wss://next.example/ws"}}
	}`
	srv := frameServer(t, []string{welcomeFrame, reconnect})
	next, fatal := h.manager.runSession(wsURL(srv))

	if fatal {
		t.Fatal("session reported fatal exit")
	}
	if next != "wss://next.example/ws" {
		t.Errorf("reconnect url = %q", next)
	}
}

func TestRunSessionRevocationMarksRow(t *testing.T) {
	h := newTestHarness(testConfig())
	h.manager.now = time.Now
	bot := h.seedBot("100")
	service := h.seedService(true)
	h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")

	revocation := `{
		"metadata": {"message_id": "rv-1", "message_type": "revocation"},
		"payload": {"subscription": {"id": "sub-1", "status": "authorization_revoked"}}
	}`
	srv := frameServer(t, []string{welcomeFrame, revocation})
	if _, fatal := h.manager.runSession(wsURL(srv)); fatal {
		t.Fatal("session reported fatal exit")
	}

	// Reconcile on welcome created sub-1 for the desired key; the revocation
	// frame must flip its status.
	row, _ := h.store.GetSubscriptionByKey(context.Background(), bot.ID, "stream.online", "200")
	if row == nil {
		t.Fatal("no local subscription row")
	}
	if row.Status != "authorization_revoked" {
		t.Errorf("status = %q, want authorization_revoked", row.Status)
	}
}

func TestShouldRunSessionPredicate(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	service := h.seedService(true)

	if h.manager.shouldRunSession() {
		t.Error("session wanted with no interests")
	}

	// A stream-state interest alone is enough, no cooldown needed.
	interest := h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")
	if !h.manager.shouldRunSession() {
		t.Error("session not wanted despite stream-state interest")
	}

	// A non-stream interest needs a warm consumer.
	h.reg.Remove(toRegistryInterest(interest))
	h.seedInterest(service.ID, bot.ID, "channel.follow", "200", "websocket")
	if h.manager.shouldRunSession() {
		t.Error("session wanted with cold consumers and no stream interest")
	}

	h.store.anyConnected = true
	if !h.manager.shouldRunSession() {
		t.Error("session not wanted with a connected consumer")
	}

	// Recent disconnect keeps the session warm through the cooldown.
	h.store.anyConnected = false
	recent := h.clock.Add(-5 * time.Minute)
	h.store.latestDisconnect = &recent
	if !h.manager.shouldRunSession() {
		t.Error("session not wanted within the disconnect cooldown")
	}

	old := h.clock.Add(-time.Hour)
	h.store.latestDisconnect = &old
	if h.manager.shouldRunSession() {
		t.Error("session wanted after the cooldown elapsed")
	}

	// A future-dated disconnect is clamped to now and counts as warm.
	future := h.clock.Add(time.Hour)
	h.store.latestDisconnect = &future
	if !h.manager.shouldRunSession() {
		t.Error("session not wanted with a future-dated disconnect")
	}
}
