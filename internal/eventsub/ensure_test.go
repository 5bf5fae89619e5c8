package eventsub

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/streamforge/twitch-bridge/internal/registry"
	"github.com/streamforge/twitch-bridge/internal/twitch"
)

func TestEnsureCreatesWebsocketSubscription(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	service := h.seedService(true)
	h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")
	h.manager.setSessionID("sess-a")

	key := registry.Key{BotAccountID: bot.ID, EventType: "stream.online", BroadcasterUserID: "200"}
	h.manager.Ensure(context.Background(), key)

	if len(h.up.created) != 1 {
		t.Fatalf("created = %d, want 1", len(h.up.created))
	}
	created := h.up.created[0]
	if created.Transport.Method != "websocket" || created.Transport.SessionID != "sess-a" {
		t.Errorf("transport = %+v, want websocket on sess-a", created.Transport)
	}
	if created.Condition["broadcaster_user_id"] != "200" {
		t.Errorf("condition = %v", created.Condition)
	}

	row, _ := h.store.GetSubscriptionByKey(context.Background(), bot.ID, "stream.online", "200")
	if row == nil {
		t.Fatal("no local subscription row")
	}
	if row.SessionID == nil || *row.SessionID != "sess-a" {
		t.Errorf("row session = %v, want sess-a", row.SessionID)
	}
	if row.Status != "enabled" {
		t.Errorf("row status = %q", row.Status)
	}
}

func TestEnsureChatSubscriptionCarriesBotUserID(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	h.manager.setSessionID("sess-a")

	key := registry.Key{BotAccountID: bot.ID, EventType: "channel.chat.message", BroadcasterUserID: bot.TwitchUserID}
	h.manager.Ensure(context.Background(), key)

	if len(h.up.created) != 1 {
		t.Fatalf("created = %d, want 1", len(h.up.created))
	}
	if got := h.up.created[0].Condition["user_id"]; got != "100" {
		t.Errorf("condition user_id = %q, want 100", got)
	}
}

func TestEnsureSkipsWithoutSession(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")

	key := registry.Key{BotAccountID: bot.ID, EventType: "stream.online", BroadcasterUserID: "200"}
	h.manager.Ensure(context.Background(), key)

	if len(h.up.created) != 0 {
		t.Errorf("created = %d, want 0", len(h.up.created))
	}
	if events := h.pub.wsEvents(); len(events) != 0 {
		t.Errorf("published %d events, want 0", len(events))
	}
}

func TestEnsureRotatesRowBoundToOldSession(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	oldSession := "sess-old"
	h.store.UpsertSubscription(context.Background(), bot.ID, "stream.online", "200", "s-old", "enabled", &oldSession)
	h.up.remote = []twitch.Subscription{{
		ID: "s-old", Status: "enabled", Type: "stream.online",
		Condition: map[string]string{"broadcaster_user_id": "200"},
		Transport: twitch.Transport{Method: "websocket", SessionID: oldSession},
	}}
	h.manager.setSessionID("sess-b")

	key := registry.Key{BotAccountID: bot.ID, EventType: "stream.online", BroadcasterUserID: "200"}
	h.manager.Ensure(context.Background(), key)

	if len(h.up.deleted) != 1 || h.up.deleted[0] != "s-old" {
		t.Errorf("deleted = %v, want [s-old]", h.up.deleted)
	}
	row, _ := h.store.GetSubscriptionByKey(context.Background(), bot.ID, "stream.online", "200")
	if row == nil || row.SessionID == nil || *row.SessionID != "sess-b" {
		t.Fatalf("row = %+v, want bound to sess-b", row)
	}
	if row.TwitchSubscriptionID == "s-old" {
		t.Error("row still references the rotated upstream subscription")
	}
}

func TestEnsureMissingScopeNotifiesConsumers(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	service := h.seedService(true)
	h.seedInterest(service.ID, bot.ID, "channel.poll.begin", "200", "websocket")
	h.manager.setSessionID("sess-a")

	key := registry.Key{BotAccountID: bot.ID, EventType: "channel.poll.begin", BroadcasterUserID: "200"}
	h.manager.Ensure(context.Background(), key)

	if len(h.up.created) != 0 {
		t.Fatalf("created = %d, want 0", len(h.up.created))
	}
	events := h.pub.wsEvents()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	env := events[0].env
	if env.Type != "subscription.error" {
		t.Errorf("type = %q", env.Type)
	}
	if env.Provider != "twitch-service" {
		t.Errorf("provider = %q", env.Provider)
	}
	event, ok := env.Event.(map[string]any)
	if !ok {
		t.Fatalf("event = %T", env.Event)
	}
	if event["error_code"] != "missing_scope" {
		t.Errorf("error_code = %v", event["error_code"])
	}
}

func TestEnsureFailureNoticeSkipsDisabledConsumers(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	enabled := h.seedService(true)
	disabled := h.seedService(false)
	h.seedInterest(enabled.ID, bot.ID, "channel.poll.begin", "200", "websocket")
	h.seedInterest(disabled.ID, bot.ID, "channel.poll.begin", "200", "websocket")
	h.manager.setSessionID("sess-a")

	key := registry.Key{BotAccountID: bot.ID, EventType: "channel.poll.begin", BroadcasterUserID: "200"}
	h.manager.Ensure(context.Background(), key)

	events := h.pub.wsEvents()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	if events[0].serviceID != enabled.ID.String() {
		t.Errorf("notice went to %s, want the enabled consumer %s", events[0].serviceID, enabled.ID)
	}
}

func TestEnsureScopeSatisfiedByBroadcasterAuthorization(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	h.store.auths = append(h.store.auths, broadcasterAuth(bot, "200", "channel:read:polls,bits:read"))
	h.manager.setSessionID("sess-a")

	key := registry.Key{BotAccountID: bot.ID, EventType: "channel.poll.begin", BroadcasterUserID: "200"}
	h.manager.Ensure(context.Background(), key)

	if len(h.up.created) != 1 {
		t.Fatalf("created = %d, want 1", len(h.up.created))
	}
}

func TestEnsureAdoptsExistingOnConflict(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	h.manager.setSessionID("sess-a")
	h.up.createErr = &twitch.APIError{StatusCode: http.StatusConflict, Body: "subscription already exists"}
	h.up.remote = []twitch.Subscription{{
		ID: "s-existing", Status: "enabled", Type: "stream.online",
		Condition: map[string]string{"broadcaster_user_id": "200"},
		Transport: twitch.Transport{Method: "websocket", SessionID: "sess-a"},
	}}

	key := registry.Key{BotAccountID: bot.ID, EventType: "stream.online", BroadcasterUserID: "200"}
	h.manager.Ensure(context.Background(), key)

	row, _ := h.store.GetSubscriptionByKey(context.Background(), bot.ID, "stream.online", "200")
	if row == nil || row.TwitchSubscriptionID != "s-existing" {
		t.Fatalf("row = %+v, want adopted s-existing", row)
	}
	if events := h.pub.wsEvents(); len(events) != 0 {
		t.Errorf("published %d failure events, want 0", len(events))
	}
}

func TestEnsureStaleSessionClearsAndSkips(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	service := h.seedService(true)
	h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")
	h.manager.setSessionID("sess-a")
	h.up.createErr = &twitch.APIError{StatusCode: http.StatusBadRequest, Body: "websocket session does not exist"}

	key := registry.Key{BotAccountID: bot.ID, EventType: "stream.online", BroadcasterUserID: "200"}
	h.manager.Ensure(context.Background(), key)

	if sid := h.manager.SessionID(); sid != "" {
		t.Errorf("session id = %q, want cleared", sid)
	}
	if events := h.pub.wsEvents(); len(events) != 0 {
		t.Errorf("published %d failure events, want 0", len(events))
	}
}

func TestEnsureUnauthorizedCodes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode string
	}{
		{"bad token", http.StatusUnauthorized, "unauthorized"},
		{"forbidden", http.StatusForbidden, "insufficient_permissions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(testConfig())
			bot := h.seedBot("100")
			service := h.seedService(true)
			h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")
			h.manager.setSessionID("sess-a")
			h.up.createErr = &twitch.APIError{StatusCode: tt.status, Body: "nope"}

			key := registry.Key{BotAccountID: bot.ID, EventType: "stream.online", BroadcasterUserID: "200"}
			h.manager.Ensure(context.Background(), key)

			events := h.pub.wsEvents()
			if len(events) != 1 {
				t.Fatalf("published %d events, want 1", len(events))
			}
			event := events[0].env.Event.(map[string]any)
			if event["error_code"] != tt.wantCode {
				t.Errorf("error_code = %v, want %q", event["error_code"], tt.wantCode)
			}
		})
	}
}

func TestEnsureDisabledBotFails(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	bot.Enabled = false
	service := h.seedService(true)
	h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")
	h.manager.setSessionID("sess-a")

	key := registry.Key{BotAccountID: bot.ID, EventType: "stream.online", BroadcasterUserID: "200"}
	h.manager.Ensure(context.Background(), key)

	events := h.pub.wsEvents()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	event := events[0].env.Event.(map[string]any)
	if event["error_code"] != "unauthorized" {
		t.Errorf("error_code = %v, want unauthorized", event["error_code"])
	}
}

func TestFailureNotificationThrottled(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	service := h.seedService(true)
	h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")
	h.manager.setSessionID("sess-a")
	h.up.createErr = &twitch.APIError{StatusCode: http.StatusInternalServerError, Body: "boom"}

	key := registry.Key{BotAccountID: bot.ID, EventType: "stream.online", BroadcasterUserID: "200"}
	h.manager.Ensure(context.Background(), key)
	h.manager.Ensure(context.Background(), key)
	if got := len(h.pub.wsEvents()); got != 1 {
		t.Fatalf("published %d events within cooldown, want 1", got)
	}

	h.advance(2 * time.Minute)
	h.manager.Ensure(context.Background(), key)
	if got := len(h.pub.wsEvents()); got != 2 {
		t.Errorf("published %d events after cooldown, want 2", got)
	}
}

func TestBotUserTokenRefreshesNearExpiry(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	bot.TokenExpiresAt = h.clock.Add(30 * time.Second)

	token, err := h.manager.botUserToken(context.Background(), bot)
	if err != nil {
		t.Fatalf("botUserToken: %v", err)
	}
	if token != "refreshed-refresh-token" {
		t.Errorf("token = %q, want refreshed", token)
	}
	if h.up.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", h.up.refreshCalls)
	}
	stored := h.store.bots[bot.ID]
	if stored.AccessToken != "refreshed-refresh-token" {
		t.Errorf("stored token = %q, want persisted refresh", stored.AccessToken)
	}
}
