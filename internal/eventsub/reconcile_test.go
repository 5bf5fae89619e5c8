package eventsub

import (
	"context"
	"testing"

	"github.com/streamforge/twitch-bridge/internal/twitch"
)

func wsSub(id, status, eventType, broadcaster, sessionID, connectedAt string) twitch.Subscription {
	return twitch.Subscription{
		ID:        id,
		Status:    status,
		Type:      eventType,
		Condition: map[string]string{"broadcaster_user_id": broadcaster},
		Transport: twitch.Transport{Method: "websocket", SessionID: sessionID, ConnectedAt: connectedAt},
	}
}

func TestPickBestCandidateRanking(t *testing.T) {
	tests := []struct {
		name       string
		candidates []twitch.Subscription
		want       string
	}{
		{
			name: "enabled beats disabled",
			candidates: []twitch.Subscription{
				wsSub("a", "websocket_disconnected", "stream.online", "200", "s1", "2026-03-01T10:00:00Z"),
				wsSub("b", "enabled", "stream.online", "200", "s2", "2026-03-01T09:00:00Z"),
			},
			want: "b",
		},
		{
			name: "newer session wins among enabled",
			candidates: []twitch.Subscription{
				wsSub("a", "enabled", "stream.online", "200", "s1", "2026-03-01T09:00:00Z"),
				wsSub("b", "enabled", "stream.online", "200", "s2", "2026-03-01T10:00:00Z"),
			},
			want: "b",
		},
		{
			name: "unparseable connected_at ranks lowest",
			candidates: []twitch.Subscription{
				wsSub("a", "enabled", "stream.online", "200", "s1", "not-a-time"),
				wsSub("b", "enabled", "stream.online", "200", "s2", "2026-03-01T10:00:00Z"),
			},
			want: "b",
		},
		{
			name: "id breaks full ties",
			candidates: []twitch.Subscription{
				wsSub("a", "enabled", "stream.online", "200", "s1", "2026-03-01T10:00:00Z"),
				wsSub("b", "enabled", "stream.online", "200", "s2", "2026-03-01T10:00:00Z"),
			},
			want: "b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickBestCandidate(tt.candidates); got.ID != tt.want {
				t.Errorf("winner = %q, want %q", got.ID, tt.want)
			}
		})
	}
}

func TestReconcileDeduplicatesAndPrunes(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("200")
	h.manager.setSessionID("sess-b")

	h.up.remote = []twitch.Subscription{
		// Duplicate pair for one key: the sess-b copy must win.
		wsSub("dup-old", "enabled", "stream.online", "200", "sess-a", "2026-03-01T09:00:00Z"),
		wsSub("dup-new", "enabled", "stream.online", "200", "sess-b", "2026-03-01T11:00:00Z"),
		// Dead websocket subscription: deleted upstream, never inserted.
		wsSub("dead", "websocket_disconnected", "stream.offline", "200", "sess-x", "2026-02-28T09:00:00Z"),
		// Unknown broadcaster: no owning bot, left alone.
		wsSub("foreign", "enabled", "stream.online", "999", "sess-b", "2026-03-01T11:00:00Z"),
	}

	if err := h.manager.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if !h.store.truncated {
		t.Error("local subscription table not rebuilt")
	}
	deleted := map[string]bool{}
	for _, id := range h.up.deleted {
		deleted[id] = true
	}
	if !deleted["dup-old"] {
		t.Error("losing duplicate not deleted upstream")
	}
	if !deleted["dead"] {
		t.Error("dead websocket subscription not deleted upstream")
	}
	if deleted["foreign"] {
		t.Error("foreign subscription deleted, want left alone")
	}

	row, _ := h.store.GetSubscriptionByKey(context.Background(), bot.ID, "stream.online", "200")
	if row == nil || row.TwitchSubscriptionID != "dup-new" {
		t.Fatalf("row = %+v, want winner dup-new", row)
	}
	if row.SessionID == nil || *row.SessionID != "sess-b" {
		t.Errorf("row session = %v, want sess-b", row.SessionID)
	}
	if row, _ := h.store.GetSubscriptionByKey(context.Background(), bot.ID, "stream.offline", "200"); row != nil {
		t.Error("dead subscription inserted locally")
	}
}

func TestReconcileRecoversOwnerFromPriorRow(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	h.manager.setSessionID("sess-a")

	// The broadcaster is not a bot; only the prior local row knows the owner.
	h.store.UpsertSubscription(context.Background(), bot.ID, "channel.follow", "500", "s-1", "enabled", nil)
	h.up.remote = []twitch.Subscription{
		wsSub("s-1", "enabled", "channel.follow", "500", "sess-a", "2026-03-01T11:00:00Z"),
	}

	if err := h.manager.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	row, _ := h.store.GetSubscriptionByKey(context.Background(), bot.ID, "channel.follow", "500")
	if row == nil || row.TwitchSubscriptionID != "s-1" {
		t.Fatalf("row = %+v, want re-adopted under prior owner", row)
	}
}

func TestReconcileEnsuresDesiredKeys(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	service := h.seedService(true)
	h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")
	h.manager.setSessionID("sess-a")

	if err := h.manager.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(h.up.created) != 1 {
		t.Fatalf("created = %d, want the desired key ensured", len(h.up.created))
	}
	if got := h.up.created[0].Type; got != "stream.online" {
		t.Errorf("created type = %q", got)
	}
}

func TestReconcileSkipsWebsocketKeysWithoutSession(t *testing.T) {
	h := newTestHarness(testConfig())
	bot := h.seedBot("100")
	service := h.seedService(true)
	h.seedInterest(service.ID, bot.ID, "stream.online", "200", "websocket")

	if err := h.manager.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(h.up.created) != 0 {
		t.Errorf("created = %d, want 0 without a session", len(h.up.created))
	}
}

func TestReconcileTransportMismatchDropped(t *testing.T) {
	cfg := testConfig()
	cfg.TwitchEventSubWebhookCallback = "https://bridge.example/twitch/eventsub"
	cfg.TwitchEventSubWebhookSecret = "super-secret-value"
	h := newTestHarness(cfg)
	bot := h.seedBot("200")

	// Webhook is configured, so a websocket-transport subscription no longer
	// matches the desired transport and must not be inserted.
	h.up.remote = []twitch.Subscription{
		wsSub("ws-old", "enabled", "stream.online", "200", "sess-a", "2026-03-01T11:00:00Z"),
	}

	if err := h.manager.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if row, _ := h.store.GetSubscriptionByKey(context.Background(), bot.ID, "stream.online", "200"); row != nil {
		t.Errorf("row = %+v, want transport mismatch dropped", row)
	}
}

func TestReconcileEnsuresGlobalRevokeWebhook(t *testing.T) {
	cfg := testConfig()
	cfg.TwitchEventSubWebhookCallback = "https://bridge.example/twitch/eventsub"
	cfg.TwitchEventSubWebhookSecret = "super-secret-value"
	h := newTestHarness(cfg)

	if err := h.manager.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	found := false
	for _, created := range h.up.created {
		if created.Type == "user.authorization.revoke" {
			found = true
			if created.Condition["client_id"] != "client-id" {
				t.Errorf("revoke condition = %v", created.Condition)
			}
			if created.Transport.Method != "webhook" {
				t.Errorf("revoke transport = %q", created.Transport.Method)
			}
		}
	}
	if !found {
		t.Error("global authorization revoke webhook not ensured")
	}
}
