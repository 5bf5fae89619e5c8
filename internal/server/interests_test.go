package server

import (
	"context"
	"net/http"
	"testing"
)

func TestCreateInterestUnknownEventType(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")

	rec := h.request(t, http.MethodPost, "/v1/interests", map[string]any{
		"bot_account_id":      bot.ID.String(),
		"event_type":          "channel.definitely_not_real",
		"broadcaster_user_id": "123456",
	}, serviceHeaders(service))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateInterestWebhookRequiresURL(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")

	rec := h.request(t, http.MethodPost, "/v1/interests", map[string]any{
		"bot_account_id":      bot.ID.String(),
		"event_type":          "stream.online",
		"broadcaster_user_id": "123456",
		"transport":           "webhook",
	}, serviceHeaders(service))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateInterestUnknownBot(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")

	rec := h.request(t, http.MethodPost, "/v1/interests", map[string]any{
		"bot_account_id":      "2f8c9a31-54d1-4a8f-a6f2-0de0cbf9a111",
		"event_type":          "stream.online",
		"broadcaster_user_id": "123456",
	}, serviceHeaders(service))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateInterestDisabledBot(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")
	h.store.bots[bot.ID].Enabled = false

	rec := h.request(t, http.MethodPost, "/v1/interests", map[string]any{
		"bot_account_id":      bot.ID.String(),
		"event_type":          "stream.online",
		"broadcaster_user_id": "123456",
	}, serviceHeaders(service))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateInterestBotNotGranted(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")
	other := h.seedBot(t, "otherbot", "900200")
	// Granting any bot puts the service on the restricted path.
	if err := h.store.GrantBotAccess(context.Background(), service.ID, other.ID); err != nil {
		t.Fatal(err)
	}

	rec := h.request(t, http.MethodPost, "/v1/interests", map[string]any{
		"bot_account_id":      bot.ID.String(),
		"event_type":          "stream.online",
		"broadcaster_user_id": "123456",
	}, serviceHeaders(service))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateInterestAddsDefaultStreamInterests(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")

	rec := h.request(t, http.MethodPost, "/v1/interests", map[string]any{
		"bot_account_id":      bot.ID.String(),
		"event_type":          "channel.follow",
		"broadcaster_user_id": "123456",
	}, serviceHeaders(service))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	out := decodeJSON(t, rec)
	if out["event_type"] != "channel.follow" {
		t.Fatalf("event_type = %v, want channel.follow", out["event_type"])
	}

	types := make(map[string]bool)
	h.store.mu.Lock()
	for _, interest := range h.store.interests {
		types[interest.EventType] = true
	}
	h.store.mu.Unlock()
	for _, want := range []string{"channel.follow", "stream.online", "stream.offline"} {
		if !types[want] {
			t.Fatalf("missing interest for %s, have %v", want, types)
		}
	}
	if len(h.life.added) != 3 {
		t.Fatalf("lifecycle notified %d times, want 3", len(h.life.added))
	}
}

func TestCreateInterestIdempotent(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")

	body := map[string]any{
		"bot_account_id":      bot.ID.String(),
		"event_type":          "stream.online",
		"broadcaster_user_id": "123456",
	}
	first := h.request(t, http.MethodPost, "/v1/interests", body, serviceHeaders(service))
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.Code)
	}
	second := h.request(t, http.MethodPost, "/v1/interests", body, serviceHeaders(service))
	if second.Code != http.StatusCreated {
		t.Fatalf("second status = %d, want 201", second.Code)
	}
	if decodeJSON(t, first)["id"] != decodeJSON(t, second)["id"] {
		t.Fatal("re-creating the same interest should return the existing row")
	}
	if len(h.life.added) != 2 {
		t.Fatalf("lifecycle notified %d times, want 2 (online + offline)", len(h.life.added))
	}
}

func TestCreateInterestResolvesLogin(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")
	h.life.logins["somestreamer"] = "424242"

	rec := h.request(t, http.MethodPost, "/v1/interests", map[string]any{
		"bot_account_id":      bot.ID.String(),
		"event_type":          "stream.online",
		"broadcaster_user_id": "@SomeStreamer",
	}, serviceHeaders(service))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if got := decodeJSON(t, rec)["broadcaster_user_id"]; got != "424242" {
		t.Fatalf("broadcaster = %v, want 424242", got)
	}
	if len(h.store.interestMerges) != 1 || h.store.interestMerges[0] != [2]string{"somestreamer", "424242"} {
		t.Fatalf("interest merges = %v", h.store.interestMerges)
	}
	if len(h.store.channelMerges) != 1 {
		t.Fatalf("channel merges = %v", h.store.channelMerges)
	}
}

func TestCreateInterestUnknownLogin(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")

	rec := h.request(t, http.MethodPost, "/v1/interests", map[string]any{
		"bot_account_id":      bot.ID.String(),
		"event_type":          "stream.online",
		"broadcaster_user_id": "nobody_here",
	}, serviceHeaders(service))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteInterestEnforcesOwnership(t *testing.T) {
	h := newServerHarness(t, nil)
	owner := h.seedService(t, "owner")
	intruder := h.seedService(t, "intruder")
	bot := h.seedBot(t, "botty", "900100")
	interest := h.seedInterest(t, owner, bot, "stream.online", "123456")

	rec := h.request(t, http.MethodDelete, "/v1/interests/"+interest.ID.String(), nil, serviceHeaders(intruder))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign delete status = %d, want 404", rec.Code)
	}

	rec = h.request(t, http.MethodDelete, "/v1/interests/"+interest.ID.String(), nil, serviceHeaders(owner))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("owner delete status = %d, want 204: %s", rec.Code, rec.Body.String())
	}
	if len(h.life.removed) != 1 {
		t.Fatalf("lifecycle removals = %d, want 1", len(h.life.removed))
	}
	if h.life.removed[0].stillUsed {
		t.Fatal("sole interest removal should report the key unused")
	}
}

func TestDeleteInterestSharedKeyStillUsed(t *testing.T) {
	h := newServerHarness(t, nil)
	first := h.seedService(t, "first")
	second := h.seedService(t, "second")
	bot := h.seedBot(t, "botty", "900100")
	mine := h.seedInterest(t, first, bot, "stream.online", "123456")
	h.seedInterest(t, second, bot, "stream.online", "123456")

	rec := h.request(t, http.MethodDelete, "/v1/interests/"+mine.ID.String(), nil, serviceHeaders(first))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(h.life.removed) != 1 || !h.life.removed[0].stillUsed {
		t.Fatalf("removal should report the key still in use: %+v", h.life.removed)
	}
}

func TestInterestHeartbeat(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")
	interest := h.seedInterest(t, service, bot, "stream.online", "123456")

	rec := h.request(t, http.MethodPost, "/v1/interests/"+interest.ID.String()+"/heartbeat", nil, serviceHeaders(service))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", rec.Code, rec.Body.String())
	}
	if len(h.store.heartbeatInterests) != 1 || h.store.heartbeatInterests[0] != interest.ID {
		t.Fatalf("heartbeats = %v", h.store.heartbeatInterests)
	}
}

func TestServiceHeartbeatTouchesAll(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")
	h.seedInterest(t, service, bot, "stream.online", "123456")
	h.seedInterest(t, service, bot, "stream.offline", "123456")

	rec := h.request(t, http.MethodPost, "/v1/interests/heartbeat", nil, serviceHeaders(service))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := decodeJSON(t, rec)["touched"]; got != float64(2) {
		t.Fatalf("touched = %v, want 2", got)
	}
}

func TestServiceHeartbeatScopedToKeyGroup(t *testing.T) {
	h := newServerHarness(t, nil)
	service := h.seedService(t, "svc")
	bot := h.seedBot(t, "botty", "900100")
	h.seedInterest(t, service, bot, "stream.online", "123456")
	h.seedInterest(t, service, bot, "channel.follow", "123456")
	h.seedInterest(t, service, bot, "stream.online", "777777")

	rec := h.request(t, http.MethodPost, "/v1/interests/heartbeat", map[string]any{
		"bot_account_id":      bot.ID.String(),
		"broadcaster_user_id": "123456",
	}, serviceHeaders(service))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := decodeJSON(t, rec)["touched"]; got != float64(2) {
		t.Fatalf("touched = %v, want 2", got)
	}

	rec = h.request(t, http.MethodPost, "/v1/interests/heartbeat", map[string]any{
		"bot_account_id": bot.ID.String(),
	}, serviceHeaders(service))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("partial scope status = %d, want 422", rec.Code)
	}
}
