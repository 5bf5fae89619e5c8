package eventsub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/streamforge/twitch-bridge/internal/catalog"
	"github.com/streamforge/twitch-bridge/internal/registry"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
	"github.com/streamforge/twitch-bridge/internal/twitch"
)

// ensure outcomes. skip means "nothing to do right now" (no session yet,
// session went stale mid-create); fail carries a consumer-facing reason.
type ensureOutcome int

const (
	ensureOK ensureOutcome = iota
	ensureSkip
	ensureFail
)

type ensureResult struct {
	outcome ensureOutcome
	code    string // missing_scope | insufficient_permissions | unauthorized | subscription_create_failed
	hint    string
	reason  string
}

func ensureFailure(code, hint, reason string) ensureResult {
	return ensureResult{outcome: ensureFail, code: code, hint: hint, reason: reason}
}

// Ensure brings upstream state into conformance for one key: exactly one
// enabled subscription on the chosen transport, bound to a fresh
// token/session. Failures notify interested consumers.
func (m *Manager) Ensure(ctx context.Context, key registry.Key) {
	m.ensureMu.Lock()
	result, transport := m.ensureLocked(ctx, key)
	m.ensureMu.Unlock()

	if result.outcome == ensureFail {
		m.notifySubscriptionFailure(ctx, key, transport, result)
	}
}

func (m *Manager) ensureLocked(ctx context.Context, key registry.Key) (ensureResult, string) {
	transport, _ := catalog.BestTransport(key.EventType, m.cfg.WebhookTransportAvailable())

	sessionSnapshot := ""
	if transport == catalog.TransportWebsocket {
		sessionSnapshot = m.SessionID()
		if sessionSnapshot == "" {
			// The session machine re-ensures on welcome.
			return ensureResult{outcome: ensureSkip}, transport
		}
	}

	local, err := m.store.GetSubscriptionByKey(ctx, key.BotAccountID, key.EventType, key.BroadcasterUserID)
	if err != nil {
		return ensureFailure("subscription_create_failed", "Internal storage error.", err.Error()), transport
	}
	if local != nil && strings.HasPrefix(local.Status, "enabled") {
		switch transport {
		case catalog.TransportWebsocket:
			if local.SessionID != nil && *local.SessionID == sessionSnapshot {
				return ensureResult{outcome: ensureOK}, transport
			}
		case catalog.TransportWebhook:
			if local.SessionID == nil {
				return ensureResult{outcome: ensureOK}, transport
			}
		}
	}

	// A stale row (old session, wrong transport, non-enabled status) is
	// replaced: delete upstream first, missing counts as done.
	if local != nil {
		if err := m.deleteUpstream(ctx, key, local); err != nil {
			return ensureFailure("subscription_create_failed",
				"Could not remove the previous upstream subscription.", err.Error()), transport
		}
		if err := m.store.DeleteSubscriptionByKey(ctx, key.BotAccountID, key.EventType, key.BroadcasterUserID); err != nil {
			return ensureFailure("subscription_create_failed", "Internal storage error.", err.Error()), transport
		}
	}

	bot, err := m.store.GetBotByID(ctx, key.BotAccountID)
	if err != nil {
		return ensureFailure("subscription_create_failed", "Internal storage error.", err.Error()), transport
	}
	if bot == nil || !bot.Enabled {
		return ensureFailure("unauthorized",
			"Re-authorize the bot account.",
			"bot account is missing or disabled"), transport
	}

	condition := map[string]string{"broadcaster_user_id": key.BroadcasterUserID}
	if catalog.RequiresConditionUserID(key.EventType) {
		condition["user_id"] = bot.TwitchUserID
	}

	if result := m.checkScopes(ctx, key, bot); result.outcome == ensureFail {
		return result, transport
	}

	var descriptor twitch.Transport
	accessToken := ""
	switch transport {
	case catalog.TransportWebhook:
		descriptor = twitch.Transport{
			Method:   catalog.TransportWebhook,
			Callback: m.cfg.TwitchEventSubWebhookCallback,
			Secret:   m.cfg.TwitchEventSubWebhookSecret,
		}
	case catalog.TransportWebsocket:
		descriptor = twitch.Transport{
			Method:    catalog.TransportWebsocket,
			SessionID: sessionSnapshot,
		}
		accessToken, err = m.botUserToken(ctx, bot)
		if err != nil {
			return ensureFailure("unauthorized",
				"Re-authorize the bot account.", err.Error()), transport
		}
	}

	version := catalog.PreferredVersion(key.EventType)
	created, err := m.up.CreateEventSubSubscription(ctx, key.EventType, version, condition, descriptor, accessToken)
	if err != nil {
		switch {
		case twitch.IsConflict(err):
			// Another process won the race. Adopt the existing one.
			if adopted := m.adoptExisting(ctx, key, condition, descriptor, accessToken); adopted != nil {
				created = adopted
			} else {
				return ensureFailure("subscription_create_failed",
					"Upstream reports a conflicting subscription that could not be located.",
					err.Error()), transport
			}
		case twitch.IsStaleSession(err):
			m.clearSessionIf(sessionSnapshot)
			return ensureResult{outcome: ensureSkip}, transport
		case twitch.IsUnauthorized(err):
			code := "unauthorized"
			var apiErr *twitch.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
				code = "insufficient_permissions"
			}
			return ensureFailure(code,
				"Check the bot token and its granted scopes.", err.Error()), transport
		default:
			return ensureFailure("subscription_create_failed",
				"Upstream subscription create failed.", err.Error()), transport
		}
	}

	var sessionID *string
	if transport == catalog.TransportWebsocket {
		sessionID = &sessionSnapshot
	}
	if err := m.store.UpsertSubscription(ctx, key.BotAccountID, key.EventType, key.BroadcasterUserID,
		created.ID, created.Status, sessionID); err != nil {
		return ensureFailure("subscription_create_failed", "Internal storage error.", err.Error()), transport
	}

	m.logger.Info("subscription ensured",
		slog.String("event_type", key.EventType),
		slog.String("broadcaster_user_id", key.BroadcasterUserID),
		slog.String("transport", transport),
		slog.String("twitch_subscription_id", created.ID))
	return ensureResult{outcome: ensureOK}, transport
}

// checkScopes enforces the catalog's required scope groups: the bot's own
// token when subscribing to the bot's channel, a broadcaster authorization
// otherwise.
func (m *Manager) checkScopes(ctx context.Context, key registry.Key, bot *pg.BotAccount) ensureResult {
	groups := catalog.RequiredScopeGroups(key.EventType)
	if len(groups) == 0 {
		return ensureResult{outcome: ensureOK}
	}
	needed := describeScopeGroups(groups)

	if key.BroadcasterUserID == bot.TwitchUserID {
		token, err := m.botUserToken(ctx, bot)
		if err != nil {
			return ensureFailure("unauthorized", "Re-authorize the bot account.", err.Error())
		}
		validation, err := m.up.ValidateUserToken(ctx, token)
		if err != nil {
			return ensureFailure("unauthorized", "Re-authorize the bot account.", err.Error())
		}
		if !catalog.ScopesSatisfy(validation.Scopes, groups) {
			return ensureFailure("missing_scope",
				"Re-authorize the bot with the required scopes.",
				"bot token missing required scopes: "+needed)
		}
		return ensureResult{outcome: ensureOK}
	}

	auths, err := m.store.ListBroadcasterAuthorizations(ctx, key.BotAccountID, key.BroadcasterUserID)
	if err != nil {
		return ensureFailure("subscription_create_failed", "Internal storage error.", err.Error())
	}
	for _, auth := range auths {
		granted := strings.Split(auth.Scopes, ",")
		if catalog.ScopesSatisfy(granted, groups) {
			return ensureResult{outcome: ensureOK}
		}
	}
	return ensureFailure("missing_scope",
		"The broadcaster must authorize the bot with the required scopes.",
		"no broadcaster authorization satisfies required scopes: "+needed)
}

func describeScopeGroups(groups [][]string) string {
	parts := make([]string, 0, len(groups))
	for _, group := range groups {
		parts = append(parts, strings.Join(group, "|"))
	}
	return strings.Join(parts, " and ")
}

// adoptExisting locates the upstream subscription a 409 points at. Compare
// errors stay soft: a nil return falls through to the generic failure.
func (m *Manager) adoptExisting(ctx context.Context, key registry.Key, condition map[string]string, descriptor twitch.Transport, accessToken string) *twitch.Subscription {
	subs, err := m.up.ListEventSubSubscriptions(ctx, accessToken)
	if err != nil {
		m.logger.Warn("conflict compare listing failed", slog.String("error", err.Error()))
		return nil
	}
	for i := range subs {
		sub := &subs[i]
		if sub.Type != key.EventType {
			continue
		}
		if sub.Transport.Method != descriptor.Method {
			continue
		}
		if descriptor.Method == catalog.TransportWebsocket && sub.Transport.SessionID != descriptor.SessionID {
			continue
		}
		if !conditionsMatch(sub.Condition, condition) {
			continue
		}
		return sub
	}
	return nil
}

func conditionsMatch(got, want map[string]string) bool {
	for field, value := range want {
		if got[field] != value {
			return false
		}
	}
	return true
}
