package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/streamforge/twitch-bridge/internal/catalog"
	"github.com/streamforge/twitch-bridge/internal/registry"
	"github.com/streamforge/twitch-bridge/internal/twitch"
)

// Reconcile synchronizes the local subscription table with upstream state:
// unknown and dead subscriptions are dropped, duplicates deduplicated, and
// every desired subscription ensured. Serialized against concurrent ensure
// calls.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.ensureMu.Lock()
	defer m.ensureMu.Unlock()
	return m.reconcileLocked(ctx)
}

func (m *Manager) reconcileLocked(ctx context.Context) error {
	upstream, err := m.listAllUpstream(ctx)
	if err != nil {
		return fmt.Errorf("reconcile listing: %w", err)
	}

	// Prior owners survive the truncate so subscriptions whose condition no
	// longer identifies the bot still map back.
	priorOwner := make(map[string]uuid.UUID)
	if local, err := m.store.ListSubscriptions(ctx); err == nil {
		for _, sub := range local {
			priorOwner[sub.TwitchSubscriptionID] = sub.BotAccountID
		}
	}

	if err := m.store.TruncateSubscriptions(ctx); err != nil {
		return fmt.Errorf("reconcile truncate: %w", err)
	}

	webhookAvailable := m.cfg.WebhookTransportAvailable()
	kept := make(map[registry.Key][]twitch.Subscription)
	botByKey := make(map[registry.Key]uuid.UUID)

	for _, sub := range upstream {
		broadcaster := sub.Condition["broadcaster_user_id"]
		if broadcaster == "" {
			continue
		}
		botID, ok := m.resolveReconcileBot(ctx, sub, priorOwner, broadcaster)
		if !ok {
			continue
		}

		desired, _ := catalog.BestTransport(sub.Type, webhookAvailable)
		if sub.Transport.Method != desired {
			continue
		}

		// A websocket subscription that is not enabled is bound to a dead
		// session and can never recover.
		if sub.Transport.Method == catalog.TransportWebsocket && !strings.HasPrefix(sub.Status, "enabled") {
			if err := m.up.DeleteEventSubSubscription(ctx, sub.ID, ""); err != nil && !twitch.IsNotFound(err) {
				m.logger.Warn("dead subscription delete failed",
					slog.String("twitch_subscription_id", sub.ID),
					slog.String("error", err.Error()))
			}
			continue
		}

		key := registry.Key{BotAccountID: botID, EventType: sub.Type, BroadcasterUserID: broadcaster}
		kept[key] = append(kept[key], sub)
		botByKey[key] = botID
	}

	inserted := 0
	for key, candidates := range kept {
		winner := pickBestCandidate(candidates)
		for _, sub := range candidates {
			if sub.ID == winner.ID {
				continue
			}
			if err := m.up.DeleteEventSubSubscription(ctx, sub.ID, ""); err != nil && !twitch.IsNotFound(err) {
				m.logger.Warn("duplicate subscription delete failed",
					slog.String("twitch_subscription_id", sub.ID),
					slog.String("error", err.Error()))
			}
		}

		var sessionID *string
		if winner.Transport.Method == catalog.TransportWebsocket && winner.Transport.SessionID != "" {
			sid := winner.Transport.SessionID
			sessionID = &sid
		}
		if err := m.store.UpsertSubscription(ctx, botByKey[key], key.EventType, key.BroadcasterUserID,
			winner.ID, winner.Status, sessionID); err != nil {
			m.logger.LogError(ctx, err, "reconcile upsert failed",
				slog.String("twitch_subscription_id", winner.ID))
			continue
		}
		inserted++
	}

	m.logger.Info("reconcile complete",
		slog.Int("upstream", len(upstream)),
		slog.Int("kept", inserted))

	m.ensureRevokeWebhookLocked(ctx)
	m.ensureDesiredLocked(ctx)

	if err := m.refreshChannelLivenessLocked(ctx); err != nil {
		m.logger.LogError(ctx, err, "liveness refresh after reconcile failed")
	}
	return nil
}

// resolveReconcileBot maps an upstream subscription to a known bot: chat
// condition user first, then the prior owner, then the broadcaster itself.
func (m *Manager) resolveReconcileBot(ctx context.Context, sub twitch.Subscription, priorOwner map[string]uuid.UUID, broadcaster string) (uuid.UUID, bool) {
	if strings.HasPrefix(sub.Type, "channel.chat.") {
		if conditionUser := sub.Condition["user_id"]; conditionUser != "" {
			if bot, err := m.store.GetBotByTwitchUserID(ctx, conditionUser); err == nil && bot != nil {
				return bot.ID, true
			}
		}
	}
	if botID, ok := priorOwner[sub.ID]; ok {
		if bot, err := m.store.GetBotByID(ctx, botID); err == nil && bot != nil {
			return bot.ID, true
		}
	}
	if bot, err := m.store.GetBotByTwitchUserID(ctx, broadcaster); err == nil && bot != nil {
		return bot.ID, true
	}
	return uuid.Nil, false
}

// pickBestCandidate ranks duplicates: enabled status first, then the most
// recently connected session, then the upstream ID as a stable tiebreak.
// connected_at strings that fail to parse rank lowest.
func pickBestCandidate(candidates []twitch.Subscription) twitch.Subscription {
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidateRanksHigher(candidate, best) {
			best = candidate
		}
	}
	return best
}

func candidateRanksHigher(a, b twitch.Subscription) bool {
	aEnabled := strings.HasPrefix(a.Status, "enabled")
	bEnabled := strings.HasPrefix(b.Status, "enabled")
	if aEnabled != bEnabled {
		return aEnabled
	}

	aTime, aOK := parseConnectedAt(a.Transport.ConnectedAt)
	bTime, bOK := parseConnectedAt(b.Transport.ConnectedAt)
	if aOK != bOK {
		return aOK
	}
	if aOK && !aTime.Equal(bTime) {
		return aTime.After(bTime)
	}
	return a.ID > b.ID
}

func parseConnectedAt(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// ensureRevokeWebhookLocked keeps the global user.authorization.revoke
// webhook alive so revokes disable bots even with no consumer interested.
func (m *Manager) ensureRevokeWebhookLocked(ctx context.Context) {
	if !m.cfg.WebhookTransportAvailable() {
		return
	}
	_, err := m.up.CreateEventSubSubscription(ctx, "user.authorization.revoke", "1",
		map[string]string{"client_id": m.cfg.TwitchClientID},
		twitch.Transport{
			Method:   catalog.TransportWebhook,
			Callback: m.cfg.TwitchEventSubWebhookCallback,
			Secret:   m.cfg.TwitchEventSubWebhookSecret,
		}, "")
	if err != nil && !twitch.IsConflict(err) {
		m.logger.Warn("authorization revoke webhook ensure failed",
			slog.String("error", err.Error()))
	}
}

// ensureDesiredLocked ensures every registered key on its preferred
// transport: webhook keys always, websocket keys only when a session is up.
func (m *Manager) ensureDesiredLocked(ctx context.Context) {
	webhookAvailable := m.cfg.WebhookTransportAvailable()
	sessionUp := m.SessionID() != ""

	keys := m.reg.Keys()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EventType != keys[j].EventType {
			return keys[i].EventType < keys[j].EventType
		}
		return keys[i].BroadcasterUserID < keys[j].BroadcasterUserID
	})

	for _, key := range keys {
		transport, _ := catalog.BestTransport(key.EventType, webhookAvailable)
		if transport == catalog.TransportWebsocket && !sessionUp {
			continue
		}
		result, usedTransport := m.ensureLocked(ctx, key)
		if result.outcome == ensureFail {
			m.notifySubscriptionFailure(ctx, key, usedTransport, result)
		}
	}
}
