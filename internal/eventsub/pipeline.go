package eventsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/streamforge/twitch-bridge/internal/hub"
	"github.com/streamforge/twitch-bridge/internal/metrics"
	"github.com/streamforge/twitch-bridge/internal/redact"
	"github.com/streamforge/twitch-bridge/internal/registry"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
)

type notificationPayload struct {
	Subscription struct {
		ID        string            `json:"id"`
		Type      string            `json:"type"`
		Condition map[string]string `json:"condition"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type eventFields struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	UserID            string `json:"user_id"`
	StartedAt         string `json:"started_at"`
}

// HandleNotification is the single entry point for upstream notifications
// from both transports. Dedupe happens at the ingress boundaries, not here.
func (m *Manager) HandleNotification(ctx context.Context, payload []byte, messageID, incomingTransport string) {
	metrics.NotificationsReceived.WithLabelValues(incomingTransport).Inc()

	var parsed notificationPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		m.logger.Warn("unparseable notification dropped",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()))
		return
	}
	eventType := strings.ToLower(strings.TrimSpace(parsed.Subscription.Type))

	var fields eventFields
	if len(parsed.Event) > 0 {
		_ = json.Unmarshal(parsed.Event, &fields)
	}

	// An authorization revoke kills the bot: disable it, wipe its tokens.
	if eventType == "user.authorization.revoke" {
		m.handleAuthorizationRevoke(ctx, fields.UserID)
		return
	}

	broadcaster := fields.BroadcasterUserID
	if eventType == "" || broadcaster == "" {
		m.logger.Debug("notification without routable fields dropped",
			slog.String("message_id", messageID),
			slog.String("event_type", eventType))
		return
	}

	bot := m.resolveBot(ctx, parsed, eventType, broadcaster)
	if bot == nil {
		m.logger.Debug("notification for unknown bot dropped",
			slog.String("event_type", eventType),
			slog.String("broadcaster_user_id", broadcaster))
		return
	}

	key := registry.Key{BotAccountID: bot.ID, EventType: eventType, BroadcasterUserID: broadcaster}
	interests := m.activeInterests(ctx, key)

	if len(interests) > 0 {
		m.writeIncomingTraces(interests, incomingTransport, eventType, payload)
	}

	env := hub.NewEnvelope(messageID, eventType, parsed.Event)
	if strings.HasPrefix(eventType, "channel.chat.") {
		if enrichment := m.assets.EnrichChatEvent(ctx, broadcaster, parsed.Event); len(enrichment) > 0 {
			env.TwitchChatAssets = enrichment
		}
	}

	switch eventType {
	case "stream.online":
		startedAt := parseEventTime(fields.StartedAt)
		if err := m.store.SetChannelLive(ctx, bot.ID, broadcaster, startedAt); err != nil {
			m.logger.LogError(ctx, err, "channel state update failed")
		}
	case "stream.offline":
		if err := m.store.SetChannelOffline(ctx, bot.ID, broadcaster); err != nil {
			m.logger.LogError(ctx, err, "channel state update failed")
		}
	}

	for _, interest := range interests {
		m.deliver(ctx, interest, env)
	}
}

func (m *Manager) handleAuthorizationRevoke(ctx context.Context, twitchUserID string) {
	if twitchUserID == "" {
		return
	}
	bot, err := m.store.GetBotByTwitchUserID(ctx, twitchUserID)
	if err != nil || bot == nil {
		return
	}
	if err := m.store.DisableBotAndClearTokens(ctx, bot.ID); err != nil {
		m.logger.LogError(ctx, err, "disabling revoked bot failed", slog.String("bot", bot.Name))
		return
	}
	m.logger.Warn("bot authorization revoked, bot disabled",
		slog.String("bot", bot.Name),
		slog.String("twitch_user_id", twitchUserID))
}

// resolveBot picks the owning bot: the local subscription row wins, then the
// chat condition user, then the broadcaster itself.
func (m *Manager) resolveBot(ctx context.Context, parsed notificationPayload, eventType, broadcaster string) *pg.BotAccount {
	if parsed.Subscription.ID != "" {
		if sub, err := m.store.GetSubscriptionByTwitchID(ctx, parsed.Subscription.ID); err == nil && sub != nil {
			if bot, err := m.store.GetBotByID(ctx, sub.BotAccountID); err == nil && bot != nil {
				return bot
			}
		}
	}
	if strings.HasPrefix(eventType, "channel.chat.") {
		if conditionUser := parsed.Subscription.Condition["user_id"]; conditionUser != "" {
			if bot, err := m.store.GetBotByTwitchUserID(ctx, conditionUser); err == nil && bot != nil {
				return bot
			}
		}
	}
	if bot, err := m.store.GetBotByTwitchUserID(ctx, broadcaster); err == nil && bot != nil {
		return bot
	}
	return nil
}

// activeInterests returns the interests for the key whose owning consumer is
// still enabled.
func (m *Manager) activeInterests(ctx context.Context, key registry.Key) []registry.Interest {
	interests := m.reg.Interested(key)
	if len(interests) == 0 {
		return nil
	}

	enabled := make(map[uuid.UUID]bool)
	out := make([]registry.Interest, 0, len(interests))
	for _, interest := range interests {
		isEnabled, checked := enabled[interest.ServiceID]
		if !checked {
			service, err := m.store.GetServiceAccountByID(ctx, interest.ServiceID)
			isEnabled = err == nil && service != nil && service.Enabled
			enabled[interest.ServiceID] = isEnabled
		}
		if isEnabled {
			out = append(out, interest)
		}
	}
	return out
}

// writeIncomingTraces records one incoming trace per distinct consumer,
// best-effort.
func (m *Manager) writeIncomingTraces(interests []registry.Interest, transport, eventType string, payload []byte) {
	seen := make(map[uuid.UUID]bool)
	redacted := redact.Truncate(redact.JSON(payload), m.cfg.TraceMaxChars)
	for _, interest := range interests {
		if seen[interest.ServiceID] {
			continue
		}
		seen[interest.ServiceID] = true
		serviceID := interest.ServiceID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.store.InsertEventTrace(ctx, serviceID, "incoming", transport, eventType, "bridge", redacted); err != nil {
				m.logger.Debug("incoming trace write failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func parseEventTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}
