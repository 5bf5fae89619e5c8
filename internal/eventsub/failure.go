package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamforge/twitch-bridge/internal/hub"
	"github.com/streamforge/twitch-bridge/internal/metrics"
	"github.com/streamforge/twitch-bridge/internal/redact"
	"github.com/streamforge/twitch-bridge/internal/registry"
)

// notifySubscriptionFailure fans a subscription.error envelope out to every
// enabled consumer interested in the key, throttled to once per cooldown
// window per (consumer, key, error code).
func (m *Manager) notifySubscriptionFailure(ctx context.Context, key registry.Key, transport string, result ensureResult) {
	metrics.SubscriptionErrors.WithLabelValues(result.code).Inc()
	m.logger.Warn("subscription failure",
		slog.String("event_type", key.EventType),
		slog.String("broadcaster_user_id", key.BroadcasterUserID),
		slog.String("error_code", result.code),
		slog.String("reason", result.reason))

	event := map[string]any{
		"error_code":          result.code,
		"hint":                result.hint,
		"reason":              result.reason,
		"event_type":          key.EventType,
		"broadcaster_user_id": key.BroadcasterUserID,
		"bot_account_id":      key.BotAccountID.String(),
		"upstream_transport":  transport,
	}

	for _, interest := range m.activeInterests(ctx, key) {
		throttleKey := fmt.Sprintf("%s|%s|%s|%s|%s",
			interest.ServiceID, key.BotAccountID, key.EventType, key.BroadcasterUserID, result.code)
		if !m.shouldNotify(throttleKey) {
			continue
		}
		env := hub.NewInternalEnvelope("subscription.error", event)
		m.deliver(ctx, interest, env)
	}
}

// shouldNotify enforces the per-target error cooldown.
func (m *Manager) shouldNotify(throttleKey string) bool {
	now := m.now()
	m.throttleMu.Lock()
	defer m.throttleMu.Unlock()

	if last, ok := m.lastNotify[throttleKey]; ok && now.Sub(last) < m.cfg.SubscriptionErrorCooldown {
		return false
	}
	m.lastNotify[throttleKey] = now
	return true
}

// RejectInterestsForKey tells every interested consumer the key is not
// servable, then removes the interests entirely.
func (m *Manager) RejectInterestsForKey(ctx context.Context, key registry.Key, reason, transport string) {
	interests := m.reg.Interested(key)
	if len(interests) == 0 {
		return
	}

	event := map[string]any{
		"reason":              reason,
		"event_type":          key.EventType,
		"broadcaster_user_id": key.BroadcasterUserID,
		"bot_account_id":      key.BotAccountID.String(),
		"upstream_transport":  transport,
	}
	// Notices go only to enabled consumers; the removal below still covers
	// every interest on the key.
	for _, interest := range m.activeInterests(ctx, key) {
		env := hub.NewInternalEnvelope("interest.rejected", event)
		m.deliver(ctx, interest, env)
	}

	var stillUsed bool
	for _, interest := range interests {
		if err := m.store.DeleteInterest(ctx, interest.ID); err != nil {
			m.logger.LogError(ctx, err, "deleting rejected interest failed")
			continue
		}
		_, stillUsed = m.reg.Remove(interest)
	}
	m.logger.Warn("interests rejected",
		slog.String("event_type", key.EventType),
		slog.String("broadcaster_user_id", key.BroadcasterUserID),
		slog.String("reason", reason),
		slog.Int("interests", len(interests)))

	m.OnInterestRemoved(ctx, key, stillUsed)
}

// deliver sends one envelope to one interest over its chosen transport.
// Websocket enqueues happen inline to preserve per-consumer ordering;
// webhook POSTs run under the fan-out semaphore.
func (m *Manager) deliver(ctx context.Context, interest registry.Interest, env hub.Envelope) {
	serviceID := interest.ServiceID.String()

	switch interest.Transport {
	case "websocket":
		if sent := m.hub.PublishWS(serviceID, env); sent > 0 {
			metrics.EventsDelivered.WithLabelValues("websocket").Inc()
			m.writeTraceAsync(interest, env, "websocket", "ws")
		}

	case "webhook":
		if interest.WebhookURL == "" {
			return
		}
		if err := m.fanout.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer m.fanout.Release(1)
			deliveryCtx, cancel := context.WithTimeout(context.Background(), m.cfg.WebhookDeliveryTimeout)
			defer cancel()
			if err := m.hub.PublishWebhook(deliveryCtx, serviceID, interest.WebhookURL, env, m.cfg.WebhookDeliveryTimeout); err != nil {
				m.logger.Warn("webhook delivery failed",
					slog.String("service_id", serviceID),
					slog.String("event_type", env.Type),
					slog.String("webhook_url", redact.URL(interest.WebhookURL)),
					slog.String("error", err.Error()))
				return
			}
			metrics.EventsDelivered.WithLabelValues("webhook").Inc()
			m.writeTraceAsync(interest, env, "webhook", interest.WebhookURL)
		}()
	}
}

// writeTraceAsync records an outgoing trace best-effort; failures never
// block or fail delivery.
func (m *Manager) writeTraceAsync(interest registry.Interest, env hub.Envelope, transport, target string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		payload, err := json.Marshal(env)
		if err != nil {
			return
		}
		redacted := redact.Truncate(redact.JSON(payload), m.cfg.TraceMaxChars)
		if err := m.store.InsertEventTrace(ctx, interest.ServiceID, "outgoing", transport, env.Type, target, redacted); err != nil {
			m.logger.Debug("outgoing trace write failed", slog.String("error", err.Error()))
		}
	}()
}
