package eventsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/streamforge/twitch-bridge/internal/catalog"
	"github.com/streamforge/twitch-bridge/internal/metrics"
)

const (
	welcomeReadTimeout = 15 * time.Second
	sessionReadTimeout = 5 * time.Second
	sessionRetryDelay  = 3 * time.Second
	idlePollInterval   = 10 * time.Second

	// Upstream closes unused sessions with this code.
	closeCodeUnused = 4003
)

type wsFrame struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		MessageTimestamp string `json:"message_timestamp"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

type revocationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"subscription"`
}

// runSessionLoop drives the upstream websocket: idle while nothing needs a
// session, active while frames flow, suspended again once the cooldown
// elapses with no stream-state interest.
func (m *Manager) runSessionLoop() {
	dialURL := ""

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		if !m.shouldRunSession() {
			dialURL = ""
			if !m.waitIdle() {
				return
			}
			continue
		}

		target := dialURL
		dialURL = ""
		if target == "" {
			target = m.cfg.TwitchEventSubWSURL
		}

		next, fatal := m.runSession(target)
		if fatal {
			return
		}
		dialURL = next
	}
}

// shouldRunSession is the open predicate: at least one registered key prefers
// the websocket transport, and either a stream-state interest exists or a
// consumer held a downstream connection within the cooldown window.
func (m *Manager) shouldRunSession() bool {
	webhookAvailable := m.cfg.WebhookTransportAvailable()

	wantsWS := false
	streamInterest := false
	for _, key := range m.reg.Keys() {
		transport, _ := catalog.BestTransport(key.EventType, webhookAvailable)
		if transport == catalog.TransportWebsocket {
			wantsWS = true
		}
		if key.EventType == "stream.online" || key.EventType == "stream.offline" {
			streamInterest = true
		}
	}
	if !wantsWS {
		return false
	}
	if streamInterest {
		return true
	}
	return m.cooldownActive()
}

// cooldownActive reports whether a downstream consumer is connected or
// disconnected recently enough to keep the upstream session warm. A
// future-dated disconnect timestamp is clamped to now.
func (m *Manager) cooldownActive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connected, err := m.store.AnyServiceConnected(ctx)
	if err != nil {
		m.logger.Warn("cooldown connectivity check failed", slog.String("error", err.Error()))
		return true
	}
	if connected {
		return true
	}

	last, err := m.store.LatestDisconnectAt(ctx)
	if err != nil {
		m.logger.Warn("cooldown disconnect lookup failed", slog.String("error", err.Error()))
		return true
	}
	if last == nil {
		return false
	}
	now := m.now()
	baseline := *last
	if baseline.After(now) {
		baseline = now
	}
	return now.Sub(baseline) < m.cfg.WSListenerCooldown
}

// waitIdle blocks until a wake nudge or the poll interval. False means stop.
func (m *Manager) waitIdle() bool {
	timer := time.NewTimer(idlePollInterval)
	defer timer.Stop()
	select {
	case <-m.stop:
		return false
	case <-m.wake:
		return true
	case <-timer.C:
		return true
	}
}

// waitRetry blocks for the transient-error backoff. False means stop.
func (m *Manager) waitRetry() bool {
	timer := time.NewTimer(sessionRetryDelay)
	defer timer.Stop()
	select {
	case <-m.stop:
		return false
	case <-timer.C:
		return true
	}
}

// runSession dials, waits for the welcome, then pumps frames until the
// session ends. Returns a reconnect URL when upstream asked to migrate, and
// whether the loop should exit entirely.
func (m *Manager) runSession(url string) (reconnectURL string, fatal bool) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		m.logger.Warn("upstream websocket dial failed",
			slog.String("url", url),
			slog.String("error", err.Error()))
		return "", !m.waitRetry()
	}
	defer conn.Close()

	conn.SetReadDeadline(m.now().Add(welcomeReadTimeout))
	frame, err := readFrame(conn)
	if err != nil {
		m.logger.Warn("upstream welcome read failed", slog.String("error", err.Error()))
		return "", !m.waitRetry()
	}
	if frame.Metadata.MessageType != "session_welcome" {
		m.logger.Warn("unexpected first frame",
			slog.String("message_type", frame.Metadata.MessageType))
		return "", !m.waitRetry()
	}
	var welcome sessionPayload
	if err := json.Unmarshal(frame.Payload, &welcome); err != nil || welcome.Session.ID == "" {
		m.logger.Warn("welcome frame without session id")
		return "", !m.waitRetry()
	}

	sid := welcome.Session.ID
	m.setSessionID(sid)
	metrics.UpstreamSessionState.Set(1)
	m.logger.Info("upstream session established", slog.String("twitch_session_id", sid))
	defer func() {
		m.clearSessionIf(sid)
		metrics.UpstreamSessionState.Set(0)
	}()

	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := m.Reconcile(ctx); err != nil {
			m.logger.LogError(ctx, err, "reconcile on welcome failed")
		}
		cancel()
	}

	for {
		select {
		case <-m.stop:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), m.now().Add(time.Second))
			return "", true
		default:
		}

		conn.SetReadDeadline(m.now().Add(sessionReadTimeout))
		frame, err := readFrame(conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Read timeout: cooperative predicate check.
				if !m.shouldRunSession() {
					m.logger.Info("suspending upstream session, no consumer needs it")
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), m.now().Add(time.Second))
					return "", false
				}
				continue
			}
			if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code == closeCodeUnused {
				m.logger.Info("upstream closed unused session")
				return "", false
			}
			m.logger.Warn("upstream read failed", slog.String("error", err.Error()))
			return "", !m.waitRetry()
		}

		switch frame.Metadata.MessageType {
		case "session_keepalive":
			// Liveness only.

		case "notification":
			if frame.Metadata.MessageID != "" && m.dedupe.Seen(frame.Metadata.MessageID) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.HandleNotification(ctx, frame.Payload, frame.Metadata.MessageID, "websocket")
			cancel()

		case "session_reconnect":
			var reconnect sessionPayload
			if err := json.Unmarshal(frame.Payload, &reconnect); err == nil && reconnect.Session.ReconnectURL != "" {
				m.logger.Info("upstream requested session migration")
				return reconnect.Session.ReconnectURL, false
			}
			m.logger.Warn("reconnect frame without url, redialing fresh")
			return "", false

		case "revocation":
			var revoked revocationPayload
			if err := json.Unmarshal(frame.Payload, &revoked); err == nil && revoked.Subscription.ID != "" {
				status := revoked.Subscription.Status
				if status == "" {
					status = "revoked"
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := m.store.UpdateSubscriptionStatusByTwitchID(ctx, revoked.Subscription.ID, status); err != nil {
					m.logger.LogError(ctx, err, "marking revoked subscription failed",
						slog.String("twitch_subscription_id", revoked.Subscription.ID))
				}
				cancel()
				m.logger.Warn("subscription revoked upstream",
					slog.String("twitch_subscription_id", revoked.Subscription.ID),
					slog.String("status", status))
			}

		default:
			m.logger.Debug("unknown upstream frame dropped",
				slog.String("message_type", frame.Metadata.MessageType))
		}
	}
}

func readFrame(conn *websocket.Conn) (*wsFrame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}
