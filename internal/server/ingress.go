package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageType      = "Twitch-Eventsub-Message-Type"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"

	signaturePrefix = "sha256="

	// Signed timestamps older than this are replays.
	ingressTimestampWindow = 10 * time.Minute
)

type ingressNotification struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Type   string `json:"type"`
	} `json:"subscription"`
}

// handleEventSubIngress terminates the upstream webhook transport: verify the
// HMAC, reject replays, dedupe, then dispatch by message type.
func (s *Server) handleEventSubIngress(c *gin.Context) {
	if !s.cfg.WebhookTransportAvailable() {
		c.Status(http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	messageID := c.GetHeader(headerMessageID)
	timestamp := c.GetHeader(headerMessageTimestamp)
	signature := c.GetHeader(headerMessageSignature)
	messageType := strings.ToLower(c.GetHeader(headerMessageType))
	if messageID == "" || timestamp == "" || signature == "" {
		c.Status(http.StatusForbidden)
		return
	}

	if !verifyIngressSignature(s.cfg.TwitchEventSubWebhookSecret, messageID, timestamp, body, signature) {
		s.logger.Warn("webhook ingress signature mismatch", slog.String("message_id", messageID))
		c.Status(http.StatusForbidden)
		return
	}
	if parsed, err := time.Parse(time.RFC3339Nano, timestamp); err != nil || s.now().Sub(parsed) > ingressTimestampWindow {
		s.logger.Warn("webhook ingress timestamp rejected",
			slog.String("message_id", messageID),
			slog.String("timestamp", timestamp))
		c.Status(http.StatusForbidden)
		return
	}

	var parsed ingressNotification
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	// Challenge verification is exempt from dedupe: Twitch re-sends it until
	// the callback echoes it back.
	if messageType == "webhook_callback_verification" {
		c.Data(http.StatusOK, "text/plain", []byte(parsed.Challenge))
		return
	}

	if s.dedupe.Seen(messageID) {
		c.Status(http.StatusNoContent)
		return
	}

	switch messageType {
	case "notification":
		s.life.HandleNotification(c.Request.Context(), body, messageID, "webhook")
		c.Status(http.StatusNoContent)

	case "revocation":
		if parsed.Subscription.ID != "" {
			status := parsed.Subscription.Status
			if status == "" {
				status = "revoked"
			}
			if err := s.store.UpdateSubscriptionStatusByTwitchID(c.Request.Context(), parsed.Subscription.ID, status); err != nil {
				s.logger.LogError(c.Request.Context(), err, "marking revoked subscription failed")
			}
			s.logger.Warn("subscription revoked via webhook",
				slog.String("twitch_subscription_id", parsed.Subscription.ID),
				slog.String("status", status))
		}
		c.Status(http.StatusNoContent)

	default:
		c.Status(http.StatusNoContent)
	}
}

func verifyIngressSignature(secret, messageID, timestamp string, body []byte, signature string) bool {
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
