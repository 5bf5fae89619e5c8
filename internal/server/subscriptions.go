package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/streamforge/twitch-bridge/internal/catalog"
	"github.com/streamforge/twitch-bridge/internal/errors"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
)

type interestKey struct {
	botID       uuid.UUID
	eventType   string
	broadcaster string
}

// callerKeys maps the caller's interests to the upstream subscription keys
// they imply.
func (s *Server) callerKeys(c *gin.Context) (map[interestKey]bool, []pg.ServiceInterest, bool) {
	service := currentService(c)
	interests, err := s.store.ListInterestsByService(c.Request.Context(), service.ID)
	if err != nil {
		errors.AbortWithInternal(c, "listing interests failed", nil)
		return nil, nil, false
	}
	keys := make(map[interestKey]bool, len(interests))
	for _, interest := range interests {
		keys[interestKey{interest.BotAccountID, interest.EventType, interest.BroadcasterUserID}] = true
	}
	return keys, interests, true
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	keys, _, ok := s.callerKeys(c)
	if !ok {
		return
	}
	subs, err := s.store.ListSubscriptions(c.Request.Context())
	if err != nil {
		errors.AbortWithInternal(c, "listing subscriptions failed", nil)
		return
	}

	out := make([]gin.H, 0, len(subs))
	for _, sub := range subs {
		if !keys[interestKey{sub.BotAccountID, sub.EventType, sub.BroadcasterUserID}] {
			continue
		}
		row := gin.H{
			"bot_account_id":         sub.BotAccountID,
			"event_type":             sub.EventType,
			"broadcaster_user_id":    sub.BroadcasterUserID,
			"twitch_subscription_id": sub.TwitchSubscriptionID,
			"status":                 sub.Status,
			"last_seen_at":           sub.LastSeenAt.UTC().Format(time.RFC3339),
		}
		if sub.SessionID != nil {
			row["session_id"] = *sub.SessionID
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}

func (s *Server) handleTransportSummary(c *gin.Context) {
	_, interests, ok := s.callerKeys(c)
	if !ok {
		return
	}
	byTransport := make(map[string]int)
	byEventType := make(map[string]int)
	for _, interest := range interests {
		byTransport[interest.Transport]++
		byEventType[interest.EventType]++
	}
	c.JSON(http.StatusOK, gin.H{
		"total":         len(interests),
		"by_transport":  byTransport,
		"by_event_type": byEventType,
	})
}

func (s *Server) handleActiveSubscriptions(c *gin.Context) {
	keys, _, ok := s.callerKeys(c)
	if !ok {
		return
	}
	refresh, _ := strconv.ParseBool(c.Query("refresh"))

	subs, err := s.life.ActiveSubscriptions(c.Request.Context(), refresh)
	if err != nil {
		errors.AbortWithBadGateway(c, "upstream subscription listing failed", nil)
		return
	}

	// An upstream row belongs to the caller when any of its interests shares
	// the event type and broadcaster. Bot identity is not recoverable from
	// the upstream listing alone, so the match is by condition.
	matched := make([]gin.H, 0, len(subs))
	for _, sub := range subs {
		broadcaster := sub.Condition["broadcaster_user_id"]
		owned := false
		for key := range keys {
			if key.eventType == sub.Type && key.broadcaster == broadcaster {
				owned = true
				break
			}
		}
		if !owned {
			continue
		}
		matched = append(matched, gin.H{
			"id":        sub.ID,
			"type":      sub.Type,
			"version":   sub.Version,
			"status":    sub.Status,
			"condition": sub.Condition,
			"transport": sub.Transport.Method,
			"cost":      sub.Cost,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": matched})
}

func (s *Server) handleSubscriptionTypes(c *gin.Context) {
	webhookAvailable := s.cfg.WebhookTransportAvailable()
	seen := make(map[string]bool, len(catalog.Catalog))
	types := make([]gin.H, 0, len(catalog.Catalog))
	for _, entry := range catalog.Catalog {
		if seen[entry.EventType] {
			continue
		}
		seen[entry.EventType] = true
		transport, reason := catalog.BestTransport(entry.EventType, webhookAvailable)
		types = append(types, gin.H{
			"event_type":           entry.EventType,
			"title":                entry.Title,
			"description":          entry.Description,
			"preferred_version":    catalog.PreferredVersion(entry.EventType),
			"supported_transports": catalog.SupportedTransports(entry.EventType),
			"best_transport":       transport,
			"best_transport_note":  reason,
			"recommended_scopes":   catalog.RecommendedBroadcasterScopes(entry.EventType),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot_date": catalog.SourceSnapshotDate,
		"types":         types,
	})
}
