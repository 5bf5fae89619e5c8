package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/streamforge/twitch-bridge/internal/catalog"
	"github.com/streamforge/twitch-bridge/internal/errors"
	"github.com/streamforge/twitch-bridge/internal/netguard"
	"github.com/streamforge/twitch-bridge/internal/normalize"
	"github.com/streamforge/twitch-bridge/internal/registry"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
)

type createInterestRequest struct {
	BotAccountID      string `json:"bot_account_id" binding:"required"`
	EventType         string `json:"event_type" binding:"required"`
	BroadcasterUserID string `json:"broadcaster_user_id" binding:"required"`
	Transport         string `json:"transport"`
	WebhookURL        string `json:"webhook_url"`
}

func interestJSON(interest pg.ServiceInterest) gin.H {
	out := gin.H{
		"id":                  interest.ID,
		"bot_account_id":      interest.BotAccountID,
		"event_type":          interest.EventType,
		"broadcaster_user_id": interest.BroadcasterUserID,
		"transport":           interest.Transport,
		"last_heartbeat_at":   interest.LastHeartbeatAt.UTC().Format(time.RFC3339),
		"created_at":          interest.CreatedAt.UTC().Format(time.RFC3339),
	}
	if interest.WebhookURL != nil {
		out["webhook_url"] = *interest.WebhookURL
	}
	if interest.StaleMarkedAt != nil {
		out["stale_marked_at"] = interest.StaleMarkedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleListInterests(c *gin.Context) {
	service := currentService(c)
	interests, err := s.store.ListInterestsByService(c.Request.Context(), service.ID)
	if err != nil {
		errors.AbortWithInternal(c, "listing interests failed", nil)
		return
	}
	out := make([]gin.H, 0, len(interests))
	for _, interest := range interests {
		out = append(out, interestJSON(interest))
	}
	c.JSON(http.StatusOK, gin.H{"interests": out})
}

func (s *Server) handleCreateInterest(c *gin.Context) {
	service := currentService(c)
	ctx := c.Request.Context()

	var req createInterestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithValidation(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	eventType := strings.ToLower(strings.TrimSpace(req.EventType))
	if !catalog.IsKnown(eventType) {
		errors.AbortWithValidation(c, "unknown event type", map[string]interface{}{"event_type": eventType})
		return
	}

	transport := strings.ToLower(strings.TrimSpace(req.Transport))
	if transport == "" {
		transport = "websocket"
	}
	var webhookURL *string
	switch transport {
	case "websocket":
	case "webhook":
		if strings.TrimSpace(req.WebhookURL) == "" {
			errors.AbortWithValidation(c, "webhook transport requires webhook_url", nil)
			return
		}
		if err := netguard.ValidateWebhookTarget(ctx, req.WebhookURL, s.webhookSuffixes, s.cfg.BlockPrivateWebhookTargets); err != nil {
			errors.AbortWithValidation(c, "webhook_url rejected", map[string]interface{}{"error": err.Error()})
			return
		}
		url := req.WebhookURL
		webhookURL = &url
	default:
		errors.AbortWithValidation(c, "transport must be websocket or webhook", nil)
		return
	}

	botID, err := uuid.Parse(req.BotAccountID)
	if err != nil {
		errors.AbortWithValidation(c, "bot_account_id must be a UUID", nil)
		return
	}
	bot, err := s.store.GetBotByID(ctx, botID)
	if err != nil {
		errors.AbortWithInternal(c, "bot lookup failed", nil)
		return
	}
	if bot == nil {
		errors.AbortWithNotFound(c, "bot account not found", nil)
		return
	}
	if !bot.Enabled {
		errors.AbortWithConflict(c, "bot account is disabled", nil)
		return
	}
	allowed, err := s.botAllowed(ctx, service.ID, botID)
	if err != nil {
		errors.AbortWithInternal(c, "bot access check failed", nil)
		return
	}
	if !allowed {
		errors.AbortWithForbidden(c, "bot not granted to this service", nil)
		return
	}

	broadcaster, ok := s.resolveBroadcaster(c, bot, req.BroadcasterUserID)
	if !ok {
		return
	}

	created, createErr := s.ensureInterest(ctx, service.ID, botID, eventType, broadcaster, transport, webhookURL)
	if createErr != nil {
		errors.AbortWithInternal(c, "creating interest failed", nil)
		return
	}

	// Every interest implies stream-state interests for the same channel so
	// consumers can track liveness without declaring them explicitly.
	if eventType != "stream.online" && eventType != "stream.offline" {
		for _, streamType := range []string{"stream.online", "stream.offline"} {
			if _, err := s.ensureInterest(ctx, service.ID, botID, streamType, broadcaster, "websocket", nil); err != nil {
				s.logger.Warn("default stream interest create failed",
					slog.String("event_type", streamType),
					slog.String("error", err.Error()))
			}
		}
	}

	c.JSON(http.StatusCreated, interestJSON(*created))
}

// ensureInterest finds or creates one interest row and registers new rows
// with the lifecycle engine.
func (s *Server) ensureInterest(ctx context.Context, serviceID, botID uuid.UUID, eventType, broadcaster, transport string, webhookURL *string) (*pg.ServiceInterest, error) {
	existing, err := s.store.FindInterest(ctx, serviceID, botID, eventType, broadcaster, transport, webhookURL)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	created, err := s.store.CreateInterest(ctx, serviceID, botID, eventType, broadcaster, transport, webhookURL)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return s.store.FindInterest(ctx, serviceID, botID, eventType, broadcaster, transport, webhookURL)
		}
		return nil, err
	}
	s.life.OnInterestAdded(*created)
	return created, nil
}

// resolveBroadcaster normalizes the caller-supplied broadcaster (id, login,
// @login or twitch.tv URL) to a numeric user id, merging rows recorded under
// the legacy token when a login resolves to a new id.
func (s *Server) resolveBroadcaster(c *gin.Context, bot *pg.BotAccount, raw string) (string, bool) {
	ctx := c.Request.Context()
	token := normalize.Broadcaster(raw)
	if token == "" {
		errors.AbortWithValidation(c, "broadcaster_user_id is required", nil)
		return "", false
	}
	if normalize.IsNumericID(token) {
		return token, true
	}

	resolved, err := s.life.ResolveLogin(ctx, token)
	if err != nil {
		errors.AbortWithBadGateway(c, "broadcaster lookup failed", map[string]interface{}{"login": token})
		return "", false
	}
	if resolved == "" {
		errors.AbortWithNotFound(c, "broadcaster not found", map[string]interface{}{"login": token})
		return "", false
	}

	if err := s.store.MergeInterestBroadcasterID(ctx, bot.ID, token, resolved); err != nil {
		s.logger.Warn("legacy interest merge failed", slog.String("error", err.Error()))
	}
	if err := s.store.MergeChannelStateBroadcasterID(ctx, bot.ID, token, resolved); err != nil {
		s.logger.Warn("legacy channel state merge failed", slog.String("error", err.Error()))
	}
	return resolved, true
}

func (s *Server) botAllowed(ctx context.Context, serviceID, botID uuid.UUID) (bool, error) {
	ids, restricted, err := s.store.ListAccessibleBotIDs(ctx, serviceID)
	if err != nil {
		return false, err
	}
	if !restricted {
		return true, nil
	}
	for _, id := range ids {
		if id == botID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) handleDeleteInterest(c *gin.Context) {
	service := currentService(c)
	ctx := c.Request.Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errors.AbortWithValidation(c, "interest id must be a UUID", nil)
		return
	}
	interest, err := s.store.GetInterestByID(ctx, id)
	if err != nil {
		errors.AbortWithInternal(c, "interest lookup failed", nil)
		return
	}
	if interest == nil || interest.ServiceAccountID != service.ID {
		errors.AbortWithNotFound(c, "interest not found", nil)
		return
	}

	if err := s.store.DeleteInterest(ctx, id); err != nil {
		errors.AbortWithInternal(c, "deleting interest failed", nil)
		return
	}
	key, stillUsed := s.reg.Remove(registry.Interest{
		ID:                interest.ID,
		ServiceID:         interest.ServiceAccountID,
		BotAccountID:      interest.BotAccountID,
		EventType:         interest.EventType,
		BroadcasterUserID: interest.BroadcasterUserID,
	})
	s.life.OnInterestRemoved(ctx, key, stillUsed)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleInterestHeartbeat(c *gin.Context) {
	service := currentService(c)
	ctx := c.Request.Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errors.AbortWithValidation(c, "interest id must be a UUID", nil)
		return
	}
	interest, err := s.store.GetInterestByID(ctx, id)
	if err != nil {
		errors.AbortWithInternal(c, "interest lookup failed", nil)
		return
	}
	if interest == nil || interest.ServiceAccountID != service.ID {
		errors.AbortWithNotFound(c, "interest not found", nil)
		return
	}
	if err := s.store.TouchInterestHeartbeat(ctx, id); err != nil {
		errors.AbortWithInternal(c, "heartbeat failed", nil)
		return
	}
	c.Status(http.StatusNoContent)
}

type serviceHeartbeatRequest struct {
	BotAccountID      string `json:"bot_account_id"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

// handleServiceHeartbeat refreshes every interest of the caller, or just the
// interests on one (bot, broadcaster) when the body scopes it.
func (s *Server) handleServiceHeartbeat(c *gin.Context) {
	service := currentService(c)
	ctx := c.Request.Context()

	var req serviceHeartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errors.AbortWithValidation(c, "invalid request body", nil)
			return
		}
	}

	var touched int64
	var err error
	if req.BotAccountID != "" || req.BroadcasterUserID != "" {
		if req.BotAccountID == "" || req.BroadcasterUserID == "" {
			errors.AbortWithValidation(c, "scoped heartbeat requires both bot_account_id and broadcaster_user_id", nil)
			return
		}
		botID, parseErr := uuid.Parse(req.BotAccountID)
		if parseErr != nil {
			errors.AbortWithValidation(c, "bot_account_id must be a UUID", nil)
			return
		}
		touched, err = s.store.TouchHeartbeatForKeyGroup(ctx, service.ID, botID, strings.TrimSpace(req.BroadcasterUserID))
	} else {
		touched, err = s.store.TouchHeartbeatForService(ctx, service.ID)
	}
	if err != nil {
		errors.AbortWithInternal(c, "heartbeat failed", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"touched": touched})
}
