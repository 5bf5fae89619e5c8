package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/streamforge/twitch-bridge/internal/errors"
	"github.com/streamforge/twitch-bridge/internal/secrets"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
)

type createServiceRequest struct {
	Name string `json:"name" binding:"required"`
}

func serviceJSON(service pg.ServiceAccount) gin.H {
	return gin.H{
		"id":         service.ID,
		"name":       service.Name,
		"client_id":  service.ClientID,
		"enabled":    service.Enabled,
		"created_at": service.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleCreateService mints credentials for a new consumer. The plaintext
// secret appears in this response and nowhere else.
func (s *Server) handleCreateService(c *gin.Context) {
	var req createServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithValidation(c, "name is required", nil)
		return
	}

	clientID := secrets.NewClientID()
	clientSecret, err := secrets.NewClientSecret()
	if err != nil {
		errors.AbortWithInternal(c, "minting credentials failed", nil)
		return
	}
	hash, err := secrets.HashSecret(clientSecret)
	if err != nil {
		errors.AbortWithInternal(c, "hashing secret failed", nil)
		return
	}

	service, err := s.store.CreateServiceAccount(c.Request.Context(), req.Name, clientID, hash)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			errors.AbortWithConflict(c, "service name already exists", nil)
			return
		}
		errors.AbortWithInternal(c, "creating service failed", nil)
		return
	}

	out := serviceJSON(*service)
	out["client_secret"] = clientSecret
	c.JSON(http.StatusCreated, out)
}

func (s *Server) handleListServices(c *gin.Context) {
	services, err := s.store.ListServiceAccounts(c.Request.Context())
	if err != nil {
		errors.AbortWithInternal(c, "listing services failed", nil)
		return
	}
	out := make([]gin.H, 0, len(services))
	for _, service := range services {
		out = append(out, serviceJSON(service))
	}
	c.JSON(http.StatusOK, gin.H{"services": out})
}

func (s *Server) handleSetServiceEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			errors.AbortWithValidation(c, "service id must be a UUID", nil)
			return
		}
		if err := s.store.SetServiceAccountEnabled(c.Request.Context(), id, enabled); err != nil {
			errors.AbortWithInternal(c, "updating service failed", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
	}
}

func (s *Server) handleDeleteService(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errors.AbortWithValidation(c, "service id must be a UUID", nil)
		return
	}
	if err := s.store.DeleteServiceAccount(c.Request.Context(), id); err != nil {
		errors.AbortWithInternal(c, "deleting service failed", nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGrantBotAccess(c *gin.Context) {
	serviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errors.AbortWithValidation(c, "service id must be a UUID", nil)
		return
	}
	botID, err := uuid.Parse(c.Param("botID"))
	if err != nil {
		errors.AbortWithValidation(c, "bot id must be a UUID", nil)
		return
	}
	if err := s.store.GrantBotAccess(c.Request.Context(), serviceID, botID); err != nil {
		errors.AbortWithInternal(c, "granting bot access failed", nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRevokeBotAccess(c *gin.Context) {
	serviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errors.AbortWithValidation(c, "service id must be a UUID", nil)
		return
	}
	botID, err := uuid.Parse(c.Param("botID"))
	if err != nil {
		errors.AbortWithValidation(c, "bot id must be a UUID", nil)
		return
	}
	if err := s.store.RevokeBotAccess(c.Request.Context(), serviceID, botID); err != nil {
		errors.AbortWithInternal(c, "revoking bot access failed", nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func botJSON(bot pg.BotAccount) gin.H {
	return gin.H{
		"id":             bot.ID,
		"name":           bot.Name,
		"twitch_user_id": bot.TwitchUserID,
		"twitch_login":   bot.TwitchLogin,
		"enabled":        bot.Enabled,
	}
}

func (s *Server) handleListBots(c *gin.Context) {
	bots, err := s.store.ListBots(c.Request.Context())
	if err != nil {
		errors.AbortWithInternal(c, "listing bots failed", nil)
		return
	}
	out := make([]gin.H, 0, len(bots))
	for _, bot := range bots {
		out = append(out, botJSON(bot))
	}
	c.JSON(http.StatusOK, gin.H{"bots": out})
}

// handleListServiceTraces exposes the most recent delivery traces of one
// consumer for operator debugging. Payloads are stored pre-redacted.
func (s *Server) handleListServiceTraces(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errors.AbortWithValidation(c, "service id must be a UUID", nil)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	traces, err := s.store.ListEventTraces(c.Request.Context(), id, limit)
	if err != nil {
		errors.AbortWithInternal(c, "listing traces failed", nil)
		return
	}
	out := make([]gin.H, 0, len(traces))
	for _, trace := range traces {
		out = append(out, gin.H{
			"id":         trace.ID,
			"direction":  trace.Direction,
			"transport":  trace.Transport,
			"event_type": trace.EventType,
			"target":     trace.Target,
			"payload":    json.RawMessage(trace.Payload),
			"created_at": trace.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"traces": out})
}

type upsertAuthorizationRequest struct {
	ServiceAccountID  string `json:"service_account_id" binding:"required"`
	BotAccountID      string `json:"bot_account_id" binding:"required"`
	BroadcasterUserID string `json:"broadcaster_user_id" binding:"required"`
	BroadcasterLogin  string `json:"broadcaster_login"`
	Scopes            string `json:"scopes" binding:"required"`
}

// handleUpsertAuthorization records the scopes a broadcaster granted for a
// (service, bot) pair. The interactive grant flow lands here after the
// operator completes it out of band.
func (s *Server) handleUpsertAuthorization(c *gin.Context) {
	var req upsertAuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithValidation(c, "service_account_id, bot_account_id, broadcaster_user_id and scopes are required", nil)
		return
	}
	serviceID, err := uuid.Parse(req.ServiceAccountID)
	if err != nil {
		errors.AbortWithValidation(c, "service_account_id must be a UUID", nil)
		return
	}
	botID, err := uuid.Parse(req.BotAccountID)
	if err != nil {
		errors.AbortWithValidation(c, "bot_account_id must be a UUID", nil)
		return
	}
	if err := s.store.UpsertBroadcasterAuthorization(c.Request.Context(), serviceID, botID,
		req.BroadcasterUserID, req.BroadcasterLogin, req.Scopes); err != nil {
		errors.AbortWithInternal(c, "recording authorization failed", nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleListKeyInterests answers "who is holding this subscription open":
// every interest, across consumers, on one (bot, event type, broadcaster).
func (s *Server) handleListKeyInterests(c *gin.Context) {
	botID, err := uuid.Parse(c.Query("bot_account_id"))
	if err != nil {
		errors.AbortWithValidation(c, "bot_account_id must be a UUID", nil)
		return
	}
	eventType := c.Query("event_type")
	broadcaster := c.Query("broadcaster_user_id")
	if eventType == "" || broadcaster == "" {
		errors.AbortWithValidation(c, "event_type and broadcaster_user_id are required", nil)
		return
	}

	interests, err := s.store.ListInterestsByKey(c.Request.Context(), botID, eventType, broadcaster)
	if err != nil {
		errors.AbortWithInternal(c, "listing interests failed", nil)
		return
	}
	out := make([]gin.H, 0, len(interests))
	for _, interest := range interests {
		row := interestJSON(interest)
		row["service_account_id"] = interest.ServiceAccountID
		out = append(out, row)
	}
	c.JSON(http.StatusOK, gin.H{"interests": out})
}

func (s *Server) handleReconcile(c *gin.Context) {
	if err := s.life.Reconcile(c.Request.Context()); err != nil {
		errors.AbortWithBadGateway(c, "reconcile failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleAccessibleBots(c *gin.Context) {
	service := currentService(c)
	ctx := c.Request.Context()

	bots, err := s.store.ListBots(ctx)
	if err != nil {
		errors.AbortWithInternal(c, "listing bots failed", nil)
		return
	}
	ids, restricted, err := s.store.ListAccessibleBotIDs(ctx, service.ID)
	if err != nil {
		errors.AbortWithInternal(c, "bot access check failed", nil)
		return
	}
	granted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		granted[id] = true
	}

	out := make([]gin.H, 0, len(bots))
	for _, bot := range bots {
		if restricted && !granted[bot.ID] {
			continue
		}
		out = append(out, botJSON(bot))
	}
	c.JSON(http.StatusOK, gin.H{"bots": out})
}
