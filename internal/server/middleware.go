package server

import (
	"crypto/hmac"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/streamforge/twitch-bridge/internal/errors"
	"github.com/streamforge/twitch-bridge/internal/logger"
	"github.com/streamforge/twitch-bridge/internal/secrets"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
)

const serviceContextKey = "service_account"

// requestID tags every request with an ID for log correlation. Incoming
// X-Request-Id values are trusted as-is so fronting proxies can thread their
// own IDs through.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = logger.GenerateRequestID()
		}
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// requireAdmin gates the operator API behind the pre-shared admin key. An
// unset key rejects everything.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Admin-Key")
		if s.cfg.AdminAPIKey == "" || provided == "" ||
			!hmac.Equal([]byte(provided), []byte(s.cfg.AdminAPIKey)) {
			errors.AbortWithUnauthorized(c, "invalid admin key", nil)
			return
		}
		c.Next()
	}
}

// requireService authenticates a consumer by client id/secret and stashes the
// account in the request context. Auth outcomes feed the per-consumer stats.
func (s *Server) requireService() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetHeader("X-Client-Id")
		clientSecret := c.GetHeader("X-Client-Secret")
		if clientID == "" || clientSecret == "" {
			errors.AbortWithUnauthorized(c, "missing client credentials", nil)
			return
		}

		service, err := s.store.GetServiceAccountByClientID(c.Request.Context(), clientID)
		if err != nil {
			s.logger.LogError(c.Request.Context(), err, "service lookup failed")
			errors.AbortWithInternal(c, "service lookup failed", nil)
			return
		}
		if service == nil {
			errors.AbortWithUnauthorized(c, "unknown client id", nil)
			return
		}
		if !secrets.VerifySecret(clientSecret, service.ClientSecretHash) {
			if err := s.store.IncrementAuthFailure(c.Request.Context(), service.ID); err != nil {
				s.logger.Debug("auth failure count update failed", slog.String("error", err.Error()))
			}
			errors.AbortWithUnauthorized(c, "invalid client secret", nil)
			return
		}
		if !service.Enabled {
			errors.AbortWithUnauthorized(c, "service account disabled", nil)
			return
		}

		if err := s.store.IncrementAuthSuccess(c.Request.Context(), service.ID); err != nil {
			s.logger.Debug("auth success count update failed", slog.String("error", err.Error()))
		}
		c.Request = c.Request.WithContext(logger.WithServiceID(c.Request.Context(), service.ID.String()))
		c.Set(serviceContextKey, service)
		c.Next()
	}
}

// currentService returns the authenticated consumer set by requireService.
func currentService(c *gin.Context) *pg.ServiceAccount {
	value, ok := c.Get(serviceContextKey)
	if !ok {
		return nil
	}
	service, _ := value.(*pg.ServiceAccount)
	return service
}
