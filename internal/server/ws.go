package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/streamforge/twitch-bridge/internal/errors"
	"github.com/streamforge/twitch-bridge/internal/netguard"
)

const (
	closeCodeForbidden    = 4403
	closeCodeUnauthorized = 4401
)

func (s *Server) handleIssueWSToken(c *gin.Context) {
	service := currentService(c)
	token, expiry, err := s.wsTokens.Issue(service.ID.String())
	if err != nil {
		errors.AbortWithInternal(c, "issuing ws token failed", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ws_token":   token,
		"expires_at": expiry.UTC().Format(time.RFC3339),
	})
}

// handleWSEvents upgrades the downstream event socket. Auth failures are
// reported as websocket close codes so clients behind the upgrade can tell
// them apart from transport errors.
func (s *Server) handleWSEvents(c *gin.Context) {
	clientIP := netguard.ResolveClientIP(c.Request, s.cfg.TrustXForwardedFor)
	if !s.allowlist.Allowed(clientIP) {
		s.rejectWS(c, closeCodeForbidden, "ip not allowed")
		return
	}

	token := c.Query("ws_token")
	// Some clients interpolate an unset variable into the query string.
	if token == "" || token == "undefined" || token == "null" {
		s.rejectWS(c, closeCodeUnauthorized, "missing ws_token")
		return
	}
	serviceIDRaw, ok := s.wsTokens.Consume(token)
	if !ok {
		s.rejectWS(c, closeCodeUnauthorized, "invalid or expired ws_token")
		return
	}
	serviceID, err := uuid.Parse(serviceIDRaw)
	if err != nil {
		s.rejectWS(c, closeCodeUnauthorized, "invalid or expired ws_token")
		return
	}
	service, err := s.store.GetServiceAccountByID(c.Request.Context(), serviceID)
	if err != nil {
		s.logger.LogError(c.Request.Context(), err, "service lookup failed")
		s.rejectWS(c, closeCodeUnauthorized, "service lookup failed")
		return
	}
	if service == nil || !service.Enabled {
		s.rejectWS(c, closeCodeUnauthorized, "service account disabled")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client, err := s.hub.Connect(service.ID.String(), conn)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.life.Wake()

	// The socket is delivery-only. Reading drains client pongs and close
	// frames until the connection dies.
	go func() {
		defer s.hub.Disconnect(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// rejectWS completes the upgrade just to deliver an application close code,
// falling back to a plain 403 when the handshake itself fails.
func (s *Server) rejectWS(c *gin.Context, code int, reason string) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.Status(http.StatusForbidden)
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	conn.Close()
}
