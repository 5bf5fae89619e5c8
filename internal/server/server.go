// Package server is the HTTP/WS boundary: the consumer API, the admin API,
// the upstream webhook ingress and the downstream websocket endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streamforge/twitch-bridge/internal/config"
	"github.com/streamforge/twitch-bridge/internal/hub"
	"github.com/streamforge/twitch-bridge/internal/logger"
	"github.com/streamforge/twitch-bridge/internal/netguard"
	"github.com/streamforge/twitch-bridge/internal/registry"
	"github.com/streamforge/twitch-bridge/internal/runtimetoken"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
	"github.com/streamforge/twitch-bridge/internal/twitch"
)

// Store is the slice of the persistence layer the handlers drive.
type Store interface {
	CreateServiceAccount(ctx context.Context, name, clientID, clientSecretHash string) (*pg.ServiceAccount, error)
	GetServiceAccountByID(ctx context.Context, id uuid.UUID) (*pg.ServiceAccount, error)
	GetServiceAccountByClientID(ctx context.Context, clientID string) (*pg.ServiceAccount, error)
	ListServiceAccounts(ctx context.Context) ([]pg.ServiceAccount, error)
	SetServiceAccountEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	DeleteServiceAccount(ctx context.Context, id uuid.UUID) error
	IncrementAuthSuccess(ctx context.Context, serviceID uuid.UUID) error
	IncrementAuthFailure(ctx context.Context, serviceID uuid.UUID) error

	ListBots(ctx context.Context) ([]pg.BotAccount, error)
	GetBotByID(ctx context.Context, id uuid.UUID) (*pg.BotAccount, error)
	ListAccessibleBotIDs(ctx context.Context, serviceID uuid.UUID) (ids []uuid.UUID, restricted bool, err error)
	GrantBotAccess(ctx context.Context, serviceID, botID uuid.UUID) error
	RevokeBotAccess(ctx context.Context, serviceID, botID uuid.UUID) error

	ListInterestsByService(ctx context.Context, serviceID uuid.UUID) ([]pg.ServiceInterest, error)
	GetInterestByID(ctx context.Context, id uuid.UUID) (*pg.ServiceInterest, error)
	FindInterest(ctx context.Context, serviceID, botID uuid.UUID, eventType, broadcasterUserID, transport string, webhookURL *string) (*pg.ServiceInterest, error)
	CreateInterest(ctx context.Context, serviceID, botID uuid.UUID, eventType, broadcasterUserID, transport string, webhookURL *string) (*pg.ServiceInterest, error)
	DeleteInterest(ctx context.Context, id uuid.UUID) error
	TouchHeartbeatForService(ctx context.Context, serviceID uuid.UUID) (int64, error)
	TouchHeartbeatForKeyGroup(ctx context.Context, serviceID, botID uuid.UUID, broadcasterUserID string) (int64, error)
	TouchInterestHeartbeat(ctx context.Context, id uuid.UUID) error
	MergeInterestBroadcasterID(ctx context.Context, botID uuid.UUID, oldBroadcasterID, newBroadcasterID string) error
	MergeChannelStateBroadcasterID(ctx context.Context, botID uuid.UUID, oldBroadcasterID, newBroadcasterID string) error

	ListInterestsByKey(ctx context.Context, botID uuid.UUID, eventType, broadcasterUserID string) ([]pg.ServiceInterest, error)
	ListEventTraces(ctx context.Context, serviceID uuid.UUID, limit int) ([]pg.ServiceEventTrace, error)
	UpsertBroadcasterAuthorization(ctx context.Context, serviceID, botID uuid.UUID, broadcasterUserID, broadcasterLogin, scopes string) error

	ListSubscriptions(ctx context.Context) ([]pg.TwitchSubscription, error)
	UpdateSubscriptionStatusByTwitchID(ctx context.Context, twitchSubscriptionID, status string) error
}

// Lifecycle is the slice of the subscription engine the handlers drive.
type Lifecycle interface {
	OnInterestAdded(interest pg.ServiceInterest)
	OnInterestRemoved(ctx context.Context, key registry.Key, stillUsed bool)
	Reconcile(ctx context.Context) error
	ActiveSubscriptions(ctx context.Context, refresh bool) ([]twitch.Subscription, error)
	ResolveLogin(ctx context.Context, login string) (string, error)
	HandleNotification(ctx context.Context, payload []byte, messageID, incomingTransport string)
	Wake()
}

type Server struct {
	cfg      *config.Config
	store    Store
	reg      *registry.Registry
	life     Lifecycle
	hub      *hub.Hub
	wsTokens *runtimetoken.WSTokenStore
	dedupe   *runtimetoken.MessageDeduper
	logger   *logger.Logger

	allowlist       *netguard.IPAllowlist
	webhookSuffixes []string
	upgrader        websocket.Upgrader

	now func() time.Time
}

func New(cfg *config.Config, store Store, reg *registry.Registry, life Lifecycle, h *hub.Hub, wsTokens *runtimetoken.WSTokenStore, dedupe *runtimetoken.MessageDeduper, log *logger.Logger) (*Server, error) {
	allowlist, err := netguard.ParseIPAllowlist(cfg.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("parsing ip allowlist: %w", err)
	}
	return &Server{
		cfg:             cfg,
		store:           store,
		reg:             reg,
		life:            life,
		hub:             h,
		wsTokens:        wsTokens,
		dedupe:          dedupe,
		logger:          log.WithComponent("server"),
		allowlist:       allowlist,
		webhookSuffixes: netguard.ParseHostSuffixAllowlist(cfg.WebhookTargetAllowlist),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}, nil
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestID())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/twitch/eventsub", s.handleEventSubIngress)
	router.GET("/ws/events", s.handleWSEvents)

	admin := router.Group("/admin", s.requireAdmin())
	{
		admin.POST("/services", s.handleCreateService)
		admin.GET("/services", s.handleListServices)
		admin.POST("/services/:id/enable", s.handleSetServiceEnabled(true))
		admin.POST("/services/:id/disable", s.handleSetServiceEnabled(false))
		admin.DELETE("/services/:id", s.handleDeleteService)
		admin.POST("/services/:id/bots/:botID", s.handleGrantBotAccess)
		admin.DELETE("/services/:id/bots/:botID", s.handleRevokeBotAccess)
		admin.GET("/services/:id/traces", s.handleListServiceTraces)
		admin.GET("/bots", s.handleListBots)
		admin.GET("/interests", s.handleListKeyInterests)
		admin.POST("/authorizations", s.handleUpsertAuthorization)
		admin.POST("/reconcile", s.handleReconcile)
	}

	v1 := router.Group("/v1", s.requireService())
	{
		v1.GET("/bots/accessible", s.handleAccessibleBots)

		v1.GET("/interests", s.handleListInterests)
		v1.POST("/interests", s.handleCreateInterest)
		v1.DELETE("/interests/:id", s.handleDeleteInterest)
		v1.POST("/interests/:id/heartbeat", s.handleInterestHeartbeat)
		v1.POST("/interests/heartbeat", s.handleServiceHeartbeat)

		v1.GET("/subscriptions", s.handleListSubscriptions)
		v1.GET("/subscriptions/transports", s.handleTransportSummary)
		v1.GET("/eventsub/subscriptions/active", s.handleActiveSubscriptions)
		v1.GET("/eventsub/subscription-types", s.handleSubscriptionTypes)

		v1.POST("/ws-token", s.handleIssueWSToken)
	}

	return router
}
