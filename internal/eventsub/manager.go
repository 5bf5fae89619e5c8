// Package eventsub holds the subscription lifecycle engine: the upstream
// websocket session machine, the reconciler, the per-key subscription
// ensurer, the notification pipeline and the stale-interest GC.
package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/streamforge/twitch-bridge/internal/config"
	"github.com/streamforge/twitch-bridge/internal/hub"
	"github.com/streamforge/twitch-bridge/internal/logger"
	"github.com/streamforge/twitch-bridge/internal/registry"
	"github.com/streamforge/twitch-bridge/internal/runtimetoken"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
	"github.com/streamforge/twitch-bridge/internal/twitch"
	"golang.org/x/sync/semaphore"
)

// Store is the slice of the persistence layer the manager drives.
type Store interface {
	GetBotByID(ctx context.Context, id uuid.UUID) (*pg.BotAccount, error)
	GetBotByTwitchUserID(ctx context.Context, twitchUserID string) (*pg.BotAccount, error)
	ListEnabledBots(ctx context.Context) ([]pg.BotAccount, error)
	UpdateBotTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error
	DisableBotAndClearTokens(ctx context.Context, id uuid.UUID) error

	GetServiceAccountByID(ctx context.Context, id uuid.UUID) (*pg.ServiceAccount, error)

	ListInterests(ctx context.Context) ([]pg.ServiceInterest, error)
	DeleteInterest(ctx context.Context, id uuid.UUID) error
	DeleteInterests(ctx context.Context, ids []uuid.UUID) error
	MarkInterestStale(ctx context.Context, id uuid.UUID, staleAt, deleteAfter time.Time) error
	ClearInterestStale(ctx context.Context, id uuid.UUID) error

	ListSubscriptions(ctx context.Context) ([]pg.TwitchSubscription, error)
	GetSubscriptionByKey(ctx context.Context, botID uuid.UUID, eventType, broadcasterUserID string) (*pg.TwitchSubscription, error)
	GetSubscriptionByTwitchID(ctx context.Context, twitchSubscriptionID string) (*pg.TwitchSubscription, error)
	UpsertSubscription(ctx context.Context, botID uuid.UUID, eventType, broadcasterUserID, twitchSubscriptionID, status string, sessionID *string) error
	DeleteSubscriptionByKey(ctx context.Context, botID uuid.UUID, eventType, broadcasterUserID string) error
	UpdateSubscriptionStatusByTwitchID(ctx context.Context, twitchSubscriptionID, status string) error
	TruncateSubscriptions(ctx context.Context) error

	SetChannelLive(ctx context.Context, botID uuid.UUID, broadcasterUserID string, startedAt *time.Time) error
	SetChannelOffline(ctx context.Context, botID uuid.UUID, broadcasterUserID string) error
	RefreshChannelState(ctx context.Context, botID uuid.UUID, broadcasterUserID string, isLive bool, title, gameName *string, startedAt *time.Time) error
	DeleteChannelState(ctx context.Context, botID uuid.UUID, broadcasterUserID string) error

	ListBroadcasterAuthorizations(ctx context.Context, botID uuid.UUID, broadcasterUserID string) ([]pg.BroadcasterAuthorization, error)

	GetServiceRuntimeStats(ctx context.Context, serviceID uuid.UUID) (*pg.ServiceRuntimeStats, error)
	AnyServiceConnected(ctx context.Context) (bool, error)
	LatestDisconnectAt(ctx context.Context) (*time.Time, error)

	InsertEventTrace(ctx context.Context, serviceID uuid.UUID, direction, transport, eventType, target, payload string) error
}

// Upstream is the slice of the Twitch client the manager drives.
type Upstream interface {
	AppAccessToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context, refreshToken string) (*twitch.OAuthToken, error)
	ValidateUserToken(ctx context.Context, token string) (*twitch.TokenValidation, error)
	GetUsersByQuery(ctx context.Context, accessToken string, userIDs, logins []string) ([]twitch.User, error)
	GetStreamsByUserIDs(ctx context.Context, accessToken string, userIDs []string) ([]twitch.Stream, error)
	ListEventSubSubscriptions(ctx context.Context, accessToken string) ([]twitch.Subscription, error)
	CreateEventSubSubscription(ctx context.Context, eventType, version string, condition map[string]string, transport twitch.Transport, accessToken string) (*twitch.Subscription, error)
	DeleteEventSubSubscription(ctx context.Context, subscriptionID, accessToken string) error
}

// Publisher is the slice of the downstream hub the manager drives.
type Publisher interface {
	PublishWS(serviceID string, env hub.Envelope) int
	PublishWebhook(ctx context.Context, serviceID, url string, env hub.Envelope, timeout time.Duration) error
	ConnectionCount(serviceID string) int
}

// Enricher is the chat-asset cache surface the pipeline uses.
type Enricher interface {
	EnrichChatEvent(ctx context.Context, broadcasterID string, event json.RawMessage) map[string]any
	Prefetch(broadcasterID string)
}

// Manager owns the subscription lifecycle. All subscription-mutating paths
// (ensure, reconcile, teardown) serialize on ensureMu; it intentionally
// spans upstream calls.
type Manager struct {
	cfg    *config.Config
	store  Store
	reg    *registry.Registry
	hub    Publisher
	assets Enricher
	up     Upstream
	dedupe *runtimetoken.MessageDeduper
	logger *logger.Logger

	fanout *semaphore.Weighted

	ensureMu sync.Mutex

	sessionMu    sync.Mutex
	sessionID    string
	reconnectURL string

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	cron *cron.Cron

	throttleMu sync.Mutex
	lastNotify map[string]time.Time

	namesMu sync.Mutex
	names   map[string]nameEntry

	activeMu      sync.Mutex
	activeSubs    []twitch.Subscription
	activeFetched time.Time

	now func() time.Time
}

func NewManager(cfg *config.Config, store Store, reg *registry.Registry, h Publisher, assets Enricher, up Upstream, dedupe *runtimetoken.MessageDeduper, log *logger.Logger) *Manager {
	concurrency := cfg.FanoutConcurrency
	if concurrency <= 0 {
		concurrency = 32
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		reg:        reg,
		hub:        h,
		assets:     assets,
		up:         up,
		dedupe:     dedupe,
		logger:     log.WithComponent("eventsub"),
		fanout:     semaphore.NewWeighted(int64(concurrency)),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		lastNotify: make(map[string]time.Time),
		names:      make(map[string]nameEntry),
		now:        time.Now,
	}
}

// LoadInterests rebuilds the in-memory registry from the store.
func (m *Manager) LoadInterests(ctx context.Context) error {
	interests, err := m.store.ListInterests(ctx)
	if err != nil {
		return fmt.Errorf("loading interests: %w", err)
	}
	loaded := make([]registry.Interest, 0, len(interests))
	for _, interest := range interests {
		loaded = append(loaded, toRegistryInterest(interest))
	}
	m.reg.Load(loaded)
	m.logger.Info("interest registry loaded", slog.Int("interests", len(loaded)))
	return nil
}

func toRegistryInterest(interest pg.ServiceInterest) registry.Interest {
	webhookURL := ""
	if interest.WebhookURL != nil {
		webhookURL = *interest.WebhookURL
	}
	return registry.Interest{
		ID:                interest.ID,
		ServiceID:         interest.ServiceAccountID,
		BotAccountID:      interest.BotAccountID,
		EventType:         interest.EventType,
		BroadcasterUserID: interest.BroadcasterUserID,
		Transport:         interest.Transport,
		WebhookURL:        webhookURL,
	}
}

// Start launches the session machine and the periodic jobs.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSessionLoop()
	}()

	m.cron = cron.New()
	gcSpec := fmt.Sprintf("@every %s", m.cfg.GCInterval)
	m.cron.AddFunc(gcSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GCInterval)
		defer cancel()
		if err := m.RunGCOnce(ctx); err != nil {
			m.logger.Error("stale interest gc failed", slog.String("error", err.Error()))
		}
	})
	m.cron.AddFunc("@every 1m", func() {
		m.dedupe.Prune()
	})
	m.cron.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := m.RefreshChannelLiveness(ctx); err != nil {
			m.logger.Error("channel liveness refresh failed", slog.String("error", err.Error()))
		}
	})
	m.cron.Start()

	m.logger.Info("eventsub manager started")
}

// Stop shuts the session machine and the periodic jobs down.
func (m *Manager) Stop() {
	close(m.stop)
	if m.cron != nil {
		m.cron.Stop()
	}
	m.Wake()
	m.wg.Wait()
	m.logger.Info("eventsub manager stopped")
}

// Wake nudges the session loop to re-evaluate its predicate, used when an
// interest appears or a consumer connects.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SessionID returns the current upstream websocket session, empty when none.
func (m *Manager) SessionID() string {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	return m.sessionID
}

func (m *Manager) setSessionID(sid string) {
	m.sessionMu.Lock()
	m.sessionID = sid
	m.sessionMu.Unlock()
}

// clearSessionIf resets the session only when it still equals the snapshot,
// so a racing welcome is not clobbered.
func (m *Manager) clearSessionIf(snapshot string) {
	m.sessionMu.Lock()
	if m.sessionID == snapshot {
		m.sessionID = ""
	}
	m.sessionMu.Unlock()
}

// OnInterestAdded indexes a freshly created interest and brings its upstream
// subscription up asynchronously.
func (m *Manager) OnInterestAdded(interest pg.ServiceInterest) {
	key := m.reg.Add(toRegistryInterest(interest))
	if strings.HasPrefix(interest.EventType, "channel.chat.") {
		m.assets.Prefetch(interest.BroadcasterUserID)
	}
	m.Wake()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		m.Ensure(ctx, key)
	}()
}

// OnInterestRemoved tears the upstream subscription down once no interest
// references the key.
func (m *Manager) OnInterestRemoved(ctx context.Context, key registry.Key, stillUsed bool) {
	if stillUsed {
		return
	}
	m.ensureMu.Lock()
	defer m.ensureMu.Unlock()
	m.teardownKeyLocked(ctx, key)
}

// teardownKeyLocked deletes the upstream subscription, the local row and the
// channel state for a key. Callers hold ensureMu.
func (m *Manager) teardownKeyLocked(ctx context.Context, key registry.Key) {
	sub, err := m.store.GetSubscriptionByKey(ctx, key.BotAccountID, key.EventType, key.BroadcasterUserID)
	if err != nil {
		m.logger.LogError(ctx, err, "subscription lookup failed during teardown")
		return
	}
	if sub != nil {
		if err := m.deleteUpstream(ctx, key, sub); err != nil {
			m.logger.LogError(ctx, err, "upstream delete failed during teardown",
				slog.String("twitch_subscription_id", sub.TwitchSubscriptionID))
		}
		if err := m.store.DeleteSubscriptionByKey(ctx, key.BotAccountID, key.EventType, key.BroadcasterUserID); err != nil {
			m.logger.LogError(ctx, err, "local subscription delete failed during teardown")
		}
	}
	if err := m.store.DeleteChannelState(ctx, key.BotAccountID, key.BroadcasterUserID); err != nil {
		m.logger.LogError(ctx, err, "channel state delete failed during teardown")
	}
	m.logger.Info("subscription torn down",
		slog.String("event_type", key.EventType),
		slog.String("broadcaster_user_id", key.BroadcasterUserID))
}

// deleteUpstream removes the subscription at Twitch. Missing and
// stale-session subscriptions count as already gone.
func (m *Manager) deleteUpstream(ctx context.Context, key registry.Key, sub *pg.TwitchSubscription) error {
	token := ""
	if sub.SessionID != nil {
		if bot, err := m.store.GetBotByID(ctx, key.BotAccountID); err == nil && bot != nil {
			if userToken, tokenErr := m.botUserToken(ctx, bot); tokenErr == nil {
				token = userToken
			}
		}
	}
	err := m.up.DeleteEventSubSubscription(ctx, sub.TwitchSubscriptionID, token)
	if err == nil || twitch.IsNotFound(err) || twitch.IsStaleSession(err) {
		return nil
	}
	return err
}

// botUserToken returns a usable user token for the bot, refreshing and
// persisting it when expired.
func (m *Manager) botUserToken(ctx context.Context, bot *pg.BotAccount) (string, error) {
	if bot.AccessToken != "" && m.now().Add(time.Minute).Before(bot.TokenExpiresAt) {
		return bot.AccessToken, nil
	}
	if bot.RefreshToken == "" {
		if bot.AccessToken != "" {
			return bot.AccessToken, nil
		}
		return "", fmt.Errorf("bot %s has no token", bot.Name)
	}
	refreshed, err := m.up.RefreshToken(ctx, bot.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refreshing token for bot %s: %w", bot.Name, err)
	}
	if err := m.store.UpdateBotTokens(ctx, bot.ID, refreshed.AccessToken, refreshed.RefreshToken, refreshed.ExpiresAt); err != nil {
		m.logger.LogError(ctx, err, "persisting refreshed bot token failed", slog.String("bot", bot.Name))
	}
	bot.AccessToken = refreshed.AccessToken
	bot.RefreshToken = refreshed.RefreshToken
	bot.TokenExpiresAt = refreshed.ExpiresAt
	return refreshed.AccessToken, nil
}

// ActiveSubscriptions lists enabled upstream subscriptions through a short
// snapshot cache. refresh forces a new upstream listing.
func (m *Manager) ActiveSubscriptions(ctx context.Context, refresh bool) ([]twitch.Subscription, error) {
	m.activeMu.Lock()
	if !refresh && m.activeSubs != nil && m.now().Sub(m.activeFetched) < m.cfg.ActiveSubsCacheTTL {
		cached := m.activeSubs
		m.activeMu.Unlock()
		return cached, nil
	}
	m.activeMu.Unlock()

	subs, err := m.listAllUpstream(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]twitch.Subscription, 0, len(subs))
	for _, sub := range subs {
		if strings.HasPrefix(sub.Status, "enabled") {
			active = append(active, sub)
		}
	}

	m.activeMu.Lock()
	m.activeSubs = active
	m.activeFetched = m.now()
	m.activeMu.Unlock()
	return active, nil
}

// listAllUpstream merges the app-token listing with every enabled bot's
// user-token listing, deduplicated by upstream subscription ID.
func (m *Manager) listAllUpstream(ctx context.Context) ([]twitch.Subscription, error) {
	merged := make(map[string]twitch.Subscription)

	appSubs, err := m.up.ListEventSubSubscriptions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing app subscriptions: %w", err)
	}
	for _, sub := range appSubs {
		merged[sub.ID] = sub
	}

	bots, err := m.store.ListEnabledBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing bots: %w", err)
	}
	for i := range bots {
		token, err := m.botUserToken(ctx, &bots[i])
		if err != nil {
			m.logger.Warn("skipping bot listing, no usable token",
				slog.String("bot", bots[i].Name),
				slog.String("error", err.Error()))
			continue
		}
		botSubs, err := m.up.ListEventSubSubscriptions(ctx, token)
		if err != nil {
			m.logger.Warn("bot subscription listing failed",
				slog.String("bot", bots[i].Name),
				slog.String("error", err.Error()))
			continue
		}
		for _, sub := range botSubs {
			merged[sub.ID] = sub
		}
	}

	out := make([]twitch.Subscription, 0, len(merged))
	for _, sub := range merged {
		out = append(out, sub)
	}
	return out, nil
}
