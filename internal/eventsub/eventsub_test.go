package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamforge/twitch-bridge/internal/config"
	"github.com/streamforge/twitch-bridge/internal/hub"
	"github.com/streamforge/twitch-bridge/internal/logger"
	"github.com/streamforge/twitch-bridge/internal/registry"
	"github.com/streamforge/twitch-bridge/internal/runtimetoken"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
	"github.com/streamforge/twitch-bridge/internal/twitch"
)

func subKey(botID uuid.UUID, eventType, broadcaster string) string {
	return fmt.Sprintf("%s|%s|%s", botID, eventType, broadcaster)
}

type fakeTrace struct {
	serviceID uuid.UUID
	direction string
	transport string
	eventType string
	target    string
}

type fakeStore struct {
	mu sync.Mutex

	bots      map[uuid.UUID]*pg.BotAccount
	services  map[uuid.UUID]*pg.ServiceAccount
	interests map[uuid.UUID]pg.ServiceInterest
	subs      map[string]pg.TwitchSubscription
	auths     []pg.BroadcasterAuthorization
	stats     map[uuid.UUID]*pg.ServiceRuntimeStats

	anyConnected     bool
	latestDisconnect *time.Time

	disabledBots    []uuid.UUID
	liveChannels    map[string]bool
	deletedChannels []string
	refreshed       []string
	traces          []fakeTrace
	truncated       bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:         make(map[uuid.UUID]*pg.BotAccount),
		services:     make(map[uuid.UUID]*pg.ServiceAccount),
		interests:    make(map[uuid.UUID]pg.ServiceInterest),
		subs:         make(map[string]pg.TwitchSubscription),
		stats:        make(map[uuid.UUID]*pg.ServiceRuntimeStats),
		liveChannels: make(map[string]bool),
	}
}

func (s *fakeStore) GetBotByID(_ context.Context, id uuid.UUID) (*pg.BotAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bots[id], nil
}

func (s *fakeStore) GetBotByTwitchUserID(_ context.Context, twitchUserID string) (*pg.BotAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bot := range s.bots {
		if bot.TwitchUserID == twitchUserID {
			return bot, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListEnabledBots(_ context.Context) ([]pg.BotAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pg.BotAccount
	for _, bot := range s.bots {
		if bot.Enabled {
			out = append(out, *bot)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateBotTokens(_ context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bot, ok := s.bots[id]; ok {
		bot.AccessToken = accessToken
		bot.RefreshToken = refreshToken
		bot.TokenExpiresAt = expiresAt
	}
	return nil
}

func (s *fakeStore) DisableBotAndClearTokens(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bot, ok := s.bots[id]; ok {
		bot.Enabled = false
		bot.AccessToken = ""
		bot.RefreshToken = ""
	}
	s.disabledBots = append(s.disabledBots, id)
	return nil
}

func (s *fakeStore) GetServiceAccountByID(_ context.Context, id uuid.UUID) (*pg.ServiceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services[id], nil
}

func (s *fakeStore) ListInterests(_ context.Context) ([]pg.ServiceInterest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pg.ServiceInterest
	for _, interest := range s.interests {
		out = append(out, interest)
	}
	return out, nil
}

func (s *fakeStore) DeleteInterest(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.interests, id)
	return nil
}

func (s *fakeStore) DeleteInterests(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.interests, id)
	}
	return nil
}

func (s *fakeStore) MarkInterestStale(_ context.Context, id uuid.UUID, staleAt, deleteAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if interest, ok := s.interests[id]; ok {
		interest.StaleMarkedAt = &staleAt
		interest.DeleteAfter = &deleteAfter
		s.interests[id] = interest
	}
	return nil
}

func (s *fakeStore) ClearInterestStale(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if interest, ok := s.interests[id]; ok {
		interest.StaleMarkedAt = nil
		interest.DeleteAfter = nil
		s.interests[id] = interest
	}
	return nil
}

func (s *fakeStore) ListSubscriptions(_ context.Context) ([]pg.TwitchSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pg.TwitchSubscription
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (s *fakeStore) GetSubscriptionByKey(_ context.Context, botID uuid.UUID, eventType, broadcaster string) (*pg.TwitchSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[subKey(botID, eventType, broadcaster)]; ok {
		copied := sub
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeStore) GetSubscriptionByTwitchID(_ context.Context, twitchSubscriptionID string) (*pg.TwitchSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.TwitchSubscriptionID == twitchSubscriptionID {
			copied := sub
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpsertSubscription(_ context.Context, botID uuid.UUID, eventType, broadcaster, twitchSubscriptionID, status string, sessionID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[subKey(botID, eventType, broadcaster)] = pg.TwitchSubscription{
		ID:                   uuid.New(),
		BotAccountID:         botID,
		EventType:            eventType,
		BroadcasterUserID:    broadcaster,
		TwitchSubscriptionID: twitchSubscriptionID,
		Status:               status,
		SessionID:            sessionID,
	}
	return nil
}

func (s *fakeStore) DeleteSubscriptionByKey(_ context.Context, botID uuid.UUID, eventType, broadcaster string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, subKey(botID, eventType, broadcaster))
	return nil
}

func (s *fakeStore) UpdateSubscriptionStatusByTwitchID(_ context.Context, twitchSubscriptionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sub := range s.subs {
		if sub.TwitchSubscriptionID == twitchSubscriptionID {
			sub.Status = status
			s.subs[key] = sub
		}
	}
	return nil
}

func (s *fakeStore) TruncateSubscriptions(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = make(map[string]pg.TwitchSubscription)
	s.truncated = true
	return nil
}

func (s *fakeStore) SetChannelLive(_ context.Context, botID uuid.UUID, broadcaster string, _ *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveChannels[subKey(botID, "", broadcaster)] = true
	return nil
}

func (s *fakeStore) SetChannelOffline(_ context.Context, botID uuid.UUID, broadcaster string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveChannels[subKey(botID, "", broadcaster)] = false
	return nil
}

func (s *fakeStore) RefreshChannelState(_ context.Context, botID uuid.UUID, broadcaster string, isLive bool, _, _ *string, _ *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveChannels[subKey(botID, "", broadcaster)] = isLive
	s.refreshed = append(s.refreshed, broadcaster)
	return nil
}

func (s *fakeStore) DeleteChannelState(_ context.Context, botID uuid.UUID, broadcaster string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.liveChannels, subKey(botID, "", broadcaster))
	s.deletedChannels = append(s.deletedChannels, broadcaster)
	return nil
}

func (s *fakeStore) ListBroadcasterAuthorizations(_ context.Context, botID uuid.UUID, broadcaster string) ([]pg.BroadcasterAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pg.BroadcasterAuthorization
	for _, auth := range s.auths {
		if auth.BotAccountID == botID && auth.BroadcasterUserID == broadcaster {
			out = append(out, auth)
		}
	}
	return out, nil
}

func (s *fakeStore) GetServiceRuntimeStats(_ context.Context, serviceID uuid.UUID) (*pg.ServiceRuntimeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[serviceID], nil
}

func (s *fakeStore) AnyServiceConnected(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anyConnected, nil
}

func (s *fakeStore) LatestDisconnectAt(_ context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestDisconnect, nil
}

func (s *fakeStore) InsertEventTrace(_ context.Context, serviceID uuid.UUID, direction, transport, eventType, target, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, fakeTrace{serviceID: serviceID, direction: direction, transport: transport, eventType: eventType, target: target})
	return nil
}

type fakeUpstream struct {
	mu sync.Mutex

	remote    []twitch.Subscription
	createErr error
	nextID    int
	deleted   []string
	created   []twitch.Subscription

	validation *twitch.TokenValidation
	users      []twitch.User
	streams    []twitch.Stream

	refreshCalls int
	listErr      error
}

func (u *fakeUpstream) AppAccessToken(context.Context) (string, error) {
	return "app-token", nil
}

func (u *fakeUpstream) RefreshToken(_ context.Context, refreshToken string) (*twitch.OAuthToken, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.refreshCalls++
	return &twitch.OAuthToken{
		AccessToken:  "refreshed-" + refreshToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (u *fakeUpstream) ValidateUserToken(context.Context, string) (*twitch.TokenValidation, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.validation != nil {
		return u.validation, nil
	}
	return &twitch.TokenValidation{Scopes: []string{"user:read:chat"}}, nil
}

func (u *fakeUpstream) GetUsersByQuery(context.Context, string, []string, []string) ([]twitch.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.users, nil
}

func (u *fakeUpstream) GetStreamsByUserIDs(context.Context, string, []string) ([]twitch.Stream, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.streams, nil
}

func (u *fakeUpstream) ListEventSubSubscriptions(context.Context, string) ([]twitch.Subscription, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.listErr != nil {
		return nil, u.listErr
	}
	out := make([]twitch.Subscription, len(u.remote))
	copy(out, u.remote)
	return out, nil
}

func (u *fakeUpstream) CreateEventSubSubscription(_ context.Context, eventType, version string, condition map[string]string, transport twitch.Transport, _ string) (*twitch.Subscription, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.createErr != nil {
		return nil, u.createErr
	}
	u.nextID++
	sub := twitch.Subscription{
		ID:        fmt.Sprintf("sub-%d", u.nextID),
		Status:    "enabled",
		Type:      eventType,
		Version:   version,
		Condition: condition,
		Transport: transport,
	}
	u.remote = append(u.remote, sub)
	u.created = append(u.created, sub)
	return &sub, nil
}

func (u *fakeUpstream) DeleteEventSubSubscription(_ context.Context, subscriptionID, _ string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.deleted = append(u.deleted, subscriptionID)
	kept := u.remote[:0]
	for _, sub := range u.remote {
		if sub.ID != subscriptionID {
			kept = append(kept, sub)
		}
	}
	u.remote = kept
	return nil
}

type wsRecord struct {
	serviceID string
	env       hub.Envelope
}

type fakePublisher struct {
	mu       sync.Mutex
	ws       []wsRecord
	webhooks []wsRecord
	conns    map[string]int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{conns: make(map[string]int)}
}

func (p *fakePublisher) PublishWS(serviceID string, env hub.Envelope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ws = append(p.ws, wsRecord{serviceID: serviceID, env: env})
	return 1
}

func (p *fakePublisher) PublishWebhook(_ context.Context, serviceID, url string, env hub.Envelope, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhooks = append(p.webhooks, wsRecord{serviceID: serviceID, env: env})
	return nil
}

func (p *fakePublisher) ConnectionCount(serviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[serviceID]
}

func (p *fakePublisher) wsEvents() []wsRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wsRecord, len(p.ws))
	copy(out, p.ws)
	return out
}

type fakeEnricher struct {
	mu         sync.Mutex
	assets     map[string]any
	prefetched []string
}

func (e *fakeEnricher) EnrichChatEvent(context.Context, string, json.RawMessage) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assets
}

func (e *fakeEnricher) Prefetch(broadcasterID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefetched = append(e.prefetched, broadcasterID)
}

func testConfig() *config.Config {
	return &config.Config{
		TwitchClientID:                "client-id",
		TwitchEventSubWSURL:           "wss://eventsub.example/ws",
		WSListenerCooldown:            15 * time.Minute,
		InterestDisconnectGrace:       15 * time.Minute,
		InterestHeartbeatTimeout:      30 * time.Minute,
		InterestUnsubscribeAfterStale: 24 * time.Hour,
		GCInterval:                    time.Minute,
		SubscriptionErrorCooldown:     time.Minute,
		DedupeTTL:                     10 * time.Minute,
		WSTokenTTL:                    time.Minute,
		ActiveSubsCacheTTL:            30 * time.Second,
		NameCacheTTL:                  15 * time.Minute,
		WebhookDeliveryTimeout:        5 * time.Second,
		FanoutConcurrency:             4,
		TraceMaxChars:                 4000,
	}
}

type testHarness struct {
	manager *Manager
	cfg     *config.Config
	store   *fakeStore
	up      *fakeUpstream
	pub     *fakePublisher
	enrich  *fakeEnricher
	reg     *registry.Registry
	clock   *time.Time
}

func newTestHarness(cfg *config.Config) *testHarness {
	store := newFakeStore()
	up := &fakeUpstream{}
	pub := newFakePublisher()
	enrich := &fakeEnricher{}
	reg := registry.New()
	log := logger.New(logger.FromConfig("error", "json"))
	dedupe := runtimetoken.NewMessageDeduper(cfg.DedupeTTL)

	m := NewManager(cfg, store, reg, pub, enrich, up, dedupe, log)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	m.now = func() time.Time { return *clock }

	return &testHarness{manager: m, cfg: cfg, store: store, up: up, pub: pub, enrich: enrich, reg: reg, clock: clock}
}

func (h *testHarness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func (h *testHarness) seedBot(twitchUserID string) *pg.BotAccount {
	bot := &pg.BotAccount{
		ID:             uuid.New(),
		Name:           "bot-" + twitchUserID,
		TwitchUserID:   twitchUserID,
		AccessToken:    "user-token",
		RefreshToken:   "refresh-token",
		TokenExpiresAt: h.clock.Add(time.Hour),
		Enabled:        true,
	}
	h.store.bots[bot.ID] = bot
	return bot
}

func (h *testHarness) seedService(enabled bool) *pg.ServiceAccount {
	service := &pg.ServiceAccount{
		ID:      uuid.New(),
		Name:    "svc",
		Enabled: enabled,
	}
	h.store.services[service.ID] = service
	return service
}

func broadcasterAuth(bot *pg.BotAccount, broadcaster, scopes string) pg.BroadcasterAuthorization {
	return pg.BroadcasterAuthorization{
		ID:                uuid.New(),
		ServiceAccountID:  uuid.New(),
		BotAccountID:      bot.ID,
		BroadcasterUserID: broadcaster,
		Scopes:            scopes,
	}
}

func (h *testHarness) seedInterest(serviceID, botID uuid.UUID, eventType, broadcaster, transport string) pg.ServiceInterest {
	interest := pg.ServiceInterest{
		ID:                uuid.New(),
		ServiceAccountID:  serviceID,
		BotAccountID:      botID,
		EventType:         eventType,
		BroadcasterUserID: broadcaster,
		Transport:         transport,
		LastHeartbeatAt:   *h.clock,
	}
	h.store.interests[interest.ID] = interest
	h.reg.Add(toRegistryInterest(interest))
	return interest
}
