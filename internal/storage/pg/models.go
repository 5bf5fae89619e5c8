package pg

import (
	"time"

	"github.com/google/uuid"
)

// BotAccount is a Twitch identity the bridge acts on behalf of.
type BotAccount struct {
	ID             uuid.UUID
	Name           string
	TwitchUserID   string
	TwitchLogin    string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ServiceAccount is a downstream consumer principal.
type ServiceAccount struct {
	ID               uuid.UUID
	Name             string
	ClientID         string
	ClientSecretHash string
	Enabled          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ServiceInterest is one consumer's declared desire for (bot, event type, broadcaster)
// on a chosen downstream transport.
type ServiceInterest struct {
	ID                uuid.UUID
	ServiceAccountID  uuid.UUID
	BotAccountID      uuid.UUID
	EventType         string
	BroadcasterUserID string
	Transport         string
	WebhookURL        *string
	LastHeartbeatAt   time.Time
	StaleMarkedAt     *time.Time
	DeleteAfter       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TwitchSubscription is the bridge-owned upstream subscription for a key.
type TwitchSubscription struct {
	ID                   uuid.UUID
	BotAccountID         uuid.UUID
	EventType            string
	BroadcasterUserID    string
	TwitchSubscriptionID string
	Status               string
	SessionID            *string
	LastSeenAt           time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ChannelState is the cached liveness of a channel for a bot.
type ChannelState struct {
	ID                uuid.UUID
	BotAccountID      uuid.UUID
	BroadcasterUserID string
	IsLive            bool
	Title             *string
	GameName          *string
	StartedAt         *time.Time
	LastEventAt       *time.Time
	LastCheckedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BroadcasterAuthorization records scopes a broadcaster granted to a (service, bot) pair.
type BroadcasterAuthorization struct {
	ID                uuid.UUID
	ServiceAccountID  uuid.UUID
	BotAccountID      uuid.UUID
	BroadcasterUserID string
	BroadcasterLogin  string
	Scopes            string // comma-joined
	AuthorizedAt      time.Time
}

// ServiceRuntimeStats holds per-consumer connection counters.
type ServiceRuntimeStats struct {
	ServiceAccountID    uuid.UUID
	IsConnected         bool
	ActiveWSConnections int
	LastConnectedAt     *time.Time
	LastDisconnectedAt  *time.Time
	EventsSentWS        int64
	EventsSentWebhook   int64
	AuthSuccessCount    int64
	AuthFailureCount    int64
	UpdatedAt           time.Time
}

// ServiceEventTrace is one append-only record of a delivered or received envelope.
type ServiceEventTrace struct {
	ID               uuid.UUID
	ServiceAccountID uuid.UUID
	Direction        string // incoming | outgoing
	Transport        string
	EventType        string
	Target           string
	Payload          string // redacted JSON
	CreatedAt        time.Time
}
