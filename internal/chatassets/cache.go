// Package chatassets caches Twitch chat badges and emotes (global and per
// broadcaster) so chat notifications can be enriched without per-message
// Helix calls.
package chatassets

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamforge/twitch-bridge/internal/logger"
	"github.com/streamforge/twitch-bridge/internal/metrics"
	"github.com/streamforge/twitch-bridge/internal/twitch"
	"golang.org/x/sync/singleflight"
)

const (
	kindGlobalBadges  = "global_badges"
	kindGlobalEmotes  = "global_emotes"
	kindChannelBadges = "channel_badges"
	kindChannelEmotes = "channel_emotes"
)

// assetAPI is the slice of the Twitch client the cache needs.
type assetAPI interface {
	AppAccessToken(ctx context.Context) (string, error)
	GetGlobalChatBadges(ctx context.Context, accessToken string) ([]twitch.BadgeSet, error)
	GetChannelChatBadges(ctx context.Context, accessToken, broadcasterID string) ([]twitch.BadgeSet, error)
	GetGlobalEmotes(ctx context.Context, accessToken string) ([]twitch.Emote, error)
	GetChannelEmotes(ctx context.Context, accessToken, broadcasterID string) ([]twitch.Emote, error)
}

type entryKey struct {
	kind          string
	broadcasterID string
}

type cacheEntry struct {
	badges    []twitch.BadgeSet
	emotes    []twitch.Emote
	expiresAt time.Time
}

// Cache is the in-memory asset store. Fetches are single-flighted per
// (kind, broadcaster); expired values survive upstream errors for a longer
// stale-if-error window.
type Cache struct {
	api          assetAPI
	ttl          time.Duration
	staleIfError time.Duration
	logger       *logger.Logger

	mu      sync.Mutex
	entries map[entryKey]cacheEntry
	group   singleflight.Group
	now     func() time.Time
}

func New(api assetAPI, ttl, staleIfError time.Duration, log *logger.Logger) *Cache {
	return &Cache{
		api:          api,
		ttl:          ttl,
		staleIfError: staleIfError,
		logger:       log.WithComponent("chat-assets"),
		entries:      make(map[entryKey]cacheEntry),
		now:          time.Now,
	}
}

func (c *Cache) get(key entryKey) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *Cache) set(key entryKey, entry cacheEntry, ttl time.Duration) {
	entry.expiresAt = c.now().Add(ttl)
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

func (c *Cache) fresh(entry cacheEntry, ok bool) bool {
	return ok && c.now().Before(entry.expiresAt)
}

// Prefetch refreshes all four asset kinds in the background. Used on
// interest creation and on chat events; never blocks.
func (c *Cache) Prefetch(broadcasterID string) {
	for _, key := range c.keysFor(broadcasterID) {
		key := key
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := c.ensureFresh(ctx, key); err != nil {
				c.logger.Info("asset refresh failed",
					slog.String("kind", key.kind),
					slog.String("broadcaster_id", key.broadcasterID),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// Refresh force-reloads all four asset kinds synchronously.
func (c *Cache) Refresh(ctx context.Context, broadcasterID string) error {
	for _, key := range c.keysFor(broadcasterID) {
		if _, err := c.fetch(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) keysFor(broadcasterID string) []entryKey {
	return []entryKey{
		{kind: kindGlobalBadges},
		{kind: kindGlobalEmotes},
		{kind: kindChannelBadges, broadcasterID: broadcasterID},
		{kind: kindChannelEmotes, broadcasterID: broadcasterID},
	}
}

// Snapshot returns the cached badge and emote payloads for the broadcaster,
// expired values included. Missing kinds come back empty.
func (c *Cache) Snapshot(broadcasterID string) map[string]any {
	globalBadges, _ := c.get(entryKey{kind: kindGlobalBadges})
	channelBadges, _ := c.get(entryKey{kind: kindChannelBadges, broadcasterID: broadcasterID})
	globalEmotes, _ := c.get(entryKey{kind: kindGlobalEmotes})
	channelEmotes, _ := c.get(entryKey{kind: kindChannelEmotes, broadcasterID: broadcasterID})

	return map[string]any{
		"badges": map[string]any{
			"global":  badgePayload(globalBadges.badges),
			"channel": badgePayload(channelBadges.badges),
		},
		"emotes": map[string]any{
			"global":  emotePayload(globalEmotes.emotes),
			"channel": emotePayload(channelEmotes.emotes),
		},
	}
}

func badgePayload(sets []twitch.BadgeSet) map[string]any {
	if sets == nil {
		sets = []twitch.BadgeSet{}
	}
	return map[string]any{"data": sets}
}

func emotePayload(emotes []twitch.Emote) map[string]any {
	if emotes == nil {
		emotes = []twitch.Emote{}
	}
	return map[string]any{"data": emotes}
}

// ensureFresh returns the cached entry, fetching when missing or expired.
// On fetch failure an expired entry is kept alive for the stale-if-error
// window and returned.
func (c *Cache) ensureFresh(ctx context.Context, key entryKey) (cacheEntry, error) {
	if entry, ok := c.get(key); c.fresh(entry, ok) {
		metrics.ChatAssetCacheHits.WithLabelValues(key.kind).Inc()
		return entry, nil
	}
	metrics.ChatAssetCacheMisses.WithLabelValues(key.kind).Inc()

	flightKey := key.kind + "|" + key.broadcasterID
	result, err, _ := c.group.Do(flightKey, func() (any, error) {
		entry, fetchErr := c.fetch(ctx, key)
		if fetchErr == nil {
			return entry, nil
		}
		if old, ok := c.get(key); ok {
			c.set(key, old, c.staleIfError)
			return old, nil
		}
		return cacheEntry{}, fetchErr
	})
	if err != nil {
		return cacheEntry{}, err
	}
	return result.(cacheEntry), nil
}

// fetch loads one kind from Helix and stores it with the normal TTL.
func (c *Cache) fetch(ctx context.Context, key entryKey) (cacheEntry, error) {
	token, err := c.api.AppAccessToken(ctx)
	if err != nil {
		return cacheEntry{}, err
	}

	var entry cacheEntry
	switch key.kind {
	case kindGlobalBadges:
		entry.badges, err = c.api.GetGlobalChatBadges(ctx, token)
	case kindChannelBadges:
		entry.badges, err = c.api.GetChannelChatBadges(ctx, token, key.broadcasterID)
	case kindGlobalEmotes:
		entry.emotes, err = c.api.GetGlobalEmotes(ctx, token)
	case kindChannelEmotes:
		entry.emotes, err = c.api.GetChannelEmotes(ctx, token, key.broadcasterID)
	default:
		return cacheEntry{}, fmt.Errorf("unknown asset kind %q", key.kind)
	}
	if err != nil {
		return cacheEntry{}, err
	}
	c.set(key, entry, c.ttl)
	return entry, nil
}
