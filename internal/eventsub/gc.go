package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/streamforge/twitch-bridge/internal/storage/pg"
	"github.com/streamforge/twitch-bridge/internal/twitch"
)

const livenessChunkSize = 100

// RunGCOnce sweeps interests whose consumer has gone absent: first marked
// stale after the grace windows pass, then deleted once the stale period
// elapses, tearing down the upstream subscription when nobody else shares
// the key.
func (m *Manager) RunGCOnce(ctx context.Context) error {
	interests, err := m.store.ListInterests(ctx)
	if err != nil {
		return fmt.Errorf("gc listing interests: %w", err)
	}

	now := m.now()
	statsCache := make(map[uuid.UUID]*pg.ServiceRuntimeStats)
	marked, cleared, deleted := 0, 0, 0

	for _, interest := range interests {
		if m.interestActive(ctx, interest, now, statsCache) {
			if interest.StaleMarkedAt != nil || interest.DeleteAfter != nil {
				if err := m.store.ClearInterestStale(ctx, interest.ID); err != nil {
					m.logger.LogError(ctx, err, "clearing stale mark failed")
					continue
				}
				cleared++
			}
			continue
		}

		if interest.StaleMarkedAt == nil {
			staleAt := now
			deleteAfter := staleAt.Add(m.cfg.InterestUnsubscribeAfterStale)
			if err := m.store.MarkInterestStale(ctx, interest.ID, staleAt, deleteAfter); err != nil {
				m.logger.LogError(ctx, err, "marking interest stale failed")
				continue
			}
			marked++
			continue
		}

		if interest.DeleteAfter != nil && !now.Before(*interest.DeleteAfter) {
			if err := m.store.DeleteInterest(ctx, interest.ID); err != nil {
				m.logger.LogError(ctx, err, "deleting stale interest failed")
				continue
			}
			key, stillUsed := m.reg.Remove(toRegistryInterest(interest))
			deleted++
			m.logger.Info("stale interest deleted",
				slog.String("service_id", interest.ServiceAccountID.String()),
				slog.String("event_type", interest.EventType),
				slog.String("broadcaster_user_id", interest.BroadcasterUserID))
			m.OnInterestRemoved(ctx, key, stillUsed)
		}
	}

	if marked > 0 || cleared > 0 || deleted > 0 {
		m.logger.Info("stale interest gc pass",
			slog.Int("marked", marked),
			slog.Int("cleared", cleared),
			slog.Int("deleted", deleted))
	}
	return nil
}

// interestActive reports whether the owning consumer still looks present:
// a live downstream connection, a recent disconnect, or a fresh heartbeat.
func (m *Manager) interestActive(ctx context.Context, interest pg.ServiceInterest, now time.Time, statsCache map[uuid.UUID]*pg.ServiceRuntimeStats) bool {
	if m.hub.ConnectionCount(interest.ServiceAccountID.String()) > 0 {
		return true
	}

	stats, cached := statsCache[interest.ServiceAccountID]
	if !cached {
		fetched, err := m.store.GetServiceRuntimeStats(ctx, interest.ServiceAccountID)
		if err != nil {
			m.logger.Warn("runtime stats lookup failed during gc",
				slog.String("service_id", interest.ServiceAccountID.String()),
				slog.String("error", err.Error()))
		}
		stats = fetched
		statsCache[interest.ServiceAccountID] = stats
	}
	if stats != nil {
		if stats.IsConnected {
			return true
		}
		if stats.LastDisconnectedAt != nil && now.Sub(*stats.LastDisconnectedAt) <= m.cfg.InterestDisconnectGrace {
			return true
		}
	}

	return now.Sub(interest.LastHeartbeatAt) <= m.cfg.InterestHeartbeatTimeout
}

// RefreshChannelLiveness polls Helix for the live state of every subscribed
// broadcaster and updates the cached channel rows.
func (m *Manager) RefreshChannelLiveness(ctx context.Context) error {
	return m.refreshChannelLivenessLocked(ctx)
}

func (m *Manager) refreshChannelLivenessLocked(ctx context.Context) error {
	subs, err := m.store.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("liveness listing subscriptions: %w", err)
	}

	type pair struct {
		botID       uuid.UUID
		broadcaster string
	}
	seen := make(map[pair]bool)
	pairs := make([]pair, 0, len(subs))
	broadcasters := make([]string, 0, len(subs))
	broadcasterSeen := make(map[string]bool)
	for _, sub := range subs {
		p := pair{botID: sub.BotAccountID, broadcaster: sub.BroadcasterUserID}
		if seen[p] {
			continue
		}
		seen[p] = true
		pairs = append(pairs, p)
		if !broadcasterSeen[sub.BroadcasterUserID] {
			broadcasterSeen[sub.BroadcasterUserID] = true
			broadcasters = append(broadcasters, sub.BroadcasterUserID)
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	live := make(map[string]twitch.Stream)
	for start := 0; start < len(broadcasters); start += livenessChunkSize {
		end := start + livenessChunkSize
		if end > len(broadcasters) {
			end = len(broadcasters)
		}
		streams, err := m.up.GetStreamsByUserIDs(ctx, "", broadcasters[start:end])
		if err != nil {
			return fmt.Errorf("liveness stream lookup: %w", err)
		}
		for _, stream := range streams {
			live[stream.UserID] = stream
		}
	}

	for _, p := range pairs {
		stream, isLive := live[p.broadcaster]
		var title, gameName *string
		var startedAt *time.Time
		if isLive {
			title = &stream.Title
			gameName = &stream.GameName
			startedAt = parseEventTime(stream.StartedAt)
		}
		if err := m.store.RefreshChannelState(ctx, p.botID, p.broadcaster, isLive, title, gameName, startedAt); err != nil {
			m.logger.LogError(ctx, err, "channel state refresh failed",
				slog.String("broadcaster_user_id", p.broadcaster))
		}
	}

	m.logger.Debug("channel liveness refreshed",
		slog.Int("channels", len(pairs)),
		slog.Int("live", len(live)))
	return nil
}
