// Package catalog is the static table of Twitch EventSub subscription types
// and the transport/version/scope policy derived from it.
package catalog

import (
	"sort"
	"strconv"
	"strings"
)

// Source: https://dev.twitch.tv/docs/eventsub/eventsub-subscription-types/
const (
	SourceURL          = "https://dev.twitch.tv/docs/eventsub/eventsub-subscription-types/"
	SourceSnapshotDate = "2026-02-17"
)

// Transport names shared by the upstream and downstream sides.
const (
	TransportWebhook   = "webhook"
	TransportWebsocket = "websocket"
)

// Entry describes one subscription type/version pair.
type Entry struct {
	Title       string
	EventType   string
	Version     string
	Description string
	Status      string // stable | new | beta
}

// Catalog is the full subscription-type table from the docs snapshot.
var Catalog = []Entry{
	{"Automod Message Hold", "automod.message.hold", "1", "Message caught by AutoMod.", "stable"},
	{"Automod Message Hold V2", "automod.message.hold", "2", "Message caught by AutoMod (public blocked terms only).", "new"},
	{"Automod Message Update", "automod.message.update", "1", "AutoMod queue message status changed.", "stable"},
	{"Automod Message Update V2", "automod.message.update", "2", "AutoMod queue message status changed (public blocked terms only).", "new"},
	{"Automod Settings Update", "automod.settings.update", "1", "Broadcaster AutoMod settings updated.", "stable"},
	{"Automod Terms Update", "automod.terms.update", "1", "Broadcaster AutoMod terms updated.", "stable"},
	{"Channel Bits Use", "channel.bits.use", "1", "Bits used on channel.", "new"},
	{"Channel Update", "channel.update", "2", "Channel metadata updated.", "stable"},
	{"Channel Follow", "channel.follow", "2", "User followed channel.", "stable"},
	{"Channel Ad Break Begin", "channel.ad_break.begin", "1", "Ad break started.", "stable"},
	{"Channel Chat Clear", "channel.chat.clear", "1", "Chat room messages cleared.", "stable"},
	{"Channel Chat Clear User Messages", "channel.chat.clear_user_messages", "1", "Specific user chat messages cleared.", "stable"},
	{"Channel Chat Message", "channel.chat.message", "1", "Chat message sent.", "new"},
	{"Channel Chat Message Delete", "channel.chat.message_delete", "1", "Specific chat message deleted.", "stable"},
	{"Channel Chat Notification", "channel.chat.notification", "1", "Chat UI notification event occurred.", "stable"},
	{"Channel Chat Settings Update", "channel.chat_settings.update", "1", "Chat settings updated.", "new"},
	{"Channel Chat User Message Hold", "channel.chat.user_message_hold", "1", "User message held by AutoMod.", "new"},
	{"Channel Chat User Message Update", "channel.chat.user_message_update", "1", "Held user message moderation state changed.", "new"},
	{"Channel Shared Chat Session Begin", "channel.shared_chat.begin", "1", "Channel joined a shared chat session.", "new"},
	{"Channel Shared Chat Session Update", "channel.shared_chat.update", "1", "Shared chat session changed.", "new"},
	{"Channel Shared Chat Session End", "channel.shared_chat.end", "1", "Channel left shared chat session.", "stable"},
	{"Channel Subscribe", "channel.subscribe", "1", "New subscription.", "stable"},
	{"Channel Subscription End", "channel.subscription.end", "1", "Subscription ended.", "stable"},
	{"Channel Subscription Gift", "channel.subscription.gift", "1", "Gift subscription sent.", "stable"},
	{"Channel Subscription Message", "channel.subscription.message", "1", "Resubscription chat message.", "stable"},
	{"Channel Cheer", "channel.cheer", "1", "Bits cheer event.", "stable"},
	{"Channel Raid", "channel.raid", "1", "Channel raid event.", "stable"},
	{"Channel Ban", "channel.ban", "1", "User banned.", "stable"},
	{"Channel Unban", "channel.unban", "1", "User unbanned.", "stable"},
	{"Channel Unban Request Create", "channel.unban_request.create", "1", "Unban request created.", "new"},
	{"Channel Unban Request Resolve", "channel.unban_request.resolve", "1", "Unban request resolved.", "new"},
	{"Channel Moderate", "channel.moderate", "1", "Moderation action.", "stable"},
	{"Channel Moderate V2", "channel.moderate", "2", "Moderation action (includes warnings).", "new"},
	{"Channel Moderator Add", "channel.moderator.add", "1", "Moderator added.", "stable"},
	{"Channel Moderator Remove", "channel.moderator.remove", "1", "Moderator removed.", "stable"},
	{"Channel Guest Star Session Begin", "channel.guest_star_session.begin", "beta", "Guest Star session started.", "beta"},
	{"Channel Guest Star Session End", "channel.guest_star_session.end", "beta", "Guest Star session ended.", "beta"},
	{"Channel Guest Star Guest Update", "channel.guest_star_guest.update", "beta", "Guest Star guest/slot updated.", "beta"},
	{"Channel Guest Star Settings Update", "channel.guest_star_settings.update", "beta", "Guest Star settings updated.", "beta"},
	{"Channel Points Automatic Reward Redemption Add", "channel.channel_points_automatic_reward_redemption.add", "1", "Automatic reward redeemed.", "stable"},
	{"Channel Points Automatic Reward Redemption Add V2", "channel.channel_points_automatic_reward_redemption.add", "2", "Automatic reward redeemed.", "new"},
	{"Channel Points Custom Reward Add", "channel.channel_points_custom_reward.add", "1", "Custom reward created.", "stable"},
	{"Channel Points Custom Reward Update", "channel.channel_points_custom_reward.update", "1", "Custom reward updated.", "stable"},
	{"Channel Points Custom Reward Remove", "channel.channel_points_custom_reward.remove", "1", "Custom reward removed.", "stable"},
	{"Channel Points Custom Reward Redemption Add", "channel.channel_points_custom_reward_redemption.add", "1", "Custom reward redeemed.", "stable"},
	{"Channel Points Custom Reward Redemption Update", "channel.channel_points_custom_reward_redemption.update", "1", "Custom reward redemption updated.", "stable"},
	{"Channel Poll Begin", "channel.poll.begin", "1", "Poll started.", "stable"},
	{"Channel Poll Progress", "channel.poll.progress", "1", "Poll vote update.", "stable"},
	{"Channel Poll End", "channel.poll.end", "1", "Poll ended.", "stable"},
	{"Channel Prediction Begin", "channel.prediction.begin", "1", "Prediction started.", "stable"},
	{"Channel Prediction Progress", "channel.prediction.progress", "1", "Prediction vote update.", "stable"},
	{"Channel Prediction Lock", "channel.prediction.lock", "1", "Prediction locked.", "stable"},
	{"Channel Prediction End", "channel.prediction.end", "1", "Prediction ended.", "stable"},
	{"Channel Suspicious User Message", "channel.suspicious_user.message", "1", "Suspicious user message sent.", "new"},
	{"Channel Suspicious User Update", "channel.suspicious_user.update", "1", "Suspicious user state updated.", "new"},
	{"Channel VIP Add", "channel.vip.add", "1", "VIP added.", "new"},
	{"Channel VIP Remove", "channel.vip.remove", "1", "VIP removed.", "new"},
	{"Channel Warning Acknowledge", "channel.warning.acknowledge", "1", "Warning acknowledged.", "new"},
	{"Channel Warning Send", "channel.warning.send", "1", "Warning sent.", "new"},
	{"Charity Donation", "channel.charity_campaign.donate", "1", "Charity donation made.", "stable"},
	{"Charity Campaign Start", "channel.charity_campaign.start", "1", "Charity campaign started.", "stable"},
	{"Charity Campaign Progress", "channel.charity_campaign.progress", "1", "Charity campaign progress update.", "stable"},
	{"Charity Campaign Stop", "channel.charity_campaign.stop", "1", "Charity campaign stopped.", "stable"},
	{"Conduit Shard Disabled", "conduit.shard.disabled", "1", "Conduit shard disabled.", "new"},
	{"Drop Entitlement Grant", "drop.entitlement.grant", "1", "Drop entitlement granted.", "stable"},
	{"Extension Bits Transaction Create", "extension.bits_transaction.create", "1", "Extension Bits transaction.", "stable"},
	{"Goal Begin", "channel.goal.begin", "1", "Goal started.", "stable"},
	{"Goal Progress", "channel.goal.progress", "1", "Goal progress update.", "stable"},
	{"Goal End", "channel.goal.end", "1", "Goal ended.", "stable"},
	{"Hype Train Begin", "channel.hype_train.begin", "2", "Hype Train started.", "stable"},
	{"Hype Train Progress", "channel.hype_train.progress", "2", "Hype Train progress.", "stable"},
	{"Hype Train End", "channel.hype_train.end", "2", "Hype Train ended.", "stable"},
	{"Shield Mode Begin", "channel.shield_mode.begin", "1", "Shield Mode enabled.", "stable"},
	{"Shield Mode End", "channel.shield_mode.end", "1", "Shield Mode disabled.", "stable"},
	{"Shoutout Create", "channel.shoutout.create", "1", "Shoutout sent.", "stable"},
	{"Shoutout Receive", "channel.shoutout.receive", "1", "Shoutout received.", "stable"},
	{"Stream Online", "stream.online", "1", "Stream started.", "stable"},
	{"Stream Offline", "stream.offline", "1", "Stream stopped.", "stable"},
	{"User Authorization Grant", "user.authorization.grant", "1", "User authorized client ID.", "stable"},
	{"User Authorization Revoke", "user.authorization.revoke", "1", "User revoked client ID authorization.", "stable"},
	{"User Update", "user.update", "1", "User account updated.", "stable"},
	{"Whisper Received", "user.whisper.message", "1", "User received whisper.", "new"},
}

// Per Twitch docs these types are webhook-only and cannot use WebSockets.
var websocketUnsupported = map[string]bool{
	"drop.entitlement.grant":            true,
	"extension.bits_transaction.create": true,
	"user.authorization.grant":          true,
	"user.authorization.revoke":         true,
}

var versionsByType = func() map[string][]string {
	m := make(map[string][]string)
	for _, entry := range Catalog {
		m[entry.EventType] = append(m[entry.EventType], entry.Version)
	}
	return m
}()

func normalize(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType))
}

// IsKnown reports whether the event type appears in the catalog.
func IsKnown(eventType string) bool {
	_, ok := versionsByType[normalize(eventType)]
	return ok
}

// SupportedTransports lists the transports Twitch accepts for the event type.
func SupportedTransports(eventType string) []string {
	if websocketUnsupported[normalize(eventType)] {
		return []string{TransportWebhook}
	}
	return []string{TransportWebhook, TransportWebsocket}
}

// BestTransport picks the upstream transport for an event type together with
// a human-readable reason.
func BestTransport(eventType string, webhookAvailable bool) (string, string) {
	normalized := normalize(eventType)
	if normalized == "user.authorization.revoke" {
		return TransportWebhook, "Webhook-only by Twitch; required for authorization revoke handling."
	}
	transports := SupportedTransports(normalized)
	if webhookAvailable {
		return TransportWebhook, "Webhook preferred for hosted services; app-token EventSub flow and durable delivery."
	}
	for _, t := range transports {
		if t == TransportWebsocket {
			return TransportWebsocket, "Webhook callback not configured; using websocket fallback."
		}
	}
	return TransportWebhook, "Webhook-only by Twitch."
}

// PreferredVersion returns the highest numeric version for the event type,
// falling back to "1" when no numeric version exists.
func PreferredVersion(eventType string) string {
	var numeric []int
	for _, v := range versionsByType[normalize(eventType)] {
		if n, err := strconv.Atoi(v); err == nil {
			numeric = append(numeric, n)
		}
	}
	if len(numeric) == 0 {
		return "1"
	}
	sort.Sort(sort.Reverse(sort.IntSlice(numeric)))
	return strconv.Itoa(numeric[0])
}

// RequiresConditionUserID reports whether the subscription condition must carry
// the bot's user id in addition to the broadcaster id.
func RequiresConditionUserID(eventType string) bool {
	normalized := normalize(eventType)
	return strings.HasPrefix(normalized, "channel.chat.") || normalized == "channel.chat_settings.update"
}

// RequiredScopeGroups returns the any-of scope groups the broadcaster grant
// must satisfy: one scope from every group.
func RequiredScopeGroups(eventType string) [][]string {
	normalized := normalize(eventType)
	switch {
	case strings.HasPrefix(normalized, "channel.channel_points_custom_reward"):
		return [][]string{{"channel:read:redemptions", "channel:manage:redemptions"}}
	case strings.HasPrefix(normalized, "channel.poll."):
		return [][]string{{"channel:read:polls", "channel:manage:polls"}}
	case strings.HasPrefix(normalized, "channel.prediction."):
		return [][]string{{"channel:read:predictions", "channel:manage:predictions"}}
	case strings.HasPrefix(normalized, "channel.goal."):
		return [][]string{{"channel:read:goals"}}
	case strings.HasPrefix(normalized, "channel.charity_campaign."):
		return [][]string{{"channel:read:charity"}}
	case normalized == "channel.ad_break.begin":
		return [][]string{{"channel:read:ads"}}
	case strings.HasPrefix(normalized, "channel.hype_train."):
		return [][]string{{"channel:read:hype_train"}}
	}
	return nil
}

// RecommendedBroadcasterScopes returns the minimal scopes a broadcaster should
// grant for the event type.
func RecommendedBroadcasterScopes(eventType string) []string {
	normalized := normalize(eventType)
	switch {
	case strings.HasPrefix(normalized, "channel.channel_points_custom_reward"):
		return []string{"channel:read:redemptions"}
	case strings.HasPrefix(normalized, "channel.poll."):
		return []string{"channel:read:polls"}
	case strings.HasPrefix(normalized, "channel.prediction."):
		return []string{"channel:read:predictions"}
	case strings.HasPrefix(normalized, "channel.goal."):
		return []string{"channel:read:goals"}
	case strings.HasPrefix(normalized, "channel.charity_campaign."):
		return []string{"channel:read:charity"}
	case normalized == "channel.ad_break.begin":
		return []string{"channel:read:ads"}
	case strings.HasPrefix(normalized, "channel.hype_train."):
		return []string{"channel:read:hype_train"}
	}
	return nil
}

// ScopesSatisfy reports whether granted contains at least one scope from every group.
func ScopesSatisfy(granted []string, groups [][]string) bool {
	have := make(map[string]bool, len(granted))
	for _, scope := range granted {
		have[strings.TrimSpace(scope)] = true
	}
	for _, group := range groups {
		ok := false
		for _, scope := range group {
			if have[scope] {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
