package chatassets

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/streamforge/twitch-bridge/internal/twitch"
)

type chatEventShape struct {
	Badges []struct {
		SetID string `json:"set_id"`
		ID    string `json:"id"`
	} `json:"badges"`
	Message struct {
		Fragments []struct {
			Type  string `json:"type"`
			Emote struct {
				ID string `json:"id"`
			} `json:"emote"`
		} `json:"fragments"`
	} `json:"message"`
}

// EnrichChatEvent resolves the badges and emotes a channel.chat.* event
// references against the cache. Best-effort: never fails, returns nil when
// nothing resolved.
func (c *Cache) EnrichChatEvent(ctx context.Context, broadcasterID string, event json.RawMessage) map[string]any {
	var parsed chatEventShape
	if err := json.Unmarshal(event, &parsed); err != nil {
		return nil
	}

	// Kick background refreshes without blocking delivery.
	c.Prefetch(broadcasterID)

	globalBadges, _ := c.get(entryKey{kind: kindGlobalBadges})
	channelBadges, _ := c.get(entryKey{kind: kindChannelBadges, broadcasterID: broadcasterID})
	globalEmotes, _ := c.get(entryKey{kind: kindGlobalEmotes})
	channelEmotes, _ := c.get(entryKey{kind: kindChannelEmotes, broadcasterID: broadcasterID})

	badgeLookup := badgeMap(globalBadges.badges)
	for key, value := range badgeMap(channelBadges.badges) {
		badgeLookup[key] = value
	}
	emoteLookup := emoteMap(globalEmotes.emotes)
	for key, value := range emoteMap(channelEmotes.emotes) {
		emoteLookup[key] = value
	}

	neededBadges := make(map[string]struct{})
	for _, badge := range parsed.Badges {
		if badge.SetID != "" && badge.ID != "" {
			neededBadges[badge.SetID+"/"+badge.ID] = struct{}{}
		}
	}
	neededEmotes := make(map[string]struct{})
	for _, fragment := range parsed.Message.Fragments {
		if fragment.Type == "emote" && fragment.Emote.ID != "" {
			neededEmotes[fragment.Emote.ID] = struct{}{}
		}
	}

	uniqueBadges := sortedKeys(neededBadges)
	uniqueEmotes := sortedKeys(neededEmotes)

	// First-message safety: a badge the cache has never seen triggers one
	// synchronous reload so clients can render native badge images.
	if anyMissing(uniqueBadges, badgeLookup) {
		if _, err := c.fetch(ctx, entryKey{kind: kindGlobalBadges}); err == nil {
			globalBadges, _ = c.get(entryKey{kind: kindGlobalBadges})
		}
		if _, err := c.fetch(ctx, entryKey{kind: kindChannelBadges, broadcasterID: broadcasterID}); err == nil {
			channelBadges, _ = c.get(entryKey{kind: kindChannelBadges, broadcasterID: broadcasterID})
		}
		badgeLookup = badgeMap(globalBadges.badges)
		for key, value := range badgeMap(channelBadges.badges) {
			badgeLookup[key] = value
		}
	}

	var resolvedBadges []map[string]any
	var missingBadges []string
	for _, key := range uniqueBadges {
		if badge, ok := badgeLookup[key]; ok {
			resolvedBadges = append(resolvedBadges, badge)
		} else {
			missingBadges = append(missingBadges, key)
		}
	}
	var resolvedEmotes []map[string]any
	var missingEmotes []string
	for _, id := range uniqueEmotes {
		if emote, ok := emoteLookup[id]; ok {
			resolvedEmotes = append(resolvedEmotes, emote)
		} else {
			missingEmotes = append(missingEmotes, id)
		}
	}

	if len(resolvedBadges) == 0 && len(resolvedEmotes) == 0 {
		return nil
	}

	badgeImageMap := make(map[string]string)
	badgeImageMapByScale := make(map[string]map[string]any)
	for _, badge := range resolvedBadges {
		key, _ := badge["key"].(string)
		if key == "" {
			continue
		}
		oneX, _ := badge["image_url_1x"].(string)
		twoX, _ := badge["image_url_2x"].(string)
		fourX, _ := badge["image_url_4x"].(string)
		preferred := firstNonEmpty(fourX, twoX, oneX)
		if preferred != "" {
			badgeImageMap[key] = preferred
		}
		badgeImageMapByScale[key] = map[string]any{
			"1x": nullable(oneX),
			"2x": nullable(twoX),
			"4x": nullable(fourX),
		}
	}

	if missingBadges == nil {
		missingBadges = []string{}
	}
	if missingEmotes == nil {
		missingEmotes = []string{}
	}
	return map[string]any{
		"badges":                   stripKeys(resolvedBadges),
		"emotes":                   resolvedEmotes,
		"badge_image_map":          badgeImageMap,
		"badge_image_map_by_scale": badgeImageMapByScale,
		"missing": map[string]any{
			"badges": missingBadges,
			"emotes": missingEmotes,
		},
	}
}

// badgeMap flattens badge sets into "set_id/version" keyed records.
func badgeMap(sets []twitch.BadgeSet) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, set := range sets {
		if set.SetID == "" {
			continue
		}
		for _, version := range set.Versions {
			if version.ID == "" {
				continue
			}
			key := set.SetID + "/" + version.ID
			out[key] = map[string]any{
				"key":          key,
				"set_id":       set.SetID,
				"id":           version.ID,
				"title":        version.Title,
				"image_url_1x": version.ImageURL1x,
				"image_url_2x": version.ImageURL2x,
				"image_url_4x": version.ImageURL4x,
			}
		}
	}
	return out
}

func emoteMap(emotes []twitch.Emote) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, emote := range emotes {
		if emote.ID == "" {
			continue
		}
		out[emote.ID] = map[string]any{
			"id":         emote.ID,
			"name":       emote.Name,
			"images":     emote.Images,
			"format":     emote.Format,
			"scale":      emote.Scale,
			"theme_mode": emote.ThemeMode,
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func anyMissing(keys []string, lookup map[string]map[string]any) bool {
	for _, key := range keys {
		if _, ok := lookup[key]; !ok {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// stripKeys drops the internal lookup key before the records leave the cache.
func stripKeys(badges []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(badges))
	for _, badge := range badges {
		clean := make(map[string]any, len(badge)-1)
		for field, value := range badge {
			if field == "key" {
				continue
			}
			clean[field] = value
		}
		out = append(out, clean)
	}
	return out
}
