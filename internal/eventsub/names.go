package eventsub

import (
	"context"
	"time"
)

type nameEntry struct {
	displayName string
	login       string
	fetched     time.Time
}

// DisplayNames resolves Twitch user IDs to display names through a TTL cache,
// using the app token. Unresolvable IDs map to themselves so callers always
// get a printable value.
func (m *Manager) DisplayNames(ctx context.Context, userIDs []string) map[string]string {
	out := make(map[string]string, len(userIDs))
	missing := make([]string, 0, len(userIDs))

	now := m.now()
	m.namesMu.Lock()
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if entry, ok := m.names[id]; ok && now.Sub(entry.fetched) < m.cfg.NameCacheTTL {
			out[id] = entry.displayName
			continue
		}
		missing = append(missing, id)
	}
	m.namesMu.Unlock()

	if len(missing) > 0 {
		m.fetchNames(ctx, missing, out)
	}

	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := out[id]; !ok {
			out[id] = id
		}
	}
	return out
}

func (m *Manager) fetchNames(ctx context.Context, userIDs []string, out map[string]string) {
	users, err := m.up.GetUsersByQuery(ctx, "", userIDs, nil)
	if err != nil {
		return
	}
	now := m.now()
	m.namesMu.Lock()
	for _, user := range users {
		name := user.DisplayName
		if name == "" {
			name = user.Login
		}
		m.names[user.ID] = nameEntry{displayName: name, login: user.Login, fetched: now}
		out[user.ID] = name
	}
	m.namesMu.Unlock()
}

// ResolveLogin maps a Twitch login to its user ID, used when consumers
// register interests by channel name. Empty when the login does not exist.
func (m *Manager) ResolveLogin(ctx context.Context, login string) (string, error) {
	users, err := m.up.GetUsersByQuery(ctx, "", nil, []string{login})
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", nil
	}
	user := users[0]

	name := user.DisplayName
	if name == "" {
		name = user.Login
	}
	m.namesMu.Lock()
	m.names[user.ID] = nameEntry{displayName: name, login: user.Login, fetched: m.now()}
	m.namesMu.Unlock()
	return user.ID, nil
}
