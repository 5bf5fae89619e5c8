// Package registry keeps the in-memory index of consumer interests. Many
// consumers can share one upstream subscription, so the registry groups
// interests by the (bot, event type, broadcaster) tuple the subscription
// hangs off.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Key identifies the upstream subscription a group of interests shares.
type Key struct {
	BotAccountID      uuid.UUID
	EventType         string
	BroadcasterUserID string
}

// Interest is one consumer's registration for a key.
type Interest struct {
	ID                uuid.UUID
	ServiceID         uuid.UUID
	BotAccountID      uuid.UUID
	EventType         string
	BroadcasterUserID string
	Transport         string
	WebhookURL        string
}

// Key returns the subscription tuple the interest belongs to.
func (i Interest) Key() Key {
	return Key{
		BotAccountID:      i.BotAccountID,
		EventType:         i.EventType,
		BroadcasterUserID: i.BroadcasterUserID,
	}
}

// Registry indexes interests by id and by key under one mutex.
type Registry struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]Interest
	byKey map[Key]map[uuid.UUID]struct{}
}

func New() *Registry {
	return &Registry{
		byID:  make(map[uuid.UUID]Interest),
		byKey: make(map[Key]map[uuid.UUID]struct{}),
	}
}

// Load atomically replaces the registry contents.
func (r *Registry) Load(interests []Interest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[uuid.UUID]Interest, len(interests))
	r.byKey = make(map[Key]map[uuid.UUID]struct{})
	for _, interest := range interests {
		r.addLocked(interest)
	}
}

// Add inserts the interest and returns its key. Idempotent on duplicate IDs.
func (r *Registry) Add(interest Interest) Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[interest.ID]; ok {
		return existing.Key()
	}
	r.addLocked(interest)
	return interest.Key()
}

func (r *Registry) addLocked(interest Interest) {
	r.byID[interest.ID] = interest
	key := interest.Key()
	ids, ok := r.byKey[key]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		r.byKey[key] = ids
	}
	ids[interest.ID] = struct{}{}
}

// Remove drops the interest and reports whether other interests still use
// the key. Unknown IDs report the key as still in use only if it has
// remaining members.
func (r *Registry) Remove(interest Interest) (Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := interest.Key()
	if stored, ok := r.byID[interest.ID]; ok {
		key = stored.Key()
		delete(r.byID, interest.ID)
	}
	ids, ok := r.byKey[key]
	if !ok {
		return key, false
	}
	delete(ids, interest.ID)
	if len(ids) == 0 {
		delete(r.byKey, key)
		return key, false
	}
	return key, true
}

// Interested returns a snapshot of the interests registered for the key.
func (r *Registry) Interested(key Key) []Interest {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.byKey[key]
	if !ok {
		return nil
	}
	out := make([]Interest, 0, len(ids))
	for id := range ids {
		if interest, ok := r.byID[id]; ok {
			out = append(out, interest)
		}
	}
	return out
}

// Keys returns a snapshot of every key with at least one interest.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Key, 0, len(r.byKey))
	for key := range r.byKey {
		out = append(out, key)
	}
	return out
}

// HasKey reports whether any interest references the key.
func (r *Registry) HasKey(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byKey[key]
	return ok
}

// Len reports the number of registered interests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
