package runtimetoken

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

type wsTokenEntry struct {
	serviceID string
	expiry    time.Time
}

// WSTokenStore issues short-lived single-use tokens that authenticate the
// websocket handshake, keeping long-lived credentials out of query strings.
type WSTokenStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]wsTokenEntry
	now    func() time.Time
}

func NewWSTokenStore(ttl time.Duration) *WSTokenStore {
	return &WSTokenStore{
		ttl:    ttl,
		tokens: make(map[string]wsTokenEntry),
		now:    time.Now,
	}
}

// Issue mints a token bound to the service account.
func (s *WSTokenStore) Issue(serviceID string) (string, time.Time, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generating ws token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	expiry := s.now().Add(s.ttl)
	s.tokens[token] = wsTokenEntry{serviceID: serviceID, expiry: expiry}
	return token, expiry, nil
}

// Consume redeems a token exactly once, returning the bound service ID.
// Expired, unknown, already-consumed and empty tokens all fail the same way.
func (s *WSTokenStore) Consume(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	delete(s.tokens, token)
	if !s.now().Before(entry.expiry) {
		return "", false
	}
	return entry.serviceID, true
}

// Prune drops expired tokens.
func (s *WSTokenStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, entry := range s.tokens {
		if !now.Before(entry.expiry) {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed
}
