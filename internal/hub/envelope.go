package hub

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Envelope is the fixed shape in which events reach consumers, on both the
// websocket and webhook transports.
type Envelope struct {
	ID               string         `json:"id"`
	Provider         string         `json:"provider"`
	Type             string         `json:"type"`
	EventTimestamp   string         `json:"event_timestamp"`
	Event            any            `json:"event"`
	TwitchChatAssets map[string]any `json:"twitch_chat_assets,omitempty"`
}

// NewEnvelope wraps an upstream event. The event object passes through
// unmodified; an empty message ID gets a freshly minted one.
func NewEnvelope(messageID, eventType string, event any) Envelope {
	if messageID == "" {
		messageID = mintID()
	}
	return Envelope{
		ID:             messageID,
		Provider:       "twitch",
		Type:           eventType,
		EventTimestamp: time.Now().UTC().Format(time.RFC3339),
		Event:          event,
	}
}

// NewInternalEnvelope wraps a bridge-synthesized event such as
// subscription.error or interest.rejected.
func NewInternalEnvelope(eventType string, event any) Envelope {
	return Envelope{
		ID:             mintID(),
		Provider:       "twitch-service",
		Type:           eventType,
		EventTimestamp: time.Now().UTC().Format(time.RFC3339),
		Event:          event,
	}
}

func mintID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(buf)
}
