package twitch

import "time"

// OAuthToken is a user access token with its refresh counterpart.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenValidation is the response of the id.twitch.tv validate endpoint.
type TokenValidation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// User is a Helix user record.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	Type            string `json:"type"`
	BroadcasterType string `json:"broadcaster_type"`
	Description     string `json:"description"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Stream is a Helix live stream record.
type Stream struct {
	UserID      string `json:"user_id"`
	UserLogin   string `json:"user_login"`
	UserName    string `json:"user_name"`
	GameName    string `json:"game_name"`
	Title       string `json:"title"`
	ViewerCount int    `json:"viewer_count"`
	StartedAt   string `json:"started_at"`
	Type        string `json:"type"`
}

// Transport describes how an EventSub subscription is delivered.
type Transport struct {
	Method      string `json:"method"`
	Callback    string `json:"callback,omitempty"`
	Secret      string `json:"secret,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ConnectedAt string `json:"connected_at,omitempty"`
}

// Subscription is an EventSub subscription as Helix reports it.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
	CreatedAt string            `json:"created_at"`
	Cost      int               `json:"cost"`
}

// ChatMessageResult reports the outcome of a send-chat-message call.
type ChatMessageResult struct {
	MessageID  string `json:"message_id"`
	IsSent     bool   `json:"is_sent"`
	DropReason *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"drop_reason,omitempty"`
}

// Clip is a Helix clip record. CreateClip only fills ID and EditURL.
type Clip struct {
	ID        string `json:"id"`
	EditURL   string `json:"edit_url,omitempty"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// BadgeVersion is one version inside a chat badge set.
type BadgeVersion struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	ImageURL1x string `json:"image_url_1x"`
	ImageURL2x string `json:"image_url_2x"`
	ImageURL4x string `json:"image_url_4x"`
}

// BadgeSet is a chat badge set with its versions.
type BadgeSet struct {
	SetID    string         `json:"set_id"`
	Versions []BadgeVersion `json:"versions"`
}

// Emote is a Helix chat emote.
type Emote struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Images    map[string]string `json:"images"`
	Format    []string          `json:"format,omitempty"`
	Scale     []string          `json:"scale,omitempty"`
	ThemeMode []string          `json:"theme_mode,omitempty"`
}
