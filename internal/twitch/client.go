// Package twitch is the upstream HTTP client: OAuth token flows and the
// Helix REST surface the bridge consumes.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultTokenURL    = "https://id.twitch.tv/oauth2/token"
	defaultValidateURL = "https://id.twitch.tv/oauth2/validate"
	defaultHelixURL    = "https://api.twitch.tv/helix"

	requestTimeout = 20 * time.Second

	// App tokens are renewed this long before Twitch says they expire.
	appTokenSkew = 60 * time.Second
)

// Client talks to the Twitch OAuth and Helix APIs. Each request uses a fresh
// short-lived HTTP client.
type Client struct {
	clientID     string
	clientSecret string
	redirectURI  string
	scopes       string

	tokenURL    string
	validateURL string
	helixURL    string

	appToken oauth2.TokenSource
}

func NewClient(clientID, clientSecret, redirectURI, scopes string) *Client {
	c := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		scopes:       scopes,
		tokenURL:     defaultTokenURL,
		validateURL:  defaultValidateURL,
		helixURL:     defaultHelixURL,
	}
	c.initAppTokenSource()
	return c
}

func (c *Client) initAppTokenSource() {
	cfg := &clientcredentials.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		TokenURL:     c.tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	c.appToken = oauth2.ReuseTokenSourceWithExpiry(nil, cfg.TokenSource(context.Background()), appTokenSkew)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// BuildAuthorizeURL returns the user consent URL for the authorization-code
// flow.
func (c *Client) BuildAuthorizeURL(state string) string {
	params := url.Values{
		"client_id":     {c.clientID},
		"redirect_uri":  {c.redirectURI},
		"response_type": {"code"},
		"scope":         {c.scopes},
		"state":         {state},
		"force_verify":  {"true"},
	}
	return "https://id.twitch.tv/oauth2/authorize?" + params.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode trades an authorization code for a user token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*OAuthToken, error) {
	params := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {c.redirectURI},
	}
	var data tokenResponse
	if err := c.postForm(ctx, c.tokenURL, params, &data); err != nil {
		return nil, fmt.Errorf("exchanging auth code: %w", err)
	}
	return &OAuthToken{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(data.ExpiresIn) * time.Second),
	}, nil
}

// RefreshToken rotates a user token. Twitch may omit the new refresh token,
// in which case the old one stays valid.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*OAuthToken, error) {
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	var data tokenResponse
	if err := c.postForm(ctx, c.tokenURL, params, &data); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	if data.RefreshToken == "" {
		data.RefreshToken = refreshToken
	}
	return &OAuthToken{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(data.ExpiresIn) * time.Second),
	}, nil
}

// ValidateUserToken resolves the user and scopes a token carries.
func (c *Client) ValidateUserToken(ctx context.Context, token string) (*TokenValidation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.validateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)

	var out TokenValidation
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("validating token: %w", err)
	}
	return &out, nil
}

// AppAccessToken returns a cached client-credentials token, refreshed with a
// safety skew before expiry.
func (c *Client) AppAccessToken(ctx context.Context) (string, error) {
	token, err := c.appToken.Token()
	if err != nil {
		return "", fmt.Errorf("getting app token: %w", err)
	}
	return token.AccessToken, nil
}

type dataEnvelope[T any] struct {
	Data       []T `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// GetUsers returns the user the token belongs to.
func (c *Client) GetUsers(ctx context.Context, accessToken string) ([]User, error) {
	return c.getUsers(ctx, accessToken, nil)
}

// GetUsersByQuery looks users up by ID and/or login. An empty token uses the
// app token.
func (c *Client) GetUsersByQuery(ctx context.Context, accessToken string, userIDs, logins []string) ([]User, error) {
	params := url.Values{}
	for _, id := range userIDs {
		params.Add("id", id)
	}
	for _, login := range logins {
		params.Add("login", login)
	}
	return c.getUsers(ctx, accessToken, params)
}

// GetUserByIDApp resolves a user by ID with the app token. Returns nil when
// unknown.
func (c *Client) GetUserByIDApp(ctx context.Context, userID string) (*User, error) {
	token, err := c.AppAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	users, err := c.GetUsersByQuery(ctx, token, []string{userID}, nil)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// GetUserByLoginApp resolves a user by login with the app token. Returns nil
// when unknown.
func (c *Client) GetUserByLoginApp(ctx context.Context, login string) (*User, error) {
	token, err := c.AppAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	users, err := c.GetUsersByQuery(ctx, token, nil, []string{login})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

func (c *Client) getUsers(ctx context.Context, accessToken string, params url.Values) ([]User, error) {
	if accessToken == "" {
		token, err := c.AppAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		accessToken = token
	}
	var out dataEnvelope[User]
	if err := c.helixGet(ctx, accessToken, "/users", params, &out); err != nil {
		return nil, fmt.Errorf("users lookup: %w", err)
	}
	return out.Data, nil
}

// GetStreamsByUserIDs returns the live streams among the given user IDs.
// Offline channels are simply absent from the result. An empty token uses
// the app token.
func (c *Client) GetStreamsByUserIDs(ctx context.Context, accessToken string, userIDs []string) ([]Stream, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if accessToken == "" {
		token, err := c.AppAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		accessToken = token
	}
	params := url.Values{"first": {"100"}}
	for _, id := range userIDs {
		params.Add("user_id", id)
	}
	var out dataEnvelope[Stream]
	if err := c.helixGet(ctx, accessToken, "/streams", params, &out); err != nil {
		return nil, fmt.Errorf("streams lookup: %w", err)
	}
	return out.Data, nil
}

// SendChatMessage posts a chat message as the bot user.
func (c *Client) SendChatMessage(ctx context.Context, accessToken, broadcasterID, senderID, message, replyParentMessageID string) (*ChatMessageResult, error) {
	body := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	}
	if replyParentMessageID != "" {
		body["reply_parent_message_id"] = replyParentMessageID
	}
	var out dataEnvelope[ChatMessageResult]
	if err := c.helixPost(ctx, accessToken, "/chat/messages", nil, body, &out); err != nil {
		return nil, fmt.Errorf("sending chat message: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("empty send chat message response")
	}
	return &out.Data[0], nil
}

// CreateClip starts clip creation on the broadcaster's stream.
func (c *Client) CreateClip(ctx context.Context, accessToken, broadcasterID string, hasDelay bool) (*Clip, error) {
	params := url.Values{"broadcaster_id": {broadcasterID}}
	if hasDelay {
		params.Set("has_delay", "true")
	}
	var out dataEnvelope[Clip]
	if err := c.helixPost(ctx, accessToken, "/clips", params, nil, &out); err != nil {
		return nil, fmt.Errorf("creating clip: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("empty create clip response")
	}
	return &out.Data[0], nil
}

// GetClips fetches clips by ID. Clips still rendering are absent.
func (c *Client) GetClips(ctx context.Context, accessToken string, clipIDs []string) ([]Clip, error) {
	params := url.Values{}
	for _, id := range clipIDs {
		params.Add("id", id)
	}
	var out dataEnvelope[Clip]
	if err := c.helixGet(ctx, accessToken, "/clips", params, &out); err != nil {
		return nil, fmt.Errorf("clips lookup: %w", err)
	}
	return out.Data, nil
}

// GetGlobalChatBadges returns the global badge sets.
func (c *Client) GetGlobalChatBadges(ctx context.Context, accessToken string) ([]BadgeSet, error) {
	var out dataEnvelope[BadgeSet]
	if err := c.helixGet(ctx, accessToken, "/chat/badges/global", nil, &out); err != nil {
		return nil, fmt.Errorf("global badges lookup: %w", err)
	}
	return out.Data, nil
}

// GetChannelChatBadges returns the broadcaster's custom badge sets.
func (c *Client) GetChannelChatBadges(ctx context.Context, accessToken, broadcasterID string) ([]BadgeSet, error) {
	params := url.Values{"broadcaster_id": {broadcasterID}}
	var out dataEnvelope[BadgeSet]
	if err := c.helixGet(ctx, accessToken, "/chat/badges", params, &out); err != nil {
		return nil, fmt.Errorf("channel badges lookup: %w", err)
	}
	return out.Data, nil
}

// GetGlobalEmotes returns the global emote set.
func (c *Client) GetGlobalEmotes(ctx context.Context, accessToken string) ([]Emote, error) {
	var out dataEnvelope[Emote]
	if err := c.helixGet(ctx, accessToken, "/chat/emotes/global", nil, &out); err != nil {
		return nil, fmt.Errorf("global emotes lookup: %w", err)
	}
	return out.Data, nil
}

// GetChannelEmotes returns the broadcaster's emotes.
func (c *Client) GetChannelEmotes(ctx context.Context, accessToken, broadcasterID string) ([]Emote, error) {
	params := url.Values{"broadcaster_id": {broadcasterID}}
	var out dataEnvelope[Emote]
	if err := c.helixGet(ctx, accessToken, "/chat/emotes", params, &out); err != nil {
		return nil, fmt.Errorf("channel emotes lookup: %w", err)
	}
	return out.Data, nil
}

func (c *Client) helixGet(ctx context.Context, accessToken, path string, params url.Values, out any) error {
	target := c.helixURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	c.setHelixHeaders(req, accessToken)
	return c.do(req, out)
}

func (c *Client) helixPost(ctx context.Context, accessToken, path string, params url.Values, body, out any) error {
	target := c.helixURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, reader)
	if err != nil {
		return err
	}
	c.setHelixHeaders(req, accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) helixDelete(ctx context.Context, accessToken, path string, params url.Values) error {
	target := c.helixURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	c.setHelixHeaders(req, accessToken)
	return c.do(req, nil)
}

func (c *Client) setHelixHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", c.clientID)
}

func (c *Client) postForm(ctx context.Context, target string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
