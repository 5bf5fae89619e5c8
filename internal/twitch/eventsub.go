package twitch

import (
	"context"
	"fmt"
	"net/url"
)

// ListEventSubSubscriptions returns every subscription reachable via the
// token, following the pagination cursor to completion. An empty token uses
// the app token.
func (c *Client) ListEventSubSubscriptions(ctx context.Context, accessToken string) ([]Subscription, error) {
	if accessToken == "" {
		token, err := c.AppAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		accessToken = token
	}

	var out []Subscription
	cursor := ""
	for {
		params := url.Values{}
		if cursor != "" {
			params.Set("after", cursor)
		}
		var page dataEnvelope[Subscription]
		if err := c.helixGet(ctx, accessToken, "/eventsub/subscriptions", params, &page); err != nil {
			return nil, fmt.Errorf("listing subscriptions: %w", err)
		}
		out = append(out, page.Data...)
		cursor = page.Pagination.Cursor
		if cursor == "" {
			break
		}
	}
	return out, nil
}

// CreateEventSubSubscription creates one subscription. Callers must handle
// 409 conflicts idempotently via IsConflict. An empty token uses the app
// token.
func (c *Client) CreateEventSubSubscription(ctx context.Context, eventType, version string, condition map[string]string, transport Transport, accessToken string) (*Subscription, error) {
	if accessToken == "" {
		token, err := c.AppAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		accessToken = token
	}

	body := map[string]any{
		"type":      eventType,
		"version":   version,
		"condition": condition,
		"transport": transport,
	}
	var out dataEnvelope[Subscription]
	if err := c.helixPost(ctx, accessToken, "/eventsub/subscriptions", nil, body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("empty create subscription response")
	}
	return &out.Data[0], nil
}

// DeleteEventSubSubscription removes one subscription by its upstream ID. An
// empty token uses the app token.
func (c *Client) DeleteEventSubSubscription(ctx context.Context, subscriptionID, accessToken string) error {
	if accessToken == "" {
		token, err := c.AppAccessToken(ctx)
		if err != nil {
			return err
		}
		accessToken = token
	}
	params := url.Values{"id": {subscriptionID}}
	if err := c.helixDelete(ctx, accessToken, "/eventsub/subscriptions", params); err != nil {
		return fmt.Errorf("deleting subscription %s: %w", subscriptionID, err)
	}
	return nil
}
