package pg

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

const subscriptionColumns = `id, bot_account_id, event_type, broadcaster_user_id,
	twitch_subscription_id, status, session_id, last_seen_at, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*TwitchSubscription, error) {
	var sub TwitchSubscription
	err := row.Scan(&sub.ID, &sub.BotAccountID, &sub.EventType, &sub.BroadcasterUserID,
		&sub.TwitchSubscriptionID, &sub.Status, &sub.SessionID, &sub.LastSeenAt,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptions returns every local subscription row.
func (s *Store) ListSubscriptions(ctx context.Context) ([]TwitchSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM twitch_subscriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []TwitchSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// GetSubscriptionByKey returns the subscription for one (bot, event type, broadcaster), or nil.
func (s *Store) GetSubscriptionByKey(ctx context.Context, botID uuid.UUID, eventType, broadcasterUserID string) (*TwitchSubscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM twitch_subscriptions
		WHERE bot_account_id = $1 AND event_type = $2 AND broadcaster_user_id = $3`,
		botID, eventType, broadcasterUserID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// GetSubscriptionByTwitchID returns the row owning an upstream subscription id, or nil.
func (s *Store) GetSubscriptionByTwitchID(ctx context.Context, twitchSubscriptionID string) (*TwitchSubscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM twitch_subscriptions WHERE twitch_subscription_id = $1`,
		twitchSubscriptionID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// UpsertSubscription inserts or replaces the row for one key.
func (s *Store) UpsertSubscription(ctx context.Context, botID uuid.UUID, eventType, broadcasterUserID, twitchSubscriptionID, status string, sessionID *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO twitch_subscriptions
			(bot_account_id, event_type, broadcaster_user_id, twitch_subscription_id, status, session_id, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (bot_account_id, event_type, broadcaster_user_id) DO UPDATE SET
			twitch_subscription_id = EXCLUDED.twitch_subscription_id,
			status = EXCLUDED.status,
			session_id = EXCLUDED.session_id,
			last_seen_at = now(),
			updated_at = now()`,
		botID, eventType, broadcasterUserID, twitchSubscriptionID, status, sessionID)
	return err
}

// DeleteSubscriptionByKey removes the row for one key.
func (s *Store) DeleteSubscriptionByKey(ctx context.Context, botID uuid.UUID, eventType, broadcasterUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM twitch_subscriptions
		WHERE bot_account_id = $1 AND event_type = $2 AND broadcaster_user_id = $3`,
		botID, eventType, broadcasterUserID)
	return err
}

// UpdateSubscriptionStatusByTwitchID sets the status of the row owning an upstream id.
func (s *Store) UpdateSubscriptionStatusByTwitchID(ctx context.Context, twitchSubscriptionID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE twitch_subscriptions SET status = $2, updated_at = now()
		WHERE twitch_subscription_id = $1`, twitchSubscriptionID, status)
	return err
}

// TruncateSubscriptions clears the local subscription table before a rebuild.
func (s *Store) TruncateSubscriptions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE twitch_subscriptions`)
	return err
}
