package pg

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SetChannelLive upserts the channel state after a stream.online notification.
func (s *Store) SetChannelLive(ctx context.Context, botID uuid.UUID, broadcasterUserID string, startedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_states (bot_account_id, broadcaster_user_id, is_live, started_at, last_event_at, last_checked_at)
		VALUES ($1, $2, TRUE, $3, now(), now())
		ON CONFLICT (bot_account_id, broadcaster_user_id) DO UPDATE SET
			is_live = TRUE,
			started_at = EXCLUDED.started_at,
			last_event_at = now(),
			last_checked_at = now(),
			updated_at = now()`,
		botID, broadcasterUserID, startedAt)
	return err
}

// SetChannelOffline upserts the channel state after a stream.offline notification.
func (s *Store) SetChannelOffline(ctx context.Context, botID uuid.UUID, broadcasterUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_states (bot_account_id, broadcaster_user_id, is_live, started_at, last_event_at, last_checked_at)
		VALUES ($1, $2, FALSE, NULL, now(), now())
		ON CONFLICT (bot_account_id, broadcaster_user_id) DO UPDATE SET
			is_live = FALSE,
			started_at = NULL,
			last_event_at = now(),
			last_checked_at = now(),
			updated_at = now()`,
		botID, broadcasterUserID)
	return err
}

// RefreshChannelState stores the result of a Helix liveness poll.
func (s *Store) RefreshChannelState(ctx context.Context, botID uuid.UUID, broadcasterUserID string, isLive bool, title, gameName *string, startedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_states (bot_account_id, broadcaster_user_id, is_live, title, game_name, started_at, last_checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (bot_account_id, broadcaster_user_id) DO UPDATE SET
			is_live = EXCLUDED.is_live,
			title = EXCLUDED.title,
			game_name = EXCLUDED.game_name,
			started_at = EXCLUDED.started_at,
			last_checked_at = now(),
			updated_at = now()`,
		botID, broadcasterUserID, isLive, title, gameName, startedAt)
	return err
}

// DeleteChannelState removes the cached state for one (bot, broadcaster).
func (s *Store) DeleteChannelState(ctx context.Context, botID uuid.UUID, broadcasterUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM channel_states WHERE bot_account_id = $1 AND broadcaster_user_id = $2`,
		botID, broadcasterUserID)
	return err
}

// MergeChannelStateBroadcasterID rewrites channel state bound to a legacy
// broadcaster id, dropping the legacy row when the new id already has one.
func (s *Store) MergeChannelStateBroadcasterID(ctx context.Context, botID uuid.UUID, oldBroadcasterID, newBroadcasterID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM channel_states old
		WHERE old.bot_account_id = $1 AND old.broadcaster_user_id = $2
		  AND EXISTS (
			SELECT 1 FROM channel_states cur
			WHERE cur.bot_account_id = old.bot_account_id AND cur.broadcaster_user_id = $3
		  )`, botID, oldBroadcasterID, newBroadcasterID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE channel_states SET broadcaster_user_id = $3, updated_at = now()
		WHERE bot_account_id = $1 AND broadcaster_user_id = $2`,
		botID, oldBroadcasterID, newBroadcasterID)
	if err != nil {
		return err
	}

	return tx.Commit()
}
