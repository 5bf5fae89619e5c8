package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const botColumns = `id, name, twitch_user_id, twitch_login, access_token, refresh_token,
	token_expires_at, enabled, created_at, updated_at`

func scanBot(row interface{ Scan(...any) error }) (*BotAccount, error) {
	var b BotAccount
	err := row.Scan(&b.ID, &b.Name, &b.TwitchUserID, &b.TwitchLogin, &b.AccessToken,
		&b.RefreshToken, &b.TokenExpiresAt, &b.Enabled, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBotByID returns the bot account with the given id, or nil when absent.
func (s *Store) GetBotByID(ctx context.Context, id uuid.UUID) (*BotAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bot_accounts WHERE id = $1`, id)
	bot, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return bot, err
}

// GetBotByTwitchUserID returns the bot account bound to the given Twitch user id, or nil.
func (s *Store) GetBotByTwitchUserID(ctx context.Context, twitchUserID string) (*BotAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bot_accounts WHERE twitch_user_id = $1`, twitchUserID)
	bot, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return bot, err
}

// ListBots returns all bot accounts.
func (s *Store) ListBots(ctx context.Context) ([]BotAccount, error) {
	return s.listBots(ctx, `SELECT `+botColumns+` FROM bot_accounts ORDER BY name`)
}

// ListEnabledBots returns all enabled bot accounts.
func (s *Store) ListEnabledBots(ctx context.Context) ([]BotAccount, error) {
	return s.listBots(ctx, `SELECT `+botColumns+` FROM bot_accounts WHERE enabled ORDER BY name`)
}

func (s *Store) listBots(ctx context.Context, query string) ([]BotAccount, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []BotAccount
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, *bot)
	}
	return bots, rows.Err()
}

// UpdateBotTokens stores refreshed tokens for a bot.
func (s *Store) UpdateBotTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bot_accounts
		SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = now()
		WHERE id = $1`, id, accessToken, refreshToken, expiresAt)
	return err
}

// DisableBotAndClearTokens disables a bot after an upstream authorization revoke.
func (s *Store) DisableBotAndClearTokens(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bot_accounts
		SET enabled = FALSE, access_token = '', refresh_token = '', updated_at = now()
		WHERE id = $1`, id)
	return err
}
