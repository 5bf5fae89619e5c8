package pg

import (
	"context"

	"github.com/google/uuid"
)

// ListBroadcasterAuthorizations returns every authorization a broadcaster granted
// for one bot, across all consumers.
func (s *Store) ListBroadcasterAuthorizations(ctx context.Context, botID uuid.UUID, broadcasterUserID string) ([]BroadcasterAuthorization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_account_id, bot_account_id, broadcaster_user_id, broadcaster_login, scopes, authorized_at
		FROM broadcaster_authorizations
		WHERE bot_account_id = $1 AND broadcaster_user_id = $2`,
		botID, broadcasterUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auths []BroadcasterAuthorization
	for rows.Next() {
		var a BroadcasterAuthorization
		if err := rows.Scan(&a.ID, &a.ServiceAccountID, &a.BotAccountID, &a.BroadcasterUserID,
			&a.BroadcasterLogin, &a.Scopes, &a.AuthorizedAt); err != nil {
			return nil, err
		}
		auths = append(auths, a)
	}
	return auths, rows.Err()
}

// UpsertBroadcasterAuthorization records (or refreshes) a broadcaster grant.
func (s *Store) UpsertBroadcasterAuthorization(ctx context.Context, serviceID, botID uuid.UUID, broadcasterUserID, broadcasterLogin, scopes string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcaster_authorizations
			(service_account_id, bot_account_id, broadcaster_user_id, broadcaster_login, scopes, authorized_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (service_account_id, bot_account_id, broadcaster_user_id) DO UPDATE SET
			broadcaster_login = EXCLUDED.broadcaster_login,
			scopes = EXCLUDED.scopes,
			authorized_at = now()`,
		serviceID, botID, broadcasterUserID, broadcasterLogin, scopes)
	return err
}
