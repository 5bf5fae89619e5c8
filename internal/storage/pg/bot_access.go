package pg

import (
	"context"

	"github.com/google/uuid"
)

// ListAccessibleBotIDs returns the bots a consumer is restricted to. An empty
// list with restricted=false means the consumer may use any bot.
func (s *Store) ListAccessibleBotIDs(ctx context.Context, serviceID uuid.UUID) (ids []uuid.UUID, restricted bool, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bot_account_id FROM service_bot_access WHERE service_account_id = $1`, serviceID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, false, err
		}
		ids = append(ids, id)
	}
	return ids, len(ids) > 0, rows.Err()
}

// GrantBotAccess restricts a consumer to a bot (first grant switches the
// consumer from all-bots to allow-list mode).
func (s *Store) GrantBotAccess(ctx context.Context, serviceID, botID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_bot_access (service_account_id, bot_account_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, serviceID, botID)
	return err
}

// RevokeBotAccess removes one allow-list entry.
func (s *Store) RevokeBotAccess(ctx context.Context, serviceID, botID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM service_bot_access WHERE service_account_id = $1 AND bot_account_id = $2`,
		serviceID, botID)
	return err
}
