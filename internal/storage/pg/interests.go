package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const interestColumns = `id, service_account_id, bot_account_id, event_type, broadcaster_user_id,
	transport, webhook_url, last_heartbeat_at, stale_marked_at, delete_after, created_at, updated_at`

func scanInterest(row interface{ Scan(...any) error }) (*ServiceInterest, error) {
	var in ServiceInterest
	err := row.Scan(&in.ID, &in.ServiceAccountID, &in.BotAccountID, &in.EventType,
		&in.BroadcasterUserID, &in.Transport, &in.WebhookURL, &in.LastHeartbeatAt,
		&in.StaleMarkedAt, &in.DeleteAfter, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *Store) queryInterests(ctx context.Context, query string, args ...any) ([]ServiceInterest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var interests []ServiceInterest
	for rows.Next() {
		in, err := scanInterest(rows)
		if err != nil {
			return nil, err
		}
		interests = append(interests, *in)
	}
	return interests, rows.Err()
}

// ListInterests returns every persisted interest.
func (s *Store) ListInterests(ctx context.Context) ([]ServiceInterest, error) {
	return s.queryInterests(ctx, `SELECT `+interestColumns+` FROM service_interests`)
}

// ListInterestsByService returns all interests owned by one consumer.
func (s *Store) ListInterestsByService(ctx context.Context, serviceID uuid.UUID) ([]ServiceInterest, error) {
	return s.queryInterests(ctx,
		`SELECT `+interestColumns+` FROM service_interests WHERE service_account_id = $1 ORDER BY created_at`,
		serviceID)
}

// ListInterestsByKey returns all interests sharing one (bot, event type, broadcaster) key.
func (s *Store) ListInterestsByKey(ctx context.Context, botID uuid.UUID, eventType, broadcasterUserID string) ([]ServiceInterest, error) {
	return s.queryInterests(ctx, `
		SELECT `+interestColumns+` FROM service_interests
		WHERE bot_account_id = $1 AND event_type = $2 AND broadcaster_user_id = $3`,
		botID, eventType, broadcasterUserID)
}

// GetInterestByID returns one interest, or nil when absent.
func (s *Store) GetInterestByID(ctx context.Context, id uuid.UUID) (*ServiceInterest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interestColumns+` FROM service_interests WHERE id = $1`, id)
	in, err := scanInterest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return in, err
}

// FindInterest looks up the row matching the full uniqueness tuple, or nil.
func (s *Store) FindInterest(ctx context.Context, serviceID, botID uuid.UUID, eventType, broadcasterUserID, transport string, webhookURL *string) (*ServiceInterest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+interestColumns+` FROM service_interests
		WHERE service_account_id = $1 AND bot_account_id = $2 AND event_type = $3
		  AND broadcaster_user_id = $4 AND transport = $5
		  AND webhook_url IS NOT DISTINCT FROM $6`,
		serviceID, botID, eventType, broadcasterUserID, transport, webhookURL)
	in, err := scanInterest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return in, err
}

// CreateInterest inserts a new interest row.
func (s *Store) CreateInterest(ctx context.Context, serviceID, botID uuid.UUID, eventType, broadcasterUserID, transport string, webhookURL *string) (*ServiceInterest, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO service_interests
			(service_account_id, bot_account_id, event_type, broadcaster_user_id, transport, webhook_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+interestColumns,
		serviceID, botID, eventType, broadcasterUserID, transport, webhookURL)
	return scanInterest(row)
}

// DeleteInterest removes one interest row.
func (s *Store) DeleteInterest(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM service_interests WHERE id = $1`, id)
	return err
}

// DeleteInterests removes a batch of interest rows.
func (s *Store) DeleteInterests(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM service_interests WHERE id = ANY($1::uuid[])`, pq.Array(strIDs))
	return err
}

// TouchHeartbeatForKeyGroup refreshes the heartbeat for every interest of one
// consumer on the same (bot, broadcaster), clearing any stale marks.
func (s *Store) TouchHeartbeatForKeyGroup(ctx context.Context, serviceID, botID uuid.UUID, broadcasterUserID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE service_interests
		SET last_heartbeat_at = now(), stale_marked_at = NULL, delete_after = NULL, updated_at = now()
		WHERE service_account_id = $1 AND bot_account_id = $2 AND broadcaster_user_id = $3`,
		serviceID, botID, broadcasterUserID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TouchHeartbeatForService refreshes the heartbeat for every interest of one consumer.
func (s *Store) TouchHeartbeatForService(ctx context.Context, serviceID uuid.UUID) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE service_interests
		SET last_heartbeat_at = now(), stale_marked_at = NULL, delete_after = NULL, updated_at = now()
		WHERE service_account_id = $1`, serviceID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TouchInterestHeartbeat refreshes one interest and clears stale marks.
func (s *Store) TouchInterestHeartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_interests
		SET last_heartbeat_at = now(), stale_marked_at = NULL, delete_after = NULL, updated_at = now()
		WHERE id = $1`, id)
	return err
}

// MarkInterestStale records the GC stale mark and deletion deadline.
func (s *Store) MarkInterestStale(ctx context.Context, id uuid.UUID, staleAt, deleteAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_interests
		SET stale_marked_at = COALESCE(stale_marked_at, $2),
		    delete_after = COALESCE(delete_after, $3),
		    updated_at = now()
		WHERE id = $1`, id, staleAt, deleteAfter)
	return err
}

// ClearInterestStale removes the GC stale mark.
func (s *Store) ClearInterestStale(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_interests
		SET stale_marked_at = NULL, delete_after = NULL, updated_at = now()
		WHERE id = $1 AND (stale_marked_at IS NOT NULL OR delete_after IS NOT NULL)`, id)
	return err
}

// MergeInterestBroadcasterID rewrites interests bound to a legacy broadcaster id
// after a login re-resolved to a new numeric id. Rows that would collide with an
// existing row for the new id are dropped instead.
func (s *Store) MergeInterestBroadcasterID(ctx context.Context, botID uuid.UUID, oldBroadcasterID, newBroadcasterID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM service_interests old
		WHERE old.bot_account_id = $1 AND old.broadcaster_user_id = $2
		  AND EXISTS (
			SELECT 1 FROM service_interests cur
			WHERE cur.service_account_id = old.service_account_id
			  AND cur.bot_account_id = old.bot_account_id
			  AND cur.event_type = old.event_type
			  AND cur.broadcaster_user_id = $3
			  AND cur.transport = old.transport
			  AND cur.webhook_url IS NOT DISTINCT FROM old.webhook_url
		  )`, botID, oldBroadcasterID, newBroadcasterID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE service_interests
		SET broadcaster_user_id = $3, updated_at = now()
		WHERE bot_account_id = $1 AND broadcaster_user_id = $2`,
		botID, oldBroadcasterID, newBroadcasterID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
