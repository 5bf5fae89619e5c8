package pg

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

const serviceColumns = `id, name, client_id, client_secret_hash, enabled, created_at, updated_at`

func scanService(row interface{ Scan(...any) error }) (*ServiceAccount, error) {
	var sa ServiceAccount
	err := row.Scan(&sa.ID, &sa.Name, &sa.ClientID, &sa.ClientSecretHash, &sa.Enabled,
		&sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sa, nil
}

// CreateServiceAccount inserts a new consumer service account.
func (s *Store) CreateServiceAccount(ctx context.Context, name, clientID, clientSecretHash string) (*ServiceAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO service_accounts (name, client_id, client_secret_hash)
		VALUES ($1, $2, $3)
		RETURNING `+serviceColumns, name, clientID, clientSecretHash)
	return scanService(row)
}

// GetServiceAccountByID returns the service account with the given id, or nil.
func (s *Store) GetServiceAccountByID(ctx context.Context, id uuid.UUID) (*ServiceAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM service_accounts WHERE id = $1`, id)
	sa, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sa, err
}

// GetServiceAccountByClientID returns the service account with the given client id, or nil.
func (s *Store) GetServiceAccountByClientID(ctx context.Context, clientID string) (*ServiceAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM service_accounts WHERE client_id = $1`, clientID)
	sa, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sa, err
}

// ListServiceAccounts returns all service accounts.
func (s *Store) ListServiceAccounts(ctx context.Context) ([]ServiceAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serviceColumns+` FROM service_accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ServiceAccount
	for rows.Next() {
		sa, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *sa)
	}
	return accounts, rows.Err()
}

// SetServiceAccountEnabled flips the enabled flag on a service account.
func (s *Store) SetServiceAccountEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE service_accounts SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteServiceAccount removes a service account; interests, authorizations,
// stats and traces cascade.
func (s *Store) DeleteServiceAccount(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM service_accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
