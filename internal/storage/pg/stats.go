package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// RecordServiceConnect updates runtime stats when a consumer WS attaches.
func (s *Store) RecordServiceConnect(ctx context.Context, serviceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_runtime_stats (service_account_id, is_connected, active_ws_connections, last_connected_at)
		VALUES ($1, TRUE, 1, now())
		ON CONFLICT (service_account_id) DO UPDATE SET
			is_connected = TRUE,
			active_ws_connections = service_runtime_stats.active_ws_connections + 1,
			last_connected_at = now(),
			updated_at = now()`, serviceID)
	return err
}

// RecordServiceDisconnect updates runtime stats when a consumer WS detaches.
func (s *Store) RecordServiceDisconnect(ctx context.Context, serviceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_runtime_stats (service_account_id, is_connected, active_ws_connections, last_disconnected_at)
		VALUES ($1, FALSE, 0, now())
		ON CONFLICT (service_account_id) DO UPDATE SET
			active_ws_connections = GREATEST(service_runtime_stats.active_ws_connections - 1, 0),
			is_connected = service_runtime_stats.active_ws_connections - 1 > 0,
			last_disconnected_at = now(),
			updated_at = now()`, serviceID)
	return err
}

// IncrementEventsSentWS bumps the WS delivery counter.
func (s *Store) IncrementEventsSentWS(ctx context.Context, serviceID uuid.UUID) error {
	return s.incrementStat(ctx, serviceID, "events_sent_ws")
}

// IncrementEventsSentWebhook bumps the webhook delivery counter.
func (s *Store) IncrementEventsSentWebhook(ctx context.Context, serviceID uuid.UUID) error {
	return s.incrementStat(ctx, serviceID, "events_sent_webhook")
}

// IncrementAuthSuccess bumps the credential-auth success counter.
func (s *Store) IncrementAuthSuccess(ctx context.Context, serviceID uuid.UUID) error {
	return s.incrementStat(ctx, serviceID, "auth_success_count")
}

// IncrementAuthFailure bumps the credential-auth failure counter.
func (s *Store) IncrementAuthFailure(ctx context.Context, serviceID uuid.UUID) error {
	return s.incrementStat(ctx, serviceID, "auth_failure_count")
}

func (s *Store) incrementStat(ctx context.Context, serviceID uuid.UUID, column string) error {
	// column is always one of the fixed names above, never user input.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_runtime_stats (service_account_id, `+column+`)
		VALUES ($1, 1)
		ON CONFLICT (service_account_id) DO UPDATE SET
			`+column+` = service_runtime_stats.`+column+` + 1,
			updated_at = now()`, serviceID)
	return err
}

// GetServiceRuntimeStats returns one consumer's counters, or nil when absent.
func (s *Store) GetServiceRuntimeStats(ctx context.Context, serviceID uuid.UUID) (*ServiceRuntimeStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT service_account_id, is_connected, active_ws_connections, last_connected_at,
		       last_disconnected_at, events_sent_ws, events_sent_webhook,
		       auth_success_count, auth_failure_count, updated_at
		FROM service_runtime_stats WHERE service_account_id = $1`, serviceID)
	var st ServiceRuntimeStats
	err := row.Scan(&st.ServiceAccountID, &st.IsConnected, &st.ActiveWSConnections,
		&st.LastConnectedAt, &st.LastDisconnectedAt, &st.EventsSentWS, &st.EventsSentWebhook,
		&st.AuthSuccessCount, &st.AuthFailureCount, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// AnyServiceConnected reports whether any consumer currently holds a downstream WS.
func (s *Store) AnyServiceConnected(ctx context.Context) (bool, error) {
	var connected bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM service_runtime_stats WHERE is_connected)`).Scan(&connected)
	return connected, err
}

// LatestDisconnectAt returns the most recent consumer disconnect time, or nil
// when no consumer ever disconnected.
func (s *Store) LatestDisconnectAt(ctx context.Context) (*time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(last_disconnected_at) FROM service_runtime_stats`).Scan(&t)
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}
