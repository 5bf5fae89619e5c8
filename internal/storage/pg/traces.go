package pg

import (
	"context"

	"github.com/google/uuid"
)

// InsertEventTrace appends one trace row. Callers treat failures as best-effort.
func (s *Store) InsertEventTrace(ctx context.Context, serviceID uuid.UUID, direction, transport, eventType, target, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_event_traces (service_account_id, direction, transport, event_type, target, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		serviceID, direction, transport, eventType, target, payload)
	return err
}

// ListEventTraces returns the most recent traces for one consumer.
func (s *Store) ListEventTraces(ctx context.Context, serviceID uuid.UUID, limit int) ([]ServiceEventTrace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_account_id, direction, transport, event_type, target, payload, created_at
		FROM service_event_traces
		WHERE service_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []ServiceEventTrace
	for rows.Next() {
		var t ServiceEventTrace
		if err := rows.Scan(&t.ID, &t.ServiceAccountID, &t.Direction, &t.Transport,
			&t.EventType, &t.Target, &t.Payload, &t.CreatedAt); err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}
