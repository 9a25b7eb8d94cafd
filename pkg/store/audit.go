package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
)

// CreateTransitionLog appends an audit record of a status change.
func (s *SQLiteStore) CreateTransitionLog(ctx context.Context, e *models.TransitionLog) error {
	return s.insert(ctx, "transition log",
		`INSERT INTO transition_logs (id, entity_type, entity_id, actor, previous_status, new_status, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityType, e.EntityID, e.Actor, e.PreviousStatus, e.NewStatus, e.Payload, e.CreatedAt.UTC(),
	)
}

// ListTransitionLogs returns the audit trail of one entity, oldest first.
func (s *SQLiteStore) ListTransitionLogs(ctx context.Context, entityID uuid.UUID) ([]*models.TransitionLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, entity_type, entity_id, actor, previous_status, new_status, payload, created_at FROM transition_logs WHERE entity_id = ? ORDER BY created_at ASC, rowid ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transition logs for %s: %w", entityID, err)
	}
	defer rows.Close()

	return collect(rows, "transition log", func(row rowScanner) (*models.TransitionLog, error) {
		var e models.TransitionLog
		if err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Actor, &e.PreviousStatus, &e.NewStatus, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		return &e, nil
	})
}
