package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
)

// CreateIntent inserts a new disbursement or commission intent.
func (s *SQLiteStore) CreateIntent(ctx context.Context, in *models.Intent) error {
	return s.insert(ctx, "intent",
		`INSERT INTO intents (id, funding_id, kind, amount, created_at) VALUES (?, ?, ?, ?, ?)`,
		in.ID, in.FundingID, in.Kind, in.Amount, in.CreatedAt.UTC(),
	)
}

// GetIntent retrieves an intent by its ID.
func (s *SQLiteStore) GetIntent(ctx context.Context, id uuid.UUID) (*models.Intent, error) {
	var in models.Intent
	row := s.db.QueryRowContext(ctx, `SELECT id, funding_id, kind, amount, created_at FROM intents WHERE id = ?`, id)
	if err := row.Scan(&in.ID, &in.FundingID, &in.Kind, &in.Amount, &in.CreatedAt); err != nil {
		return nil, notFound("intent", err)
	}
	return &in, nil
}

const attemptColumns = `id, intent_id, funding_id, kind, amount, status, transaction_id, processed_at, created_at, updated_at`

// CreateAttempt inserts a new attempt against an intent.
func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *models.Attempt) error {
	return s.insert(ctx, "attempt",
		`INSERT INTO attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.IntentID, a.FundingID, a.Kind, a.Amount, a.Status, nullUUID(a.TransactionID),
		nullTime(a.ProcessedAt), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
}

// GetAttempt retrieves an attempt by its ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id uuid.UUID) (*models.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if err != nil {
		return nil, notFound("attempt", err)
	}
	return a, nil
}

// UpdateAttempt persists status and transaction linkage, provided the stored
// status is still from.
func (s *SQLiteStore) UpdateAttempt(ctx context.Context, a *models.Attempt, from models.Status) error {
	return s.execGuarded(ctx, "attempt", "attempts", a.ID,
		`UPDATE attempts SET status = ?, transaction_id = ?, processed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		a.Status, nullUUID(a.TransactionID), nullTime(a.ProcessedAt), a.UpdatedAt.UTC(), a.ID, from,
	)
}

// ListAttemptsByIntent returns all attempts made towards an intent.
func (s *SQLiteStore) ListAttemptsByIntent(ctx context.Context, intentID uuid.UUID) ([]*models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE intent_id = ? ORDER BY created_at ASC`, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempts for intent %s: %w", intentID, err)
	}
	defer rows.Close()

	return collect(rows, "attempt", scanAttempt)
}

func scanAttempt(row rowScanner) (*models.Attempt, error) {
	var a models.Attempt
	var txID uuid.NullUUID
	var processed sql.NullTime
	err := row.Scan(&a.ID, &a.IntentID, &a.FundingID, &a.Kind, &a.Amount, &a.Status, &txID, &processed,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.TransactionID = uuidPtr(txID)
	a.ProcessedAt = timePtr(processed)
	return &a, nil
}
