package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
)

const repaymentColumns = `id, funding_id, plan_id, due_date, payback_amount, funded_amount, fee_amount, status, transaction_id, reconciled, processed_at, created_at, updated_at`

// CreateRepayment inserts a new repayment.
func (s *SQLiteStore) CreateRepayment(ctx context.Context, r *models.Repayment) error {
	return s.insert(ctx, "repayment",
		`INSERT INTO repayments (`+repaymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FundingID, nullUUID(r.PlanID), r.DueDate.UTC(), r.PaybackAmount, r.FundedAmount, r.FeeAmount,
		r.Status, nullUUID(r.TransactionID), r.Reconciled, nullTime(r.ProcessedAt), r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
}

// GetRepayment retrieves a repayment by its ID.
func (s *SQLiteStore) GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+repaymentColumns+` FROM repayments WHERE id = ?`, id)
	r, err := scanRepayment(row)
	if err != nil {
		return nil, notFound("repayment", err)
	}
	return r, nil
}

// UpdateRepayment persists status, split and linkage changes, provided the
// stored status is still from.
func (s *SQLiteStore) UpdateRepayment(ctx context.Context, r *models.Repayment, from models.Status) error {
	return s.execGuarded(ctx, "repayment", "repayments", r.ID,
		`UPDATE repayments SET due_date = ?, payback_amount = ?, funded_amount = ?, fee_amount = ?, status = ?, transaction_id = ?, reconciled = ?, processed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		r.DueDate.UTC(), r.PaybackAmount, r.FundedAmount, r.FeeAmount, r.Status, nullUUID(r.TransactionID),
		r.Reconciled, nullTime(r.ProcessedAt), r.UpdatedAt.UTC(), r.ID, from,
	)
}

// ListRepaymentsByFunding returns all repayments of a funding ordered by due date.
func (s *SQLiteStore) ListRepaymentsByFunding(ctx context.Context, fundingID uuid.UUID) ([]*models.Repayment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repaymentColumns+` FROM repayments WHERE funding_id = ? ORDER BY due_date ASC, created_at ASC`, fundingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get repayments for funding %s: %w", fundingID, err)
	}
	defer rows.Close()

	return collect(rows, "repayment", scanRepayment)
}

func scanRepayment(row rowScanner) (*models.Repayment, error) {
	var r models.Repayment
	var planID, txID uuid.NullUUID
	var processed sql.NullTime
	err := row.Scan(&r.ID, &r.FundingID, &planID, &r.DueDate, &r.PaybackAmount, &r.FundedAmount, &r.FeeAmount,
		&r.Status, &txID, &r.Reconciled, &processed, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.PlanID = uuidPtr(planID)
	r.TransactionID = uuidPtr(txID)
	r.ProcessedAt = timePtr(processed)
	return &r, nil
}
