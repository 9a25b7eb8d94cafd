package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
)

const planColumns = `id, funding_id, frequency, payday_list, distribution_priority, next_payback_date, next_payback_amount, remaining_count, status, created_at, updated_at`

// CreatePlan inserts a new repayment plan.
func (s *SQLiteStore) CreatePlan(ctx context.Context, p *models.RepaymentPlan) error {
	paydays, err := json.Marshal(p.PaydayList)
	if err != nil {
		return fmt.Errorf("failed to encode payday list: %w", err)
	}
	return s.insert(ctx, "repayment plan",
		`INSERT INTO repayment_plans (`+planColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.FundingID, p.Frequency, string(paydays), p.DistributionPriority, nullTime(p.NextPaybackDate),
		p.NextPaybackAmount, p.RemainingCount, p.Status, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
}

// GetPlan retrieves a repayment plan by its ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, id uuid.UUID) (*models.RepaymentPlan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM repayment_plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err != nil {
		return nil, notFound("repayment plan", err)
	}
	return p, nil
}

// UpdatePlan persists the schedule state of a plan.
func (s *SQLiteStore) UpdatePlan(ctx context.Context, p *models.RepaymentPlan) error {
	paydays, err := json.Marshal(p.PaydayList)
	if err != nil {
		return fmt.Errorf("failed to encode payday list: %w", err)
	}
	return s.execOne(ctx, "repayment plan",
		`UPDATE repayment_plans SET frequency = ?, payday_list = ?, distribution_priority = ?, next_payback_date = ?, next_payback_amount = ?, remaining_count = ?, status = ?, updated_at = ? WHERE id = ?`,
		p.Frequency, string(paydays), p.DistributionPriority, nullTime(p.NextPaybackDate), p.NextPaybackAmount,
		p.RemainingCount, p.Status, p.UpdatedAt.UTC(), p.ID,
	)
}

// ListPlansByStatus returns all plans in the given status.
func (s *SQLiteStore) ListPlansByStatus(ctx context.Context, status models.PlanStatus) ([]*models.RepaymentPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM repayment_plans WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s plans: %w", status, err)
	}
	defer rows.Close()

	return collect(rows, "repayment plan", scanPlan)
}

func scanPlan(row rowScanner) (*models.RepaymentPlan, error) {
	var p models.RepaymentPlan
	var paydays string
	var next sql.NullTime
	err := row.Scan(&p.ID, &p.FundingID, &p.Frequency, &paydays, &p.DistributionPriority, &next,
		&p.NextPaybackAmount, &p.RemainingCount, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paydays), &p.PaydayList); err != nil {
		return nil, fmt.Errorf("failed to decode payday list: %w", err)
	}
	p.NextPaybackDate = timePtr(next)
	return &p, nil
}
