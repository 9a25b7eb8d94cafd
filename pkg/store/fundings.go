package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
)

const fundingColumns = `id, funder_id, merchant_id, iso_id, funded_amount, payback_amount, net_amount, commission_amount, upfront_fee_amount, residual_fee_amount, remaining_payback_amount, remaining_fee_amount, syndicated_amount, created_at, updated_at`

// CreateFunding inserts a new funding into the database.
func (s *SQLiteStore) CreateFunding(ctx context.Context, f *models.Funding) error {
	return s.insert(ctx, "funding",
		`INSERT INTO fundings (`+fundingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.FunderID, f.MerchantID, nullUUID(f.ISOID), f.FundedAmount, f.PaybackAmount, f.NetAmount, f.CommissionAmount,
		f.UpfrontFeeAmount, f.ResidualFeeAmount, f.RemainingPaybackAmount, f.RemainingFeeAmount, f.SyndicatedAmount,
		f.CreatedAt.UTC(), f.UpdatedAt.UTC(),
	)
}

// GetFunding retrieves a funding by its ID.
func (s *SQLiteStore) GetFunding(ctx context.Context, id uuid.UUID) (*models.Funding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fundingColumns+` FROM fundings WHERE id = ?`, id)
	f, err := scanFunding(row)
	if err != nil {
		return nil, notFound("funding", err)
	}
	return f, nil
}

// AddSyndicatedAmount increments the syndicated total in a single statement,
// so concurrent syndications and balance refreshes never overwrite it.
func (s *SQLiteStore) AddSyndicatedAmount(ctx context.Context, id uuid.UUID, delta money.Amount, at time.Time) error {
	return s.execOne(ctx, "funding",
		`UPDATE fundings SET syndicated_amount = syndicated_amount + ?, updated_at = ? WHERE id = ?`,
		delta, at.UTC(), id,
	)
}

// SetRemainingBalances writes the derived outstanding amounts of a funding.
func (s *SQLiteStore) SetRemainingBalances(ctx context.Context, id uuid.UUID, payback, fee money.Amount, at time.Time) error {
	return s.execOne(ctx, "funding",
		`UPDATE fundings SET remaining_payback_amount = ?, remaining_fee_amount = ?, updated_at = ? WHERE id = ?`,
		payback, fee, at.UTC(), id,
	)
}

func scanFunding(row rowScanner) (*models.Funding, error) {
	var f models.Funding
	var isoID uuid.NullUUID
	err := row.Scan(&f.ID, &f.FunderID, &f.MerchantID, &isoID, &f.FundedAmount, &f.PaybackAmount, &f.NetAmount,
		&f.CommissionAmount, &f.UpfrontFeeAmount, &f.ResidualFeeAmount, &f.RemainingPaybackAmount,
		&f.RemainingFeeAmount, &f.SyndicatedAmount, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.ISOID = uuidPtr(isoID)
	return &f, nil
}

const providerColumns = `id, name, available_balance, created_at, updated_at`

// CreateProvider inserts a new capital provider.
func (s *SQLiteStore) CreateProvider(ctx context.Context, p *models.Provider) error {
	return s.insert(ctx, "provider",
		`INSERT INTO providers (`+providerColumns+`) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.AvailableBalance, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
}

// GetProvider retrieves a provider by its ID.
func (s *SQLiteStore) GetProvider(ctx context.Context, id uuid.UUID) (*models.Provider, error) {
	var p models.Provider
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.Name, &p.AvailableBalance, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, notFound("provider", err)
	}
	return &p, nil
}

// AdjustProviderBalance applies delta to the available balance. The guard in
// the WHERE clause makes the check and the write a single statement.
func (s *SQLiteStore) AdjustProviderBalance(ctx context.Context, id uuid.UUID, delta money.Amount) (*models.Provider, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE providers SET available_balance = available_balance + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND available_balance + ? >= 0`,
		delta, id, delta,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to adjust provider balance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Either the provider is missing or the guard rejected the update.
		if _, err := s.GetProvider(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNegativeBalance
	}
	return s.GetProvider(ctx, id)
}
