package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/lock"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
	"github.com/mcclellann/fundLedger/pkg/store"
)

const defaultLockTTL = 2 * time.Minute

var (
	// ErrValidation marks malformed input rejected before any write.
	ErrValidation = errors.New("validation failed")

	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInsufficientBalance = errors.New("insufficient provider balance")
	ErrOverParticipation   = errors.New("participation would exceed 100% of the funding")
	ErrExceedsIntent       = errors.New("attempt exceeds intent remaining balance")
	ErrEmptySchedule       = errors.New("repayment plan has an empty payday list")
	ErrNotSucceeded        = errors.New("repayment has not succeeded")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Ledger handles the business logic for fundings, repayments, payouts and
// the transaction ledger.
type Ledger struct {
	storage store.Storage
	audit   AuditLog
	locker  lock.Locker
	logger  *slog.Logger
	now     func() time.Time
	lockTTL time.Duration
}

type Option func(*Ledger)

// WithAuditLog replaces the store as the destination of transition records.
func WithAuditLog(a AuditLog) Option {
	return func(l *Ledger) { l.audit = a }
}

func WithLocker(lk lock.Locker) Option {
	return func(l *Ledger) { l.locker = lk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage: s,
		audit:   s,
		locker:  lock.NewLocal(),
		logger:  slog.Default(),
		now:     time.Now,
		lockTTL: defaultLockTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC()
}

// CreateFunding registers a funding on behalf of the originating system and
// seeds its remaining balances.
func (l *Ledger) CreateFunding(ctx context.Context, f *models.Funding) (*models.Funding, error) {
	if f.FunderID == uuid.Nil {
		return nil, invalid("funding requires a funder")
	}
	if f.MerchantID == uuid.Nil {
		return nil, invalid("funding requires a merchant")
	}
	if !f.FundedAmount.IsPositive() {
		return nil, invalid("funded amount must be positive")
	}
	if f.PaybackAmount < f.FundedAmount {
		return nil, invalid("payback amount %s is below funded amount %s", f.PaybackAmount, f.FundedAmount)
	}
	if f.NetAmount == 0 {
		f.NetAmount = f.FundedAmount - f.UpfrontFeeAmount
	}
	if f.ResidualFeeAmount == 0 {
		f.ResidualFeeAmount = f.FeeAmount()
	}

	now := l.clock()
	f.ID = uuid.New()
	f.RemainingPaybackAmount = f.PaybackAmount
	f.RemainingFeeAmount = f.FeeAmount()
	f.SyndicatedAmount = 0
	f.CreatedAt = now
	f.UpdatedAt = now

	if err := l.storage.CreateFunding(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to store funding: %w", err)
	}
	return f, nil
}

// GetFunding returns the stored funding without recomputing any balances.
func (l *Ledger) GetFunding(ctx context.Context, id uuid.UUID) (*models.Funding, error) {
	return l.storage.GetFunding(ctx, id)
}

// CreateProvider registers a capital provider with an opening balance.
func (l *Ledger) CreateProvider(ctx context.Context, name string, balance money.Amount) (*models.Provider, error) {
	if name == "" {
		return nil, invalid("provider name is required")
	}
	if balance < 0 {
		return nil, invalid("opening balance cannot be negative")
	}
	now := l.clock()
	p := &models.Provider{
		ID:               uuid.New(),
		Name:             name,
		AvailableBalance: balance,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.storage.CreateProvider(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to store provider: %w", err)
	}
	return p, nil
}

func (l *Ledger) GetProvider(ctx context.Context, id uuid.UUID) (*models.Provider, error) {
	return l.storage.GetProvider(ctx, id)
}

// refreshFunding writes the live remaining balances back onto the stored
// funding so callers that read raw fields see current values.
func (l *Ledger) refreshFunding(ctx context.Context, fundingID uuid.UUID) error {
	funding, err := l.storage.GetFunding(ctx, fundingID)
	if err != nil {
		return err
	}
	bal, err := l.fundingBalance(ctx, funding)
	if err != nil {
		return err
	}
	return l.storage.SetRemainingBalances(ctx, funding.ID, bal.RemainingPayback, bal.RemainingFee, l.clock())
}

// withLock runs fn while holding key.
func (l *Ledger) withLock(ctx context.Context, key string, fn func() error) error {
	release, err := l.locker.Acquire(ctx, key, l.lockTTL)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer release()
	return fn()
}
