package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a write hits a uniqueness constraint,
	// e.g. a second payout for the same (repayment, agreement).
	ErrDuplicate = errors.New("duplicate record")
	// ErrNegativeBalance is returned when a balance adjustment would take a
	// provider below zero.
	ErrNegativeBalance = errors.New("balance would become negative")
	// ErrStale is returned by conditional writes whose precondition no
	// longer holds: the row was changed by someone else since it was read.
	ErrStale = errors.New("record changed since it was read")
)

// Storage defines the interface for database operations behind the ledger.
type Storage interface {
	CreateFunding(ctx context.Context, funding *models.Funding) error
	GetFunding(ctx context.Context, id uuid.UUID) (*models.Funding, error)
	// AddSyndicatedAmount increments the syndicated total in place.
	AddSyndicatedAmount(ctx context.Context, id uuid.UUID, delta money.Amount, at time.Time) error
	// SetRemainingBalances writes the outstanding payback and fee, leaving
	// every other column alone.
	SetRemainingBalances(ctx context.Context, id uuid.UUID, payback, fee money.Amount, at time.Time) error

	CreateProvider(ctx context.Context, provider *models.Provider) error
	GetProvider(ctx context.Context, id uuid.UUID) (*models.Provider, error)
	// AdjustProviderBalance adds delta to the provider's available balance in a
	// single statement and returns the updated provider.
	AdjustProviderBalance(ctx context.Context, id uuid.UUID, delta money.Amount) (*models.Provider, error)

	CreateAgreement(ctx context.Context, agreement *models.ProviderAgreement) error
	GetAgreement(ctx context.Context, id uuid.UUID) (*models.ProviderAgreement, error)
	UpdateAgreement(ctx context.Context, agreement *models.ProviderAgreement) error
	ListAgreementsByFunding(ctx context.Context, fundingID uuid.UUID, statuses ...models.AgreementStatus) ([]*models.ProviderAgreement, error)

	CreatePlan(ctx context.Context, plan *models.RepaymentPlan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*models.RepaymentPlan, error)
	UpdatePlan(ctx context.Context, plan *models.RepaymentPlan) error
	ListPlansByStatus(ctx context.Context, status models.PlanStatus) ([]*models.RepaymentPlan, error)

	CreateRepayment(ctx context.Context, repayment *models.Repayment) error
	GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error)
	// UpdateRepayment persists the repayment only while its stored status is
	// still from; otherwise it fails with ErrStale.
	UpdateRepayment(ctx context.Context, repayment *models.Repayment, from models.Status) error
	ListRepaymentsByFunding(ctx context.Context, fundingID uuid.UUID) ([]*models.Repayment, error)

	CreateIntent(ctx context.Context, intent *models.Intent) error
	GetIntent(ctx context.Context, id uuid.UUID) (*models.Intent, error)
	CreateAttempt(ctx context.Context, attempt *models.Attempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*models.Attempt, error)
	// UpdateAttempt persists the attempt only while its stored status is
	// still from; otherwise it fails with ErrStale.
	UpdateAttempt(ctx context.Context, attempt *models.Attempt, from models.Status) error
	ListAttemptsByIntent(ctx context.Context, intentID uuid.UUID) ([]*models.Attempt, error)

	CreatePayout(ctx context.Context, payout *models.Payout) error
	GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	// ClaimPayout flips a pending payout to settled. Exactly one caller wins;
	// the others get ErrStale.
	ClaimPayout(ctx context.Context, id uuid.UUID) error
	UpdatePayout(ctx context.Context, payout *models.Payout) error
	ListPayoutsByRepayment(ctx context.Context, repaymentID uuid.UUID) ([]*models.Payout, error)
	ListPayoutsByFunding(ctx context.Context, fundingID uuid.UUID) ([]*models.Payout, error)
	ListPayoutsByAgreement(ctx context.Context, agreementID uuid.UUID) ([]*models.Payout, error)

	CreateTransaction(ctx context.Context, transaction *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionBySource(ctx context.Context, sourceType models.SourceType, sourceID uuid.UUID) (*models.Transaction, error)
	ListTransactionsByFunding(ctx context.Context, fundingID uuid.UUID) ([]*models.Transaction, error)
	MarkTransactionReconciled(ctx context.Context, id uuid.UUID) error

	CreateBreakdown(ctx context.Context, breakdown *models.TransactionBreakdown) error
	ListBreakdownsByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*models.TransactionBreakdown, error)
	// BreakdownVariances returns every transaction whose breakdown lines do
	// not sum to the transaction amount.
	BreakdownVariances(ctx context.Context) ([]*models.BreakdownValidation, error)

	CreateTransitionLog(ctx context.Context, entry *models.TransitionLog) error
	ListTransitionLogs(ctx context.Context, entityID uuid.UUID) ([]*models.TransitionLog, error)

	Close() error
}
