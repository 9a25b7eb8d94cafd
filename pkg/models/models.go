package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/money"
	"github.com/mcclellann/fundLedger/pkg/waterfall"
	"github.com/shopspring/decimal"
)

// Funding holds the aggregate facts about one advance. The remaining_* and
// syndicated fields are refreshed by the ledger; everything else is owned by
// the system that originated the funding.
type Funding struct {
	ID                     uuid.UUID    `json:"id"`
	FunderID               uuid.UUID    `json:"funder_id"`
	MerchantID             uuid.UUID    `json:"merchant_id"`
	ISOID                  *uuid.UUID   `json:"iso_id,omitempty"` // Commission receiver, if any
	FundedAmount           money.Amount `json:"funded_amount"`    // Principal
	PaybackAmount          money.Amount `json:"payback_amount"`   // Principal + fee due
	NetAmount              money.Amount `json:"net_amount"`       // Cash actually disbursed
	CommissionAmount       money.Amount `json:"commission_amount"`
	UpfrontFeeAmount       money.Amount `json:"upfront_fee_amount"`
	ResidualFeeAmount      money.Amount `json:"residual_fee_amount"`
	RemainingPaybackAmount money.Amount `json:"remaining_payback_amount"`
	RemainingFeeAmount     money.Amount `json:"remaining_fee_amount"`
	SyndicatedAmount       money.Amount `json:"syndicated_amount"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// FeeAmount is the total fee portion due on the funding.
func (f *Funding) FeeAmount() money.Amount {
	return f.PaybackAmount - f.FundedAmount
}

type PlanStatus string

const (
	PlanStatusActive  PlanStatus = "ACTIVE"
	PlanStatusPaused  PlanStatus = "PAUSED"
	PlanStatusStopped PlanStatus = "STOPPED"
)

type Frequency string

const (
	FrequencyWeekly  Frequency = "WEEKLY"  // PaydayList holds weekdays, 0 = Sunday
	FrequencyMonthly Frequency = "MONTHLY" // PaydayList holds days of month, clamped to month end
)

// RepaymentPlan is a recurring repayment schedule for a funding.
// NextPaybackDate is set if and only if Status is ACTIVE.
type RepaymentPlan struct {
	ID                   uuid.UUID          `json:"id"`
	FundingID            uuid.UUID          `json:"funding_id"`
	Frequency            Frequency          `json:"frequency"`
	PaydayList           []int              `json:"payday_list"`
	DistributionPriority waterfall.Priority `json:"distribution_priority"`
	NextPaybackDate      *time.Time         `json:"next_payback_date,omitempty"`
	NextPaybackAmount    money.Amount       `json:"next_payback_amount"`
	RemainingCount       int                `json:"remaining_count"`
	Status               PlanStatus         `json:"status"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Status is the lifecycle shared by repayments and attempts.
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusProcessing, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Repayment is one payback attempt by the merchant.
// FundedAmount + FeeAmount always equals PaybackAmount.
type Repayment struct {
	ID            uuid.UUID    `json:"id"`
	FundingID     uuid.UUID    `json:"funding_id"`
	PlanID        *uuid.UUID   `json:"plan_id,omitempty"`
	DueDate       time.Time    `json:"due_date"`
	PaybackAmount money.Amount `json:"payback_amount"`
	FundedAmount  money.Amount `json:"funded_amount"` // Principal portion
	FeeAmount     money.Amount `json:"fee_amount"`
	Status        Status       `json:"status"`
	TransactionID *uuid.UUID   `json:"transaction_id,omitempty"`
	Reconciled    bool         `json:"reconciled"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Provider is a capital provider that participates in fundings.
type Provider struct {
	ID               uuid.UUID    `json:"id"`
	Name             string       `json:"name"`
	AvailableBalance money.Amount `json:"available_balance"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

type AgreementStatus string

const (
	AgreementStatusActive AgreementStatus = "ACTIVE"
	AgreementStatusClosed AgreementStatus = "CLOSED"
)

// ProviderAgreement is a provider's stake in one funding.
type ProviderAgreement struct {
	ID                    uuid.UUID       `json:"id"`
	FundingID             uuid.UUID       `json:"funding_id"`
	ProviderID            uuid.UUID       `json:"provider_id"`
	ParticipatePercent    decimal.Decimal `json:"participate_percent"` // Share of principal, (0, 1]
	FundedAmount          money.Amount    `json:"funded_amount"`       // Capital the provider put in
	PaybackAmount         money.Amount    `json:"payback_amount"`      // Provider's total expected return
	RecurringFeeAmount    money.Amount    `json:"recurring_fee_amount"`
	RecurringCreditAmount money.Amount    `json:"recurring_credit_amount"`
	Status                AgreementStatus `json:"status"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Payout is a provider's prorated share of one successful repayment.
// There is at most one payout per (repayment, agreement).
type Payout struct {
	ID            uuid.UUID    `json:"id"`
	RepaymentID   uuid.UUID    `json:"repayment_id"`
	AgreementID   uuid.UUID    `json:"agreement_id"`
	FundingID     uuid.UUID    `json:"funding_id"`
	PayoutAmount  money.Amount `json:"payout_amount"`
	FeeAmount     money.Amount `json:"fee_amount"`
	CreditAmount  money.Amount `json:"credit_amount"`
	Pending       bool         `json:"pending"`
	TransactionID *uuid.UUID   `json:"transaction_id,omitempty"`
	CreatedDate   time.Time    `json:"created_date"`
}

// NetAmount is what actually moves to the provider.
func (p *Payout) NetAmount() money.Amount {
	return p.PayoutAmount - p.FeeAmount + p.CreditAmount
}

type TransactionType string

const (
	TransactionTypeDisbursement TransactionType = "DISBURSEMENT"
	TransactionTypeCommission   TransactionType = "COMMISSION"
	TransactionTypePayback      TransactionType = "PAYBACK"
	TransactionTypePayout       TransactionType = "PAYOUT"
	TransactionTypeSyndication  TransactionType = "SYNDICATION"
)

type PartyType string

const (
	PartyFunder   PartyType = "FUNDER"
	PartyMerchant PartyType = "MERCHANT"
	PartyISO      PartyType = "ISO"
	PartyProvider PartyType = "PROVIDER"
)

type SourceType string

const (
	SourceRepayment SourceType = "REPAYMENT"
	SourceAttempt   SourceType = "ATTEMPT"
	SourcePayout    SourceType = "PAYOUT"
	SourceAgreement SourceType = "AGREEMENT"
)

// Transaction is the canonical, immutable record of a money movement.
// Only Reconciled may change after creation.
type Transaction struct {
	ID           uuid.UUID       `json:"id"`
	FunderID     uuid.UUID       `json:"funder_id"`
	FundingID    uuid.UUID       `json:"funding_id"`
	SenderID     uuid.UUID       `json:"sender_id"`
	SenderType   PartyType       `json:"sender_type"`
	ReceiverID   uuid.UUID       `json:"receiver_id"`
	ReceiverType PartyType       `json:"receiver_type"`
	Amount       money.Amount    `json:"amount"`
	Type         TransactionType `json:"type"`
	SourceType   SourceType      `json:"source_type"`
	SourceID     uuid.UUID       `json:"source_id"`
	Reconciled   bool            `json:"reconciled"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TransactionBreakdown is one itemized line of a transaction.
type TransactionBreakdown struct {
	ID            uuid.UUID    `json:"id"`
	TransactionID uuid.UUID    `json:"transaction_id"`
	FundingID     uuid.UUID    `json:"funding_id"`
	Amount        money.Amount `json:"amount"`
	Description   string       `json:"description"`
}

// BreakdownValidation reports how far a transaction's breakdown lines are
// from the transaction amount.
type BreakdownValidation struct {
	TransactionID  uuid.UUID    `json:"transaction_id"`
	IsValid        bool         `json:"is_valid"`
	VarianceAmount money.Amount `json:"variance_amount"`
}

type IntentKind string

const (
	IntentDisbursement IntentKind = "DISBURSEMENT"
	IntentCommission   IntentKind = "COMMISSION"
)

// Intent is a target amount to be fulfilled by one or more attempts.
type Intent struct {
	ID        uuid.UUID    `json:"id"`
	FundingID uuid.UUID    `json:"funding_id"`
	Kind      IntentKind   `json:"kind"`
	Amount    money.Amount `json:"amount"`
	CreatedAt time.Time    `json:"created_at"`
}

// Attempt is one concrete try at moving money towards an intent.
type Attempt struct {
	ID            uuid.UUID    `json:"id"`
	IntentID      uuid.UUID    `json:"intent_id"`
	FundingID     uuid.UUID    `json:"funding_id"`
	Kind          IntentKind   `json:"kind"`
	Amount        money.Amount `json:"amount"`
	Status        Status       `json:"status"`
	TransactionID *uuid.UUID   `json:"transaction_id,omitempty"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TransitionLog is the audit record of one status change.
type TransitionLog struct {
	ID             uuid.UUID  `json:"id"`
	EntityType     SourceType `json:"entity_type"`
	EntityID       uuid.UUID  `json:"entity_id"`
	Actor          string     `json:"actor"`
	PreviousStatus Status     `json:"previous_status"`
	NewStatus      Status     `json:"new_status"`
	Payload        string     `json:"payload"`
	CreatedAt      time.Time  `json:"created_at"`
}
