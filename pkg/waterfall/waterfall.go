// Package waterfall splits a single repayment into its principal and fee
// portions.
package waterfall

import (
	"errors"
	"fmt"

	"github.com/mcclellann/fundLedger/pkg/money"
)

// Priority decides which bucket a repayment pays down first.
type Priority string

const (
	PriorityPrincipal Priority = "PRINCIPAL"
	PriorityFee       Priority = "FEE"
	PriorityBoth      Priority = "BOTH"
)

var (
	ErrNonPositiveAmount = errors.New("payback amount must be positive")
	ErrUnknownPriority   = errors.New("unknown distribution priority")
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityPrincipal, PriorityFee, PriorityBoth:
		return true
	}
	return false
}

// Input carries everything the allocator needs. TotalPaybackAmount and
// TotalResidualFee are only read for PriorityBoth.
type Input struct {
	PaybackAmount      money.Amount
	Priority           Priority
	RemainingPrincipal money.Amount
	RemainingFee       money.Amount
	TotalPaybackAmount money.Amount
	TotalResidualFee   money.Amount
}

// Split is the result of an allocation. Principal + Fee always equals the
// allocated payback amount.
type Split struct {
	Principal money.Amount
	Fee       money.Amount
}

func (s Split) Total() money.Amount {
	return s.Principal + s.Fee
}

// Allocate splits in.PaybackAmount according to in.Priority.
func Allocate(in Input) (Split, error) {
	if in.PaybackAmount <= 0 {
		return Split{}, fmt.Errorf("%w: %d", ErrNonPositiveAmount, in.PaybackAmount)
	}

	switch in.Priority {
	case PriorityPrincipal:
		primary, secondary := prioritize(in.PaybackAmount, in.RemainingPrincipal, in.RemainingFee)
		return Split{Principal: primary, Fee: secondary}, nil
	case PriorityFee:
		primary, secondary := prioritize(in.PaybackAmount, in.RemainingFee, in.RemainingPrincipal)
		return Split{Principal: secondary, Fee: primary}, nil
	case PriorityBoth:
		principal := money.Scale(in.PaybackAmount, in.TotalPaybackAmount, in.TotalPaybackAmount+in.TotalResidualFee)
		return Split{Principal: principal, Fee: in.PaybackAmount - principal}, nil
	default:
		return Split{}, fmt.Errorf("%w: %q", ErrUnknownPriority, in.Priority)
	}
}

// prioritize fills the primary bucket first. The secondary bucket only takes
// money when the primary cannot absorb the whole amount and the secondary
// still has a balance; the remainder always lands on the primary side.
func prioritize(amount, primaryRemaining, secondaryRemaining money.Amount) (primary, secondary money.Amount) {
	if primaryRemaining >= amount || secondaryRemaining <= 0 {
		return amount, 0
	}
	if secondaryRemaining >= amount {
		return 0, amount
	}
	secondary = money.Max(secondaryRemaining, 0)
	return amount - secondary, secondary
}
