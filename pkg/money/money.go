package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// minorUnits is the number of decimal places carried by an Amount.
const minorUnits = 2

var hundred = decimal.NewFromInt(100)

// Amount is a monetary value in minor units (cents). All ledger math is done
// on Amount; decimal major units only appear at the API boundary.
type Amount int64

const Zero Amount = 0

// FromDecimal converts a major-unit decimal (e.g. 12.34) into cents, rounding
// half away from zero.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Mul(hundred).Round(0).IntPart())
}

// FromMajor is a convenience for whole major units.
func FromMajor(units int64) Amount {
	return Amount(units * 100)
}

// Decimal renders the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -minorUnits)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(minorUnits)
}

func (a Amount) Int64() int64 {
	return int64(a)
}

func (a Amount) IsPositive() bool {
	return a > 0
}

func (a Amount) Neg() Amount {
	return -a
}

// Mul multiplies the amount by a ratio and rounds back to cents.
func (a Amount) Mul(ratio decimal.Decimal) Amount {
	return Amount(decimal.NewFromInt(int64(a)).Mul(ratio).Round(0).IntPart())
}

// Scale computes a * num / den with a single rounding step at the end.
// A zero denominator yields zero.
func Scale(a, num, den Amount) Amount {
	return Quotient(decimal.NewFromInt(int64(a)).Mul(decimal.NewFromInt(int64(num))), decimal.NewFromInt(int64(den)))
}

// Quotient divides n by d and rounds the exact result to whole cents, half
// away from zero. The rounding looks at the exact remainder, so quotients a
// hair under a half never round up. A zero d yields zero.
func Quotient(n, d decimal.Decimal) Amount {
	if d.IsZero() {
		return 0
	}
	q, r := n.QuoRem(d, 0)
	if r.Abs().Mul(decimal.NewFromInt(2)).GreaterThanOrEqual(d.Abs()) {
		if n.Sign()*d.Sign() > 0 {
			q = q.Add(decimal.NewFromInt(1))
		} else {
			q = q.Sub(decimal.NewFromInt(1))
		}
	}
	return Amount(q.IntPart())
}

func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// MarshalJSON renders the amount as a quoted major-unit decimal, e.g. "12.30".
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a major-unit decimal as a JSON number or string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid amount %s: %w", data, err)
	}
	*a = FromDecimal(d)
	return nil
}
