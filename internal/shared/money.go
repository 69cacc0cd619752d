package shared

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Cents is a monetary amount in the ledger's minor unit. Amount equality is
// always an integer comparison.
type Cents int64

// ErrInvalidAmount indicates an amount that cannot be represented in cents.
var ErrInvalidAmount = NewError(KindValidation, "InvalidAmount", "amount is not a valid decimal")

var (
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// ParseCents converts a decimal string such as "1000.00" or "1000.000000"
// into cents. Values with more than two significant decimals are rounded
// half away from zero, matching SAT rounding for CFDI totals.
func ParseCents(raw string) (Cents, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if shifted := d.Round(2).Shift(2); shifted.GreaterThan(maxCents) || shifted.LessThan(minCents) {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, raw)
	}
	return CentsFromDecimal(d), nil
}

// CentsFromDecimal rounds d to two places and returns it in cents. d must
// fit in int64 cents.
func CentsFromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Round(2).Shift(2).IntPart())
}

// AddCents returns a+b and false when the sum overflows.
func AddCents(a, b Cents) (Cents, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// Decimal returns the amount as a two-place decimal.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// Abs returns the absolute value.
func (c Cents) Abs() Cents {
	if c < 0 {
		return -c
	}
	return c
}

func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}
