// Package numeric implements exact rational arithmetic for monetary and
// commodity quantities. Amounts are num/denom fractions with a positive
// denominator fixed per commodity (100 for cents, 10000 for most share
// quantities). Nothing here ever goes through a float; the only lossy
// step is rendering to a decimal string at the display boundary.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/bookledger/internal/errs"
)

// Numeric is an exact fraction. Denom is always > 0; the sign lives in Num.
type Numeric struct {
	Num   int64 `json:"num"`
	Denom int64 `json:"denom"`
}

// New builds a Numeric, normalizing the sign onto the numerator.
func New(num, denom int64) (Numeric, error) {
	if denom == 0 {
		return Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "denom", "denominator must not be zero")
	}
	if denom < 0 {
		num, denom = -num, -denom
	}
	return Numeric{Num: num, Denom: denom}, nil
}

// Zero returns 0/denom, or 0/1 for a non-positive denom.
func Zero(denom int64) Numeric {
	if denom <= 0 {
		denom = 1
	}
	return Numeric{Num: 0, Denom: denom}
}

// IsZero reports whether the amount is exactly zero.
func (a Numeric) IsZero() bool { return a.Num == 0 }

// Neg returns -a.
func (a Numeric) Neg() Numeric { return Numeric{Num: -a.Num, Denom: a.Denom} }

// Abs returns |a|.
func (a Numeric) Abs() Numeric {
	if a.Num < 0 {
		return a.Neg()
	}
	return a
}

func gcd(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

func lcm(a, b int64) int64 { return a / gcd(a, b) * b }

// Add returns a+b over the least common multiple of the two denominators.
// Commodity fractions are small powers of ten, so the products stay well
// inside int64 for any realistic ledger.
func Add(a, b Numeric) Numeric {
	if a.Denom == b.Denom {
		return Numeric{Num: a.Num + b.Num, Denom: a.Denom}
	}
	d := lcm(a.Denom, b.Denom)
	return Numeric{Num: a.Num*(d/a.Denom) + b.Num*(d/b.Denom), Denom: d}
}

// Sub returns a-b.
func Sub(a, b Numeric) Numeric { return Add(a, b.Neg()) }

// Sum adds a list of amounts exactly. The empty sum is 0/1.
func Sum(vs []Numeric) Numeric {
	total := Numeric{Num: 0, Denom: 1}
	for _, v := range vs {
		total = Add(total, v)
	}
	return total
}

// Mul returns a*b reduced by the greatest common divisor, so repeated
// price conversions do not inflate the denominator.
func Mul(a, b Numeric) Numeric {
	// Cross-reduce before multiplying to keep intermediates small.
	g1 := gcd(a.Num, b.Denom)
	g2 := gcd(b.Num, a.Denom)
	n := (a.Num / g1) * (b.Num / g2)
	d := (a.Denom / g2) * (b.Denom / g1)
	return Numeric{Num: n, Denom: d}
}

// Inv returns 1/a. Fails on a zero numerator.
func (a Numeric) Inv() (Numeric, error) {
	if a.Num == 0 {
		return Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "num", "cannot invert zero")
	}
	return New(a.Denom, a.Num)
}

// Cmp compares a and b by cross-multiplication: -1, 0 or +1.
func (a Numeric) Cmp(b Numeric) int {
	// Shared denominator first; keeps the products small in the common case.
	d := lcm(a.Denom, b.Denom)
	an := a.Num * (d / a.Denom)
	bn := b.Num * (d / b.Denom)
	switch {
	case an < bn:
		return -1
	case an > bn:
		return 1
	default:
		return 0
	}
}

// Equal reports exact equality of value (1/2 equals 2/4).
func (a Numeric) Equal(b Numeric) bool { return a.Cmp(b) == 0 }

// Reduce returns the amount in lowest terms.
func (a Numeric) Reduce() Numeric {
	g := gcd(a.Num, a.Denom)
	return Numeric{Num: a.Num / g, Denom: a.Denom / g}
}

// Convert re-expresses a over denom. Fails when the value is not exactly
// representable at that scale.
func (a Numeric) Convert(denom int64) (Numeric, error) {
	if denom <= 0 {
		return Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "denom", "denominator must be positive, got %d", denom)
	}
	n := a.Num * denom
	if n%a.Denom != 0 {
		return Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "", "%d/%d is not representable over %d", a.Num, a.Denom, denom)
	}
	return Numeric{Num: n / a.Denom, Denom: denom}, nil
}

// decimalPlaces returns the number of fractional digits implied by a
// display denominator (100 -> 2). Non power-of-ten denominators round up.
func decimalPlaces(denom int64) int32 {
	places := int32(0)
	for d := int64(1); d < denom; d *= 10 {
		places++
	}
	return places
}

// StringFixed renders the amount at the display precision implied by
// displayDenom, rounding half away from zero. This is the single place
// where exactness is allowed to end.
func (a Numeric) StringFixed(displayDenom int64) string {
	if displayDenom <= 0 {
		displayDenom = a.Denom
	}
	places := decimalPlaces(displayDenom)
	d := decimal.New(a.Num, 0).DivRound(decimal.New(a.Denom, 0), places)
	return d.StringFixed(places)
}

// String renders at the amount's own scale.
func (a Numeric) String() string { return a.StringFixed(a.Denom) }

// ParseDecimal parses a human decimal string into an exact fraction over
// denom. Non-numeric input, or input finer than the smallest unit of the
// commodity, fails with a malformed_amount validation error.
func ParseDecimal(s string, denom int64) (Numeric, error) {
	if denom <= 0 {
		return Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "denom", "denominator must be positive, got %d", denom)
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "amount", "empty amount")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "amount", "%q is not a number", s)
	}
	scaled := d.Mul(decimal.New(denom, 0))
	if !scaled.IsInteger() {
		return Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "amount", "%q is finer than the smallest unit 1/%d", s, denom)
	}
	big := scaled.BigInt()
	if !big.IsInt64() {
		return Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "amount", "%q overflows the amount range", s)
	}
	return Numeric{Num: big.Int64(), Denom: denom}, nil
}
