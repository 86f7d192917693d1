// Package money provides fixed-point currency amounts.
//
// Amounts are stored as integer cents so arithmetic is exact; the string
// form is always two decimal places (e.g. "93.00"). Percentages round
// half-up, matching how the platform has historically computed fees.
package money

import (
	"errors"
	"fmt"
	"strings"
)

// Amount is a currency amount in cents. It may be negative (ledger
// entries are signed).
type Amount int64

var ErrMalformed = errors.New("malformed amount")

// Parse converts a decimal string like "100", "100.5" or "100.50" to an
// Amount. More than two fractional digits is rejected rather than
// silently truncated.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrMalformed
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	// "-" and "." carry a sign or a point but no digits.
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if whole == "" {
		whole = "0"
	}
	switch len(frac) {
	case 0:
		frac = "00"
	case 1:
		frac += "0"
	case 2:
	default:
		return 0, fmt.Errorf("%w: more than two decimal places in %q", ErrMalformed, s)
	}

	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		cents = cents*10 + int64(r-'0')
	}
	if neg {
		cents = -cents
	}
	return Amount(cents), nil
}

// MustParse is Parse for tests and constants; it panics on malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic("money: " + err.Error())
	}
	return a
}

// FromCents wraps a raw cent count.
func FromCents(cents int64) Amount { return Amount(cents) }

// Cents returns the raw cent count.
func (a Amount) Cents() int64 { return int64(a) }

// String formats the amount with two decimal places.
func (a Amount) String() string {
	cents := int64(a)
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// Neg returns the negated amount.
func (a Amount) Neg() Amount { return -a }

// Percent returns pct% of the amount, rounded half-up on the cent.
// pct is expressed in whole basis percent (5 means 5%); fractional
// percentages use PercentBasis directly.
func (a Amount) Percent(pct int64) Amount {
	return a.basisPoints(pct * 100)
}

// basisPoints returns bp/10000 of the amount, rounded half-up.
func (a Amount) basisPoints(bp int64) Amount {
	product := int64(a) * bp
	q := product / 10000
	r := product % 10000
	if r >= 5000 {
		q++
	} else if r <= -5000 {
		q--
	}
	return Amount(q)
}

// MarshalJSON emits the amount as a decimal string, the platform's wire
// form for currency values.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted decimal strings and bare numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
