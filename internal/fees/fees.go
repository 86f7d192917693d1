// Package fees computes platform and payment-method fees for a payment.
//
// The calculator is pure: no I/O, no clock, safe to call speculatively
// for price previews before any funds move. Fees are computed first and
// the net amount is the remainder, so the three parts always sum back to
// the gross amount with no rounding leakage.
package fees

import (
	"errors"

	"github.com/taskvine/walletd/internal/money"
)

var ErrInvalidAmount = errors.New("invalid amount")

// Method identifies how a payment entered the platform. The payment fee
// percentage may differ per method; unknown methods fall back to the
// default rate.
type Method string

const (
	MethodInternal     Method = "internal"
	MethodBankTransfer Method = "bank_transfer"
	MethodCard         Method = "card"
)

// Breakdown is the result of a fee calculation.
// PlatformFee + PaymentFee + Net == gross, always.
type Breakdown struct {
	Gross       money.Amount `json:"gross"`
	PlatformFee money.Amount `json:"platformFee"`
	PaymentFee  money.Amount `json:"paymentFee"`
	Net         money.Amount `json:"net"`
}

// Calculator computes fees from configured percentages.
type Calculator struct {
	PlatformPct int64            // platform fee, whole percent
	PaymentPct  int64            // default payment fee, whole percent
	MethodPct   map[Method]int64 // per-method overrides
	Enabled     bool             // when false all fees are zero
}

// New returns a calculator with the given platform and default payment
// percentages, fees enabled.
func New(platformPct, paymentPct int64) *Calculator {
	return &Calculator{
		PlatformPct: platformPct,
		PaymentPct:  paymentPct,
		Enabled:     true,
	}
}

// Calculate returns the fee breakdown for a gross amount paid via method.
// Returns ErrInvalidAmount when gross is not strictly positive.
func (c *Calculator) Calculate(gross money.Amount, method Method) (Breakdown, error) {
	if !gross.IsPositive() {
		return Breakdown{}, ErrInvalidAmount
	}

	if !c.Enabled {
		return Breakdown{Gross: gross, Net: gross}, nil
	}

	paymentPct := c.PaymentPct
	if pct, ok := c.MethodPct[method]; ok {
		paymentPct = pct
	}

	platformFee := gross.Percent(c.PlatformPct)
	paymentFee := gross.Percent(paymentPct)

	// Net is the remainder, never independently rounded.
	net := gross - platformFee - paymentFee
	if net < 0 {
		return Breakdown{}, ErrInvalidAmount
	}

	return Breakdown{
		Gross:       gross,
		PlatformFee: platformFee,
		PaymentFee:  paymentFee,
		Net:         net,
	}, nil
}
