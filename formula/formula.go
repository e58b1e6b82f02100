// Package formula provides the closed-form financial functions behind the
// monthly loan cashflow recurrence: annuity payments, cumulative principal
// amortization, CPR-driven prepayment, early-repayment netting, and the
// per-month cashflow sum.
//
// All functions are pure and stateless. Rates are periodic (monthly) decimals
// unless a function documents otherwise; amounts are currency units.
package formula

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDomain is returned for structurally invalid formula inputs
	// (non-positive term, month outside the schedule, rate at or below -100%).
	ErrDomain = errors.New("domain error")

	// ErrNegativeEarlyRepayment flags a prepayment delta that came out
	// negative. The returned amount is clamped to zero; the error is an
	// anomaly report, not a failure.
	ErrNegativeEarlyRepayment = errors.New("negative early repayment")
)

// Timing selects the payment-timing convention of an annuity.
type Timing int

const (
	// TimingEnd books payments at the end of each month (ordinary annuity).
	TimingEnd Timing = iota
	// TimingBegin books payments at the start of each month (annuity due),
	// shifting the schedule by one compounding period.
	TimingBegin
)

func (t Timing) String() string {
	if t == TimingBegin {
		return "begin"
	}
	return "end"
}

// AnnuityPayment returns the fixed payment that fully amortizes principal
// over nper months at the periodic rate. A zero rate degenerates to equal
// principal installments.
func AnnuityPayment(rate float64, nper int, principal float64, timing Timing) (float64, error) {
	if nper <= 0 {
		return 0, fmt.Errorf("AnnuityPayment: nper %d: %w", nper, ErrDomain)
	}
	if principal < 0 {
		return 0, fmt.Errorf("AnnuityPayment: principal %.2f: %w", principal, ErrDomain)
	}
	if rate <= -1 {
		return 0, fmt.Errorf("AnnuityPayment: rate %.6f: %w", rate, ErrDomain)
	}

	if rate == 0 {
		return principal / float64(nper), nil
	}

	pmt := principal * rate / (1 - math.Pow(1+rate, -float64(nper)))
	if timing == TimingBegin {
		pmt /= 1 + rate
	}
	return pmt, nil
}

// CumulativePrincipal returns the total principal amortized through month m
// (inclusive) of an nper-month annuity at the periodic rate.
//
// It is the closed form derived from the geometric-series annuity identity,
// not a month-by-month accumulation: the outstanding balance after m payments
// is principal·(1+r)^m − pmt·((1+r)^m − 1)/r, and the cumulative principal is
// the complement. A zero rate reduces to the linear case principal·m/nper.
func CumulativePrincipal(rate float64, nper int, principal float64, m int, timing Timing) (float64, error) {
	if nper <= 0 {
		return 0, fmt.Errorf("CumulativePrincipal: nper %d: %w", nper, ErrDomain)
	}
	if m < 0 || m > nper {
		return 0, fmt.Errorf("CumulativePrincipal: month %d outside 0..%d: %w", m, nper, ErrDomain)
	}
	if principal < 0 {
		return 0, fmt.Errorf("CumulativePrincipal: principal %.2f: %w", principal, ErrDomain)
	}
	if rate <= -1 {
		return 0, fmt.Errorf("CumulativePrincipal: rate %.6f: %w", rate, ErrDomain)
	}

	if rate == 0 {
		return principal * float64(m) / float64(nper), nil
	}

	pmt, err := AnnuityPayment(rate, nper, principal, timing)
	if err != nil {
		return 0, err
	}

	growth := math.Pow(1+rate, float64(m))
	annuityFactor := (growth - 1) / rate
	if timing == TimingBegin {
		annuityFactor *= 1 + rate
	}

	balance := principal*growth - pmt*annuityFactor
	return principal - balance, nil
}

// SMM converts an annualized conditional prepayment rate into its
// single-monthly-mortality equivalent, 1 − (1−cpr)^(1/12).
func SMM(cpr float64) float64 {
	if cpr <= 0 {
		return 0
	}
	if cpr >= 1 {
		return 1
	}
	return 1 - math.Pow(1-cpr, 1.0/12.0)
}

// CumulativePrepayment advances the running prepayment total by one month:
// the SMM of the current month's CPR applied to the balance not yet amortized
// or prepaid. The result is non-decreasing by construction.
//
// cprPrev is accepted for signature compatibility and unused; only the
// current month's CPR enters the survival factor.
func CumulativePrepayment(cumPrepayPrev, principal, cam, cprCurrent, cprPrev float64) float64 {
	_ = cprPrev
	remaining := principal - cam - cumPrepayPrev
	if remaining < 0 {
		remaining = 0
	}
	return cumPrepayPrev + SMM(cprCurrent)*remaining
}

// EarlyRepayment returns the cash prepaid this month: the increase in
// cumulative prepayment, netted against the scheduled principal split of the
// prior balance so the loan cannot prepay more than remains outstanding.
//
// A negative raw delta signals upstream CPR/amortization inconsistency; the
// amount is clamped to zero and ErrNegativeEarlyRepayment is returned
// alongside it so callers can record the anomaly.
func EarlyRepayment(balancePrev, statementInterest, schedPayment, cumPrepayPrev, cumPrepayCurrent float64) (float64, error) {
	raw := cumPrepayCurrent - cumPrepayPrev
	if raw < 0 {
		return 0, fmt.Errorf("EarlyRepayment: prepayment delta %.6f: %w", raw, ErrNegativeEarlyRepayment)
	}

	schedPrincipal := schedPayment - statementInterest
	if schedPrincipal < 0 {
		schedPrincipal = 0
	}
	remaining := balancePrev - schedPrincipal
	if remaining < 0 {
		remaining = 0
	}
	if raw > remaining {
		raw = remaining
	}
	return raw, nil
}

// CashflowDelta is the signed cashflow for one month: repayments and charges
// in, disbursement and upfront costs/fees out, plus any period adjustment.
// Principal, costs, and fees are non-zero only in the disbursement month.
func CashflowDelta(principal, costs, fees, schedPayment, earlyRepayment, erc, adjustments float64) float64 {
	return schedPayment + earlyRepayment + erc - principal - costs - fees + adjustments
}
