// Package valuation derives per-loan scalars from a computed cashflow
// sequence: the effective interest rate that zeroes its net present value,
// NPV as of a reporting month, and profit and loss over a window.
package valuation

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNoConvergence is returned when the EIR root-find exhausts its
	// iteration cap or the rate bracket contains no sign change. Callers
	// exclude such loans from aggregate EIR statistics; the error is not
	// fatal to a batch.
	ErrNoConvergence = errors.New("no convergence")

	// ErrInvalidRange is returned for a reporting window whose end precedes
	// its start.
	ErrInvalidRange = errors.New("invalid range")
)

const (
	eirTolerance = 1e-8 // on |NPV| at the candidate rate
	eirMaxIter   = 100
	eirFloor     = -0.99 // periodic (monthly) rate bounds
	eirCeiling   = 10.0
)

// NetPresentValue discounts the cashflow sequence at the periodic rate,
// restricted to months at or after asOfMonth:
//
//	Σ cf_t / (1+rate)^(t − asOfMonth)  for t ≥ asOfMonth
func NetPresentValue(cashflows []float64, discountRate float64, asOfMonth int) float64 {
	start := asOfMonth
	if start < 0 {
		start = 0
	}

	var npv float64
	for t := start; t < len(cashflows); t++ {
		npv += cashflows[t] / math.Pow(1+discountRate, float64(t-asOfMonth))
	}
	return npv
}

// EffectiveInterestRate finds the periodic rate at which the signed cashflow
// sequence has zero net present value.
//
// The solver brackets the root over [-0.99, 10.0], raising the floor when
// long-dated flows make its NPV unevaluable, takes one Newton step from a
// mid-range seed to tighten the bracket, then bisects until |NPV| falls
// below 1e-8 or the iteration cap is hit.
func EffectiveInterestRate(cashflows []float64) (float64, error) {
	if len(cashflows) < 2 {
		return 0, fmt.Errorf("EffectiveInterestRate: %d cashflows: %w", len(cashflows), ErrNoConvergence)
	}
	allZero := true
	for _, cf := range cashflows {
		if cf != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return 0, fmt.Errorf("EffectiveInterestRate: all cashflows zero: %w", ErrNoConvergence)
	}

	lo, hi := eirFloor, eirCeiling
	flo := NetPresentValue(cashflows, lo, 0)
	// Near -100% the discount factor (1+r)^t underflows to zero for late
	// months, turning late flows into infinities and their sum into NaN.
	// Everything below the underflow threshold is equally unevaluable, so
	// raising the floor geometrically loses no usable root.
	for !isFinite(flo) && lo < 0 {
		lo = (1+lo)*2 - 1
		flo = NetPresentValue(cashflows, lo, 0)
	}
	fhi := NetPresentValue(cashflows, hi, 0)
	if !isFinite(flo) || !isFinite(fhi) {
		return 0, fmt.Errorf("EffectiveInterestRate: endpoint NPV not finite: %w", ErrNoConvergence)
	}
	if flo == 0 {
		return lo, nil
	}
	if fhi == 0 {
		return hi, nil
	}
	if math.Signbit(flo) == math.Signbit(fhi) {
		return 0, fmt.Errorf("EffectiveInterestRate: no sign change in [%.2f, %.2f]: %w",
			lo, hi, ErrNoConvergence)
	}

	// Newton step from a mid-range seed; if it lands inside the bracket it
	// usually replaces one bound with a much closer one.
	seed := 0.005
	if p, dp := npvAndDeriv(cashflows, seed); dp != 0 {
		if step := seed - p/dp; step > lo && step < hi {
			fs := NetPresentValue(cashflows, step, 0)
			if math.Abs(fs) < eirTolerance {
				return step, nil
			}
			if math.Signbit(fs) == math.Signbit(flo) {
				lo, flo = step, fs
			} else {
				hi = step
			}
		}
	}

	for iter := 0; iter < eirMaxIter; iter++ {
		mid := (lo + hi) / 2
		fm := NetPresentValue(cashflows, mid, 0)
		if math.Abs(fm) < eirTolerance {
			return mid, nil
		}
		if math.Signbit(fm) == math.Signbit(flo) {
			lo, flo = mid, fm
		} else {
			hi = mid
		}
	}

	return 0, fmt.Errorf("EffectiveInterestRate: %d iterations exhausted: %w", eirMaxIter, ErrNoConvergence)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// npvAndDeriv returns NPV at rate r and its analytic derivative dNPV/dr.
func npvAndDeriv(cashflows []float64, r float64) (float64, float64) {
	var npv, deriv float64
	for t, cf := range cashflows {
		ft := float64(t)
		npv += cf / math.Pow(1+r, ft)
		deriv += -ft * cf / math.Pow(1+r, ft+1)
	}
	return npv, deriv
}

// ProfitAndLoss sums the cashflows with month indices inside
// [periodStart, periodEnd], both bounds inclusive and clamped to the
// sequence. A window ending before it starts is a structural error.
func ProfitAndLoss(cashflows []float64, periodStart, periodEnd int) (float64, error) {
	if periodEnd < periodStart {
		return 0, fmt.Errorf("ProfitAndLoss: period %d..%d: %w", periodStart, periodEnd, ErrInvalidRange)
	}

	start := periodStart
	if start < 0 {
		start = 0
	}
	end := periodEnd
	if end > len(cashflows)-1 {
		end = len(cashflows) - 1
	}

	var sum float64
	for t := start; t <= end; t++ {
		sum += cashflows[t]
	}
	return sum, nil
}
