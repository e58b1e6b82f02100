// Package engine drives the per-loan, per-month amortization recurrence:
// it threads balance, cumulative amortization, and cumulative prepayment
// from one month into the next and accumulates interest, charges, and
// adjustments into the loan's cashflow history.
package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/quantfold/loanflow/formula"
	"github.com/quantfold/loanflow/loanbook"
)

// ErrNumericalBlowup marks a schedule whose balance stopped being a finite,
// non-growing quantity. The loan's computation is cut off at the offending
// month and its status set to Terminated.
var ErrNumericalBlowup = errors.New("balance diverged")

// balanceEpsilon absorbs closed-form rounding when deciding payoff.
const balanceEpsilon = 1e-6

// Status is the lifecycle state of a loan's schedule.
type Status int

const (
	// Active loans still carry a positive balance.
	Active Status = iota
	// Amortized loans reached zero balance; remaining months are all-zero.
	Amortized
	// Terminated loans hit a numerical anomaly and were cut off.
	Terminated
)

func (s Status) String() string {
	switch s {
	case Amortized:
		return "amortized"
	case Terminated:
		return "terminated"
	default:
		return "active"
	}
}

// MonthlyState is one month of a loan's computed history. State at month m
// is a pure function of month m-1, the loan's static parameters, and the
// CPR/ERC values applicable at m; it is never revised afterwards.
type MonthlyState struct {
	Balance           float64 // ostmt
	CumAmortization   float64 // cam
	CumPrepayment     float64 // cpy
	ScheduledPayment  float64 // spmt
	EarlyRepayment    float64 // epmt
	StatementInterest float64 // sint
	ERC               float64
	Cashflow          float64
	Rate              float64 // annual rate applied this month
}

// Anomaly records a non-fatal per-month irregularity.
type Anomaly struct {
	Month int
	Err   error
}

// Schedule is the append-only month-indexed history of one loan, months
// 0..TermMonths.
type Schedule struct {
	Loan      loanbook.Loan
	Months    []MonthlyState
	Status    Status
	Anomalies []Anomaly
}

// Cashflows returns the signed cashflow sequence, indexed by month.
func (s *Schedule) Cashflows() []float64 {
	out := make([]float64, len(s.Months))
	for i, m := range s.Months {
		out[i] = m.Cashflow
	}
	return out
}

// RateFunc supplies a month-indexed rate (CPR or ERC) for one loan.
type RateFunc func(month int) float64

// regimePayments are the four contractual payment amounts a loan can be on,
// derived once per loan from its static parameters.
type regimePayments struct {
	payIO             float64
	payAmort          float64
	payIOReversion    float64
	payAmortReversion float64

	reversionMonth int // effective; TermMonths when the loan never reverts
	ioEnd          int
	camAtReversion float64
	balAtReversion float64
}

// Run computes the full schedule for one loan. cpr and erc supply the
// applicable curve values; erc is keyed by months since origination, or
// months since reversion once the loan is past its reversion month.
//
// Structural parameter errors abort this loan only. Numerical anomalies are
// recorded on the schedule without failing the call.
func Run(loan loanbook.Loan, cpr, erc RateFunc) (*Schedule, error) {
	if err := loan.Validate(); err != nil {
		return nil, fmt.Errorf("engine.Run: %w", err)
	}

	reg, err := deriveRegimes(loan)
	if err != nil {
		return nil, fmt.Errorf("engine.Run: %w", err)
	}

	sched := &Schedule{
		Loan:   loan,
		Months: make([]MonthlyState, 0, loan.TermMonths+1),
		Status: Active,
	}

	// Month 0: disbursement. The opening balance is the principal and the
	// cashflow carries the outflows that exist only at origination.
	first := MonthlyState{
		Balance: loan.Principal,
		Rate:    loan.InitialRate,
		Cashflow: formula.CashflowDelta(
			loan.Principal, loan.UpfrontCosts, loan.UpfrontFees,
			0, 0, 0, loan.Adjustment(0)),
	}
	sched.Months = append(sched.Months, first)
	if first.Balance <= balanceEpsilon {
		sched.Status = Amortized
	}

	for m := 1; m <= loan.TermMonths; m++ {
		prev := sched.Months[m-1]

		if sched.Status != Active {
			sched.Months = append(sched.Months, MonthlyState{})
			continue
		}

		state, anomaly, err := step(loan, reg, prev, m, cpr, erc)
		if err != nil {
			sched.Status = Terminated
			sched.Anomalies = append(sched.Anomalies, Anomaly{Month: m, Err: err})
			return sched, nil
		}
		if anomaly != nil {
			sched.Anomalies = append(sched.Anomalies, Anomaly{Month: m, Err: anomaly})
		}

		sched.Months = append(sched.Months, state)
		if state.Balance <= balanceEpsilon {
			sched.Months[m].Balance = 0
			sched.Status = Amortized
		}
	}

	return sched, nil
}

// step advances one month of the recurrence. The returned anomaly, if any,
// is non-fatal; the returned error terminates the loan.
func step(loan loanbook.Loan, reg regimePayments, prev MonthlyState, m int, cpr, erc RateFunc) (MonthlyState, error, error) {
	annualRate := loan.InitialRate
	if m > reg.reversionMonth {
		annualRate = loan.ReversionRate
	}
	monthly := annualRate / 12

	spmt := formula.ScheduledPayment(m, formula.PaymentSelector{
		ReversionMonth:    reg.reversionMonth,
		IOMonths:          loan.IOMonths,
		InterestOnly:      loan.InterestOnly,
		BalancePrev:       prev.Balance,
		PayIO:             reg.payIO,
		PayAmort:          reg.payAmort,
		PayIOReversion:    reg.payIOReversion,
		PayAmortReversion: reg.payAmortReversion,
	})

	// Statement interest accrues on the opening balance; beginning-of-month
	// payment timing shifts the accrual back one compounding period.
	sint := prev.Balance * monthly
	if loan.Timing == formula.TimingBegin && monthly != 0 {
		sint /= 1 + monthly
	}

	cam, err := cumAmortization(loan, reg, m)
	if err != nil {
		return MonthlyState{}, nil, err
	}

	cpy := formula.CumulativePrepayment(prev.CumPrepayment, loan.Principal, cam, cpr(m), cpr(m-1))

	epmt, anomaly := formula.EarlyRepayment(prev.Balance, sint, spmt, prev.CumPrepayment, cpy)

	anchor := m
	if m > reg.reversionMonth {
		anchor = m - reg.reversionMonth
	}
	ercAmount := erc(anchor) * epmt

	cf := formula.CashflowDelta(0, 0, 0, spmt, epmt, ercAmount, loan.Adjustment(m))

	balance := prev.Balance - (cam - prev.CumAmortization) - (cpy - prev.CumPrepayment)
	if balance > prev.Balance+balanceEpsilon || !isFinite(balance) {
		return MonthlyState{}, nil, fmt.Errorf("month %d: balance %.6f after %.6f: %w",
			m, balance, prev.Balance, ErrNumericalBlowup)
	}
	if balance < 0 {
		balance = 0
	}

	return MonthlyState{
		Balance:           balance,
		CumAmortization:   cam,
		CumPrepayment:     cpy,
		ScheduledPayment:  spmt,
		EarlyRepayment:    epmt,
		StatementInterest: sint,
		ERC:               ercAmount,
		Cashflow:          cf,
		Rate:              annualRate,
	}, anomaly, nil
}

// cumAmortization evaluates the contractual cumulative principal at month m,
// piecewise over the interest-only, initial-rate, and reversion regimes.
// Prepayments do not alter it; the contractual schedule amortizes the
// original principal regardless of CPR behaviour.
func cumAmortization(loan loanbook.Loan, reg regimePayments, m int) (float64, error) {
	switch {
	case m <= reg.ioEnd:
		return 0, nil
	case m <= reg.reversionMonth:
		return formula.CumulativePrincipal(
			loan.InitialRate/12, loan.TermMonths-reg.ioEnd, loan.Principal,
			m-reg.ioEnd, loan.Timing)
	default:
		// Post-reversion amortization starts when both the initial-rate
		// period and any interest-only period have ended.
		start := reg.reversionMonth
		if reg.ioEnd > start {
			start = reg.ioEnd
		}
		remaining := loan.TermMonths - start
		if remaining <= 0 {
			return reg.camAtReversion, nil
		}
		tail, err := formula.CumulativePrincipal(
			loan.ReversionRate/12, remaining, reg.balAtReversion,
			m-start, loan.Timing)
		if err != nil {
			return 0, err
		}
		return reg.camAtReversion + tail, nil
	}
}

// deriveRegimes precomputes the four regime payment amounts and the
// reversion-boundary balance the post-reversion schedule re-amortizes.
func deriveRegimes(loan loanbook.Loan) (regimePayments, error) {
	reg := regimePayments{reversionMonth: loan.ReversionMonth}
	if reg.reversionMonth <= 0 || reg.reversionMonth > loan.TermMonths {
		reg.reversionMonth = loan.TermMonths
	}

	if loan.InterestOnly {
		reg.ioEnd = loan.IOMonths
		if reg.ioEnd <= 0 {
			reg.ioEnd = loan.TermMonths
		}
	} else {
		reg.ioEnd = loan.IOMonths
	}

	reg.payIO = loan.Principal * loan.InitialRate / 12
	reg.payIOReversion = loan.Principal * loan.ReversionRate / 12

	amortMonths := loan.TermMonths - reg.ioEnd
	if amortMonths > 0 {
		pmt, err := formula.AnnuityPayment(loan.InitialRate/12, amortMonths, loan.Principal, loan.Timing)
		if err != nil {
			return regimePayments{}, err
		}
		reg.payAmort = pmt
	}

	cam, err := cumAmortizationAtReversion(loan, reg)
	if err != nil {
		return regimePayments{}, err
	}
	reg.camAtReversion = cam
	reg.balAtReversion = loan.Principal - cam

	amortStart := reg.reversionMonth
	if reg.ioEnd > amortStart {
		amortStart = reg.ioEnd
	}
	if remaining := loan.TermMonths - amortStart; remaining > 0 {
		pmt, err := formula.AnnuityPayment(loan.ReversionRate/12, remaining, reg.balAtReversion, loan.Timing)
		if err != nil {
			return regimePayments{}, err
		}
		reg.payAmortReversion = pmt
	}

	return reg, nil
}

func cumAmortizationAtReversion(loan loanbook.Loan, reg regimePayments) (float64, error) {
	if reg.reversionMonth <= reg.ioEnd {
		return 0, nil
	}
	return formula.CumulativePrincipal(
		loan.InitialRate/12, loan.TermMonths-reg.ioEnd, loan.Principal,
		reg.reversionMonth-reg.ioEnd, loan.Timing)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
