package cashflow

import (
	"fmt"
	"sort"

	"github.com/quantfold/loanflow/engine"
	"github.com/quantfold/loanflow/loanbook"
)

// Valuation is the per-loan scalar output. EIRValid is false when the
// root-find did not converge; such loans keep their schedule and P&L but are
// excluded from aggregate EIR statistics.
type Valuation struct {
	EIR           float64
	EIRValid      bool
	NPV           float64
	EntityNPV     float64
	ProfitAndLoss float64
}

// LoanResult pairs a loan with its computed schedule and valuation.
type LoanResult struct {
	Loan      loanbook.Loan
	Schedule  *engine.Schedule
	Valuation Valuation
}

// LoanAnomaly is a recorded, non-fatal irregularity (clamped early
// repayment, EIR non-convergence, schedule termination).
type LoanAnomaly struct {
	LoanID string
	Month  int
	Err    error
}

// LoanFailure marks a loan whose static parameters were unusable; it carries
// no schedule.
type LoanFailure struct {
	LoanID string
	Err    error
}

// Result is the aggregated output of one curve run, ordered by book
// position.
type Result struct {
	CurveID   string
	Loans     []LoanResult
	Anomalies []LoanAnomaly
	Failures  []LoanFailure
}

// ParameterNames lists the per-month arrays Parameter can extract.
func ParameterNames() []string {
	return []string{
		"statement balance",
		"cumulative amortisation",
		"cumulative prepayment",
		"scheduled payment",
		"early repayment",
		"statement interest",
		"early repayment charge",
		"cashflow",
		"interest rate",
		"adjustments",
	}
}

// Parameter extracts one named parameter as a per-loan, per-month array.
// Rows follow result order; loans that failed have a nil row.
func (r *Result) Parameter(name string) ([][]float64, error) {
	field, err := parameterField(name)
	if err != nil {
		return nil, err
	}

	out := make([][]float64, len(r.Loans))
	for i, lr := range r.Loans {
		if lr.Schedule == nil {
			continue
		}
		row := make([]float64, len(lr.Schedule.Months))
		for m, st := range lr.Schedule.Months {
			row[m] = field(lr.Loan, m, st)
		}
		out[i] = row
	}
	return out, nil
}

func parameterField(name string) (func(loanbook.Loan, int, engine.MonthlyState) float64, error) {
	switch name {
	case "statement balance", "statement amount":
		return func(_ loanbook.Loan, _ int, st engine.MonthlyState) float64 { return st.Balance }, nil
	case "cumulative amortisation":
		return func(_ loanbook.Loan, _ int, st engine.MonthlyState) float64 { return st.CumAmortization }, nil
	case "cumulative prepayment", "cumulative payment":
		return func(_ loanbook.Loan, _ int, st engine.MonthlyState) float64 { return st.CumPrepayment }, nil
	case "scheduled payment":
		return func(_ loanbook.Loan, _ int, st engine.MonthlyState) float64 { return st.ScheduledPayment }, nil
	case "early repayment":
		return func(_ loanbook.Loan, _ int, st engine.MonthlyState) float64 { return st.EarlyRepayment }, nil
	case "statement interest":
		return func(_ loanbook.Loan, _ int, st engine.MonthlyState) float64 { return st.StatementInterest }, nil
	case "early repayment charge":
		return func(_ loanbook.Loan, _ int, st engine.MonthlyState) float64 { return st.ERC }, nil
	case "cashflow":
		return func(_ loanbook.Loan, _ int, st engine.MonthlyState) float64 { return st.Cashflow }, nil
	case "interest rate":
		return func(_ loanbook.Loan, _ int, st engine.MonthlyState) float64 { return st.Rate }, nil
	case "adjustments":
		return func(l loanbook.Loan, m int, _ engine.MonthlyState) float64 { return l.Adjustment(m) }, nil
	default:
		return nil, fmt.Errorf("Parameter: unknown parameter %q", name)
	}
}

// EnrichedRow is one loan-book row augmented with its computed scalars.
type EnrichedRow struct {
	Loan loanbook.Loan
	Valuation
	Status engine.Status
}

// EnrichedBook returns the loan book augmented with EIR, NPV, entity NPV,
// and P&L per row, in result order.
func (r *Result) EnrichedBook() []EnrichedRow {
	rows := make([]EnrichedRow, len(r.Loans))
	for i, lr := range r.Loans {
		rows[i] = EnrichedRow{Loan: lr.Loan, Valuation: lr.Valuation}
		if lr.Schedule != nil {
			rows[i].Status = lr.Schedule.Status
		}
	}
	return rows
}

// MeanEIR averages the converged loan EIRs. The second return is false when
// no loan converged.
func (r *Result) MeanEIR() (float64, bool) {
	var sum float64
	var n int
	for _, lr := range r.Loans {
		if lr.Valuation.EIRValid {
			sum += lr.Valuation.EIR
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// sortSideLists orders the anomaly and failure lists by loan then month so a
// run's output is independent of worker scheduling.
func (r *Result) sortSideLists() {
	sort.Slice(r.Anomalies, func(i, j int) bool {
		if r.Anomalies[i].LoanID != r.Anomalies[j].LoanID {
			return r.Anomalies[i].LoanID < r.Anomalies[j].LoanID
		}
		return r.Anomalies[i].Month < r.Anomalies[j].Month
	})
	sort.Slice(r.Failures, func(i, j int) bool {
		return r.Failures[i].LoanID < r.Failures[j].LoanID
	})
}
