// Package cashflow orchestrates a run: it holds the loan book, ERC lookup,
// and reporting period, maps the amortization engine and valuation over the
// selected loans for one CPR curve, and aggregates the per-loan outputs.
package cashflow

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/quantfold/loanflow/cache"
	"github.com/quantfold/loanflow/engine"
	"github.com/quantfold/loanflow/loanbook"
	"github.com/quantfold/loanflow/utils"
	"github.com/quantfold/loanflow/valuation"
)

// ErrNoCurveData flags a loan whose product the CPR curve does not carry.
// The loan still runs, at CPR 0 for every month, and the anomaly records
// that the prepayment behaviour was defaulted rather than modelled.
var ErrNoCurveData = errors.New("product not on CPR curve")

// Config is the run configuration surface: which CPR curve to apply, the
// reporting window, which loans to include, and how wide to fan out.
type Config struct {
	CPRCurveID  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Filter      loanbook.Filter

	// Workers bounds the per-loan fan-out; zero means one worker per CPU.
	Workers int
}

// Runner owns the static inputs of a run. The book and ERC lookup are read
// only for the runner's lifetime; each Run borrows them and returns newly
// owned result arrays.
type Runner struct {
	book  loanbook.Book
	erc   *loanbook.ERCTable
	cfg   Config
	cache cache.ValuationCache
}

// NewRunner validates the configuration and builds a runner. A reporting
// window ending before it starts is unusable configuration and fails the
// whole run up front.
func NewRunner(book loanbook.Book, erc *loanbook.ERCTable, cfg Config) (*Runner, error) {
	if !cfg.PeriodStart.IsZero() && !cfg.PeriodEnd.IsZero() && cfg.PeriodEnd.Before(cfg.PeriodStart) {
		return nil, fmt.Errorf("NewRunner: period %s..%s: %w",
			cfg.PeriodStart.Format("2006-01"), cfg.PeriodEnd.Format("2006-01"),
			valuation.ErrInvalidRange)
	}
	return &Runner{book: book, erc: erc, cfg: cfg}, nil
}

// UseCache attaches a valuation cache consulted per (curve, loan, window).
func (r *Runner) UseCache(c cache.ValuationCache) {
	r.cache = c
}

// Run computes schedules and valuations for every selected loan under the
// given CPR curve. Loans are processed in parallel; the result is ordered by
// book position and identical regardless of scheduling. Per-loan anomalies
// and failures are collected on the result, never aborting the batch.
func (r *Runner) Run(ctx context.Context, curve *loanbook.CPRCurve) (*Result, error) {
	if curve == nil {
		return nil, fmt.Errorf("Run: nil CPR curve")
	}

	loans := r.book.Select(r.cfg.Filter)
	res := &Result{
		CurveID: curve.ID,
		Loans:   make([]LoanResult, len(loans)),
	}

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(loans) {
		workers = len(loans)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex // guards res.Anomalies and res.Failures
		indices = make(chan int)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				lr, anomalies, failure := r.runLoan(ctx, loans[i], curve)
				res.Loans[i] = lr
				if len(anomalies) > 0 || failure != nil {
					mu.Lock()
					res.Anomalies = append(res.Anomalies, anomalies...)
					if failure != nil {
						res.Failures = append(res.Failures, *failure)
					}
					mu.Unlock()
				}
			}
		}()
	}

	for i := range loans {
		indices <- i
	}
	close(indices)
	wg.Wait()

	res.sortSideLists()
	return res, nil
}

// runLoan computes one loan end to end: schedule, then valuation (cached
// when a cache is attached).
func (r *Runner) runLoan(ctx context.Context, loan loanbook.Loan, curve *loanbook.CPRCurve) (LoanResult, []LoanAnomaly, *LoanFailure) {
	lr := LoanResult{Loan: loan}

	var anomalies []LoanAnomaly
	if !curve.HasProduct(loan.Product) {
		anomalies = append(anomalies, LoanAnomaly{
			LoanID: loan.ID,
			Err:    fmt.Errorf("loan %s product %q: %w", loan.ID, loan.Product, ErrNoCurveData),
		})
	}

	sched, err := engine.Run(loan,
		func(m int) float64 { return curve.Rate(loan.Product, m) },
		func(m int) float64 { return r.erc.Rate(loan.Product, m) },
	)
	if err != nil {
		return lr, anomalies, &LoanFailure{LoanID: loan.ID, Err: err}
	}
	lr.Schedule = sched

	for _, a := range sched.Anomalies {
		anomalies = append(anomalies, LoanAnomaly{LoanID: loan.ID, Month: a.Month, Err: a.Err})
	}

	startMonth, endMonth := r.window(loan)

	if r.cache != nil {
		if entry, ok, err := r.cache.Get(ctx, r.cacheKey(curve.ID, loan.ID)); err == nil && ok {
			lr.Valuation = Valuation(entry)
			return lr, anomalies, nil
		}
	}

	val, anomaly := value(sched.Cashflows(), loan.EntityEIR, startMonth, endMonth)
	lr.Valuation = val
	if anomaly != nil {
		anomalies = append(anomalies, LoanAnomaly{LoanID: loan.ID, Err: anomaly})
	}

	if r.cache != nil && anomaly == nil {
		// Best effort; a cache write failure never degrades the run. Loans
		// that did not converge are recomputed so the anomaly is re-reported.
		_ = r.cache.Set(ctx, r.cacheKey(curve.ID, loan.ID), cache.Entry(val))
	}

	return lr, anomalies, nil
}

// value derives the per-loan scalars from a cashflow sequence. A failed EIR
// root-find is reported as an anomaly and leaves the loan excluded from
// aggregate EIR statistics.
func value(cashflows []float64, entityEIR float64, startMonth, endMonth int) (Valuation, error) {
	var val Valuation

	eir, err := valuation.EffectiveInterestRate(cashflows)
	if err == nil {
		val.EIR = eir
		val.EIRValid = true
		val.NPV = valuation.NetPresentValue(cashflows, eir, startMonth)
	}

	val.EntityNPV = valuation.NetPresentValue(cashflows, entityEIR, startMonth)

	if pl, plErr := valuation.ProfitAndLoss(cashflows, startMonth, endMonth); plErr == nil {
		val.ProfitAndLoss = pl
	}

	return val, err
}

// window converts the calendar reporting period into month indices relative
// to the loan's origination date.
func (r *Runner) window(loan loanbook.Loan) (int, int) {
	start := 0
	if !r.cfg.PeriodStart.IsZero() && !loan.OriginationDate.IsZero() {
		start = utils.MonthDiff(loan.OriginationDate, r.cfg.PeriodStart)
		if start < 0 {
			start = 0
		}
	}
	end := loan.TermMonths
	if !r.cfg.PeriodEnd.IsZero() && !loan.OriginationDate.IsZero() {
		end = utils.MonthDiff(loan.OriginationDate, r.cfg.PeriodEnd)
		if end < start {
			end = start
		}
	}
	return start, end
}

func (r *Runner) cacheKey(curveID, loanID string) string {
	return fmt.Sprintf("loanflow:%s:%s:%s:%s",
		curveID, loanID,
		r.cfg.PeriodStart.Format("2006-01"), r.cfg.PeriodEnd.Format("2006-01"))
}
