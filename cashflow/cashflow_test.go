package cashflow_test

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantfold/loanflow/cache"
	"github.com/quantfold/loanflow/cashflow"
	"github.com/quantfold/loanflow/loanbook"
	"github.com/quantfold/loanflow/valuation"
)

func testBook() loanbook.Book {
	origination := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	return loanbook.Book{
		{
			ID: "L-1", Product: "fix", Principal: 100000, InitialRate: 0.05,
			TermMonths: 12, OriginationDate: origination, EntityEIR: 0.004,
		},
		{
			ID: "L-2", Product: "fix", Principal: 250000, InitialRate: 0.03,
			ReversionRate: 0.05, TermMonths: 60, ReversionMonth: 24,
			OriginationDate: origination, EntityEIR: 0.003,
		},
		{
			ID: "L-3", Product: "io", Principal: 0, TermMonths: 12,
			OriginationDate: origination,
		},
		{
			ID: "L-4", Product: "fix", TermMonths: 0, // unusable
			OriginationDate: origination,
		},
	}
}

func testCurve() *loanbook.CPRCurve {
	rates := make([]float64, 61)
	for i := range rates {
		rates[i] = 0.06
	}
	return loanbook.NewCPRCurve("base", map[string][]float64{
		"fix": rates,
		"io":  rates,
	})
}

func testERC() *loanbook.ERCTable {
	return loanbook.NewERCTable(map[string][]float64{
		"fix": {0, 0.03, 0.02, 0.01},
		"io":  {0, 0.05},
	})
}

func newRunner(t *testing.T, workers int) *cashflow.Runner {
	t.Helper()
	runner, err := cashflow.NewRunner(testBook(), testERC(), cashflow.Config{
		CPRCurveID:  "base",
		PeriodStart: time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
		Workers:     workers,
	})
	if err != nil {
		t.Fatalf("NewRunner error: %v", err)
	}
	return runner
}

func TestRun_BatchNeverAborts(t *testing.T) {
	t.Parallel()

	res, err := newRunner(t, 2).Run(context.Background(), testCurve())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(res.Loans) != 4 {
		t.Fatalf("loans: got %d, want 4", len(res.Loans))
	}

	// The healthy loans converge.
	for _, id := range []string{"L-1", "L-2"} {
		lr := findLoan(t, res, id)
		if !lr.Valuation.EIRValid {
			t.Fatalf("loan %s: EIR did not converge", id)
		}
		if lr.Schedule == nil {
			t.Fatalf("loan %s: missing schedule", id)
		}
	}

	// The zero-balance loan keeps its schedule but is excluded from EIR.
	l3 := findLoan(t, res, "L-3")
	if l3.Valuation.EIRValid {
		t.Fatalf("zero loan: EIR unexpectedly valid")
	}
	if l3.Schedule == nil {
		t.Fatalf("zero loan: missing schedule")
	}
	if !hasAnomaly(res, "L-3", valuation.ErrNoConvergence) {
		t.Fatalf("zero loan: no ErrNoConvergence anomaly recorded: %v", res.Anomalies)
	}

	// The structurally bad loan fails alone.
	if len(res.Failures) != 1 || res.Failures[0].LoanID != "L-4" {
		t.Fatalf("failures: got %+v, want L-4 only", res.Failures)
	}
	if !errors.Is(res.Failures[0].Err, loanbook.ErrBadLoan) {
		t.Fatalf("failure cause: got %v, want ErrBadLoan", res.Failures[0].Err)
	}
	if findLoan(t, res, "L-4").Schedule != nil {
		t.Fatalf("failed loan has a schedule")
	}
}

func TestRun_OrderIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	serial, err := newRunner(t, 1).Run(ctx, testCurve())
	if err != nil {
		t.Fatalf("serial run error: %v", err)
	}
	parallel, err := newRunner(t, 4).Run(ctx, testCurve())
	if err != nil {
		t.Fatalf("parallel run error: %v", err)
	}

	if !reflect.DeepEqual(serial.EnrichedBook(), parallel.EnrichedBook()) {
		t.Fatalf("enriched books differ between worker counts")
	}
	if !reflect.DeepEqual(serial.Anomalies, parallel.Anomalies) {
		t.Fatalf("anomaly lists differ between worker counts")
	}

	serialCF, err := serial.Parameter("cashflow")
	if err != nil {
		t.Fatalf("Parameter error: %v", err)
	}
	parallelCF, err := parallel.Parameter("cashflow")
	if err != nil {
		t.Fatalf("Parameter error: %v", err)
	}
	if !reflect.DeepEqual(serialCF, parallelCF) {
		t.Fatalf("cashflow arrays differ between worker counts")
	}
}

func TestRun_EIRMatchesStatedRateWithoutPrepayment(t *testing.T) {
	t.Parallel()

	book := loanbook.Book{{
		ID: "flat", Product: "fix", Principal: 100000, InitialRate: 0.05, TermMonths: 12,
	}}
	quiet := loanbook.NewCPRCurve("zero", map[string][]float64{"fix": make([]float64, 13)})

	runner, err := cashflow.NewRunner(book, testERC(), cashflow.Config{CPRCurveID: "zero"})
	if err != nil {
		t.Fatalf("NewRunner error: %v", err)
	}
	res, err := runner.Run(context.Background(), quiet)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	lr := res.Loans[0]
	if !lr.Valuation.EIRValid {
		t.Fatalf("EIR did not converge")
	}
	if math.Abs(lr.Valuation.EIR-0.05/12) > 1e-6 {
		t.Fatalf("eir: got %.10f, want %.10f", lr.Valuation.EIR, 0.05/12)
	}
	if math.Abs(lr.Valuation.NPV) > 1e-6 {
		t.Fatalf("npv at own eir from month 0: got %.8f, want ~0", lr.Valuation.NPV)
	}
}

func TestRun_ProductMissingFromCurve(t *testing.T) {
	t.Parallel()

	book := loanbook.Book{{
		ID: "M-1", Product: "tracker", Principal: 100000, InitialRate: 0.05, TermMonths: 12,
	}}
	runner, err := cashflow.NewRunner(book, testERC(), cashflow.Config{CPRCurveID: "base"})
	if err != nil {
		t.Fatalf("NewRunner error: %v", err)
	}

	res, err := runner.Run(context.Background(), testCurve())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	// The loan still runs, defaulting to CPR 0, with the gap recorded.
	if !hasAnomaly(res, "M-1", cashflow.ErrNoCurveData) {
		t.Fatalf("missing-product anomaly not recorded: %v", res.Anomalies)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}

	lr := res.Loans[0]
	if lr.Schedule == nil || !lr.Valuation.EIRValid {
		t.Fatalf("uncurved loan not computed: %+v", lr.Valuation)
	}
	for m, st := range lr.Schedule.Months {
		if st.EarlyRepayment != 0 {
			t.Fatalf("month %d: early repayment %.6f without curve data", m, st.EarlyRepayment)
		}
	}
}

func TestRun_LateAdjustmentStillConverges(t *testing.T) {
	t.Parallel()

	// A routine long-dated loan with one late negative adjustment: the
	// deeply negative end of the EIR bracket cannot be evaluated naively
	// for such sequences, but the loan must still converge.
	book := loanbook.Book{{
		ID: "A-1", Product: "fix", Principal: 250000, InitialRate: 0.05,
		TermMonths: 300, Adjustments: map[int]float64{299: -5000},
	}}
	quiet := loanbook.NewCPRCurve("zero", map[string][]float64{"fix": make([]float64, 301)})

	runner, err := cashflow.NewRunner(book, testERC(), cashflow.Config{CPRCurveID: "zero"})
	if err != nil {
		t.Fatalf("NewRunner error: %v", err)
	}
	res, err := runner.Run(context.Background(), quiet)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	lr := res.Loans[0]
	if !lr.Valuation.EIRValid {
		t.Fatalf("EIR did not converge: %v", res.Anomalies)
	}
	if math.Abs(lr.Valuation.EIR-0.05/12) > 1e-3 {
		t.Fatalf("eir: got %.10f, want near %.10f", lr.Valuation.EIR, 0.05/12)
	}
	if hasAnomaly(res, "A-1", valuation.ErrNoConvergence) {
		t.Fatalf("unexpected non-convergence anomaly: %v", res.Anomalies)
	}
}

func TestRun_ParameterArrays(t *testing.T) {
	t.Parallel()

	res, err := newRunner(t, 0).Run(context.Background(), testCurve())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	for _, name := range cashflow.ParameterNames() {
		rows, err := res.Parameter(name)
		if err != nil {
			t.Fatalf("Parameter(%q) error: %v", name, err)
		}
		if len(rows) != len(res.Loans) {
			t.Fatalf("Parameter(%q): got %d rows, want %d", name, len(rows), len(res.Loans))
		}
	}

	if _, err := res.Parameter("nonsense"); err == nil {
		t.Fatalf("unknown parameter accepted")
	}

	balances, err := res.Parameter("statement balance")
	if err != nil {
		t.Fatalf("Parameter error: %v", err)
	}
	l1 := findLoanIndex(t, res, "L-1")
	if balances[l1][0] != 100000 {
		t.Fatalf("opening balance: got %.2f, want 100000", balances[l1][0])
	}
	l4 := findLoanIndex(t, res, "L-4")
	if balances[l4] != nil {
		t.Fatalf("failed loan row: got %v, want nil", balances[l4])
	}
}

func TestRun_MeanEIRExcludesAnomalies(t *testing.T) {
	t.Parallel()

	res, err := newRunner(t, 0).Run(context.Background(), testCurve())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	mean, ok := res.MeanEIR()
	if !ok {
		t.Fatalf("no converged loans")
	}
	l1 := findLoan(t, res, "L-1").Valuation.EIR
	l2 := findLoan(t, res, "L-2").Valuation.EIR
	if want := (l1 + l2) / 2; math.Abs(mean-want) > 1e-12 {
		t.Fatalf("mean eir: got %.10f, want %.10f", mean, want)
	}
}

func TestNewRunner_InvalidPeriod(t *testing.T) {
	t.Parallel()

	_, err := cashflow.NewRunner(testBook(), testERC(), cashflow.Config{
		PeriodStart: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, valuation.ErrInvalidRange) {
		t.Fatalf("got %v, want ErrInvalidRange", err)
	}
}

// countingCache wraps a MemoryCache and counts hits.
type countingCache struct {
	inner *cache.MemoryCache
	hits  atomic.Int64
}

func (c *countingCache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	e, ok, err := c.inner.Get(ctx, key)
	if ok {
		c.hits.Add(1)
	}
	return e, ok, err
}

func (c *countingCache) Set(ctx context.Context, key string, e cache.Entry) error {
	return c.inner.Set(ctx, key, e)
}

func TestRun_ValuationCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cc := &countingCache{inner: cache.NewMemoryCache()}

	runner := newRunner(t, 2)
	runner.UseCache(cc)

	first, err := runner.Run(ctx, testCurve())
	if err != nil {
		t.Fatalf("first run error: %v", err)
	}
	if got := cc.hits.Load(); got != 0 {
		t.Fatalf("first run hits: got %d, want 0", got)
	}

	second, err := runner.Run(ctx, testCurve())
	if err != nil {
		t.Fatalf("second run error: %v", err)
	}
	// L-1 and L-2 were cached; L-3 did not converge and L-4 never reached
	// valuation, so neither is served from the cache.
	if got := cc.hits.Load(); got != 2 {
		t.Fatalf("second run hits: got %d, want 2", got)
	}
	if !reflect.DeepEqual(first.EnrichedBook(), second.EnrichedBook()) {
		t.Fatalf("cached run changed the enriched book")
	}
}

func findLoan(t *testing.T, res *cashflow.Result, id string) cashflow.LoanResult {
	t.Helper()
	return res.Loans[findLoanIndex(t, res, id)]
}

func findLoanIndex(t *testing.T, res *cashflow.Result, id string) int {
	t.Helper()
	for i, lr := range res.Loans {
		if lr.Loan.ID == id {
			return i
		}
	}
	t.Fatalf("loan %s not in result", id)
	return -1
}

func hasAnomaly(res *cashflow.Result, loanID string, target error) bool {
	for _, a := range res.Anomalies {
		if a.LoanID == loanID && errors.Is(a.Err, target) {
			return true
		}
	}
	return false
}
