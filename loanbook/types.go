// Package loanbook defines the static inputs of a cashflow run — the loan
// book, CPR curves, and the ERC lookup — together with sources that load
// them from CSV or Postgres.
package loanbook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quantfold/loanflow/formula"
)

// ErrBadLoan is returned for structurally unusable loan parameters. A loan
// failing validation is excluded from the run; it never fails the batch.
var ErrBadLoan = errors.New("bad loan parameters")

// Loan is one row of the loan book. Rates are annual decimals; month indices
// count from origination (month 0 is the disbursement month).
type Loan struct {
	ID      string
	Product string

	Principal     float64
	InitialRate   float64
	ReversionRate float64

	TermMonths     int
	ReversionMonth int // 0 = never reverts
	InterestOnly   bool
	IOMonths       int // 0 with InterestOnly = interest-only for life

	Timing formula.Timing

	UpfrontCosts float64
	UpfrontFees  float64

	OriginationDate time.Time

	// EntityEIR is the periodic (monthly) EIR the originating entity booked
	// for this loan, used for the entity-NPV column of the enriched book.
	EntityEIR float64

	// Adjustments holds ad-hoc cashflow adjustments keyed by months since
	// origination.
	Adjustments map[int]float64
}

// Validate reports whether the loan's static parameters form a usable
// schedule. Errors wrap ErrBadLoan.
func (l Loan) Validate() error {
	if l.TermMonths <= 0 {
		return fmt.Errorf("loan %s: term %d: %w", l.ID, l.TermMonths, ErrBadLoan)
	}
	if l.Principal < 0 {
		return fmt.Errorf("loan %s: principal %.2f: %w", l.ID, l.Principal, ErrBadLoan)
	}
	if l.InitialRate <= -1 || l.ReversionRate <= -1 {
		return fmt.Errorf("loan %s: rate below -100%%: %w", l.ID, ErrBadLoan)
	}
	if l.ReversionMonth < 0 || l.ReversionMonth > l.TermMonths {
		return fmt.Errorf("loan %s: reversion month %d outside 0..%d: %w",
			l.ID, l.ReversionMonth, l.TermMonths, ErrBadLoan)
	}
	if l.IOMonths < 0 || l.IOMonths > l.TermMonths {
		return fmt.Errorf("loan %s: interest-only months %d outside 0..%d: %w",
			l.ID, l.IOMonths, l.TermMonths, ErrBadLoan)
	}
	return nil
}

// Adjustment returns the cashflow adjustment for a month, zero if none.
func (l Loan) Adjustment(month int) float64 {
	if l.Adjustments == nil {
		return 0
	}
	return l.Adjustments[month]
}

// Book is an ordered collection of loans.
type Book []Loan

// Filter selects loans by product and/or ID. Empty fields match everything;
// matching is case-insensitive on trimmed values.
type Filter struct {
	Products []string
	IDs      []string
}

// Select returns the loans matching the filter, preserving book order.
func (b Book) Select(f Filter) Book {
	if len(f.Products) == 0 && len(f.IDs) == 0 {
		return b
	}
	products := normalizeSet(f.Products)
	ids := normalizeSet(f.IDs)

	out := make(Book, 0, len(b))
	for _, loan := range b {
		if len(products) > 0 && !products[normalize(loan.Product)] {
			continue
		}
		if len(ids) > 0 && !ids[normalize(loan.ID)] {
			continue
		}
		out = append(out, loan)
	}
	return out
}

// CPRCurve is a per-product sequence of annualized conditional prepayment
// rates indexed by months since origination.
type CPRCurve struct {
	ID    string
	rates map[string][]float64
}

// NewCPRCurve builds a curve from per-product month-indexed rates.
func NewCPRCurve(id string, rates map[string][]float64) *CPRCurve {
	m := make(map[string][]float64, len(rates))
	for product, r := range rates {
		m[normalize(product)] = r
	}
	return &CPRCurve{ID: id, rates: m}
}

// Rate returns the CPR for a product at a month, zero beyond the curve end
// or for unknown products.
func (c *CPRCurve) Rate(product string, month int) float64 {
	return lookup(c.rates, product, month)
}

// HasProduct reports whether the curve carries rates for the product.
func (c *CPRCurve) HasProduct(product string) bool {
	_, ok := c.rates[normalize(product)]
	return ok
}

// ERCTable maps months since the applicable anchor (origination, or
// reversion once past it) to an early-repayment-charge rate, per product.
type ERCTable struct {
	rates map[string][]float64
}

// NewERCTable builds a lookup from per-product month-offset rates.
func NewERCTable(rates map[string][]float64) *ERCTable {
	m := make(map[string][]float64, len(rates))
	for product, r := range rates {
		m[normalize(product)] = r
	}
	return &ERCTable{rates: m}
}

// Rate returns the ERC rate for a product at a month offset, zero beyond the
// table end or for unknown products.
func (t *ERCTable) Rate(product string, monthOffset int) float64 {
	return lookup(t.rates, product, monthOffset)
}

func lookup(rates map[string][]float64, product string, month int) float64 {
	r, ok := rates[normalize(product)]
	if !ok || month < 0 || month >= len(r) {
		return 0
	}
	return r[month]
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[normalize(v)] = true
	}
	return m
}
