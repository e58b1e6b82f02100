package loanbook

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/quantfold/loanflow/formula"
)

// PostgresSource loads the input tables from Postgres. It expects the
// schema:
//
//	loans(loan_id, product, loan_amount, initial_rate, reversion_rate,
//	      term, reversion_month, interest_only, io_months, timing,
//	      upfront_costs, upfront_fees, origination_date, entity_eir)
//	loan_adjustments(loan_id, month, amount)
//	cpr_rates(curve_id, product, month, rate)
//	erc_rates(product, month, rate)
//
// The caller owns the *sql.DB; register the driver with a blank import of
// github.com/lib/pq.
type PostgresSource struct {
	DB *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{DB: db}
}

func (s *PostgresSource) Book(ctx context.Context) (Book, error) {
	const q = `
		SELECT loan_id, product, loan_amount, initial_rate, reversion_rate,
		       term, reversion_month, interest_only, io_months, timing,
		       upfront_costs, upfront_fees, origination_date, entity_eir
		FROM loans
		ORDER BY loan_id`

	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("PostgresSource.Book: %w", err)
	}
	defer rows.Close()

	var book Book
	for rows.Next() {
		var (
			loan    Loan
			timing  string
			origins sql.NullTime
		)
		err := rows.Scan(
			&loan.ID, &loan.Product, &loan.Principal, &loan.InitialRate,
			&loan.ReversionRate, &loan.TermMonths, &loan.ReversionMonth,
			&loan.InterestOnly, &loan.IOMonths, &timing,
			&loan.UpfrontCosts, &loan.UpfrontFees, &origins, &loan.EntityEIR,
		)
		if err != nil {
			return nil, fmt.Errorf("PostgresSource.Book: scan: %w", err)
		}
		if timing == "begin" {
			loan.Timing = formula.TimingBegin
		}
		if origins.Valid {
			loan.OriginationDate = origins.Time.In(time.UTC)
		}
		book = append(book, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("PostgresSource.Book: %w", err)
	}

	if err := s.loadAdjustments(ctx, book); err != nil {
		return nil, err
	}
	return book, nil
}

func (s *PostgresSource) loadAdjustments(ctx context.Context, book Book) error {
	const q = `SELECT loan_id, month, amount FROM loan_adjustments`

	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("PostgresSource.Book: adjustments: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]int, len(book))
	for i, loan := range book {
		byID[loan.ID] = i
	}

	for rows.Next() {
		var (
			id     string
			month  int
			amount float64
		)
		if err := rows.Scan(&id, &month, &amount); err != nil {
			return fmt.Errorf("PostgresSource.Book: adjustments: scan: %w", err)
		}
		i, ok := byID[id]
		if !ok {
			continue
		}
		if book[i].Adjustments == nil {
			book[i].Adjustments = make(map[int]float64)
		}
		book[i].Adjustments[month] += amount
	}
	return rows.Err()
}

func (s *PostgresSource) Curve(ctx context.Context, id string) (*CPRCurve, error) {
	const q = `SELECT product, month, rate FROM cpr_rates WHERE curve_id = $1`

	rates, err := s.rateRows(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("PostgresSource.Curve: %w", err)
	}
	if len(rates) == 0 {
		return nil, errUnknownCurve(id)
	}
	return NewCPRCurve(id, rates), nil
}

func (s *PostgresSource) ERC(ctx context.Context) (*ERCTable, error) {
	const q = `SELECT product, month, rate FROM erc_rates`

	rates, err := s.rateRows(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("PostgresSource.ERC: %w", err)
	}
	return NewERCTable(rates), nil
}

// rateRows collects sparse (product, month, rate) rows into dense
// month-indexed slices per product. Rows with negative months are ignored.
func (s *PostgresSource) rateRows(ctx context.Context, query string, args ...any) (map[string][]float64, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sparse := make(map[string][]rateCell)
	for rows.Next() {
		var (
			product string
			c       rateCell
		)
		if err := rows.Scan(&product, &c.month, &c.rate); err != nil {
			return nil, err
		}
		if c.month < 0 {
			continue
		}
		sparse[product] = append(sparse[product], c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return denseRates(sparse), nil
}

type rateCell struct {
	month int
	rate  float64
}

// denseRates turns sparse non-negative (month, rate) cells into per-product
// month-indexed slices, zero-filled between cells.
func denseRates(sparse map[string][]rateCell) map[string][]float64 {
	dense := make(map[string][]float64, len(sparse))
	for product, cells := range sparse {
		if len(cells) == 0 {
			continue
		}
		sort.Slice(cells, func(i, j int) bool { return cells[i].month < cells[j].month })
		last := cells[len(cells)-1].month
		vals := make([]float64, last+1)
		for _, c := range cells {
			vals[c.month] = c.rate
		}
		dense[product] = vals
	}
	return dense
}
