package loanbook

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/quantfold/loanflow/formula"
	"github.com/quantfold/loanflow/utils"
)

// ErrBadTable is returned when an input table cannot be parsed.
var ErrBadTable = errors.New("bad input table")

func errUnknownCurve(id string) error {
	return fmt.Errorf("unknown CPR curve %q: %w", id, ErrBadTable)
}

const (
	dateLayout   = "2006-01-02"
	adjustLayout = "Jan-06" // adjustment column headers, e.g. "adjust Jun-19"
)

// ReadBook parses a loan book from CSV. Required columns: loan_id, product,
// loan_amount, initial_rate, term. Recognized optional columns:
// reversion_rate, reversion_month, interest_only, io_months, timing
// (begin/end), upfront_costs, upfront_fees, origination_date (YYYY-MM-DD),
// entity_eir, and any number of "adjust <Mon-YY>" columns whose header names
// the calendar month of the adjustment.
func ReadBook(r io.Reader) (Book, error) {
	header, rows, err := readTable(r)
	if err != nil {
		return nil, fmt.Errorf("ReadBook: %w", err)
	}

	col := make(map[string]int, len(header))
	var adjustCols []int
	for i, h := range header {
		name := normalize(h)
		if strings.HasPrefix(name, "adjust") {
			adjustCols = append(adjustCols, i)
			continue
		}
		col[name] = i
	}
	for _, required := range []string{"loan_id", "product", "loan_amount", "initial_rate", "term"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("ReadBook: missing column %q: %w", required, ErrBadTable)
		}
	}

	book := make(Book, 0, len(rows))
	for n, row := range rows {
		loan, err := parseLoan(row, col, header, adjustCols)
		if err != nil {
			return nil, fmt.Errorf("ReadBook: row %d: %w", n+2, err)
		}
		book = append(book, loan)
	}
	return book, nil
}

func parseLoan(row []string, col map[string]int, header []string, adjustCols []int) (Loan, error) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	num := func(name string) (float64, error) {
		s := get(name)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("column %q: %v: %w", name, err, ErrBadTable)
		}
		return v, nil
	}
	integer := func(name string) (int, error) {
		v, err := num(name)
		return int(v), err
	}

	loan := Loan{
		ID:      get("loan_id"),
		Product: get("product"),
	}

	var err error
	if loan.Principal, err = num("loan_amount"); err != nil {
		return Loan{}, err
	}
	if loan.InitialRate, err = num("initial_rate"); err != nil {
		return Loan{}, err
	}
	if loan.ReversionRate, err = num("reversion_rate"); err != nil {
		return Loan{}, err
	}
	if loan.TermMonths, err = integer("term"); err != nil {
		return Loan{}, err
	}
	if loan.ReversionMonth, err = integer("reversion_month"); err != nil {
		return Loan{}, err
	}
	if loan.IOMonths, err = integer("io_months"); err != nil {
		return Loan{}, err
	}
	if loan.UpfrontCosts, err = num("upfront_costs"); err != nil {
		return Loan{}, err
	}
	if loan.UpfrontFees, err = num("upfront_fees"); err != nil {
		return Loan{}, err
	}
	if loan.EntityEIR, err = num("entity_eir"); err != nil {
		return Loan{}, err
	}

	switch normalize(get("interest_only")) {
	case "", "0", "false", "no":
	case "1", "true", "yes":
		loan.InterestOnly = true
	default:
		return Loan{}, fmt.Errorf("column interest_only %q: %w", get("interest_only"), ErrBadTable)
	}

	switch normalize(get("timing")) {
	case "", "end":
		loan.Timing = formula.TimingEnd
	case "begin":
		loan.Timing = formula.TimingBegin
	default:
		return Loan{}, fmt.Errorf("column timing %q: %w", get("timing"), ErrBadTable)
	}

	if s := get("origination_date"); s != "" {
		loan.OriginationDate, err = time.Parse(dateLayout, s)
		if err != nil {
			return Loan{}, fmt.Errorf("column origination_date: %v: %w", err, ErrBadTable)
		}
	}

	for _, i := range adjustCols {
		if i >= len(row) {
			continue
		}
		s := strings.TrimSpace(row[i])
		if s == "" || s == "0" {
			continue
		}
		amount, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Loan{}, fmt.Errorf("column %q: %v: %w", header[i], err, ErrBadTable)
		}
		month, err := adjustmentMonth(header[i], loan.OriginationDate)
		if err != nil {
			return Loan{}, err
		}
		if loan.Adjustments == nil {
			loan.Adjustments = make(map[int]float64)
		}
		loan.Adjustments[month] += amount
	}

	return loan, nil
}

// adjustmentMonth converts an "adjust Jun-19" header into months since the
// loan's origination date.
func adjustmentMonth(header string, origination time.Time) (int, error) {
	name := strings.TrimSpace(strings.TrimPrefix(normalize(header), "adjust"))
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	t, err := time.Parse(adjustLayout, name)
	if err != nil {
		return 0, fmt.Errorf("adjustment column %q: %v: %w", header, err, ErrBadTable)
	}
	return utils.MonthDiff(origination, t), nil
}

// ReadCurve parses a CPR curve from CSV shaped product,m0,m1,... with one
// row per product.
func ReadCurve(r io.Reader, id string) (*CPRCurve, error) {
	rates, err := readRateRows(r)
	if err != nil {
		return nil, fmt.Errorf("ReadCurve: %w", err)
	}
	return NewCPRCurve(id, rates), nil
}

// ReadERC parses an ERC lookup from CSV shaped product,m0,m1,... with one
// row per product.
func ReadERC(r io.Reader) (*ERCTable, error) {
	rates, err := readRateRows(r)
	if err != nil {
		return nil, fmt.Errorf("ReadERC: %w", err)
	}
	return NewERCTable(rates), nil
}

func readRateRows(r io.Reader) (map[string][]float64, error) {
	header, rows, err := readTable(r)
	if err != nil {
		return nil, err
	}
	if len(header) < 2 || normalize(header[0]) != "product" {
		return nil, fmt.Errorf("first column must be product: %w", ErrBadTable)
	}

	rates := make(map[string][]float64, len(rows))
	for n, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("row %d: too few columns: %w", n+2, ErrBadTable)
		}
		vals := make([]float64, 0, len(row)-1)
		for _, s := range row[1:] {
			s = strings.TrimSpace(s)
			if s == "" {
				vals = append(vals, 0)
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: %v: %w", n+2, err, ErrBadTable)
			}
			vals = append(vals, v)
		}
		rates[row[0]] = vals
	}
	return rates, nil
}

func readTable(r io.Reader) ([]string, [][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%v: %w", err, ErrBadTable)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("empty table: %w", ErrBadTable)
	}
	return records[0], records[1:], nil
}
