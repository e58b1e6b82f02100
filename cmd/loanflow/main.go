// Command loanflow computes loan-pool cashflows, EIR, NPV, and P&L from
// tabular inputs (CSV files or Postgres) and prints the enriched loan book.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/quantfold/loanflow/cache"
	"github.com/quantfold/loanflow/cashflow"
	"github.com/quantfold/loanflow/loanbook"
	"github.com/quantfold/loanflow/valuation"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "run":
		return runCmd(args[1:], stdout, stderr)
	case "eir":
		return eirCmd(args[1:], stdin, stdout, stderr)
	case "-h", "--help", "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: loanflow <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run   Full cashflow/EIR/NPV run over a loan book")
	fmt.Fprintln(w, "  eir   Effective interest rate of a cashflow sequence")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run `loanflow <command> -h` for command-specific help.")
}

func runCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		bookPath  = fs.String("book", "", "loan book CSV path")
		cprPath   = fs.String("cpr", "", "CPR curve CSV path")
		ercPath   = fs.String("erc", "", "ERC lookup CSV path")
		dsn       = fs.String("dsn", "", "Postgres DSN (alternative to CSV inputs)")
		curveID   = fs.String("curve", "base", "CPR curve identifier")
		start     = fs.String("start", "", "reporting period start, YYYY-MM")
		end       = fs.String("end", "", "reporting period end, YYYY-MM")
		products  = fs.String("products", "", "comma-separated product filter")
		workers   = fs.Int("workers", 0, "per-loan workers (0 = NumCPU)")
		redisAddr = fs.String("redis", "", "Redis address for the valuation cache")
		dump      = fs.String("dump", "", "also print one parameter array (e.g. 'cashflow')")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()

	src, cleanup, err := buildSource(*dsn, *bookPath, *cprPath, *ercPath, *curveID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	book, err := src.Book(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	curve, err := src.Curve(ctx, *curveID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	erc, err := src.ERC(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfg := cashflow.Config{
		CPRCurveID: *curveID,
		Workers:    *workers,
	}
	if *products != "" {
		cfg.Filter.Products = strings.Split(*products, ",")
	}
	if cfg.PeriodStart, err = parseMonth(*start); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if cfg.PeriodEnd, err = parseMonth(*end); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	runner, err := cashflow.NewRunner(book, erc, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *redisAddr != "" {
		rc := cache.NewRedisCache(*redisAddr, 24*time.Hour)
		defer rc.Close()
		runner.UseCache(rc)
	}

	res, err := runner.Run(ctx, curve)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	printEnrichedBook(stdout, res)
	printSideLists(stderr, res)

	if *dump != "" {
		if err := printParameter(stdout, res, *dump); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	return 0
}

func buildSource(dsn, bookPath, cprPath, ercPath, curveID string) (loanbook.Source, func(), error) {
	noop := func() {}

	if dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres: %w", err)
		}
		return loanbook.NewPostgresSource(db), func() { db.Close() }, nil
	}

	if bookPath == "" || cprPath == "" || ercPath == "" {
		return nil, noop, fmt.Errorf("either -dsn or all of -book/-cpr/-erc are required")
	}

	book, err := readCSV(bookPath, loanbook.ReadBook)
	if err != nil {
		return nil, noop, err
	}
	curve, err := readCSV(cprPath, func(r io.Reader) (*loanbook.CPRCurve, error) {
		return loanbook.ReadCurve(r, curveID)
	})
	if err != nil {
		return nil, noop, err
	}
	erc, err := readCSV(ercPath, loanbook.ReadERC)
	if err != nil {
		return nil, noop, err
	}

	return &loanbook.StaticSource{
		Loans:  book,
		Curves: map[string]*loanbook.CPRCurve{curveID: curve},
		Table:  erc,
	}, noop, nil
}

func readCSV[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()
	return parse(f)
}

func parseMonth(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad month %q (want YYYY-MM)", s)
	}
	return t, nil
}

func printEnrichedBook(w io.Writer, res *cashflow.Result) {
	fmt.Fprintf(w, "%-12s %-12s %12s %10s %14s %14s %14s %10s\n",
		"loan", "product", "principal", "eir", "npv", "entity_npv", "p&l", "status")
	for _, row := range res.EnrichedBook() {
		eir := "n/a"
		if row.EIRValid {
			eir = fmt.Sprintf("%.6f", row.EIR)
		}
		fmt.Fprintf(w, "%-12s %-12s %12.2f %10s %14.2f %14.2f %14.2f %10s\n",
			row.Loan.ID, row.Loan.Product, row.Loan.Principal,
			eir, row.NPV, row.EntityNPV, row.ProfitAndLoss, row.Status)
	}
	if mean, ok := res.MeanEIR(); ok {
		fmt.Fprintf(w, "\nmean EIR (converged loans): %.6f\n", mean)
	}
}

func printSideLists(w io.Writer, res *cashflow.Result) {
	for _, f := range res.Failures {
		fmt.Fprintf(w, "failed: loan %s: %v\n", f.LoanID, f.Err)
	}
	for _, a := range res.Anomalies {
		fmt.Fprintf(w, "anomaly: loan %s month %d: %v\n", a.LoanID, a.Month, a.Err)
	}
}

func printParameter(w io.Writer, res *cashflow.Result, name string) error {
	rows, err := res.Parameter(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%s:\n", name)
	for i, row := range rows {
		fmt.Fprintf(w, "%-12s", res.Loans[i].Loan.ID)
		for _, v := range row {
			fmt.Fprintf(w, " %.2f", v)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func eirCmd(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("eir", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	fields := fs.Args()
	if len(fields) == 0 {
		buf, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fields = strings.Fields(string(buf))
	}
	if len(fields) == 0 {
		fmt.Fprintln(stderr, "eir: provide cashflows as arguments or on stdin")
		return 2
	}

	cashflows := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSuffix(f, ","), 64)
		if err != nil {
			fmt.Fprintf(stderr, "eir: bad cashflow %q\n", f)
			return 2
		}
		cashflows = append(cashflows, v)
	}

	eir, err := valuation.EffectiveInterestRate(cashflows)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "periodic EIR: %.8f (annualized %.6f)\n", eir, eir*12)
	return 0
}
