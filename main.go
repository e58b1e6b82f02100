package main

import (
	"context"
	"fmt"

	"github.com/quantfold/loanflow/cashflow"
	"github.com/quantfold/loanflow/loanbook"
	"github.com/quantfold/loanflow/utils"
)

func main() {
	book := loanbook.Book{
		{
			ID:              "L-0001",
			Product:         "fix-2y",
			Principal:       250000,
			InitialRate:     0.0299,
			ReversionRate:   0.0459,
			TermMonths:      300,
			ReversionMonth:  24,
			UpfrontCosts:    500,
			UpfrontFees:     995,
			OriginationDate: utils.DateParser("2019-03-01"),
			EntityEIR:       0.0032,
		},
		{
			ID:              "L-0002",
			Product:         "io-5y",
			Principal:       400000,
			InitialRate:     0.0345,
			ReversionRate:   0.0459,
			TermMonths:      300,
			ReversionMonth:  60,
			InterestOnly:    true,
			IOMonths:        60,
			OriginationDate: utils.DateParser("2019-06-01"),
			EntityEIR:       0.0036,
		},
	}

	curve := loanbook.NewCPRCurve("base", map[string][]float64{
		"fix-2y": flatCPR(0.05, 301),
		"io-5y":  flatCPR(0.08, 301),
	})

	erc := loanbook.NewERCTable(map[string][]float64{
		"fix-2y": {0, 0.03, 0.02, 0.01},
		"io-5y":  {0, 0.05, 0.04, 0.03, 0.02, 0.01},
	})

	runner, err := cashflow.NewRunner(book, erc, cashflow.Config{
		CPRCurveID:  "base",
		PeriodStart: utils.DateParser("2020-01-01"),
		PeriodEnd:   utils.DateParser("2024-12-01"),
	})
	if err != nil {
		panic(err)
	}

	res, err := runner.Run(context.Background(), curve)
	if err != nil {
		panic(err)
	}

	for _, row := range res.EnrichedBook() {
		fmt.Printf("%s  eir=%.6f  npv=%.2f  entity_npv=%.2f  p&l=%.2f  status=%s\n",
			row.Loan.ID, row.EIR, row.NPV, row.EntityNPV, row.ProfitAndLoss, row.Status)
	}
	for _, a := range res.Anomalies {
		fmt.Printf("anomaly: %s month %d: %v\n", a.LoanID, a.Month, a.Err)
	}
}

func flatCPR(cpr float64, months int) []float64 {
	out := make([]float64, months)
	for i := range out {
		out[i] = cpr
	}
	return out
}
