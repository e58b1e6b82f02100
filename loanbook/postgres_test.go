package loanbook

import (
	"reflect"
	"testing"
)

func TestDenseRates(t *testing.T) {
	t.Parallel()

	sparse := map[string][]rateCell{
		"fix-2y": {{month: 2, rate: 0.08}, {month: 0, rate: 0.02}},
		"io-5y":  {{month: 1, rate: 0.05}},
		"empty":  nil,
	}

	got := denseRates(sparse)
	want := map[string][]float64{
		"fix-2y": {0.02, 0, 0.08},
		"io-5y":  {0, 0.05},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("denseRates: got %v, want %v", got, want)
	}
}

func TestDenseRates_AllCellsFiltered(t *testing.T) {
	t.Parallel()

	// rateRows drops negative months before densifying; a product whose
	// rows were all dropped must not panic on the slice allocation.
	got := denseRates(map[string][]rateCell{"fix-2y": {}})
	if len(got) != 0 {
		t.Fatalf("denseRates: got %v, want empty", got)
	}
}
