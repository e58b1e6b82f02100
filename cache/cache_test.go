package cache_test

import (
	"context"
	"testing"

	"github.com/quantfold/loanflow/cache"
)

func TestMemoryCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.NewMemoryCache()

	if _, ok, err := c.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("miss: got ok=%v err=%v", ok, err)
	}

	want := cache.Entry{EIR: 0.0042, EIRValid: true, NPV: 1234.5, EntityNPV: 1200, ProfitAndLoss: -50}
	if err := c.Set(ctx, "k", want); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("hit: got ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("entry mismatch: got %+v, want %+v", got, want)
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := cache.NewMemoryCache()

	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func(n float64) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				_ = c.Set(ctx, "shared", cache.Entry{EIR: n})
				_, _, _ = c.Get(ctx, "shared")
			}
		}(float64(w))
	}
	for w := 0; w < 8; w++ {
		<-done
	}
}
