// Package cache provides an optional store for per-loan valuation results,
// keyed by curve, loan, and reporting window, so repeated runs over an
// unchanged book skip the EIR root-find.
package cache

import (
	"context"
	"sync"
)

// Entry is a cached per-loan valuation.
type Entry struct {
	EIR           float64 `json:"eir"`
	EIRValid      bool    `json:"eir_valid"`
	NPV           float64 `json:"npv"`
	EntityNPV     float64 `json:"entity_npv"`
	ProfitAndLoss float64 `json:"profit_and_loss"`
}

// ValuationCache stores valuation entries. A miss is (Entry{}, false, nil);
// errors are reserved for backend failures.
type ValuationCache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
}

// MemoryCache is a map-backed ValuationCache, safe for the concurrent
// per-loan workers of a run.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]Entry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string]Entry)}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	return e, ok, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = e
	return nil
}
