package quote

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Static is a fixed-price Oracle backed by in-memory maps. Used in tests
// and development; prices and series are set explicitly.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	series map[string][]float64
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{
		prices: make(map[string]decimal.Decimal),
		series: make(map[string][]float64),
	}
}

// SetPrice sets the latest price for a symbol.
func (s *Static) SetPrice(sym string, px decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[sym] = px
}

// DropPrice removes a symbol, making subsequent lookups fail.
func (s *Static) DropPrice(sym string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, sym)
}

// SetSeries sets the historical close series for a symbol.
func (s *Static) SetSeries(sym string, closes []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[sym] = closes
}

func (s *Static) LatestPrice(_ context.Context, sym string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	px, ok := s.prices[sym]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoData, sym)
	}
	return px, nil
}

func (s *Static) LatestPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	return FanOut(ctx, s, symbols)
}

func (s *Static) HistoricalCloses(_ context.Context, sym, _ string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	closes, ok := s.series[sym]
	if !ok || len(closes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, sym)
	}
	return closes, nil
}
