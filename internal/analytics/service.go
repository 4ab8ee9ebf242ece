package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/identity"
	"github.com/quantdesk/paper-engine/internal/model"
	"github.com/quantdesk/paper-engine/internal/quote"
	"github.com/quantdesk/paper-engine/internal/symbol"
)

// corrDepth bounds the daily return history used for correlation and VaR.
const corrDepth = 120

// corrTopN bounds the correlation matrix to the top-weighted symbols.
const corrTopN = 6

// rebalanceThresholdPct flags any single position above this weight.
const rebalanceThresholdPct = 45.0

// LedgerEngine is the slice of the fill engine the analytics service
// needs: exclusive ledger access and the automation pass.
type LedgerEngine interface {
	WithLedger(ctx context.Context, userID string, fn func(l *model.Ledger) error) error
	RunAutomation(ctx context.Context, l *model.Ledger) map[string]decimal.Decimal
	Oracle() quote.Oracle
}

// Service computes portfolio analytics over the ledger and price oracle.
type Service struct {
	engine LedgerEngine
}

// NewService creates an analytics service.
func NewService(engine LedgerEngine) *Service {
	return &Service{engine: engine}
}

// AllocationEntry is one position's share of portfolio value.
type AllocationEntry struct {
	Symbol    string  `json:"symbol"`
	Value     float64 `json:"value"`
	WeightPct float64 `json:"weight_pct"`
}

// MarketAllocationEntry is one market type's share of portfolio value.
type MarketAllocationEntry struct {
	Market    string  `json:"market"`
	Value     float64 `json:"value"`
	WeightPct float64 `json:"weight_pct"`
}

// CorrelationBlock is the correlation matrix over the top-weighted symbols.
type CorrelationBlock struct {
	Symbols []string    `json:"symbols"`
	Matrix  [][]float64 `json:"matrix"`
}

// RiskBlock holds the historical-simulation risk metrics.
type RiskBlock struct {
	VaR95DailyPct      float64 `json:"var95_daily_pct"`
	VolatilityDailyPct float64 `json:"volatility_daily_pct"`
	RiskScore          float64 `json:"risk_score"`
	SampleDays         int     `json:"sample_days"`
}

// RebalanceSuggestion flags an over-concentrated position.
type RebalanceSuggestion struct {
	Symbol          string  `json:"symbol"`
	Action          string  `json:"action"`
	Reason          string  `json:"reason"`
	TargetWeightPct float64 `json:"target_weight_pct"`
}

// ExposureBlock groups value by market type, approximate country, and
// approximate sector.
type ExposureBlock struct {
	ByMarket  map[string]float64 `json:"by_market"`
	ByCountry map[string]float64 `json:"by_country"`
	BySector  map[string]float64 `json:"by_sector"`
}

// PortfolioAnalytics is the full analytics response.
type PortfolioAnalytics struct {
	Allocation       []AllocationEntry       `json:"allocation"`
	MarketAllocation []MarketAllocationEntry `json:"market_allocation"`
	Correlation      CorrelationBlock        `json:"correlation"`
	Risk             RiskBlock               `json:"risk"`
	Rebalance        []RebalanceSuggestion   `json:"rebalance"`
	Exposure         ExposureBlock           `json:"exposure"`
}

func emptyAnalytics() PortfolioAnalytics {
	return PortfolioAnalytics{
		Allocation:       []AllocationEntry{},
		MarketAllocation: []MarketAllocationEntry{},
		Correlation:      CorrelationBlock{Symbols: []string{}, Matrix: [][]float64{}},
		Rebalance:        []RebalanceSuggestion{},
		Exposure: ExposureBlock{
			ByMarket:  map[string]float64{},
			ByCountry: map[string]float64{},
			BySector:  map[string]float64{},
		},
	}
}

// HandlePortfolioAnalytics handles GET /api/v1/portfolio/analytics.
// It runs an automation pass first so analytics see settled state.
func (s *Service) HandlePortfolioAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserID(ctx)

	var result PortfolioAnalytics
	err := s.engine.WithLedger(ctx, userID, func(l *model.Ledger) error {
		prices := s.engine.RunAutomation(ctx, l)
		result = s.compute(ctx, l, prices)
		return nil
	})
	if err != nil {
		slog.Error("portfolio analytics failed", "user", userID, "err", err)
		writeError(w, "portfolio analytics failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

type valuation struct {
	symbol     string
	marketType string
	value      float64
}

func (s *Service) compute(ctx context.Context, l *model.Ledger, prices map[string]decimal.Decimal) PortfolioAnalytics {
	out := emptyAnalytics()

	var vals []valuation
	for sym, pos := range l.Positions {
		if pos.Qty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		px, ok := prices[sym]
		if !ok {
			px = pos.AvgPrice // fall back to cost basis for weighting only
		}
		info := symbol.Resolve(sym)
		v, _ := px.Mul(pos.Qty).Float64()
		vals = append(vals, valuation{symbol: sym, marketType: info.MarketType, value: v})
	}
	if len(vals) == 0 {
		return out
	}

	total := 0.0
	for _, v := range vals {
		if v.value > 0 {
			total += v.value
		}
	}
	if total == 0 {
		total = 1
	}

	for _, v := range vals {
		out.Allocation = append(out.Allocation, AllocationEntry{
			Symbol:    v.symbol,
			Value:     round(v.value, 2),
			WeightPct: round(v.value/total*100, 2),
		})
	}
	sort.Slice(out.Allocation, func(i, j int) bool {
		return out.Allocation[i].WeightPct > out.Allocation[j].WeightPct
	})

	for _, v := range vals {
		out.Exposure.ByMarket[v.marketType] += v.value
		out.Exposure.ByCountry[approxCountry(v.marketType)] += v.value
		out.Exposure.BySector[approxSector(v.marketType)] += v.value
	}
	for market, value := range out.Exposure.ByMarket {
		out.MarketAllocation = append(out.MarketAllocation, MarketAllocationEntry{
			Market:    market,
			Value:     round(value, 2),
			WeightPct: round(value/total*100, 2),
		})
	}
	sort.Slice(out.MarketAllocation, func(i, j int) bool {
		return out.MarketAllocation[i].Market < out.MarketAllocation[j].Market
	})

	// Correlation over the top-weighted symbols' daily return series.
	topN := corrTopN
	if len(out.Allocation) < topN {
		topN = len(out.Allocation)
	}
	corrSymbols := make([]string, 0, topN)
	for _, a := range out.Allocation[:topN] {
		corrSymbols = append(corrSymbols, a.Symbol)
	}

	returnMap := s.fetchReturns(ctx, corrSymbols)

	matrix := make([][]float64, len(corrSymbols))
	for i, rowSym := range corrSymbols {
		matrix[i] = make([]float64, len(corrSymbols))
		for j, colSym := range corrSymbols {
			matrix[i][j] = round(Correlation(returnMap[rowSym], returnMap[colSym]), 3)
		}
	}
	out.Correlation = CorrelationBlock{Symbols: corrSymbols, Matrix: matrix}

	// Weighted blend of return series → historical 95% VaR and volatility.
	weights := make(map[string]float64, len(out.Allocation))
	for _, a := range out.Allocation {
		weights[a.Symbol] = a.WeightPct / 100
	}
	portfolioReturns := blendReturns(corrSymbols, returnMap, weights)

	var95 := -Quantile(portfolioReturns, 0.05) * 100
	volatility := StdDev(portfolioReturns) * 100
	concentration := 0.0
	for _, a := range out.Allocation {
		if a.WeightPct > concentration {
			concentration = a.WeightPct
		}
	}
	out.Risk = RiskBlock{
		VaR95DailyPct:      round(var95, 2),
		VolatilityDailyPct: round(volatility, 2),
		RiskScore:          round(Clamp(var95*4+volatility*2+concentration*0.5, 0, 100), 1),
		SampleDays:         len(portfolioReturns),
	}

	for _, a := range out.Allocation {
		if a.WeightPct > rebalanceThresholdPct {
			out.Rebalance = append(out.Rebalance, RebalanceSuggestion{
				Symbol:          a.Symbol,
				Action:          "trim",
				Reason:          "Position concentration above 45%",
				TargetWeightPct: 30,
			})
		}
	}

	return out
}

// fetchReturns pulls daily close series for the symbols concurrently and
// converts them to bounded return series. Failures yield empty series.
func (s *Service) fetchReturns(ctx context.Context, symbols []string) map[string][]float64 {
	oracle := s.engine.Oracle()
	returnMap := make(map[string][]float64, len(symbols))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			closes, err := oracle.HistoricalCloses(ctx, sym, "1D")
			var returns []float64
			if err == nil {
				returns = ReturnsFromCloses(closes, corrDepth)
			}
			mu.Lock()
			returnMap[sym] = returns
			mu.Unlock()
		}(sym)
	}
	wg.Wait()

	return returnMap
}

// blendReturns builds the weighted day-by-day portfolio return series
// over the shared trailing depth of the symbol series.
func blendReturns(symbols []string, returnMap map[string][]float64, weights map[string]float64) []float64 {
	depth := corrDepth
	any := false
	for _, sym := range symbols {
		n := len(returnMap[sym])
		if n == 0 {
			continue
		}
		any = true
		if n < depth {
			depth = n
		}
	}
	if !any || depth < 2 {
		return nil
	}

	out := make([]float64, 0, depth)
	for i := 0; i < depth; i++ {
		dayRet := 0.0
		for _, sym := range symbols {
			arr := returnMap[sym]
			idx := len(arr) - depth + i
			if idx < 0 || idx >= len(arr) {
				continue
			}
			dayRet += weights[sym] * arr[idx]
		}
		out = append(out, dayRet)
	}
	return out
}

func approxCountry(marketType string) string {
	switch marketType {
	case symbol.MarketStock:
		return "US"
	case symbol.MarketCrypto:
		return "Global"
	default:
		return "Multi"
	}
}

func approxSector(marketType string) string {
	switch marketType {
	case symbol.MarketCrypto:
		return "Digital Assets"
	case symbol.MarketForex:
		return "FX"
	case symbol.MarketFutures:
		return "Derivatives"
	default:
		return "Equities"
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
