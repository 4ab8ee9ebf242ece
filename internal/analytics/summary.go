package analytics

import (
	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/model"
)

// Summary is the account snapshot derived from a ledger and a price map.
type Summary struct {
	Cash           decimal.Decimal `json:"cash"`
	MarketValue    decimal.Decimal `json:"market_value"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	Equity         decimal.Decimal `json:"equity"`
	PositionsCount int             `json:"positions_count"`
	OpenOrders     int             `json:"open_orders"`
}

// ComputeSummary derives the account summary. Positions whose price is
// absent from the map are excluded from market value and unrealized P&L —
// an unknown price is never treated as zero.
func ComputeSummary(l *model.Ledger, prices map[string]decimal.Decimal) Summary {
	marketValue := decimal.Zero
	unrealized := decimal.Zero

	for sym, pos := range l.Positions {
		px, ok := prices[sym]
		if !ok || pos.Qty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		marketValue = marketValue.Add(px.Mul(pos.Qty))
		unrealized = unrealized.Add(px.Sub(pos.AvgPrice).Mul(pos.Qty))
	}

	realized := decimal.Zero
	for _, t := range l.ClosedTrades {
		realized = realized.Add(t.RealizedPnL)
	}

	return Summary{
		Cash:           l.Cash.Round(2),
		MarketValue:    marketValue.Round(2),
		UnrealizedPnL:  unrealized.Round(2),
		RealizedPnL:    realized.Round(2),
		Equity:         l.Cash.Add(marketValue).Round(2),
		PositionsCount: len(l.Positions),
		OpenOrders:     len(l.OpenOrders()),
	}
}
