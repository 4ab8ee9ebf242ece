// Package paper implements the order matching and fill engine: it owns
// all ledger mutation, evaluates limit orders and stop-loss/take-profit
// exits against fetched prices, and exposes the paper-trading HTTP API.
//
// All monetary values use shopspring/decimal — never float64 for money.
package paper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/metrics"
	"github.com/quantdesk/paper-engine/internal/model"
	"github.com/quantdesk/paper-engine/internal/quote"
	"github.com/quantdesk/paper-engine/internal/store"
)

var (
	// ErrNoPosition is returned when a close targets a symbol the
	// ledger holds no position in.
	ErrNoPosition = errors.New("no position")

	// ErrInsufficientPosition is returned when a close requests more
	// quantity than the position holds.
	ErrInsufficientPosition = errors.New("insufficient position quantity")
)

// Close/fill reason strings recorded on orders and closed trades.
const (
	ReasonMarketFill       = "market_fill"
	ReasonLimitHit         = "limit_hit"
	ReasonStopLoss         = "stop_loss"
	ReasonTakeProfit       = "take_profit"
	ReasonInsufficientCash = "insufficient_cash"
	ReasonUserCanceled     = "user_canceled"
	ReasonManual           = "manual"
)

// Engine mutates per-user ledgers. Mutations for one user are serialized
// by a per-user mutex; different users run fully in parallel. The store
// is read-modify-written whole under that lock.
type Engine struct {
	store  store.Store
	oracle quote.Oracle

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a fill engine over the given store and price oracle.
func NewEngine(st store.Store, oracle quote.Oracle) *Engine {
	return &Engine{
		store:  st,
		oracle: oracle,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Oracle returns the engine's price oracle.
func (e *Engine) Oracle() quote.Oracle { return e.oracle }

// Store returns the engine's backing store.
func (e *Engine) Store() store.Store { return e.store }

// newID builds a prefixed entity id.
func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// userLock returns the mutex serializing one user's ledger mutations.
func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[userID] = l
	}
	return l
}

// WithLedger runs fn with exclusive access to the user's ledger and
// persists the result. A missing record is default-constructed.
func (e *Engine) WithLedger(ctx context.Context, userID string, fn func(l *model.Ledger) error) error {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	l, err := e.store.LoadLedger(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		l = model.NewLedger(model.DefaultStartingCash)
	} else if err != nil {
		return err
	}

	if err := fn(l); err != nil {
		return err
	}

	l.UpdatedAt = time.Now().UTC()
	return e.store.SaveLedger(ctx, userID, l)
}

// LimitCrossed reports whether a limit order's price condition is met:
// buys fill at or below the limit, sells at or above it.
func LimitCrossed(o *model.Order, price decimal.Decimal) bool {
	if o.Type != model.TypeLimit || o.LimitPrice == nil {
		return false
	}
	if o.Side == model.SideBuy {
		return price.LessThanOrEqual(*o.LimitPrice)
	}
	return price.GreaterThanOrEqual(*o.LimitPrice)
}

// MergePosition applies a buy fill to the ledger's position map: a new
// position on first fill, a volume-weighted average merge afterwards.
// Supplied stop-loss/take-profit overwrite the position's when set.
func MergePosition(l *model.Ledger, sym string, qty, fillPrice decimal.Decimal, stopLoss, takeProfit *decimal.Decimal) {
	existing, ok := l.Positions[sym]
	if !ok {
		l.Positions[sym] = &model.Position{
			Symbol:     sym,
			Qty:        qty,
			AvgPrice:   fillPrice,
			StopLoss:   stopLoss,
			TakeProfit: takeProfit,
			OpenedAt:   time.Now().UTC(),
		}
		return
	}

	totalQty := existing.Qty.Add(qty)
	weighted := existing.AvgPrice.Mul(existing.Qty).Add(fillPrice.Mul(qty)).Div(totalQty)
	existing.Qty = totalQty
	existing.AvgPrice = weighted
	if stopLoss != nil {
		existing.StopLoss = stopLoss
	}
	if takeProfit != nil {
		existing.TakeProfit = takeProfit
	}
}

// ClosePositionQty reduces a position by qty at fillPrice, crediting
// cash and appending exactly one ClosedTrade. The position is deleted
// when its quantity reaches zero.
func ClosePositionQty(l *model.Ledger, sym string, qty, fillPrice decimal.Decimal, reason string) (decimal.Decimal, error) {
	pos, ok := l.Positions[sym]
	if !ok || qty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNoPosition
	}
	if pos.Qty.LessThan(qty) {
		return decimal.Zero, ErrInsufficientPosition
	}

	realized := fillPrice.Sub(pos.AvgPrice).Mul(qty)
	l.Cash = l.Cash.Add(fillPrice.Mul(qty))
	pos.Qty = pos.Qty.Sub(qty)
	if pos.Qty.LessThanOrEqual(decimal.Zero) {
		delete(l.Positions, sym)
	}

	if reason == "" {
		reason = ReasonManual
	}
	l.ClosedTrades = append(l.ClosedTrades, model.ClosedTrade{
		ID:          newID("trade"),
		Symbol:      sym,
		Qty:         qty,
		EntryPrice:  pos.AvgPrice,
		ExitPrice:   fillPrice,
		RealizedPnL: realized,
		Reason:      reason,
		ClosedAt:    time.Now().UTC(),
	})
	metrics.PositionsClosed.WithLabelValues(reason).Inc()

	return realized, nil
}

// FillOrder transitions an open order into a terminal state against
// fillPrice and applies the fill effects to the ledger. Terminal orders
// are never touched.
func FillOrder(l *model.Ledger, o *model.Order, fillPrice decimal.Decimal, reason string) {
	if o.Status != model.StatusOpen {
		return
	}

	qty := decimal.NewFromInt(o.Quantity)
	now := time.Now().UTC()

	if o.Side == model.SideBuy {
		cost := fillPrice.Mul(qty)
		if l.Cash.LessThan(cost) {
			o.Status = model.StatusRejected
			o.Reason = ReasonInsufficientCash
			o.UpdatedAt = now
			metrics.OrdersRejected.WithLabelValues(ReasonInsufficientCash).Inc()
			return
		}
		l.Cash = l.Cash.Sub(cost)
		MergePosition(l, o.Symbol, qty, fillPrice, o.StopLoss, o.TakeProfit)
	} else {
		if _, err := ClosePositionQty(l, o.Symbol, qty, fillPrice, reason); err != nil {
			o.Status = model.StatusRejected
			o.Reason = rejectionMessage(err)
			o.UpdatedAt = now
			metrics.OrdersRejected.WithLabelValues(o.Reason).Inc()
			return
		}
	}

	o.Status = model.StatusFilled
	o.FilledPrice = fillPrice
	o.FilledAt = now
	o.UpdatedAt = now
	o.Reason = reason
	metrics.OrdersFilled.WithLabelValues(o.Side, reason).Inc()
}

// rejectionMessage maps close errors to the reason recorded on the order.
func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientPosition):
		return "Insufficient position quantity"
	case errors.Is(err, ErrNoPosition):
		return "No position"
	default:
		return err.Error()
	}
}

// RunAutomation is the automation pass: one concurrent price round for
// all open-order and open-position symbols, then sequential evaluation —
// open limit orders first, then stop-loss/take-profit exits. A symbol
// whose fetch failed is skipped and left in its prior state. Returns the
// prices that were fetched.
func (e *Engine) RunAutomation(ctx context.Context, l *model.Ledger) map[string]decimal.Decimal {
	var symbols []string
	for _, o := range l.OpenOrders() {
		symbols = append(symbols, o.Symbol)
	}
	for sym := range l.Positions {
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}
	}

	prices := e.oracle.LatestPrices(ctx, symbols)
	for _, s := range symbols {
		if _, ok := prices[s]; !ok {
			metrics.PriceFetchFailures.Inc()
		}
	}

	for _, o := range l.OpenOrders() {
		px, ok := prices[o.Symbol]
		if !ok {
			continue
		}
		if LimitCrossed(o, px) {
			FillOrder(l, o, px, ReasonLimitHit)
		}
	}

	// Stop-loss is checked before take-profit; a position closed by one
	// no longer exists for the other.
	for sym, pos := range l.Positions {
		px, ok := prices[sym]
		if !ok {
			continue
		}
		if pos.StopLoss != nil && px.LessThanOrEqual(*pos.StopLoss) {
			ClosePositionQty(l, sym, pos.Qty, px, ReasonStopLoss)
			continue
		}
		if pos.TakeProfit != nil && px.GreaterThanOrEqual(*pos.TakeProfit) {
			ClosePositionQty(l, sym, pos.Qty, px, ReasonTakeProfit)
		}
	}

	l.UpdatedAt = time.Now().UTC()
	return prices
}
