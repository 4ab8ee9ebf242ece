// Package model defines the core domain types for the paper-trading engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order types.
const (
	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Order statuses. Once an order leaves StatusOpen it never changes again.
const (
	StatusOpen     = "open"
	StatusFilled   = "filled"
	StatusRejected = "rejected"
	StatusCanceled = "canceled"
)

// Order is a paper-trading order. Created on submission, transitioned
// exactly once into a terminal state by the fill engine, never revived.
type Order struct {
	ID          string           `json:"id"`
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"`       // "buy" or "sell"
	Quantity    int64            `json:"quantity"`   // positive share count
	Type        string           `json:"order_type"` // "market" or "limit"
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit  *decimal.Decimal `json:"take_profit,omitempty"`
	Status      string           `json:"status"`
	FilledPrice decimal.Decimal  `json:"filled_price"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	FilledAt    time.Time        `json:"filled_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Terminal reports whether the order has left the open state.
func (o *Order) Terminal() bool { return o.Status != StatusOpen }

// Position is an open holding. Invariant: Qty > 0 — a fill that reduces
// the quantity to zero deletes the position from the ledger.
type Position struct {
	Symbol     string           `json:"symbol"`
	Qty        decimal.Decimal  `json:"qty"`
	AvgPrice   decimal.Decimal  `json:"avg_price"` // volume-weighted cost basis
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	OpenedAt   time.Time        `json:"opened_at"`
}

// ClosedTrade is an immutable record appended when a position is reduced
// or closed. The closed-trade list is an append-only audit log.
type ClosedTrade struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// Ledger is the per-user account record: cash, positions, order queue,
// and closed-trade history. Exclusively mutated by the fill engine.
type Ledger struct {
	Cash         decimal.Decimal      `json:"cash"`
	Positions    map[string]*Position `json:"positions"`
	Orders       []*Order             `json:"orders"`
	ClosedTrades []ClosedTrade        `json:"closed_trades"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// DefaultStartingCash is the cash balance of a freshly created ledger.
var DefaultStartingCash = decimal.NewFromInt(100000)

// NewLedger returns a default-constructed ledger with the given starting
// cash. Loading a missing record goes through here so every substructure
// exists — no ad hoc nil checks downstream.
func NewLedger(startingCash decimal.Decimal) *Ledger {
	return &Ledger{
		Cash:      startingCash,
		Positions: make(map[string]*Position),
		UpdatedAt: time.Now().UTC(),
	}
}

// Normalize fills in substructures that a stored record may lack.
func (l *Ledger) Normalize() {
	if l.Positions == nil {
		l.Positions = make(map[string]*Position)
	}
}

// FindOrder returns the order with the given id, or nil.
func (l *Ledger) FindOrder(id string) *Order {
	for _, o := range l.Orders {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// OpenOrders returns all orders still in the open state.
func (l *Ledger) OpenOrders() []*Order {
	var open []*Order
	for _, o := range l.Orders {
		if o.Status == StatusOpen {
			open = append(open, o)
		}
	}
	return open
}

// Broker sandbox provider identities.
const (
	ProviderPaper  = "paper-broker"
	ProviderAlpaca = "alpaca-sandbox"
	ProviderOanda  = "oanda-sandbox"
)

// BrokerOrder statuses — the internal closed vocabulary that raw provider
// statuses are translated into.
const (
	BrokerPending  = "pending"
	BrokerFilled   = "filled"
	BrokerPartial  = "partial"
	BrokerCanceled = "canceled"
	BrokerRejected = "rejected"
)

// BrokerOrder bridges a paper order to an external sandbox provider.
// Mutated only by sync/webhook reconciliation; never deleted, only
// capacity-evicted from the bounded history.
type BrokerOrder struct {
	ID                string          `json:"id"`
	Provider          string          `json:"provider"`
	ProviderOrderID   string          `json:"provider_order_id,omitempty"`
	ProviderStatus    string          `json:"provider_status,omitempty"` // raw string from provider
	PaperOrderID      string          `json:"paper_order_id"`            // back-reference, non-owning
	Symbol            string          `json:"symbol"`
	Side              string          `json:"side"`
	Quantity          int64           `json:"quantity"`
	Status            string          `json:"status"`
	AccountingApplied bool            `json:"accounting_applied"` // buying-power applied exactly once
	FilledPrice       decimal.Decimal `json:"filled_price"`
	OrderValue        decimal.Decimal `json:"order_value"`
	RequestedPrice    decimal.Decimal `json:"requested_price"`
	Reason            string          `json:"reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// MaxBrokerOrderHistory caps the broker order history; oldest evicted.
const MaxBrokerOrderHistory = 400

// BrokerState is the per-user sandbox broker connection state.
type BrokerState struct {
	Connected        bool            `json:"connected"`
	Provider         string          `json:"provider"`
	AccountID        string          `json:"account_id"`
	BuyingPower      decimal.Decimal `json:"buying_power"`
	MaxOrderValuePct decimal.Decimal `json:"max_order_value_pct"` // 1–100
	Status           string          `json:"status"`
	OrderHistory     []*BrokerOrder  `json:"order_history"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewBrokerState returns a default-constructed disconnected state.
func NewBrokerState() *BrokerState {
	return &BrokerState{
		Provider:         ProviderPaper,
		BuyingPower:      decimal.NewFromInt(50000),
		MaxOrderValuePct: decimal.NewFromInt(25),
		Status:           "disconnected",
		UpdatedAt:        time.Now().UTC(),
	}
}

// AppendOrder adds a broker order to the bounded history, evicting the
// oldest entries beyond MaxBrokerOrderHistory.
func (b *BrokerState) AppendOrder(o *BrokerOrder) {
	b.OrderHistory = append(b.OrderHistory, o)
	if n := len(b.OrderHistory); n > MaxBrokerOrderHistory {
		b.OrderHistory = b.OrderHistory[n-MaxBrokerOrderHistory:]
	}
}

// FindByProviderOrderID returns the broker order with the given provider
// order id, or nil.
func (b *BrokerState) FindByProviderOrderID(id string) *BrokerOrder {
	for _, o := range b.OrderHistory {
		if o.ProviderOrderID == id {
			return o
		}
	}
	return nil
}

// FindByID returns the broker order with the given internal id, or nil.
func (b *BrokerState) FindByID(id string) *BrokerOrder {
	for _, o := range b.OrderHistory {
		if o.ID == id {
			return o
		}
	}
	return nil
}
