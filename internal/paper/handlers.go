package paper

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/analytics"
	"github.com/quantdesk/paper-engine/internal/identity"
	"github.com/quantdesk/paper-engine/internal/metrics"
	"github.com/quantdesk/paper-engine/internal/model"
	"github.com/quantdesk/paper-engine/internal/symbol"
)

// OrderRequest is the JSON body for POST /paper/orders.
type OrderRequest struct {
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Quantity   int64            `json:"quantity"`
	OrderType  string           `json:"order_type"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

// OrderResponse is returned from order submission.
type OrderResponse struct {
	Order   *model.Order      `json:"order"`
	Summary analytics.Summary `json:"summary"`
}

// SummaryResponse is returned from GET /paper/summary.
type SummaryResponse struct {
	Summary    analytics.Summary `json:"summary"`
	Positions  []*model.Position `json:"positions"`
	OpenOrders []*model.Order    `json:"open_orders"`
}

// ProtectRequest sets stop-loss/take-profit on an existing position.
type ProtectRequest struct {
	Symbol     string           `json:"symbol"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

// normalizeOrderRequest validates and canonicalizes a submission.
func normalizeOrderRequest(req *OrderRequest) (string, int) {
	req.Symbol = symbol.Clean(req.Symbol)
	if req.Symbol == "" {
		return "symbol is required", http.StatusBadRequest
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return "side must be buy or sell", http.StatusBadRequest
	}
	if req.Quantity <= 0 {
		return "quantity must be a positive integer", http.StatusBadRequest
	}
	if req.OrderType == "" {
		req.OrderType = model.TypeMarket
	}
	if req.OrderType != model.TypeMarket && req.OrderType != model.TypeLimit {
		return "order_type must be market or limit", http.StatusBadRequest
	}
	if req.OrderType == model.TypeLimit && (req.LimitPrice == nil || req.LimitPrice.LessThanOrEqual(decimal.Zero)) {
		return "limit_price is required for limit orders", http.StatusBadRequest
	}
	return "", 0
}

// SubmitOrder handles POST /api/v1/paper/orders.
//
// The latest market price is required up front: a market order fills at
// it immediately, a limit order is evaluated once against it and stays
// open when the limit is not crossed. Price unavailability is a hard
// failure here, unlike in the batch automation pass.
func (e *Engine) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg, status := normalizeOrderRequest(&req); msg != "" {
		writeError(w, msg, status)
		return
	}

	ctx := r.Context()
	userID := identity.UserID(ctx)

	marketPrice, err := e.oracle.LatestPrice(ctx, req.Symbol)
	if err != nil {
		metrics.PriceFetchFailures.Inc()
		writeError(w, "could not fetch market price for symbol", http.StatusBadRequest)
		return
	}

	order := &model.Order{
		ID:         newID("ord"),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Type:       req.OrderType,
		LimitPrice: req.LimitPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     model.StatusOpen,
		CreatedAt:  time.Now().UTC(),
	}

	var summary analytics.Summary
	err = e.WithLedger(ctx, userID, func(l *model.Ledger) error {
		l.Orders = append(l.Orders, order)
		metrics.OrdersSubmitted.WithLabelValues(order.Side, order.Type).Inc()

		if order.Type == model.TypeMarket {
			FillOrder(l, order, marketPrice, ReasonMarketFill)
		} else if LimitCrossed(order, marketPrice) {
			FillOrder(l, order, marketPrice, ReasonLimitHit)
		}

		e.RunAutomation(ctx, l)
		summary = analytics.ComputeSummary(l, map[string]decimal.Decimal{req.Symbol: marketPrice})
		return nil
	})
	if err != nil {
		slog.Error("order submission failed", "user", userID, "symbol", req.Symbol, "err", err)
		writeError(w, "order submission failed", http.StatusInternalServerError)
		return
	}

	slog.Info("paper order processed",
		"user", userID,
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity,
		"status", order.Status,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(OrderResponse{Order: order, Summary: summary})
}

// CancelOrder handles DELETE /api/v1/paper/orders/{orderID}.
// Only open orders can be canceled; terminal orders never change state.
func (e *Engine) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ctx := r.Context()
	userID := identity.UserID(ctx)

	var canceled *model.Order
	var failMsg string
	var failStatus int

	err := e.WithLedger(ctx, userID, func(l *model.Ledger) error {
		o := l.FindOrder(orderID)
		if o == nil {
			failMsg, failStatus = "order not found", http.StatusNotFound
			return nil
		}
		if o.Terminal() {
			failMsg, failStatus = "only open orders can be canceled", http.StatusConflict
			return nil
		}
		o.Status = model.StatusCanceled
		o.Reason = ReasonUserCanceled
		o.UpdatedAt = time.Now().UTC()
		canceled = o
		return nil
	})
	if err != nil {
		writeError(w, "order cancel failed", http.StatusInternalServerError)
		return
	}
	if failMsg != "" {
		writeError(w, failMsg, failStatus)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]*model.Order{"order": canceled})
}

// ListOrders handles GET /api/v1/paper/orders — newest first.
func (e *Engine) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserID(ctx)

	orders := []*model.Order{}
	err := e.WithLedger(ctx, userID, func(l *model.Ledger) error {
		for i := len(l.Orders) - 1; i >= 0; i-- {
			orders = append(orders, l.Orders[i])
		}
		return nil
	})
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]*model.Order{"orders": orders})
}

// ListPositions handles GET /api/v1/paper/positions.
func (e *Engine) ListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserID(ctx)

	positions := []*model.Position{}
	err := e.WithLedger(ctx, userID, func(l *model.Ledger) error {
		positions = sortedPositions(l)
		return nil
	})
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]*model.Position{"positions": positions})
}

// GetSummary handles GET /api/v1/paper/summary. It runs an automation
// pass first, so pending fills and SL/TP exits settle before reporting.
func (e *Engine) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserID(ctx)

	var resp SummaryResponse
	err := e.WithLedger(ctx, userID, func(l *model.Ledger) error {
		prices := e.RunAutomation(ctx, l)
		resp = SummaryResponse{
			Summary:    analytics.ComputeSummary(l, prices),
			Positions:  sortedPositions(l),
			OpenOrders: append([]*model.Order{}, l.OpenOrders()...),
		}
		return nil
	})
	if err != nil {
		slog.Error("paper summary failed", "user", userID, "err", err)
		writeError(w, "paper summary failed", http.StatusInternalServerError)
		return
	}
	if resp.OpenOrders == nil {
		resp.OpenOrders = []*model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ProtectPosition handles POST /api/v1/paper/positions/protect — sets
// stop-loss/take-profit on an existing position.
func (e *Engine) ProtectPosition(w http.ResponseWriter, r *http.Request) {
	var req ProtectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Symbol = symbol.Clean(req.Symbol)
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID := identity.UserID(ctx)

	var updated *model.Position
	err := e.WithLedger(ctx, userID, func(l *model.Ledger) error {
		pos, ok := l.Positions[req.Symbol]
		if !ok {
			return nil
		}
		if req.StopLoss != nil {
			pos.StopLoss = req.StopLoss
		}
		if req.TakeProfit != nil {
			pos.TakeProfit = req.TakeProfit
		}
		updated = pos
		return nil
	})
	if err != nil {
		writeError(w, "failed to protect position", http.StatusInternalServerError)
		return
	}
	if updated == nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]*model.Position{"position": updated})
}

// sortedPositions returns positions in stable symbol order.
func sortedPositions(l *model.Ledger) []*model.Position {
	syms := make([]string, 0, len(l.Positions))
	for s := range l.Positions {
		syms = append(syms, s)
	}
	sort.Strings(syms)

	out := make([]*model.Position, 0, len(syms))
	for _, s := range syms {
		out = append(out, l.Positions[s])
	}
	return out
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
