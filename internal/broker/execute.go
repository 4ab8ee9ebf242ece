package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/identity"
	"github.com/quantdesk/paper-engine/internal/metrics"
	"github.com/quantdesk/paper-engine/internal/model"
	"github.com/quantdesk/paper-engine/internal/paper"
)

// Confirmation is the execution receipt returned to the caller.
type Confirmation struct {
	Status          string          `json:"status"`
	BrokerOrderID   string          `json:"broker_order_id"`
	ProviderOrderID string          `json:"provider_order_id,omitempty"`
	ProviderStatus  string          `json:"provider_status,omitempty"`
	Provider        string          `json:"provider"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Quantity        int64           `json:"quantity"`
	FilledPrice     decimal.Decimal `json:"filled_price"`
	OrderValue      decimal.Decimal `json:"order_value"`
	Reason          string          `json:"reason,omitempty"`
}

// HandleExecute handles POST /api/v1/broker/sandbox/execute.
//
// Every check from the preview is re-validated here — a previously
// returned preview is never trusted. Execution additionally requires an
// explicit confirm flag. The local provider fills in the ledger at once;
// external providers are placed first and the paper order stays open
// until their status translates to filled.
func (s *Service) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID := identity.UserID(ctx)

	var (
		confirmation Confirmation
		brokerView   View
		failPreview  *Preview
		failMsg      string
	)

	err := s.engine.WithLedger(ctx, userID, func(l *model.Ledger) error {
		b, err := s.loadBroker(ctx, userID)
		if err != nil {
			return err
		}

		preview, err := s.buildPreview(ctx, l, b, req)
		if err != nil {
			return err
		}
		if !preview.OK {
			failPreview, failMsg = &preview, "risk checks failed"
			return nil
		}
		if !req.Confirm {
			failPreview, failMsg = &preview, "confirmation required"
			return nil
		}

		provider := preview.Provider

		// External placement happens before any ledger mutation. A
		// placement error still records a pending broker order: the
		// provider may have accepted the order even though the response
		// was lost, and sync/webhook will settle the truth.
		placement := Placement{RawStatus: "simulated"}
		placementFailed := false
		if provider != model.ProviderPaper {
			placement, err = s.clients[provider].PlaceOrder(ctx, preview.ProviderSymbol, preview.Side, preview.Quantity)
			if err != nil {
				slog.Warn("external placement failed, keeping order pending",
					"user", userID, "provider", provider, "err", err)
				placement = Placement{RawStatus: "pending"}
				placementFailed = true
			}
		}

		order := &model.Order{
			ID:         "ord-" + uuid.NewString(),
			Symbol:     preview.Symbol,
			Side:       preview.Side,
			Quantity:   preview.Quantity,
			Type:       model.TypeMarket,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			Status:     model.StatusOpen,
			CreatedAt:  time.Now().UTC(),
		}
		l.Orders = append(l.Orders, order)

		translated := TranslateStatus(placement.RawStatus)
		switch {
		case provider == model.ProviderPaper:
			paper.FillOrder(l, order, preview.MarketPrice, ReasonSandboxFill)
		case translated == model.BrokerFilled:
			paper.FillOrder(l, order, preview.MarketPrice, ReasonExternalFill)
		default:
			order.Reason = ReasonAwaitingProvider
			if placementFailed {
				order.Reason = "provider_unreachable_pending_sync"
			}
		}

		brokerOrder := &model.BrokerOrder{
			ID:              "sbxord-" + uuid.NewString(),
			Provider:        provider,
			ProviderOrderID: placement.ProviderOrderID,
			ProviderStatus:  placement.RawStatus,
			PaperOrderID:    order.ID,
			Symbol:          preview.Symbol,
			Side:            preview.Side,
			Quantity:        preview.Quantity,
			FilledPrice:     preview.MarketPrice,
			OrderValue:      preview.OrderValue,
			RequestedPrice:  preview.MarketPrice,
			Reason:          order.Reason,
			CreatedAt:       time.Now().UTC(),
		}
		switch order.Status {
		case model.StatusFilled:
			brokerOrder.Status = model.BrokerFilled
		case model.StatusOpen:
			brokerOrder.Status = model.BrokerPending
		default:
			brokerOrder.Status = model.BrokerRejected
		}
		b.AppendOrder(brokerOrder)

		if brokerOrder.Status == model.BrokerFilled {
			applyAccounting(b, brokerOrder, preview.Side, preview.OrderValue)
		}

		s.engine.RunAutomation(ctx, l)

		b.UpdatedAt = time.Now().UTC()
		if err := s.store.SaveBroker(ctx, userID, b); err != nil {
			return err
		}

		metrics.BrokerExecutions.WithLabelValues(provider, brokerOrder.Status).Inc()

		confirmation = Confirmation{
			Status:          brokerOrder.Status,
			BrokerOrderID:   brokerOrder.ID,
			ProviderOrderID: brokerOrder.ProviderOrderID,
			ProviderStatus:  brokerOrder.ProviderStatus,
			Provider:        provider,
			Symbol:          preview.Symbol,
			Side:            preview.Side,
			Quantity:        preview.Quantity,
			FilledPrice:     brokerOrder.FilledPrice.Round(6),
			OrderValue:      brokerOrder.OrderValue.Round(2),
			Reason:          brokerOrder.Reason,
		}
		brokerView = view(b)
		return nil
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if failMsg != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": failMsg, "preview": failPreview})
		return
	}

	slog.Info("broker order executed",
		"user", userID,
		"provider", confirmation.Provider,
		"symbol", confirmation.Symbol,
		"side", confirmation.Side,
		"qty", confirmation.Quantity,
		"status", confirmation.Status,
	)

	writeJSON(w, map[string]any{
		"confirmation": confirmation,
		"broker":       brokerView,
	})
}

// applyAccounting debits (buy) or credits (sell) buying power for a
// broker order exactly once, guarded by the AccountingApplied flag.
func applyAccounting(b *model.BrokerState, bo *model.BrokerOrder, side string, amount decimal.Decimal) {
	if bo.AccountingApplied || amount.LessThanOrEqual(decimal.Zero) {
		return
	}
	if side == model.SideBuy {
		b.BuyingPower = b.BuyingPower.Sub(amount)
		if b.BuyingPower.IsNegative() {
			b.BuyingPower = decimal.Zero
		}
	} else {
		b.BuyingPower = b.BuyingPower.Add(amount)
	}
	bo.AccountingApplied = true
}

// applyProviderUpdate folds a provider-reported status onto a broker
// order and propagates filled/canceled/rejected outcomes to the paired
// paper order. Idempotent against repeated terminal deliveries.
func applyProviderUpdate(l *model.Ledger, b *model.BrokerState, bo *model.BrokerOrder, rawStatus string, filledPrice decimal.Decimal, reason string) {
	translated := TranslateStatus(rawStatus)
	bo.ProviderStatus = rawStatus
	bo.UpdatedAt = time.Now().UTC()
	if reason != "" {
		bo.Reason = reason
	}

	paperOrder := l.FindOrder(bo.PaperOrderID)

	// A zero/absent provider fill price falls back to the requested
	// price. Booked P&L can differ from the true fill when the provider
	// never reports one.
	price := filledPrice
	if price.LessThanOrEqual(decimal.Zero) {
		price = bo.FilledPrice
	}
	if price.LessThanOrEqual(decimal.Zero) {
		price = bo.RequestedPrice
	}

	switch translated {
	case model.BrokerFilled:
		if paperOrder != nil && paperOrder.Status == model.StatusOpen {
			paper.FillOrder(l, paperOrder, price, ReasonProviderFill)
		}
		bo.Status = model.BrokerFilled
		if filledPrice.GreaterThan(decimal.Zero) {
			bo.FilledPrice = filledPrice
		}
		amount := bo.OrderValue
		if price.GreaterThan(decimal.Zero) {
			amount = price.Mul(decimal.NewFromInt(bo.Quantity))
		}
		applyAccounting(b, bo, bo.Side, amount)

	case model.BrokerCanceled, model.BrokerRejected:
		bo.Status = translated
		if paperOrder != nil && paperOrder.Status == model.StatusOpen {
			paperOrder.Status = translated
			paperOrder.Reason = ReasonProviderCanceled
			if translated == model.BrokerRejected {
				paperOrder.Reason = ReasonProviderRejected
			}
			paperOrder.UpdatedAt = time.Now().UTC()
		}

	default:
		// Pending and partial stay pending; the raw status is kept for
		// display and the next reconciliation decides.
		bo.Status = model.BrokerPending
	}
}

// HandleSync handles POST /api/v1/broker/sandbox/sync — pull
// reconciliation for the connected provider's pending orders.
func (s *Service) HandleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserID(ctx)

	var (
		provider string
		synced   int
		updated  int
		bview    View
		notConn  bool
	)

	err := s.engine.WithLedger(ctx, userID, func(l *model.Ledger) error {
		b, err := s.loadBroker(ctx, userID)
		if err != nil {
			return err
		}
		provider = NormalizeProvider(b.Provider)
		if !b.Connected {
			notConn = true
			return nil
		}
		bview = view(b)
		if provider == model.ProviderPaper {
			return nil
		}

		var pending []*model.BrokerOrder
		for _, o := range b.OrderHistory {
			if o.Status == model.BrokerPending && o.Provider == provider && o.ProviderOrderID != "" {
				pending = append(pending, o)
			}
		}
		if len(pending) > syncBatchLimit {
			pending = pending[len(pending)-syncBatchLimit:]
		}
		synced = len(pending)

		client := s.clients[provider]
		for _, bo := range pending {
			status, err := client.GetOrderStatus(ctx, bo.ProviderOrderID)
			if err != nil {
				// Transient provider failure: the order stays pending
				// for a later sync rather than guessing an outcome.
				slog.Warn("order status fetch failed", "provider", provider, "provider_order_id", bo.ProviderOrderID, "err", err)
				continue
			}
			before := bo.Status
			applyProviderUpdate(l, b, bo, status.RawStatus, status.FilledPrice, status.Reason)
			if bo.Status != before {
				updated++
			}
		}

		b.UpdatedAt = time.Now().UTC()
		bview = view(b)
		return s.store.SaveBroker(ctx, userID, b)
	})
	if err != nil {
		writeError(w, "broker sync failed", http.StatusInternalServerError)
		return
	}
	if notConn {
		writeError(w, "sandbox broker is not connected", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"provider": provider,
		"synced":   synced,
		"updated":  updated,
		"broker":   bview,
	})
}

// WebhookSecretHeader authenticates push reconciliation callbacks.
const WebhookSecretHeader = "X-Broker-Webhook-Secret"

// webhookPayload is the push-reconciliation body.
type webhookPayload struct {
	ProviderOrderID string           `json:"provider_order_id"`
	BrokerOrderID   string           `json:"broker_order_id"`
	Status          string           `json:"status"`
	FilledPrice     *decimal.Decimal `json:"filled_price,omitempty"`
	Reason          string           `json:"reason,omitempty"`
}

// HandleWebhook handles POST /api/v1/broker/sandbox/webhook/{provider}.
//
// The matching broker order is searched across all users — the provider
// order id does not say which account owns it. Authentication is a
// shared-secret header; a bad secret touches no state. Idempotent
// against repeated delivery of the same terminal status.
func (s *Service) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret == "" {
		writeError(w, "webhook secret is not configured", http.StatusBadRequest)
		return
	}
	if r.Header.Get(WebhookSecretHeader) != s.cfg.WebhookSecret {
		writeError(w, "invalid webhook secret", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if payload.Status == "" || (payload.ProviderOrderID == "" && payload.BrokerOrderID == "") {
		writeError(w, "status and provider_order_id or broker_order_id are required", http.StatusBadRequest)
		return
	}

	provider := NormalizeProvider(chi.URLParam(r, "provider"))
	ctx := r.Context()

	users, err := s.store.ListBrokerUsers(ctx)
	if err != nil {
		writeError(w, "broker webhook handling failed", http.StatusInternalServerError)
		return
	}

	filledPrice := decimal.Zero
	if payload.FilledPrice != nil {
		filledPrice = *payload.FilledPrice
	}

	updates := 0
	for _, userID := range users {
		err := s.engine.WithLedger(ctx, userID, func(l *model.Ledger) error {
			b, err := s.loadBroker(ctx, userID)
			if err != nil {
				return err
			}

			var bo *model.BrokerOrder
			if payload.ProviderOrderID != "" {
				bo = b.FindByProviderOrderID(payload.ProviderOrderID)
			}
			if bo == nil && payload.BrokerOrderID != "" {
				bo = b.FindByID(payload.BrokerOrderID)
			}
			if bo == nil || NormalizeProvider(bo.Provider) != provider {
				return nil
			}

			applyProviderUpdate(l, b, bo, payload.Status, filledPrice, payload.Reason)
			updates++
			metrics.WebhookUpdates.WithLabelValues(provider).Inc()
			b.UpdatedAt = time.Now().UTC()
			return s.store.SaveBroker(ctx, userID, b)
		})
		if err != nil {
			slog.Error("webhook apply failed", "user", userID, "err", err)
		}
	}

	slog.Info("broker webhook processed", "provider", provider, "updates", updates)
	writeJSON(w, map[string]any{"ok": true, "provider": provider, "updates": updates})
}

// writeJSON writes a 200 JSON response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
