package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/identity"
	"github.com/quantdesk/paper-engine/internal/model"
	"github.com/quantdesk/paper-engine/internal/paper"
	"github.com/quantdesk/paper-engine/internal/quote"
	"github.com/quantdesk/paper-engine/internal/store"
	"github.com/quantdesk/paper-engine/internal/symbol"
)

// Fill/rejection reasons specific to broker routing.
const (
	ReasonAwaitingProvider = "awaiting_provider_fill"
	ReasonSandboxFill      = "broker_sandbox_fill"
	ReasonExternalFill     = "broker_external_fill"
	ReasonProviderFill     = "broker_provider_fill"
	ReasonProviderCanceled = "provider_canceled"
	ReasonProviderRejected = "provider_rejected"
)

// syncBatchLimit bounds how many pending orders one sync pass queries.
const syncBatchLimit = 40

// Service routes paper orders to sandbox providers and reconciles their
// asynchronous status back into the ledger. All per-user mutation runs
// under the fill engine's user lock.
type Service struct {
	engine  *paper.Engine
	store   store.Store
	oracle  quote.Oracle
	cfg     Config
	clients map[string]ExternalClient
}

// NewService creates the broker sandbox service with HTTP clients for
// the external providers built from cfg.
func NewService(engine *paper.Engine, cfg Config) *Service {
	return &Service{
		engine: engine,
		store:  engine.Store(),
		oracle: engine.Oracle(),
		cfg:    cfg,
		clients: map[string]ExternalClient{
			model.ProviderAlpaca: NewAlpacaClient(cfg.AlpacaBaseURL, cfg.AlpacaKey, cfg.AlpacaSecret),
			model.ProviderOanda:  NewOandaClient(cfg.OandaBaseURL, cfg.OandaToken, cfg.OandaAccountID),
		},
	}
}

// SetClient overrides the client for a provider. Used in tests.
func (s *Service) SetClient(provider string, c ExternalClient) {
	s.clients[provider] = c
}

// View is the client-safe projection of broker state.
type View struct {
	Connected        bool                 `json:"connected"`
	Provider         string               `json:"provider"`
	AccountID        string               `json:"account_id"`
	BuyingPower      decimal.Decimal      `json:"buying_power"`
	MaxOrderValuePct decimal.Decimal      `json:"max_order_value_pct"`
	Status           string               `json:"status"`
	UpdatedAt        time.Time            `json:"updated_at"`
	RecentOrders     []*model.BrokerOrder `json:"recent_orders"`
}

func view(b *model.BrokerState) View {
	recent := []*model.BrokerOrder{}
	history := b.OrderHistory
	if len(history) > syncBatchLimit {
		history = history[len(history)-syncBatchLimit:]
	}
	for i := len(history) - 1; i >= 0; i-- {
		recent = append(recent, history[i])
	}
	return View{
		Connected:        b.Connected,
		Provider:         b.Provider,
		AccountID:        b.AccountID,
		BuyingPower:      b.BuyingPower.Round(2),
		MaxOrderValuePct: b.MaxOrderValuePct.Round(2),
		Status:           b.Status,
		UpdatedAt:        b.UpdatedAt,
		RecentOrders:     recent,
	}
}

// loadBroker returns the user's broker state, default-constructed when
// none is stored yet.
func (s *Service) loadBroker(ctx context.Context, userID string) (*model.BrokerState, error) {
	b, err := s.store.LoadBroker(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewBrokerState(), nil
	}
	return b, err
}

// --- State and provider listing ---

// GetState handles GET /api/v1/broker/sandbox.
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := s.loadBroker(ctx, identity.UserID(ctx))
	if err != nil {
		writeError(w, "failed to load broker state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"broker":               view(b),
		"provider_credentials": s.cfg.Credentials(NormalizeProvider(b.Provider)),
	})
}

// ListProviders handles GET /api/v1/broker/sandbox/providers.
func (s *Service) ListProviders(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		ID          string           `json:"id"`
		Label       string           `json:"label"`
		Credentials CredentialStatus `json:"credentials"`
	}
	providers := []entry{
		{ID: model.ProviderPaper, Label: model.ProviderPaper, Credentials: s.cfg.Credentials(model.ProviderPaper)},
		{ID: model.ProviderAlpaca, Label: model.ProviderAlpaca, Credentials: s.cfg.Credentials(model.ProviderAlpaca)},
		{ID: model.ProviderOanda, Label: model.ProviderOanda, Credentials: s.cfg.Credentials(model.ProviderOanda)},
	}
	writeJSON(w, map[string]any{"providers": providers})
}

// --- Connect / disconnect ---

// ConnectRequest is the JSON body for POST /broker/sandbox/connect.
type ConnectRequest struct {
	Provider         string           `json:"provider"`
	AccountID        string           `json:"account_id"`
	BuyingPower      *decimal.Decimal `json:"buying_power,omitempty"`
	MaxOrderValuePct *decimal.Decimal `json:"max_order_value_pct,omitempty"`
}

// Connect handles POST /api/v1/broker/sandbox/connect. Credentials for
// the chosen provider must be configured; the local paper-broker always
// connects.
func (s *Service) Connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	provider := NormalizeProvider(req.Provider)
	cred := s.cfg.Credentials(provider)
	if !cred.OK {
		writeError(w, fmt.Sprintf("missing provider credentials: %v", cred.Missing), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID := identity.UserID(ctx)

	accountID := req.AccountID
	if accountID == "" {
		if provider == model.ProviderOanda {
			accountID = s.cfg.OandaAccountID
		}
		if accountID == "" {
			accountID = "sbx-" + userID
		}
	}
	if len(accountID) > 40 {
		accountID = accountID[:40]
	}

	var b *model.BrokerState
	err := s.engine.WithLedger(ctx, userID, func(_ *model.Ledger) error {
		var err error
		b, err = s.loadBroker(ctx, userID)
		if err != nil {
			return err
		}
		b.Connected = true
		b.Provider = provider
		b.AccountID = accountID
		b.Status = "connected"
		if req.BuyingPower != nil && req.BuyingPower.IsPositive() {
			b.BuyingPower = *req.BuyingPower
		}
		if req.MaxOrderValuePct != nil {
			pct := *req.MaxOrderValuePct
			if pct.GreaterThanOrEqual(decimal.NewFromInt(1)) && pct.LessThanOrEqual(decimal.NewFromInt(100)) {
				b.MaxOrderValuePct = pct
			}
		}
		b.UpdatedAt = time.Now().UTC()
		return s.store.SaveBroker(ctx, userID, b)
	})
	if err != nil {
		slog.Error("broker connect failed", "user", userID, "provider", provider, "err", err)
		writeError(w, "broker connect failed", http.StatusInternalServerError)
		return
	}

	slog.Info("broker connected", "user", userID, "provider", provider, "account", accountID)
	writeJSON(w, map[string]any{"broker": view(b), "provider_credentials": cred})
}

// Disconnect handles POST /api/v1/broker/sandbox/disconnect.
func (s *Service) Disconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserID(ctx)

	var b *model.BrokerState
	err := s.engine.WithLedger(ctx, userID, func(_ *model.Ledger) error {
		var err error
		b, err = s.loadBroker(ctx, userID)
		if err != nil {
			return err
		}
		b.Connected = false
		b.Status = "disconnected"
		b.UpdatedAt = time.Now().UTC()
		return s.store.SaveBroker(ctx, userID, b)
	})
	if err != nil {
		writeError(w, "broker disconnect failed", http.StatusInternalServerError)
		return
	}

	slog.Info("broker disconnected", "user", userID, "provider", b.Provider)
	writeJSON(w, map[string]any{"broker": view(b)})
}

// --- Risk preview ---

// TradeRequest is the JSON body for preview and execute.
type TradeRequest struct {
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Quantity   int64            `json:"quantity"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	Confirm    bool             `json:"confirm"`
}

// RiskCheck is one pre-trade check result.
type RiskCheck struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Preview is the advisory pre-trade risk report. It never mutates state
// and is re-validated at execution time.
type Preview struct {
	OK             bool            `json:"ok"`
	Symbol         string          `json:"symbol"`
	Provider       string          `json:"provider"`
	ProviderSymbol string          `json:"provider_symbol"`
	Side           string          `json:"side"`
	Quantity       int64           `json:"quantity"`
	MarketPrice    decimal.Decimal `json:"market_price"`
	OrderValue     decimal.Decimal `json:"order_value"`
	Checks         []RiskCheck     `json:"checks"`
}

// buildPreview validates the payload, maps the symbol, fetches the
// market price, and evaluates every applicable risk check.
func (s *Service) buildPreview(ctx context.Context, l *model.Ledger, b *model.BrokerState, req TradeRequest) (Preview, error) {
	req.Symbol = symbol.Clean(req.Symbol)
	if req.Symbol == "" || (req.Side != model.SideBuy && req.Side != model.SideSell) || req.Quantity <= 0 {
		return Preview{}, fmt.Errorf("invalid trade payload")
	}
	if !b.Connected {
		return Preview{}, ErrNotConnected
	}

	provider := NormalizeProvider(b.Provider)
	cred := s.cfg.Credentials(provider)
	if !cred.OK {
		return Preview{}, fmt.Errorf("%w: %v", ErrCredentialsMissing, cred.Missing)
	}

	mapped, err := MapSymbol(req.Symbol, provider)
	if err != nil {
		return Preview{}, err
	}

	marketPrice, err := s.oracle.LatestPrice(ctx, req.Symbol)
	if err != nil {
		return Preview{}, fmt.Errorf("could not fetch market price: %w", err)
	}

	qty := decimal.NewFromInt(req.Quantity)
	orderValue := marketPrice.Mul(qty)
	maxOrderValue := b.BuyingPower.Mul(b.MaxOrderValuePct).Div(decimal.NewFromInt(100))

	checks := []RiskCheck{{
		ID: "max_order_value",
		OK: orderValue.LessThanOrEqual(maxOrderValue),
		Message: fmt.Sprintf("Order value %s must be <= %s",
			orderValue.Round(2), maxOrderValue.Round(2)),
	}}

	if req.Side == model.SideBuy {
		checks = append(checks, RiskCheck{
			ID: "buying_power",
			OK: orderValue.LessThanOrEqual(b.BuyingPower),
			Message: fmt.Sprintf("Buying power %s vs order %s",
				b.BuyingPower.Round(2), orderValue.Round(2)),
		})
	} else {
		posQty := decimal.Zero
		if pos, ok := l.Positions[req.Symbol]; ok {
			posQty = pos.Qty
		}
		checks = append(checks, RiskCheck{
			ID: "position_qty",
			OK: posQty.GreaterThanOrEqual(qty),
			Message: fmt.Sprintf("Sell qty %d requires position >= %d (current %s)",
				req.Quantity, req.Quantity, posQty),
		})
	}

	if req.StopLoss != nil && req.TakeProfit != nil {
		ok := req.StopLoss.LessThan(marketPrice) && req.TakeProfit.GreaterThan(marketPrice)
		if req.Side == model.SideSell {
			ok = req.StopLoss.GreaterThan(marketPrice) && req.TakeProfit.LessThan(marketPrice)
		}
		checks = append(checks, RiskCheck{
			ID:      "sl_tp_logic",
			OK:      ok,
			Message: "Stop-loss / take-profit placement must bracket current price correctly",
		})
	}

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
			break
		}
	}

	return Preview{
		OK:             allOK,
		Symbol:         req.Symbol,
		Provider:       provider,
		ProviderSymbol: mapped,
		Side:           req.Side,
		Quantity:       req.Quantity,
		MarketPrice:    marketPrice.Round(6),
		OrderValue:     orderValue.Round(2),
		Checks:         checks,
	}, nil
}

// HandlePreview handles POST /api/v1/broker/sandbox/preview.
func (s *Service) HandlePreview(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	userID := identity.UserID(ctx)

	var preview Preview
	err := s.engine.WithLedger(ctx, userID, func(l *model.Ledger) error {
		b, err := s.loadBroker(ctx, userID)
		if err != nil {
			return err
		}
		preview, err = s.buildPreview(ctx, l, b, req)
		return err
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, preview)
}
