package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/model"
)

// Default sandbox endpoints.
const (
	AlpacaPaperURL    = "https://paper-api.alpaca.markets"
	OandaPracticeURL  = "https://api-fxpractice.oanda.com"
	externalCallLimit = 12 * time.Second
)

// Placement is the result of placing an order with a provider.
type Placement struct {
	ProviderOrderID string
	RawStatus       string
}

// OrderStatus is a provider's view of a previously placed order.
type OrderStatus struct {
	RawStatus   string
	FilledPrice decimal.Decimal // zero when the provider reported none
	Reason      string
}

// ExternalClient is the contract for one external sandbox provider.
// The symbol passed in is already provider-mapped.
type ExternalClient interface {
	PlaceOrder(ctx context.Context, mappedSymbol, side string, qty int64) (Placement, error)
	GetOrderStatus(ctx context.Context, providerOrderID string) (OrderStatus, error)
}

// --- Alpaca paper API ---

// AlpacaClient talks to the Alpaca paper-trading REST API.
type AlpacaClient struct {
	baseURL    string
	key        string
	secret     string
	httpClient *http.Client
}

// NewAlpacaClient creates an Alpaca sandbox client. An empty baseURL
// uses the public paper endpoint.
func NewAlpacaClient(baseURL, key, secret string) *AlpacaClient {
	if baseURL == "" {
		baseURL = AlpacaPaperURL
	}
	return &AlpacaClient{
		baseURL:    baseURL,
		key:        key,
		secret:     secret,
		httpClient: &http.Client{Timeout: externalCallLimit},
	}
}

type alpacaOrder struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

func (c *AlpacaClient) PlaceOrder(ctx context.Context, mappedSymbol, side string, qty int64) (Placement, error) {
	payload := map[string]string{
		"symbol":        mappedSymbol,
		"qty":           strconv.FormatInt(qty, 10),
		"side":          side,
		"type":          "market",
		"time_in_force": "day",
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/orders", bytes.NewReader(body))
	if err != nil {
		return Placement{}, err
	}
	c.auth(req)
	req.Header.Set("Content-Type", "application/json")

	var order alpacaOrder
	if err := c.do(req, &order); err != nil {
		return Placement{}, err
	}

	status := order.Status
	if status == "" {
		status = "accepted"
	}
	return Placement{ProviderOrderID: order.ID, RawStatus: status}, nil
}

func (c *AlpacaClient) GetOrderStatus(ctx context.Context, providerOrderID string) (OrderStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v2/orders/"+url.PathEscape(providerOrderID), nil)
	if err != nil {
		return OrderStatus{}, err
	}
	c.auth(req)

	var order alpacaOrder
	if err := c.do(req, &order); err != nil {
		return OrderStatus{}, err
	}

	price := decimal.Zero
	if order.FilledAvgPrice != "" {
		if p, err := decimal.NewFromString(order.FilledAvgPrice); err == nil {
			price = p
		}
	}

	status := order.Status
	if status == "" {
		status = "unknown"
	}
	return OrderStatus{RawStatus: status, FilledPrice: price}, nil
}

func (c *AlpacaClient) auth(req *http.Request) {
	req.Header.Set("APCA-API-KEY-ID", c.key)
	req.Header.Set("APCA-API-SECRET-KEY", c.secret)
}

func (c *AlpacaClient) do(req *http.Request, v any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alpaca: %s returned %d: %s", req.URL.Path, resp.StatusCode, msg)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// --- OANDA practice API ---

// OandaClient talks to the OANDA v3 practice REST API.
type OandaClient struct {
	baseURL    string
	token      string
	accountID  string
	httpClient *http.Client
}

// NewOandaClient creates an OANDA practice client. An empty baseURL
// uses the public practice endpoint.
func NewOandaClient(baseURL, token, accountID string) *OandaClient {
	if baseURL == "" {
		baseURL = OandaPracticeURL
	}
	return &OandaClient{
		baseURL:    baseURL,
		token:      token,
		accountID:  accountID,
		httpClient: &http.Client{Timeout: externalCallLimit},
	}
}

type oandaOrderResponse struct {
	OrderCreateTransaction *struct {
		ID string `json:"id"`
	} `json:"orderCreateTransaction"`
	OrderFillTransaction *struct {
		ID    string `json:"id"`
		Price string `json:"price"`
	} `json:"orderFillTransaction"`
}

func (c *OandaClient) PlaceOrder(ctx context.Context, mappedSymbol, side string, qty int64) (Placement, error) {
	if c.accountID == "" {
		return Placement{}, fmt.Errorf("oanda: account id is required")
	}

	units := qty
	if side == model.SideSell {
		units = -qty
	}
	payload := map[string]any{
		"order": map[string]any{
			"units":        strconv.FormatInt(units, 10),
			"instrument":   mappedSymbol,
			"timeInForce":  "FOK",
			"type":         "MARKET",
			"positionFill": "DEFAULT",
		},
	}
	body, _ := json.Marshal(payload)

	u := fmt.Sprintf("%s/v3/accounts/%s/orders", c.baseURL, url.PathEscape(c.accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Placement{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Placement{}, fmt.Errorf("oanda: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Placement{}, fmt.Errorf("oanda: place order returned %d: %s", resp.StatusCode, msg)
	}

	var decoded oandaOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Placement{}, fmt.Errorf("oanda: decode: %w", err)
	}

	if decoded.OrderFillTransaction != nil {
		return Placement{ProviderOrderID: decoded.OrderFillTransaction.ID, RawStatus: "filled"}, nil
	}
	if decoded.OrderCreateTransaction != nil {
		return Placement{ProviderOrderID: decoded.OrderCreateTransaction.ID, RawStatus: "accepted"}, nil
	}
	return Placement{RawStatus: "accepted"}, nil
}

// GetOrderStatus deliberately reports the order as still accepted: the
// practice API resolves FOK market orders at placement time, and later
// state changes arrive through the webhook instead.
func (c *OandaClient) GetOrderStatus(_ context.Context, _ string) (OrderStatus, error) {
	return OrderStatus{RawStatus: "accepted", Reason: "manual_webhook_preferred"}, nil
}
