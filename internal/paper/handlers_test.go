package paper_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/quantdesk/paper-engine/internal/identity"
	"github.com/quantdesk/paper-engine/internal/model"
	"github.com/quantdesk/paper-engine/internal/paper"
	"github.com/quantdesk/paper-engine/internal/quote"
	"github.com/quantdesk/paper-engine/internal/store"
)

// newTestEnv creates an engine over an in-memory store and a router
// with the paper routes mounted behind the identity middleware.
func newTestEnv(t *testing.T) (*paper.Engine, *quote.Static, chi.Router) {
	t.Helper()
	oracle := quote.NewStatic()
	e := paper.NewEngine(store.NewMemoryStore(), oracle)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware)
		r.Post("/api/v1/paper/orders", e.SubmitOrder)
		r.Get("/api/v1/paper/orders", e.ListOrders)
		r.Delete("/api/v1/paper/orders/{orderID}", e.CancelOrder)
		r.Get("/api/v1/paper/positions", e.ListPositions)
		r.Post("/api/v1/paper/positions/protect", e.ProtectPosition)
		r.Get("/api/v1/paper/summary", e.GetSummary)
	})
	return e, oracle, r
}

func doJSON(t *testing.T, router chi.Router, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(identity.HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeOrderResponse(t *testing.T, w *httptest.ResponseRecorder) paper.OrderResponse {
	t.Helper()
	var resp paper.OrderResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestSubmitOrder_MarketBuy(t *testing.T) {
	_, oracle, router := newTestEnv(t)
	oracle.SetPrice("AAPL", d(50))

	w := doJSON(t, router, "POST", "/api/v1/paper/orders", "user1", paper.OrderRequest{
		Symbol: "aapl", Side: model.SideBuy, Quantity: 10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	resp := decodeOrderResponse(t, w)
	if resp.Order.Status != model.StatusFilled {
		t.Fatalf("order status = %q, want filled", resp.Order.Status)
	}
	if resp.Order.Symbol != "AAPL" {
		t.Fatalf("symbol not cleaned: %q", resp.Order.Symbol)
	}
	if !resp.Order.FilledPrice.Equal(d(50)) {
		t.Fatalf("filled price = %s, want 50", resp.Order.FilledPrice)
	}
	if !resp.Summary.Cash.Equal(d(99500)) {
		t.Fatalf("cash = %s, want 99500", resp.Summary.Cash)
	}
}

func TestSubmitOrder_RequiresIdentity(t *testing.T) {
	_, oracle, router := newTestEnv(t)
	oracle.SetPrice("AAPL", d(50))

	w := doJSON(t, router, "POST", "/api/v1/paper/orders", "", paper.OrderRequest{
		Symbol: "AAPL", Side: model.SideBuy, Quantity: 1,
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestSubmitOrder_Validation(t *testing.T) {
	_, oracle, router := newTestEnv(t)
	oracle.SetPrice("AAPL", d(50))

	tests := []struct {
		name string
		req  paper.OrderRequest
	}{
		{"missing symbol", paper.OrderRequest{Side: model.SideBuy, Quantity: 1}},
		{"bad side", paper.OrderRequest{Symbol: "AAPL", Side: "hold", Quantity: 1}},
		{"zero quantity", paper.OrderRequest{Symbol: "AAPL", Side: model.SideBuy}},
		{"negative quantity", paper.OrderRequest{Symbol: "AAPL", Side: model.SideBuy, Quantity: -5}},
		{"limit without price", paper.OrderRequest{Symbol: "AAPL", Side: model.SideBuy, Quantity: 1, OrderType: model.TypeLimit}},
	}
	for _, tt := range tests {
		w := doJSON(t, router, "POST", "/api/v1/paper/orders", "user1", tt.req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, w.Code)
		}
	}
}

func TestSubmitOrder_PriceUnavailableIsHardFailure(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/paper/orders", "user1", paper.OrderRequest{
		Symbol: "GHOST", Side: model.SideBuy, Quantity: 1,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSubmitOrder_LimitLifecycle(t *testing.T) {
	_, oracle, router := newTestEnv(t)
	oracle.SetPrice("AAPL", d(42))

	w := doJSON(t, router, "POST", "/api/v1/paper/orders", "user1", paper.OrderRequest{
		Symbol: "AAPL", Side: model.SideBuy, Quantity: 10,
		OrderType: model.TypeLimit, LimitPrice: dp(40),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decodeOrderResponse(t, w)
	if resp.Order.Status != model.StatusOpen {
		t.Fatalf("limit above market should stay open, status = %q", resp.Order.Status)
	}

	// Price drops through the limit; the summary pass fills it.
	oracle.SetPrice("AAPL", d(39))
	w = doJSON(t, router, "GET", "/api/v1/paper/summary", "user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary status = %d", w.Code)
	}
	var sum paper.SummaryResponse
	if err := json.NewDecoder(w.Body).Decode(&sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if len(sum.OpenOrders) != 0 {
		t.Fatalf("open orders = %d, want 0 after fill", len(sum.OpenOrders))
	}
	if len(sum.Positions) != 1 || !sum.Positions[0].AvgPrice.Equal(d(39)) {
		t.Fatalf("positions = %+v, want one AAPL @ 39", sum.Positions)
	}
}

func TestSubmitOrder_SellMoreThanHeldRejects(t *testing.T) {
	_, oracle, router := newTestEnv(t)
	oracle.SetPrice("AAPL", d(50))

	doJSON(t, router, "POST", "/api/v1/paper/orders", "user1", paper.OrderRequest{
		Symbol: "AAPL", Side: model.SideBuy, Quantity: 3,
	})
	w := doJSON(t, router, "POST", "/api/v1/paper/orders", "user1", paper.OrderRequest{
		Symbol: "AAPL", Side: model.SideSell, Quantity: 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeOrderResponse(t, w)
	if resp.Order.Status != model.StatusRejected {
		t.Fatalf("status = %q, want rejected", resp.Order.Status)
	}
	if resp.Order.Reason != "Insufficient position quantity" {
		t.Fatalf("reason = %q", resp.Order.Reason)
	}
}

func TestCancelOrder(t *testing.T) {
	_, oracle, router := newTestEnv(t)
	oracle.SetPrice("AAPL", d(42))

	w := doJSON(t, router, "POST", "/api/v1/paper/orders", "user1", paper.OrderRequest{
		Symbol: "AAPL", Side: model.SideBuy, Quantity: 10,
		OrderType: model.TypeLimit, LimitPrice: dp(40),
	})
	resp := decodeOrderResponse(t, w)

	w = doJSON(t, router, "DELETE", "/api/v1/paper/orders/"+resp.Order.ID, "user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", w.Code, w.Body.String())
	}

	// Terminal orders cannot be canceled again.
	w = doJSON(t, router, "DELETE", "/api/v1/paper/orders/"+resp.Order.ID, "user1", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", w.Code)
	}

	w = doJSON(t, router, "DELETE", "/api/v1/paper/orders/ord-nope", "user1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing order status = %d, want 404", w.Code)
	}
}

func TestProtectPosition(t *testing.T) {
	_, oracle, router := newTestEnv(t)
	oracle.SetPrice("AAPL", d(50))

	doJSON(t, router, "POST", "/api/v1/paper/orders", "user1", paper.OrderRequest{
		Symbol: "AAPL", Side: model.SideBuy, Quantity: 10,
	})

	w := doJSON(t, router, "POST", "/api/v1/paper/positions/protect", "user1", paper.ProtectRequest{
		Symbol: "AAPL", StopLoss: dp(45), TakeProfit: dp(60),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("protect status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp map[string]*model.Position
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	pos := resp["position"]
	if pos.StopLoss == nil || !pos.StopLoss.Equal(d(45)) {
		t.Fatalf("stop loss = %v", pos.StopLoss)
	}
	if pos.TakeProfit == nil || !pos.TakeProfit.Equal(d(60)) {
		t.Fatalf("take profit = %v", pos.TakeProfit)
	}

	w = doJSON(t, router, "POST", "/api/v1/paper/positions/protect", "user1", paper.ProtectRequest{
		Symbol: "GHOST", StopLoss: dp(1),
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing position status = %d, want 404", w.Code)
	}
}

func TestLedgerIsolationBetweenUsers(t *testing.T) {
	_, oracle, router := newTestEnv(t)
	oracle.SetPrice("AAPL", d(50))

	doJSON(t, router, "POST", "/api/v1/paper/orders", "user1", paper.OrderRequest{
		Symbol: "AAPL", Side: model.SideBuy, Quantity: 10,
	})

	w := doJSON(t, router, "GET", "/api/v1/paper/positions", "user2", nil)
	var resp map[string][]*model.Position
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp["positions"]) != 0 {
		t.Fatal("user2 must not see user1's positions")
	}
}
