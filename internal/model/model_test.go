package model_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/model"
)

func TestOrderTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{model.StatusOpen, false},
		{model.StatusFilled, true},
		{model.StatusRejected, true},
		{model.StatusCanceled, true},
	}
	for _, tt := range tests {
		o := &model.Order{Status: tt.status}
		if o.Terminal() != tt.want {
			t.Errorf("Terminal(%q) = %v, want %v", tt.status, o.Terminal(), tt.want)
		}
	}
}

func TestLedgerNormalizeAfterDecode(t *testing.T) {
	// A record stored before positions existed decodes with nil maps.
	var l model.Ledger
	if err := json.Unmarshal([]byte(`{"cash":"500","orders":null}`), &l); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	l.Normalize()

	if l.Positions == nil {
		t.Fatal("positions map not initialized")
	}
	if !l.Cash.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("cash = %s", l.Cash)
	}
}

func TestOpenOrders(t *testing.T) {
	l := model.NewLedger(decimal.Zero)
	l.Orders = append(l.Orders,
		&model.Order{ID: "a", Status: model.StatusOpen},
		&model.Order{ID: "b", Status: model.StatusFilled},
		&model.Order{ID: "c", Status: model.StatusOpen},
		&model.Order{ID: "d", Status: model.StatusCanceled},
	)

	open := l.OpenOrders()
	if len(open) != 2 {
		t.Fatalf("open = %d, want 2", len(open))
	}
	if open[0].ID != "a" || open[1].ID != "c" {
		t.Fatalf("open order ids = %s, %s", open[0].ID, open[1].ID)
	}

	if l.FindOrder("b") == nil || l.FindOrder("zzz") != nil {
		t.Fatal("FindOrder lookup broken")
	}
}

func TestBrokerStateAppendOrderEviction(t *testing.T) {
	b := model.NewBrokerState()
	for i := 0; i < model.MaxBrokerOrderHistory+25; i++ {
		b.AppendOrder(&model.BrokerOrder{ID: fmt.Sprintf("sbxord-%d", i)})
	}

	if len(b.OrderHistory) != model.MaxBrokerOrderHistory {
		t.Fatalf("history = %d, want capped at %d", len(b.OrderHistory), model.MaxBrokerOrderHistory)
	}
	// Oldest entries are evicted first.
	if b.OrderHistory[0].ID != "sbxord-25" {
		t.Fatalf("head = %q, want sbxord-25", b.OrderHistory[0].ID)
	}
	last := b.OrderHistory[len(b.OrderHistory)-1]
	if last.ID != fmt.Sprintf("sbxord-%d", model.MaxBrokerOrderHistory+24) {
		t.Fatalf("tail = %q", last.ID)
	}
}

func TestBrokerStateLookups(t *testing.T) {
	b := model.NewBrokerState()
	b.AppendOrder(&model.BrokerOrder{ID: "sbxord-1", ProviderOrderID: "prov-9"})

	if got := b.FindByProviderOrderID("prov-9"); got == nil || got.ID != "sbxord-1" {
		t.Fatalf("FindByProviderOrderID = %+v", got)
	}
	if b.FindByProviderOrderID("prov-???") != nil {
		t.Fatal("unknown provider order id must return nil")
	}
	if got := b.FindByID("sbxord-1"); got == nil {
		t.Fatalf("FindByID = %+v", got)
	}
	if b.FindByID("sbxord-2") != nil {
		t.Fatal("unknown id must return nil")
	}
}
