package paper_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/model"
	"github.com/quantdesk/paper-engine/internal/paper"
	"github.com/quantdesk/paper-engine/internal/quote"
	"github.com/quantdesk/paper-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

func newEngine(t *testing.T) (*paper.Engine, *quote.Static) {
	t.Helper()
	oracle := quote.NewStatic()
	return paper.NewEngine(store.NewMemoryStore(), oracle), oracle
}

func openOrder(sym, side string, qty int64) *model.Order {
	return &model.Order{
		ID:       "ord-test-" + sym + "-" + side,
		Symbol:   sym,
		Side:     side,
		Quantity: qty,
		Type:     model.TypeMarket,
		Status:   model.StatusOpen,
	}
}

func TestFillOrder_BuyDebitsCashAndOpensPosition(t *testing.T) {
	l := model.NewLedger(d(100000))
	o := openOrder("AAPL", model.SideBuy, 10)
	l.Orders = append(l.Orders, o)

	paper.FillOrder(l, o, d(50), paper.ReasonMarketFill)

	if o.Status != model.StatusFilled {
		t.Fatalf("status = %q, want filled", o.Status)
	}
	if !l.Cash.Equal(d(99500)) {
		t.Fatalf("cash = %s, want 99500", l.Cash)
	}
	pos := l.Positions["AAPL"]
	if pos == nil {
		t.Fatal("expected AAPL position")
	}
	if !pos.Qty.Equal(d(10)) || !pos.AvgPrice.Equal(d(50)) {
		t.Fatalf("position = qty %s avg %s, want 10 @ 50", pos.Qty, pos.AvgPrice)
	}
}

func TestFillOrder_InsufficientCashRejects(t *testing.T) {
	l := model.NewLedger(d(100))
	o := openOrder("AAPL", model.SideBuy, 10)
	l.Orders = append(l.Orders, o)

	paper.FillOrder(l, o, d(50), paper.ReasonMarketFill)

	if o.Status != model.StatusRejected {
		t.Fatalf("status = %q, want rejected", o.Status)
	}
	if o.Reason != paper.ReasonInsufficientCash {
		t.Fatalf("reason = %q, want insufficient_cash", o.Reason)
	}
	if !l.Cash.Equal(d(100)) {
		t.Fatalf("cash changed on rejected order: %s", l.Cash)
	}
	if len(l.Positions) != 0 {
		t.Fatal("rejected buy must not open a position")
	}
}

func TestFillOrder_SellWithoutEnoughQuantityRejects(t *testing.T) {
	l := model.NewLedger(d(100000))
	paper.MergePosition(l, "AAPL", d(3), d(50), nil, nil)

	o := openOrder("AAPL", model.SideSell, 5)
	l.Orders = append(l.Orders, o)
	paper.FillOrder(l, o, d(55), paper.ReasonMarketFill)

	if o.Status != model.StatusRejected {
		t.Fatalf("status = %q, want rejected", o.Status)
	}
	if o.Reason != "Insufficient position quantity" {
		t.Fatalf("reason = %q", o.Reason)
	}
	if !l.Positions["AAPL"].Qty.Equal(d(3)) {
		t.Fatal("position must be untouched by rejected sell")
	}
	if len(l.ClosedTrades) != 0 {
		t.Fatal("rejected sell must not record a closed trade")
	}
}

func TestFillOrder_TerminalOrdersAreImmutable(t *testing.T) {
	l := model.NewLedger(d(100000))
	o := openOrder("AAPL", model.SideBuy, 10)
	l.Orders = append(l.Orders, o)

	paper.FillOrder(l, o, d(50), paper.ReasonMarketFill)
	cash := l.Cash

	// A second fill attempt on the terminal order is a no-op.
	paper.FillOrder(l, o, d(60), paper.ReasonLimitHit)

	if !l.Cash.Equal(cash) {
		t.Fatalf("cash moved on terminal order: %s", l.Cash)
	}
	if !o.FilledPrice.Equal(d(50)) {
		t.Fatalf("filled price rewritten: %s", o.FilledPrice)
	}
	if o.Reason != paper.ReasonMarketFill {
		t.Fatalf("reason rewritten: %q", o.Reason)
	}
}

func TestMergePosition_WeightedAverage(t *testing.T) {
	l := model.NewLedger(d(100000))
	paper.MergePosition(l, "AAPL", d(10), d(50), nil, nil)
	paper.MergePosition(l, "AAPL", d(10), d(60), nil, nil)

	pos := l.Positions["AAPL"]
	if !pos.Qty.Equal(d(20)) {
		t.Fatalf("qty = %s, want 20", pos.Qty)
	}
	if !pos.AvgPrice.Equal(d(55)) {
		t.Fatalf("avg = %s, want 55", pos.AvgPrice)
	}
}

func TestMergePosition_SplitOrderOfFillsIsEquivalent(t *testing.T) {
	a := model.NewLedger(d(100000))
	paper.MergePosition(a, "AAPL", d(30), d(50), nil, nil)

	b := model.NewLedger(d(100000))
	paper.MergePosition(b, "AAPL", d(10), d(50), nil, nil)
	paper.MergePosition(b, "AAPL", d(20), d(50), nil, nil)

	if !a.Positions["AAPL"].AvgPrice.Equal(b.Positions["AAPL"].AvgPrice) {
		t.Fatalf("avg differs: %s vs %s", a.Positions["AAPL"].AvgPrice, b.Positions["AAPL"].AvgPrice)
	}
	if !a.Positions["AAPL"].Qty.Equal(b.Positions["AAPL"].Qty) {
		t.Fatal("qty differs between single and split fills")
	}
}

func TestMergePosition_ProtectionOverwriteOnlyWhenSet(t *testing.T) {
	l := model.NewLedger(d(100000))
	paper.MergePosition(l, "AAPL", d(10), d(50), dp(45), dp(60))
	paper.MergePosition(l, "AAPL", d(10), d(52), nil, dp(70))

	pos := l.Positions["AAPL"]
	if pos.StopLoss == nil || !pos.StopLoss.Equal(d(45)) {
		t.Fatalf("stop loss = %v, want kept at 45", pos.StopLoss)
	}
	if pos.TakeProfit == nil || !pos.TakeProfit.Equal(d(70)) {
		t.Fatalf("take profit = %v, want overwritten to 70", pos.TakeProfit)
	}
}

func TestClosePositionQty_PartialAndFull(t *testing.T) {
	l := model.NewLedger(d(0))
	paper.MergePosition(l, "AAPL", d(10), d(50), nil, nil)

	realized, err := paper.ClosePositionQty(l, "AAPL", d(4), d(55), "")
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if !realized.Equal(d(20)) {
		t.Fatalf("realized = %s, want 20", realized)
	}
	if !l.Cash.Equal(d(220)) {
		t.Fatalf("cash = %s, want 220", l.Cash)
	}
	if !l.Positions["AAPL"].Qty.Equal(d(6)) {
		t.Fatalf("remaining qty = %s, want 6", l.Positions["AAPL"].Qty)
	}

	if _, err := paper.ClosePositionQty(l, "AAPL", d(6), d(40), ""); err != nil {
		t.Fatalf("full close: %v", err)
	}
	if _, ok := l.Positions["AAPL"]; ok {
		t.Fatal("fully closed position must be deleted")
	}
	if len(l.ClosedTrades) != 2 {
		t.Fatalf("closed trades = %d, want 2", len(l.ClosedTrades))
	}
	if l.ClosedTrades[0].Reason != paper.ReasonManual {
		t.Fatalf("empty reason should default to manual, got %q", l.ClosedTrades[0].Reason)
	}
}

func TestClosePositionQty_Errors(t *testing.T) {
	l := model.NewLedger(d(0))

	if _, err := paper.ClosePositionQty(l, "AAPL", d(1), d(50), ""); !errors.Is(err, paper.ErrNoPosition) {
		t.Fatalf("err = %v, want ErrNoPosition", err)
	}

	paper.MergePosition(l, "AAPL", d(3), d(50), nil, nil)
	if _, err := paper.ClosePositionQty(l, "AAPL", d(5), d(50), ""); !errors.Is(err, paper.ErrInsufficientPosition) {
		t.Fatalf("err = %v, want ErrInsufficientPosition", err)
	}
}

func TestLimitCrossed(t *testing.T) {
	buy := &model.Order{Type: model.TypeLimit, Side: model.SideBuy, LimitPrice: dp(40)}
	if paper.LimitCrossed(buy, d(42)) {
		t.Fatal("buy limit must not cross above the limit")
	}
	if !paper.LimitCrossed(buy, d(39)) {
		t.Fatal("buy limit must cross at or below the limit")
	}
	if !paper.LimitCrossed(buy, d(40)) {
		t.Fatal("buy limit must cross exactly at the limit")
	}

	sell := &model.Order{Type: model.TypeLimit, Side: model.SideSell, LimitPrice: dp(60)}
	if paper.LimitCrossed(sell, d(59)) {
		t.Fatal("sell limit must not cross below the limit")
	}
	if !paper.LimitCrossed(sell, d(60)) {
		t.Fatal("sell limit must cross at the limit")
	}

	market := &model.Order{Type: model.TypeMarket, Side: model.SideBuy}
	if paper.LimitCrossed(market, d(1)) {
		t.Fatal("market orders never limit-cross")
	}
}

func TestRunAutomation_LimitFill(t *testing.T) {
	e, oracle := newEngine(t)
	l := model.NewLedger(d(100000))

	o := openOrder("AAPL", model.SideBuy, 10)
	o.Type = model.TypeLimit
	o.LimitPrice = dp(40)
	l.Orders = append(l.Orders, o)

	oracle.SetPrice("AAPL", d(42))
	e.RunAutomation(context.Background(), l)
	if o.Status != model.StatusOpen {
		t.Fatalf("order filled above limit, status = %q", o.Status)
	}

	oracle.SetPrice("AAPL", d(39))
	e.RunAutomation(context.Background(), l)
	if o.Status != model.StatusFilled {
		t.Fatalf("status = %q, want filled at 39", o.Status)
	}
	if !o.FilledPrice.Equal(d(39)) {
		t.Fatalf("filled price = %s, want 39", o.FilledPrice)
	}
	if o.Reason != paper.ReasonLimitHit {
		t.Fatalf("reason = %q, want limit_hit", o.Reason)
	}
}

func TestRunAutomation_MarketOrdersAreNotAutoFilled(t *testing.T) {
	e, oracle := newEngine(t)
	l := model.NewLedger(d(100000))

	// An open market order waiting on an external provider must stay
	// open through automation passes.
	o := openOrder("AAPL", model.SideBuy, 10)
	l.Orders = append(l.Orders, o)

	oracle.SetPrice("AAPL", d(50))
	e.RunAutomation(context.Background(), l)

	if o.Status != model.StatusOpen {
		t.Fatalf("status = %q, want open", o.Status)
	}
}

func TestRunAutomation_StopLossTriggers(t *testing.T) {
	e, oracle := newEngine(t)
	l := model.NewLedger(d(0))
	paper.MergePosition(l, "AAPL", d(10), d(50), dp(45), nil)

	oracle.SetPrice("AAPL", d(44))
	e.RunAutomation(context.Background(), l)

	if _, ok := l.Positions["AAPL"]; ok {
		t.Fatal("stop loss must close the position")
	}
	if len(l.ClosedTrades) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(l.ClosedTrades))
	}
	ct := l.ClosedTrades[0]
	if ct.Reason != paper.ReasonStopLoss {
		t.Fatalf("reason = %q, want stop_loss", ct.Reason)
	}
	if !ct.RealizedPnL.Equal(d(-60)) {
		t.Fatalf("realized = %s, want -60", ct.RealizedPnL)
	}
	if !l.Cash.Equal(d(440)) {
		t.Fatalf("cash = %s, want 440", l.Cash)
	}
}

func TestRunAutomation_StopLossBeforeTakeProfit(t *testing.T) {
	e, oracle := newEngine(t)
	l := model.NewLedger(d(0))

	// Degenerate bracket where one price satisfies both exits: the stop
	// wins and exactly one trade is recorded.
	paper.MergePosition(l, "AAPL", d(10), d(50), dp(48), dp(46))

	oracle.SetPrice("AAPL", d(47))
	e.RunAutomation(context.Background(), l)

	if len(l.ClosedTrades) != 1 {
		t.Fatalf("closed trades = %d, want exactly 1", len(l.ClosedTrades))
	}
	if l.ClosedTrades[0].Reason != paper.ReasonStopLoss {
		t.Fatalf("reason = %q, want stop_loss", l.ClosedTrades[0].Reason)
	}
}

func TestRunAutomation_TakeProfitTriggers(t *testing.T) {
	e, oracle := newEngine(t)
	l := model.NewLedger(d(0))
	paper.MergePosition(l, "AAPL", d(10), d(50), nil, dp(60))

	oracle.SetPrice("AAPL", d(61))
	e.RunAutomation(context.Background(), l)

	if len(l.ClosedTrades) != 1 || l.ClosedTrades[0].Reason != paper.ReasonTakeProfit {
		t.Fatalf("want one take_profit close, got %+v", l.ClosedTrades)
	}
	if !l.Cash.Equal(d(610)) {
		t.Fatalf("cash = %s, want 610", l.Cash)
	}
}

func TestRunAutomation_MissingPriceSkipsSymbol(t *testing.T) {
	e, oracle := newEngine(t)
	l := model.NewLedger(d(0))
	paper.MergePosition(l, "AAPL", d(10), d(50), dp(45), nil)
	paper.MergePosition(l, "TSLA", d(5), d(200), dp(190), nil)

	// Only TSLA has a price this round; AAPL must be left untouched.
	oracle.SetPrice("TSLA", d(180))
	e.RunAutomation(context.Background(), l)

	if _, ok := l.Positions["AAPL"]; !ok {
		t.Fatal("unpriced position must survive the pass")
	}
	if _, ok := l.Positions["TSLA"]; ok {
		t.Fatal("priced stop-loss position must be closed")
	}
}

func TestWithLedger_DefaultConstruction(t *testing.T) {
	e, _ := newEngine(t)

	err := e.WithLedger(context.Background(), "fresh-user", func(l *model.Ledger) error {
		if !l.Cash.Equal(model.DefaultStartingCash) {
			t.Fatalf("cash = %s, want default starting cash", l.Cash)
		}
		if len(l.Positions) != 0 || len(l.Orders) != 0 {
			t.Fatal("fresh ledger must be empty")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLedger: %v", err)
	}

	// The default-constructed ledger is persisted after the first call.
	loaded, err := e.Store().LoadLedger(context.Background(), "fresh-user")
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if !loaded.Cash.Equal(model.DefaultStartingCash) {
		t.Fatalf("persisted cash = %s", loaded.Cash)
	}
}
