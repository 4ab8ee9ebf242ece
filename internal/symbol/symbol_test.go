package symbol_test

import (
	"testing"

	"github.com/quantdesk/paper-engine/internal/symbol"
)

func TestResolve_ExchangePrefixes(t *testing.T) {
	tests := []struct {
		raw        string
		marketType string
		symbolOnly string
	}{
		{"BINANCE:BTCUSDT", symbol.MarketCrypto, "BTCUSDT"},
		{"COINBASE:ETHUSD", symbol.MarketCrypto, "ETHUSD"},
		{"FX:EURUSD", symbol.MarketForex, "EURUSD"},
		{"OANDA:GBPJPY", symbol.MarketForex, "GBPJPY"},
		{"CME_MINI:ES1!", symbol.MarketFutures, "ES1!"},
		{"NYMEX:CL1!", symbol.MarketFutures, "CL1!"},
		{"OPRA:AAPL240621C00190000", symbol.MarketOptions, "AAPL240621C00190000"},
		{"NYSE:AAPL", symbol.MarketStock, "AAPL"},
		{"NASDAQ:TSLA", symbol.MarketStock, "TSLA"},
	}
	for _, tt := range tests {
		info := symbol.Resolve(tt.raw)
		if info.MarketType != tt.marketType {
			t.Errorf("Resolve(%q).MarketType = %q, want %q", tt.raw, info.MarketType, tt.marketType)
		}
		if info.SymbolOnly != tt.symbolOnly {
			t.Errorf("Resolve(%q).SymbolOnly = %q, want %q", tt.raw, info.SymbolOnly, tt.symbolOnly)
		}
	}
}

func TestResolve_NoSeparator(t *testing.T) {
	info := symbol.Resolve("aapl")
	if info.MarketType != symbol.MarketStock {
		t.Fatalf("MarketType = %q, want stock", info.MarketType)
	}
	if info.APISymbol != "AAPL" {
		t.Fatalf("APISymbol = %q, want AAPL", info.APISymbol)
	}

	// A bare OCC contract is still an option even without an exchange.
	info = symbol.Resolve("SPY240920P00450000")
	if info.MarketType != symbol.MarketOptions {
		t.Fatalf("MarketType = %q, want options", info.MarketType)
	}
}

func TestResolve_ContinuingFuturesWithoutExchange(t *testing.T) {
	info := symbol.Resolve("UNKNOWN:NQ1!")
	if info.MarketType != symbol.MarketFutures {
		t.Fatalf("MarketType = %q, want futures", info.MarketType)
	}
}

func TestResolve_Empty(t *testing.T) {
	info := symbol.Resolve("   ")
	if info.MarketType != symbol.MarketStock {
		t.Fatalf("MarketType = %q, want stock", info.MarketType)
	}
}

func TestProviderTicker(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"BINANCE:BTCUSDT", "BTC-USD"},
		{"COINBASE:ETHUSD", "ETH-USD"},
		{"KRAKEN:SOLUSDC", "SOL-USD"},
		{"FX:EURUSD", "EURUSD=X"},
		{"OANDA:GBP/JPY", "GBPJPY=X"},
		{"CME_MINI:ES1!", "ES=F"},
		{"CME_MINI:RTY1!", "RTY=F"},
		{"NYMEX:NG1!", "NG=F"},
		{"COMEX:GC1!", "GC=F"},
		{"OPRA:AAPL240621C00190000", "AAPL"},
		{"TSLA251219P00200000", "TSLA"},
		{"NYSE:AAPL", "AAPL"},
		{"MSFT", "MSFT"},
	}
	for _, tt := range tests {
		got := symbol.ProviderTicker(symbol.Resolve(tt.raw))
		if got != tt.want {
			t.Errorf("ProviderTicker(Resolve(%q)) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestProviderTicker_UnknownFuturesRootFallsThrough(t *testing.T) {
	got := symbol.ProviderTicker(symbol.Resolve("CME:XX1!"))
	if got != "XX1!" {
		t.Fatalf("got %q, want raw symbol passthrough", got)
	}
}
