// Package symbol parses raw ticker strings into normalized descriptors
// and maps them to the quote provider's own ticker convention.
//
// Tickers may carry an exchange prefix ("BINANCE:BTCUSDT"); classification
// is driven by exchange-set membership first, then by pattern fallbacks for
// options contracts and continuing-futures tickers.
package symbol

import (
	"regexp"
	"strings"
)

// Market types.
const (
	MarketStock   = "stock"
	MarketCrypto  = "crypto"
	MarketForex   = "forex"
	MarketFutures = "futures"
	MarketOptions = "options"
)

var cryptoExchanges = map[string]bool{
	"BINANCE": true, "COINBASE": true, "BYBIT": true, "KRAKEN": true, "BITFINEX": true,
}

var forexExchanges = map[string]bool{
	"FX": true, "FOREX": true, "OANDA": true, "FX_IDC": true,
}

var futuresExchanges = map[string]bool{
	"CME": true, "CME_MINI": true, "CBOT": true, "CBOT_MINI": true,
	"COMEX": true, "NYMEX": true, "ICEUS": true, "NYBOT": true,
}

var optionsExchanges = map[string]bool{
	"OPRA": true, "CBOE": true, "AMEX": true, "ISE": true, "NASDAQ": true,
}

// optionPattern matches OCC-style contracts: ROOT + YYMMDD + C/P + 8-digit strike.
// Example: AAPL240621C00190000
var optionPattern = regexp.MustCompile(`^[A-Z]{1,6}\d{6}[CP]\d{8}$`)

// optionRoot extracts the underlying root from an option contract.
var optionRoot = regexp.MustCompile(`^([A-Z]{1,6})\d{6}[CP]\d{8}$`)

// cryptoPair splits a crypto pair into base and stable/fiat quote.
var cryptoPair = regexp.MustCompile(`^([A-Z0-9]+)(USDT|USDC|BUSD|USD)$`)

var forexPair = regexp.MustCompile(`^[A-Z]{6}$`)

// futuresToProvider maps continuous-futures roots to the quote provider's
// continuous-contract tickers. Table-driven so new roots are one line.
var futuresToProvider = map[string]string{
	"ES":  "ES=F",
	"NQ":  "NQ=F",
	"YM":  "YM=F",
	"RTY": "RTY=F",
	"CL":  "CL=F",
	"NG":  "NG=F",
	"GC":  "GC=F",
	"SI":  "SI=F",
	"HG":  "HG=F",
	"ZN":  "ZN=F",
	"ZB":  "ZB=F",
}

// Info is the normalized descriptor for a raw ticker.
type Info struct {
	Original   string `json:"original"`
	APISymbol  string `json:"api_symbol"`
	IsCrypto   bool   `json:"is_crypto"`
	Exchange   string `json:"exchange"`
	SymbolOnly string `json:"symbol_only"`
	MarketType string `json:"market_type"`
}

// Clean uppercases and trims a raw symbol input.
func Clean(input string) string {
	return strings.ToUpper(strings.TrimSpace(input))
}

// Resolve parses a raw ticker, possibly EXCHANGE:TICKER, into an Info.
// Explicit exchange-set membership takes priority; pattern fallbacks
// detect option contracts and trailing-"1!" continuing futures. A ticker
// without a separator is a plain stock unless it matches the option pattern.
func Resolve(raw string) Info {
	s := Clean(raw)
	if s == "" {
		return Info{MarketType: MarketStock}
	}

	if !strings.Contains(s, ":") {
		mt := MarketStock
		if optionPattern.MatchString(s) {
			mt = MarketOptions
		}
		return Info{Original: s, APISymbol: s, SymbolOnly: s, MarketType: mt}
	}

	parts := strings.SplitN(s, ":", 2)
	exchange := strings.TrimSpace(parts[0])
	symbolOnly := strings.TrimSpace(parts[1])

	isCrypto := cryptoExchanges[exchange]

	marketType := MarketStock
	switch {
	case isCrypto:
		marketType = MarketCrypto
	case forexExchanges[exchange]:
		marketType = MarketForex
	case futuresExchanges[exchange] || strings.HasSuffix(symbolOnly, "1!"):
		marketType = MarketFutures
	case optionsExchanges[exchange] && optionPattern.MatchString(symbolOnly),
		optionPattern.MatchString(symbolOnly):
		marketType = MarketOptions
	}

	apiSymbol := symbolOnly
	if isCrypto {
		apiSymbol = s
	}

	return Info{
		Original:   s,
		APISymbol:  apiSymbol,
		IsCrypto:   isCrypto,
		Exchange:   exchange,
		SymbolOnly: symbolOnly,
		MarketType: marketType,
	}
}

// ProviderTicker translates an Info into the quote provider's ticker
// convention: crypto pairs remap to BASE-USD, forex pairs get an =X
// suffix, futures roots go through the continuous-contract table, and
// option contracts collapse to their underlying root.
func ProviderTicker(info Info) string {
	switch info.MarketType {
	case MarketCrypto:
		pair := info.SymbolOnly
		if pair == "" {
			pair = info.APISymbol
		}
		if m := cryptoPair.FindStringSubmatch(pair); m != nil {
			return m[1] + "-USD"
		}
		return strings.ReplaceAll(pair, "/", "-")

	case MarketForex:
		pair := strings.ReplaceAll(info.SymbolOnly, "/", "")
		if forexPair.MatchString(pair) {
			return pair + "=X"
		}

	case MarketFutures:
		if t, ok := futuresToProvider[futuresRoot(info.SymbolOnly)]; ok {
			return t
		}

	case MarketOptions:
		if m := optionRoot.FindStringSubmatch(info.SymbolOnly); m != nil {
			return m[1]
		}
	}

	if strings.HasSuffix(info.SymbolOnly, "1!") {
		if t, ok := futuresToProvider[futuresRoot(info.SymbolOnly)]; ok {
			return t
		}
	}
	if m := optionRoot.FindStringSubmatch(info.SymbolOnly); m != nil {
		return m[1]
	}

	if info.SymbolOnly != "" {
		return info.SymbolOnly
	}
	return info.APISymbol
}

// futuresRoot strips non-letters and keeps the leading root, at most 3 chars.
func futuresRoot(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	root := b.String()
	if len(root) > 3 {
		root = root[:3]
	}
	return root
}
