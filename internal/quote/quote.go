// Package quote fetches market prices from the external quote provider.
//
// The provider ships OHLC time-series; the latest trade price is the last
// close of a short 1-minute series. Fewer than 40 usable bars, or a series
// with no closes, is a failure — never a zero price.
package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paper-engine/internal/symbol"
)

var (
	// ErrNoData is returned when the provider has no price for a symbol.
	ErrNoData = errors.New("quote: no price data")

	// ErrInsufficientData is returned when a historical series carries
	// fewer than MinBars usable bars.
	ErrInsufficientData = errors.New("quote: insufficient historical data")
)

// MinBars is the minimum usable bar count for a series to be trusted.
const MinBars = 40

// DefaultBaseURL is the quote provider chart endpoint.
const DefaultBaseURL = "https://query1.finance.yahoo.com"

// Oracle is the price lookup contract consumed by the fill engine and
// analytics. Batch lookups degrade per symbol instead of failing whole.
type Oracle interface {
	// LatestPrice returns the last traded price for a symbol.
	LatestPrice(ctx context.Context, sym string) (decimal.Decimal, error)

	// LatestPrices fetches prices for many symbols concurrently and
	// returns a partial map — symbols whose fetch failed are absent.
	LatestPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal

	// HistoricalCloses returns the close series for a symbol at the
	// given timeframe, oldest first.
	HistoricalCloses(ctx context.Context, sym, timeframe string) ([]float64, error)
}

// timeframeConfig maps a UI timeframe to provider interval/range params.
type timeframeConfig struct {
	interval string
	rng      string
}

var timeframes = map[string]timeframeConfig{
	"1m":  {"1m", "5d"},
	"5m":  {"5m", "1mo"},
	"15m": {"15m", "1mo"},
	"1h":  {"60m", "3mo"},
	"4h":  {"60m", "6mo"},
	"1D":  {"1d", "1y"},
}

// Client is an HTTP client for the quote provider chart API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a quote client. An empty baseURL uses the default
// provider endpoint.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 12 * time.Second,
		},
	}
}

// chartResponse mirrors the provider's v8 chart payload.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
	} `json:"chart"`
}

// fetchCloses requests a chart series and returns the usable closes.
func (c *Client) fetchCloses(ctx context.Context, sym, timeframe string) ([]float64, error) {
	cfg, ok := timeframes[timeframe]
	if !ok {
		cfg = timeframes["1D"]
	}

	info := symbol.Resolve(sym)
	ticker := symbol.ProviderTicker(info)

	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&range=%s",
		c.baseURL, url.PathEscape(ticker), cfg.interval, cfg.rng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("quote: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote: fetch %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrNoData, ticker, resp.StatusCode)
	}

	var payload chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("quote: decode %s: %w", ticker, err)
	}

	if len(payload.Chart.Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, ticker)
	}
	result := payload.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, ticker)
	}

	var closes []float64
	for _, c := range result.Indicators.Quote[0].Close {
		if c != nil && *c > 0 {
			closes = append(closes, *c)
		}
	}

	if len(closes) < MinBars {
		return nil, fmt.Errorf("%w: %s has %d bars", ErrInsufficientData, ticker, len(closes))
	}
	return closes, nil
}

// LatestPrice returns the last close of a short 1-minute series.
func (c *Client) LatestPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	closes, err := c.fetchCloses(ctx, sym, "1m")
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(closes[len(closes)-1]), nil
}

// HistoricalCloses returns the close series for a symbol, oldest first.
func (c *Client) HistoricalCloses(ctx context.Context, sym, timeframe string) ([]float64, error) {
	return c.fetchCloses(ctx, sym, timeframe)
}

// LatestPrices fans out one fetch per symbol and rejoins into a partial
// map. A failed symbol is simply absent; the batch never aborts.
func (c *Client) LatestPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	return FanOut(ctx, c, symbols)
}

// FanOut runs concurrent LatestPrice lookups against any Oracle-like
// single-price fetcher and collects the successes.
func FanOut(ctx context.Context, o interface {
	LatestPrice(ctx context.Context, sym string) (decimal.Decimal, error)
}, symbols []string) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(symbols))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range dedupe(symbols) {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			px, err := o.LatestPrice(ctx, sym)
			if err != nil {
				return
			}
			mu.Lock()
			prices[sym] = px
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	return prices
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	var out []string
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
