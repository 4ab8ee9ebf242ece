// Package broker maps paper orders onto pluggable sandbox execution
// providers and reconciles their asynchronous fill lifecycle back into
// the ledger.
//
// Three provider identities exist: the local paper-broker simulation and
// two external sandbox APIs with distinct credential models, symbol
// syntaxes, and status vocabularies.
package broker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/quantdesk/paper-engine/internal/model"
	"github.com/quantdesk/paper-engine/internal/symbol"
)

var (
	// ErrSymbolUnsupported is returned when a provider cannot trade the
	// symbol's market type or syntax. Raised before any external call.
	ErrSymbolUnsupported = errors.New("broker: symbol unsupported by provider")

	// ErrCredentialsMissing blocks connect/execute when the provider's
	// credentials are not configured.
	ErrCredentialsMissing = errors.New("broker: provider credentials missing")

	// ErrNotConnected is returned for execute/preview/sync without a
	// connected sandbox broker.
	ErrNotConnected = errors.New("broker: sandbox broker is not connected")
)

// Config carries provider credentials and endpoints, read from the
// environment at startup.
type Config struct {
	AlpacaKey     string
	AlpacaSecret  string
	AlpacaBaseURL string

	OandaToken     string
	OandaAccountID string
	OandaBaseURL   string

	WebhookSecret string
}

// CredentialStatus reports whether a provider's credentials are present
// and which variable names are missing. The capability table is static —
// no per-request secrets.
type CredentialStatus struct {
	OK      bool     `json:"ok"`
	Missing []string `json:"missing"`
}

// Credentials returns the credential status for a provider. The local
// paper-broker needs none.
func (c Config) Credentials(provider string) CredentialStatus {
	switch provider {
	case model.ProviderAlpaca:
		var missing []string
		if c.AlpacaKey == "" {
			missing = append(missing, "ALPACA_SANDBOX_KEY")
		}
		if c.AlpacaSecret == "" {
			missing = append(missing, "ALPACA_SANDBOX_SECRET")
		}
		return CredentialStatus{OK: len(missing) == 0, Missing: missing}
	case model.ProviderOanda:
		var missing []string
		if c.OandaToken == "" {
			missing = append(missing, "OANDA_SANDBOX_TOKEN")
		}
		return CredentialStatus{OK: len(missing) == 0, Missing: missing}
	default:
		return CredentialStatus{OK: true}
	}
}

// NormalizeProvider folds an arbitrary provider string onto a known
// identity, defaulting to the local paper-broker.
func NormalizeProvider(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case model.ProviderAlpaca:
		return model.ProviderAlpaca
	case model.ProviderOanda:
		return model.ProviderOanda
	default:
		return model.ProviderPaper
	}
}

var (
	cryptoQuotePair = regexp.MustCompile(`^([A-Z0-9]+)(USDT|USDC|BUSD|USD)$`)
	sixLetterPair   = regexp.MustCompile(`^[A-Z]{6}$`)
)

// MapSymbol translates an internal symbol into the provider's own
// syntax. Each external provider accepts only a subset of market types;
// mapping failure fails the order before any external call.
func MapSymbol(sym, provider string) (string, error) {
	info := symbol.Resolve(sym)

	switch provider {
	case model.ProviderAlpaca:
		switch info.MarketType {
		case symbol.MarketStock:
			if info.SymbolOnly != "" {
				return info.SymbolOnly, nil
			}
			return info.APISymbol, nil
		case symbol.MarketCrypto:
			pair := info.SymbolOnly
			if pair == "" {
				pair = info.APISymbol
			}
			pair = strings.ReplaceAll(pair, "/", "")
			m := cryptoQuotePair.FindStringSubmatch(pair)
			if m == nil {
				return "", fmt.Errorf("%w: unsupported crypto pair %q for alpaca-sandbox", ErrSymbolUnsupported, pair)
			}
			return m[1] + "/USD", nil
		default:
			return "", fmt.Errorf("%w: alpaca-sandbox supports stock/crypto symbols only", ErrSymbolUnsupported)
		}

	case model.ProviderOanda:
		if info.MarketType != symbol.MarketForex {
			return "", fmt.Errorf("%w: oanda-sandbox supports forex pairs only", ErrSymbolUnsupported)
		}
		pair := strings.ReplaceAll(info.SymbolOnly, "/", "")
		if !sixLetterPair.MatchString(pair) {
			return "", fmt.Errorf("%w: invalid forex symbol %q for oanda-sandbox", ErrSymbolUnsupported, pair)
		}
		return pair[:3] + "_" + pair[3:], nil

	default:
		return sym, nil
	}
}

// statusTable translates raw provider statuses into the internal closed
// vocabulary. Unknown statuses stay pending — the system never guesses
// an outcome.
var statusTable = map[string]string{
	"filled":           model.BrokerFilled,
	"fill":             model.BrokerFilled,
	"done_for_day":     model.BrokerFilled,
	"partially_filled": model.BrokerPartial,
	"partial_fill":     model.BrokerPartial,
	"canceled":         model.BrokerCanceled,
	"cancelled":        model.BrokerCanceled,
	"expired":          model.BrokerCanceled,
	"done":             model.BrokerCanceled,
	"rejected":         model.BrokerRejected,
	"accepted":         model.BrokerPending,
	"new":              model.BrokerPending,
	"pending_new":      model.BrokerPending,
	"pending":          model.BrokerPending,
	"open":             model.BrokerPending,
}

// TranslateStatus maps a raw provider status onto the internal vocabulary.
func TranslateStatus(raw string) string {
	if s, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return model.BrokerPending
}
