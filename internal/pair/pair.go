// Package pair parses exchange trading-pair symbols and filters them by
// quote asset.
package pair

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Quote assets recognised when splitting a concatenated symbol such as
// BTCUSDT. Longer suffixes are tried first so FDUSD wins over USD.
var knownQuotes = []string{
	"USDT", "USDC", "FDUSD", "TUSD", "BUSD", "DAI",
	"BTC", "ETH", "BNB", "TRY", "EUR", "BRL", "USD",
}

func init() {
	sort.SliceStable(knownQuotes, func(i, j int) bool {
		return len(knownQuotes[i]) > len(knownQuotes[j])
	})
}

// symbolRegex matches an upper-case alphanumeric exchange symbol.
// Example: BTCUSDT, 1000SHIBUSDT
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

var assetRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

var (
	ErrInvalidSymbol = errors.New("pair: invalid symbol format")
	ErrUnknownQuote  = errors.New("pair: unknown quote asset")
)

// Pair is a parsed trading pair.
type Pair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// String returns the exchange symbol.
func (p Pair) String() string { return p.Symbol }

// Parse splits symbol into base and quote assets.
func Parse(symbol string) (*Pair, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(symbol) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	for _, q := range knownQuotes {
		if !strings.HasSuffix(symbol, q) {
			continue
		}
		base := strings.TrimSuffix(symbol, q)
		if base == "" {
			break
		}
		return &Pair{Symbol: symbol, Base: base, Quote: q}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, symbol)
}

// HasQuote reports whether symbol trades against the given quote asset.
// Quotes outside the recognised set match by suffix, unless a longer
// recognised quote ends the symbol (BTCFDUSD never has quote DUSD).
// Invalid symbols and quotes never match.
func HasQuote(symbol, quote string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if !symbolRegex.MatchString(symbol) || !ValidAsset(quote) {
		return false
	}
	if p, err := Parse(symbol); err == nil && strings.HasSuffix(p.Quote, quote) {
		return p.Quote == quote
	}
	return len(symbol) > len(quote) && strings.HasSuffix(symbol, quote)
}

// ValidAsset reports whether asset is an upper-case asset code such as
// USDT.
func ValidAsset(asset string) bool {
	return assetRegex.MatchString(asset)
}
