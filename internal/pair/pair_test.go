package pair

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		symbol, base, quote string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{"ETHBTC", "ETH", "BTC"},
		{"SOLFDUSD", "SOL", "FDUSD"},
		{"1000SHIBUSDT", "1000SHIB", "USDT"},
		{"bnbusdc", "BNB", "USDC"},
	}
	for _, tt := range tests {
		p, err := Parse(tt.symbol)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.symbol, err)
		}
		if p.Base != tt.base || p.Quote != tt.quote {
			t.Errorf("Parse(%q) = %s/%s, want %s/%s", tt.symbol, p.Base, p.Quote, tt.base, tt.quote)
		}
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"B",
		"BTC-USDT",
		"BTC/USDT",
		"BTC USDT",
	}
	for _, symbol := range tests {
		_, err := Parse(symbol)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Parse(%q): expected ErrInvalidSymbol, got %v", symbol, err)
		}
	}
}

func TestParse_UnknownQuote(t *testing.T) {
	for _, symbol := range []string{"ABCXYZ", "USDT"} {
		_, err := Parse(symbol)
		if !errors.Is(err, ErrUnknownQuote) {
			t.Errorf("Parse(%q): expected ErrUnknownQuote, got %v", symbol, err)
		}
	}
}

func TestHasQuote(t *testing.T) {
	if !HasQuote("BTCUSDT", "USDT") {
		t.Error("BTCUSDT should have quote USDT")
	}
	if !HasQuote("BTCUSDT", "usdt") {
		t.Error("quote match should be case-insensitive")
	}
	if HasQuote("ETHBTC", "USDT") {
		t.Error("ETHBTC should not have quote USDT")
	}
	// A plain suffix check would accept this one.
	if HasQuote("BTCFDUSD", "USD") {
		t.Error("BTCFDUSD should parse as FDUSD, not USD")
	}
	if HasQuote("not a symbol", "USDT") {
		t.Error("invalid symbol should never match")
	}
}

func TestHasQuote_UnlistedQuote(t *testing.T) {
	tests := []struct {
		symbol, quote string
		want          bool
	}{
		{"SOLJPY", "JPY", true},
		{"BTCUSDE", "USDE", true},
		{"BTCPLN", "pln", true},
		{"ETHBTC", "JPY", false},
		{"JPY", "JPY", false},
		{"BTCFDUSD", "DUSD", false},
		{"ETHBTC", "TC", false},
		{"BTCUSDT", "", false},
		{"BTCUSDT", "US-DT", false},
	}
	for _, tt := range tests {
		if got := HasQuote(tt.symbol, tt.quote); got != tt.want {
			t.Errorf("HasQuote(%q, %q) = %v, want %v", tt.symbol, tt.quote, got, tt.want)
		}
	}
}

func TestValidAsset(t *testing.T) {
	for _, asset := range []string{"USDT", "JPY", "1INCH"} {
		if !ValidAsset(asset) {
			t.Errorf("ValidAsset(%q) = false", asset)
		}
	}
	for _, asset := range []string{"", "U", "usdt", "US DT", "ABCDEFGHIJK"} {
		if ValidAsset(asset) {
			t.Errorf("ValidAsset(%q) = true", asset)
		}
	}
}
