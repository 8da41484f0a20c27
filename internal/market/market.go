// Package market supplies prices and market orders for the trade cycle.
package market

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/model"
	"github.com/earnpool/pool-engine/internal/pair"
)

var (
	// ErrInvalidQuantity is returned for an order quantity <= 0.
	ErrInvalidQuantity = errors.New("market: order quantity must be positive")
)

// PriceSource returns the last price of every listed symbol, in the
// exchange's listing order.
type PriceSource interface {
	Prices(ctx context.Context) ([]model.Ticker, error)
}

// Exchange places market orders.
type Exchange interface {
	MarketBuy(ctx context.Context, symbol string, quantity decimal.Decimal, clientOrderID string) (*model.OrderReceipt, error)
}

// SelectPairs keeps tickers quoted in quote with a positive price, in
// input order, up to topN. topN <= 0 means no limit.
func SelectPairs(tickers []model.Ticker, quote string, topN int) []model.Ticker {
	var out []model.Ticker
	for _, t := range tickers {
		if topN > 0 && len(out) == topN {
			break
		}
		if !t.Price.IsPositive() || !pair.HasQuote(t.Symbol, quote) {
			continue
		}
		out = append(out, t)
	}
	return out
}
