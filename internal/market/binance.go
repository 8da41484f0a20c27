package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/earnpool/pool-engine/internal/metrics"
	"github.com/earnpool/pool-engine/internal/model"
)

// QuantityScale is the precision order quantities are floored to.
const QuantityScale int32 = 8

// NewBinanceClient creates a spot client. The testnet switch is global in
// the binance package and is applied before the client is built.
func NewBinanceClient(apiKey, secretKey string, testnet bool) *binance.Client {
	binance.UseTestnet = testnet
	return binance.NewClient(apiKey, secretKey)
}

// NewLimiter returns a limiter allowing perSecond requests with a burst of
// the same size. perSecond <= 0 disables limiting.
func NewLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// BinancePriceSource reads the all-symbols ticker.
type BinancePriceSource struct {
	client  *binance.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBinancePriceSource creates a price source. A nil limiter means no
// throttling.
func NewBinancePriceSource(client *binance.Client, limiter *rate.Limiter, logger *slog.Logger) *BinancePriceSource {
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BinancePriceSource{client: client, limiter: limiter, logger: logger}
}

// Prices lists every spot ticker in exchange order, dropping unparseable
// prices.
func (p *BinancePriceSource) Prices(ctx context.Context) ([]model.Ticker, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	prices, err := p.client.NewListPricesService().Do(ctx)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("prices").Inc()
		return nil, fmt.Errorf("list prices: %w", err)
	}

	tickers := make([]model.Ticker, 0, len(prices))
	for _, sp := range prices {
		price, err := decimal.NewFromString(sp.Price)
		if err != nil {
			p.logger.Warn("unparseable price", "symbol", sp.Symbol, "price", sp.Price)
			continue
		}
		tickers = append(tickers, model.Ticker{Symbol: sp.Symbol, Price: price})
	}
	return tickers, nil
}

// BinanceExchange places spot market orders.
type BinanceExchange struct {
	client  *binance.Client
	limiter *rate.Limiter
}

// NewBinanceExchange creates an exchange adapter. A nil limiter means no
// throttling.
func NewBinanceExchange(client *binance.Client, limiter *rate.Limiter) *BinanceExchange {
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	return &BinanceExchange{client: client, limiter: limiter}
}

// MarketBuy buys quantity base units of symbol at market, quantity floored
// to QuantityScale places.
func (e *BinanceExchange) MarketBuy(ctx context.Context, symbol string, quantity decimal.Decimal, clientOrderID string) (*model.OrderReceipt, error) {
	quantity = quantity.RoundFloor(QuantityScale)
	if !quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	svc := e.client.NewCreateOrderService().Symbol(symbol).
		Side(binance.SideTypeBuy).Type(binance.OrderTypeMarket).
		Quantity(quantity.String())
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues("market_buy").Inc()
		return nil, fmt.Errorf("market buy %s: %w", symbol, err)
	}

	executed, _ := decimal.NewFromString(resp.ExecutedQuantity)
	quoteQty, _ := decimal.NewFromString(resp.CummulativeQuoteQuantity)
	return &model.OrderReceipt{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		ExecutedQty:   executed,
		QuoteQty:      quoteQty,
	}, nil
}
