package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earnpool/pool-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestSelectPairs(t *testing.T) {
	tickers := []model.Ticker{
		{Symbol: "BTCUSDT", Price: d(60000)},
		{Symbol: "ETHBTC", Price: d(0.05)},
		{Symbol: "DEADUSDT", Price: decimal.Zero},
		{Symbol: "ETHUSDT", Price: d(3000)},
		{Symbol: "BTCFDUSD", Price: d(60010)},
		{Symbol: "SOLUSDT", Price: d(150)},
	}

	got := SelectPairs(tickers, "USDT", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, "ETHUSDT", got[1].Symbol)

	all := SelectPairs(tickers, "USDT", 0)
	assert.Len(t, all, 3)

	assert.Empty(t, SelectPairs(nil, "USDT", 10))
	assert.Empty(t, SelectPairs(tickers, "EUR", 10))
}

func TestSelectPairs_UnlistedQuote(t *testing.T) {
	tickers := []model.Ticker{
		{Symbol: "BTCUSDT", Price: d(60000)},
		{Symbol: "BTCJPY", Price: d(9000000)},
		{Symbol: "ETHJPY", Price: d(450000)},
	}

	got := SelectPairs(tickers, "JPY", 10)
	require.Len(t, got, 2)
	assert.Equal(t, "BTCJPY", got[0].Symbol)
	assert.Equal(t, "ETHJPY", got[1].Symbol)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *BinancePriceSource {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	client := NewBinanceClient("key", "secret", false)
	client.BaseURL = srv.URL
	return NewBinancePriceSource(client, nil, nil)
}

func TestBinancePriceSource_Prices(t *testing.T) {
	src := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","price":"60000.10000000"},
			{"symbol":"BADUSDT","price":"n/a"},
			{"symbol":"ETHUSDT","price":"3000.00000000"}
		]`))
	})

	tickers, err := src.Prices(context.Background())
	require.NoError(t, err)
	require.Len(t, tickers, 2)
	assert.Equal(t, "BTCUSDT", tickers[0].Symbol)
	assert.True(t, tickers[0].Price.Equal(d(60000.1)))
	assert.Equal(t, "ETHUSDT", tickers[1].Symbol)
}

func TestBinancePriceSource_Error(t *testing.T) {
	src := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":-1000,"msg":"boom"}`))
	})

	_, err := src.Prices(context.Background())
	assert.Error(t, err)
}

func TestBinanceExchange_MarketBuy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "BTCUSDT", r.Form.Get("symbol"))
		assert.Equal(t, "BUY", r.Form.Get("side"))
		assert.Equal(t, "MARKET", r.Form.Get("type"))
		assert.Equal(t, "0.00166666", r.Form.Get("quantity"))
		assert.Equal(t, "trade-1", r.Form.Get("newClientOrderId"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"trade-1",
			"executedQty":"0.00166666","cummulativeQuoteQty":"99.9996","status":"FILLED"}`))
	}))
	defer srv.Close()

	client := NewBinanceClient("key", "secret", false)
	client.BaseURL = srv.URL
	ex := NewBinanceExchange(client, NewLimiter(10))

	qty := d(100).Div(d(60000))
	receipt, err := ex.MarketBuy(context.Background(), "BTCUSDT", qty, "trade-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), receipt.OrderID)
	assert.Equal(t, "trade-1", receipt.ClientOrderID)
	assert.True(t, receipt.ExecutedQty.Equal(d(0.00166666)))
	assert.True(t, receipt.QuoteQty.Equal(d(99.9996)))
}

func TestBinanceExchange_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	}))
	defer srv.Close()

	client := NewBinanceClient("key", "secret", false)
	client.BaseURL = srv.URL
	ex := NewBinanceExchange(client, nil)

	_, err := ex.MarketBuy(context.Background(), "BTCUSDT", d(1), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestBinanceExchange_InvalidQuantity(t *testing.T) {
	ex := NewBinanceExchange(NewBinanceClient("", "", false), nil)

	_, err := ex.MarketBuy(context.Background(), "BTCUSDT", d(0.000000001), "")
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestNewLimiter(t *testing.T) {
	assert.NoError(t, NewLimiter(0).Wait(context.Background()))
	assert.Equal(t, 5, NewLimiter(5).Burst())
}
