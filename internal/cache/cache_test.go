package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"kimchiwatch/internal/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func quote(symbol, exchange, price string, ts time.Time) model.ExchangeQuote {
	return model.ExchangeQuote{
		Symbol:    symbol,
		Exchange:  exchange,
		Category:  model.Domestic,
		Currency:  model.KRW,
		Price:     decimal.RequireFromString(price),
		Status:    model.StatusTrading,
		Warning:   model.WarningNone,
		Timestamp: ts,
	}
}

func TestPriceCache_RoundTripKeepsEveryField(t *testing.T) {
	c := New(time.Minute, WithClock(func() time.Time { return t0 }))

	in := model.ExchangeQuote{
		Symbol:         "BTC",
		Exchange:       "upbit",
		Category:       model.Domestic,
		Currency:       model.KRW,
		Price:          decimal.RequireFromString("95000000.123456789012345678"),
		High24h:        decimal.RequireFromString("96000000"),
		Low24h:         decimal.RequireFromString("94000000"),
		Volume24h:      decimal.RequireFromString("1234.56789"),
		QuoteVolume24h: decimal.RequireFromString("117000000000.5"),
		Bid:            decimal.RequireFromString("94990000"),
		Ask:            decimal.RequireFromString("95010000"),
		ChangeRate24h:  decimal.RequireFromString("-1.25"),
		Spread:         decimal.RequireFromString("20000"),
		SpreadRate:     decimal.RequireFromString("0.021053"),
		Status:         model.StatusTrading,
		Warning:        model.WarningCaution,
		Reliability:    80,
		Latency:        120 * time.Millisecond,
		Timestamp:      t0.Add(-10 * time.Second),
	}
	require.Equal(t, 1, c.Merge([]model.ExchangeQuote{in}))

	got, ok := c.Get("BTC", "upbit")
	require.True(t, ok)
	assert.Equal(t, in, got.Quote)
	assert.Equal(t, "95000000.123456789012345678", got.Quote.Price.String())
	assert.Equal(t, 10*time.Second, got.Age)
	assert.False(t, got.Stale)
}

func TestPriceCache_StalenessIsDerivedAtRead(t *testing.T) {
	now := t0
	c := New(time.Minute, WithClock(func() time.Time { return now }))
	c.Merge([]model.ExchangeQuote{quote("ETH", "bithumb", "4500000", t0)})

	e, _ := c.Get("ETH", "bithumb")
	assert.False(t, e.Stale)

	now = t0.Add(2 * time.Minute)
	e, _ = c.Get("ETH", "bithumb")
	assert.True(t, e.Stale)
	assert.Equal(t, 2*time.Minute, e.Age)
	assert.Equal(t, 1, c.Len(), "stale entries are retained")
}

func TestPriceCache_MergeOverwritesByKey(t *testing.T) {
	c := New(time.Minute)
	c.Merge([]model.ExchangeQuote{
		quote("BTC", "upbit", "100", t0),
		quote("BTC", "bithumb", "101", t0),
		quote("ETH", "upbit", "10", t0),
		{Symbol: "", Exchange: "upbit"},
	})
	c.Merge([]model.ExchangeQuote{quote("BTC", "upbit", "102", t0.Add(time.Second))})

	entries := c.BySymbol("BTC")
	require.Len(t, entries, 2)
	assert.Equal(t, "bithumb", entries[0].Quote.Exchange)
	assert.Equal(t, "upbit", entries[1].Quote.Exchange)
	assert.Equal(t, "102", entries[1].Quote.Price.String())

	assert.Equal(t, []string{"BTC", "ETH"}, c.Symbols())
	assert.Len(t, c.Snapshot(), 3)
	assert.Empty(t, c.BySymbol("DOGE"))

	_, ok := c.Get("BTC", "coinone")
	assert.False(t, ok)
}

func TestPriceCache_ConcurrentMergeAndRead(t *testing.T) {
	c := New(time.Minute)
	exchanges := []string{"upbit", "bithumb", "coinone", "korbit"}

	var wg sync.WaitGroup
	for _, ex := range exchanges {
		wg.Add(1)
		go func(ex string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Merge([]model.ExchangeQuote{quote(fmt.Sprintf("S%d", i%20), ex, "1", t0)})
			}
		}(ex)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = c.BySymbol(fmt.Sprintf("S%d", i%20))
				_ = c.Symbols()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20*len(exchanges), c.Len())
}

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	args := m.Called(ctx, key, values)
	return args.Error(0)
}

func TestRedisMirror_SaveQuotes(t *testing.T) {
	client := new(MockRedisClient)
	mirror := NewRedisMirror(client)
	ctx := context.Background()

	btc := quote("BTC", "upbit", "95000000", t0)
	client.On("HSet", ctx, "quote:upbit:BTC", mock.Anything).Return(nil).Once()

	require.NoError(t, mirror.SaveQuotes(ctx, []model.ExchangeQuote{btc}))

	values := client.Calls[0].Arguments.Get(2).([]any)
	assert.Equal(t, []any{
		"price", "95000000",
		"high", "0",
		"low", "0",
		"volume", "0",
		"currency", "KRW",
		"ts", "1714564800000",
	}, values)

	// unchanged price is suppressed
	require.NoError(t, mirror.SaveQuotes(ctx, []model.ExchangeQuote{btc}))
	client.AssertNumberOfCalls(t, "HSet", 1)

	moved := quote("BTC", "upbit", "95000001", t0.Add(time.Minute))
	client.On("HSet", ctx, "quote:upbit:BTC", mock.Anything).Return(nil).Once()
	require.NoError(t, mirror.SaveQuotes(ctx, []model.ExchangeQuote{moved}))
	client.AssertNumberOfCalls(t, "HSet", 2)
}

func TestRedisMirror_FailedWriteIsRetriedNextTime(t *testing.T) {
	client := new(MockRedisClient)
	mirror := NewRedisMirror(client)
	ctx := context.Background()
	eth := quote("ETH", "bithumb", "4500000", t0)

	client.On("HSet", ctx, "quote:bithumb:ETH", mock.Anything).Return(errors.New("connection refused")).Once()
	assert.Error(t, mirror.SaveQuotes(ctx, []model.ExchangeQuote{eth}))

	client.On("HSet", ctx, "quote:bithumb:ETH", mock.Anything).Return(nil).Once()
	assert.NoError(t, mirror.SaveQuotes(ctx, []model.ExchangeQuote{eth}))
	client.AssertExpectations(t)
}
