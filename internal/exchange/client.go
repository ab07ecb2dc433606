package exchange

import (
	"context"

	"kimchiwatch/internal/model"
)

// Kind tags each supported exchange variant.
type Kind string

const (
	KindUpbit     Kind = "upbit"
	KindBithumb   Kind = "bithumb"
	KindCoinone   Kind = "coinone"
	KindKorbit    Kind = "korbit"
	KindBinance   Kind = "binance"
	KindKraken    Kind = "kraken"
	KindCoinGecko Kind = "coingecko"
)

// Adapter defines the standard interface for all exchange clients.
//
// FetchAll and FetchOne never fail: network, status and decode errors are
// logged and reported as no data. Malformed rows are skipped individually.
type Adapter interface {
	Name() string
	Category() model.Category
	SupportedSymbols(ctx context.Context) []string
	FetchAll(ctx context.Context) []model.ExchangeQuote
	FetchOne(ctx context.Context, symbol string) (model.ExchangeQuote, bool)
	HealthCheck(ctx context.Context) bool
}

// Namer is implemented by adapters that can list display names for symbols.
type Namer interface {
	CoinNames(ctx context.Context) map[string]model.CoinName
}
