package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category separates Korean won markets from overseas markets.
type Category string

const (
	Domestic Category = "DOMESTIC"
	Foreign  Category = "FOREIGN"
)

// Currency is the quote currency of an ExchangeQuote price.
type Currency string

const (
	KRW Currency = "KRW"
	USD Currency = "USD"
)

// TradingStatus reports whether the exchange currently allows trading.
type TradingStatus string

const (
	StatusTrading TradingStatus = "TRADING"
	StatusHalted  TradingStatus = "HALTED"
	StatusUnknown TradingStatus = "UNKNOWN"
)

// MarketWarning is the exchange-assigned investment warning level.
type MarketWarning string

const (
	WarningNone    MarketWarning = "NONE"
	WarningCaution MarketWarning = "CAUTION"
)

// ExchangeQuote is one exchange's snapshot for one symbol. A newer quote for
// the same (symbol, exchange) replaces it; quotes are never modified.
type ExchangeQuote struct {
	Symbol         string
	Exchange       string
	Category       Category
	Currency       Currency
	Price          decimal.Decimal
	High24h        decimal.Decimal
	Low24h         decimal.Decimal
	Volume24h      decimal.Decimal
	QuoteVolume24h decimal.Decimal
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	ChangeRate24h  decimal.Decimal // percent
	Spread         decimal.Decimal
	SpreadRate     decimal.Decimal // percent of Price
	Status         TradingStatus
	Warning        MarketWarning
	Reliability    int
	Latency        time.Duration
	Timestamp      time.Time
}

// PricePoint names the exchange that reported a price.
type PricePoint struct {
	Exchange string          `json:"exchange"`
	Price    decimal.Decimal `json:"price"`
}

// ComparisonResult holds cross-exchange statistics for one symbol. All prices
// are in KRW.
type ComparisonResult struct {
	Symbol            string          `json:"symbol"`
	Quotes            []PricePoint    `json:"quotes"`
	Sources           []ExchangeQuote `json:"sources"` // same order as Quotes, in native currency
	DomesticCount     int             `json:"domesticCount"`
	ForeignCount      int             `json:"foreignCount"`
	Highest           PricePoint      `json:"highest"`
	Lowest            PricePoint      `json:"lowest"`
	Mean              decimal.Decimal `json:"mean"`
	Median            decimal.Decimal `json:"median"`
	StdDev            decimal.Decimal `json:"stdDev"`
	MaxDifference     decimal.Decimal `json:"maxDifference"`
	MaxDifferenceRate decimal.Decimal `json:"maxDifferenceRate"`
	USDKRW            decimal.Decimal `json:"usdKrw"`
	Reliability       int             `json:"reliability"`
	CalculatedAt      time.Time       `json:"calculatedAt"`
}

// KimchiPremiumResult compares the domestic KRW price with a foreign price
// converted to KRW.
type KimchiPremiumResult struct {
	Symbol          string                     `json:"symbol"`
	DomesticPrices  map[string]decimal.Decimal `json:"domesticPrices"`
	ForeignPrices   map[string]decimal.Decimal `json:"foreignPrices"`
	DomesticPrice   decimal.Decimal            `json:"domesticPrice"`
	ForeignPrice    decimal.Decimal            `json:"foreignPrice"`
	PremiumRate     decimal.Decimal            `json:"premiumRate"`
	PremiumAmount   decimal.Decimal            `json:"premiumAmount"`
	BaseExchange    string                     `json:"baseExchange"`
	HighestDomestic PricePoint                 `json:"highestDomestic"`
	LowestDomestic  PricePoint                 `json:"lowestDomestic"`
	USDKRW          decimal.Decimal            `json:"usdKrw"`
	CalculatedAt    time.Time                  `json:"calculatedAt"`
}

// CoinName carries display names for a symbol.
type CoinName struct {
	Symbol      string
	KoreanName  string
	EnglishName string
}
