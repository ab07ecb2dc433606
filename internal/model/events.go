package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event type names used in the push envelope.
const (
	EventPriceUpdate  = "price_update"
	EventPriceAlert   = "price_alert"
	EventPremiumAlert = "premium_alert"
)

// Event is one message pushed to real-time sessions.
type Event struct {
	Type   string           `json:"type"`
	Symbol string           `json:"-"`
	Kind   NotificationType `json:"-"`
	Data   any              `json:"data"`
	Time   time.Time        `json:"time"`
}

// PriceUpdate is the payload of a price_update event.
type PriceUpdate struct {
	CoinID             string          `json:"coinId"`
	KoreanName         string          `json:"koreanName"`
	EnglishName        string          `json:"englishName"`
	CurrentPrice       decimal.Decimal `json:"currentPrice"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	Exchange           string          `json:"exchange"`
	Timestamp          int64           `json:"timestamp"`
}

// PriceAlert is the payload of a price_alert event.
type PriceAlert struct {
	RuleID         int64           `json:"ruleId"`
	UserID         string          `json:"userId"`
	CoinID         string          `json:"coinId"`
	Kind           AlertKind       `json:"kind"`
	TargetPrice    decimal.Decimal `json:"targetPrice"`
	Percent        decimal.Decimal `json:"percent"`
	CurrentPrice   decimal.Decimal `json:"currentPrice"`
	ReferencePrice decimal.Decimal `json:"referencePrice"`
	Exchange       string          `json:"exchange"`
	TriggeredAt    int64           `json:"triggeredAt"`
}

// PremiumAlert is the payload of a premium_alert event.
type PremiumAlert struct {
	CoinID        string          `json:"coinId"`
	PremiumRate   decimal.Decimal `json:"premiumRate"`
	PremiumAmount decimal.Decimal `json:"premiumAmount"`
	DomesticPrice decimal.Decimal `json:"domesticPrice"`
	ForeignPrice  decimal.Decimal `json:"foreignPrice"`
	BaseExchange  string          `json:"baseExchange"`
	Timestamp     int64           `json:"timestamp"`
}

// NewPriceUpdateEvent builds the market-wide event for a merged quote.
func NewPriceUpdateEvent(q ExchangeQuote, name CoinName) Event {
	return Event{
		Type:   EventPriceUpdate,
		Symbol: q.Symbol,
		Kind:   NotifyMarketUpdate,
		Data: PriceUpdate{
			CoinID:             q.Symbol,
			KoreanName:         name.KoreanName,
			EnglishName:        name.EnglishName,
			CurrentPrice:       q.Price,
			PriceChangePercent: q.ChangeRate24h,
			Exchange:           q.Exchange,
			Timestamp:          q.Timestamp.UnixMilli(),
		},
		Time: q.Timestamp,
	}
}

// NewPremiumAlertEvent builds the broadcast event for an extreme premium.
func NewPremiumAlertEvent(r KimchiPremiumResult) Event {
	return Event{
		Type:   EventPremiumAlert,
		Symbol: r.Symbol,
		Kind:   NotifyPremiumAlert,
		Data: PremiumAlert{
			CoinID:        r.Symbol,
			PremiumRate:   r.PremiumRate,
			PremiumAmount: r.PremiumAmount,
			DomesticPrice: r.DomesticPrice,
			ForeignPrice:  r.ForeignPrice,
			BaseExchange:  r.BaseExchange,
			Timestamp:     r.CalculatedAt.UnixMilli(),
		},
		Time: r.CalculatedAt,
	}
}

// NewPriceAlertEvent builds the per-user event for a triggered rule.
func NewPriceAlertEvent(rule AlertRule, price decimal.Decimal, exchange string, at time.Time) Event {
	return Event{
		Type:   EventPriceAlert,
		Symbol: rule.Symbol,
		Kind:   NotifyPriceAlert,
		Data: PriceAlert{
			RuleID:         rule.ID,
			UserID:         rule.UserID,
			CoinID:         rule.Symbol,
			Kind:           rule.Kind,
			TargetPrice:    rule.TargetPrice,
			Percent:        rule.PercentThreshold,
			CurrentPrice:   price,
			ReferencePrice: rule.ReferencePrice,
			Exchange:       exchange,
			TriggeredAt:    at.UnixMilli(),
		},
		Time: at,
	}
}
