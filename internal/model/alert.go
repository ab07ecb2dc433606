package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertKind is the comparison an AlertRule applies.
type AlertKind string

const (
	AlertAbove       AlertKind = "ABOVE"
	AlertBelow       AlertKind = "BELOW"
	AlertPercentUp   AlertKind = "PERCENT_UP"
	AlertPercentDown AlertKind = "PERCENT_DOWN"
)

// IsPercent reports whether the rule compares against a reference price.
func (k AlertKind) IsPercent() bool {
	return k == AlertPercentUp || k == AlertPercentDown
}

// AlertStatus is the lifecycle state of an AlertRule.
type AlertStatus string

const (
	AlertPending   AlertStatus = "PENDING"
	AlertTriggered AlertStatus = "TRIGGERED"
	AlertCompleted AlertStatus = "COMPLETED"
	AlertCancelled AlertStatus = "CANCELLED"
)

// AlertRule is a user's standing price condition. Exchange is optional; when
// empty the rule is checked against the mean domestic price.
type AlertRule struct {
	ID               int64
	UserID           string
	Symbol           string
	Exchange         string
	Kind             AlertKind
	TargetPrice      decimal.Decimal
	PercentThreshold decimal.Decimal
	ReferencePrice   decimal.Decimal
	Repeat           bool
	Status           AlertStatus
	LastTriggeredAt  *time.Time
}

// NotificationType classifies events for per-user preference checks.
type NotificationType string

const (
	NotifyPriceAlert   NotificationType = "PRICE_ALERT"
	NotifyPremiumAlert NotificationType = "PREMIUM_ALERT"
	NotifyMarketUpdate NotificationType = "MARKET_UPDATE"
	NotifySystem       NotificationType = "SYSTEM"
)

// Critical types are delivered during quiet hours.
func (t NotificationType) Critical() bool {
	return t == NotifySystem
}

// NotificationPreferences is a user's delivery configuration. Quiet hours are
// minutes after midnight in Location; a start after the end wraps midnight.
type NotificationPreferences struct {
	UserID           string
	Disabled         map[NotificationType]bool
	QuietHoursOn     bool
	QuietStartMinute int
	QuietEndMinute   int
	Location         *time.Location
}

// NotificationRecord is the delivery-log entry handed to the persistence
// collaborator.
type NotificationRecord struct {
	UserID     string
	Type       NotificationType
	Symbol     string
	Payload    []byte
	Delivered  int
	Suppressed string
	CreatedAt  time.Time
}
