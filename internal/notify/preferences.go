package notify

import (
	"context"
	"time"

	"kimchiwatch/internal/model"
)

// Suppression reasons recorded in the notification log.
const (
	SuppressedDisabled   = "disabled"
	SuppressedQuietHours = "quiet_hours"
)

// PreferenceStore reads a user's delivery preferences. A user without stored
// preferences gets the zero value, which allows everything.
type PreferenceStore interface {
	Preferences(ctx context.Context, userID string) (model.NotificationPreferences, error)
}

// NotificationLog persists the delivery log of alert notifications.
type NotificationLog interface {
	LogNotification(ctx context.Context, rec model.NotificationRecord) error
}

// Allowed reports whether a notification of kind may be delivered at the
// given time, and the suppression reason when it may not.
func Allowed(p model.NotificationPreferences, kind model.NotificationType, at time.Time) (bool, string) {
	if p.Disabled[kind] {
		return false, SuppressedDisabled
	}
	if !kind.Critical() && InQuietHours(p, at) {
		return false, SuppressedQuietHours
	}
	return true, ""
}

// InQuietHours reports whether at falls in the quiet window, evaluated in the
// user's location. The window includes its start and excludes its end; a
// start after the end wraps past midnight. An empty window is never quiet.
func InQuietHours(p model.NotificationPreferences, at time.Time) bool {
	if !p.QuietHoursOn || p.QuietStartMinute == p.QuietEndMinute {
		return false
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	m := local.Hour()*60 + local.Minute()

	if p.QuietStartMinute < p.QuietEndMinute {
		return m >= p.QuietStartMinute && m < p.QuietEndMinute
	}
	return m >= p.QuietStartMinute || m < p.QuietEndMinute
}
