package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"kimchiwatch/internal/model"
)

func TestInQuietHours(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	at := func(h, m int) time.Time { return time.Date(2024, 5, 1, h, m, 0, 0, kst) }

	overnight := model.NotificationPreferences{QuietHoursOn: true, QuietStartMinute: 22 * 60, QuietEndMinute: 7 * 60, Location: kst}
	daytime := model.NotificationPreferences{QuietHoursOn: true, QuietStartMinute: 9 * 60, QuietEndMinute: 18 * 60, Location: kst}

	tests := []struct {
		name  string
		prefs model.NotificationPreferences
		at    time.Time
		want  bool
	}{
		{"overnight before start", overnight, at(21, 59), false},
		{"overnight at start", overnight, at(22, 0), true},
		{"overnight just before midnight", overnight, at(23, 59), true},
		{"overnight at midnight", overnight, at(0, 0), true},
		{"overnight early morning", overnight, at(6, 59), true},
		{"overnight at end", overnight, at(7, 0), false},
		{"overnight midday", overnight, at(12, 0), false},
		{"daytime inside", daytime, at(12, 0), true},
		{"daytime at end", daytime, at(18, 0), false},
		{"daytime before", daytime, at(8, 59), false},
		{"disabled", model.NotificationPreferences{QuietStartMinute: 0, QuietEndMinute: 24 * 60}, at(12, 0), false},
		{"empty window", model.NotificationPreferences{QuietHoursOn: true, QuietStartMinute: 600, QuietEndMinute: 600}, at(10, 0), false},
		// 13:30 UTC is 22:30 in Seoul
		{"evaluated in user location", overnight, time.Date(2024, 5, 1, 13, 30, 0, 0, time.UTC), true},
		{"nil location is utc", model.NotificationPreferences{QuietHoursOn: true, QuietStartMinute: 13 * 60, QuietEndMinute: 14 * 60}, time.Date(2024, 5, 1, 13, 30, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InQuietHours(tt.prefs, tt.at))
		})
	}
}

func TestAllowed(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	quiet := model.NotificationPreferences{QuietHoursOn: true, QuietStartMinute: 22 * 60, QuietEndMinute: 7 * 60, Location: kst}
	night := time.Date(2024, 5, 1, 23, 0, 0, 0, kst)

	ok, reason := Allowed(quiet, model.NotifyPriceAlert, night)
	assert.False(t, ok)
	assert.Equal(t, SuppressedQuietHours, reason)

	ok, _ = Allowed(quiet, model.NotifySystem, night)
	assert.True(t, ok, "critical notifications ignore quiet hours")

	quiet.Disabled = map[model.NotificationType]bool{model.NotifySystem: true}
	ok, reason = Allowed(quiet, model.NotifySystem, night)
	assert.False(t, ok)
	assert.Equal(t, SuppressedDisabled, reason)
}
