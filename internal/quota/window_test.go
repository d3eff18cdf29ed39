package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMinuteWindowExpired(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	assert.True(t, MinuteWindowExpired(now, time.Time{}), "never started")
	assert.False(t, MinuteWindowExpired(now, now.Add(-59*time.Second)))
	assert.True(t, MinuteWindowExpired(now, now.Add(-60*time.Second)))
	assert.True(t, MinuteWindowExpired(now, now.Add(-time.Hour)))
}

func TestDailyWindowExpired(t *testing.T) {
	msk := time.FixedZone("MSK", 3*60*60)
	now := time.Date(2026, 10, 17, 0, 30, 0, 0, msk)

	assert.True(t, DailyWindowExpired(now, time.Time{}))
	assert.False(t, DailyWindowExpired(now, now.Add(-10*time.Minute)))
	assert.True(t, DailyWindowExpired(now, now.Add(-31*time.Minute)), "yesterday in local time")

	// 22:00 UTC on the 16th is already the 17th in MSK.
	last := time.Date(2026, 10, 16, 22, 0, 0, 0, time.UTC)
	assert.False(t, DailyWindowExpired(now, last))

	// Same day-of-month in a different month.
	assert.True(t, DailyWindowExpired(now, now.AddDate(0, -1, 0)))
}
