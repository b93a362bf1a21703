package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayStart(t *testing.T) {
	b := DailyBoundary{Hour: 9, Minute: 30, Location: time.UTC}

	before := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 9, 9, 30, 0, 0, time.UTC), b.DayStart(before))

	after := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC), b.DayStart(after))
	assert.Equal(t, time.Date(2024, 5, 11, 9, 30, 0, 0, time.UTC), b.NextReset(after))

	exact := time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, exact, b.DayStart(exact))
}

func TestParseBoundary(t *testing.T) {
	b, err := ParseBoundary("00:00", "UTC")
	require.NoError(t, err)
	assert.Equal(t, 0, b.Hour)
	assert.Equal(t, time.UTC, b.Location)

	_, err = ParseBoundary("25:00", "UTC")
	assert.Error(t, err)

	_, err = ParseBoundary("noon", "UTC")
	assert.Error(t, err)

	_, err = ParseBoundary("12:00", "Mars/Olympus")
	assert.Error(t, err)
}
