package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/models"
)

func TestNextRunDaily(t *testing.T) {
	spec := &models.ScheduleSpec{Frequency: "daily", AtHour: 17, AtMinute: 30}

	// Before today's slot: fires today.
	next, err := NextRun(spec, "UTC", testStart)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 17, 30, 0, 0, time.UTC), next)

	// After today's slot: fires tomorrow.
	next, err = NextRun(spec, "UTC", time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 3, 17, 30, 0, 0, time.UTC), next)

	// Exactly at the slot: strictly after, so the next day.
	next, err = NextRun(spec, "UTC", time.Date(2025, 6, 2, 17, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 3, 17, 30, 0, 0, time.UTC), next)
}

func TestNextRunWeekly(t *testing.T) {
	// testStart is Monday; Wednesday 08:00 is two days out.
	spec := &models.ScheduleSpec{Frequency: "weekly", Weekday: int(time.Wednesday), AtHour: 8}
	next, err := NextRun(spec, "UTC", testStart)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 4, 8, 0, 0, 0, time.UTC), next)

	// Same weekday but the slot already passed: next week.
	spec = &models.ScheduleSpec{Frequency: "weekly", Weekday: int(time.Monday), AtHour: 8}
	next, err = NextRun(spec, "UTC", testStart)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC), next)
}

func TestNextRunMonthlySkipsShortMonths(t *testing.T) {
	// June has 30 days, so day 31 next lands on July 31.
	spec := &models.ScheduleSpec{Frequency: "monthly", DayOfMonth: 31, AtHour: 9}
	next, err := NextRun(spec, "UTC", testStart)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 31, 9, 0, 0, 0, time.UTC), next)

	spec = &models.ScheduleSpec{Frequency: "monthly", DayOfMonth: 15, AtHour: 9}
	next, err = NextRun(spec, "UTC", testStart)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC), next)
}

func TestNextRunHonorsTimezone(t *testing.T) {
	// 09:00 New York in June is 13:00 UTC (EDT).
	spec := &models.ScheduleSpec{Frequency: "daily", AtHour: 9}
	next, err := NextRun(spec, "America/New_York", testStart)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC), next)
}

func TestNextRunCronSubset(t *testing.T) {
	next, err := NextRun(&models.ScheduleSpec{Expression: "*/15 * * * *"}, "UTC", testStart)
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(15*time.Minute), next)

	// Monday 09:00 weekly; strictly after testStart means next Monday.
	next, err = NextRun(&models.ScheduleSpec{Expression: "0 9 * * 1"}, "UTC", testStart)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC), next)

	// First of the month at midnight.
	next, err = NextRun(&models.ScheduleSpec{Expression: "0 0 1 * *"}, "UTC", testStart)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestNextRunRejectsUnsupportedShapes(t *testing.T) {
	cases := []struct {
		name string
		spec *models.ScheduleSpec
		tz   string
	}{
		{"nil spec", nil, "UTC"},
		{"unknown frequency", &models.ScheduleSpec{Frequency: "hourly"}, "UTC"},
		{"bad timezone", &models.ScheduleSpec{Frequency: "daily"}, "Mars/Olympus"},
		{"range expression", &models.ScheduleSpec{Expression: "1-5 * * * *"}, "UTC"},
		{"list expression", &models.ScheduleSpec{Expression: "0 9,17 * * *"}, "UTC"},
		{"step on day of month", &models.ScheduleSpec{Expression: "0 0 */2 * *"}, "UTC"},
		{"wrong field count", &models.ScheduleSpec{Expression: "0 9 * *"}, "UTC"},
		{"day out of range", &models.ScheduleSpec{Frequency: "monthly", DayOfMonth: 32}, "UTC"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NextRun(tc.spec, tc.tz, testStart)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}
