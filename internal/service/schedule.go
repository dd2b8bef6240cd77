package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cadencehq/cadence/internal/models"
)

// Schedule evaluation. Supported shapes are a closed set: daily/weekly/
// monthly frequencies and a restricted 5-field cron subset (numeric fields,
// "*", and "*/n" steps on minute and hour). Anything else returns
// ErrInvalidSchedule so the caller can flag the deliverable for external
// recalculation instead of guessing.

// NextRun computes the next execution time strictly after `after`,
// evaluated in the given timezone and returned in UTC.
func NextRun(spec *models.ScheduleSpec, timezone string, after time.Time) (time.Time, error) {
	if spec == nil {
		return time.Time{}, fmt.Errorf("%w: missing schedule spec", ErrInvalidSchedule)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, timezone)
	}
	local := after.In(loc)

	if spec.Expression != "" {
		return nextCron(spec.Expression, local)
	}

	switch spec.Frequency {
	case "daily":
		return nextDaily(local, spec.AtHour, spec.AtMinute), nil
	case "weekly":
		return nextWeekly(local, time.Weekday(spec.Weekday), spec.AtHour, spec.AtMinute), nil
	case "monthly":
		return nextMonthly(local, spec.DayOfMonth, spec.AtHour, spec.AtMinute)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, spec.Frequency)
	}
}

func nextDaily(after time.Time, hour, minute int) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, after.Location())
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next.UTC()
}

func nextWeekly(after time.Time, weekday time.Weekday, hour, minute int) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, after.Location())
	days := (int(weekday) - int(after.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(after) {
		next = next.AddDate(0, 0, 7)
	}
	return next.UTC()
}

func nextMonthly(after time.Time, day, hour, minute int) (time.Time, error) {
	if day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("%w: day of month %d", ErrInvalidSchedule, day)
	}
	year, month := after.Year(), after.Month()
	for i := 0; i < 13; i++ {
		next := time.Date(year, month, day, hour, minute, 0, 0, after.Location())
		// time.Date normalizes a nonexistent day into the next month;
		// skip those months entirely (e.g. day 31 in February).
		if next.Day() == day && next.After(after) {
			return next.UTC(), nil
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	return time.Time{}, fmt.Errorf("%w: day of month %d never occurs", ErrInvalidSchedule, day)
}

type cronField struct {
	any  bool
	step int // */n, minute and hour fields only
	val  int
}

func (f cronField) matches(v int) bool {
	if f.any {
		return true
	}
	if f.step > 0 {
		return v%f.step == 0
	}
	return v == f.val
}

func parseCronField(raw string, min, max int, allowStep bool) (cronField, error) {
	if raw == "*" {
		return cronField{any: true}, nil
	}
	if strings.HasPrefix(raw, "*/") && allowStep {
		n, err := strconv.Atoi(raw[2:])
		if err != nil || n <= 0 || n > max {
			return cronField{}, fmt.Errorf("%w: bad step %q", ErrInvalidSchedule, raw)
		}
		return cronField{step: n}, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return cronField{}, fmt.Errorf("%w: unsupported field %q", ErrInvalidSchedule, raw)
	}
	return cronField{val: n}, nil
}

// nextCron evaluates the restricted cron subset by scanning forward one
// minute at a time, capped at 366 days.
func nextCron(expr string, after time.Time) (time.Time, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return time.Time{}, fmt.Errorf("%w: expected 5 fields in %q", ErrInvalidSchedule, expr)
	}

	minuteF, err := parseCronField(parts[0], 0, 59, true)
	if err != nil {
		return time.Time{}, err
	}
	hourF, err := parseCronField(parts[1], 0, 23, true)
	if err != nil {
		return time.Time{}, err
	}
	domF, err := parseCronField(parts[2], 1, 31, false)
	if err != nil {
		return time.Time{}, err
	}
	monthF, err := parseCronField(parts[3], 1, 12, false)
	if err != nil {
		return time.Time{}, err
	}
	dowF, err := parseCronField(parts[4], 0, 6, false)
	if err != nil {
		return time.Time{}, err
	}

	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(1, 0, 1)
	for t.Before(limit) {
		if minuteF.matches(t.Minute()) &&
			hourF.matches(t.Hour()) &&
			domF.matches(t.Day()) &&
			monthF.matches(int(t.Month())) &&
			dowF.matches(int(t.Weekday())) {
			return t.UTC(), nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidSchedule, expr)
}
