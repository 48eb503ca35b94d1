package services

import (
	"errors"
	"time"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
)

// maxBusinessDaySteps bounds the search so a malformed holiday set cannot loop forever.
const maxBusinessDaySteps = 60

// ErrNoBusinessDay is returned when no business day exists within the search bound.
var ErrNoBusinessDay = errors.New("business day: none found within search bound")

// IsBusinessDay reports whether d is a weekday that is not a holiday.
func IsBusinessDay(d civil.Date, holidays domain.HolidaySet) bool {
	return !isWeekend(d) && !holidays.Contains(d)
}

// NextBusinessDay returns the first business day strictly after d.
func NextBusinessDay(d civil.Date, holidays domain.HolidaySet) (civil.Date, error) {
	return stepBusinessDay(d, holidays, 1)
}

// PreviousBusinessDay returns the last business day strictly before d.
func PreviousBusinessDay(d civil.Date, holidays domain.HolidaySet) (civil.Date, error) {
	return stepBusinessDay(d, holidays, -1)
}

func stepBusinessDay(d civil.Date, holidays domain.HolidaySet, direction int) (civil.Date, error) {
	candidate := d
	for i := 0; i < maxBusinessDaySteps; i++ {
		candidate = candidate.AddDays(direction)
		if IsBusinessDay(candidate, holidays) {
			return candidate, nil
		}
	}
	return civil.Date{}, ErrNoBusinessDay
}

func isWeekend(d civil.Date) bool {
	switch d.In(time.UTC).Weekday() {
	case time.Saturday, time.Sunday:
		return true
	default:
		return false
	}
}
