package services

import (
	"time"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
)

// WindowReason explains an order window decision.
type WindowReason string

const (
	WindowOpen          WindowReason = "open"
	WindowPastDate      WindowReason = "past_date"
	WindowWeekend       WindowReason = "weekend"
	WindowHoliday       WindowReason = "holiday"
	WindowCutoffPassed  WindowReason = "cutoff_passed"
	WindowElapsed       WindowReason = "elapsed"
	WindowNoBusinessDay WindowReason = "no_business_day"
)

// WindowDecision is the outcome of evaluating a consumption date against the order window.
type WindowDecision struct {
	Open   bool
	Reason WindowReason
	// Cutoff is set when the evaluation happened on the previous business day.
	Cutoff time.Time
}

// OrderWindow decides whether a consumption date still accepts creates, cancels and menu edits.
// Calendar days are taken in the organisation's time zone.
type OrderWindow struct {
	loc *time.Location
}

// NewOrderWindow builds an evaluator for the given zone. A nil zone means UTC.
func NewOrderWindow(loc *time.Location) OrderWindow {
	if loc == nil {
		loc = time.UTC
	}
	return OrderWindow{loc: loc}
}

// Location returns the organisation time zone.
func (w OrderWindow) Location() *time.Location {
	if w.loc == nil {
		return time.UTC
	}
	return w.loc
}

// Today returns the calendar day of now in the organisation time zone.
func (w OrderWindow) Today(now time.Time) civil.Date {
	return civil.DateOf(now.In(w.Location()))
}

// IsOpenForOrdering reports whether target may still be ordered at now.
func (w OrderWindow) IsOpenForOrdering(target civil.Date, now time.Time, holidays domain.HolidaySet, policy domain.CutoffPolicy) bool {
	return w.Evaluate(target, now, holidays, policy).Open
}

// Evaluate applies the window rules in order, stopping at the first that closes the window.
func (w OrderWindow) Evaluate(target civil.Date, now time.Time, holidays domain.HolidaySet, policy domain.CutoffPolicy) WindowDecision {
	local := now.In(w.Location())
	today := civil.DateOf(local)

	if !target.After(today) {
		return WindowDecision{Reason: WindowPastDate}
	}
	if isWeekend(target) {
		return WindowDecision{Reason: WindowWeekend}
	}
	if holidays.Contains(target) {
		return WindowDecision{Reason: WindowHoliday}
	}

	prev, err := PreviousBusinessDay(target, holidays)
	if err != nil {
		return WindowDecision{Reason: WindowNoBusinessDay}
	}

	if today == prev {
		cutoff := policy.CutoffOn(local)
		if local.After(cutoff) {
			return WindowDecision{Reason: WindowCutoffPassed, Cutoff: cutoff}
		}
		return WindowDecision{Open: true, Reason: WindowOpen, Cutoff: cutoff}
	}

	if today.After(prev) {
		return WindowDecision{Reason: WindowElapsed}
	}

	return WindowDecision{Open: true, Reason: WindowOpen}
}

// Message renders the caller-facing explanation of a closed window.
func (d WindowDecision) Message() string {
	switch d.Reason {
	case WindowOpen:
		return "the order window is open"
	case WindowPastDate:
		return "orders for today or past dates are not accepted"
	case WindowWeekend:
		return "no lunch service on weekends"
	case WindowHoliday:
		return "no lunch service on holidays"
	case WindowCutoffPassed:
		return "the cutoff time for this date has passed"
	default:
		return "the order window for this date has closed"
	}
}
