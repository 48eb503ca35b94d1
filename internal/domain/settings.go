package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Setting keys stored in the configuration table.
const (
	SettingDispatchTime      = "HORA_ENVIO"
	SettingCloseOffset       = "MINUTOS_PREV_CIERRE"
	SettingReminderTime      = "HORA_RECORDATORIO"
	SettingAdminEmails       = "ADMIN_EMAILS"
	SettingMailSenderName    = "MAIL_SENDER_NAME"
	SettingAppTitle          = "APP_TITLE"
	SettingBackupPrefix      = "BACKUP_PREFIX"
	SettingTestEmailMode     = "TEST_EMAIL_MODE"
	SettingTestEmailDest     = "TEST_EMAIL_DEST"
	SettingResponsibles      = "RESPONSIBLES_EMAILS_JSON"
	SettingPlanWeekText      = "PLAN_WEEK_TEXT"
	SettingPlanWeekLimit     = "PLAN_WEEK_LIMIT"
	SettingActiveOrderMarker = "ACTIVE_ORDER_DATE"
)

// DefaultCutoff is applied when the dispatch time is missing or malformed.
var DefaultCutoff = TimeOfDay{Hour: 14, Minute: 30}

// TimeOfDay is a wall-clock time without date or zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (seconds are tolerated and ignored).
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	trimmed := strings.TrimSpace(raw)
	parts := strings.Split(trimmed, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: expected HH:MM", raw)
	}
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time of day %q: invalid hour", raw)
	}
	minute, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time of day %q: invalid minute", raw)
	}
	tod := TimeOfDay{Hour: hour, Minute: minute}
	if !tod.Valid() {
		return TimeOfDay{}, fmt.Errorf("time of day %q: out of range", raw)
	}
	return tod, nil
}

// Valid reports whether the hour and minute are within a day.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// String formats the value as HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minus subtracts minutes, wrapping around midnight.
func (t TimeOfDay) Minus(minutes int) TimeOfDay {
	total := (t.Hour*60 + t.Minute - minutes) % (24 * 60)
	if total < 0 {
		total += 24 * 60
	}
	return TimeOfDay{Hour: total / 60, Minute: total % 60}
}

// On returns the instant at this time of day on the calendar day of ref, in ref's location.
func (t TimeOfDay) On(ref time.Time) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, ref.Location())
}

// SettingKind discriminates the representation a configuration value arrived in.
type SettingKind string

const (
	SettingKindText   SettingKind = "text"
	SettingKindClock  SettingKind = "clock"
	SettingKindNumber SettingKind = "number"
)

// SettingValue is a configuration value in one of several representations. Structured clock
// values carry the instant they were stored as; only its wall-clock hour and minute matter.
type SettingValue struct {
	Kind   SettingKind
	Text   string
	Clock  time.Time
	Number float64
}

// TextValue wraps a plain string value.
func TextValue(s string) SettingValue {
	return SettingValue{Kind: SettingKindText, Text: s}
}

// ClockValue wraps a structured time value.
func ClockValue(t time.Time) SettingValue {
	return SettingValue{Kind: SettingKindClock, Clock: t}
}

// NumberValue wraps a numeric value.
func NumberValue(n float64) SettingValue {
	return SettingValue{Kind: SettingKindNumber, Number: n}
}

// IsZero reports whether the value is absent.
func (v SettingValue) IsZero() bool {
	switch v.Kind {
	case SettingKindClock:
		return v.Clock.IsZero()
	case SettingKindNumber:
		return false
	default:
		return strings.TrimSpace(v.Text) == ""
	}
}

// String renders the value the way it is shown to administrators.
func (v SettingValue) String() string {
	switch v.Kind {
	case SettingKindClock:
		return TimeOfDay{Hour: v.Clock.Hour(), Minute: v.Clock.Minute()}.String()
	case SettingKindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	default:
		return v.Text
	}
}

// TimeOfDay resolves the value into a wall-clock time. loc is the zone structured values are
// interpreted in.
func (v SettingValue) TimeOfDay(loc *time.Location) (TimeOfDay, error) {
	switch v.Kind {
	case SettingKindClock:
		if v.Clock.IsZero() {
			return TimeOfDay{}, fmt.Errorf("time of day: empty clock value")
		}
		clock := v.Clock
		if loc != nil {
			clock = clock.In(loc)
		}
		return TimeOfDay{Hour: clock.Hour(), Minute: clock.Minute()}, nil
	case SettingKindNumber:
		return TimeOfDay{}, fmt.Errorf("time of day: numeric value %v", v.Number)
	default:
		return ParseTimeOfDay(v.Text)
	}
}

// Int resolves the value into an integer.
func (v SettingValue) Int() (int, error) {
	switch v.Kind {
	case SettingKindNumber:
		return int(v.Number), nil
	case SettingKindClock:
		return 0, fmt.Errorf("int: clock value")
	default:
		return strconv.Atoi(strings.TrimSpace(v.Text))
	}
}

// ConfigSetting is one row of the configuration table.
type ConfigSetting struct {
	Key         string
	Value       SettingValue
	Description string
	UpdatedAt   time.Time
}

// CutoffPolicy is the canonical cutoff configuration consumed by the order window evaluator.
type CutoffPolicy struct {
	Dispatch      TimeOfDay
	OffsetMinutes int
}

// Cutoff returns the wall-clock cutoff for display in notifications. Use CutoffOn for gating.
func (p CutoffPolicy) Cutoff() TimeOfDay {
	return p.Dispatch.Minus(p.OffsetMinutes)
}

// CutoffOn returns the cutoff instant for the calendar day of ref: the dispatch time on that day
// minus the offset. Offsets larger than the dispatch time reach into earlier days.
func (p CutoffPolicy) CutoffOn(ref time.Time) time.Time {
	return p.Dispatch.On(ref).Add(-time.Duration(p.OffsetMinutes) * time.Minute)
}

// Settings is the typed view over the configuration table.
type Settings struct {
	Cutoff         CutoffPolicy
	ReminderTime   TimeOfDay
	AdminEmails    []string
	MailSenderName string
	AppTitle       string
	BackupPrefix   string
	TestEmailMode  bool
	TestEmailDest  string
	// Responsibles maps department id (or name) to report recipients.
	Responsibles  map[string][]string
	PlanWeekText  string
	PlanWeekLimit int
}

// IsGlobalAdmin reports whether email appears in the configured administrator list.
func (s Settings) IsGlobalAdmin(email string) bool {
	key := NormalizeEmail(email)
	if key == "" {
		return false
	}
	for _, admin := range s.AdminEmails {
		if NormalizeEmail(admin) == key {
			return true
		}
	}
	return false
}
