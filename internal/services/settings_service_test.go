package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/cache"
	"github.com/lunchdesk/api/internal/repositories/memory"
)

type capturedEvent struct {
	event  string
	fields map[string]any
}

type captureLogger struct {
	events []capturedEvent
}

func (c *captureLogger) log(_ context.Context, event string, fields map[string]any) {
	c.events = append(c.events, capturedEvent{event: event, fields: fields})
}

func (c *captureLogger) has(event string) bool {
	for _, e := range c.events {
		if e.event == event {
			return true
		}
	}
	return false
}

func newTestSettings(t *testing.T, reg *memory.Registry, logger *captureLogger) SettingsService {
	t.Helper()
	deps := SettingsServiceDeps{
		Repository: reg.Settings(),
		Cache:      cache.NewMemoryStore(),
		Location:   santoDomingo,
	}
	if logger != nil {
		deps.Logger = logger.log
	}
	svc, err := NewSettingsService(deps)
	if err != nil {
		t.Fatalf("NewSettingsService: %v", err)
	}
	return svc
}

func seedSetting(t *testing.T, reg *memory.Registry, key string, value domain.SettingValue) {
	t.Helper()
	if err := reg.Settings().Upsert(context.Background(), domain.ConfigSetting{Key: key, Value: value}); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func TestSettingsServiceResolvesCutoffFromText(t *testing.T) {
	reg := memory.NewRegistry(nil)
	seedSetting(t, reg, domain.SettingDispatchTime, domain.TextValue("15:00"))
	seedSetting(t, reg, domain.SettingCloseOffset, domain.TextValue("30"))
	seedSetting(t, reg, domain.SettingAdminEmails, domain.TextValue("Boss@Example.com; ops@example.com"))

	logger := &captureLogger{}
	svc := newTestSettings(t, reg, logger)

	settings, err := svc.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got := settings.Cutoff.Cutoff(); got != (domain.TimeOfDay{Hour: 14, Minute: 30}) {
		t.Fatalf("expected 14:30 cutoff, got %s", got)
	}
	if !settings.IsGlobalAdmin("boss@example.com") || len(settings.AdminEmails) != 2 {
		t.Fatalf("unexpected admin emails %v", settings.AdminEmails)
	}
	if logger.has("settings.cutoff_fallback") {
		t.Fatalf("did not expect a fallback log")
	}
}

func TestSettingsServiceResolvesStructuredClock(t *testing.T) {
	reg := memory.NewRegistry(nil)
	// 19:00 UTC is 15:00 in Santo Domingo.
	seedSetting(t, reg, domain.SettingDispatchTime, domain.ClockValue(time.Date(1899, time.December, 30, 19, 0, 0, 0, time.UTC)))
	seedSetting(t, reg, domain.SettingCloseOffset, domain.NumberValue(30))

	settings, err := newTestSettings(t, reg, nil).Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got := settings.Cutoff.Cutoff(); got.String() != "14:30" {
		t.Fatalf("expected 14:30, got %s", got)
	}
}

func TestSettingsServiceFallbackIsLogged(t *testing.T) {
	reg := memory.NewRegistry(nil)
	seedSetting(t, reg, domain.SettingDispatchTime, domain.TextValue("quince"))
	seedSetting(t, reg, domain.SettingCloseOffset, domain.TextValue("30"))

	logger := &captureLogger{}
	settings, err := newTestSettings(t, reg, logger).Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got := settings.Cutoff.Cutoff(); got != domain.DefaultCutoff {
		t.Fatalf("expected fallback cutoff, got %s", got)
	}
	if !logger.has("settings.cutoff_fallback") {
		t.Fatalf("expected fallback to be logged, got %+v", logger.events)
	}
}

func TestSettingsServiceSaveInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	reg := memory.NewRegistry(nil)
	seedSetting(t, reg, domain.SettingDispatchTime, domain.TextValue("15:00"))
	svc := newTestSettings(t, reg, nil)

	if _, err := svc.Current(ctx); err != nil {
		t.Fatalf("Current: %v", err)
	}

	admin := domain.Principal{User: domain.User{Email: "root@example.com"}, Role: domain.RoleGlobalAdmin}
	if _, err := svc.Save(ctx, SaveSettingCommand{Actor: admin, Key: "hora_envio", Value: domain.TextValue("12:00")}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	settings, err := svc.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if settings.Cutoff.Dispatch.String() != "12:00" {
		t.Fatalf("expected refreshed dispatch time, got %s", settings.Cutoff.Dispatch)
	}
}

func TestSettingsServiceSaveValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestSettings(t, memory.NewRegistry(nil), nil)
	admin := domain.Principal{User: domain.User{Email: "root@example.com"}, Role: domain.RoleGlobalAdmin}

	_, err := svc.Save(ctx, SaveSettingCommand{Actor: admin, Key: domain.SettingDispatchTime, Value: domain.TextValue("25:99")})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = svc.Save(ctx, SaveSettingCommand{Actor: admin, Key: domain.SettingResponsibles, Value: domain.TextValue("{not json")})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for responsibles, got %v", err)
	}

	member := domain.Principal{User: domain.User{Email: "m@example.com"}, Role: domain.RoleMember}
	_, err = svc.Save(ctx, SaveSettingCommand{Actor: member, Key: domain.SettingAppTitle, Value: domain.TextValue("x")})
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestParseResponsibles(t *testing.T) {
	got, err := parseResponsibles(`{"ops": ["A@x.com", "b@x.com"], "fin": "c@x.com; d@x.com"}`)
	if err != nil {
		t.Fatalf("parseResponsibles: %v", err)
	}
	if len(got["ops"]) != 2 || got["ops"][0] != "a@x.com" {
		t.Fatalf("unexpected ops recipients %v", got["ops"])
	}
	if len(got["fin"]) != 2 || got["fin"][1] != "d@x.com" {
		t.Fatalf("unexpected fin recipients %v", got["fin"])
	}
}
