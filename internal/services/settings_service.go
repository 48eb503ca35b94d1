package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/cache"
	"github.com/lunchdesk/api/internal/repositories"
)

const settingsCacheKey = "settings:resolved:v1"

const auditActionSettingSave = "settings.save"

// SettingsServiceDeps bundles the dependencies of the settings service.
type SettingsServiceDeps struct {
	Repository repositories.SettingsRepository
	Cache      cache.Store
	// Location is the zone structured clock values are read in.
	Location *time.Location
	Audit    AuditLogService
	Clock    func() time.Time
	Logger   Logger
}

type settingsService struct {
	repo   repositories.SettingsRepository
	cache  cache.Store
	loc    *time.Location
	audit  AuditLogService
	clock  func() time.Time
	logger Logger
}

// NewSettingsService constructs a SettingsService. Resolved settings are kept in Cache until a
// write through Save invalidates them.
func NewSettingsService(deps SettingsServiceDeps) (SettingsService, error) {
	if deps.Repository == nil {
		return nil, errors.New("settings service: settings repository is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("settings service: cache is required")
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &settingsService{
		repo:   deps.Repository,
		cache:  deps.Cache,
		loc:    loc,
		audit:  deps.Audit,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

func (s *settingsService) Current(ctx context.Context) (domain.Settings, error) {
	if cached, ok, err := cache.GetJSON[domain.Settings](ctx, s.cache, settingsCacheKey); err == nil && ok {
		return cached, nil
	} else if err != nil {
		s.logger(ctx, "settings.cache_read_failed", map[string]any{"error": err.Error()})
	}

	rows, err := s.repo.List(ctx)
	if err != nil {
		return domain.Settings{}, mapRepositoryError("settings", err)
	}
	resolved := s.resolve(ctx, rows)
	if err := cache.SetJSON(ctx, s.cache, settingsCacheKey, resolved, 0); err != nil {
		s.logger(ctx, "settings.cache_write_failed", map[string]any{"error": err.Error()})
	}
	return resolved, nil
}

func (s *settingsService) List(ctx context.Context) ([]domain.ConfigSetting, error) {
	rows, err := s.repo.List(ctx)
	if err != nil {
		return nil, mapRepositoryError("settings", err)
	}
	return rows, nil
}

func (s *settingsService) Save(ctx context.Context, cmd SaveSettingCommand) (domain.ConfigSetting, error) {
	if cmd.Actor.Role != domain.RoleGlobalAdmin {
		return domain.ConfigSetting{}, authorizationError("only global administrators may change settings")
	}
	key := strings.ToUpper(strings.TrimSpace(cmd.Key))
	if key == "" {
		return domain.ConfigSetting{}, validationError("setting key is required")
	}
	if err := validateSettingValue(key, cmd.Value, s.loc); err != nil {
		return domain.ConfigSetting{}, err
	}

	var before domain.SettingValue
	existing, err := s.repo.Get(ctx, key)
	switch {
	case err == nil:
		before = existing.Value
	case !isNotFound(err):
		return domain.ConfigSetting{}, mapRepositoryError("setting", err)
	}

	setting := domain.ConfigSetting{
		Key:         key,
		Value:       cmd.Value,
		Description: strings.TrimSpace(cmd.Description),
		UpdatedAt:   s.clock(),
	}
	if setting.Description == "" {
		setting.Description = existing.Description
	}
	if err := s.repo.Upsert(ctx, setting); err != nil {
		return domain.ConfigSetting{}, mapRepositoryError("setting", err)
	}
	if err := s.cache.Delete(ctx, settingsCacheKey); err != nil {
		return domain.ConfigSetting{}, fmt.Errorf("settings: invalidate cache: %w", err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor.Email(),
			Action:    auditActionSettingSave,
			TargetRef: "settings/" + key,
			Diff:      map[string]AuditLogDiff{"value": {Before: before.String(), After: setting.Value.String()}},
		})
	}
	return setting, nil
}

func (s *settingsService) resolve(ctx context.Context, rows []domain.ConfigSetting) domain.Settings {
	values := make(map[string]domain.SettingValue, len(rows))
	for _, row := range rows {
		values[strings.ToUpper(strings.TrimSpace(row.Key))] = row.Value
	}

	out := domain.Settings{
		AdminEmails:    splitEmails(values[domain.SettingAdminEmails].String()),
		MailSenderName: strings.TrimSpace(values[domain.SettingMailSenderName].String()),
		AppTitle:       strings.TrimSpace(values[domain.SettingAppTitle].String()),
		BackupPrefix:   strings.Trim(strings.TrimSpace(values[domain.SettingBackupPrefix].String()), "/"),
		TestEmailMode:  parseBool(values[domain.SettingTestEmailMode]),
		TestEmailDest:  domain.NormalizeEmail(values[domain.SettingTestEmailDest].String()),
		PlanWeekText:   strings.TrimSpace(values[domain.SettingPlanWeekText].String()),
	}

	dispatch, err := values[domain.SettingDispatchTime].TimeOfDay(s.loc)
	offset := 0
	if err != nil {
		// Fallback cutoff is absolute, so the offset is not applied to it.
		dispatch = domain.DefaultCutoff
		s.logger(ctx, "settings.cutoff_fallback", map[string]any{
			"key":      domain.SettingDispatchTime,
			"raw":      values[domain.SettingDispatchTime].String(),
			"fallback": dispatch.String(),
			"error":    err.Error(),
		})
	} else if raw, ok := values[domain.SettingCloseOffset]; ok {
		if n, err := raw.Int(); err == nil && n >= 0 {
			offset = n
		} else {
			s.logger(ctx, "settings.offset_fallback", map[string]any{
				"key": domain.SettingCloseOffset,
				"raw": raw.String(),
			})
		}
	}
	out.Cutoff = domain.CutoffPolicy{Dispatch: dispatch, OffsetMinutes: offset}

	if reminder, err := values[domain.SettingReminderTime].TimeOfDay(s.loc); err == nil {
		out.ReminderTime = reminder
	} else {
		out.ReminderTime = domain.TimeOfDay{Hour: 13}
	}

	if limit, err := values[domain.SettingPlanWeekLimit].Int(); err == nil && limit > 0 {
		out.PlanWeekLimit = limit
	}

	if raw := strings.TrimSpace(values[domain.SettingResponsibles].String()); raw != "" {
		responsibles, err := parseResponsibles(raw)
		if err != nil {
			s.logger(ctx, "settings.responsibles_invalid", map[string]any{"error": err.Error()})
		} else {
			out.Responsibles = responsibles
		}
	}
	if out.AppTitle == "" {
		out.AppTitle = "Almuerzos"
	}
	return out
}

func validateSettingValue(key string, value domain.SettingValue, loc *time.Location) error {
	switch key {
	case domain.SettingDispatchTime, domain.SettingReminderTime:
		if _, err := value.TimeOfDay(loc); err != nil {
			return validationError("%s must be a time of day (HH:MM)", key)
		}
	case domain.SettingCloseOffset, domain.SettingPlanWeekLimit:
		if n, err := value.Int(); err != nil || n < 0 {
			return validationError("%s must be a non-negative integer", key)
		}
	case domain.SettingResponsibles:
		if _, err := parseResponsibles(value.String()); err != nil {
			return validationError("%s must be a JSON object of department to recipients", key)
		}
	case domain.SettingTestEmailDest:
		if dest := strings.TrimSpace(value.String()); dest != "" && !strings.Contains(dest, "@") {
			return validationError("%s must be an email address", key)
		}
	}
	return nil
}

// parseResponsibles decodes {"dept": ["a@x", "b@x"]} or {"dept": "a@x;b@x"}.
func parseResponsibles(raw string) (map[string][]string, error) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(decoded))
	for dept, value := range decoded {
		var emails []string
		switch v := value.(type) {
		case string:
			emails = splitEmails(v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					emails = append(emails, splitEmails(s)...)
				}
			}
		default:
			return nil, fmt.Errorf("department %q: unsupported recipients value", dept)
		}
		if len(emails) > 0 {
			out[strings.TrimSpace(dept)] = emails
		}
	}
	return out, nil
}

func splitEmails(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ',' || r == ' ' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		email := domain.NormalizeEmail(field)
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}

func parseBool(v domain.SettingValue) bool {
	if v.Kind == domain.SettingKindNumber {
		return v.Number != 0
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v.Text))
	if err != nil {
		switch strings.ToLower(strings.TrimSpace(v.Text)) {
		case "si", "sí", "yes", "on":
			return true
		}
		return false
	}
	return b
}
