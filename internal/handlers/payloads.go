package handlers

import (
	"time"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/services"
)

type userPayload struct {
	Email        string         `json:"email"`
	Name         string         `json:"name"`
	DepartmentID string         `json:"departmentId,omitempty"`
	Role         string         `json:"role"`
	Status       string         `json:"status"`
	Code         string         `json:"code,omitempty"`
	Preferences  map[string]any `json:"preferences,omitempty"`
	CreatedAt    string         `json:"createdAt,omitempty"`
	UpdatedAt    string         `json:"updatedAt,omitempty"`
}

func toUserPayload(user domain.User, role domain.Role) userPayload {
	if role == "" {
		role = user.Role
	}
	return userPayload{
		Email:        user.Email,
		Name:         user.Name,
		DepartmentID: user.DepartmentID,
		Role:         string(role),
		Status:       string(user.Status),
		Code:         user.Code,
		Preferences:  user.Preferences,
		CreatedAt:    formatTime(user.CreatedAt),
		UpdatedAt:    formatTime(user.UpdatedAt),
	}
}

func toUserPayloads(users []domain.User) []userPayload {
	out := make([]userPayload, 0, len(users))
	for _, user := range users {
		out = append(out, toUserPayload(user, ""))
	}
	return out
}

type departmentPayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	AdminEmails []string `json:"adminEmails"`
	Status      string   `json:"status"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

func toDepartmentPayloads(depts []domain.Department) []departmentPayload {
	out := make([]departmentPayload, 0, len(depts))
	for _, dept := range depts {
		out = append(out, toDepartmentPayload(dept))
	}
	return out
}

func toDepartmentPayload(dept domain.Department) departmentPayload {
	admins := dept.AdminEmails
	if admins == nil {
		admins = []string{}
	}
	return departmentPayload{
		ID:          dept.ID,
		Name:        dept.Name,
		AdminEmails: admins,
		Status:      string(dept.Status),
		UpdatedAt:   formatTime(dept.UpdatedAt),
	}
}

type menuItemPayload struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	Category    string `json:"category"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

func toMenuItemPayload(item domain.MenuItem) menuItemPayload {
	return menuItemPayload{
		ID:          item.ID,
		Date:        item.Date.String(),
		Category:    string(item.Category),
		Name:        item.Name,
		Description: item.Description,
		Enabled:     item.Enabled,
	}
}

func toMenuItemPayloads(items []domain.MenuItem) []menuItemPayload {
	out := make([]menuItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, toMenuItemPayload(item))
	}
	return out
}

type orderPayload struct {
	ID           string   `json:"id"`
	Date         string   `json:"date"`
	OwnerEmail   string   `json:"ownerEmail"`
	OwnerName    string   `json:"ownerName,omitempty"`
	DepartmentID string   `json:"departmentId,omitempty"`
	Summary      string   `json:"summary"`
	Categories   []string `json:"categories"`
	Items        []string `json:"items"`
	Status       string   `json:"status"`
	RequestedAt  string   `json:"requestedAt,omitempty"`
	UpdatedAt    string   `json:"updatedAt,omitempty"`
	CreatedBy    string   `json:"createdBy,omitempty"`
}

func toOrderPayload(order domain.Order) orderPayload {
	categories := make([]string, 0, len(order.Selection.Categories))
	for _, c := range order.Selection.Categories {
		categories = append(categories, string(c))
	}
	items := order.Selection.Items
	if items == nil {
		items = []string{}
	}
	return orderPayload{
		ID:           order.ID,
		Date:         order.Date.String(),
		OwnerEmail:   order.OwnerEmail,
		OwnerName:    order.OwnerName,
		DepartmentID: order.DepartmentID,
		Summary:      order.Summary,
		Categories:   categories,
		Items:        items,
		Status:       string(order.Status),
		RequestedAt:  formatTime(order.RequestedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		CreatedBy:    order.CreatedBy,
	}
}

type holidayPayload struct {
	Date   string `json:"date"`
	Reason string `json:"reason,omitempty"`
}

func toHolidayPayloads(holidays []domain.Holiday) []holidayPayload {
	out := make([]holidayPayload, 0, len(holidays))
	for _, h := range holidays {
		out = append(out, holidayPayload{Date: h.Date.String(), Reason: h.Reason})
	}
	return out
}

type settingPayload struct {
	Key         string `json:"key"`
	Value       any    `json:"value"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

func toSettingPayload(setting domain.ConfigSetting) settingPayload {
	var value any = setting.Value.String()
	if setting.Value.Kind == domain.SettingKindNumber {
		value = setting.Value.Number
	}
	return settingPayload{
		Key:         setting.Key,
		Value:       value,
		Kind:        string(setting.Value.Kind),
		Description: setting.Description,
		UpdatedAt:   formatTime(setting.UpdatedAt),
	}
}

func toSettingPayloads(settings []domain.ConfigSetting) []settingPayload {
	out := make([]settingPayload, 0, len(settings))
	for _, s := range settings {
		out = append(out, toSettingPayload(s))
	}
	return out
}

type availableDatePayload struct {
	Date  string `json:"date"`
	Label string `json:"label"`
}

type summaryLinePayload struct {
	Name         string `json:"name"`
	Summary      string `json:"summary"`
	DepartmentID string `json:"departmentId,omitempty"`
}

type adminSummaryPayload struct {
	Total  int                  `json:"total"`
	ByUser []summaryLinePayload `json:"byUser"`
}

type initDataPayload struct {
	User           userPayload                  `json:"user"`
	Subject        userPayload                  `json:"subject"`
	Impersonating  bool                         `json:"impersonating"`
	AvailableDates []availableDatePayload       `json:"availableDates"`
	SelectedDate   string                       `json:"selectedDate,omitempty"`
	Menu           map[string][]menuItemPayload `json:"menu"`
	Order          *orderPayload                `json:"order"`
	IsCutoffPassed bool                         `json:"isCutoffPassed"`
	Cutoff         string                       `json:"cutoff,omitempty"`
	AdminSummary   *adminSummaryPayload         `json:"adminSummary,omitempty"`
	Preferences    map[string]any               `json:"preferences"`
	AppTitle       string                       `json:"appTitle,omitempty"`
	PlanWeekText   string                       `json:"planWeekText,omitempty"`
	PlanWeekLimit  int                          `json:"planWeekLimit,omitempty"`
}

func toInitDataPayload(data services.InitData) initDataPayload {
	payload := initDataPayload{
		User:           toUserPayload(data.User, data.Role),
		Subject:        toUserPayload(data.Subject, ""),
		Impersonating:  data.Impersonating,
		AvailableDates: make([]availableDatePayload, 0, len(data.AvailableDates)),
		Menu:           make(map[string][]menuItemPayload, len(data.Menu)),
		IsCutoffPassed: data.IsCutoffPassed,
		Cutoff:         formatTime(data.Window.Cutoff),
		Preferences:    data.Preferences,
		AppTitle:       data.AppTitle,
		PlanWeekText:   data.PlanWeekText,
		PlanWeekLimit:  data.PlanWeekLimit,
	}
	for _, d := range data.AvailableDates {
		payload.AvailableDates = append(payload.AvailableDates, availableDatePayload{Date: d.Date.String(), Label: d.Label})
	}
	if data.SelectedDate != nil {
		payload.SelectedDate = data.SelectedDate.String()
	}
	for category, items := range data.Menu {
		payload.Menu[string(category)] = toMenuItemPayloads(items)
	}
	if data.Order != nil {
		order := toOrderPayload(*data.Order)
		payload.Order = &order
	}
	if data.AdminSummary != nil {
		summary := adminSummaryPayload{Total: data.AdminSummary.Total, ByUser: make([]summaryLinePayload, 0, len(data.AdminSummary.ByUser))}
		for _, line := range data.AdminSummary.ByUser {
			summary.ByUser = append(summary.ByUser, summaryLinePayload(line))
		}
		payload.AdminSummary = &summary
	}
	if payload.Preferences == nil {
		payload.Preferences = map[string]any{}
	}
	return payload
}

type jobReportPayload struct {
	Job       string   `json:"job"`
	Date      string   `json:"date,omitempty"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Warnings  []string `json:"warnings,omitempty"`
}

func toJobReportPayload(report services.JobReport) jobReportPayload {
	payload := jobReportPayload{
		Job:       report.Job,
		Processed: report.Processed,
		Skipped:   report.Skipped,
		Failed:    report.Failed,
		Warnings:  report.Warnings,
	}
	if report.Date != (civil.Date{}) {
		payload.Date = report.Date.String()
	}
	return payload
}

type auditEntryPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	TargetRef string         `json:"targetRef"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

func toAuditEntryPayloads(entries []domain.AuditLogEntry) []auditEntryPayload {
	out := make([]auditEntryPayload, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryPayload{
			ID:        e.ID,
			Actor:     e.Actor,
			Action:    e.Action,
			TargetRef: e.TargetRef,
			Severity:  e.Severity,
			RequestID: e.RequestID,
			Metadata:  e.Metadata,
			Diff:      e.Diff,
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
