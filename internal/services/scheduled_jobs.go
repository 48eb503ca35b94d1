package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/storage"
	"github.com/lunchdesk/api/internal/platform/textutil"
	"github.com/lunchdesk/api/internal/repositories"
)

const (
	JobSendReminders    = "send-reminders"
	JobDailyClose       = "daily-close"
	JobDepartmentReport = "department-report"

	defaultReportLinkTTL  = 72 * time.Hour
	defaultMenuCheckDays  = 7
	reminderPreferenceKey = "reminders"
)

// JobServiceDeps bundles the dependencies of the scheduled jobs.
type JobServiceDeps struct {
	Users       repositories.UserRepository
	Departments repositories.DepartmentRepository
	Orders      repositories.OrderRepository
	Menu        repositories.MenuRepository
	// SettingsStore receives the active order date marker written by the daily close.
	SettingsStore repositories.SettingsRepository
	Settings      SettingsService
	Holidays      HolidayService
	Notifier      Notifier
	Artifacts     ArtifactStore
	AppURL        string
	Location      *time.Location
	ReportLinkTTL time.Duration
	MenuCheckDays int
	Clock         func() time.Time
	Logger        Logger
}

type jobService struct {
	users         repositories.UserRepository
	departments   repositories.DepartmentRepository
	orders        repositories.OrderRepository
	menu          repositories.MenuRepository
	settingsStore repositories.SettingsRepository
	settings      SettingsService
	holidays      HolidayService
	notify        *notificationDispatcher
	artifacts     ArtifactStore
	window        OrderWindow
	linkTTL       time.Duration
	menuDays      int
	clock         func() time.Time
	logger        Logger
}

// NewJobService constructs the scheduled job runner.
func NewJobService(deps JobServiceDeps) (JobService, error) {
	switch {
	case deps.Users == nil:
		return nil, errors.New("job service: user repository is required")
	case deps.Departments == nil:
		return nil, errors.New("job service: department repository is required")
	case deps.Orders == nil:
		return nil, errors.New("job service: order repository is required")
	case deps.Menu == nil:
		return nil, errors.New("job service: menu repository is required")
	case deps.Settings == nil:
		return nil, errors.New("job service: settings service is required")
	case deps.Holidays == nil:
		return nil, errors.New("job service: holiday service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	ttl := deps.ReportLinkTTL
	if ttl <= 0 {
		ttl = defaultReportLinkTTL
	}
	menuDays := deps.MenuCheckDays
	if menuDays <= 0 {
		menuDays = defaultMenuCheckDays
	}
	return &jobService{
		users:         deps.Users,
		departments:   deps.Departments,
		orders:        deps.Orders,
		menu:          deps.Menu,
		settingsStore: deps.SettingsStore,
		settings:      deps.Settings,
		holidays:      deps.Holidays,
		notify:        newNotificationDispatcher(deps.Notifier, deps.Settings, deps.AppURL),
		artifacts:     deps.Artifacts,
		window:        NewOrderWindow(deps.Location),
		linkTTL:       ttl,
		menuDays:      menuDays,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// SendReminders notifies active users without an order for the next business day. Each user is
// one unit; users who opted out or already ordered are skipped.
func (s *jobService) SendReminders(ctx context.Context) (JobReport, error) {
	report := JobReport{Job: JobSendReminders}
	settings, target, err := s.prepare(ctx)
	if err != nil {
		return report, err
	}
	report.Date = target
	if s.notify == nil {
		return report, newKindError(ErrConfiguration, "no notifier is configured")
	}

	users, err := s.users.List(ctx, repositories.UserFilter{Status: []domain.UserStatus{domain.UserStatusActive}})
	if err != nil {
		return report, mapRepositoryError("users", err)
	}
	orders, err := s.activeOrders(ctx, target)
	if err != nil {
		return report, err
	}
	ordered := make(map[string]struct{}, len(orders))
	for _, order := range orders {
		ordered[domain.NormalizeEmail(order.OwnerEmail)] = struct{}{}
	}

	cutoff := settings.Cutoff.Cutoff()
	for _, user := range users {
		if _, ok := ordered[domain.NormalizeEmail(user.Email)]; ok || optedOut(user, reminderPreferenceKey) {
			report.Skipped++
			continue
		}
		if err := s.notify.send(ctx, reminderMessage(user, target, cutoff, s.notify.appURL)); err != nil {
			report.Failed++
			s.logger(ctx, "jobs.reminder_failed", map[string]any{"email": user.Email, "error": err.Error()})
			continue
		}
		report.Processed++
	}
	s.logReport(ctx, report)
	return report, nil
}

// DailyClose closes the next business day: backs up its orders, mails the admin summary, checks
// upcoming menus and sends one report per department. Department reports are the counted units;
// failures in the other steps are recorded as warnings.
func (s *jobService) DailyClose(ctx context.Context) (JobReport, error) {
	report := JobReport{Job: JobDailyClose}
	settings, target, err := s.prepare(ctx)
	if err != nil {
		return report, err
	}
	report.Date = target

	orders, err := s.activeOrders(ctx, target)
	if err != nil {
		return report, err
	}

	if err := s.backupOrders(ctx, settings, target, orders); err != nil {
		report.warn(ctx, s.logger, "backup", err)
	}
	if len(orders) > 0 {
		if err := s.sendAdminSummary(ctx, settings, target, len(orders)); err != nil {
			report.warn(ctx, s.logger, "admin_summary", err)
		}
	}
	if err := s.checkMenuIntegrity(ctx, settings); err != nil {
		report.warn(ctx, s.logger, "menu_integrity", err)
	}

	s.forEachDepartment(ctx, settings, target, orders, &report, func(dept domain.Department, recipients []string, rows []domain.Order) error {
		return s.sendDepartmentReport(ctx, settings, dept, recipients, target, rows, true)
	})

	if s.settingsStore != nil {
		marker := domain.ConfigSetting{
			Key:         domain.SettingActiveOrderMarker,
			Value:       domain.TextValue(target.String()),
			Description: "last date closed by the daily job",
			UpdatedAt:   s.clock(),
		}
		if err := s.settingsStore.Upsert(ctx, marker); err != nil {
			report.warn(ctx, s.logger, "marker", err)
		}
	}
	s.logReport(ctx, report)
	return report, nil
}

// DepartmentReport mails the per-department order list without storing an artifact.
func (s *jobService) DepartmentReport(ctx context.Context) (JobReport, error) {
	report := JobReport{Job: JobDepartmentReport}
	settings, target, err := s.prepare(ctx)
	if err != nil {
		return report, err
	}
	report.Date = target
	orders, err := s.activeOrders(ctx, target)
	if err != nil {
		return report, err
	}
	s.forEachDepartment(ctx, settings, target, orders, &report, func(dept domain.Department, recipients []string, rows []domain.Order) error {
		return s.sendDepartmentReport(ctx, settings, dept, recipients, target, rows, false)
	})
	s.logReport(ctx, report)
	return report, nil
}

func (s *jobService) prepare(ctx context.Context) (domain.Settings, civil.Date, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return domain.Settings{}, civil.Date{}, err
	}
	holidays, err := s.holidays.HolidaySet(ctx)
	if err != nil {
		return domain.Settings{}, civil.Date{}, err
	}
	target, err := NextBusinessDay(s.window.Today(s.clock()), holidays)
	if err != nil {
		return domain.Settings{}, civil.Date{}, &KindError{Kind: ErrConfiguration, Message: "no upcoming business day", Err: err}
	}
	return settings, target, nil
}

func (s *jobService) activeOrders(ctx context.Context, date civil.Date) ([]domain.Order, error) {
	orders, err := s.orders.ListByDate(ctx, date)
	if err != nil {
		return nil, mapRepositoryError("orders", err)
	}
	active := make([]domain.Order, 0, len(orders))
	for _, order := range orders {
		if order.Status == domain.OrderStatusActive {
			active = append(active, order)
		}
	}
	slices.SortStableFunc(active, func(a, b domain.Order) int {
		return strings.Compare(textutil.FoldKey(a.OwnerName), textutil.FoldKey(b.OwnerName))
	})
	return active, nil
}

type orderBackupRecord struct {
	ID           string    `json:"id"`
	RequestedAt  time.Time `json:"requestedAt"`
	Date         string    `json:"date"`
	OwnerEmail   string    `json:"ownerEmail"`
	OwnerName    string    `json:"ownerName"`
	DepartmentID string    `json:"departmentId"`
	Summary      string    `json:"summary"`
	Categories   []string  `json:"categories"`
	Items        []string  `json:"items"`
	CreatedBy    string    `json:"createdBy,omitempty"`
}

func (s *jobService) backupOrders(ctx context.Context, settings domain.Settings, date civil.Date, orders []domain.Order) error {
	if s.artifacts == nil {
		return newKindError(ErrConfiguration, "no artifact store is configured")
	}
	records := make([]orderBackupRecord, 0, len(orders))
	for _, order := range orders {
		categories := make([]string, len(order.Selection.Categories))
		for i, c := range order.Selection.Categories {
			categories[i] = string(c)
		}
		records = append(records, orderBackupRecord{
			ID:           order.ID,
			RequestedAt:  order.RequestedAt.UTC(),
			Date:         order.Date.String(),
			OwnerEmail:   order.OwnerEmail,
			OwnerName:    order.OwnerName,
			DepartmentID: order.DepartmentID,
			Summary:      order.Summary,
			Categories:   categories,
			Items:        order.Selection.Items,
			CreatedBy:    order.CreatedBy,
		})
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	path, err := storage.BuildObjectPath(storage.PurposeOrderBackup, storage.PathParams{Prefix: settings.BackupPrefix, Date: date})
	if err != nil {
		return newKindError(ErrConfiguration, err.Error())
	}
	if err := s.artifacts.Put(ctx, path, "application/json", data); err != nil {
		return &KindError{Kind: ErrExternalService, Message: "backup upload failed", Err: err}
	}
	return nil
}

func (s *jobService) sendAdminSummary(ctx context.Context, settings domain.Settings, date civil.Date, total int) error {
	if len(settings.AdminEmails) == 0 {
		return newKindError(ErrConfiguration, "ADMIN_EMAILS is empty")
	}
	if s.notify == nil {
		return newKindError(ErrConfiguration, "no notifier is configured")
	}
	return s.notify.send(ctx, adminSummaryMessage(settings.AdminEmails, date, total))
}

// checkMenuIntegrity alerts administrators about upcoming menus whose rice category lacks the
// staple dish.
func (s *jobService) checkMenuIntegrity(ctx context.Context, settings domain.Settings) error {
	today := s.window.Today(s.clock())
	items, err := s.menu.ListRange(ctx, today.AddDays(1), today.AddDays(s.menuDays))
	if err != nil {
		return mapRepositoryError("menu", err)
	}
	rice := map[civil.Date][]string{}
	dates := menuDates(items)
	for _, item := range items {
		if item.Enabled && item.Category == domain.CategoryRice {
			rice[item.Date] = append(rice[item.Date], item.Name)
		}
	}
	var missing []civil.Date
	for _, d := range dates {
		if !containsStaple(rice[d]) {
			missing = append(missing, d)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	s.logger(ctx, "jobs.menu_integrity", map[string]any{"dates": len(missing)})
	if len(settings.AdminEmails) == 0 {
		return newKindError(ErrConfiguration, "ADMIN_EMAILS is empty")
	}
	if s.notify == nil {
		return newKindError(ErrConfiguration, "no notifier is configured")
	}
	return s.notify.send(ctx, menuAlertMessage(settings.AdminEmails, missing))
}

type departmentUnit func(dept domain.Department, recipients []string, orders []domain.Order) error

// forEachDepartment runs fn once per department that has orders. A failing department is
// logged and counted without stopping the others.
func (s *jobService) forEachDepartment(ctx context.Context, settings domain.Settings, date civil.Date, orders []domain.Order, report *JobReport, fn departmentUnit) {
	depts, err := s.departments.List(ctx)
	if err != nil {
		report.warn(ctx, s.logger, "departments", mapRepositoryError("departments", err))
		return
	}
	byDept := make(map[string][]domain.Order)
	for _, order := range orders {
		byDept[order.DepartmentID] = append(byDept[order.DepartmentID], order)
	}
	known := make(map[string]struct{}, len(depts))
	for _, dept := range depts {
		known[dept.ID] = struct{}{}
		rows := byDept[dept.ID]
		if len(rows) == 0 {
			report.Skipped++
			continue
		}
		recipients := responsiblesFor(settings.Responsibles, dept)
		if len(recipients) == 0 {
			report.Skipped++
			report.warn(ctx, s.logger, "recipients:"+dept.ID, newKindError(ErrConfiguration, "no report recipients configured"))
			continue
		}
		if err := s.runUnit(func() error { return fn(dept, recipients, rows) }); err != nil {
			report.Failed++
			s.logger(ctx, "jobs.department_failed", map[string]any{
				"job":        report.Job,
				"department": dept.ID,
				"date":       date.String(),
				"error":      err.Error(),
			})
			continue
		}
		report.Processed++
	}
	var unknown []string
	for deptID := range byDept {
		if _, ok := known[deptID]; !ok {
			unknown = append(unknown, deptID)
		}
	}
	slices.Sort(unknown)
	for _, deptID := range unknown {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d orders reference unknown department %q", len(byDept[deptID]), deptID))
	}
}

// runUnit converts a panic inside one unit into an error so the batch continues.
func (s *jobService) runUnit(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (s *jobService) sendDepartmentReport(ctx context.Context, settings domain.Settings, dept domain.Department, recipients []string, date civil.Date, orders []domain.Order, withArtifact bool) error {
	if s.notify == nil {
		return newKindError(ErrConfiguration, "no notifier is configured")
	}
	name := dept.Name
	if name == "" {
		name = dept.ID
	}
	var (
		link        string
		attachments []Attachment
	)
	if withArtifact {
		data, err := departmentCSV(orders)
		if err != nil {
			return err
		}
		attachments = append(attachments, Attachment{
			Name:        fmt.Sprintf("%s_%s.csv", textutil.Slug(name), date),
			ContentType: "text/csv",
			Data:        data,
		})
		if s.artifacts != nil {
			path, err := storage.BuildObjectPath(storage.PurposeDepartmentReport, storage.PathParams{
				Prefix:       settings.BackupPrefix,
				Date:         date,
				DepartmentID: dept.ID,
			})
			if err != nil {
				return err
			}
			if err := s.artifacts.Put(ctx, path, "text/csv", data); err != nil {
				return &KindError{Kind: ErrExternalService, Message: "report upload failed", Err: err}
			}
			if link, err = s.artifacts.SignedURL(ctx, path, s.linkTTL); err != nil {
				// The attachment still carries the report.
				s.logger(ctx, "jobs.report_link_failed", map[string]any{"department": dept.ID, "error": err.Error()})
				link = ""
			}
		}
	}
	msg := departmentReportMessage(recipients, name, date, orders, link)
	msg.Attachments = attachments
	return s.notify.send(ctx, msg)
}

func departmentCSV(orders []domain.Order) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"Fecha", "Nombre", "Email", "Pedido", "Solicitado"})
	for _, order := range orders {
		_ = w.Write([]string{
			order.Date.String(),
			order.OwnerName,
			order.OwnerEmail,
			order.Summary,
			order.RequestedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return buf.Bytes(), nil
}

// responsiblesFor looks recipients up by department id, then by folded id or name.
func responsiblesFor(responsibles map[string][]string, dept domain.Department) []string {
	if recipients := responsibles[dept.ID]; len(recipients) > 0 {
		return recipients
	}
	id, name := textutil.FoldKey(dept.ID), textutil.FoldKey(dept.Name)
	for key, recipients := range responsibles {
		folded := textutil.FoldKey(key)
		if folded == id || (name != "" && folded == name) {
			return recipients
		}
	}
	return nil
}

// optedOut reports whether the user disabled a boolean preference. Missing keys mean opted in.
func optedOut(user domain.User, key string) bool {
	switch v := user.Preferences[key].(type) {
	case bool:
		return !v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "false", "0", "no", "off":
			return true
		}
	case float64:
		return v == 0
	case int:
		return v == 0
	}
	return false
}

func (r *JobReport) warn(ctx context.Context, logger Logger, step string, err error) {
	r.Warnings = append(r.Warnings, step+": "+PublicMessage(err))
	logger(ctx, "jobs.step_failed", map[string]any{"job": r.Job, "step": step, "error": err.Error()})
}

func (s *jobService) logReport(ctx context.Context, report JobReport) {
	s.logger(ctx, "jobs.completed", map[string]any{
		"job":       report.Job,
		"date":      report.Date.String(),
		"processed": report.Processed,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
		"warnings":  len(report.Warnings),
	})
}
