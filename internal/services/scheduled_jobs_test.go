package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/cache"
	"github.com/lunchdesk/api/internal/repositories/memory"
)

type memoryArtifacts struct {
	objects map[string][]byte
	putErr  error
}

func (m *memoryArtifacts) Put(_ context.Context, path, _ string, data []byte) error {
	if m.putErr != nil {
		return m.putErr
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[path] = data
	return nil
}

func (m *memoryArtifacts) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	return "https://storage.example.com/" + path + "?sig=1", nil
}

type subjectNotifier struct {
	sent   []Notification
	failOn string
}

func (n *subjectNotifier) Send(_ context.Context, msg Notification) error {
	if n.failOn != "" && strings.Contains(msg.Subject, n.failOn) {
		return errors.New("smtp rejected")
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *subjectNotifier) find(prefix string) *Notification {
	for i := range n.sent {
		if strings.HasPrefix(n.sent[i].Subject, prefix) {
			return &n.sent[i]
		}
	}
	return nil
}

type jobFixture struct {
	reg       *memory.Registry
	svc       JobService
	notifier  *subjectNotifier
	artifacts *memoryArtifacts
	logger    *captureLogger
}

func newJobFixture(t *testing.T, settings map[string]string) *jobFixture {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return at(monday, 16, 0) }
	reg := memory.NewRegistry(nil)
	for key, value := range settings {
		seedSetting(t, reg, key, domain.TextValue(value))
	}
	store := cache.NewMemoryStore(cache.WithClock(clock))
	settingsSvc, err := NewSettingsService(SettingsServiceDeps{Repository: reg.Settings(), Cache: store, Location: santoDomingo})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	holidays, err := NewHolidayService(HolidayServiceDeps{Repository: reg.Holidays(), Cache: store, Location: santoDomingo, Clock: clock})
	if err != nil {
		t.Fatalf("holidays: %v", err)
	}
	f := &jobFixture{reg: reg, notifier: &subjectNotifier{}, artifacts: &memoryArtifacts{}, logger: &captureLogger{}}
	f.svc, err = NewJobService(JobServiceDeps{
		Users:         reg.Users(),
		Departments:   reg.Departments(),
		Orders:        reg.Orders(),
		Menu:          reg.Menu(),
		SettingsStore: reg.Settings(),
		Settings:      settingsSvc,
		Holidays:      holidays,
		Notifier:      f.notifier,
		Artifacts:     f.artifacts,
		AppURL:        "https://lunch.example.com",
		Location:      santoDomingo,
		Clock:         clock,
		Logger:        f.logger.log,
	})
	if err != nil {
		t.Fatalf("NewJobService: %v", err)
	}

	for _, user := range []domain.User{
		{Email: "ana@example.com", Name: "Ana", DepartmentID: "ops", Status: domain.UserStatusActive},
		{Email: "luis@example.com", Name: "Luis", DepartmentID: "ops", Status: domain.UserStatusActive},
		{Email: "quiet@example.com", Name: "Quiet", DepartmentID: "ops", Status: domain.UserStatusActive, Preferences: map[string]any{"reminders": false}},
		{Email: "new@example.com", Name: "New", DepartmentID: "ops", Status: domain.UserStatusPending},
		{Email: "hr@example.com", Name: "Helena", DepartmentID: "hr", Status: domain.UserStatusActive},
	} {
		if err := reg.Users().Upsert(ctx, user); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	for _, dept := range []domain.Department{{ID: "ops", Name: "Ops"}, {ID: "fin", Name: "Finance"}, {ID: "hr", Name: "Recursos Humanos"}} {
		if _, err := reg.Departments().SaveExclusive(ctx, dept); err != nil {
			t.Fatalf("seed department: %v", err)
		}
	}
	tuesday := monday.AddDays(1)
	for _, order := range []domain.Order{
		{ID: "ord_1", OwnerEmail: "luis@example.com", OwnerName: "Luis", DepartmentID: "ops", Date: tuesday, Summary: "Arroz blanco, Habichuelas"},
		{ID: "ord_2", OwnerEmail: "hr@example.com", OwnerName: "Helena", DepartmentID: "hr", Date: tuesday, Summary: "Sancocho"},
	} {
		if _, _, err := reg.Orders().UpsertActive(ctx, order); err != nil {
			t.Fatalf("seed order: %v", err)
		}
	}
	for _, item := range []domain.MenuItem{
		{ID: "m1", Date: tuesday, Category: domain.CategoryRice, Name: "Arroz blanco", Enabled: true},
		{ID: "m2", Date: monday.AddDays(2), Category: domain.CategoryRice, Name: "Moro de guandules", Enabled: true},
	} {
		if err := reg.Menu().Upsert(ctx, item); err != nil {
			t.Fatalf("seed menu: %v", err)
		}
	}
	return f
}

func TestSendRemindersSkipsOrderedAndOptedOut(t *testing.T) {
	f := newJobFixture(t, map[string]string{
		domain.SettingDispatchTime: "15:00",
		domain.SettingCloseOffset:  "30",
	})

	report, err := f.svc.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("SendReminders: %v", err)
	}
	if report.Date != monday.AddDays(1) {
		t.Fatalf("expected next business day, got %s", report.Date)
	}
	// luis and hr already ordered, quiet opted out, new is still pending
	if report.Processed != 1 || report.Skipped != 3 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	msg := f.notifier.find("Recordatorio")
	if msg == nil || !strings.Contains(msg.Body, "14:30") || !strings.Contains(msg.Body, "Martes 5/3") {
		t.Fatalf("unexpected reminder %+v", msg)
	}
}

func TestSendRemindersRedirectsInTestMode(t *testing.T) {
	f := newJobFixture(t, map[string]string{
		domain.SettingTestEmailMode: "si",
		domain.SettingTestEmailDest: "qa@example.com",
	})
	if _, err := f.svc.SendReminders(context.Background()); err != nil {
		t.Fatalf("SendReminders: %v", err)
	}
	for _, msg := range f.notifier.sent {
		if len(msg.To) != 1 || msg.To[0] != "qa@example.com" || !strings.HasPrefix(msg.Subject, "[TEST -> ") {
			t.Fatalf("expected redirected message, got %+v", msg)
		}
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected 1 reminder, got %d", len(f.notifier.sent))
	}
}

func TestDailyCloseProducesArtifactsAndReports(t *testing.T) {
	f := newJobFixture(t, map[string]string{
		domain.SettingAdminEmails:    "root@example.com",
		domain.SettingBackupPrefix:   "lunch",
		domain.SettingResponsibles:   `{"ops": ["boss@example.com"], "Finance": "cfo@example.com"}`,
		domain.SettingMailSenderName: "Comedor",
	})

	report, err := f.svc.DailyClose(context.Background())
	if err != nil {
		t.Fatalf("DailyClose: %v", err)
	}
	// ops reported; fin has no orders; hr has no recipients
	if report.Processed != 1 || report.Skipped != 2 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Warnings) != 1 || !strings.HasPrefix(report.Warnings[0], "recipients:hr") {
		t.Fatalf("unexpected warnings %v", report.Warnings)
	}

	backup, ok := f.artifacts.objects["lunch/backups/2024/03/orders_2024-03-05.json"]
	if !ok {
		t.Fatalf("expected backup, got %v", keys(f.artifacts.objects))
	}
	var records []orderBackupRecord
	if err := json.Unmarshal(backup, &records); err != nil || len(records) != 2 {
		t.Fatalf("unexpected backup %s err=%v", backup, err)
	}
	csvData, ok := f.artifacts.objects["lunch/reports/2024/03/2024-03-05/ops.csv"]
	if !ok || !strings.Contains(string(csvData), "luis@example.com") || strings.Contains(string(csvData), "hr@example.com") {
		t.Fatalf("unexpected ops report %q", csvData)
	}

	summary := f.notifier.find("Resumen Pedidos 2024-03-05")
	if summary == nil || !strings.Contains(summary.Body, "**2**") || summary.FromName != "Comedor" {
		t.Fatalf("unexpected admin summary %+v", summary)
	}
	alert := f.notifier.find("Alerta Menú")
	if alert == nil || !strings.Contains(alert.Body, "2024-03-06") || strings.Contains(alert.Body, "2024-03-05") {
		t.Fatalf("unexpected menu alert %+v", alert)
	}
	deptReport := f.notifier.find("Reporte Almuerzo Ops")
	if deptReport == nil || len(deptReport.Attachments) != 1 || !strings.Contains(deptReport.Body, "sig=1") {
		t.Fatalf("unexpected department report %+v", deptReport)
	}

	marker, err := f.reg.Settings().Get(context.Background(), domain.SettingActiveOrderMarker)
	if err != nil || marker.Value.String() != "2024-03-05" {
		t.Fatalf("expected active order marker, got %+v err=%v", marker, err)
	}
}

func TestDailyCloseIsolatesFailures(t *testing.T) {
	f := newJobFixture(t, map[string]string{
		domain.SettingAdminEmails:  "root@example.com",
		domain.SettingResponsibles: `{"ops": "boss@example.com", "hr": "people@example.com"}`,
	})
	f.notifier.failOn = "Recursos Humanos"
	f.artifacts.putErr = errors.New("bucket missing")

	report, err := f.svc.DailyClose(context.Background())
	if err != nil {
		t.Fatalf("DailyClose: %v", err)
	}
	// both departments fail to upload; the backup failure is a warning
	if report.Failed != 2 || report.Processed != 0 || report.Skipped != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Warnings) == 0 || !strings.HasPrefix(report.Warnings[0], "backup") {
		t.Fatalf("expected backup warning, got %v", report.Warnings)
	}
	if f.notifier.find("Resumen Pedidos") == nil {
		t.Fatalf("expected summary despite upload failures")
	}
	if !f.logger.has("jobs.department_failed") {
		t.Fatalf("expected department failure log")
	}
}

func TestDepartmentReportSendsWithoutArtifacts(t *testing.T) {
	f := newJobFixture(t, map[string]string{
		domain.SettingResponsibles: `{"Recursos Humanos": "people@example.com", "ops": "boss@example.com"}`,
	})
	f.notifier.failOn = "Ops"

	report, err := f.svc.DepartmentReport(context.Background())
	if err != nil {
		t.Fatalf("DepartmentReport: %v", err)
	}
	if report.Processed != 1 || report.Failed != 1 || report.Skipped != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(f.artifacts.objects) != 0 {
		t.Fatalf("expected no artifacts, got %v", keys(f.artifacts.objects))
	}
	hr := f.notifier.find("Reporte Almuerzo Recursos Humanos")
	if hr == nil || hr.To[0] != "people@example.com" || len(hr.Attachments) != 0 {
		t.Fatalf("unexpected hr report %+v", hr)
	}
}

func TestOptedOut(t *testing.T) {
	cases := []struct {
		value any
		want  bool
	}{
		{nil, false},
		{true, false},
		{false, true},
		{"off", true},
		{"yes", false},
		{float64(0), true},
	}
	for _, tc := range cases {
		user := domain.User{Preferences: map[string]any{"reminders": tc.value}}
		if got := optedOut(user, "reminders"); got != tc.want {
			t.Fatalf("optedOut(%v) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
