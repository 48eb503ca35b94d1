package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/repositories/memory"
)

type captureNotifier struct {
	sent []Notification
	err  error
}

func (c *captureNotifier) Send(_ context.Context, n Notification) error {
	c.sent = append(c.sent, n)
	return c.err
}

type userFixture struct {
	reg      *memory.Registry
	svc      UserService
	access   AccessService
	notifier *captureNotifier
	audit    *stubAuditRepo
}

func newUserFixture(t *testing.T) *userFixture {
	t.Helper()
	ctx := context.Background()
	reg := memory.NewRegistry(nil)
	seedSetting(t, reg, domain.SettingAdminEmails, domain.TextValue("root@example.com"))
	settings := newTestSettings(t, reg, nil)
	access, err := NewAccessService(AccessServiceDeps{Users: reg.Users(), Departments: reg.Departments(), Settings: settings})
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	auditRepo := &stubAuditRepo{}
	audit, _ := NewAuditLogService(AuditLogServiceDeps{Repository: auditRepo})
	notifier := &captureNotifier{}

	svc, err := NewUserService(UserServiceDeps{
		Users:       reg.Users(),
		Departments: reg.Departments(),
		Orders:      reg.Orders(),
		Access:      access,
		Settings:    settings,
		Notifier:    notifier,
		AppURL:      "https://lunch.example.com",
		Audit:       audit,
		Clock:       func() time.Time { return time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewUserService: %v", err)
	}

	for _, user := range []domain.User{
		{Email: "root@example.com", Name: "Root", DepartmentID: "hq", Status: domain.UserStatusActive},
		{Email: "boss@example.com", Name: "Boss", DepartmentID: "ops", Status: domain.UserStatusActive},
		{Email: "ana@example.com", Name: "Ana", DepartmentID: "ops", Status: domain.UserStatusActive, Code: "E001"},
		{Email: "fin@example.com", Name: "Fina", DepartmentID: "fin", Status: domain.UserStatusActive},
	} {
		if err := reg.Users().Upsert(ctx, user); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	for _, dept := range []domain.Department{
		{ID: "hq", Name: "HQ"},
		{ID: "ops", Name: "Ops", AdminEmails: []string{"boss@example.com"}},
		{ID: "fin", Name: "Finance"},
	} {
		if _, err := reg.Departments().SaveExclusive(ctx, dept); err != nil {
			t.Fatalf("seed department: %v", err)
		}
	}
	return &userFixture{reg: reg, svc: svc, access: access, notifier: notifier, audit: auditRepo}
}

func (f *userFixture) principal(t *testing.T, email string) domain.Principal {
	t.Helper()
	p, err := f.access.Principal(context.Background(), email)
	if err != nil {
		t.Fatalf("Principal(%s): %v", email, err)
	}
	return p
}

func TestUserRequestAccessCreatesPendingUser(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()

	user, err := f.svc.RequestAccess(ctx, AccessRequestCommand{Email: " New@Example.com ", Name: "  Nuevo   Usuario ", DepartmentID: "ops", Code: "e002"})
	if err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if user.Email != "new@example.com" || user.Status != domain.UserStatusPending || user.Name != "Nuevo Usuario" || user.Code != "E002" {
		t.Fatalf("unexpected user %+v", user)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].To[0] != "root@example.com" {
		t.Fatalf("expected admins to be notified, got %+v", f.notifier.sent)
	}

	again, err := f.svc.RequestAccess(ctx, AccessRequestCommand{Email: "new@example.com", Name: "Nuevo", DepartmentID: "ops"})
	if err != nil || again.Status != domain.UserStatusPending {
		t.Fatalf("expected repeated request to return pending user, got %+v err=%v", again, err)
	}

	if _, err := f.svc.RequestAccess(ctx, AccessRequestCommand{Email: "ana@example.com", Name: "Ana", DepartmentID: "ops"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for registered email, got %v", err)
	}
	if _, err := f.svc.RequestAccess(ctx, AccessRequestCommand{Email: "dup@example.com", Name: "Dup", DepartmentID: "ops", Code: "E001"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for taken code, got %v", err)
	}
	if _, err := f.svc.RequestAccess(ctx, AccessRequestCommand{Email: "x@example.com", Name: "X", DepartmentID: "nope"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown department rejection, got %v", err)
	}
	if _, err := f.svc.RequestAccess(ctx, AccessRequestCommand{Email: "not-an-email", Name: "X", DepartmentID: "ops"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected invalid email rejection, got %v", err)
	}
}

func TestUserListIsScoped(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()

	all, err := f.svc.List(ctx, f.principal(t, "root@example.com"), UserListFilter{})
	if err != nil || len(all) != 4 {
		t.Fatalf("expected every user for global admin, got %d err=%v", len(all), err)
	}

	ops, err := f.svc.List(ctx, f.principal(t, "boss@example.com"), UserListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, user := range ops {
		if user.DepartmentID != "ops" {
			t.Fatalf("department admin saw %s from %s", user.Email, user.DepartmentID)
		}
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops users, got %d", len(ops))
	}

	if _, err := f.svc.List(ctx, f.principal(t, "boss@example.com"), UserListFilter{DepartmentID: "fin"}); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected cross-department listing to fail, got %v", err)
	}
	if _, err := f.svc.List(ctx, f.principal(t, "ana@example.com"), UserListFilter{}); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected members to be rejected, got %v", err)
	}
}

func TestUserSaveRespectsDepartmentScope(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()
	boss := f.principal(t, "boss@example.com")

	saved, err := f.svc.Save(ctx, SaveUserCommand{Actor: boss, Email: "ana@example.com", Name: "Ana María", DepartmentID: "ops", Status: domain.UserStatusActive, Code: "E001"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Name != "Ana María" || saved.CreatedAt.IsZero() {
		t.Fatalf("unexpected saved user %+v", saved)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Action != auditActionUserSave {
		t.Fatalf("expected audit entry, got %+v", f.audit.entries)
	}
	if _, ok := f.audit.entries[0].Diff["name"]; !ok {
		t.Fatalf("expected name diff, got %+v", f.audit.entries[0].Diff)
	}

	cases := []struct {
		name string
		cmd  SaveUserCommand
		want error
	}{
		{"other department", SaveUserCommand{Actor: boss, Email: "fin@example.com", Name: "Fina", DepartmentID: "fin"}, ErrAuthorization},
		{"move out", SaveUserCommand{Actor: boss, Email: "ana@example.com", Name: "Ana", DepartmentID: "fin"}, ErrAuthorization},
		{"grant global", SaveUserCommand{Actor: boss, Email: "ana@example.com", Name: "Ana", DepartmentID: "ops", Role: domain.RoleGlobalAdmin}, ErrAuthorization},
		{"derived role", SaveUserCommand{Actor: boss, Email: "ana@example.com", Name: "Ana", DepartmentID: "ops", Role: domain.RoleDeptAdmin}, ErrValidation},
		{"taken code", SaveUserCommand{Actor: boss, Email: "new@example.com", Name: "New", DepartmentID: "ops", Code: "e001"}, ErrConflict},
		{"bad status", SaveUserCommand{Actor: boss, Email: "ana@example.com", Name: "Ana", DepartmentID: "ops", Status: "GONE"}, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Save(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	root := f.principal(t, "root@example.com")
	moved, err := f.svc.Save(ctx, SaveUserCommand{Actor: root, Email: "fin@example.com", Name: "Fina", DepartmentID: "ops", Role: domain.RoleGlobalAdmin})
	if err != nil {
		t.Fatalf("global save: %v", err)
	}
	if moved.DepartmentID != "ops" || moved.Role != domain.RoleGlobalAdmin || moved.Status != domain.UserStatusActive {
		t.Fatalf("unexpected moved user %+v", moved)
	}
}

func TestUserActivateNotifies(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestAccess(ctx, AccessRequestCommand{Email: "new@example.com", Name: "Nuevo", DepartmentID: "ops"}); err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	f.notifier.sent = nil

	user, err := f.svc.Activate(ctx, ActivateUserCommand{Actor: f.principal(t, "boss@example.com"), Email: "NEW@example.com"})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if user.Status != domain.UserStatusActive {
		t.Fatalf("expected active, got %s", user.Status)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].To[0] != "new@example.com" {
		t.Fatalf("expected activation mail, got %+v", f.notifier.sent)
	}
	if !strings.Contains(f.notifier.sent[0].Body, "https://lunch.example.com") {
		t.Fatalf("expected app link in body %q", f.notifier.sent[0].Body)
	}

	if _, err := f.svc.Activate(ctx, ActivateUserCommand{Actor: f.principal(t, "boss@example.com"), Email: "fin@example.com"}); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected cross-department activation to fail, got %v", err)
	}
}

func TestUserActivateSurvivesNotifierFailure(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()
	f.notifier.err = errors.New("smtp down")
	if _, err := f.svc.RequestAccess(ctx, AccessRequestCommand{Email: "new@example.com", Name: "Nuevo", DepartmentID: "ops"}); err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if _, err := f.svc.Activate(ctx, ActivateUserCommand{Actor: f.principal(t, "root@example.com"), Email: "new@example.com"}); err != nil {
		t.Fatalf("expected activation despite mail failure, got %v", err)
	}
}

func TestUserDepartmentAdminCannotTouchGlobalAdmins(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()
	boss := f.principal(t, "boss@example.com")

	// root is global through ADMIN_EMAILS only; gaby through the stored role.
	for _, user := range []domain.User{
		{Email: "root@example.com", Name: "Root", DepartmentID: "ops", Status: domain.UserStatusActive},
		{Email: "gaby@example.com", Name: "Gaby", DepartmentID: "ops", Role: domain.RoleGlobalAdmin, Status: domain.UserStatusPending},
	} {
		if err := f.reg.Users().Upsert(ctx, user); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}

	for _, email := range []string{"root@example.com", "gaby@example.com"} {
		if _, err := f.svc.Delete(ctx, DeleteUserCommand{Actor: boss, Email: email}); !errors.Is(err, ErrAuthorization) {
			t.Fatalf("Delete(%s): expected authorization error, got %v", email, err)
		}
		if _, err := f.svc.Activate(ctx, ActivateUserCommand{Actor: boss, Email: email}); !errors.Is(err, ErrAuthorization) {
			t.Fatalf("Activate(%s): expected authorization error, got %v", email, err)
		}
		if _, err := f.svc.Save(ctx, SaveUserCommand{Actor: boss, Email: email, Name: "X", DepartmentID: "ops"}); !errors.Is(err, ErrAuthorization) {
			t.Fatalf("Save(%s): expected authorization error, got %v", email, err)
		}
	}
	if _, err := f.reg.Users().FindByEmail(ctx, "root@example.com"); err != nil {
		t.Fatalf("expected root to survive: %v", err)
	}

	if _, err := f.svc.Delete(ctx, DeleteUserCommand{Actor: boss, Email: "ana@example.com"}); err != nil {
		t.Fatalf("expected members to stay manageable: %v", err)
	}
}

func TestUserDeleteSoftDeletesWithOrders(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()
	root := f.principal(t, "root@example.com")

	order := domain.Order{ID: "ord_1", Date: civil.Date{Year: 2024, Month: time.March, Day: 5}, OwnerEmail: "ana@example.com", DepartmentID: "ops"}
	if _, _, err := f.reg.Orders().UpsertActive(ctx, order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	res, err := f.svc.Delete(ctx, DeleteUserCommand{Actor: root, Email: "ana@example.com"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !res.Deactivated {
		t.Fatalf("expected soft delete")
	}
	ana, err := f.reg.Users().FindByEmail(ctx, "ana@example.com")
	if err != nil || ana.Status != domain.UserStatusInactive {
		t.Fatalf("expected inactive user, got %+v err=%v", ana, err)
	}

	res, err = f.svc.Delete(ctx, DeleteUserCommand{Actor: root, Email: "fin@example.com"})
	if err != nil || res.Deactivated {
		t.Fatalf("expected hard delete, got %+v err=%v", res, err)
	}
	if _, err := f.reg.Users().FindByEmail(ctx, "fin@example.com"); err == nil {
		t.Fatalf("expected user to be removed")
	}

	if _, err := f.svc.Delete(ctx, DeleteUserCommand{Actor: root, Email: "root@example.com"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected self deletion to fail, got %v", err)
	}
}

func TestUserSetPreference(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()

	prefs, err := f.svc.SetPreference(ctx, SetPreferenceCommand{Actor: f.principal(t, "ana@example.com"), Key: "reminders", Value: false})
	if err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	if prefs["reminders"] != false {
		t.Fatalf("unexpected prefs %+v", prefs)
	}

	boss := f.principal(t, "boss@example.com")
	if _, err := f.svc.SetPreference(ctx, SetPreferenceCommand{Actor: boss, TargetEmail: "ana@example.com", Key: "theme", Value: "dark"}); err != nil {
		t.Fatalf("impersonated preference: %v", err)
	}
	ana, _ := f.reg.Users().FindByEmail(ctx, "ana@example.com")
	if ana.Preferences["theme"] != "dark" || ana.Preferences["reminders"] != false {
		t.Fatalf("expected merged preferences, got %+v", ana.Preferences)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Actor != "boss@example.com" {
		t.Fatalf("expected impersonation audit, got %+v", f.audit.entries)
	}

	if _, err := f.svc.SetPreference(ctx, SetPreferenceCommand{Actor: boss, TargetEmail: "fin@example.com", Key: "theme", Value: "dark"}); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected cross-department preference to fail, got %v", err)
	}
	if _, err := f.svc.SetPreference(ctx, SetPreferenceCommand{Actor: boss, Key: "bad key!", Value: 1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected invalid key rejection, got %v", err)
	}
}
