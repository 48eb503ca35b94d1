package handlers

import (
	"context"
	"net/http"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/auth"
	"github.com/lunchdesk/api/internal/services"
)

type stubAccess struct {
	principals map[string]domain.Principal
}

func (s *stubAccess) Principal(_ context.Context, email string) (domain.Principal, error) {
	p, ok := s.principals[domain.NormalizeEmail(email)]
	if !ok {
		return domain.Principal{}, &services.KindError{Kind: services.ErrNotFound, Message: "user not found"}
	}
	return p, nil
}

func (s *stubAccess) ResolveActingSubject(context.Context, domain.Principal, string) (domain.ActingSubject, error) {
	return domain.ActingSubject{}, nil
}

func (s *stubAccess) Scope(actor domain.Principal) domain.Scope {
	return services.ResolveVisibilityScope(actor)
}

type stubOrders struct {
	initQuery   services.InitDataQuery
	initData    services.InitData
	submitCmd   services.SubmitOrderCommand
	submits     int
	submitErr   error
	cancelCmd   services.CancelOrderCommand
	cancelErr   error
	adminCancel services.CancelOrderCommand
}

func (s *stubOrders) InitData(_ context.Context, q services.InitDataQuery) (services.InitData, error) {
	s.initQuery = q
	return s.initData, nil
}

func (s *stubOrders) Submit(_ context.Context, cmd services.SubmitOrderCommand) (domain.Order, error) {
	s.submitCmd = cmd
	s.submits++
	if s.submitErr != nil {
		return domain.Order{}, s.submitErr
	}
	return domain.Order{ID: "o1", Date: cmd.Date, OwnerEmail: cmd.Actor.Email(), Selection: cmd.Selection, Status: domain.OrderStatusActive}, nil
}

func (s *stubOrders) Cancel(_ context.Context, cmd services.CancelOrderCommand) error {
	s.cancelCmd = cmd
	return s.cancelErr
}

func (s *stubOrders) AdminCancel(_ context.Context, cmd services.CancelOrderCommand) error {
	s.adminCancel = cmd
	return nil
}

type stubUsers struct {
	accessCmd services.AccessRequestCommand
	saveCmd   services.SaveUserCommand
	deleted   services.UserDeletion
	prefCmd   services.SetPreferenceCommand
}

func (s *stubUsers) RequestAccess(_ context.Context, cmd services.AccessRequestCommand) (domain.User, error) {
	s.accessCmd = cmd
	return domain.User{Email: cmd.Email, Name: cmd.Name, Status: domain.UserStatusPending, Role: domain.RoleMember}, nil
}

func (s *stubUsers) List(context.Context, domain.Principal, services.UserListFilter) ([]domain.User, error) {
	return []domain.User{{Email: "ana@example.com", Name: "Ana", Status: domain.UserStatusActive}}, nil
}

func (s *stubUsers) Save(_ context.Context, cmd services.SaveUserCommand) (domain.User, error) {
	s.saveCmd = cmd
	return domain.User{Email: cmd.Email, Name: cmd.Name, Status: cmd.Status}, nil
}

func (s *stubUsers) Activate(_ context.Context, cmd services.ActivateUserCommand) (domain.User, error) {
	return domain.User{Email: cmd.Email, Status: domain.UserStatusActive}, nil
}

func (s *stubUsers) Delete(_ context.Context, cmd services.DeleteUserCommand) (services.UserDeletion, error) {
	s.deleted.Email = cmd.Email
	return s.deleted, nil
}

func (s *stubUsers) SetPreference(_ context.Context, cmd services.SetPreferenceCommand) (map[string]any, error) {
	s.prefCmd = cmd
	return map[string]any{cmd.Key: cmd.Value}, nil
}

type stubMenu struct {
	week services.ReplaceMenuWeekCommand
}

func (s *stubMenu) ListByDate(_ context.Context, date civil.Date) ([]domain.MenuItem, error) {
	return []domain.MenuItem{{ID: "m1", Date: date, Category: domain.CategoryRice, Name: "Arroz blanco", Enabled: true}}, nil
}

func (s *stubMenu) SaveItem(_ context.Context, cmd services.SaveMenuItemCommand) (domain.MenuItem, error) {
	return domain.MenuItem{ID: cmd.ID, Date: cmd.Date, Name: cmd.Name, Enabled: cmd.Enabled}, nil
}

func (s *stubMenu) DeleteItem(context.Context, services.DeleteMenuItemCommand) error { return nil }

func (s *stubMenu) ReplaceWeek(_ context.Context, cmd services.ReplaceMenuWeekCommand) ([]domain.MenuItem, error) {
	s.week = cmd
	return nil, nil
}

type stubSettings struct {
	saved services.SaveSettingCommand
}

func (s *stubSettings) Current(context.Context) (domain.Settings, error) {
	return domain.Settings{}, nil
}

func (s *stubSettings) List(context.Context) ([]domain.ConfigSetting, error) {
	return []domain.ConfigSetting{{Key: "MINUTOS_PREV_CIERRE", Value: domain.NumberValue(30)}}, nil
}

func (s *stubSettings) Save(_ context.Context, cmd services.SaveSettingCommand) (domain.ConfigSetting, error) {
	s.saved = cmd
	return domain.ConfigSetting{Key: cmd.Key, Value: cmd.Value}, nil
}

type stubJobs struct {
	calls  []string
	report services.JobReport
	err    error
}

func (s *stubJobs) record(name string) (services.JobReport, error) {
	s.calls = append(s.calls, name)
	report := s.report
	report.Job = name
	return report, s.err
}

func (s *stubJobs) SendReminders(context.Context) (services.JobReport, error) {
	return s.record("send-reminders")
}

func (s *stubJobs) DailyClose(context.Context) (services.JobReport, error) {
	return s.record("daily-close")
}

func (s *stubJobs) DepartmentReport(context.Context) (services.JobReport, error) {
	return s.record("department-report")
}

// withTestIdentity stands in for Firebase verification: the X-Test-Email header becomes the
// signed-in identity.
func withTestIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if email := strings.TrimSpace(r.Header.Get("X-Test-Email")); email != "" {
			r = r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{UID: "uid-" + email, Email: email}))
		}
		next.ServeHTTP(w, r)
	})
}

func mountForTest(path string, routes RouteRegistrar) http.Handler {
	r := chi.NewRouter()
	r.Use(withTestIdentity)
	r.Route(path, func(sub chi.Router) { routes(sub) })
	return r
}

func testPrincipals() *stubAccess {
	return &stubAccess{principals: map[string]domain.Principal{
		"ana@example.com": {
			User: domain.User{Email: "ana@example.com", Name: "Ana", DepartmentID: "ops", Status: domain.UserStatusActive},
			Role: domain.RoleMember,
		},
		"boss@example.com": {
			User: domain.User{Email: "boss@example.com", Name: "Boss", DepartmentID: "ops", Status: domain.UserStatusActive},
			Role: domain.RoleDeptAdmin,
		},
		"root@example.com": {
			User: domain.User{Email: "root@example.com", Name: "Root", Status: domain.UserStatusActive},
			Role: domain.RoleGlobalAdmin,
		},
		"new@example.com": {
			User: domain.User{Email: "new@example.com", Name: "New", Status: domain.UserStatusPending},
			Role: domain.RoleMember,
		},
	}}
}
