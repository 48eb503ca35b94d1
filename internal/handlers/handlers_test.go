package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/cache"
	"github.com/lunchdesk/api/internal/platform/idempotency"
	"github.com/lunchdesk/api/internal/services"
)

func doRequest(h http.Handler, method, path, email, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if email != "" {
		req.Header.Set("X-Test-Email", email)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestOrderHandlersSubmit(t *testing.T) {
	orders := &stubOrders{}
	h := mountForTest("/orders", NewOrderHandlers(nil, testPrincipals(), orders).Routes)

	rr := doRequest(h, http.MethodPost, "/orders", "ana@example.com",
		`{"date":"2026-03-04","categories":["arroces","Meat"],"items":["Arroz blanco","Pollo"],"as":"ben@example.com"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBodyMap(t, rr)
	if body["ok"] != true || body["msg"] != "order saved" {
		t.Fatalf("unexpected body %v", body)
	}
	cmd := orders.submitCmd
	if cmd.Date != (civil.Date{Year: 2026, Month: 3, Day: 4}) || cmd.TargetEmail != "ben@example.com" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if len(cmd.Selection.Categories) != 2 || cmd.Selection.Categories[0] != domain.CategoryRice {
		t.Fatalf("expected categories parsed, got %v", cmd.Selection.Categories)
	}
	if cmd.Actor.Email() != "ana@example.com" {
		t.Fatalf("expected actor ana, got %s", cmd.Actor.Email())
	}
}

func TestOrderHandlersRejections(t *testing.T) {
	cases := []struct {
		name   string
		email  string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "unauthenticated", body: `{"date":"2026-03-04","categories":["Rice"]}`, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "unknown user", email: "ghost@example.com", body: `{"date":"2026-03-04","categories":["Rice"]}`, status: http.StatusNotFound, code: "not_found"},
		{name: "pending user", email: "new@example.com", body: `{"date":"2026-03-04","categories":["Rice"]}`, status: http.StatusForbidden, code: "user_inactive"},
		{name: "missing categories", email: "ana@example.com", body: `{"date":"2026-03-04","categories":[]}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "bad date", email: "ana@example.com", body: `{"date":"04/03/2026","categories":["Rice"]}`, status: http.StatusBadRequest, code: "invalid_request"},
		{
			name: "unknown category on a closed date", email: "ana@example.com", body: `{"date":"2026-03-04","categories":["Dessert"]}`,
			err:    &services.KindError{Kind: services.ErrWindowClosed, Message: "the order window for 2026-03-04 is closed"},
			status: http.StatusConflict, code: "window_closed",
		},
		{name: "unknown field", email: "ana@example.com", body: `{"date":"2026-03-04","categories":["Rice"],"x":1}`, status: http.StatusBadRequest, code: "invalid_request"},
		{
			name: "window closed", email: "ana@example.com", body: `{"date":"2026-03-04","categories":["Rice"]}`,
			err:    &services.KindError{Kind: services.ErrWindowClosed, Message: "the order window for 2026-03-04 is closed"},
			status: http.StatusConflict, code: "window_closed",
		},
		{
			name: "rule violation", email: "ana@example.com", body: `{"date":"2026-03-04","categories":["Soup","Rice"]}`,
			err:    &services.KindError{Kind: services.ErrValidation, Message: "Soup cannot be combined"},
			status: http.StatusBadRequest, code: "invalid_request",
		},
		{
			name: "impersonation denied", email: "ana@example.com", body: `{"date":"2026-03-04","categories":["Rice"],"as":"ben@example.com"}`,
			err:    &services.KindError{Kind: services.ErrAuthorization, Message: "you can only act for yourself"},
			status: http.StatusForbidden, code: "forbidden",
		},
		{
			name: "internal", email: "ana@example.com", body: `{"date":"2026-03-04","categories":["Rice"]}`,
			err:    errors.New("firestore exploded"),
			status: http.StatusInternalServerError, code: "internal_error",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := mountForTest("/orders", NewOrderHandlers(nil, testPrincipals(), &stubOrders{submitErr: tc.err}).Routes)
			rr := doRequest(h, http.MethodPost, "/orders", tc.email, tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			body := decodeBodyMap(t, rr)
			if body["ok"] != false || body["error"] != tc.code {
				t.Fatalf("unexpected body %v", body)
			}
			if tc.code == "internal_error" && body["msg"] != "internal error" {
				t.Fatalf("internal errors must not leak, got %v", body["msg"])
			}
		})
	}
}

func TestOrderHandlersReplayIdempotentSubmit(t *testing.T) {
	orders := &stubOrders{}
	ledger := idempotency.NewLedger(cache.NewMemoryStore(), time.Hour)
	h := mountForTest("/orders", NewOrderHandlers(nil, testPrincipals(), orders, WithOrderIdempotency(ledger)).Routes)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"date":"2026-03-04","categories":["Rice"]}`))
		req.Header.Set("X-Test-Email", "ana@example.com")
		req.Header.Set(idempotency.HeaderName, "submit-1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	first, second := send(), send()
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200 twice, got %d and %d", first.Code, second.Code)
	}
	if orders.submits != 1 {
		t.Fatalf("expected one submission, got %d", orders.submits)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Fatal("expected replayed response")
	}
}

func TestOrderHandlersCancel(t *testing.T) {
	orders := &stubOrders{}
	h := mountForTest("/orders", NewOrderHandlers(nil, testPrincipals(), orders).Routes)

	rr := doRequest(h, http.MethodDelete, "/orders/01HXORDER", "ana@example.com", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if orders.cancelCmd.OrderID != "01HXORDER" {
		t.Fatalf("expected order id passed through, got %q", orders.cancelCmd.OrderID)
	}

	orders.cancelErr = &services.KindError{Kind: services.ErrNotFound, Message: "order not found"}
	rr = doRequest(h, http.MethodDelete, "/orders/other", "ana@example.com", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMeHandlersInitData(t *testing.T) {
	date := civil.Date{Year: 2026, Month: 3, Day: 3}
	orders := &stubOrders{initData: services.InitData{
		User:           domain.User{Email: "boss@example.com", Name: "Boss"},
		Role:           domain.RoleDeptAdmin,
		Subject:        domain.User{Email: "boss@example.com"},
		AvailableDates: []domain.AvailableDate{{Date: date, Label: "Martes 3/3"}},
		SelectedDate:   &date,
		Menu: map[domain.MenuCategory][]domain.MenuItem{
			domain.CategoryRice: {{ID: "m1", Date: date, Category: domain.CategoryRice, Name: "Arroz blanco", Enabled: true}},
		},
		AdminSummary: &domain.AdminSummary{Total: 1, ByUser: []domain.AdminSummaryLine{{Name: "Ana", Summary: "Arroz", DepartmentID: "ops"}}},
		Window:       services.WindowDecision{Open: true, Cutoff: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)},
	}}
	h := mountForTest("/me", NewMeHandlers(nil, testPrincipals(), orders, &stubUsers{}).Routes)

	rr := doRequest(h, http.MethodGet, "/me/init?date=2026-03-03&as=ana@example.com", "boss@example.com", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if orders.initQuery.Date == nil || *orders.initQuery.Date != date || orders.initQuery.TargetEmail != "ana@example.com" {
		t.Fatalf("unexpected query %+v", orders.initQuery)
	}
	body := decodeBodyMap(t, rr)
	user, _ := body["user"].(map[string]any)
	if user["role"] != string(domain.RoleDeptAdmin) {
		t.Fatalf("expected effective role in payload, got %v", user["role"])
	}
	menu, _ := body["menu"].(map[string]any)
	if _, ok := menu["Rice"]; !ok {
		t.Fatalf("expected menu grouped by category, got %v", menu)
	}
	summary, _ := body["adminSummary"].(map[string]any)
	if summary["total"] != float64(1) {
		t.Fatalf("expected admin summary total, got %v", summary)
	}
	if body["order"] != nil || body["cutoff"] != "2026-03-02T14:30:00Z" {
		t.Fatalf("unexpected order/cutoff %v %v", body["order"], body["cutoff"])
	}

	rr = doRequest(h, http.MethodGet, "/me/init?date=tomorrow", "boss@example.com", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rr.Code)
	}
}

func TestMeHandlersAccessRequestIsRateLimited(t *testing.T) {
	users := &stubUsers{}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := mountForTest("/me", NewMeHandlers(nil, testPrincipals(), &stubOrders{}, users, WithMeClock(func() time.Time { return now })).Routes)

	body := `{"name":"Carla Ruiz","departmentId":"ops"}`
	for i := 0; i < accessRequestLimit; i++ {
		rr := doRequest(h, http.MethodPost, "/me/access-request", "Carla@Example.com", body)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d: %s", i, rr.Code, rr.Body.String())
		}
	}
	if users.accessCmd.Email != "carla@example.com" || users.accessCmd.DepartmentID != "ops" {
		t.Fatalf("unexpected command %+v", users.accessCmd)
	}
	rr := doRequest(h, http.MethodPost, "/me/access-request", "carla@example.com", body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once limit reached, got %d", rr.Code)
	}

	rr = doRequest(h, http.MethodPost, "/me/access-request", "dan@example.com", `{"departmentId":"ops"}`)
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "name is required") {
		t.Fatalf("expected validation failure, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestMeHandlersSetPreference(t *testing.T) {
	users := &stubUsers{}
	h := mountForTest("/me", NewMeHandlers(nil, testPrincipals(), &stubOrders{}, users).Routes)

	rr := doRequest(h, http.MethodPut, "/me/preferences", "ana@example.com", `{"key":"reminders","value":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if users.prefCmd.Key != "reminders" || users.prefCmd.Value != false {
		t.Fatalf("unexpected command %+v", users.prefCmd)
	}
}

func newAdminHandler(users *stubUsers, orders *stubOrders, menu *stubMenu, settings *stubSettings) http.Handler {
	return mountForTest("/admin", NewAdminHandlers(nil, AdminDeps{
		Access:   testPrincipals(),
		Users:    users,
		Orders:   orders,
		Menu:     menu,
		Settings: settings,
	}).Routes)
}

func TestAdminHandlersRoleGates(t *testing.T) {
	h := newAdminHandler(&stubUsers{}, &stubOrders{}, &stubMenu{}, &stubSettings{})

	cases := []struct {
		email  string
		path   string
		status int
	}{
		{email: "ana@example.com", path: "/admin/users", status: http.StatusForbidden},
		{email: "boss@example.com", path: "/admin/users", status: http.StatusOK},
		{email: "boss@example.com", path: "/admin/settings", status: http.StatusForbidden},
		{email: "root@example.com", path: "/admin/settings", status: http.StatusOK},
		{email: "root@example.com", path: "/admin/menu?date=2026-03-03", status: http.StatusOK},
	}
	for _, tc := range cases {
		rr := doRequest(h, http.MethodGet, tc.path, tc.email, "")
		if rr.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.email, tc.path, tc.status, rr.Code)
		}
	}
}

func TestAdminHandlersUserLifecycle(t *testing.T) {
	users := &stubUsers{deleted: services.UserDeletion{Deactivated: true}}
	orders := &stubOrders{}
	h := newAdminHandler(users, orders, &stubMenu{}, &stubSettings{})

	rr := doRequest(h, http.MethodPut, "/admin/users/Carla@Example.com", "boss@example.com", `{"name":"Carla","departmentId":"ops","status":"ACTIVE"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if users.saveCmd.Email != "carla@example.com" || users.saveCmd.Status != domain.UserStatusActive {
		t.Fatalf("unexpected save command %+v", users.saveCmd)
	}

	rr = doRequest(h, http.MethodPut, "/admin/users/carla@example.com", "boss@example.com", `{"name":"Carla","role":"DEPT_ADMIN"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected stored DEPT_ADMIN role rejected, got %d", rr.Code)
	}

	rr = doRequest(h, http.MethodDelete, "/admin/users/carla@example.com", "boss@example.com", "")
	body := decodeBodyMap(t, rr)
	if body["deactivated"] != true || body["msg"] != "user has orders and was deactivated" {
		t.Fatalf("unexpected delete body %v", body)
	}

	rr = doRequest(h, http.MethodDelete, "/admin/orders/01HX", "boss@example.com", "")
	if rr.Code != http.StatusOK || orders.adminCancel.OrderID != "01HX" {
		t.Fatalf("expected admin cancel, got %d %+v", rr.Code, orders.adminCancel)
	}
}

func TestAdminHandlersMenuWeekAndSettings(t *testing.T) {
	menu := &stubMenu{}
	settings := &stubSettings{}
	h := newAdminHandler(&stubUsers{}, &stubOrders{}, menu, settings)

	rr := doRequest(h, http.MethodPut, "/admin/menu/weeks/2026-03-09", "root@example.com",
		`{"items":[{"date":"2026-03-09","category":"Rice","name":"Arroz blanco"},{"date":"2026-03-10","category":"Meat","name":"Pollo","enabled":false}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if menu.week.Monday != (civil.Date{Year: 2026, Month: 3, Day: 9}) || len(menu.week.Items) != 2 {
		t.Fatalf("unexpected week command %+v", menu.week)
	}
	if !menu.week.Items[0].Enabled || menu.week.Items[1].Enabled {
		t.Fatalf("expected enabled to default true and honour false, got %+v", menu.week.Items)
	}

	rr = doRequest(h, http.MethodPut, "/admin/settings/MINUTOS_PREV_CIERRE", "root@example.com", `{"value":45}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if settings.saved.Key != "MINUTOS_PREV_CIERRE" || settings.saved.Value != domain.NumberValue(45) {
		t.Fatalf("unexpected setting command %+v", settings.saved)
	}

	rr = doRequest(h, http.MethodPut, "/admin/settings/HORA_ENVIO", "root@example.com", `{"value":"15:00"}`)
	if rr.Code != http.StatusOK || settings.saved.Value != domain.TextValue("15:00") {
		t.Fatalf("expected text value saved, got %d %+v", rr.Code, settings.saved)
	}

	rr = doRequest(h, http.MethodPut, "/admin/settings/HORA_ENVIO", "root@example.com", `{"value":true}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for boolean value, got %d", rr.Code)
	}
}

func TestJobHandlersRunAndLimit(t *testing.T) {
	jobs := &stubJobs{report: services.JobReport{Date: civil.Date{Year: 2026, Month: 3, Day: 3}, Processed: 4, Skipped: 1, Failed: 1}}
	now := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	h := mountForTest("/internal", NewJobHandlers(jobs, WithJobClock(func() time.Time { return now })).Routes)

	rr := doRequest(h, http.MethodPost, "/internal/jobs/daily-close", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBodyMap(t, rr)
	report, _ := body["report"].(map[string]any)
	if report["job"] != "daily-close" || report["processed"] != float64(4) || report["date"] != "2026-03-03" {
		t.Fatalf("unexpected report %v", report)
	}

	for i := 1; i < jobRunLimit; i++ {
		doRequest(h, http.MethodPost, "/internal/jobs/daily-close", "", "")
	}
	rr = doRequest(h, http.MethodPost, "/internal/jobs/daily-close", "", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d runs, got %d", jobRunLimit, rr.Code)
	}
	rr = doRequest(h, http.MethodPost, "/internal/jobs/send-reminders", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected independent limit per job, got %d", rr.Code)
	}

	jobs.err = &services.KindError{Kind: services.ErrExternalService, Message: "holiday feed unavailable"}
	rr = doRequest(h, http.MethodPost, "/internal/jobs/department-report", "", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}
