package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/auth"
	"github.com/lunchdesk/api/internal/platform/httpx"
	"github.com/lunchdesk/api/internal/services"
)

const (
	defaultDashboardDays = 7
	maxDashboardDays     = 90
	defaultAuditLimit    = 50
	maxAuditLimit        = 500
)

type saveUserPayload struct {
	Name         string `json:"name" validate:"required,max=120"`
	DepartmentID string `json:"departmentId"`
	Role         string `json:"role" validate:"omitempty,oneof=MEMBER GLOBAL_ADMIN"`
	Status       string `json:"status" validate:"omitempty,oneof=PENDING ACTIVE INACTIVE"`
	Code         string `json:"code" validate:"max=32"`
}

type saveDepartmentPayload struct {
	Name        string   `json:"name" validate:"required,max=120"`
	AdminEmails []string `json:"adminEmails" validate:"dive,email"`
	Status      string   `json:"status" validate:"omitempty,oneof=ACTIVE INACTIVE"`
}

type saveMenuItemPayload struct {
	Date        string `json:"date" validate:"required"`
	Category    string `json:"category" validate:"required"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=1000"`
	Enabled     *bool  `json:"enabled"`
}

type menuWeekPayload struct {
	Items []saveMenuItemPayload `json:"items" validate:"dive"`
}

type saveHolidayPayload struct {
	Reason string `json:"reason" validate:"max=200"`
}

type saveSettingPayload struct {
	Value       json.RawMessage `json:"value" validate:"required"`
	Description string          `json:"description" validate:"max=500"`
}

// AdminDeps bundles the services behind the /admin endpoints.
type AdminDeps struct {
	Access      services.AccessService
	Users       services.UserService
	Departments services.DepartmentService
	Menu        services.MenuService
	Holidays    services.HolidayService
	Settings    services.SettingsService
	Orders      services.OrderService
	Dashboard   services.DashboardService
	Audit       services.AuditLogService
}

// AdminHandlers serves administrative endpoints. Department administrators reach the user,
// order and dashboard routes within their scope; everything else needs a global administrator.
type AdminHandlers struct {
	authn *auth.Authenticator
	deps  AdminDeps
}

// NewAdminHandlers constructs the /admin handlers.
func NewAdminHandlers(authn *auth.Authenticator, deps AdminDeps) *AdminHandlers {
	return &AdminHandlers{authn: authn, deps: deps}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Use(requirePrincipal(h.deps.Access))
	r.Use(requireRole(domain.RoleDeptAdmin))

	r.Get("/users", h.listUsers)
	r.Put("/users/{email}", h.saveUser)
	r.Post("/users/{email}:activate", h.activateUser)
	r.Delete("/users/{email}", h.deleteUser)
	r.Delete("/orders/{orderID}", h.cancelOrder)
	r.Get("/dashboard", h.dashboard)

	r.Group(func(r chi.Router) {
		r.Use(requireRole(domain.RoleGlobalAdmin))
		r.Get("/departments", h.listDepartments)
		r.Put("/departments/{departmentID}", h.saveDepartment)
		r.Delete("/departments/{departmentID}", h.deleteDepartment)

		r.Get("/menu", h.listMenu)
		r.Put("/menu/items/{itemID}", h.saveMenuItem)
		r.Delete("/menu/items/{itemID}", h.deleteMenuItem)
		r.Put("/menu/weeks/{monday}", h.replaceMenuWeek)

		r.Get("/holidays", h.listHolidays)
		r.Put("/holidays/{date}", h.saveHoliday)
		r.Delete("/holidays/{date}", h.deleteHoliday)

		r.Get("/settings", h.listSettings)
		r.Put("/settings/{key}", h.saveSetting)

		r.Get("/audit-logs", h.listAuditLogs)
	})
}

// users ---------------------------------------------------------------------

func (h *AdminHandlers) listUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	query := r.URL.Query()
	filter := services.UserListFilter{DepartmentID: strings.TrimSpace(query.Get("departmentId"))}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
				filter.Status = append(filter.Status, domain.UserStatus(part))
			}
		}
	}
	users, err := h.deps.Users.List(ctx, principal, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"users": toUserPayloads(users)})
}

func (h *AdminHandlers) saveUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	var payload saveUserPayload
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	user, err := h.deps.Users.Save(ctx, services.SaveUserCommand{
		Actor:        principal,
		Email:        pathEmail(r),
		Name:         payload.Name,
		DepartmentID: payload.DepartmentID,
		Role:         domain.Role(payload.Role),
		Status:       domain.UserStatus(payload.Status),
		Code:         payload.Code,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"user": toUserPayload(user, "")})
}

func (h *AdminHandlers) activateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	user, err := h.deps.Users.Activate(ctx, services.ActivateUserCommand{Actor: principal, Email: pathEmail(r)})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"user": toUserPayload(user, "")})
}

func (h *AdminHandlers) deleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	result, err := h.deps.Users.Delete(ctx, services.DeleteUserCommand{Actor: principal, Email: pathEmail(r)})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	msg := "user deleted"
	if result.Deactivated {
		msg = "user has orders and was deactivated"
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{
		"msg":         msg,
		"email":       result.Email,
		"deactivated": result.Deactivated,
	})
}

func pathEmail(r *http.Request) string {
	raw := chi.URLParam(r, "email")
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}
	return domain.NormalizeEmail(raw)
}

// orders and dashboard ------------------------------------------------------

func (h *AdminHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if err := h.deps.Orders.AdminCancel(ctx, services.CancelOrderCommand{Actor: principal, OrderID: orderID}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"msg": "order cancelled"})
}

func (h *AdminHandlers) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	days, err := intQuery(r, "days", defaultDashboardDays, maxDashboardDays)
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	dash, err := h.deps.Dashboard.Dashboard(ctx, principal, days)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	orders := make([]orderPayload, 0, len(dash.RecentOrders))
	for _, order := range dash.RecentOrders {
		orders = append(orders, toOrderPayload(order))
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{
		"scope":        map[string]string{"kind": string(dash.Scope.Kind), "departmentId": dash.Scope.DepartmentID},
		"from":         dash.From.String(),
		"to":           dash.To.String(),
		"users":        toUserPayloads(dash.Users),
		"departments":  toDepartmentPayloads(dash.Departments),
		"recentOrders": orders,
		"settings":     toSettingPayloads(dash.Settings),
		"holidays":     toHolidayPayloads(dash.Holidays),
	})
}

// departments ---------------------------------------------------------------

func (h *AdminHandlers) listDepartments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	depts, err := h.deps.Departments.List(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"departments": toDepartmentPayloads(depts)})
}

func (h *AdminHandlers) saveDepartment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	var payload saveDepartmentPayload
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "departmentID"))
	if id == "-" {
		// "-" asks the service to derive the id from the name
		id = ""
	}
	dept, err := h.deps.Departments.Save(ctx, services.SaveDepartmentCommand{
		Actor:       principal,
		ID:          id,
		Name:        payload.Name,
		AdminEmails: payload.AdminEmails,
		Status:      domain.DepartmentStatus(payload.Status),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"department": toDepartmentPayload(dept)})
}

func (h *AdminHandlers) deleteDepartment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	id := strings.TrimSpace(chi.URLParam(r, "departmentID"))
	if err := h.deps.Departments.Delete(ctx, services.DeleteDepartmentCommand{Actor: principal, ID: id}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"msg": "department deleted"})
}

// menu ----------------------------------------------------------------------

func (h *AdminHandlers) listMenu(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date, err := parseDateParam(r.URL.Query().Get("date"))
	if err != nil {
		writeBadRequest(ctx, w, "date: "+err.Error())
		return
	}
	items, err := h.deps.Menu.ListByDate(ctx, date)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"items": toMenuItemPayloads(items)})
}

func (h *AdminHandlers) saveMenuItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	var payload saveMenuItemPayload
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	date, err := parseDateParam(payload.Date)
	if err != nil {
		writeBadRequest(ctx, w, "date: "+err.Error())
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if id == "-" {
		id = ""
	}
	item, err := h.deps.Menu.SaveItem(ctx, services.SaveMenuItemCommand{
		Actor:       principal,
		ID:          id,
		Date:        date,
		Category:    payload.Category,
		Name:        payload.Name,
		Description: payload.Description,
		Enabled:     payload.Enabled == nil || *payload.Enabled,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"item": toMenuItemPayload(item)})
}

func (h *AdminHandlers) deleteMenuItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	id := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if err := h.deps.Menu.DeleteItem(ctx, services.DeleteMenuItemCommand{Actor: principal, ID: id}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"msg": "menu item deleted"})
}

func (h *AdminHandlers) replaceMenuWeek(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	monday, err := parseDateParam(chi.URLParam(r, "monday"))
	if err != nil {
		writeBadRequest(ctx, w, "monday: "+err.Error())
		return
	}
	var payload menuWeekPayload
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	inputs := make([]services.MenuItemInput, 0, len(payload.Items))
	for i, item := range payload.Items {
		date, err := parseDateParam(item.Date)
		if err != nil {
			writeBadRequest(ctx, w, "items["+strconv.Itoa(i)+"].date: "+err.Error())
			return
		}
		inputs = append(inputs, services.MenuItemInput{
			Date:        date,
			Category:    item.Category,
			Name:        item.Name,
			Description: item.Description,
			Enabled:     item.Enabled == nil || *item.Enabled,
		})
	}
	items, err := h.deps.Menu.ReplaceWeek(ctx, services.ReplaceMenuWeekCommand{Actor: principal, Monday: monday, Items: inputs})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"items": toMenuItemPayloads(items)})
}

// holidays ------------------------------------------------------------------

func (h *AdminHandlers) listHolidays(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	holidays, err := h.deps.Holidays.List(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"holidays": toHolidayPayloads(holidays)})
}

func (h *AdminHandlers) saveHoliday(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	date, err := parseDateParam(chi.URLParam(r, "date"))
	if err != nil {
		writeBadRequest(ctx, w, "date: "+err.Error())
		return
	}
	var payload saveHolidayPayload
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	holiday, err := h.deps.Holidays.Save(ctx, services.SaveHolidayCommand{Actor: principal, Date: date, Reason: payload.Reason})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"holiday": holidayPayload{Date: holiday.Date.String(), Reason: holiday.Reason}})
}

func (h *AdminHandlers) deleteHoliday(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	date, err := parseDateParam(chi.URLParam(r, "date"))
	if err != nil {
		writeBadRequest(ctx, w, "date: "+err.Error())
		return
	}
	if err := h.deps.Holidays.Delete(ctx, services.DeleteHolidayCommand{Actor: principal, Date: date}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"msg": "holiday deleted"})
}

// settings and audit --------------------------------------------------------

func (h *AdminHandlers) listSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, err := h.deps.Settings.List(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"settings": toSettingPayloads(settings)})
}

func (h *AdminHandlers) saveSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	var payload saveSettingPayload
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	value, err := settingValueFromJSON(payload.Value)
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	setting, err := h.deps.Settings.Save(ctx, services.SaveSettingCommand{
		Actor:       principal,
		Key:         strings.TrimSpace(chi.URLParam(r, "key")),
		Value:       value,
		Description: payload.Description,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"setting": toSettingPayload(setting)})
}

// settingValueFromJSON accepts a JSON string or number.
func settingValueFromJSON(raw json.RawMessage) (domain.SettingValue, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return domain.TextValue(text), nil
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return domain.NumberValue(number), nil
	}
	return domain.SettingValue{}, errValueType
}

var errValueType = errors.New("value must be a string or a number")

func (h *AdminHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := intQuery(r, "limit", defaultAuditLimit, maxAuditLimit)
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	entries, err := h.deps.Audit.ListRecent(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"entries": toAuditEntryPayloads(entries)})
}

func intQuery(r *http.Request, key string, def, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	switch {
	case n <= 0:
		return def, nil
	case n > max:
		return max, nil
	default:
		return n, nil
	}
}
