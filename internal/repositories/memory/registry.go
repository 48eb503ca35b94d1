// Package memory provides process-local repositories for tests and single-instance local runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/repositories"
)

// Registry holds every repository behind a single mutex so multi-record operations
// (department admin exclusivity, order slots) are atomic.
type Registry struct {
	mu sync.Mutex

	users       map[string]domain.User
	departments map[string]domain.Department
	menu        map[string]domain.MenuItem
	orders      map[string]domain.Order
	slots       map[orderSlot]string
	holidays    map[civil.Date]domain.Holiday
	settings    map[string]domain.ConfigSetting
	audit       []domain.AuditLogEntry

	health repositories.HealthRepository
}

type orderSlot struct {
	owner string
	date  civil.Date
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs an empty registry. health may be nil.
func NewRegistry(health repositories.HealthRepository) *Registry {
	return &Registry{
		users:       make(map[string]domain.User),
		departments: make(map[string]domain.Department),
		menu:        make(map[string]domain.MenuItem),
		orders:      make(map[string]domain.Order),
		slots:       make(map[orderSlot]string),
		holidays:    make(map[civil.Date]domain.Holiday),
		settings:    make(map[string]domain.ConfigSetting),
		health:      health,
	}
}

// Close implements repositories.Registry.
func (r *Registry) Close(context.Context) error { return nil }

// Users implements repositories.Registry.
func (r *Registry) Users() repositories.UserRepository { return userRepo{r} }

// Departments implements repositories.Registry.
func (r *Registry) Departments() repositories.DepartmentRepository { return departmentRepo{r} }

// Menu implements repositories.Registry.
func (r *Registry) Menu() repositories.MenuRepository { return menuRepo{r} }

// Orders implements repositories.Registry.
func (r *Registry) Orders() repositories.OrderRepository { return orderRepo{r} }

// Holidays implements repositories.Registry.
func (r *Registry) Holidays() repositories.HolidayRepository { return holidayRepo{r} }

// Settings implements repositories.Registry.
func (r *Registry) Settings() repositories.SettingsRepository { return settingsRepo{r} }

// AuditLogs implements repositories.Registry.
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return auditRepo{r} }

// Health implements repositories.Registry.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

func notFound(op, what string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, what+" not found")
}

func inRange(d, from, to civil.Date) bool {
	return !d.Before(from) && !d.After(to)
}

// users ---------------------------------------------------------------------

type userRepo struct{ r *Registry }

func (u userRepo) FindByEmail(_ context.Context, email string) (domain.User, error) {
	u.r.mu.Lock()
	defer u.r.mu.Unlock()
	user, ok := u.r.users[domain.NormalizeEmail(email)]
	if !ok {
		return domain.User{}, notFound("users.get", "user")
	}
	return cloneUser(user), nil
}

func (u userRepo) FindByCode(_ context.Context, code string) (domain.User, error) {
	code = strings.TrimSpace(code)
	u.r.mu.Lock()
	defer u.r.mu.Unlock()
	if code != "" {
		for _, user := range u.r.users {
			if strings.EqualFold(user.Code, code) {
				return cloneUser(user), nil
			}
		}
	}
	return domain.User{}, notFound("users.by_code", "user")
}

func (u userRepo) List(_ context.Context, filter repositories.UserFilter) ([]domain.User, error) {
	u.r.mu.Lock()
	defer u.r.mu.Unlock()
	out := make([]domain.User, 0, len(u.r.users))
	for _, user := range u.r.users {
		if filter.DepartmentID != "" && user.DepartmentID != filter.DepartmentID {
			continue
		}
		if len(filter.Status) > 0 && !containsStatus(filter.Status, user.Status) {
			continue
		}
		out = append(out, cloneUser(user))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (u userRepo) Upsert(_ context.Context, user domain.User) error {
	key := domain.NormalizeEmail(user.Email)
	if key == "" {
		return repositories.NewStoreError("users.upsert", repositories.StoreErrorConflict, "email is required")
	}
	user.Email = key
	u.r.mu.Lock()
	u.r.users[key] = cloneUser(user)
	u.r.mu.Unlock()
	return nil
}

func (u userRepo) Delete(_ context.Context, email string) error {
	key := domain.NormalizeEmail(email)
	u.r.mu.Lock()
	defer u.r.mu.Unlock()
	if _, ok := u.r.users[key]; !ok {
		return notFound("users.delete", "user")
	}
	delete(u.r.users, key)
	return nil
}

func containsStatus(list []domain.UserStatus, status domain.UserStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func cloneUser(user domain.User) domain.User {
	user.Preferences = cloneMap(user.Preferences)
	return user
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// departments ---------------------------------------------------------------

type departmentRepo struct{ r *Registry }

func (d departmentRepo) FindByID(_ context.Context, id string) (domain.Department, error) {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()
	dept, ok := d.r.departments[id]
	if !ok {
		return domain.Department{}, notFound("departments.get", "department")
	}
	return cloneDepartment(dept), nil
}

func (d departmentRepo) List(context.Context) ([]domain.Department, error) {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()
	out := make([]domain.Department, 0, len(d.r.departments))
	for _, dept := range d.r.departments {
		out = append(out, cloneDepartment(dept))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d departmentRepo) SaveExclusive(_ context.Context, dept domain.Department) ([]domain.Department, error) {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()

	var changed []domain.Department
	for id, other := range d.r.departments {
		if id == dept.ID {
			continue
		}
		kept := other.AdminEmails[:0:0]
		for _, admin := range other.AdminEmails {
			if !dept.HasAdmin(admin) {
				kept = append(kept, admin)
			}
		}
		if len(kept) != len(other.AdminEmails) {
			other.AdminEmails = kept
			other.UpdatedAt = dept.UpdatedAt
			d.r.departments[id] = other
			changed = append(changed, cloneDepartment(other))
		}
	}
	d.r.departments[dept.ID] = cloneDepartment(dept)
	return changed, nil
}

func (d departmentRepo) Delete(_ context.Context, id string) error {
	d.r.mu.Lock()
	defer d.r.mu.Unlock()
	if _, ok := d.r.departments[id]; !ok {
		return notFound("departments.delete", "department")
	}
	delete(d.r.departments, id)
	return nil
}

func cloneDepartment(dept domain.Department) domain.Department {
	dept.AdminEmails = append([]string(nil), dept.AdminEmails...)
	dept.Preferences = cloneMap(dept.Preferences)
	return dept
}

// menu ----------------------------------------------------------------------

type menuRepo struct{ r *Registry }

func (m menuRepo) FindByID(_ context.Context, id string) (domain.MenuItem, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	item, ok := m.r.menu[id]
	if !ok {
		return domain.MenuItem{}, notFound("menu.get", "menu item")
	}
	return item, nil
}

func (m menuRepo) ListByDate(ctx context.Context, date civil.Date) ([]domain.MenuItem, error) {
	return m.ListRange(ctx, date, date)
}

func (m menuRepo) ListRange(_ context.Context, from, to civil.Date) ([]domain.MenuItem, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	var out []domain.MenuItem
	for _, item := range m.r.menu {
		if inRange(item.Date, from, to) {
			out = append(out, item)
		}
	}
	sortMenu(out)
	return out, nil
}

func (m menuRepo) Upsert(_ context.Context, item domain.MenuItem) error {
	m.r.mu.Lock()
	m.r.menu[item.ID] = item
	m.r.mu.Unlock()
	return nil
}

func (m menuRepo) Delete(_ context.Context, id string) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	if _, ok := m.r.menu[id]; !ok {
		return notFound("menu.delete", "menu item")
	}
	delete(m.r.menu, id)
	return nil
}

func (m menuRepo) ReplaceDates(_ context.Context, dates []civil.Date, items []domain.MenuItem) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	replaced := make(map[civil.Date]struct{}, len(dates))
	for _, d := range dates {
		replaced[d] = struct{}{}
	}
	for id, item := range m.r.menu {
		if _, ok := replaced[item.Date]; ok {
			delete(m.r.menu, id)
		}
	}
	for _, item := range items {
		m.r.menu[item.ID] = item
	}
	return nil
}

func sortMenu(items []domain.MenuItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Date != items[j].Date {
			return items[i].Date.Before(items[j].Date)
		}
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].ID < items[j].ID
	})
}

// orders --------------------------------------------------------------------

type orderRepo struct{ r *Registry }

func (o orderRepo) UpsertActive(_ context.Context, order domain.Order) (domain.Order, bool, error) {
	slot := orderSlot{owner: domain.NormalizeEmail(order.OwnerEmail), date: order.Date}

	o.r.mu.Lock()
	defer o.r.mu.Unlock()

	created := true
	if existingID, ok := o.r.slots[slot]; ok {
		if existing, found := o.r.orders[existingID]; found {
			order.ID = existing.ID
			order.RequestedAt = existing.RequestedAt
			created = false
		}
	}
	if created {
		if _, taken := o.r.orders[order.ID]; taken {
			return domain.Order{}, false, repositories.NewStoreError("orders.upsert", repositories.StoreErrorConflict, "order id already in use")
		}
	}
	order.OwnerEmail = slot.owner
	order.Status = domain.OrderStatusActive
	o.r.orders[order.ID] = cloneOrder(order)
	o.r.slots[slot] = order.ID
	return cloneOrder(order), created, nil
}

func (o orderRepo) FindByID(_ context.Context, id string) (domain.Order, error) {
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	order, ok := o.r.orders[id]
	if !ok {
		return domain.Order{}, notFound("orders.get", "order")
	}
	return cloneOrder(order), nil
}

func (o orderRepo) FindActive(_ context.Context, ownerEmail string, date civil.Date) (domain.Order, error) {
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	id, ok := o.r.slots[orderSlot{owner: domain.NormalizeEmail(ownerEmail), date: date}]
	if !ok {
		return domain.Order{}, notFound("orders.active", "order")
	}
	return cloneOrder(o.r.orders[id]), nil
}

func (o orderRepo) ListByDate(ctx context.Context, date civil.Date) ([]domain.Order, error) {
	return o.ListRange(ctx, date, date)
}

func (o orderRepo) ListRange(_ context.Context, from, to civil.Date) ([]domain.Order, error) {
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	var out []domain.Order
	for _, order := range o.r.orders {
		if inRange(order.Date, from, to) {
			out = append(out, cloneOrder(order))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].OwnerEmail < out[j].OwnerEmail
	})
	return out, nil
}

func (o orderRepo) HasOrders(_ context.Context, ownerEmail string) (bool, error) {
	key := domain.NormalizeEmail(ownerEmail)
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	for slot := range o.r.slots {
		if slot.owner == key {
			return true, nil
		}
	}
	return false, nil
}

func (o orderRepo) Delete(_ context.Context, id string) error {
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	order, ok := o.r.orders[id]
	if !ok {
		return notFound("orders.delete", "order")
	}
	delete(o.r.orders, id)
	slot := orderSlot{owner: domain.NormalizeEmail(order.OwnerEmail), date: order.Date}
	if o.r.slots[slot] == id {
		delete(o.r.slots, slot)
	}
	return nil
}

func cloneOrder(order domain.Order) domain.Order {
	order.Selection.Categories = append([]domain.MenuCategory(nil), order.Selection.Categories...)
	order.Selection.Items = append([]string(nil), order.Selection.Items...)
	return order
}

// holidays ------------------------------------------------------------------

type holidayRepo struct{ r *Registry }

func (h holidayRepo) List(context.Context) ([]domain.Holiday, error) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	out := make([]domain.Holiday, 0, len(h.r.holidays))
	for _, holiday := range h.r.holidays {
		out = append(out, holiday)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (h holidayRepo) Upsert(_ context.Context, holiday domain.Holiday) error {
	h.r.mu.Lock()
	h.r.holidays[holiday.Date] = holiday
	h.r.mu.Unlock()
	return nil
}

func (h holidayRepo) Delete(_ context.Context, date civil.Date) error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if _, ok := h.r.holidays[date]; !ok {
		return notFound("holidays.delete", "holiday")
	}
	delete(h.r.holidays, date)
	return nil
}

// settings ------------------------------------------------------------------

type settingsRepo struct{ r *Registry }

func (s settingsRepo) List(context.Context) ([]domain.ConfigSetting, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	out := make([]domain.ConfigSetting, 0, len(s.r.settings))
	for _, setting := range s.r.settings {
		out = append(out, setting)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s settingsRepo) Get(_ context.Context, key string) (domain.ConfigSetting, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	setting, ok := s.r.settings[key]
	if !ok {
		return domain.ConfigSetting{}, notFound("settings.get", "setting")
	}
	return setting, nil
}

func (s settingsRepo) Upsert(_ context.Context, setting domain.ConfigSetting) error {
	s.r.mu.Lock()
	s.r.settings[setting.Key] = setting
	s.r.mu.Unlock()
	return nil
}

// audit ---------------------------------------------------------------------

type auditRepo struct{ r *Registry }

func (a auditRepo) Append(_ context.Context, entry domain.AuditLogEntry) error {
	a.r.mu.Lock()
	a.r.audit = append(a.r.audit, entry)
	a.r.mu.Unlock()
	return nil
}

func (a auditRepo) ListRecent(_ context.Context, limit int) ([]domain.AuditLogEntry, error) {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	if limit <= 0 || limit > len(a.r.audit) {
		limit = len(a.r.audit)
	}
	out := make([]domain.AuditLogEntry, 0, limit)
	for i := len(a.r.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, a.r.audit[i])
	}
	return out, nil
}
