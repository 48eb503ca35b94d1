// Package firestore implements the repositories on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
	pfirestore "github.com/lunchdesk/api/internal/platform/firestore"
	"github.com/lunchdesk/api/internal/repositories"
)

const (
	userCollection       = "users"
	departmentCollection = "departments"
	menuCollection       = "menuItems"
	orderCollection      = "orders"
	orderSlotCollection  = "orderSlots"
	holidayCollection    = "holidays"
	settingsCollection   = "settings"
	auditCollection      = "auditLogs"
)

// Registry wires every Firestore repository to one provider.
type Registry struct {
	provider *pfirestore.Provider

	users       *UserRepository
	departments *DepartmentRepository
	menu        *MenuRepository
	orders      *OrderRepository
	holidays    *HolidayRepository
	settings    *SettingsRepository
	audit       *AuditLogRepository
	health      repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the Firestore registry. health may be nil.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	return &Registry{
		provider:    provider,
		users:       &UserRepository{base: pfirestore.NewBaseRepository[userDocument](provider, userCollection)},
		departments: &DepartmentRepository{base: pfirestore.NewBaseRepository[departmentDocument](provider, departmentCollection)},
		menu:        &MenuRepository{base: pfirestore.NewBaseRepository[menuDocument](provider, menuCollection)},
		orders: &OrderRepository{
			base:  pfirestore.NewBaseRepository[orderDocument](provider, orderCollection),
			slots: pfirestore.NewBaseRepository[slotDocument](provider, orderSlotCollection),
		},
		holidays: &HolidayRepository{base: pfirestore.NewBaseRepository[holidayDocument](provider, holidayCollection)},
		settings: &SettingsRepository{base: pfirestore.NewBaseRepository[settingDocument](provider, settingsCollection)},
		audit:    &AuditLogRepository{base: pfirestore.NewBaseRepository[auditDocument](provider, auditCollection)},
		health:   health,
	}, nil
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

// Users implements repositories.Registry.
func (r *Registry) Users() repositories.UserRepository { return r.users }

// Departments implements repositories.Registry.
func (r *Registry) Departments() repositories.DepartmentRepository { return r.departments }

// Menu implements repositories.Registry.
func (r *Registry) Menu() repositories.MenuRepository { return r.menu }

// Orders implements repositories.Registry.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Holidays implements repositories.Registry.
func (r *Registry) Holidays() repositories.HolidayRepository { return r.holidays }

// Settings implements repositories.Registry.
func (r *Registry) Settings() repositories.SettingsRepository { return r.settings }

// AuditLogs implements repositories.Registry.
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audit }

// Health implements repositories.Registry.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// Dates are stored as ISO strings so range queries order lexically.
func dateKey(d civil.Date) string {
	return d.String()
}

func parseDateKey(raw string) civil.Date {
	d, err := civil.ParseDate(strings.TrimSpace(raw))
	if err != nil {
		return civil.Date{}
	}
	return d
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

func normaliseEmails(emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, email := range emails {
		if key := domain.NormalizeEmail(email); key != "" {
			out = append(out, key)
		}
	}
	return out
}
