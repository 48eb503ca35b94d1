package repositories

import (
	"context"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Users() UserRepository
	Departments() DepartmentRepository
	Menu() MenuRepository
	Orders() OrderRepository
	Holidays() HolidayRepository
	Settings() SettingsRepository
	AuditLogs() AuditLogRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UserFilter narrows user listings. Empty fields match everything.
type UserFilter struct {
	DepartmentID string
	Status       []domain.UserStatus
}

// UserRepository stores users keyed by normalised email.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (domain.User, error)
	FindByCode(ctx context.Context, code string) (domain.User, error)
	List(ctx context.Context, filter UserFilter) ([]domain.User, error)
	Upsert(ctx context.Context, user domain.User) error
	Delete(ctx context.Context, email string) error
}

// DepartmentRepository stores departments and their administrator lists.
type DepartmentRepository interface {
	FindByID(ctx context.Context, id string) (domain.Department, error)
	List(ctx context.Context) ([]domain.Department, error)
	// SaveExclusive persists dept and, in the same operation, removes each of its administrator
	// emails from every other department. It returns the other departments that were changed.
	SaveExclusive(ctx context.Context, dept domain.Department) ([]domain.Department, error)
	Delete(ctx context.Context, id string) error
}

// MenuRepository stores dated menu items.
type MenuRepository interface {
	FindByID(ctx context.Context, id string) (domain.MenuItem, error)
	ListByDate(ctx context.Context, date civil.Date) ([]domain.MenuItem, error)
	// ListRange returns items dated within [from, to], inclusive.
	ListRange(ctx context.Context, from, to civil.Date) ([]domain.MenuItem, error)
	Upsert(ctx context.Context, item domain.MenuItem) error
	Delete(ctx context.Context, id string) error
	// ReplaceDates deletes every item dated on one of dates and writes items atomically. Items on
	// other dates are left alone.
	ReplaceDates(ctx context.Context, dates []civil.Date, items []domain.MenuItem) error
}

// OrderRepository stores orders and enforces one active order per owner and date.
type OrderRepository interface {
	// UpsertActive writes order as the active order for (OwnerEmail, Date). When one already
	// exists its ID and RequestedAt are kept. The returned flag reports whether a new record
	// was created.
	UpsertActive(ctx context.Context, order domain.Order) (domain.Order, bool, error)
	FindByID(ctx context.Context, id string) (domain.Order, error)
	FindActive(ctx context.Context, ownerEmail string, date civil.Date) (domain.Order, error)
	ListByDate(ctx context.Context, date civil.Date) ([]domain.Order, error)
	// ListRange returns orders whose consumption date falls within [from, to], inclusive.
	ListRange(ctx context.Context, from, to civil.Date) ([]domain.Order, error)
	HasOrders(ctx context.Context, ownerEmail string) (bool, error)
	// Delete removes the order and releases its (owner, date) slot.
	Delete(ctx context.Context, id string) error
}

// HolidayRepository stores the manually maintained holiday list.
type HolidayRepository interface {
	List(ctx context.Context) ([]domain.Holiday, error)
	Upsert(ctx context.Context, holiday domain.Holiday) error
	Delete(ctx context.Context, date civil.Date) error
}

// SettingsRepository stores the key/value configuration table.
type SettingsRepository interface {
	List(ctx context.Context) ([]domain.ConfigSetting, error)
	Get(ctx context.Context, key string) (domain.ConfigSetting, error)
	Upsert(ctx context.Context, setting domain.ConfigSetting) error
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	ListRecent(ctx context.Context, limit int) ([]domain.AuditLogEntry, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
