package domain

import (
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Role is the effective authorisation role of a user.
type Role string

const (
	// RoleMember may only read and write their own orders.
	RoleMember Role = "MEMBER"
	// RoleDeptAdmin may act on behalf of users in the department they administer.
	RoleDeptAdmin Role = "DEPT_ADMIN"
	// RoleGlobalAdmin sees and acts on every record.
	RoleGlobalAdmin Role = "GLOBAL_ADMIN"
)

// Rank orders roles by privilege so handlers can require a minimum role.
func (r Role) Rank() int {
	switch r {
	case RoleGlobalAdmin:
		return 3
	case RoleDeptAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// ParseRole normalises stored role strings, accepting the legacy sheet values.
func ParseRole(raw string) Role {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "GLOBAL_ADMIN", "ADMIN_GEN":
		return RoleGlobalAdmin
	case "DEPT_ADMIN", "ADMIN_DEP":
		return RoleDeptAdmin
	default:
		return RoleMember
	}
}

// UserStatus tracks the access lifecycle of a user.
type UserStatus string

const (
	UserStatusPending  UserStatus = "PENDING"
	UserStatusActive   UserStatus = "ACTIVE"
	UserStatusInactive UserStatus = "INACTIVE"
)

// DepartmentStatus marks whether a department accepts new members.
type DepartmentStatus string

const (
	DepartmentStatusActive   DepartmentStatus = "ACTIVE"
	DepartmentStatusInactive DepartmentStatus = "INACTIVE"
)

// User is a person allowed to reserve lunches. Email is the case-insensitive key.
type User struct {
	Email        string
	Name         string
	DepartmentID string
	// Role is the stored role. The effective role is derived by combining it with department
	// administrator lists and must never be written back here.
	Role        Role
	Status      UserStatus
	Preferences map[string]any
	Code        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsActive reports whether the user may place orders.
func (u User) IsActive() bool {
	return u.Status == UserStatusActive
}

// Department groups users and lists the emails of its administrators.
type Department struct {
	ID          string
	Name        string
	AdminEmails []string
	Status      DepartmentStatus
	Preferences map[string]any
	UpdatedAt   time.Time
}

// HasAdmin reports whether email is listed as an administrator of the department.
func (d Department) HasAdmin(email string) bool {
	key := NormalizeEmail(email)
	if key == "" {
		return false
	}
	for _, admin := range d.AdminEmails {
		if NormalizeEmail(admin) == key {
			return true
		}
	}
	return false
}

// MenuCategory enumerates dish categories.
type MenuCategory string

const (
	CategoryRice        MenuCategory = "Rice"
	CategoryGrains      MenuCategory = "Grains"
	CategoryMeat        MenuCategory = "Meat"
	CategoryStarches    MenuCategory = "Starches"
	CategorySalads      MenuCategory = "Salads"
	CategoryVegetarian  MenuCategory = "Vegetarian"
	CategorySoup        MenuCategory = "Soup"
	CategoryQuickOption MenuCategory = "QuickOption"
)

var menuCategories = map[MenuCategory]struct{}{
	CategoryRice:        {},
	CategoryGrains:      {},
	CategoryMeat:        {},
	CategoryStarches:    {},
	CategorySalads:      {},
	CategoryVegetarian:  {},
	CategorySoup:        {},
	CategoryQuickOption: {},
}

// legacy sheet category names
var legacyCategories = map[string]MenuCategory{
	"arroces":       CategoryRice,
	"granos":        CategoryGrains,
	"carnes":        CategoryMeat,
	"viveres":       CategoryStarches,
	"víveres":       CategoryStarches,
	"ensaladas":     CategorySalads,
	"vegetariana":   CategoryVegetarian,
	"caldo":         CategorySoup,
	"opcion_rapida": CategoryQuickOption,
}

// ParseMenuCategory resolves a category name, returning false when it is unknown.
func ParseMenuCategory(raw string) (MenuCategory, bool) {
	trimmed := strings.TrimSpace(raw)
	for category := range menuCategories {
		if strings.EqualFold(string(category), trimmed) {
			return category, true
		}
	}
	if category, ok := legacyCategories[strings.ToLower(trimmed)]; ok {
		return category, true
	}
	return "", false
}

// IsSpecial reports whether the category cannot be combined with the regular menu.
func (c MenuCategory) IsSpecial() bool {
	switch c {
	case CategoryVegetarian, CategorySoup, CategoryQuickOption:
		return true
	default:
		return false
	}
}

// MenuItem is a dish offered on a given date.
type MenuItem struct {
	ID          string
	Date        civil.Date
	Category    MenuCategory
	Name        string
	Description string
	Enabled     bool
	UpdatedAt   time.Time
}

// Selection is the set of categories and the order-correlated item names chosen by a user.
type Selection struct {
	Categories []MenuCategory
	Items      []string
}

// Summary renders the human readable order line stored alongside the order.
func (s Selection) Summary() string {
	items := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return strings.Join(items, ", ")
}

// OrderStatus is the lifecycle state of an order record.
type OrderStatus string

const (
	OrderStatusActive    OrderStatus = "ACTIVE"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order is a reservation of one lunch for one owner on one consumption date.
type Order struct {
	ID          string
	RequestedAt time.Time
	Date        civil.Date
	OwnerEmail  string
	OwnerName   string
	// DepartmentID is a snapshot taken when the order was written.
	DepartmentID string
	Summary      string
	Selection    Selection
	Status       OrderStatus
	UpdatedAt    time.Time
	CreatedBy    string
}

// Holiday is a non-business date.
type Holiday struct {
	Date   civil.Date
	Reason string
}

// HolidaySet is the merged set of non-business dates keyed by calendar day.
type HolidaySet map[civil.Date]struct{}

// NewHolidaySet builds a set from the provided dates.
func NewHolidaySet(dates ...civil.Date) HolidaySet {
	set := make(HolidaySet, len(dates))
	for _, d := range dates {
		set.Add(d)
	}
	return set
}

// Add inserts a date when it is valid.
func (s HolidaySet) Add(d civil.Date) {
	if s == nil || !d.IsValid() {
		return
	}
	s[d] = struct{}{}
}

// Contains reports whether d is a holiday. A nil set contains nothing.
func (s HolidaySet) Contains(d civil.Date) bool {
	if s == nil {
		return false
	}
	_, ok := s[d]
	return ok
}

// Dates returns the members sorted ascending.
func (s HolidaySet) Dates() []civil.Date {
	out := make([]civil.Date, 0, len(s))
	for d := range s {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// NormalizeEmail lowercases and trims an email address for use as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ScopeKind describes how much data a principal may see.
type ScopeKind string

const (
	ScopeAll        ScopeKind = "all"
	ScopeDepartment ScopeKind = "department"
	ScopeSelf       ScopeKind = "self"
)

// Scope is the resolved visibility of a principal.
type Scope struct {
	Kind         ScopeKind
	DepartmentID string
	Email        string
}

// Allows reports whether a record owned by email in departmentID is visible within the scope.
func (s Scope) Allows(email, departmentID string) bool {
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeDepartment:
		return s.DepartmentID != "" && s.DepartmentID == departmentID
	case ScopeSelf:
		return NormalizeEmail(s.Email) == NormalizeEmail(email)
	default:
		return false
	}
}

// Principal is a user together with the role derived for the current request.
type Principal struct {
	User User
	Role Role
}

// Email returns the principal's normalised email.
func (p Principal) Email() string {
	return NormalizeEmail(p.User.Email)
}

// ActingSubject is the outcome of impersonation resolution: the user whose data is affected
// and the email of whoever performed the action.
type ActingSubject struct {
	Owner        User
	ActorEmail   string
	Impersonated bool
}

// AvailableDate is an open consumption date offered to the caller.
type AvailableDate struct {
	Date  civil.Date
	Label string
}

// AdminSummaryLine is one row of the per-date admin summary.
type AdminSummaryLine struct {
	Name         string
	Summary      string
	DepartmentID string
}

// AdminSummary aggregates orders for a date within the caller's scope.
type AdminSummary struct {
	Total  int
	ByUser []AdminSummaryLine
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores an administrative mutation for later review.
type AuditLogEntry struct {
	ID        string
	Actor     string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	Severity  string
	RequestID string
	CreatedAt time.Time
}
