package services

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
)

// Logger receives structured service events. Implementations adapt it to the process logger.
type Logger func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}

// AccessService resolves principals, impersonation targets and visibility scopes.
type AccessService interface {
	// Principal loads the user behind email and derives the effective role.
	Principal(ctx context.Context, email string) (domain.Principal, error)
	// ResolveActingSubject returns the owner affected by a write performed by actor, honouring an
	// optional impersonation target email.
	ResolveActingSubject(ctx context.Context, actor domain.Principal, targetEmail string) (domain.ActingSubject, error)
	// Scope returns the visibility scope of actor.
	Scope(actor domain.Principal) domain.Scope
}

// SettingsService exposes the typed configuration table.
type SettingsService interface {
	Current(ctx context.Context) (domain.Settings, error)
	List(ctx context.Context) ([]domain.ConfigSetting, error)
	Save(ctx context.Context, cmd SaveSettingCommand) (domain.ConfigSetting, error)
}

// HolidayService provides the merged holiday set and manages the manual list.
type HolidayService interface {
	HolidaySet(ctx context.Context) (domain.HolidaySet, error)
	List(ctx context.Context) ([]domain.Holiday, error)
	Save(ctx context.Context, cmd SaveHolidayCommand) (domain.Holiday, error)
	Delete(ctx context.Context, cmd DeleteHolidayCommand) error
}

// OrderService implements the member-facing ordering flow.
type OrderService interface {
	InitData(ctx context.Context, query InitDataQuery) (InitData, error)
	Submit(ctx context.Context, cmd SubmitOrderCommand) (domain.Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) error
	// AdminCancel deletes an order regardless of the ordering window. Only global administrators
	// and department administrators in scope may call it.
	AdminCancel(ctx context.Context, cmd CancelOrderCommand) error
}

// UserService manages user records and their lifecycle.
type UserService interface {
	RequestAccess(ctx context.Context, cmd AccessRequestCommand) (domain.User, error)
	List(ctx context.Context, actor domain.Principal, filter UserListFilter) ([]domain.User, error)
	Save(ctx context.Context, cmd SaveUserCommand) (domain.User, error)
	Activate(ctx context.Context, cmd ActivateUserCommand) (domain.User, error)
	Delete(ctx context.Context, cmd DeleteUserCommand) (UserDeletion, error)
	SetPreference(ctx context.Context, cmd SetPreferenceCommand) (map[string]any, error)
}

// DepartmentService manages departments and their administrator lists.
type DepartmentService interface {
	List(ctx context.Context) ([]domain.Department, error)
	Save(ctx context.Context, cmd SaveDepartmentCommand) (domain.Department, error)
	Delete(ctx context.Context, cmd DeleteDepartmentCommand) error
}

// MenuService manages the dated menu. Writes are gated by the ordering window of the item date.
type MenuService interface {
	ListByDate(ctx context.Context, date civil.Date) ([]domain.MenuItem, error)
	SaveItem(ctx context.Context, cmd SaveMenuItemCommand) (domain.MenuItem, error)
	DeleteItem(ctx context.Context, cmd DeleteMenuItemCommand) error
	ReplaceWeek(ctx context.Context, cmd ReplaceMenuWeekCommand) ([]domain.MenuItem, error)
}

// DashboardService aggregates the administrative overview.
type DashboardService interface {
	Dashboard(ctx context.Context, actor domain.Principal, days int) (Dashboard, error)
}

// JobService runs the scheduled entry points.
type JobService interface {
	SendReminders(ctx context.Context) (JobReport, error)
	DailyClose(ctx context.Context) (JobReport, error)
	DepartmentReport(ctx context.Context) (JobReport, error)
}

// SystemService exposes operational status.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// AuditLogService writes and reads the administrative audit trail.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	ListRecent(ctx context.Context, limit int) ([]domain.AuditLogEntry, error)
}

// HolidayFeed is the external holiday source.
type HolidayFeed interface {
	Holidays(ctx context.Context, from, to civil.Date) ([]domain.Holiday, error)
}

// Notifier is the outbound notification sink.
type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// Notification is a message to one or more recipients. Body is markdown.
type Notification struct {
	To          []string
	FromName    string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Attachment is a file sent alongside a notification.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// OrderEventPublisher emits order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent is the payload published when an order is written or removed.
type OrderEvent struct {
	Type         string    `json:"type"`
	OrderID      string    `json:"orderId"`
	Date         string    `json:"date"`
	OwnerEmail   string    `json:"ownerEmail"`
	ActorEmail   string    `json:"actorEmail"`
	DepartmentID string    `json:"departmentId,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Order event types.
const (
	OrderEventSubmitted = "order.submitted"
	OrderEventUpdated   = "order.updated"
	OrderEventCancelled = "order.cancelled"
)

// ArtifactStore persists report artifacts and backups.
type ArtifactStore interface {
	Put(ctx context.Context, objectPath, contentType string, data []byte) error
	SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
}

// SaveSettingCommand writes a configuration value.
type SaveSettingCommand struct {
	Actor       domain.Principal
	Key         string
	Value       domain.SettingValue
	Description string
}

// SaveHolidayCommand adds or updates a manual holiday.
type SaveHolidayCommand struct {
	Actor  domain.Principal
	Date   civil.Date
	Reason string
}

// DeleteHolidayCommand removes a manual holiday.
type DeleteHolidayCommand struct {
	Actor domain.Principal
	Date  civil.Date
}

// InitDataQuery requests the member landing payload.
type InitDataQuery struct {
	Actor       domain.Principal
	Date        *civil.Date
	TargetEmail string
}

// InitData is the member landing payload.
type InitData struct {
	User           domain.User
	Role           domain.Role
	Subject        domain.User
	Impersonating  bool
	AvailableDates []domain.AvailableDate
	SelectedDate   *civil.Date
	Menu           map[domain.MenuCategory][]domain.MenuItem
	Order          *domain.Order
	IsCutoffPassed bool
	Window         WindowDecision
	AdminSummary   *domain.AdminSummary
	Preferences    map[string]any
	AppTitle       string
	PlanWeekText   string
	PlanWeekLimit  int
}

// SubmitOrderCommand creates or replaces the caller's order for a date.
type SubmitOrderCommand struct {
	Actor       domain.Principal
	TargetEmail string
	Date        civil.Date
	Selection   domain.Selection
}

// CancelOrderCommand removes an order.
type CancelOrderCommand struct {
	Actor   domain.Principal
	OrderID string
}

// AccessRequestCommand records a request to join.
type AccessRequestCommand struct {
	Email        string
	Name         string
	DepartmentID string
	Code         string
}

// UserListFilter narrows admin user listings.
type UserListFilter struct {
	DepartmentID string
	Status       []domain.UserStatus
}

// SaveUserCommand creates or updates a user as an administrator.
type SaveUserCommand struct {
	Actor        domain.Principal
	Email        string
	Name         string
	DepartmentID string
	Role         domain.Role
	Status       domain.UserStatus
	Code         string
}

// ActivateUserCommand marks a pending user active and notifies them.
type ActivateUserCommand struct {
	Actor domain.Principal
	Email string
}

// DeleteUserCommand removes a user, or deactivates them when they have orders.
type DeleteUserCommand struct {
	Actor domain.Principal
	Email string
}

// UserDeletion reports how a delete was applied.
type UserDeletion struct {
	Email       string
	Deactivated bool
}

// SetPreferenceCommand writes one preference key for the actor or a user in scope.
type SetPreferenceCommand struct {
	Actor       domain.Principal
	TargetEmail string
	Key         string
	Value       any
}

// SaveDepartmentCommand creates or updates a department.
type SaveDepartmentCommand struct {
	Actor       domain.Principal
	ID          string
	Name        string
	AdminEmails []string
	Status      domain.DepartmentStatus
}

// DeleteDepartmentCommand removes a department.
type DeleteDepartmentCommand struct {
	Actor domain.Principal
	ID    string
}

// SaveMenuItemCommand creates or updates one dish.
type SaveMenuItemCommand struct {
	Actor       domain.Principal
	ID          string
	Date        civil.Date
	Category    string
	Name        string
	Description string
	Enabled     bool
}

// DeleteMenuItemCommand removes one dish.
type DeleteMenuItemCommand struct {
	Actor domain.Principal
	ID    string
}

// MenuItemInput is one dish of a weekly batch.
type MenuItemInput struct {
	Date        civil.Date
	Category    string
	Name        string
	Description string
	Enabled     bool
}

// ReplaceMenuWeekCommand replaces every dish of the Monday-to-Friday week starting at Monday.
type ReplaceMenuWeekCommand struct {
	Actor  domain.Principal
	Monday civil.Date
	Items  []MenuItemInput
}

// Dashboard is the administrative overview scoped to the caller.
type Dashboard struct {
	Scope        domain.Scope
	Users        []domain.User
	Departments  []domain.Department
	RecentOrders []domain.Order
	Settings     []domain.ConfigSetting
	Holidays     []domain.Holiday
	From         civil.Date
	To           civil.Date
}

// JobReport summarises a scheduled run. Each unit of work is counted exactly once.
type JobReport struct {
	Job       string
	Date      civil.Date
	Processed int
	Skipped   int
	Failed    int
	Warnings  []string
}

// AuditLogRecord is the input to the audit writer.
type AuditLogRecord struct {
	Actor                 string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	SensitiveMetadataKeys []string
	Diff                  map[string]AuditLogDiff
}

// AuditLogDiff captures a before/after pair for one field.
type AuditLogDiff struct {
	Before any
	After  any
}
