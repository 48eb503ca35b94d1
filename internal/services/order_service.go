package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/oklog/ulid/v2"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/repositories"
)

const (
	orderIDPrefix            = "ord_"
	defaultMenuLookaheadDays = 28

	auditActionOrderOnBehalf   = "order.submit_on_behalf"
	auditActionOrderCancel     = "order.cancel_on_behalf"
	auditActionOrderAdminClear = "order.admin_cancel"
)

var spanishWeekdays = [...]string{"Domingo", "Lunes", "Martes", "Miércoles", "Jueves", "Viernes", "Sábado"}

// OrderServiceDeps bundles the dependencies of the order service.
type OrderServiceDeps struct {
	Orders   repositories.OrderRepository
	Menu     repositories.MenuRepository
	Access   AccessService
	Settings SettingsService
	Holidays HolidayService
	// Location is the organisation time zone used for calendar days.
	Location      *time.Location
	LookaheadDays int
	Events        OrderEventPublisher
	Audit         AuditLogService
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        Logger
}

type orderService struct {
	orders    repositories.OrderRepository
	menu      repositories.MenuRepository
	access    AccessService
	settings  SettingsService
	holidays  HolidayService
	window    OrderWindow
	lookahead int
	events    OrderEventPublisher
	audit     AuditLogService
	clock     func() time.Time
	newID     func() string
	logger    Logger
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.Menu == nil:
		return nil, errors.New("order service: menu repository is required")
	case deps.Access == nil:
		return nil, errors.New("order service: access service is required")
	case deps.Settings == nil:
		return nil, errors.New("order service: settings service is required")
	case deps.Holidays == nil:
		return nil, errors.New("order service: holiday service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	lookahead := deps.LookaheadDays
	if lookahead <= 0 {
		lookahead = defaultMenuLookaheadDays
	}

	return &orderService{
		orders:    deps.Orders,
		menu:      deps.Menu,
		access:    deps.Access,
		settings:  deps.Settings,
		holidays:  deps.Holidays,
		window:    NewOrderWindow(deps.Location),
		lookahead: lookahead,
		events:    deps.Events,
		audit:     deps.Audit,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}, nil
}

func (s *orderService) InitData(ctx context.Context, query InitDataQuery) (InitData, error) {
	subject, err := s.access.ResolveActingSubject(ctx, query.Actor, query.TargetEmail)
	if err != nil {
		return InitData{}, err
	}
	settings, holidays, err := s.policy(ctx)
	if err != nil {
		return InitData{}, err
	}

	now := s.clock()
	today := s.window.Today(now)
	items, err := s.menu.ListRange(ctx, today, today.AddDays(s.lookahead))
	if err != nil {
		return InitData{}, mapRepositoryError("menu", err)
	}

	data := InitData{
		User:          query.Actor.User,
		Role:          query.Actor.Role,
		Subject:       subject.Owner,
		Impersonating: subject.Impersonated,
		Menu:          map[domain.MenuCategory][]domain.MenuItem{},
		Preferences:   subject.Owner.Preferences,
		AppTitle:      settings.AppTitle,
		PlanWeekText:  settings.PlanWeekText,
		PlanWeekLimit: settings.PlanWeekLimit,
	}

	for _, d := range menuDates(items) {
		if s.window.IsOpenForOrdering(d, now, holidays, settings.Cutoff) {
			data.AvailableDates = append(data.AvailableDates, domain.AvailableDate{Date: d, Label: DateLabel(d)})
		}
	}
	if len(data.AvailableDates) == 0 {
		return data, nil
	}

	selected := data.AvailableDates[0].Date
	if query.Date != nil {
		for _, available := range data.AvailableDates {
			if available.Date == *query.Date {
				selected = *query.Date
				break
			}
		}
	}
	data.SelectedDate = &selected

	for _, item := range items {
		if item.Date == selected && item.Enabled {
			data.Menu[item.Category] = append(data.Menu[item.Category], item)
		}
	}

	existing, err := s.orders.FindActive(ctx, subject.Owner.Email, selected)
	switch {
	case err == nil:
		data.Order = &existing
	case !isNotFound(err):
		return InitData{}, mapRepositoryError("order", err)
	}

	data.Window = s.window.Evaluate(selected, now, holidays, settings.Cutoff)
	data.IsCutoffPassed = !data.Window.Open

	if query.Actor.Role.Rank() >= domain.RoleDeptAdmin.Rank() {
		summary, err := s.adminSummary(ctx, ResolveVisibilityScope(query.Actor), selected)
		if err != nil {
			return InitData{}, err
		}
		data.AdminSummary = &summary
	}
	return data, nil
}

func (s *orderService) Submit(ctx context.Context, cmd SubmitOrderCommand) (domain.Order, error) {
	if !cmd.Actor.User.IsActive() {
		return domain.Order{}, authorizationError("your account is not active")
	}
	subject, err := s.access.ResolveActingSubject(ctx, cmd.Actor, cmd.TargetEmail)
	if err != nil {
		return domain.Order{}, err
	}
	owner := subject.Owner
	if !owner.IsActive() {
		return domain.Order{}, validationError("user %s is not active", owner.Email)
	}
	if !cmd.Date.IsValid() {
		return domain.Order{}, validationError("order date is invalid")
	}

	settings, holidays, err := s.policy(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	now := s.clock()
	if decision := s.window.Evaluate(cmd.Date, now, holidays, settings.Cutoff); !decision.Open {
		return domain.Order{}, windowClosedError("%s", decision.Message())
	}

	selection := NormalizeSelection(cmd.Selection)
	if err := ValidateSelection(selection); err != nil {
		return domain.Order{}, err
	}
	if err := s.checkMenu(ctx, cmd.Date, selection); err != nil {
		return domain.Order{}, err
	}

	order := domain.Order{
		ID:           orderIDPrefix + s.newID(),
		RequestedAt:  now,
		Date:         cmd.Date,
		OwnerEmail:   domain.NormalizeEmail(owner.Email),
		OwnerName:    owner.Name,
		DepartmentID: owner.DepartmentID,
		Summary:      selection.Summary(),
		Selection:    selection,
		Status:       domain.OrderStatusActive,
		UpdatedAt:    now,
		CreatedBy:    subject.ActorEmail,
	}
	saved, created, err := s.orders.UpsertActive(ctx, order)
	if err != nil {
		return domain.Order{}, mapRepositoryError("order", err)
	}

	eventType := OrderEventUpdated
	if created {
		eventType = OrderEventSubmitted
	}
	s.publishEvent(ctx, eventType, saved, subject.ActorEmail, now)

	if subject.Impersonated && s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     subject.ActorEmail,
			Action:    auditActionOrderOnBehalf,
			TargetRef: "orders/" + saved.ID,
			Metadata: map[string]any{
				"owner":   saved.OwnerEmail,
				"date":    saved.Date.String(),
				"summary": saved.Summary,
				"created": created,
			},
		})
	}
	return saved, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) error {
	order, err := s.loadForCancel(ctx, cmd)
	if err != nil {
		return err
	}

	settings, holidays, err := s.policy(ctx)
	if err != nil {
		return err
	}
	now := s.clock()
	if decision := s.window.Evaluate(order.Date, now, holidays, settings.Cutoff); !decision.Open {
		return windowClosedError("this order can no longer be cancelled: %s", decision.Message())
	}

	if err := s.orders.Delete(ctx, order.ID); err != nil {
		return mapRepositoryError("order", err)
	}
	actorEmail := cmd.Actor.Email()
	s.publishEvent(ctx, OrderEventCancelled, order, actorEmail, now)

	if actorEmail != order.OwnerEmail && s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     actorEmail,
			Action:    auditActionOrderCancel,
			TargetRef: "orders/" + order.ID,
			Metadata:  map[string]any{"owner": order.OwnerEmail, "date": order.Date.String()},
		})
	}
	return nil
}

func (s *orderService) AdminCancel(ctx context.Context, cmd CancelOrderCommand) error {
	if cmd.Actor.Role.Rank() < domain.RoleDeptAdmin.Rank() {
		return authorizationError("administrator role required")
	}
	order, err := s.loadForCancel(ctx, cmd)
	if err != nil {
		return err
	}
	if err := s.orders.Delete(ctx, order.ID); err != nil {
		return mapRepositoryError("order", err)
	}

	now := s.clock()
	s.publishEvent(ctx, OrderEventCancelled, order, cmd.Actor.Email(), now)
	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor.Email(),
			Action:    auditActionOrderAdminClear,
			TargetRef: "orders/" + order.ID,
			Severity:  "warn",
			Metadata: map[string]any{
				"owner":   order.OwnerEmail,
				"date":    order.Date.String(),
				"summary": order.Summary,
			},
		})
	}
	return nil
}

// loadForCancel fetches the order and checks the actor may remove it. Members asking for an
// order they do not own get a not-found error.
func (s *orderService) loadForCancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, validationError("order id is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError("order", err)
	}
	if order.OwnerEmail == cmd.Actor.Email() {
		return order, nil
	}
	if cmd.Actor.Role == domain.RoleMember {
		return domain.Order{}, notFoundError("order not found")
	}
	if !ResolveVisibilityScope(cmd.Actor).Allows(order.OwnerEmail, order.DepartmentID) {
		return domain.Order{}, authorizationError("order belongs to another department")
	}
	return order, nil
}

// checkMenu ensures a menu is published for date and every selected item is on it.
func (s *orderService) checkMenu(ctx context.Context, date civil.Date, selection domain.Selection) error {
	items, err := s.menu.ListByDate(ctx, date)
	if err != nil {
		return mapRepositoryError("menu", err)
	}
	offered := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.Enabled {
			offered[strings.ToLower(strings.TrimSpace(item.Name))] = struct{}{}
		}
	}
	if len(offered) == 0 {
		return validationError("no menu is published for %s", date)
	}
	for _, name := range selection.Items {
		if name == "" {
			continue
		}
		if _, ok := offered[strings.ToLower(name)]; !ok {
			return validationError("%q is not on the menu for %s", name, date)
		}
	}
	return nil
}

func (s *orderService) adminSummary(ctx context.Context, scope domain.Scope, date civil.Date) (domain.AdminSummary, error) {
	orders, err := s.orders.ListByDate(ctx, date)
	if err != nil {
		return domain.AdminSummary{}, mapRepositoryError("orders", err)
	}
	return SummarizeOrders(orders, scope), nil
}

func (s *orderService) policy(ctx context.Context) (domain.Settings, domain.HolidaySet, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return domain.Settings{}, nil, err
	}
	holidays, err := s.holidays.HolidaySet(ctx)
	if err != nil {
		return domain.Settings{}, nil, err
	}
	return settings, holidays, nil
}

func (s *orderService) publishEvent(ctx context.Context, eventType string, order domain.Order, actor string, at time.Time) {
	if s.events == nil {
		return
	}
	event := OrderEvent{
		Type:         eventType,
		OrderID:      order.ID,
		Date:         order.Date.String(),
		OwnerEmail:   order.OwnerEmail,
		ActorEmail:   actor,
		DepartmentID: order.DepartmentID,
		Summary:      order.Summary,
		OccurredAt:   at,
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

// SummarizeOrders counts active orders visible within scope.
func SummarizeOrders(orders []domain.Order, scope domain.Scope) domain.AdminSummary {
	summary := domain.AdminSummary{ByUser: []domain.AdminSummaryLine{}}
	for _, order := range orders {
		if order.Status != domain.OrderStatusActive || !scope.Allows(order.OwnerEmail, order.DepartmentID) {
			continue
		}
		summary.Total++
		summary.ByUser = append(summary.ByUser, domain.AdminSummaryLine{
			Name:         order.OwnerName,
			Summary:      order.Summary,
			DepartmentID: order.DepartmentID,
		})
	}
	return summary
}

// DateLabel renders a date the way it is shown to members, e.g. "Lunes 3/2".
func DateLabel(d civil.Date) string {
	weekday := d.In(time.UTC).Weekday()
	return fmt.Sprintf("%s %d/%d", spanishWeekdays[weekday], d.Day, int(d.Month))
}

func menuDates(items []domain.MenuItem) []civil.Date {
	seen := make(map[civil.Date]struct{}, len(items))
	out := make([]civil.Date, 0, len(items))
	for _, item := range items {
		if !item.Enabled {
			continue
		}
		if _, ok := seen[item.Date]; ok {
			continue
		}
		seen[item.Date] = struct{}{}
		out = append(out, item.Date)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
