package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/oklog/ulid/v2"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/textutil"
	"github.com/lunchdesk/api/internal/repositories"
)

const (
	menuIDPrefix        = "mnu_"
	maxMenuNameLength   = 120
	maxMenuDescLength   = 500
	maxMenuItemsPerWeek = 200
	auditActionMenuSave = "menu.save"
	auditActionMenuDel  = "menu.delete"
	auditActionMenuWeek = "menu.replace_week"
)

// MenuServiceDeps bundles the dependencies of the menu service.
type MenuServiceDeps struct {
	Menu        repositories.MenuRepository
	Settings    SettingsService
	Holidays    HolidayService
	Location    *time.Location
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type menuService struct {
	menu     repositories.MenuRepository
	settings SettingsService
	holidays HolidayService
	window   OrderWindow
	audit    AuditLogService
	clock    func() time.Time
	newID    func() string
	logger   Logger
}

// NewMenuService constructs a MenuService.
func NewMenuService(deps MenuServiceDeps) (MenuService, error) {
	switch {
	case deps.Menu == nil:
		return nil, errors.New("menu service: menu repository is required")
	case deps.Settings == nil:
		return nil, errors.New("menu service: settings service is required")
	case deps.Holidays == nil:
		return nil, errors.New("menu service: holiday service is required")
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
	return &menuService{
		menu:     deps.Menu,
		settings: deps.Settings,
		holidays: deps.Holidays,
		window:   NewOrderWindow(deps.Location),
		audit:    deps.Audit,
		clock:    func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

func (s *menuService) ListByDate(ctx context.Context, date civil.Date) ([]domain.MenuItem, error) {
	if !date.IsValid() {
		return nil, validationError("invalid date")
	}
	items, err := s.menu.ListByDate(ctx, date)
	if err != nil {
		return nil, mapRepositoryError("menu", err)
	}
	sortMenu(items)
	return items, nil
}

func (s *menuService) SaveItem(ctx context.Context, cmd SaveMenuItemCommand) (domain.MenuItem, error) {
	if err := requireGlobalAdmin(cmd.Actor, "manage the menu"); err != nil {
		return domain.MenuItem{}, err
	}
	item, err := s.buildItem(MenuItemInput{
		Date:        cmd.Date,
		Category:    cmd.Category,
		Name:        cmd.Name,
		Description: cmd.Description,
		Enabled:     cmd.Enabled,
	})
	if err != nil {
		return domain.MenuItem{}, err
	}
	gate, err := s.gate(ctx)
	if err != nil {
		return domain.MenuItem{}, err
	}

	var before domain.MenuItem
	id := strings.TrimSpace(cmd.ID)
	if id != "" {
		existing, err := s.menu.FindByID(ctx, id)
		switch {
		case err == nil:
			before = existing
			if err := gate(existing.Date); err != nil {
				return domain.MenuItem{}, err
			}
		case !isNotFound(err):
			return domain.MenuItem{}, mapRepositoryError("menu item", err)
		}
	} else {
		id = menuIDPrefix + s.newID()
	}
	if err := gate(item.Date); err != nil {
		return domain.MenuItem{}, err
	}

	item.ID = id
	item.UpdatedAt = s.clock()
	if err := s.menu.Upsert(ctx, item); err != nil {
		return domain.MenuItem{}, mapRepositoryError("menu item", err)
	}

	if s.audit != nil {
		diff := map[string]AuditLogDiff{}
		addDiff(diff, "date", dateString(before.Date), item.Date.String())
		addDiff(diff, "category", string(before.Category), string(item.Category))
		addDiff(diff, "name", before.Name, item.Name)
		if before.Enabled != item.Enabled {
			diff["enabled"] = AuditLogDiff{Before: before.Enabled, After: item.Enabled}
		}
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor.Email(),
			Action:    auditActionMenuSave,
			TargetRef: "menu/" + id,
			Diff:      diff,
		})
	}
	return item, nil
}

func (s *menuService) DeleteItem(ctx context.Context, cmd DeleteMenuItemCommand) error {
	if err := requireGlobalAdmin(cmd.Actor, "manage the menu"); err != nil {
		return err
	}
	id := strings.TrimSpace(cmd.ID)
	if id == "" {
		return validationError("menu item id is required")
	}
	item, err := s.menu.FindByID(ctx, id)
	if err != nil {
		return mapRepositoryError("menu item", err)
	}
	gate, err := s.gate(ctx)
	if err != nil {
		return err
	}
	if err := gate(item.Date); err != nil {
		return err
	}
	if err := s.menu.Delete(ctx, id); err != nil {
		return mapRepositoryError("menu item", err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor.Email(),
			Action:    auditActionMenuDel,
			TargetRef: "menu/" + id,
			Metadata:  map[string]any{"date": item.Date.String(), "name": item.Name},
		})
	}
	return nil
}

// ReplaceWeek replaces the Monday to Friday menu in one write. Only days whose window is still
// open are replaced; closed days (past, cutoff passed, holidays) keep their items and may not
// receive new ones.
func (s *menuService) ReplaceWeek(ctx context.Context, cmd ReplaceMenuWeekCommand) ([]domain.MenuItem, error) {
	if err := requireGlobalAdmin(cmd.Actor, "manage the menu"); err != nil {
		return nil, err
	}
	monday := cmd.Monday
	if !monday.IsValid() || monday.In(time.UTC).Weekday() != time.Monday {
		return nil, validationError("week must start on a Monday")
	}
	if len(cmd.Items) > maxMenuItemsPerWeek {
		return nil, validationError("too many menu items, at most %d per week", maxMenuItemsPerWeek)
	}
	friday := monday.AddDays(4)

	settings, holidays, err := s.policy(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock()

	var open []civil.Date
	for d := monday; !d.After(friday); d = d.AddDays(1) {
		if s.window.Evaluate(d, now, holidays, settings.Cutoff).Open {
			open = append(open, d)
		}
	}
	if len(open) == 0 {
		return nil, windowClosedError("the whole week is already closed for menu changes")
	}

	items := make([]domain.MenuItem, 0, len(cmd.Items))
	stamp := s.clock()
	for _, input := range cmd.Items {
		item, err := s.buildItem(input)
		if err != nil {
			return nil, err
		}
		if item.Date.Before(monday) || item.Date.After(friday) {
			return nil, validationError("%s is outside the week of %s", item.Date, monday)
		}
		if decision := s.window.Evaluate(item.Date, now, holidays, settings.Cutoff); !decision.Open {
			return nil, windowClosedError("%s: %s", item.Date, decision.Message())
		}
		item.ID = menuIDPrefix + s.newID()
		item.UpdatedAt = stamp
		items = append(items, item)
	}

	if err := s.menu.ReplaceDates(ctx, open, items); err != nil {
		return nil, mapRepositoryError("menu", err)
	}
	sortMenu(items)

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor.Email(),
			Action:    auditActionMenuWeek,
			TargetRef: "menu/weeks/" + monday.String(),
			Metadata:  map[string]any{"from": open[0].String(), "to": open[len(open)-1].String(), "days": len(open), "items": len(items)},
		})
	}
	return items, nil
}

func (s *menuService) buildItem(input MenuItemInput) (domain.MenuItem, error) {
	if !input.Date.IsValid() {
		return domain.MenuItem{}, validationError("invalid menu date")
	}
	category, ok := domain.ParseMenuCategory(input.Category)
	if !ok {
		return domain.MenuItem{}, validationError("unknown category %q", input.Category)
	}
	name := textutil.PlainText(input.Name)
	if name == "" {
		return domain.MenuItem{}, validationError("dish name is required")
	}
	if len([]rune(name)) > maxMenuNameLength {
		return domain.MenuItem{}, validationError("dish name is too long")
	}
	desc := textutil.PlainText(input.Description)
	if len([]rune(desc)) > maxMenuDescLength {
		return domain.MenuItem{}, validationError("description is too long")
	}
	return domain.MenuItem{
		Date:        input.Date,
		Category:    category,
		Name:        name,
		Description: desc,
		Enabled:     input.Enabled,
	}, nil
}

// gate returns a check that rejects dates whose order window is closed.
func (s *menuService) gate(ctx context.Context) (func(civil.Date) error, error) {
	settings, holidays, err := s.policy(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	return func(d civil.Date) error {
		if decision := s.window.Evaluate(d, now, holidays, settings.Cutoff); !decision.Open {
			return windowClosedError("%s: %s", d, decision.Message())
		}
		return nil
	}, nil
}

func (s *menuService) policy(ctx context.Context) (domain.Settings, domain.HolidaySet, error) {
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

func requireGlobalAdmin(actor domain.Principal, what string) error {
	if actor.Role != domain.RoleGlobalAdmin {
		return authorizationError("only global administrators may %s", what)
	}
	return nil
}

func sortMenu(items []domain.MenuItem) {
	slices.SortStableFunc(items, func(a, b domain.MenuItem) int {
		switch {
		case a.Date.Before(b.Date):
			return -1
		case b.Date.Before(a.Date):
			return 1
		}
		if c := strings.Compare(string(a.Category), string(b.Category)); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
}

func dateString(d civil.Date) string {
	if d == (civil.Date{}) {
		return ""
	}
	return d.String()
}
