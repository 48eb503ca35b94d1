package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/repositories"
)

const (
	defaultDashboardDays = 7
	maxDashboardDays     = 90
	// upcoming orders are listed alongside the trailing window
	dashboardLookaheadDays = 14
)

// DashboardServiceDeps bundles the dependencies of the dashboard service.
type DashboardServiceDeps struct {
	Users       repositories.UserRepository
	Departments repositories.DepartmentRepository
	Orders      repositories.OrderRepository
	Settings    SettingsService
	Holidays    HolidayService
	Location    *time.Location
	Clock       func() time.Time
}

type dashboardService struct {
	users       repositories.UserRepository
	departments repositories.DepartmentRepository
	orders      repositories.OrderRepository
	settings    SettingsService
	holidays    HolidayService
	window      OrderWindow
	clock       func() time.Time
}

// NewDashboardService constructs a DashboardService.
func NewDashboardService(deps DashboardServiceDeps) (DashboardService, error) {
	switch {
	case deps.Users == nil:
		return nil, errors.New("dashboard service: user repository is required")
	case deps.Departments == nil:
		return nil, errors.New("dashboard service: department repository is required")
	case deps.Orders == nil:
		return nil, errors.New("dashboard service: order repository is required")
	case deps.Settings == nil:
		return nil, errors.New("dashboard service: settings service is required")
	case deps.Holidays == nil:
		return nil, errors.New("dashboard service: holiday service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &dashboardService{
		users:       deps.Users,
		departments: deps.Departments,
		orders:      deps.Orders,
		settings:    deps.Settings,
		holidays:    deps.Holidays,
		window:      NewOrderWindow(deps.Location),
		clock:       func() time.Time { return clock().UTC() },
	}, nil
}

// Dashboard returns the administrative overview visible to actor. Configuration rows are only
// included for global administrators.
func (s *dashboardService) Dashboard(ctx context.Context, actor domain.Principal, days int) (Dashboard, error) {
	scope, err := adminScope(actor)
	if err != nil {
		return Dashboard{}, err
	}
	switch {
	case days <= 0:
		days = defaultDashboardDays
	case days > maxDashboardDays:
		days = maxDashboardDays
	}

	today := s.window.Today(s.clock())
	out := Dashboard{
		Scope: scope,
		From:  today.AddDays(-days),
		To:    today.AddDays(dashboardLookaheadDays),
	}

	filter := repositories.UserFilter{}
	if scope.Kind == domain.ScopeDepartment {
		filter.DepartmentID = scope.DepartmentID
	}
	if out.Users, err = s.users.List(ctx, filter); err != nil {
		return Dashboard{}, mapRepositoryError("users", err)
	}

	depts, err := s.departments.List(ctx)
	if err != nil {
		return Dashboard{}, mapRepositoryError("departments", err)
	}
	out.Departments = make([]domain.Department, 0, len(depts))
	for _, dept := range depts {
		if scope.Kind == domain.ScopeAll || dept.ID == scope.DepartmentID {
			out.Departments = append(out.Departments, dept)
		}
	}

	orders, err := s.orders.ListRange(ctx, out.From, out.To)
	if err != nil {
		return Dashboard{}, mapRepositoryError("orders", err)
	}
	out.RecentOrders = make([]domain.Order, 0, len(orders))
	for _, order := range orders {
		if order.Status == domain.OrderStatusActive && scope.Allows(order.OwnerEmail, order.DepartmentID) {
			out.RecentOrders = append(out.RecentOrders, order)
		}
	}
	slices.SortStableFunc(out.RecentOrders, func(a, b domain.Order) int {
		switch {
		case a.Date.After(b.Date):
			return -1
		case a.Date.Before(b.Date):
			return 1
		}
		return strings.Compare(a.OwnerName, b.OwnerName)
	})

	if out.Holidays, err = s.holidays.List(ctx); err != nil {
		return Dashboard{}, err
	}
	if scope.Kind == domain.ScopeAll {
		if out.Settings, err = s.settings.List(ctx); err != nil {
			return Dashboard{}, err
		}
	}
	return out, nil
}
