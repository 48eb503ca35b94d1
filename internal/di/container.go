package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lunchdesk/api/internal/platform/cache"
	"github.com/lunchdesk/api/internal/platform/config"
	"github.com/lunchdesk/api/internal/platform/observability"
	"github.com/lunchdesk/api/internal/repositories"
	"github.com/lunchdesk/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Access      services.AccessService
	Settings    services.SettingsService
	Holidays    services.HolidayService
	Orders      services.OrderService
	Users       services.UserService
	Departments services.DepartmentService
	Menu        services.MenuService
	Dashboard   services.DashboardService
	Jobs        services.JobService
	System      services.SystemService
	Audit       services.AuditLogService
}

// Infrastructure carries the outbound adapters built by the caller. Every field is optional:
// a nil cache selects an in-process store, a nil feed leaves the manual holiday list as the whole
// set and a nil notifier or artifact store makes the jobs skip the corresponding step.
type Infrastructure struct {
	Cache     cache.Store
	Feed      services.HolidayFeed
	Notifier  services.Notifier
	Events    services.OrderEventPublisher
	Artifacts services.ArtifactStore
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Infra        Infrastructure
	Services     Services

	ownedCache *cache.MemoryStore
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger *zap.Logger
	clock  func() time.Time
	idGen  func() string
	build  services.BuildInfo
}

// WithLogger routes service events to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source of every service.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator overrides document ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.idGen = gen
		}
	}
}

// WithBuildInfo sets the build metadata reported by the system service.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) {
		o.build = build
	}
}

// NewContainer constructs the runtime dependencies on top of reg. Production passes the
// Firestore registry; tests and local runs can supply the in-memory one.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := &Container{Config: cfg, Repositories: reg, Infra: infra}
	if c.Infra.Cache == nil {
		mem := cache.NewMemoryStore(cache.WithClock(o.clock))
		mem.StartJanitor(time.Minute)
		c.ownedCache = mem
		c.Infra.Cache = mem
	}

	svc, err := buildServices(ctx, cfg, reg, c.Infra, o)
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.Services = svc
	return c, nil
}

// Close releases resources such as repository clients and the owned cache.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.ownedCache != nil {
		errs = append(errs, c.ownedCache.Close())
	}
	if c.Repositories != nil {
		errs = append(errs, c.Repositories.Close(ctx))
	}
	return errors.Join(errs...)
}

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure, o options) (Services, error) {
	var svc Services
	loc := cfg.Lunch.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := func(name string) services.Logger {
		return observability.EventLogger(o.logger.Named(name))
	}

	audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository:  reg.AuditLogs(),
		Clock:       o.clock,
		IDGenerator: o.idGen,
		Logger:      logger("audit"),
		HashSalt:    cfg.Security.AuditHashSalt,
	})
	if err != nil {
		return svc, fmt.Errorf("init audit log service: %w", err)
	}
	svc.Audit = audit

	settings, err := services.NewSettingsService(services.SettingsServiceDeps{
		Repository: reg.Settings(),
		Cache:      infra.Cache,
		Location:   loc,
		Audit:      audit,
		Clock:      o.clock,
		Logger:     logger("settings"),
	})
	if err != nil {
		return svc, fmt.Errorf("init settings service: %w", err)
	}
	svc.Settings = settings

	holidays, err := services.NewHolidayService(services.HolidayServiceDeps{
		Repository:  reg.Holidays(),
		Feed:        infra.Feed,
		FeedTimeout: cfg.Calendar.Timeout,
		Cache:       infra.Cache,
		Location:    loc,
		Audit:       audit,
		Clock:       o.clock,
		Logger:      logger("holidays"),
	})
	if err != nil {
		return svc, fmt.Errorf("init holiday service: %w", err)
	}
	svc.Holidays = holidays

	access, err := services.NewAccessService(services.AccessServiceDeps{
		Users:       reg.Users(),
		Departments: reg.Departments(),
		Settings:    settings,
	})
	if err != nil {
		return svc, fmt.Errorf("init access service: %w", err)
	}
	svc.Access = access

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      reg.Orders(),
		Menu:        reg.Menu(),
		Access:      access,
		Settings:    settings,
		Holidays:    holidays,
		Location:    loc,
		Events:      infra.Events,
		Audit:       audit,
		Clock:       o.clock,
		IDGenerator: o.idGen,
		Logger:      logger("orders"),
	})
	if err != nil {
		return svc, fmt.Errorf("init order service: %w", err)
	}
	svc.Orders = orders

	users, err := services.NewUserService(services.UserServiceDeps{
		Users:       reg.Users(),
		Departments: reg.Departments(),
		Orders:      reg.Orders(),
		Access:      access,
		Settings:    settings,
		Notifier:    infra.Notifier,
		AppURL:      cfg.Lunch.AppURL,
		Audit:       audit,
		Clock:       o.clock,
		Logger:      logger("users"),
	})
	if err != nil {
		return svc, fmt.Errorf("init user service: %w", err)
	}
	svc.Users = users

	departments, err := services.NewDepartmentService(services.DepartmentServiceDeps{
		Departments: reg.Departments(),
		Users:       reg.Users(),
		Audit:       audit,
		Clock:       o.clock,
		Logger:      logger("departments"),
	})
	if err != nil {
		return svc, fmt.Errorf("init department service: %w", err)
	}
	svc.Departments = departments

	menu, err := services.NewMenuService(services.MenuServiceDeps{
		Menu:        reg.Menu(),
		Settings:    settings,
		Holidays:    holidays,
		Location:    loc,
		Audit:       audit,
		Clock:       o.clock,
		IDGenerator: o.idGen,
		Logger:      logger("menu"),
	})
	if err != nil {
		return svc, fmt.Errorf("init menu service: %w", err)
	}
	svc.Menu = menu

	dashboard, err := services.NewDashboardService(services.DashboardServiceDeps{
		Users:       reg.Users(),
		Departments: reg.Departments(),
		Orders:      reg.Orders(),
		Settings:    settings,
		Holidays:    holidays,
		Location:    loc,
		Clock:       o.clock,
	})
	if err != nil {
		return svc, fmt.Errorf("init dashboard service: %w", err)
	}
	svc.Dashboard = dashboard

	jobs, err := services.NewJobService(services.JobServiceDeps{
		Users:         reg.Users(),
		Departments:   reg.Departments(),
		Orders:        reg.Orders(),
		Menu:          reg.Menu(),
		SettingsStore: reg.Settings(),
		Settings:      settings,
		Holidays:      holidays,
		Notifier:      infra.Notifier,
		Artifacts:     infra.Artifacts,
		AppURL:        cfg.Lunch.AppURL,
		Location:      loc,
		ReportLinkTTL: cfg.Storage.SignedURLTTL,
		MenuCheckDays: cfg.Jobs.MenuCheckDays,
		Clock:         o.clock,
		Logger:        logger("jobs"),
	})
	if err != nil {
		return svc, fmt.Errorf("init job service: %w", err)
	}
	svc.Jobs = jobs

	if health := reg.Health(); health != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Settings:         settings,
			Holidays:         holidays,
			Clock:            o.clock,
			Build:            o.build,
		})
		if err != nil {
			return svc, fmt.Errorf("init system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
