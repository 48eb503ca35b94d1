package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/cache"
	"github.com/lunchdesk/api/internal/repositories"
)

const (
	holidayCacheKey       = "holidays:set:v1"
	holidayCacheTTL       = 6 * time.Hour
	holidayFeedLookback   = 30
	holidayFeedLookahead  = 365
	defaultFeedTimeout    = 10 * time.Second
	auditActionHolidaySet = "holiday.save"
	auditActionHolidayDel = "holiday.delete"
)

// HolidayServiceDeps bundles the dependencies of the holiday service.
type HolidayServiceDeps struct {
	Repository repositories.HolidayRepository
	// Feed is optional; without it the manual list is the whole set.
	Feed        HolidayFeed
	FeedTimeout time.Duration
	Cache       cache.Store
	Location    *time.Location
	Audit       AuditLogService
	Clock       func() time.Time
	Logger      Logger
}

type holidayService struct {
	repo        repositories.HolidayRepository
	feed        HolidayFeed
	feedTimeout time.Duration
	cache       cache.Store
	loc         *time.Location
	audit       AuditLogService
	clock       func() time.Time
	logger      Logger
}

// NewHolidayService constructs a HolidayService.
func NewHolidayService(deps HolidayServiceDeps) (HolidayService, error) {
	if deps.Repository == nil {
		return nil, errors.New("holiday service: holiday repository is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("holiday service: cache is required")
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	timeout := deps.FeedTimeout
	if timeout <= 0 {
		timeout = defaultFeedTimeout
	}
	return &holidayService{
		repo:        deps.Repository,
		feed:        deps.Feed,
		feedTimeout: timeout,
		cache:       deps.Cache,
		loc:         loc,
		audit:       deps.Audit,
		clock:       func() time.Time { return clock().UTC() },
		logger:      logger,
	}, nil
}

// HolidaySet returns the union of the manual list and the external feed. Feed failures only
// reduce coverage; they are logged and never returned.
func (s *holidayService) HolidaySet(ctx context.Context) (domain.HolidaySet, error) {
	if dates, ok, err := cache.GetJSON[[]civil.Date](ctx, s.cache, holidayCacheKey); err == nil && ok {
		return domain.NewHolidaySet(dates...), nil
	} else if err != nil {
		s.logger(ctx, "holidays.cache_read_failed", map[string]any{"error": err.Error()})
	}

	manual, err := s.repo.List(ctx)
	if err != nil {
		return nil, mapRepositoryError("holidays", err)
	}
	set := domain.NewHolidaySet()
	for _, h := range manual {
		set.Add(h.Date)
	}

	if s.feed != nil {
		today := civil.DateOf(s.clock().In(s.loc))
		from, to := today.AddDays(-holidayFeedLookback), today.AddDays(holidayFeedLookahead)
		feedCtx, cancel := context.WithTimeout(ctx, s.feedTimeout)
		external, err := s.feed.Holidays(feedCtx, from, to)
		cancel()
		if err != nil {
			s.logger(ctx, "holidays.feed_failed", map[string]any{
				"error": fmt.Errorf("%w: %v", ErrExternalService, err).Error(),
				"from":  from.String(),
				"to":    to.String(),
			})
		} else {
			for _, h := range external {
				set.Add(h.Date)
			}
		}
	}

	if err := cache.SetJSON(ctx, s.cache, holidayCacheKey, set.Dates(), holidayCacheTTL); err != nil {
		s.logger(ctx, "holidays.cache_write_failed", map[string]any{"error": err.Error()})
	}
	return set, nil
}

func (s *holidayService) List(ctx context.Context) ([]domain.Holiday, error) {
	holidays, err := s.repo.List(ctx)
	if err != nil {
		return nil, mapRepositoryError("holidays", err)
	}
	return holidays, nil
}

func (s *holidayService) Save(ctx context.Context, cmd SaveHolidayCommand) (domain.Holiday, error) {
	if cmd.Actor.Role != domain.RoleGlobalAdmin {
		return domain.Holiday{}, authorizationError("only global administrators may edit holidays")
	}
	if !cmd.Date.IsValid() {
		return domain.Holiday{}, validationError("holiday date is invalid")
	}
	holiday := domain.Holiday{Date: cmd.Date, Reason: strings.TrimSpace(cmd.Reason)}
	if err := s.repo.Upsert(ctx, holiday); err != nil {
		return domain.Holiday{}, mapRepositoryError("holiday", err)
	}
	if err := s.invalidate(ctx); err != nil {
		return domain.Holiday{}, err
	}
	s.record(ctx, cmd.Actor, auditActionHolidaySet, holiday)
	return holiday, nil
}

func (s *holidayService) Delete(ctx context.Context, cmd DeleteHolidayCommand) error {
	if cmd.Actor.Role != domain.RoleGlobalAdmin {
		return authorizationError("only global administrators may edit holidays")
	}
	if err := s.repo.Delete(ctx, cmd.Date); err != nil {
		return mapRepositoryError("holiday", err)
	}
	if err := s.invalidate(ctx); err != nil {
		return err
	}
	s.record(ctx, cmd.Actor, auditActionHolidayDel, domain.Holiday{Date: cmd.Date})
	return nil
}

func (s *holidayService) invalidate(ctx context.Context) error {
	if err := s.cache.Delete(ctx, holidayCacheKey); err != nil {
		return fmt.Errorf("holidays: invalidate cache: %w", err)
	}
	return nil
}

func (s *holidayService) record(ctx context.Context, actor domain.Principal, action string, holiday domain.Holiday) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     actor.Email(),
		Action:    action,
		TargetRef: "holidays/" + holiday.Date.String(),
		Metadata:  map[string]any{"reason": holiday.Reason},
	})
}
