package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Settings and Holidays are optional; when present the report includes their status.
	Settings SettingsService
	Holidays HolidayService
	Clock    func() time.Time
	Build    BuildInfo
}

type systemService struct {
	healthRepo repositories.HealthRepository
	settings   SettingsService
	holidays   HolidayService
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service providing health reports and build metadata.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		settings:   deps.Settings,
		holidays:   deps.Holidays,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return domain.SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)

	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if s.settings != nil {
		report.Checks["settings"] = s.timedCheck(func() error {
			_, err := s.settings.Current(ctx)
			return err
		})
	}
	if s.holidays != nil {
		// The set degrades to the manual list when the feed fails, so errors here mean the store
		// itself is unreachable.
		report.Checks["holidays"] = s.timedCheck(func() error {
			_, err := s.holidays.HolidaySet(ctx)
			return err
		})
	}

	derived := deriveStatus(report.Checks)
	if strings.TrimSpace(report.Status) == "" || statusRank(derived) > statusRank(report.Status) {
		report.Status = derived
	}

	return report, nil
}

// timedCheck times fn and reports a failure as degraded since the API can still serve reads.
func (s *systemService) timedCheck(fn func() error) domain.SystemHealthCheck {
	start := time.Now()
	err := fn()
	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Latency:   time.Since(start),
		CheckedAt: s.clock(),
	}
	if err != nil {
		check.Status = domain.HealthStatusDegraded
		check.Error = err.Error()
	}
	return check
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func statusRank(status string) int {
	switch status {
	case domain.HealthStatusError:
		return 2
	case domain.HealthStatusDegraded:
		return 1
	default:
		return 0
	}
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	if len(checks) == 0 {
		return domain.HealthStatusOK
	}
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
