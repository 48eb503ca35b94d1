package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lunchdesk/api/internal/platform/httpx"
	"github.com/lunchdesk/api/internal/platform/observability"
	"github.com/lunchdesk/api/internal/platform/requestctx"
	"github.com/lunchdesk/api/internal/services"
)

const (
	jobSendReminders    = "send-reminders"
	jobDailyClose       = "daily-close"
	jobDepartmentReport = "department-report"

	// Cloud Scheduler retries on failure; one accepted run per job per window is enough.
	jobRunLimit  = 3
	jobRunWindow = 10 * time.Minute
)

// JobHandlers serves the scheduler entry points under /internal/jobs.
type JobHandlers struct {
	jobs    services.JobService
	metrics *observability.JobMetrics
	limiter rateLimiter
}

// JobOption customises JobHandlers.
type JobOption func(*JobHandlers)

// WithJobMetrics records job outcomes on the supplied counters.
func WithJobMetrics(metrics *observability.JobMetrics) JobOption {
	return func(h *JobHandlers) {
		h.metrics = metrics
	}
}

// WithJobClock sets the clock used by the per-job run limiter.
func WithJobClock(clock func() time.Time) JobOption {
	return func(h *JobHandlers) {
		h.limiter = newSimpleRateLimiter(jobRunLimit, jobRunWindow, clock)
	}
}

// NewJobHandlers constructs the scheduler handlers.
func NewJobHandlers(jobs services.JobService, opts ...JobOption) *JobHandlers {
	h := &JobHandlers{
		jobs:    jobs,
		limiter: newSimpleRateLimiter(jobRunLimit, jobRunWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the job endpoints. Authentication is applied by the router's internal group.
func (h *JobHandlers) Routes(r chi.Router) {
	r.Post("/jobs/"+jobSendReminders, h.run(jobSendReminders, services.JobService.SendReminders))
	r.Post("/jobs/"+jobDailyClose, h.run(jobDailyClose, services.JobService.DailyClose))
	r.Post("/jobs/"+jobDepartmentReport, h.run(jobDepartmentReport, services.JobService.DepartmentReport))
}

type jobFunc func(services.JobService, context.Context) (services.JobReport, error)

func (h *JobHandlers) run(name string, fn jobFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.jobs == nil {
			httpx.WriteError(ctx, w, httpx.NewError("jobs_unavailable", "job service unavailable", http.StatusServiceUnavailable))
			return
		}
		if h.limiter != nil && !h.limiter.Allow(name) {
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "job "+name+" ran too recently", http.StatusTooManyRequests))
			return
		}

		ctx, end := observability.StartJobSpan(ctx, name)
		report, err := fn(h.jobs, ctx)
		end(report.Processed, report.Skipped, report.Failed, err)
		h.metrics.Record(ctx, name, report.Processed, report.Skipped, report.Failed, err)

		logger := requestctx.Logger(ctx)
		if err != nil {
			logger.Error("job failed", zap.String("job", name), zap.Error(err))
			writeServiceError(ctx, w, err)
			return
		}
		logger.Info("job finished",
			zap.String("job", name),
			zap.Int("processed", report.Processed),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
		httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"report": toJobReportPayload(report)})
	}
}
