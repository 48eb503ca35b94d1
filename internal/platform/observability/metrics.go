package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// JobMetrics counts scheduled job units by outcome.
type JobMetrics struct {
	units metric.Int64Counter
	runs  metric.Int64Counter
}

// NewJobMetrics registers the job counters on the global meter provider.
func NewJobMetrics() (*JobMetrics, error) {
	meter := otel.Meter("github.com/lunchdesk/api/jobs")
	units, err := meter.Int64Counter("lunch.jobs.units",
		metric.WithDescription("Units of work handled by scheduled jobs, by outcome."))
	if err != nil {
		return nil, err
	}
	runs, err := meter.Int64Counter("lunch.jobs.runs",
		metric.WithDescription("Scheduled job invocations, by result."))
	if err != nil {
		return nil, err
	}
	return &JobMetrics{units: units, runs: runs}, nil
}

// Record adds one run of job to the counters.
func (m *JobMetrics) Record(ctx context.Context, job string, processed, skipped, failed int, err error) {
	if m == nil {
		return
	}
	jobAttr := attribute.String("job", job)
	for outcome, count := range map[string]int{"processed": processed, "skipped": skipped, "failed": failed} {
		if count > 0 {
			m.units.Add(ctx, int64(count), metric.WithAttributes(jobAttr, attribute.String("outcome", outcome)))
		}
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(jobAttr, attribute.String("result", result)))
}
