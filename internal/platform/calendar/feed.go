package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/config"
)

// maxEventSpanDays caps how many days a single multi-day event may contribute.
const maxEventSpanDays = 31

// Feed reads public holidays from a Google Calendar.
type Feed struct {
	service    *gcal.Service
	calendarID string
}

// NewFeed builds a feed over the calendar named in cfg. Extra client options are appended after the
// API key, so tests can point the client at a local endpoint.
func NewFeed(ctx context.Context, cfg config.CalendarConfig, opts ...option.ClientOption) (*Feed, error) {
	calendarID := strings.TrimSpace(cfg.ID)
	if calendarID == "" {
		return nil, errors.New("calendar: calendar id is required")
	}
	clientOpts := make([]option.ClientOption, 0, len(opts)+1)
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(key))
	}
	clientOpts = append(clientOpts, opts...)
	svc, err := gcal.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: create client: %w", err)
	}
	return &Feed{service: svc, calendarID: calendarID}, nil
}

// Holidays returns every day covered by an event in [from, to]. Multi-day all-day events expand to
// one entry per day.
func (f *Feed) Holidays(ctx context.Context, from, to civil.Date) ([]domain.Holiday, error) {
	if to.Before(from) {
		return nil, nil
	}
	call := f.service.Events.List(f.calendarID).
		SingleEvents(true).
		ShowDeleted(false).
		TimeMin(from.In(time.UTC).Format(time.RFC3339)).
		TimeMax(to.AddDays(1).In(time.UTC).Format(time.RFC3339)).
		MaxResults(250)

	var out []domain.Holiday
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, event := range page.Items {
			if event == nil || event.Status == "cancelled" {
				continue
			}
			start, end, ok := eventSpan(event)
			if !ok {
				continue
			}
			reason := strings.TrimSpace(event.Summary)
			for d, n := start, 0; d.Before(end) && n < maxEventSpanDays; d, n = d.AddDays(1), n+1 {
				if d.Before(from) || d.After(to) {
					continue
				}
				out = append(out, domain.Holiday{Date: d, Reason: reason})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("calendar: list events: %w", err)
	}
	return out, nil
}

// eventSpan returns the half-open day range covered by event.
func eventSpan(event *gcal.Event) (civil.Date, civil.Date, bool) {
	if event.Start == nil {
		return civil.Date{}, civil.Date{}, false
	}
	if event.Start.Date != "" {
		start, err := civil.ParseDate(event.Start.Date)
		if err != nil {
			return civil.Date{}, civil.Date{}, false
		}
		end := start.AddDays(1)
		if event.End != nil && event.End.Date != "" {
			if parsed, err := civil.ParseDate(event.End.Date); err == nil && parsed.After(start) {
				end = parsed
			}
		}
		return start, end, true
	}
	if event.Start.DateTime != "" {
		ts, err := time.Parse(time.RFC3339, event.Start.DateTime)
		if err != nil {
			return civil.Date{}, civil.Date{}, false
		}
		start := civil.DateOf(ts)
		return start, start.AddDays(1), true
	}
	return civil.Date{}, civil.Date{}, false
}
