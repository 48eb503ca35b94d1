package firestore

import (
	"context"
	"sort"
	"strings"

	"cloud.google.com/go/civil"

	domain "github.com/lunchdesk/api/internal/domain"
	pfirestore "github.com/lunchdesk/api/internal/platform/firestore"
	"github.com/lunchdesk/api/internal/repositories"
)

// HolidayRepository stores manual holidays keyed by their ISO date.
type HolidayRepository struct {
	base *pfirestore.BaseRepository[holidayDocument]
}

var _ repositories.HolidayRepository = (*HolidayRepository)(nil)

type holidayDocument struct {
	Date   string `firestore:"date"`
	Reason string `firestore:"reason,omitempty"`
}

// List returns every manual holiday sorted by date. Rows with unreadable dates are skipped.
func (r *HolidayRepository) List(ctx context.Context) ([]domain.Holiday, error) {
	docs, err := r.base.Query(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Holiday, 0, len(docs))
	for _, doc := range docs {
		date := parseDateKey(doc.Data.Date)
		if !date.IsValid() {
			date = parseDateKey(doc.ID)
		}
		if !date.IsValid() {
			continue
		}
		out = append(out, domain.Holiday{Date: date, Reason: doc.Data.Reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Upsert writes the holiday.
func (r *HolidayRepository) Upsert(ctx context.Context, holiday domain.Holiday) error {
	if !holiday.Date.IsValid() {
		return pfirestore.Conflict("holidays.upsert", "holiday date is invalid")
	}
	return r.base.Set(ctx, dateKey(holiday.Date), holidayDocument{
		Date:   dateKey(holiday.Date),
		Reason: strings.TrimSpace(holiday.Reason),
	})
}

// Delete removes the holiday on date.
func (r *HolidayRepository) Delete(ctx context.Context, date civil.Date) error {
	if !date.IsValid() {
		return pfirestore.NotFound("holidays.delete", "holiday not found")
	}
	return r.base.Delete(ctx, dateKey(date))
}
