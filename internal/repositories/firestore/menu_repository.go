package firestore

import (
	"context"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/firestore"

	domain "github.com/lunchdesk/api/internal/domain"
	pfirestore "github.com/lunchdesk/api/internal/platform/firestore"
	"github.com/lunchdesk/api/internal/repositories"
)

// A transaction may write at most 500 documents.
const maxTransactionWrites = 500

// MenuRepository stores dated menu items.
type MenuRepository struct {
	base *pfirestore.BaseRepository[menuDocument]
}

var _ repositories.MenuRepository = (*MenuRepository)(nil)

type menuDocument struct {
	Date        string    `firestore:"date"`
	Category    string    `firestore:"category"`
	Name        string    `firestore:"name"`
	Description string    `firestore:"description,omitempty"`
	Enabled     bool      `firestore:"enabled"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// FindByID loads a menu item.
func (r *MenuRepository) FindByID(ctx context.Context, id string) (domain.MenuItem, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.MenuItem{}, err
	}
	return toDomainMenuItem(doc), nil
}

// ListByDate returns the items offered on date.
func (r *MenuRepository) ListByDate(ctx context.Context, date civil.Date) ([]domain.MenuItem, error) {
	return r.ListRange(ctx, date, date)
}

// ListRange returns items dated within [from, to] sorted by date, category and ID.
func (r *MenuRepository) ListRange(ctx context.Context, from, to civil.Date) ([]domain.MenuItem, error) {
	docs, err := r.base.Query(ctx, rangeQuery(from, to))
	if err != nil {
		return nil, err
	}
	out := make([]domain.MenuItem, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDomainMenuItem(doc))
	}
	sortMenu(out)
	return out, nil
}

// Upsert writes the item.
func (r *MenuRepository) Upsert(ctx context.Context, item domain.MenuItem) error {
	return r.base.Set(ctx, item.ID, fromDomainMenuItem(item))
}

// Delete removes the item.
func (r *MenuRepository) Delete(ctx context.Context, id string) error {
	return r.base.Delete(ctx, strings.TrimSpace(id))
}

// ReplaceDates swaps every item dated on one of dates for items in one transaction. The query
// spans the first to the last date and skips documents on dates outside the set.
func (r *MenuRepository) ReplaceDates(ctx context.Context, dates []civil.Date, items []domain.MenuItem) error {
	coll, err := r.base.CollectionRef(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			return pfirestore.Conflict("menuItems.replace", "menu item id is required")
		}
	}
	if len(dates) == 0 && len(items) == 0 {
		return nil
	}
	replaced := make(map[string]struct{}, len(dates))
	var from, to civil.Date
	for i, d := range dates {
		replaced[dateKey(d)] = struct{}{}
		if i == 0 || d.Before(from) {
			from = d
		}
		if i == 0 || d.After(to) {
			to = d
		}
	}
	return r.base.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var snaps []*firestore.DocumentSnapshot
		if len(dates) > 0 {
			found, err := tx.Documents(rangeQuery(from, to)(coll.Query)).GetAll()
			if err != nil {
				return err
			}
			snaps = found
		}
		if len(snaps)+len(items) > maxTransactionWrites {
			return pfirestore.Conflict("menuItems.replace", "too many menu items in one replacement")
		}
		keep := make(map[string]struct{}, len(items))
		for _, item := range items {
			keep[item.ID] = struct{}{}
		}
		for _, snap := range snaps {
			if _, ok := keep[snap.Ref.ID]; ok {
				continue
			}
			doc, err := r.base.Decode(snap)
			if err != nil {
				return err
			}
			if _, ok := replaced[strings.TrimSpace(doc.Data.Date)]; !ok {
				continue
			}
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
		}
		for _, item := range items {
			if err := tx.Set(coll.Doc(item.ID), fromDomainMenuItem(item)); err != nil {
				return err
			}
		}
		return nil
	})
}

func rangeQuery(from, to civil.Date) pfirestore.QueryBuilder {
	return func(q firestore.Query) firestore.Query {
		return q.Where("date", ">=", dateKey(from)).Where("date", "<=", dateKey(to))
	}
}

func sortMenu(items []domain.MenuItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Date != items[j].Date {
			return items[i].Date.Before(items[j].Date)
		}
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].ID < items[j].ID
	})
}

func fromDomainMenuItem(item domain.MenuItem) menuDocument {
	return menuDocument{
		Date:        dateKey(item.Date),
		Category:    string(item.Category),
		Name:        strings.TrimSpace(item.Name),
		Description: strings.TrimSpace(item.Description),
		Enabled:     item.Enabled,
		UpdatedAt:   item.UpdatedAt,
	}
}

func toDomainMenuItem(doc pfirestore.Document[menuDocument]) domain.MenuItem {
	category, ok := domain.ParseMenuCategory(doc.Data.Category)
	if !ok {
		category = domain.MenuCategory(doc.Data.Category)
	}
	item := domain.MenuItem{
		ID:          doc.ID,
		Date:        parseDateKey(doc.Data.Date),
		Category:    category,
		Name:        doc.Data.Name,
		Description: doc.Data.Description,
		Enabled:     doc.Data.Enabled,
		UpdatedAt:   doc.Data.UpdatedAt,
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = doc.UpdateTime
	}
	return item
}
