package firestore

import (
	"context"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/lunchdesk/api/internal/domain"
	pfirestore "github.com/lunchdesk/api/internal/platform/firestore"
	"github.com/lunchdesk/api/internal/repositories"
)

// OrderRepository stores orders. A companion slot document keyed by owner and date points at the
// active order, so at most one order exists per owner per day.
type OrderRepository struct {
	base  *pfirestore.BaseRepository[orderDocument]
	slots *pfirestore.BaseRepository[slotDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

type orderDocument struct {
	RequestedAt  time.Time `firestore:"requestedAt"`
	Date         string    `firestore:"date"`
	OwnerEmail   string    `firestore:"ownerEmail"`
	OwnerName    string    `firestore:"ownerName"`
	DepartmentID string    `firestore:"departmentId"`
	Summary      string    `firestore:"summary"`
	Categories   []string  `firestore:"categories"`
	Items        []string  `firestore:"items"`
	Status       string    `firestore:"status"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
	CreatedBy    string    `firestore:"createdBy,omitempty"`
}

type slotDocument struct {
	OrderID    string `firestore:"orderId"`
	OwnerEmail string `firestore:"ownerEmail"`
	Date       string `firestore:"date"`
}

func slotID(owner string, date civil.Date) string {
	return domain.NormalizeEmail(owner) + "|" + dateKey(date)
}

// UpsertActive writes order as the active order of its owner and date. An existing slot keeps its
// order ID and RequestedAt.
func (r *OrderRepository) UpsertActive(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	owner := domain.NormalizeEmail(order.OwnerEmail)
	if owner == "" || strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, false, pfirestore.Conflict("orders.upsert", "order id and owner are required")
	}
	orders, err := r.base.CollectionRef(ctx)
	if err != nil {
		return domain.Order{}, false, err
	}
	slotRef, err := r.slots.DocumentRef(ctx, slotID(owner, order.Date))
	if err != nil {
		return domain.Order{}, false, err
	}

	var (
		saved   domain.Order
		created bool
	)
	err = r.base.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		next := order
		next.OwnerEmail = owner
		next.Status = domain.OrderStatusActive
		created = true

		slotSnap, err := tx.Get(slotRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			slot, err := r.slots.Decode(slotSnap)
			if err != nil {
				return err
			}
			existingSnap, err := tx.Get(orders.Doc(slot.Data.OrderID))
			switch {
			case err == nil:
				existing, err := r.base.Decode(existingSnap)
				if err != nil {
					return err
				}
				next.ID = existing.ID
				next.RequestedAt = existing.Data.RequestedAt
				created = false
			case status.Code(err) != codes.NotFound:
				return err
			}
		}
		if created {
			if _, err := tx.Get(orders.Doc(next.ID)); err == nil {
				return pfirestore.Conflict("orders.upsert", "order id already in use")
			} else if status.Code(err) != codes.NotFound {
				return err
			}
		}

		if err := tx.Set(orders.Doc(next.ID), fromDomainOrder(next)); err != nil {
			return err
		}
		saved = next
		return tx.Set(slotRef, slotDocument{OrderID: next.ID, OwnerEmail: owner, Date: dateKey(next.Date)})
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return saved, created, nil
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Order{}, err
	}
	return toDomainOrder(doc), nil
}

// FindActive loads the active order of ownerEmail on date.
func (r *OrderRepository) FindActive(ctx context.Context, ownerEmail string, date civil.Date) (domain.Order, error) {
	owner := domain.NormalizeEmail(ownerEmail)
	if owner == "" {
		return domain.Order{}, pfirestore.NotFound("orders.active", "order not found")
	}
	slot, err := r.slots.Get(ctx, slotID(owner, date))
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, slot.Data.OrderID)
}

// ListByDate returns the orders for one consumption date.
func (r *OrderRepository) ListByDate(ctx context.Context, date civil.Date) ([]domain.Order, error) {
	return r.ListRange(ctx, date, date)
}

// ListRange returns orders dated within [from, to] sorted by date and owner.
func (r *OrderRepository) ListRange(ctx context.Context, from, to civil.Date) ([]domain.Order, error) {
	docs, err := r.base.Query(ctx, rangeQuery(from, to))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDomainOrder(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].OwnerEmail < out[j].OwnerEmail
	})
	return out, nil
}

// HasOrders reports whether ownerEmail owns any order.
func (r *OrderRepository) HasOrders(ctx context.Context, ownerEmail string) (bool, error) {
	owner := domain.NormalizeEmail(ownerEmail)
	if owner == "" {
		return false, nil
	}
	docs, err := r.slots.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("ownerEmail", "==", owner).Limit(1)
	})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// Delete removes the order and releases its slot.
func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	orderRef, err := r.base.DocumentRef(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	slots, err := r.slots.CollectionRef(ctx)
	if err != nil {
		return err
	}
	return r.base.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		doc, err := r.base.Decode(snap)
		if err != nil {
			return err
		}
		slotRef := slots.Doc(slotID(doc.Data.OwnerEmail, parseDateKey(doc.Data.Date)))
		slotSnap, err := tx.Get(slotRef)
		releaseSlot := false
		switch {
		case err == nil:
			slot, err := r.slots.Decode(slotSnap)
			if err != nil {
				return err
			}
			releaseSlot = slot.Data.OrderID == orderRef.ID
		case status.Code(err) != codes.NotFound:
			return err
		}

		if err := tx.Delete(orderRef); err != nil {
			return err
		}
		if releaseSlot {
			return tx.Delete(slotRef)
		}
		return nil
	})
}

func fromDomainOrder(order domain.Order) orderDocument {
	categories := make([]string, 0, len(order.Selection.Categories))
	for _, c := range order.Selection.Categories {
		categories = append(categories, string(c))
	}
	return orderDocument{
		RequestedAt:  order.RequestedAt,
		Date:         dateKey(order.Date),
		OwnerEmail:   order.OwnerEmail,
		OwnerName:    order.OwnerName,
		DepartmentID: order.DepartmentID,
		Summary:      order.Summary,
		Categories:   categories,
		Items:        append([]string{}, order.Selection.Items...),
		Status:       string(order.Status),
		UpdatedAt:    order.UpdatedAt,
		CreatedBy:    order.CreatedBy,
	}
}

func toDomainOrder(doc pfirestore.Document[orderDocument]) domain.Order {
	data := doc.Data
	categories := make([]domain.MenuCategory, 0, len(data.Categories))
	for _, raw := range data.Categories {
		c, ok := domain.ParseMenuCategory(raw)
		if !ok {
			c = domain.MenuCategory(strings.TrimSpace(raw))
		}
		categories = append(categories, c)
	}
	order := domain.Order{
		ID:           doc.ID,
		RequestedAt:  data.RequestedAt,
		Date:         parseDateKey(data.Date),
		OwnerEmail:   domain.NormalizeEmail(data.OwnerEmail),
		OwnerName:    data.OwnerName,
		DepartmentID: data.DepartmentID,
		Summary:      data.Summary,
		Selection:    domain.Selection{Categories: categories, Items: append([]string(nil), data.Items...)},
		Status:       domain.OrderStatus(data.Status),
		UpdatedAt:    data.UpdatedAt,
		CreatedBy:    data.CreatedBy,
	}
	if order.RequestedAt.IsZero() {
		order.RequestedAt = doc.CreateTime
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusActive
	}
	return order
}
