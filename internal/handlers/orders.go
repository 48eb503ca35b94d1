package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/auth"
	"github.com/lunchdesk/api/internal/platform/httpx"
	"github.com/lunchdesk/api/internal/platform/idempotency"
	"github.com/lunchdesk/api/internal/services"
)

type submitOrderPayload struct {
	Date       string   `json:"date" validate:"required"`
	Categories []string `json:"categories" validate:"required,min=1,dive,required"`
	Items      []string `json:"items" validate:"dive,max=200"`
	As         string   `json:"as" validate:"omitempty,email"`
}

// OrderHandlers serves order submission and cancellation for signed-in users.
type OrderHandlers struct {
	authn  *auth.Authenticator
	access services.AccessService
	orders services.OrderService
	replay *idempotency.Ledger
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderIdempotency replays submissions and cancellations that repeat an Idempotency-Key.
func WithOrderIdempotency(ledger *idempotency.Ledger) OrderOption {
	return func(h *OrderHandlers) {
		h.replay = ledger
	}
}

// NewOrderHandlers constructs the /orders handlers.
func NewOrderHandlers(authn *auth.Authenticator, access services.AccessService, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, access: access, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Use(requirePrincipal(h.access))
	if h.replay != nil {
		r.Use(idempotency.Middleware(h.replay))
	}
	r.Post("/", h.submit)
	r.Delete("/{orderID}", h.cancel)
}

func (h *OrderHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	var payload submitOrderPayload
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	date, err := parseDateParam(payload.Date)
	if err != nil {
		writeBadRequest(ctx, w, "date: "+err.Error())
		return
	}
	// Unknown names are passed through; the service rejects them after the window check.
	selection := domain.Selection{Items: payload.Items}
	for _, raw := range payload.Categories {
		category, ok := domain.ParseMenuCategory(raw)
		if !ok {
			category = domain.MenuCategory(strings.TrimSpace(raw))
		}
		selection.Categories = append(selection.Categories, category)
	}

	order, err := h.orders.Submit(ctx, services.SubmitOrderCommand{
		Actor:       principal,
		TargetEmail: payload.As,
		Date:        date,
		Selection:   selection,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{
		"msg":   "order saved",
		"order": toOrderPayload(order),
	})
}

func (h *OrderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeBadRequest(ctx, w, "order id is required")
		return
	}
	if err := h.orders.Cancel(ctx, services.CancelOrderCommand{Actor: principal, OrderID: orderID}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"msg": "order cancelled"})
}
