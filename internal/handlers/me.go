package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lunchdesk/api/internal/platform/auth"
	"github.com/lunchdesk/api/internal/platform/httpx"
	"github.com/lunchdesk/api/internal/services"
)

const (
	accessRequestLimit  = 5
	accessRequestWindow = time.Hour
)

type accessRequestPayload struct {
	Name         string `json:"name" validate:"required,max=120"`
	DepartmentID string `json:"departmentId" validate:"required"`
	Code         string `json:"code" validate:"max=32"`
}

type preferencePayload struct {
	Key         string `json:"key" validate:"required,max=64"`
	Value       any    `json:"value"`
	TargetEmail string `json:"targetEmail" validate:"omitempty,email"`
}

// MeHandlers serves the caller-facing landing data, access requests and preferences.
type MeHandlers struct {
	authn   *auth.Authenticator
	access  services.AccessService
	orders  services.OrderService
	users   services.UserService
	limiter rateLimiter
}

// MeOption customises MeHandlers.
type MeOption func(*MeHandlers)

// WithMeClock sets the clock used by the access request rate limiter.
func WithMeClock(clock func() time.Time) MeOption {
	return func(h *MeHandlers) {
		h.limiter = newSimpleRateLimiter(accessRequestLimit, accessRequestWindow, clock)
	}
}

// NewMeHandlers constructs the /me handlers.
func NewMeHandlers(authn *auth.Authenticator, access services.AccessService, orders services.OrderService, users services.UserService, opts ...MeOption) *MeHandlers {
	h := &MeHandlers{
		authn:   authn,
		access:  access,
		orders:  orders,
		users:   users,
		limiter: newSimpleRateLimiter(accessRequestLimit, accessRequestWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /me endpoints.
func (h *MeHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/access-request", h.requestAccess)
	r.Group(func(r chi.Router) {
		r.Use(requirePrincipal(h.access))
		r.Get("/init", h.initData)
		r.Put("/preferences", h.setPreference)
	})
}

func (h *MeHandlers) initData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	query := services.InitDataQuery{
		Actor:       principal,
		TargetEmail: strings.TrimSpace(r.URL.Query().Get("as")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		date, err := parseDateParam(raw)
		if err != nil {
			writeBadRequest(ctx, w, "date: "+err.Error())
			return
		}
		query.Date = &date
	}
	data, err := h.orders.InitData(ctx, query)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, toInitDataPayload(data))
}

func (h *MeHandlers) requestAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.NormalizedEmail()) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many access requests, try again later", http.StatusTooManyRequests))
		return
	}
	var payload accessRequestPayload
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	user, err := h.users.RequestAccess(ctx, services.AccessRequestCommand{
		Email:        identity.NormalizedEmail(),
		Name:         payload.Name,
		DepartmentID: payload.DepartmentID,
		Code:         payload.Code,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusAccepted, map[string]any{"user": toUserPayload(user, "")})
}

func (h *MeHandlers) setPreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := principalFromContext(ctx)
	var payload preferencePayload
	if err := decodeBody(r, &payload); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	prefs, err := h.users.SetPreference(ctx, services.SetPreferenceCommand{
		Actor:       principal,
		TargetEmail: payload.TargetEmail,
		Key:         payload.Key,
		Value:       payload.Value,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteOK(ctx, w, http.StatusOK, map[string]any{"preferences": prefs})
}
