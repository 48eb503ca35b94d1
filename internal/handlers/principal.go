package handlers

import (
	"context"
	"net/http"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/auth"
	"github.com/lunchdesk/api/internal/platform/httpx"
	"github.com/lunchdesk/api/internal/services"
)

type principalContextKey struct{}

func withPrincipal(ctx context.Context, principal domain.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func principalFromContext(ctx context.Context) (domain.Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(domain.Principal)
	return principal, ok
}

// requirePrincipal loads the directory user behind the authenticated identity and derives the
// effective role. Only active users pass.
func requirePrincipal(access services.AccessService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, ok := auth.IdentityFromContext(ctx)
			if !ok || identity == nil || identity.NormalizedEmail() == "" {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
				return
			}
			if access == nil {
				httpx.WriteError(ctx, w, httpx.NewError("access_unavailable", "access service unavailable", http.StatusServiceUnavailable))
				return
			}
			principal, err := access.Principal(ctx, identity.NormalizedEmail())
			if err != nil {
				writeServiceError(ctx, w, err)
				return
			}
			if !principal.User.IsActive() {
				httpx.WriteError(ctx, w, httpx.NewError("user_inactive", "your access is not active yet", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(ctx, principal)))
		})
	}
}

// requireRole rejects principals ranked below min.
func requireRole(min domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal, ok := principalFromContext(ctx)
			if !ok || principal.Role.Rank() < min.Rank() {
				httpx.WriteError(ctx, w, httpx.NewError("forbidden", "you do not have permission for this action", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
