package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
	jwt "github.com/golang-jwt/jwt/v4"
)

// Identity is the signed-in caller extracted from a Firebase ID token. The application role is
// not carried by the token; it is derived from the user directory on every request.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Name          string

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// NormalizedEmail returns the lower-cased email used as the user key.
func (i *Identity) NormalizedEmail() string {
	if i == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(i.Email))
}

// ServiceIdentity captures details about an authenticated service principal such as the
// Cloud Scheduler service account.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string

	Token  *jwt.Token
	Claims map[string]any
}

type contextKey string

const (
	identityContextKey        contextKey = "github.com/lunchdesk/api/internal/platform/auth/identity"
	serviceIdentityContextKey contextKey = "github.com/lunchdesk/api/internal/platform/auth/service-identity"
)

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// WithServiceIdentity attaches the verified service identity to the request context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by the OIDC middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
