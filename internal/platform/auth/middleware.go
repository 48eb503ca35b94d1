package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/lunchdesk/api/internal/platform/httpx"
)

const (
	defaultVerifyTimeout = 5 * time.Second
	emailClaim           = "email"
	emailVerifiedClaim   = "email_verified"
	nameClaim            = "name"
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator wires Firebase token verification into HTTP middleware.
type Authenticator struct {
	verifier      TokenVerifier
	requireVerify bool
	allowedDomain string
	timeout       time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithVerifiedEmail rejects tokens whose email has not been verified by the identity provider.
func WithVerifiedEmail() Option {
	return func(a *Authenticator) {
		a.requireVerify = true
	}
}

// WithEmailDomain restricts sign-in to addresses under domain (e.g. "example.com").
func WithEmailDomain(domain string) Option {
	return func(a *Authenticator) {
		a.allowedDomain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth verifies the Authorization bearer token and requires an email claim,
// since users are keyed by email.
func (a *Authenticator) RequireFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization service unavailable", http.StatusUnauthorized))
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, tokenStr)
			cancel()
			if err != nil {
				writeVerificationError(ctx, w, err)
				return
			}

			identity := &Identity{
				UID:           token.UID,
				Email:         claimAsString(token.Claims, emailClaim),
				EmailVerified: claimAsBool(token.Claims, emailVerifiedClaim),
				Name:          claimAsString(token.Claims, nameClaim),
				token:         token,
			}
			if identity.Email == "" {
				httpx.WriteError(ctx, w, httpx.NewError("missing_email", "identity has no email address", http.StatusForbidden))
				return
			}
			if a.requireVerify && !identity.EmailVerified {
				httpx.WriteError(ctx, w, httpx.NewError("email_unverified", "email address is not verified", http.StatusForbidden))
				return
			}
			if a.allowedDomain != "" && !strings.HasSuffix(identity.NormalizedEmail(), "@"+a.allowedDomain) {
				httpx.WriteError(ctx, w, httpx.NewError("domain_not_allowed", "email domain is not allowed", http.StatusForbidden))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func claimAsString(claims map[string]any, key string) string {
	if value, ok := claims[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func claimAsBool(claims map[string]any, key string) bool {
	value, _ := claims[key].(bool)
	return value
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		httpx.WriteError(ctx, w, httpx.NewError("token_expired", "firebase id token expired", http.StatusUnauthorized))
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "firebase id token invalid", http.StatusUnauthorized))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "firebase id token verification failed", http.StatusUnauthorized))
	}
}
