package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/lunchdesk/api/internal/platform/httpx"
)

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// NewOTelMetricsRecorder publishes verification outcomes as an OpenTelemetry histogram.
func NewOTelMetricsRecorder() (MetricsRecorder, error) {
	histogram, err := otel.Meter("github.com/lunchdesk/api/auth").Float64Histogram("lunch.auth.verification.duration",
		metric.WithDescription("Service token verification latency by outcome."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return MetricsRecorderFunc(func(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
		histogram.Record(ctx, float64(duration)/float64(time.Millisecond), metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("success", success),
			attribute.String("reason", reason),
		))
	}), nil
}

// OIDCValidator validates Google-signed OIDC tokens, such as those attached by Cloud Scheduler
// to job invocations.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{cache: cache, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects a custom clock.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// OIDCPolicy lists what a service token must carry to be accepted.
type OIDCPolicy struct {
	Audience string
	Issuers  []string
	// AllowedEmails restricts the calling service accounts. Empty accepts any verified caller.
	AllowedEmails []string
}

// RequireOIDC enforces presence of a valid Google-signed OIDC/IAP token on the request.
func (v *OIDCValidator) RequireOIDC(policy OIDCPolicy) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(policy.Audience)
	issuers := toSet(policy.Issuers, false)
	emails := toSet(policy.AllowedEmails, true)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			reject := func(status int, code, message, reason string) {
				v.record(ctx, false, reason, start)
				httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
			}

			if audience == "" || v.cache == nil {
				reject(http.StatusServiceUnavailable, "verification_unavailable", "oidc verification not configured", "not_configured")
				return
			}
			tokenStr := extractOIDCToken(r)
			if tokenStr == "" {
				reject(http.StatusUnauthorized, "unauthenticated", "oidc token missing", "token_missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			parsed, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx))
			if err != nil {
				if errors.Is(err, ErrJWKSFetchFailed) {
					v.logger.Warn("oidc keys unavailable", zap.Error(err))
					reject(http.StatusServiceUnavailable, "invalid_token", "oidc token verification failed", "jwks_unavailable")
					return
				}
				v.logger.Info("oidc verification failed", zap.Error(err))
				reject(http.StatusUnauthorized, "invalid_token", "oidc token verification failed", "token_invalid")
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(issuers) > 0 {
				if _, ok := issuers[issuer]; !ok {
					reject(http.StatusUnauthorized, "invalid_token", "oidc issuer mismatch", "issuer_mismatch")
					return
				}
			}
			if !containsString(audienceFromClaims(claims), audience) {
				reject(http.StatusUnauthorized, "invalid_token", "oidc audience mismatch", "audience_mismatch")
				return
			}
			email, _ := claims["email"].(string)
			if len(emails) > 0 {
				verified, _ := claims["email_verified"].(bool)
				if _, ok := emails[strings.ToLower(email)]; !ok || !verified {
					reject(http.StatusForbidden, "caller_not_allowed", "service account is not allowed", "caller_not_allowed")
					return
				}
			}

			subject, _ := claims["sub"].(string)
			identity := &ServiceIdentity{
				Subject:  subject,
				Email:    email,
				Issuer:   issuer,
				Audience: audience,
				Token:    parsed,
				Claims:   map[string]any(claims),
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}

func extractOIDCToken(r *http.Request) string {
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}

func audienceFromClaims(claims jwt.MapClaims) []string {
	switch v := claims["aud"].(type) {
	case string:
		return []string{strings.TrimSpace(v)}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, strings.TrimSpace(str))
			}
		}
		return out
	default:
		return nil
	}
}

func toSet(values []string, fold bool) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if fold {
			value = strings.ToLower(value)
		}
		if value != "" {
			out[value] = struct{}{}
		}
	}
	return out
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
