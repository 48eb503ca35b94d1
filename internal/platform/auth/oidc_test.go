package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const schedulerEmail = "scheduler@lunch-prod.iam.gserviceaccount.com"

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func (m *recordingMetrics) last() verificationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[len(m.records)-1]
}

func TestJWKSCache_KeyCachesKeys(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "key1", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	var mu sync.Mutex
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	cache := NewJWKSCache(server.URL,
		WithoutJWKSBackgroundRefresh(),
		WithJWKSClock(func() time.Time { return time.Unix(1_000_000, 0) }),
	)

	ctx := context.Background()
	got, err := cache.Key(ctx, "key1")
	if err != nil {
		t.Fatalf("cache.Key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}
	if _, err := cache.Key(ctx, "key1"); err != nil {
		t.Fatalf("cache.Key second call: %v", err)
	}
	if _, err := cache.Key(ctx, "rotated"); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}

	mu.Lock()
	defer mu.Unlock()
	if requests != 2 {
		t.Fatalf("expected one fetch plus one forced refresh for the unknown kid, got %d", requests)
	}
}

func TestParseMaxAge(t *testing.T) {
	if got := parseMaxAge("public, max-age=19845, must-revalidate"); got != 19845*time.Second {
		t.Fatalf("unexpected max-age %s", got)
	}
	if got := parseMaxAge("no-store"); got != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestRequireOIDC(t *testing.T) {
	policy := OIDCPolicy{
		Audience:      "https://lunch.example.com",
		Issuers:       []string{"https://accounts.google.com"},
		AllowedEmails: []string{schedulerEmail},
	}

	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
		policy OIDCPolicy
		status int
		reason string
	}{
		{name: "accepted", policy: policy, status: http.StatusNoContent, reason: "ok"},
		{name: "audience mismatch", policy: policy, mutate: func(c jwt.MapClaims) { c["aud"] = "https://other.example.com" }, status: http.StatusUnauthorized, reason: "audience_mismatch"},
		{name: "issuer mismatch", policy: policy, mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, status: http.StatusUnauthorized, reason: "issuer_mismatch"},
		{name: "caller not allowed", policy: policy, mutate: func(c jwt.MapClaims) { c["email"] = "intruder@example.com" }, status: http.StatusForbidden, reason: "caller_not_allowed"},
		{name: "email unverified", policy: policy, mutate: func(c jwt.MapClaims) { c["email_verified"] = false }, status: http.StatusForbidden, reason: "caller_not_allowed"},
		{name: "expired", policy: policy, mutate: func(c jwt.MapClaims) { c["exp"] = float64(time.Unix(1_699_000_000, 0).Unix()) }, status: http.StatusUnauthorized, reason: "token_invalid"},
		{name: "no audience configured", policy: OIDCPolicy{}, status: http.StatusServiceUnavailable, reason: "not_configured"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			validator, metrics, token := setupOIDCTest(t, tc.mutate)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/internal/jobs/daily-close", nil)
			req.Header.Set("Authorization", "Bearer "+token)

			validator.RequireOIDC(tc.policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity, ok := ServiceIdentityFromContext(r.Context())
				if !ok || identity.Email != schedulerEmail {
					t.Fatalf("expected scheduler identity, got %+v", identity)
				}
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rr.Code, rr.Body.String())
			}
			if got := metrics.last(); got.reason != tc.reason || got.kind != "oidc" {
				t.Fatalf("unexpected metric %+v", got)
			}
		})
	}
}

func TestRequireOIDC_UsesIAPHeader(t *testing.T) {
	validator, _, token := setupOIDCTest(t, func(claims jwt.MapClaims) {
		claims["aud"] = []string{"/projects/123/global/backendServices/456"}
		claims["iss"] = "https://cloud.google.com/iap"
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/internal/test", nil)
	req.Header.Set("X-Goog-Iap-Jwt-Assertion", token)

	validator.RequireOIDC(OIDCPolicy{
		Audience: "/projects/123/global/backendServices/456",
		Issuers:  []string{"https://cloud.google.com/iap"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
}

func TestRequireOIDC_JWKSUnavailable(t *testing.T) {
	validator, metrics, token := setupOIDCTest(t, nil)
	validator.cache.url = "http://127.0.0.1:65535/invalid"

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/internal/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	validator.RequireOIDC(OIDCPolicy{Audience: "https://lunch.example.com"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if metrics.last().reason != "jwks_unavailable" {
		t.Fatalf("expected jwks_unavailable metric, got %+v", metrics.records)
	}
}

func setupOIDCTest(t *testing.T, mutateClaims func(jwt.MapClaims)) (*OIDCValidator, *recordingMetrics, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_700_000_000, 0)
	originalTimeFunc := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = originalTimeFunc })

	metrics := &recordingMetrics{}
	validator := NewOIDCValidator(
		NewJWKSCache(server.URL, WithoutJWKSBackgroundRefresh(), WithJWKSClock(func() time.Time { return now })),
		WithOIDCMetrics(metrics),
		WithOIDCClock(func() time.Time { return now }),
	)

	claims := jwt.MapClaims{
		"aud":            "https://lunch.example.com",
		"iss":            "https://accounts.google.com",
		"sub":            "112233445566",
		"email":          schedulerEmail,
		"email_verified": true,
		"exp":            float64(now.Add(time.Hour).Unix()),
		"iat":            float64(now.Unix()),
	}
	if mutateClaims != nil {
		mutateClaims(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return validator, metrics, signed
}
