package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, authn *Authenticator, header string, next http.HandlerFunc) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	if next == nil {
		next = func(http.ResponseWriter, *http.Request) { t.Fatalf("handler should not execute") }
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	authn.RequireFirebaseAuth()(next).ServeHTTP(rr, req)
	var body map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("expected JSON body: %v", err)
		}
	}
	return rr, body
}

func TestRequireFirebaseAuth_AllowsValidToken(t *testing.T) {
	verifier := &stubTokenVerifier{
		token: &firebaseauth.Token{
			UID: "uid-123",
			Claims: map[string]any{
				"email":          " Ana@Example.com ",
				"email_verified": true,
				"name":           "Ana Pérez",
			},
		},
	}

	called := false
	rr, _ := serve(t, NewAuthenticator(verifier, WithVerifiedEmail(), WithEmailDomain("@example.com")), "Bearer token-value", func(w http.ResponseWriter, r *http.Request) {
		called = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "uid-123" || identity.NormalizedEmail() != "ana@example.com" || identity.Name != "Ana Pérez" {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if identity.Token() == nil {
			t.Fatalf("expected token to be retained")
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if rr.Code != http.StatusNoContent || !called {
		t.Fatalf("expected handler to run, got %d", rr.Code)
	}
	if verifier.received != "token-value" {
		t.Fatalf("expected verifier to receive token-value, got %s", verifier.received)
	}
}

func TestRequireFirebaseAuth_Rejections(t *testing.T) {
	cases := []struct {
		name     string
		header   string
		verifier *stubTokenVerifier
		opts     []Option
		status   int
		code     string
	}{
		{name: "missing header", status: http.StatusUnauthorized, code: "unauthenticated", verifier: &stubTokenVerifier{}},
		{name: "basic scheme", header: "Basic abc", status: http.StatusUnauthorized, code: "unauthenticated", verifier: &stubTokenVerifier{}},
		{name: "expired", header: "Bearer expired", verifier: &stubTokenVerifier{err: ErrTokenExpired}, status: http.StatusUnauthorized, code: "token_expired"},
		{name: "invalid", header: "Bearer bad", verifier: &stubTokenVerifier{err: ErrTokenInvalid}, status: http.StatusUnauthorized, code: "invalid_token"},
		{
			name:     "no email",
			header:   "Bearer t",
			verifier: &stubTokenVerifier{token: &firebaseauth.Token{UID: "u", Claims: map[string]any{}}},
			status:   http.StatusForbidden,
			code:     "missing_email",
		},
		{
			name:     "unverified",
			header:   "Bearer t",
			verifier: &stubTokenVerifier{token: &firebaseauth.Token{UID: "u", Claims: map[string]any{"email": "a@example.com"}}},
			opts:     []Option{WithVerifiedEmail()},
			status:   http.StatusForbidden,
			code:     "email_unverified",
		},
		{
			name:     "foreign domain",
			header:   "Bearer t",
			verifier: &stubTokenVerifier{token: &firebaseauth.Token{UID: "u", Claims: map[string]any{"email": "a@other.org"}}},
			opts:     []Option{WithEmailDomain("example.com")},
			status:   http.StatusForbidden,
			code:     "domain_not_allowed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, body := serve(t, NewAuthenticator(tc.verifier, tc.opts...), tc.header, nil)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if body["ok"] != false || body["error"] != tc.code {
				t.Fatalf("unexpected body %v", body)
			}
		})
	}
}
