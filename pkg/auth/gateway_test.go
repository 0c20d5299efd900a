package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RPythonStudy/ai4infra/pkg/session"
)

// fakeVerifier counts calls and returns canned results per token.
type fakeVerifier struct {
	calls  int
	claims map[string]jwt.MapClaims
	errs   map[string]error
}

func (f *fakeVerifier) ValidateToken(_ context.Context, token string) (jwt.MapClaims, error) {
	f.calls++
	if err, ok := f.errs[token]; ok {
		return nil, err
	}
	if claims, ok := f.claims[token]; ok {
		return claims, nil
	}
	return nil, ErrInvalidSignature
}

// fakeSessions counts calls and serves one canned session.
type fakeSessions struct {
	calls  int
	claims *session.Claims
}

func (f *fakeSessions) Read(_ *http.Request) (*session.Claims, bool) {
	f.calls++
	if f.claims == nil {
		return nil, false
	}
	return f.claims, true
}

// fakeLogin counts calls and redirects to a fixed authorization endpoint.
type fakeLogin struct {
	calls    int
	err      error
	returnTo string
}

func (f *fakeLogin) Begin(w http.ResponseWriter, r *http.Request, returnTo string) error {
	f.calls++
	f.returnTo = returnTo
	if f.err != nil {
		return f.err
	}
	http.Redirect(w, r, "https://idp.example.com/auth?rd="+url.QueryEscape(returnTo), http.StatusFound)
	return nil
}

func validGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ClientID:     "nginx",
		ClientSecret: "secret",
		CookieSecret: "0123456789abcdef0123456789abcdef",
	}
}

// echoIdentity is a terminal handler that records the identity it saw.
func echoIdentity(captured **Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity, ok := IdentityFromContext(r.Context()); ok {
			*captured = identity
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestGatewayBearerPath(t *testing.T) {
	t.Parallel()

	verifier := &fakeVerifier{claims: map[string]jwt.MapClaims{
		"good-token": {
			"sub":   "user-1",
			"email": "alice@example.com",
			"name":  "Alice",
			"roles": []any{"pacs-user"},
		},
	}}
	sessions := &fakeSessions{claims: &session.Claims{Subject: "cookie-user"}}
	login := &fakeLogin{}

	var seen *Identity
	handler := NewGateway(validGatewayConfig(), verifier, sessions, login, nil).
		Middleware(echoIdentity(&seen))

	req := httptest.NewRequest(http.MethodGet, "/pacs", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.Subject)
	assert.Equal(t, "alice@example.com", seen.Email)
	assert.Equal(t, []string{"pacs-user"}, seen.Roles)

	// A valid bearer token wins even when a session exists.
	assert.Equal(t, 0, sessions.calls)
	assert.Equal(t, 0, login.calls)

	// No session cookie is set or refreshed on the bearer path.
	assert.Empty(t, rec.Result().Cookies())
}

func TestGatewayBearerFallsThroughToSession(t *testing.T) {
	t.Parallel()

	verifier := &fakeVerifier{errs: map[string]error{"bad-token": ErrTokenExpired}}
	sessions := &fakeSessions{claims: &session.Claims{
		Subject: "cookie-user",
		Email:   "bob@example.com",
		Roles:   []string{"viewer"},
	}}
	login := &fakeLogin{}

	var seen *Identity
	handler := NewGateway(validGatewayConfig(), verifier, sessions, login, nil).
		Middleware(echoIdentity(&seen))

	req := httptest.NewRequest(http.MethodGet, "/pacs", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "cookie-user", seen.Subject)
	assert.Equal(t, []string{"viewer"}, seen.Roles)
	assert.Equal(t, 1, verifier.calls)
	assert.Equal(t, 1, sessions.calls)
}

func TestGatewayUnauthenticatedBrowserRedirects(t *testing.T) {
	t.Parallel()

	login := &fakeLogin{}
	handler := NewGateway(validGatewayConfig(), &fakeVerifier{}, &fakeSessions{}, login, nil).
		Middleware(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/pacs/studies?id=42", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/pacs/studies?id=42", login.returnTo)
}

func TestGatewayUnauthenticatedAPIClientGets401(t *testing.T) {
	t.Parallel()

	login := &fakeLogin{}
	handler := NewGateway(validGatewayConfig(), &fakeVerifier{}, &fakeSessions{}, login, nil).
		Middleware(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/pacs", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Equal(t, 0, login.calls)
}

// A browser presenting a token signed by an untrusted key, with no session,
// gets a login redirect rather than a hard 401.
func TestGatewayUntrustedBearerBrowserRedirects(t *testing.T) {
	t.Parallel()

	verifier := &fakeVerifier{errs: map[string]error{
		"rogue": fmt.Errorf("%w: key ID rogue not found", ErrInvalidSignature),
	}}
	login := &fakeLogin{}
	handler := NewGateway(validGatewayConfig(), verifier, &fakeSessions{}, login, nil).
		Middleware(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/pacs", nil)
	req.Header.Set("Authorization", "Bearer rogue")
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, 1, login.calls)
}

func TestGatewayFailsClosedOnMissingCredentials(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(*GatewayConfig)
	}{
		{"missing client ID", func(c *GatewayConfig) { c.ClientID = "" }},
		{"missing client secret", func(c *GatewayConfig) { c.ClientSecret = "" }},
		{"missing cookie secret", func(c *GatewayConfig) { c.CookieSecret = "" }},
		{"all missing", func(c *GatewayConfig) { *c = GatewayConfig{} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := validGatewayConfig()
			tc.mutate(&cfg)

			verifier := &fakeVerifier{}
			sessions := &fakeSessions{}
			login := &fakeLogin{}
			handler := NewGateway(cfg, verifier, sessions, login, nil).
				Middleware(http.NotFoundHandler())

			// Even a request carrying a bearer token must be rejected
			// without any outbound evaluation.
			req := httptest.NewRequest(http.MethodGet, "/pacs", nil)
			req.Header.Set("Authorization", "Bearer anything")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Contains(t, rec.Body.String(), "misconfigured")
			assert.Equal(t, 0, verifier.calls)
			assert.Equal(t, 0, sessions.calls)
			assert.Equal(t, 0, login.calls)
		})
	}
}

func TestGatewayLoginFailureReturns500(t *testing.T) {
	t.Parallel()

	login := &fakeLogin{err: errors.New("discovery unreachable")}
	handler := NewGateway(validGatewayConfig(), &fakeVerifier{}, &fakeSessions{}, login, nil).
		Middleware(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/pacs", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "discovery unreachable")
}

func TestGatewayDecisionHook(t *testing.T) {
	t.Parallel()

	var outcomes []string
	verifier := &fakeVerifier{claims: map[string]jwt.MapClaims{"tok": {"sub": "u", "exp": 4102444800.0}}}
	sessions := &fakeSessions{}
	handler := NewGateway(validGatewayConfig(), verifier, sessions, &fakeLogin{},
		func(outcome string) { outcomes = append(outcomes, outcome) }).
		Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/pacs", nil)
	req.Header.Set("Authorization", "Bearer tok")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/pacs", nil)
	req.Header.Set("Accept", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{DecisionAllowedBearer, DecisionDenied}, outcomes)
}
