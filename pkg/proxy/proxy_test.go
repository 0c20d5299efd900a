package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RPythonStudy/ai4infra/pkg/auth"
)

func TestBackendForwardsIdentityHeaders(t *testing.T) {
	t.Parallel()

	var received http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	backend, err := NewBackend("pacs", upstream.URL)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/pacs/studies", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{
		Subject: "user-1",
		Email:   "alice@example.com",
		Name:    "Alice",
		Roles:   []string{"pacs-user", "infra-admin"},
	}))
	rec := httptest.NewRecorder()
	backend.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice@example.com", received.Get(HeaderEmail))
	assert.Equal(t, "Alice", received.Get(HeaderName))
	assert.Equal(t, "pacs-user,infra-admin", received.Get(HeaderRoles))
}

func TestBackendStripsClientSuppliedIdentity(t *testing.T) {
	t.Parallel()

	var received http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	backend, err := NewBackend("pacs", upstream.URL)
	require.NoError(t, err)

	// Spoofed headers on an unauthenticated request must not reach the
	// backend.
	req := httptest.NewRequest(http.MethodGet, "/pacs", nil)
	req.Header.Set(HeaderEmail, "fake@example.com")
	req.Header.Set(HeaderRoles, "infra-admin")
	backend.ServeHTTP(httptest.NewRecorder(), req)

	assert.Empty(t, received.Get(HeaderEmail))
	assert.Empty(t, received.Get(HeaderRoles))
}

func TestBackendUnavailable(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	backend, err := NewBackend("pacs", deadURL)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	backend.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pacs", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNewBackendRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewBackend("bad", "ftp://example.com")
	assert.Error(t, err)
}
