package auth

import (
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityFromClaims(t *testing.T) {
	t.Parallel()

	t.Run("full claims", func(t *testing.T) {
		t.Parallel()
		identity := IdentityFromClaims(jwt.MapClaims{
			"sub":   "user-1",
			"email": "alice@example.com",
			"name":  "Alice",
			"roles": []any{"admin"},
		})
		assert.Equal(t, "user-1", identity.Subject)
		assert.Equal(t, "alice@example.com", identity.Email)
		assert.Equal(t, "Alice", identity.Name)
		assert.Equal(t, []string{"admin"}, identity.Roles)
	})

	t.Run("preferred_username fallback", func(t *testing.T) {
		t.Parallel()
		identity := IdentityFromClaims(jwt.MapClaims{
			"sub":                "user-2",
			"preferred_username": "bob",
		})
		assert.Equal(t, "bob", identity.Name)
		assert.Empty(t, identity.Roles)
	})
}

func TestIdentityRedactsToken(t *testing.T) {
	t.Parallel()

	identity := &Identity{
		Subject: "user-1",
		Email:   "alice@example.com",
		Token:   "eyJhbGciOi.super.secret",
	}

	assert.NotContains(t, identity.String(), "super")

	encoded, err := json.Marshal(identity)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "super")
	assert.Contains(t, string(encoded), "REDACTED")
}
