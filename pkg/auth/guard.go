package auth

import (
	"context"
	"fmt"
	"net/http"
)

// HasRole reports whether the authenticated identity carries the role.
// Comparison is exact and case sensitive. Without an identity, or with an
// empty role list, the answer is always false.
func HasRole(ctx context.Context, role string) bool {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return false
	}
	for _, r := range identity.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that rejects requests whose identity lacks
// the role. The 403 body names the missing role so operators can map it to a
// provider-side group assignment.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasRole(r.Context(), role) {
				http.Error(w, fmt.Sprintf("forbidden: role %q required", role), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
