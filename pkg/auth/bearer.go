package auth

import (
	"net/http"
	"strings"
)

// BearerFromRequest extracts the bearer token from the Authorization header.
// Any header mentioning the Bearer scheme counts as an attempt, even with an
// empty or garbled credential; the orchestrator uses attempted to decide
// whether the bearer path applies.
func BearerFromRequest(r *http.Request) (token string, attempted bool) {
	header := r.Header.Get("Authorization")
	idx := strings.Index(header, "Bearer")
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(header[idx+len("Bearer"):]), true
}
