// Package auth implements request authentication and authorization for the
// gateway: bearer token validation, session fallback and role enforcement.
package auth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the stable identifier from the token's sub claim.
	Subject string `json:"subject"`

	// Email is the caller's email address, if the provider supplied one.
	Email string `json:"email,omitempty"`

	// Name is the human-readable display name.
	Name string `json:"name,omitempty"`

	// Roles holds the normalized role names granted to the caller.
	Roles []string `json:"roles,omitempty"`

	// Token is the raw credential the identity was derived from, if any.
	// It is redacted from all serialized forms.
	Token string `json:"-"`
}

// String returns a loggable representation with the token redacted.
func (i *Identity) String() string {
	return fmt.Sprintf("Identity{Subject: %s, Email: %s, Roles: [%s]}",
		i.Subject, i.Email, strings.Join(i.Roles, ", "))
}

// MarshalJSON implements json.Marshaler to redact the token during JSON
// serialization.
func (i *Identity) MarshalJSON() ([]byte, error) {
	token := ""
	if i.Token != "" {
		token = "REDACTED"
	}
	return json.Marshal(struct {
		Subject string   `json:"subject"`
		Email   string   `json:"email,omitempty"`
		Name    string   `json:"name,omitempty"`
		Roles   []string `json:"roles,omitempty"`
		Token   string   `json:"token,omitempty"`
	}{
		Subject: i.Subject,
		Email:   i.Email,
		Name:    i.Name,
		Roles:   i.Roles,
		Token:   token,
	})
}

// IdentityFromClaims builds an Identity from verified JWT claims.
func IdentityFromClaims(claims jwt.MapClaims) *Identity {
	identity := &Identity{
		Roles: NormalizeRoles(claims),
	}
	if sub, err := claims.GetSubject(); err == nil {
		identity.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		identity.Name = preferred
	}
	return identity
}
