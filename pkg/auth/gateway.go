package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RPythonStudy/ai4infra/pkg/logger"
	"github.com/RPythonStudy/ai4infra/pkg/session"
)

// Decision outcomes reported to the metrics hook.
const (
	DecisionAllowedBearer  = "allowed_bearer"
	DecisionAllowedSession = "allowed_session"
	DecisionRedirected     = "redirected"
	DecisionDenied         = "denied"
	DecisionError          = "error"
)

// Verifier validates bearer tokens.
type Verifier interface {
	ValidateToken(ctx context.Context, token string) (jwt.MapClaims, error)
}

// SessionReader extracts identity claims from a session cookie.
type SessionReader interface {
	Read(r *http.Request) (*session.Claims, bool)
}

// LoginInitiator redirects a browser to the identity provider, preserving
// the original request URI for post-login return.
type LoginInitiator interface {
	Begin(w http.ResponseWriter, r *http.Request, returnTo string) error
}

// GatewayConfig holds the credentials the gateway needs before it may serve
// any request.
type GatewayConfig struct {
	ClientID     string
	ClientSecret string
	CookieSecret string
}

// validate reports the first missing credential. A gateway with incomplete
// credentials fails closed: every request is rejected before any provider
// contact.
func (c GatewayConfig) validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "client ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if c.CookieSecret == "" {
		missing = append(missing, "cookie secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("authentication gateway misconfigured: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Gateway is the per-request authentication orchestrator. It tries bearer
// authentication first, falls back to the session cookie and finally either
// redirects browsers to the provider or rejects API clients with 401.
type Gateway struct {
	verifier     Verifier
	sessions     SessionReader
	login        LoginInitiator
	preflightErr error
	onDecision   func(outcome string)
}

// NewGateway creates the orchestrator. onDecision, if non-nil, is invoked
// with the outcome of every request.
func NewGateway(cfg GatewayConfig, verifier Verifier, sessions SessionReader, login LoginInitiator, onDecision func(string)) *Gateway {
	return &Gateway{
		verifier:     verifier,
		sessions:     sessions,
		login:        login,
		preflightErr: cfg.validate(),
		onDecision:   onDecision,
	}
}

func (g *Gateway) decided(outcome string) {
	if g.onDecision != nil {
		g.onDecision(outcome)
	}
}

// Middleware authenticates the request and stores the resulting Identity in
// the request context before calling next.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Refuse to evaluate anything, and in particular to contact the
		// provider, while credentials are incomplete.
		if g.preflightErr != nil {
			g.decided(DecisionError)
			http.Error(w, g.preflightErr.Error(), http.StatusInternalServerError)
			return
		}

		if token, attempted := BearerFromRequest(r); attempted {
			claims, err := g.verifier.ValidateToken(r.Context(), token)
			if err == nil {
				identity := IdentityFromClaims(claims)
				identity.Token = token
				logger.Debugw("bearer authentication succeeded",
					"subject", identity.Subject, "path", r.URL.Path)
				g.decided(DecisionAllowedBearer)
				// A valid token never touches the session cookie, so
				// machine clients cannot extend or create sessions.
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
				return
			}
			logger.Infow("bearer authentication failed, trying session",
				"reason", FailureKind(err), "path", r.URL.Path)
		}

		if claims, ok := g.sessions.Read(r); ok {
			identity := &Identity{
				Subject: claims.Subject,
				Email:   claims.Email,
				Name:    claims.Name,
				Roles:   claims.Roles,
			}
			if identity.Roles == nil {
				identity.Roles = []string{}
			}
			g.decided(DecisionAllowedSession)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
			return
		}

		if !isBrowser(r) {
			g.decided(DecisionDenied)
			w.Header().Set("WWW-Authenticate", `Bearer realm="authgate"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		if err := g.login.Begin(w, r, r.URL.RequestURI()); err != nil {
			logger.Errorw("failed to start login", "error", err, "path", r.URL.Path)
			g.decided(DecisionError)
			http.Error(w, fmt.Sprintf("failed to start login: %v", err), http.StatusInternalServerError)
			return
		}
		g.decided(DecisionRedirected)
	})
}

// isBrowser reports whether the client can follow an interactive login
// redirect. API clients advertise JSON or nothing; browsers send text/html.
func isBrowser(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
