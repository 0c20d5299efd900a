package oidc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/RPythonStudy/ai4infra/pkg/auth"
	"github.com/RPythonStudy/ai4infra/pkg/logger"
	"github.com/RPythonStudy/ai4infra/pkg/session"
)

const (
	// CallbackPath is where the provider redirects back after login.
	CallbackPath = "/oauth2/callback"

	// SignOutPath clears the session cookie.
	SignOutPath = "/oauth2/sign_out"

	// stateCookieName carries the CSRF state and the post-login return path
	// between the redirect and the callback.
	stateCookieName = "authgate_state"

	// stateTTL bounds how long a login attempt can stay pending.
	stateTTL = 10 * time.Minute
)

// FlowConfig configures the interactive login flow.
type FlowConfig struct {
	ClientID     string
	ClientSecret string
	// ExternalURL is the public base URL of the gateway.
	ExternalURL string
	// Scopes requested in addition to openid.
	Scopes []string
	// SecureCookies marks the state cookie Secure.
	SecureCookies bool
}

// Flow implements the authorization-code login flow against a Provider and
// issues session cookies for authenticated browsers.
type Flow struct {
	provider *Provider
	sessions *session.Store
	cfg      FlowConfig
	client   *http.Client
}

// NewFlow creates a Flow. client is used for the token exchange and ID token
// verification; nil falls back to http.DefaultClient.
func NewFlow(provider *Provider, sessions *session.Store, cfg FlowConfig, client *http.Client) *Flow {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"profile", "email", "roles"}
	}
	return &Flow{provider: provider, sessions: sessions, cfg: cfg, client: client}
}

// oauthConfig builds the oauth2 configuration from the discovery document.
func (f *Flow) oauthConfig(doc *DiscoveryDocument) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
		RedirectURL: f.cfg.ExternalURL + CallbackPath,
		Scopes:      append([]string{gooidc.ScopeOpenID}, f.cfg.Scopes...),
	}
}

// Begin starts a login by redirecting the browser to the provider's
// authorization endpoint. returnTo is the original request URI to resume
// after login.
func (f *Flow) Begin(w http.ResponseWriter, r *http.Request, returnTo string) error {
	doc, err := f.provider.Document(r.Context())
	if err != nil {
		return fmt.Errorf("endpoint discovery failed: %w", err)
	}

	state := uuid.NewString()
	f.setStateCookie(w, state, returnTo)

	authURL := f.oauthConfig(doc).AuthCodeURL(state)
	logger.Debugw("redirecting to authorization endpoint", "return_to", returnTo)
	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}

// HandleCallback finishes the login: it checks the CSRF state, exchanges the
// authorization code, verifies the ID token against the provider's keys and
// issues the session cookie.
func (f *Flow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	state, returnTo, ok := f.readStateCookie(r)
	f.clearStateCookie(w)
	if !ok || r.URL.Query().Get("state") != state {
		logger.Warn("login callback with missing or mismatched state")
		http.Error(w, "login state mismatch, please retry", http.StatusBadRequest)
		return
	}
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		logger.Warnw("provider returned error on callback", "error", errParam)
		http.Error(w, fmt.Sprintf("login failed: %s", errParam), http.StatusBadGateway)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if f.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)
	}

	doc, err := f.provider.Document(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("endpoint discovery failed: %v", err), http.StatusInternalServerError)
		return
	}

	token, err := f.oauthConfig(doc).Exchange(ctx, code)
	if err != nil {
		logger.Errorw("authorization code exchange failed", "error", err)
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		http.Error(w, "provider response missing ID token", http.StatusBadGateway)
		return
	}

	claims, err := f.verifyIDToken(ctx, doc, rawIDToken)
	if err != nil {
		logger.Errorw("ID token verification failed", "error", err)
		http.Error(w, "ID token verification failed", http.StatusBadGateway)
		return
	}

	if err := f.sessions.Issue(w, *claims); err != nil {
		logger.Errorw("failed to issue session cookie", "error", err)
		http.Error(w, "failed to establish session", http.StatusInternalServerError)
		return
	}

	logger.Infow("login completed", "subject", claims.Subject, "email", claims.Email)
	http.Redirect(w, r, sanitizeReturnTo(returnTo), http.StatusFound)
}

// HandleSignOut clears the session cookie. If the provider advertises an
// end_session_endpoint the browser is sent there, otherwise back to /.
func (f *Flow) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	f.sessions.Clear(w)

	target := "/"
	if doc, err := f.provider.Document(r.Context()); err == nil && doc.EndSessionEndpoint != "" {
		q := url.Values{}
		if f.cfg.ExternalURL != "" {
			q.Set("post_logout_redirect_uri", f.cfg.ExternalURL+"/")
			q.Set("client_id", f.cfg.ClientID)
		}
		target = doc.EndSessionEndpoint
		if encoded := q.Encode(); encoded != "" {
			target += "?" + encoded
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// verifyIDToken validates the raw ID token against the provider's JWKS and
// maps its claims to session claims.
func (f *Flow) verifyIDToken(ctx context.Context, doc *DiscoveryDocument, rawIDToken string) (*session.Claims, error) {
	keySet := gooidc.NewRemoteKeySet(ctx, doc.JWKSURI)
	verifier := gooidc.NewVerifier(doc.Issuer, keySet, &gooidc.Config{ClientID: f.cfg.ClientID})

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}

	claims := &session.Claims{
		Subject: idToken.Subject,
		Roles:   auth.NormalizeRoles(raw),
	}
	if email, ok := raw["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := raw["name"].(string); ok {
		claims.Name = name
	} else if preferred, ok := raw["preferred_username"].(string); ok {
		claims.Name = preferred
	}
	return claims, nil
}

func (f *Flow) setStateCookie(w http.ResponseWriter, state, returnTo string) {
	v := url.Values{}
	v.Set("state", state)
	v.Set("rd", returnTo)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    v.Encode(),
		Path:     "/",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   f.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (f *Flow) readStateCookie(r *http.Request) (state, returnTo string, ok bool) {
	cookie, err := r.Cookie(stateCookieName)
	if err != nil {
		return "", "", false
	}
	v, err := url.ParseQuery(cookie.Value)
	if err != nil || v.Get("state") == "" {
		return "", "", false
	}
	return v.Get("state"), v.Get("rd"), true
}

func (f *Flow) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   f.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// sanitizeReturnTo keeps post-login redirects on this host. Anything that is
// not a plain absolute path falls back to /.
func sanitizeReturnTo(rd string) string {
	if rd == "" || !strings.HasPrefix(rd, "/") || strings.HasPrefix(rd, "//") {
		return "/"
	}
	return rd
}
