// Package server assembles the HTTP gateway: authentication middleware,
// per-route role guards, login handlers and the reverse proxies.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/RPythonStudy/ai4infra/pkg/auth"
	"github.com/RPythonStudy/ai4infra/pkg/config"
	"github.com/RPythonStudy/ai4infra/pkg/logger"
	"github.com/RPythonStudy/ai4infra/pkg/metrics"
	"github.com/RPythonStudy/ai4infra/pkg/networking"
	"github.com/RPythonStudy/ai4infra/pkg/oidc"
	"github.com/RPythonStudy/ai4infra/pkg/proxy"
	"github.com/RPythonStudy/ai4infra/pkg/session"
)

// shutdownTimeout bounds graceful shutdown once the context is cancelled.
const shutdownTimeout = 10 * time.Second

// Server is the assembled gateway.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	metrics *metrics.Metrics
}

// discoveredVerifier defers token validator construction until the first
// bearer request, so startup never blocks on the provider. Failed discovery
// is retried on the next request; the Provider caches success.
type discoveredVerifier struct {
	provider *oidc.Provider
	cfg      auth.TokenValidatorConfig

	mu        sync.Mutex
	validator *auth.TokenValidator
}

func (d *discoveredVerifier) ValidateToken(ctx context.Context, token string) (jwt.MapClaims, error) {
	d.mu.Lock()
	if d.validator == nil {
		doc, err := d.provider.Document(ctx)
		if err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", auth.ErrJWKSUnavailable, err)
		}
		cfg := d.cfg
		cfg.JWKSURL = doc.JWKSURI
		validator, err := auth.NewTokenValidator(ctx, cfg)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.validator = validator
	}
	validator := d.validator
	d.mu.Unlock()

	return validator.ValidateToken(ctx, token)
}

// New builds the gateway from validated configuration and the route table.
func New(cfg *config.Config, routes []config.Route) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	issuer, err := cfg.IssuerURL()
	if err != nil {
		return nil, err
	}

	client, err := networking.NewHttpClientBuilder().
		WithCABundle(cfg.CACertPath).
		WithPrivateIPs(cfg.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	provider, err := oidc.NewProvider(issuer, client)
	if err != nil {
		return nil, err
	}

	secureCookies := !strings.HasPrefix(cfg.ExternalURL, "http://")
	sessions, err := session.New(cfg.CookieSecret, cfg.SessionTTL, secureCookies)
	if err != nil {
		return nil, err
	}

	flow := oidc.NewFlow(provider, sessions, oidc.FlowConfig{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		ExternalURL:   cfg.ExternalURL,
		SecureCookies: secureCookies,
	}, client)

	verifier := &discoveredVerifier{
		provider: provider,
		cfg: auth.TokenValidatorConfig{
			Issuer:         issuer,
			Audience:       cfg.Audience,
			CACertPath:     cfg.CACertPath,
			AllowPrivateIP: cfg.AllowPrivateIP,
		},
	}

	m := metrics.New()
	gateway := auth.NewGateway(auth.GatewayConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		CookieSecret: cfg.CookieSecret,
	}, verifier, sessions, flow, m.RecordDecision)

	router, err := buildRouter(gateway, flow, m, routes)
	if err != nil {
		return nil, err
	}

	return &Server{cfg: cfg, handler: router, metrics: m}, nil
}

// buildRouter wires the chi router.
func buildRouter(gateway *auth.Gateway, flow *oidc.Flow, m *metrics.Metrics, routes []config.Route) (chi.Router, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())

	r.Get(oidc.CallbackPath, flow.HandleCallback)
	r.Get(oidc.SignOutPath, flow.HandleSignOut)

	for _, route := range routes {
		backend, err := proxy.NewBackend(route.Name, route.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route.Prefix, err)
		}

		var handler http.Handler = backend
		if route.Role != "" {
			handler = auth.RequireRole(route.Role)(handler)
		}

		prefix := route.Prefix
		r.Group(func(g chi.Router) {
			g.Use(gateway.Middleware)
			g.Mount(prefix, handler)
		})
		logger.Infow("registered route",
			"name", route.Name, "prefix", route.Prefix,
			"upstream", route.Upstream, "role", route.Role)
	}

	return r, nil
}

// requestLogger logs each request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Handler returns the assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gateway listening on %s", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
