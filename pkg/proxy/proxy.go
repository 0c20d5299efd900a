// Package proxy forwards authenticated requests to backend services,
// attaching the caller's identity as trusted headers.
package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/RPythonStudy/ai4infra/pkg/auth"
	"github.com/RPythonStudy/ai4infra/pkg/logger"
)

// Identity headers set for backends. Backends must trust these only when
// reachable exclusively through the gateway.
const (
	HeaderEmail = "X-Auth-Email"
	HeaderName  = "X-Auth-Name"
	HeaderRoles = "X-Auth-Roles"
)

// Backend proxies requests to a single upstream base URL.
type Backend struct {
	name  string
	proxy *httputil.ReverseProxy
}

// NewBackend creates a reverse proxy for the upstream URL.
func NewBackend(name, upstream string) (*Backend, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", upstream, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL %q must be http or https", upstream)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		setIdentityHeaders(req)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Errorw("backend request failed",
			"backend", name, "path", r.URL.Path, "error", err)
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}

	return &Backend{name: name, proxy: proxy}, nil
}

// Name returns the backend's route name.
func (b *Backend) Name() string {
	return b.name
}

// ServeHTTP implements http.Handler.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.proxy.ServeHTTP(w, r)
}

// setIdentityHeaders replaces any client-supplied identity headers with the
// values established by authentication. Headers the client sent are dropped
// unconditionally so identity can never be spoofed from outside.
func setIdentityHeaders(req *http.Request) {
	req.Header.Del(HeaderEmail)
	req.Header.Del(HeaderName)
	req.Header.Del(HeaderRoles)

	identity, ok := auth.IdentityFromContext(req.Context())
	if !ok {
		return
	}
	if identity.Email != "" {
		req.Header.Set(HeaderEmail, identity.Email)
	}
	if identity.Name != "" {
		req.Header.Set(HeaderName, identity.Name)
	}
	if len(identity.Roles) > 0 {
		req.Header.Set(HeaderRoles, strings.Join(identity.Roles, ","))
	}
}
