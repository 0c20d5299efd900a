// Package oidc resolves identity provider metadata and drives the
// interactive browser login flow.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/RPythonStudy/ai4infra/pkg/logger"
	"github.com/RPythonStudy/ai4infra/pkg/networking"
)

// UserAgent is the user agent for OIDC/OAuth requests
const UserAgent = "authgate/1.0"

// DiscoveryDocument represents the OIDC discovery document structure
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri"`
}

// httpClient interface for dependency injection (private for testing)
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider caches the discovery document for an issuer. The document is
// fetched at most once per process; concurrent first callers share a single
// fetch via singleflight.
type Provider struct {
	issuer string
	client httpClient

	group  singleflight.Group
	mu     sync.RWMutex
	cached *DiscoveryDocument
}

// NewProvider creates a Provider for the given issuer. A nil client gets the
// default hardened client from pkg/networking.
func NewProvider(issuer string, client *http.Client) (*Provider, error) {
	var c httpClient
	if client != nil {
		c = client
	} else {
		built, err := networking.NewHttpClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		c = built
	}
	return &Provider{issuer: strings.TrimSuffix(issuer, "/"), client: c}, nil
}

// Issuer returns the configured issuer URL.
func (p *Provider) Issuer() string {
	return p.issuer
}

// Document returns the provider's discovery document, fetching it on first
// use. Concurrent callers during the first fetch observe the same result.
func (p *Provider) Document(ctx context.Context) (*DiscoveryDocument, error) {
	p.mu.RLock()
	cached := p.cached
	p.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := p.group.Do("discovery", func() (any, error) {
		doc, err := discoverEndpoints(ctx, p.issuer, p.client)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cached = doc
		p.mu.Unlock()
		logger.Infow("discovered OIDC endpoints",
			"issuer", doc.Issuer,
			"authorization_endpoint", doc.AuthorizationEndpoint,
			"jwks_uri", doc.JWKSURI)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DiscoveryDocument), nil
}

// discoverEndpoints fetches and validates the well-known configuration.
func discoverEndpoints(ctx context.Context, issuer string, client httpClient) (*DiscoveryDocument, error) {
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}

	// Ensure HTTPS for security (except localhost for development)
	if issuerURL.Scheme != networking.HttpsScheme && !networking.IsLocalhost(issuerURL.Host) {
		return nil, fmt.Errorf("issuer must use HTTPS: %s", issuer)
	}

	// Handles tenant/realm paths like Keycloak's /realms/<realm>
	base := issuerURL.Scheme + "://" + issuerURL.Host
	tenant := strings.Trim(issuerURL.EscapedPath(), "/")
	wellKnownURL := base + path.Join("/", tenant, ".well-known", "openid-configuration")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", wellKnownURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d", wellKnownURL, resp.StatusCode)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		return nil, fmt.Errorf("%s: unexpected content-type %q", wellKnownURL, ct)
	}

	// Limit response size to prevent DoS
	const maxResponseSize = 1024 * 1024 // 1MB
	var doc DiscoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: unexpected response: %w", wellKnownURL, err)
	}
	if err := validateDocument(&doc, issuer); err != nil {
		return nil, fmt.Errorf("%s: invalid metadata: %w", wellKnownURL, err)
	}
	return &doc, nil
}

// validateDocument validates the OIDC discovery document
func validateDocument(doc *DiscoveryDocument, expectedIssuer string) error {
	if doc.Issuer == "" {
		return fmt.Errorf("missing issuer")
	}
	if doc.Issuer != expectedIssuer {
		return fmt.Errorf("issuer mismatch: expected %s, got %s", expectedIssuer, doc.Issuer)
	}
	if doc.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing authorization_endpoint")
	}
	if doc.TokenEndpoint == "" {
		return fmt.Errorf("missing token_endpoint")
	}
	if doc.JWKSURI == "" {
		return fmt.Errorf("missing jwks_uri")
	}

	endpoints := map[string]string{
		"authorization_endpoint": doc.AuthorizationEndpoint,
		"token_endpoint":         doc.TokenEndpoint,
		"jwks_uri":               doc.JWKSURI,
		"userinfo_endpoint":      doc.UserinfoEndpoint,
		"end_session_endpoint":   doc.EndSessionEndpoint,
	}
	for name, endpoint := range endpoints {
		if endpoint != "" {
			if err := networking.ValidateEndpointURL(endpoint); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	}
	return nil
}
