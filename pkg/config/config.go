// Package config loads gateway configuration from the environment and the
// route table from a YAML file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/RPythonStudy/ai4infra/pkg/networking"
)

// Provider kinds supported by the gateway.
const (
	ProviderKeycloak = "keycloak"
	ProviderGoogle   = "google"
	ProviderGeneric  = "generic"
)

// googleIssuer is the fixed issuer URL for Google accounts.
const googleIssuer = "https://accounts.google.com"

// Config holds the complete gateway configuration.
type Config struct {
	// Provider selects how the issuer URL is derived. One of keycloak,
	// google or generic.
	Provider string

	// ClientID is the OAuth2 client identifier registered with the provider.
	ClientID string

	// ClientSecret is the OAuth2 client secret.
	ClientSecret string

	// CookieSecret is the secret used to derive the session cookie
	// encryption key. Must be at least 32 bytes.
	CookieSecret string

	// KeycloakURL is the Keycloak base URL (keycloak provider only).
	KeycloakURL string

	// Realm is the Keycloak realm name (keycloak provider only).
	Realm string

	// Issuer is the explicit issuer URL (generic provider only).
	Issuer string

	// Audience optionally restricts which `aud` claim values are accepted.
	Audience string

	// ExternalURL is the public base URL of the gateway, used to build the
	// OAuth2 redirect URI.
	ExternalURL string

	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string

	// SessionTTL bounds how long an issued session cookie stays valid.
	SessionTTL time.Duration

	// RoutesFile is the path to the YAML route table.
	RoutesFile string

	// AllowPrivateIP permits the provider endpoint to resolve to a private
	// address. Required for in-cluster Keycloak deployments.
	AllowPrivateIP bool

	// CACertPath optionally points at a PEM bundle for the provider's TLS
	// certificate.
	CACertPath string
}

// Route maps a path prefix to a backend service.
type Route struct {
	// Name identifies the route in logs and metrics.
	Name string `yaml:"name"`

	// Prefix is the request path prefix this route matches.
	Prefix string `yaml:"prefix"`

	// Upstream is the backend base URL requests are forwarded to.
	Upstream string `yaml:"upstream"`

	// Role, if set, is required on the authenticated identity.
	Role string `yaml:"role,omitempty"`
}

// routesFile is the on-disk shape of the route table.
type routesFile struct {
	Routes []Route `yaml:"routes"`
}

// SetDefaults registers defaults and environment bindings on viper.
// Call once before Load.
func SetDefaults() {
	viper.SetDefault("provider", ProviderKeycloak)
	viper.SetDefault("listen-addr", ":8080")
	viper.SetDefault("session-ttl", "8h")
	viper.SetDefault("routes-file", "routes.yaml")

	viper.SetEnvPrefix("OIDC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Load reads the gateway configuration from viper (environment plus any
// bound flags). It does not validate; call Validate on the result.
func Load() (*Config, error) {
	ttl, err := time.ParseDuration(viper.GetString("session-ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid session TTL %q: %w", viper.GetString("session-ttl"), err)
	}

	return &Config{
		Provider:       strings.ToLower(viper.GetString("provider")),
		ClientID:       viper.GetString("client-id"),
		ClientSecret:   viper.GetString("client-secret"),
		CookieSecret:   viper.GetString("cookie-secret"),
		KeycloakURL:    strings.TrimSuffix(viper.GetString("keycloak-url"), "/"),
		Realm:          viper.GetString("realm"),
		Issuer:         strings.TrimSuffix(viper.GetString("issuer"), "/"),
		Audience:       viper.GetString("audience"),
		ExternalURL:    strings.TrimSuffix(viper.GetString("external-url"), "/"),
		ListenAddr:     viper.GetString("listen-addr"),
		SessionTTL:     ttl,
		RoutesFile:     viper.GetString("routes-file"),
		AllowPrivateIP: viper.GetBool("allow-private-ip"),
		CACertPath:     viper.GetString("ca-cert"),
	}, nil
}

// IssuerURL derives the issuer URL from the provider kind.
func (c *Config) IssuerURL() (string, error) {
	switch c.Provider {
	case ProviderKeycloak:
		if c.KeycloakURL == "" || c.Realm == "" {
			return "", fmt.Errorf("keycloak provider requires OIDC_KEYCLOAK_URL and OIDC_REALM")
		}
		return fmt.Sprintf("%s/realms/%s", c.KeycloakURL, c.Realm), nil
	case ProviderGoogle:
		return googleIssuer, nil
	case ProviderGeneric:
		if c.Issuer == "" {
			return "", fmt.Errorf("generic provider requires OIDC_ISSUER")
		}
		return c.Issuer, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", c.Provider)
	}
}

// Validate checks that the configuration is complete enough to authenticate
// requests. A gateway with incomplete credentials must refuse to serve rather
// than pass requests through unauthenticated.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("missing OIDC client ID")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("missing OIDC client secret")
	}
	if c.CookieSecret == "" {
		return fmt.Errorf("missing session cookie secret")
	}
	if len(c.CookieSecret) < 32 {
		return fmt.Errorf("session cookie secret must be at least 32 characters, got %d", len(c.CookieSecret))
	}

	issuer, err := c.IssuerURL()
	if err != nil {
		return err
	}
	if err := networking.ValidateEndpointURL(issuer); err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if c.ExternalURL != "" {
		if err := networking.ValidateEndpointURL(c.ExternalURL); err != nil {
			return fmt.Errorf("invalid external URL: %w", err)
		}
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}

	return nil
}

// LoadRoutes reads and validates the route table from the configured file.
func (c *Config) LoadRoutes() ([]Route, error) {
	data, err := os.ReadFile(c.RoutesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	return ParseRoutes(data)
}

// ParseRoutes parses and validates a YAML route table.
func ParseRoutes(data []byte) ([]Route, error) {
	var rf routesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse routes file: %w", err)
	}
	if len(rf.Routes) == 0 {
		return nil, fmt.Errorf("routes file defines no routes")
	}

	seen := make(map[string]struct{}, len(rf.Routes))
	for i, r := range rf.Routes {
		if r.Prefix == "" || !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route %d: prefix must start with /", i)
		}
		if _, ok := seen[r.Prefix]; ok {
			return nil, fmt.Errorf("route %d: duplicate prefix %s", i, r.Prefix)
		}
		seen[r.Prefix] = struct{}{}
		if r.Upstream == "" {
			return nil, fmt.Errorf("route %d (%s): missing upstream", i, r.Prefix)
		}
		// Backends live on the private network next to the gateway, so
		// plain HTTP upstreams are accepted here.
		u, err := url.Parse(r.Upstream)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("route %d (%s): invalid upstream %q", i, r.Prefix, r.Upstream)
		}
	}
	return rf.Routes, nil
}
