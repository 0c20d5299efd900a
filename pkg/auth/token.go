package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/RPythonStudy/ai4infra/pkg/networking"
)

// Typed validation failures. The orchestrator treats them all as "bearer
// path failed" but logs which kind occurred.
var (
	// ErrTokenExpired is returned when the token has expired.
	ErrTokenExpired = errors.New("token has expired")

	// ErrInvalidSignature is returned when the token signature does not
	// verify against any trusted key.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrTokenMalformed is returned when the token cannot be parsed as a JWT.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrInvalidIssuer is returned when the issuer claim does not match.
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrInvalidAudience is returned when the audience claim does not match.
	ErrInvalidAudience = errors.New("invalid audience")

	// ErrJWKSUnavailable is returned when the provider's key set cannot be
	// fetched.
	ErrJWKSUnavailable = errors.New("JWKS unavailable")

	// ErrMissingJWKSURL is returned when no JWKS URL was configured.
	ErrMissingJWKSURL = errors.New("missing JWKS URL")
)

// TokenValidatorConfig contains the configuration for the token validator.
type TokenValidatorConfig struct {
	// Issuer is the expected issuer claim value.
	Issuer string

	// Audience is the expected audience; empty skips the check.
	Audience string

	// JWKSURL is the URL to fetch the provider's key set from.
	JWKSURL string

	// CACertPath is an optional PEM bundle for the JWKS endpoint's TLS cert.
	CACertPath string

	// AllowPrivateIP permits the JWKS endpoint to resolve to a private
	// address.
	AllowPrivateIP bool
}

// TokenValidator verifies bearer JWTs against the provider's key set.
type TokenValidator struct {
	issuer   string
	audience string
	jwksURL  string

	jwksClient *jwk.Cache

	jwksRegistrationMu  sync.Mutex
	jwksRegistered      bool
	jwksRegistrationErr error
}

// NewTokenValidator creates a token validator with a self-refreshing JWKS
// cache. The JWKS URL is registered lazily on first use so startup never
// blocks on the provider.
func NewTokenValidator(ctx context.Context, config TokenValidatorConfig) (*TokenValidator, error) {
	if config.JWKSURL == "" {
		return nil, ErrMissingJWKSURL
	}

	httpClient, err := networking.NewHttpClientBuilder().
		WithCABundle(config.CACertPath).
		WithPrivateIPs(config.AllowPrivateIP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &TokenValidator{
		issuer:     config.Issuer,
		audience:   config.Audience,
		jwksURL:    config.JWKSURL,
		jwksClient: cache,
	}, nil
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first use.
func (v *TokenValidator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksClient.Register(registrationCtx, v.jwksURL); err != nil {
		v.jwksRegistrationErr = fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// getKeyFromJWKS resolves the verification key for a parsed token header.
func (v *TokenValidator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup failed: %v", ErrJWKSUnavailable, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: key ID %s not found in JWKS", ErrInvalidSignature, kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// ValidateToken verifies the token's signature and claims, returning the
// claims on success.
func (v *TokenValidator) ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrTokenMalformed
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, token)
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenMalformed
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// validateClaims checks issuer, audience and expiry.
func (v *TokenValidator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIssuer, err)
		}
		if strings.TrimSpace(issuerClaim) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return ErrTokenExpired
	}

	return nil
}

// classifyParseError maps jwt parse failures onto the typed errors above.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	case errors.Is(err, ErrJWKSUnavailable), errors.Is(err, ErrInvalidSignature):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

// FailureKind names the category of a validation failure for logging and
// metrics. Unknown errors report as "other".
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrInvalidSignature):
		return "signature"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, ErrInvalidIssuer):
		return "issuer"
	case errors.Is(err, ErrInvalidAudience):
		return "audience"
	case errors.Is(err, ErrJWKSUnavailable):
		return "network"
	default:
		return "other"
	}
}
