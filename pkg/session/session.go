// Package session implements the encrypted client-side session cookie.
// Identity claims established during login are sealed with AES-256-GCM and
// carried by the browser, so the gateway holds no server-side session state.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CookieName is the name of the session cookie set by the gateway.
const CookieName = "authgate_session"

// Claims is the identity payload sealed inside the session cookie.
type Claims struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// Store seals and opens session cookies.
type Store struct {
	aead   cipher.AEAD
	ttl    time.Duration
	secure bool
}

// New creates a session store. The encryption key is derived from secret via
// HKDF-SHA256 so the configured cookie secret never becomes the raw AES key.
func New(secret string, ttl time.Duration, secure bool) (*Store, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("cookie secret must be at least 32 bytes, got %d", len(secret))
	}
	key, err := hkdf.Key(sha256.New, []byte(secret), nil, "authgate session cookie v1", 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive cookie key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Store{aead: aead, ttl: ttl, secure: secure}, nil
}

// Issue seals the claims and sets the session cookie on the response.
// The claims' timestamps are stamped here; callers only provide identity.
func (s *Store) Issue(w http.ResponseWriter, claims Claims) error {
	now := time.Now()
	claims.IssuedAt = now
	claims.ExpiresAt = now.Add(s.ttl)

	value, err := s.seal(claims)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Expires:  claims.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Read extracts claims from the request's session cookie. Any failure, from a
// missing cookie through tampering to plain expiry, reports no valid session.
func (s *Store) Read(r *http.Request) (*Claims, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	claims, err := s.open(cookie.Value)
	if err != nil {
		return nil, false
	}
	if time.Now().After(claims.ExpiresAt) {
		return nil, false
	}
	return claims, true
}

// Clear expires the session cookie on the response.
func (s *Store) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Store) seal(claims Claims) (string, error) {
	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session claims: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Nonce is prepended to the ciphertext so open can recover it.
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *Store) open(value string) (*Claims, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid cookie encoding: %w", err)
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("cookie too short")
	}

	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cookie: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session claims: %w", err)
	}
	return &claims, nil
}
