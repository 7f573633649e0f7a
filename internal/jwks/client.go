// Package jwks validates device and operator tokens against the fleet
// identity provider's JSON Web Key Set. Keys are fetched lazily and cached
// so token validation stays cheap on the hot sync paths.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	cache      *jwksCache
	testMode   bool
	testKey    ed25519.PrivateKey
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	jwks      *JWKS
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a new JWKS client
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
	}
}

// NewTestClient creates a JWKS client for testing. It accepts any token
// signature and only checks issuer and audience claims.
func NewTestClient() *Client {
	_, priv, _ := ed25519.GenerateKey(nil)

	return &Client{
		testMode: true,
		testKey:  priv,
	}
}

// fetchJWKS fetches the JWKS from the fleet identity provider
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	return &jwks, nil
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed
func (c *Client) getJWKS(ctx context.Context) (*JWKS, error) {
	c.cache.mutex.RLock()
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		jwks := c.cache.jwks
		c.cache.mutex.RUnlock()
		return jwks, nil
	}
	c.cache.mutex.RUnlock()

	c.cache.mutex.Lock()
	defer c.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		return c.cache.jwks, nil
	}

	jwks, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}

	c.cache.jwks = jwks
	c.cache.expiresAt = time.Now().Add(5 * time.Minute)

	return jwks, nil
}

// getKey retrieves a specific key from the JWKS by kid
func (c *Client) getKey(ctx context.Context, kid string) (*JWK, error) {
	jwks, err := c.getJWKS(ctx)
	if err != nil {
		return nil, err
	}

	for _, key := range jwks.Keys {
		if key.Kid == kid {
			return &key, nil
		}
	}

	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// ValidateJWT validates a JWT using the JWKS and returns its claims.
func (c *Client) ValidateJWT(ctx context.Context, tokenString string, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	// Test mode skips signature and expiry checks so fixtures do not rot.
	if c.testMode {
		parsedToken, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWT: %w", err)
		}

		claims, ok := parsedToken.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("invalid JWT claims")
		}

		if iss, ok := claims["iss"].(string); !ok || iss != expectedIssuer {
			return nil, fmt.Errorf("invalid issuer")
		}

		if aud, ok := claims["aud"].(string); !ok || aud != expectedAudience {
			return nil, fmt.Errorf("invalid audience")
		}

		return claims, nil
	}

	// Parse the token without verification to get the header
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("missing or invalid kid in JWT header")
	}

	jwk, err := c.getKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" || jwk.Alg != "EdDSA" {
		return nil, fmt.Errorf("unsupported key type or algorithm")
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ed25519.PublicKey(xBytes), nil
	}

	parsedToken, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to verify JWT: %w", err)
	}

	if !parsedToken.Valid {
		return nil, fmt.Errorf("invalid JWT")
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid JWT claims")
	}

	if iss, ok := claims["iss"].(string); !ok || iss != expectedIssuer {
		return nil, fmt.Errorf("invalid issuer")
	}

	if aud, ok := claims["aud"].(string); !ok || aud != expectedAudience {
		return nil, fmt.Errorf("invalid audience")
	}

	if exp, ok := claims["exp"].(float64); !ok || float64(time.Now().Unix()) > exp {
		return nil, fmt.Errorf("token expired")
	}

	return claims, nil
}
