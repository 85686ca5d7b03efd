// Package auth validates inbound tokens into protocol.User identities,
// grounded on the teacher's JWKS-backed validator (internal/v1/auth) but
// returning the collaboration protocol's User type directly instead of raw
// JWT claims.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/RoseWrightdev/collabkit-go/internal/logging"
	"github.com/RoseWrightdev/collabkit-go/internal/protocol"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Provider validates a bearer token and returns the resulting user. Spec §1.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*protocol.User, error)
}

// customClaims mirrors the teacher's CustomClaims shape.
type customClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWKSProvider validates RS256 tokens against a JWKS endpoint, refreshed on
// an hourly cache per the teacher's NewValidator.
type JWKSProvider struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWKSProvider parses the issuer URL, registers the JWKS endpoint with a
// refreshing cache, and performs an initial fetch to fail fast on
// misconfiguration.
func NewJWKSProvider(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWKSProvider, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &JWKSProvider{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// ValidateToken parses and verifies tokenString, returning the resulting
// authenticated protocol.User.
func (p *JWKSProvider) ValidateToken(_ context.Context, tokenString string) (*protocol.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &customClaims{}, p.keyFunc,
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*customClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to customClaims")
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}

	return &protocol.User{
		ID:            claims.Subject,
		Name:          name,
		Authenticated: true,
		Metadata: map[string]any{
			"email": claims.Email,
		},
	}, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list, falling back
// to defaultEnvs for local development when unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s not set, using default development origins", envVarName))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// NewAnonymousUser materializes an unauthenticated identity the way
// server.py's join handler does: "anon-" followed by 16 hex characters.
func NewAnonymousUser(name string) *protocol.User {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	id := "anon-" + hex.EncodeToString(buf)
	if name == "" {
		name = "Anonymous"
	}
	return &protocol.User{ID: id, Name: name, Authenticated: false}
}
