// Package auth verifies the bearer token presented at the WebSocket handshake
// and extracts the AuthenticatedUser it identifies: decode the token payload
// (the middle segment of a dot-delimited token), require `sub`,
// `preferred_username`, and a non-expired `exp`; extract `realm_access.roles`;
// accept `email` from either of two named claims.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/surgicollab/collab-gateway/internal/v1/gatewayerr"
	"github.com/surgicollab/collab-gateway/internal/v1/logging"
	"github.com/surgicollab/collab-gateway/internal/v1/types"
)

// RealmAccess carries the role set the way Keycloak-style identity providers
// shape it: nested under a "realm_access" claim.
type RealmAccess struct {
	Roles []string `json:"roles,omitempty"`
}

// CustomClaims is the bearer token shape the gateway understands. Email can
// arrive as either "email" or "upn" depending on the issuing provider; both
// are accepted, "email" taking precedence.
type CustomClaims struct {
	PreferredUsername string      `json:"preferred_username"`
	FirstName         string      `json:"given_name,omitempty"`
	LastName          string      `json:"family_name,omitempty"`
	Email             string      `json:"email,omitempty"`
	UPN               string      `json:"upn,omitempty"`
	RealmAccess       RealmAccess `json:"realm_access,omitempty"`
	jwt.RegisteredClaims
}

func (c *CustomClaims) resolvedEmail() string {
	if c.Email != "" {
		return c.Email
	}
	return c.UPN
}

// Validator is the capability every token-verification implementation offers
// the connection lifecycle.
type Validator interface {
	ValidateToken(tokenString string) (*types.AuthenticatedUser, *gatewayerr.Error)
}

// JWKSValidator verifies tokens against a JWKS endpoint, refreshed on an
// interval, with the signing algorithm pinned to defeat algorithm-confusion
// attacks.
type JWKSValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewJWKSValidator builds a JWKSValidator for the given issuer domain. It
// registers the JWKS endpoint with a refreshing cache and performs an initial
// fetch to fail fast on misconfiguration.
func NewJWKSValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWKSValidator, error) {
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

	return &JWKSValidator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// ValidateToken parses, verifies, and extracts the AuthenticatedUser from a
// bearer token, mapping every failure to the MISSING_TOKEN / INVALID_TOKEN /
// TOKEN_EXPIRED codes clients switch on.
func (v *JWKSValidator) ValidateToken(tokenString string) (*types.AuthenticatedUser, *gatewayerr.Error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, missingTokenError()
	}

	claims := &CustomClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if token != nil && token.Method != nil && token.Method.Alg() != "RS256" {
			return nil, invalidTokenError(fmt.Errorf("unexpected signing method: %s", token.Method.Alg()))
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, tokenExpiredError()
		}
		return nil, invalidTokenError(err)
	}

	if !token.Valid {
		return nil, invalidTokenError(errors.New("token is invalid"))
	}

	return claimsToUser(claims)
}

func claimsToUser(claims *CustomClaims) (*types.AuthenticatedUser, *gatewayerr.Error) {
	if claims.Subject == "" || claims.PreferredUsername == "" {
		return nil, invalidTokenError(errors.New("token missing required sub/preferred_username claims"))
	}
	return &types.AuthenticatedUser{
		UserID:    types.UserIDType(claims.Subject),
		Username:  claims.PreferredUsername,
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
		Email:     claims.resolvedEmail(),
		Roles:     claims.RealmAccess.Roles,
	}, nil
}

func missingTokenError() *gatewayerr.Error {
	return gatewayerr.New(gatewayerr.CategoryAuthorization, gatewayerr.CodeMissingToken, "Authentication token is required")
}

func invalidTokenError(cause error) *gatewayerr.Error {
	return gatewayerr.Wrap(gatewayerr.CategoryAuthorization, gatewayerr.CodeInvalidToken, "Authentication token is invalid", cause)
}

func tokenExpiredError() *gatewayerr.Error {
	return gatewayerr.New(gatewayerr.CategoryAuthorization, gatewayerr.CodeTokenExpired, "Authentication token has expired")
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the named
// environment variable, falling back to defaultEnvs (with a warning) when unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// MockValidator is a development-only token validator (SKIP_AUTH=true) that
// decodes the token payload without verifying its signature. Never use
// outside local development.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*types.AuthenticatedUser, *gatewayerr.Error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, missingTokenError()
	}

	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, invalidTokenError(errors.New("token is not a three-segment JWT"))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, invalidTokenError(fmt.Errorf("decoding token payload: %w", err))
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, invalidTokenError(fmt.Errorf("parsing token payload: %w", err))
	}

	exp, ok := raw["exp"].(float64)
	if !ok {
		return nil, invalidTokenError(errors.New("token missing required exp claim"))
	}
	if time.Unix(int64(exp), 0).Before(time.Now()) {
		return nil, tokenExpiredError()
	}

	sub, _ := raw["sub"].(string)
	username, _ := raw["preferred_username"].(string)
	if sub == "" || username == "" {
		return nil, invalidTokenError(errors.New("token missing required sub/preferred_username claims"))
	}

	email, _ := raw["email"].(string)
	if email == "" {
		email, _ = raw["upn"].(string)
	}

	var roles []string
	if realmAccess, ok := raw["realm_access"].(map[string]any); ok {
		if rolesRaw, ok := realmAccess["roles"].([]any); ok {
			for _, r := range rolesRaw {
				if s, ok := r.(string); ok {
					roles = append(roles, s)
				}
			}
		}
	}

	firstName, _ := raw["given_name"].(string)
	lastName, _ := raw["family_name"].(string)

	return &types.AuthenticatedUser{
		UserID:    types.UserIDType(sub),
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
		Email:     email,
		Roles:     roles,
	}, nil
}
