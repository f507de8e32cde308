package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"datagate/internal/gateway"
)

const (
	RoleAnonymous     = "anonymous"
	RoleAuthenticated = "authenticated"

	// RoleHeader lets a caller pick one of its token roles for this request.
	RoleHeader = "X-MS-API-ROLE"
)

// Principal is the already-authenticated caller as the engine sees it: a
// single effective role plus the raw claim values policies can reference.
type Principal struct {
	Role          string
	Authenticated bool
	Claims        map[string]any
}

// Claims carried by the engine's JWTs. Claims outside the registered set are
// collected in Extra so policies can reference them.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string       `json:"roles,omitempty"`
	Extra map[string]any `json:"-"`
}

func (c *Claims) UnmarshalJSON(data []byte) error {
	type plain Claims
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Claims(p)

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range []string{"iss", "sub", "aud", "exp", "nbf", "iat", "jti", "roles"} {
		delete(raw, k)
	}
	c.Extra = raw
	return nil
}

// ParseToken validates a bearer token and returns its claims.
func ParseToken(tokenStr, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ResolvePrincipal derives the effective principal from parsed claims (nil
// for unauthenticated callers) and the optional role header.
//
// Unauthenticated callers are anonymous and may only ask for the anonymous
// role. Authenticated callers default to the authenticated system role and
// may assume any role their token carries.
func ResolvePrincipal(claims *Claims, roleHeader string) (Principal, error) {
	roleHeader = strings.TrimSpace(roleHeader)

	if claims == nil {
		if roleHeader != "" && !strings.EqualFold(roleHeader, RoleAnonymous) {
			return Principal{}, gateway.AuthorizationFailed("anonymous requests cannot assume role %q", roleHeader)
		}
		return Principal{Role: RoleAnonymous, Claims: map[string]any{}}, nil
	}

	p := Principal{
		Role:          RoleAuthenticated,
		Authenticated: true,
		Claims:        claimValues(claims),
	}
	if roleHeader == "" {
		return p, nil
	}
	if strings.EqualFold(roleHeader, RoleAuthenticated) || strings.EqualFold(roleHeader, RoleAnonymous) {
		p.Role = strings.ToLower(roleHeader)
		return p, nil
	}
	for _, r := range claims.Roles {
		if strings.EqualFold(r, roleHeader) {
			p.Role = r
			return p, nil
		}
	}
	return Principal{}, gateway.AuthorizationFailed("token does not carry role %q", roleHeader)
}

type ctxKey struct{}

// WithPrincipal stores the resolved caller on the context for resolvers
// running below the HTTP layer.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the request principal, or the anonymous principal when
// none was attached.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxKey{}).(Principal); ok {
		return p
	}
	return Principal{Role: RoleAnonymous, Claims: map[string]any{}}
}

// claimValues flattens the claims policies may reference via @claims.name.
func claimValues(c *Claims) map[string]any {
	out := map[string]any{}
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.Subject != "" {
		out["sub"] = c.Subject
	}
	if c.Issuer != "" {
		out["iss"] = c.Issuer
	}
	if len(c.Roles) > 0 {
		out["roles"] = c.Roles
	}
	return out
}
