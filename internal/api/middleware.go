package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"datagate/internal/authz"
	"datagate/internal/gateway"
)

const (
	principalKey = "principal"
	requestIDKey = "request_id"
)

// RequestID tags every request with a correlation id, honoring one the
// caller already sent, and echoes it on the response.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(fiber.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals(requestIDKey, id)
		c.Set(fiber.HeaderXRequestID, id)
		return c.Next()
	}
}

func requestIDFrom(c *fiber.Ctx) string {
	id, _ := c.Locals(requestIDKey).(string)
	return id
}

// PrincipalMiddleware authenticates the request and stores the resolved
// principal in the request locals. Requests without an Authorization header
// proceed as anonymous; a malformed or invalid bearer token is rejected so a
// broken credential never silently degrades to anonymous access.
func PrincipalMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)

		var claims *authz.Claims
		if header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return gateway.AuthenticationFailed("the Authorization header is not a bearer token")
			}
			parsed, err := authz.ParseToken(strings.TrimSpace(parts[1]), secret)
			if err != nil {
				return gateway.AuthenticationFailed("the bearer token is invalid").WithCause(err)
			}
			claims = parsed
		}

		principal, err := authz.ResolvePrincipal(claims, c.Get(authz.RoleHeader))
		if err != nil {
			return err
		}
		c.Locals(principalKey, principal)
		return c.Next()
	}
}

// principalFrom reads the principal the middleware stored. Routes mounted
// before the middleware, the health probe among them, fall back to anonymous.
func principalFrom(c *fiber.Ctx) authz.Principal {
	if p, ok := c.Locals(principalKey).(authz.Principal); ok {
		return p
	}
	return authz.Principal{Role: authz.RoleAnonymous, Claims: map[string]any{}}
}
