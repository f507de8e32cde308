package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"datagate/internal/authz"
	"datagate/internal/config"
	"datagate/internal/gateway"
)

// Register mounts the health probe, the CORS and principal middleware, the
// per-entity REST routes and the GraphQL endpoint. The health probe comes
// first so it stays reachable without credentials.
//
// Routes resolve the handler per request through current, so a config reload
// swaps the engine behind a stable route table. Path and CORS changes take a
// restart.
func Register(app *fiber.App, current func() *Handler, cfg *config.RuntimeConfig, jwtSecret string) {
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error { return current().Health(c) })

	if c := cfg.Runtime.Host.CORS; c != nil {
		app.Use(cors.New(cors.Config{
			AllowOrigins:     strings.Join(c.Origins, ","),
			AllowCredentials: c.AllowCredentials,
			AllowHeaders:     "Authorization, Content-Type, " + authz.RoleHeader,
		}))
	}
	app.Use(PrincipalMiddleware(jwtSecret))

	if cfg.Runtime.Rest.Enabled {
		rest := app.Group(cfg.Runtime.Rest.PathValue())
		rest.Get("/:entity", func(c *fiber.Ctx) error { return current().List(c) })
		rest.Post("/:entity", func(c *fiber.Ctx) error { return current().Create(c) })
		rest.Get("/:entity/*", func(c *fiber.Ctx) error { return current().GetByPK(c) })
		rest.Put("/:entity/*", func(c *fiber.Ctx) error { return current().Replace(c) })
		rest.Patch("/:entity/*", func(c *fiber.Ctx) error { return current().Update(c) })
		rest.Delete("/:entity/*", func(c *fiber.Ctx) error { return current().Delete(c) })
	}

	if cfg.Runtime.GraphQL.Enabled {
		app.Post(cfg.Runtime.GraphQL.PathValue(), func(c *fiber.Ctx) error { return current().GraphQL(c) })
	}
}

// ErrorHandler converts the errors handlers return into the wire envelope.
// Driver text for 5xx classes is suppressed outside development mode.
func ErrorHandler(deps gateway.Dependencies) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if fe, ok := err.(*fiber.Error); ok {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fiber.Map{
				"code":    "BadRequest",
				"status":  fe.Code,
				"message": fe.Message,
			}})
		}
		ge := gateway.AsError(err)
		if ge.Status >= 500 {
			deps.Logger.Error().Err(err).
				Str("request_id", requestIDFrom(c)).
				Str("path", c.Path()).
				Msg("request failed")
		}
		return c.Status(ge.Status).JSON(fiber.Map{"error": fiber.Map{
			"code":    ge.Code,
			"status":  ge.Status,
			"message": ge.PublicMessage(deps.DevMode),
		}})
	}
}
