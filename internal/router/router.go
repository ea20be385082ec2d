package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teachlink/teachlink-realtime/internal/config"
	"github.com/teachlink/teachlink-realtime/internal/handler"
	"github.com/teachlink/teachlink-realtime/internal/middleware"
	"github.com/teachlink/teachlink-realtime/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler         *handler.ChatHandler
	RealtimeHandler     *handler.RealtimeHandler
	NotificationHandler *handler.NotificationHandler
	ApplicationHandler  *handler.ApplicationHandler
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP and websocket routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	app.Get("/metrics", observability.MetricsHandler())

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.RealtimeHandler != nil {
		realtime := app.Group("/api/realtime", jwtMiddleware)
		deps.RealtimeHandler.Register(realtime)
	}

	if deps.ChatHandler != nil {
		chat := app.Group("/api/chat", jwtMiddleware, middleware.RateLimit("chat", 120, time.Minute))
		deps.ChatHandler.Register(chat)
	}

	if deps.ApplicationHandler != nil {
		applications := app.Group("/api/applications", jwtMiddleware)
		deps.ApplicationHandler.Register(applications)
	}

	if deps.NotificationHandler != nil {
		notifications := app.Group("/api/notifications", jwtMiddleware)
		deps.NotificationHandler.Register(notifications)

		admin := app.Group("/api/admin", jwtMiddleware, middleware.RequireRole("admin"))
		deps.NotificationHandler.RegisterAdmin(admin)
	}
}
