package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/critkey-api/internal/config"
	"github.com/noah-isme/critkey-api/internal/handler"
	"github.com/noah-isme/critkey-api/internal/middleware"
	"github.com/noah-isme/critkey-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ResourceHandler *handler.ResourceHandler
	GradingHandler  *handler.GradingHandler
	CacheHandler    *handler.CacheHandler
	FeedbackHandler *handler.FeedbackHandler
	ProgressHandler *handler.ProgressHandler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	app.Get("/metrics", observability.MetricsHandler())

	if deps.ResourceHandler != nil {
		resources := api.Group("/resources")
		// Grade pushes map one-to-one onto upstream Canvas writes.
		resources.Use("/grades", middleware.RateLimit("grades", 30, time.Minute))
		deps.ResourceHandler.Register(resources)
	}

	if deps.GradingHandler != nil {
		deps.GradingHandler.Register(api.Group("/grading"))
	}

	if deps.CacheHandler != nil {
		deps.CacheHandler.Register(api.Group("/cache"))
	}

	if deps.FeedbackHandler != nil {
		feedback := api.Group("/feedback")
		feedback.Use("/push", middleware.RateLimit("feedback_push", 30, time.Minute))
		deps.FeedbackHandler.Register(feedback)
	}

	if deps.ProgressHandler != nil {
		deps.ProgressHandler.Register(api.Group("/ws"))
	}
}
