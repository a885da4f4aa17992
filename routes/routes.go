package routes

import (
	"time"

	"etatdeslieux/config"
	controller "etatdeslieux/controllers"
	"etatdeslieux/middleware"
	"etatdeslieux/store"
	"etatdeslieux/utils"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are built once in main and handed to every controller.
type Dependencies struct {
	Config *config.Config
	Store  store.Store
	Sender controller.Dispatcher
	Feed   *controller.LiveFeed
	// LimiterStorage backs the public rate limiter; nil keeps it in memory.
	LimiterStorage fiber.Storage
}

// NewApp builds the fiber application with every route mounted.
func NewApp(deps Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "etatdeslieux",
		ErrorHandler: middleware.ErrorHandler,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupPublicRoutes(app, deps)
	SetupAdminRoutes(app, deps)

	app.Use(func(c *fiber.Ctx) error {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Route introuvable", nil)
	})
	return app
}

// SetupPublicRoutes mounts the ledger, suppression and tracking endpoints.
func SetupPublicRoutes(app *fiber.App, deps Dependencies) {
	ledger := controller.NewLedgerController(deps.Store)
	suppression := controller.NewSuppressionController(deps.Store)
	var feed controller.EventPublisher
	if deps.Feed != nil {
		feed = deps.Feed
	}
	tracking := controller.NewTrackingController(deps.Store, feed, deps.Config.SiteRootURL)

	api := app.Group("/api", middleware.CORS(), middleware.NoStore())

	api.Post("/add-to-contacted", ledger.AddToContacted)
	api.Post("/add-failed-delivery", ledger.AddFailedDelivery)
	api.Post("/add-pending-delivery", ledger.AddPendingDelivery)
	api.Post("/get-delivered-emails", ledger.GetDeliveredEmails)
	api.Post("/get-failed-emails", ledger.GetFailedEmails)
	api.Post("/get-pending-emails", ledger.GetPendingEmails)
	api.Post("/check-already-contacted", ledger.CheckAlreadyContacted)

	limited := middleware.PublicRateLimiter(deps.Config.RateLimitPerMinute, deps.LimiterStorage)
	api.Post("/unsubscribe", limited, suppression.Unsubscribe)
	api.Get("/unsubscribe", limited, suppression.UnsubscribePage)
	api.Post("/check-unsubscribed", limited, suppression.CheckUnsubscribed)

	api.Get("/track-open", tracking.HandleOpenTracking)
	api.Get("/track-click", tracking.HandleClickTracking)
}

// SetupAdminRoutes mounts the staff endpoints behind JWT authentication.
func SetupAdminRoutes(app *fiber.App, deps Dependencies) {
	campaigns := controller.NewCampaignController(deps.Store)

	admin := app.Group("/api/admin", middleware.Protected(deps.Config.JWTSecret))

	admin.Get("/campaigns/:id", campaigns.GetCampaign)
	admin.Post("/campaigns/:id/reconcile", campaigns.ReconcileCounters)
	admin.Get("/campaigns/:id/events", campaigns.ListEvents)

	if deps.Sender != nil {
		newsletters := controller.NewNewsletterController(deps.Sender)
		admin.Post("/newsletters/send", newsletters.SendNewsletter)
	}

	if deps.Feed != nil {
		admin.Get("/live", controller.UpgradeOnly, deps.Feed.Handler())
	}
}
