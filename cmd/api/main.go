package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/critkey-api/internal/config"
	"github.com/noah-isme/critkey-api/internal/database"
	"github.com/noah-isme/critkey-api/internal/handler"
	"github.com/noah-isme/critkey-api/internal/middleware"
	"github.com/noah-isme/critkey-api/internal/models"
	"github.com/noah-isme/critkey-api/internal/repository"
	"github.com/noah-isme/critkey-api/internal/router"
	"github.com/noah-isme/critkey-api/internal/service"
	"github.com/noah-isme/critkey-api/pkg/ai"
	"github.com/noah-isme/critkey-api/pkg/canvas"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.CachedAttachment{}, &models.CacheMetadata{},
		&models.RubricRecord{}, &models.GradingSessionRecord{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	events := service.NewNoopPublisher()
	if cfg.NATSURL != "" {
		events, err = service.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectBase, logger)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
	}
	defer events.Close()

	var suggester ai.Suggester
	if cfg.AIProvider == "openai" {
		openaiSuggester, err := ai.NewOpenAISuggester(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("failed to create openai suggester: %v", err)
		}
		suggester = openaiSuggester
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	canvasClient := canvas.New(canvas.Config{
		BaseURL: cfg.CanvasProxyBase,
		Logger:  logger,
	})

	cacheRepo := repository.NewAttachmentCacheRepository(db, logger)
	rubricRepo := repository.NewRubricRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	prefsRepo := repository.NewPreferencesRepository(redisClient)
	historyRepo := repository.NewFeedbackHistoryRepository(redisClient, cfg.FeedbackHistorySize)

	resourceService := service.NewResourceService(canvasClient, cacheRepo, prefsRepo, events, logger, cfg.ParallelDownloadLimit)
	gradingService := service.NewGradingService(rubricRepo, sessionRepo, logger)
	feedbackService := service.NewFeedbackService(gradingService, resourceService, historyRepo, suggester, logger)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := resourceService.Initialize(startupCtx); err != nil {
		log.Fatalf("failed to initialise resource store: %v", err)
	}
	if err := gradingService.Initialize(startupCtx); err != nil {
		log.Fatalf("failed to initialise grading store: %v", err)
	}
	cancelStartup()

	resourceHandler := handler.NewResourceHandler(resourceService, validate, logger)
	gradingHandler := handler.NewGradingHandler(gradingService, validate, logger)
	cacheHandler := handler.NewCacheHandler(resourceService, logger)
	feedbackHandler := handler.NewFeedbackHandler(feedbackService, logger)
	progressHandler := handler.NewProgressHandler(resourceService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    64 * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ResourceHandler: resourceHandler,
		GradingHandler:  gradingHandler,
		CacheHandler:    cacheHandler,
		FeedbackHandler: feedbackHandler,
		ProgressHandler: progressHandler,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
