package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/bootstrap"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	cloud "github.com/noah-isme/gema-grader/pkg/cloudinary"
	"github.com/noah-isme/gema-grader/pkg/export"
)

const progressRedisChannel = "grader:progress"

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.AppEnv == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	observability.RegisterMetrics()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	runRepo := repository.NewEvaluationRunRepository(db)
	interrupted, err := runRepo.MarkInterrupted(context.Background(), "interrupted by server restart")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to recover interrupted runs")
	}
	if interrupted > 0 {
		logger.Warn().Int64("runs", interrupted).Msg("marked interrupted evaluation runs as failed")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Drain()
	}

	pipeline, err := bootstrap.NewPipeline(cfg, bootstrap.PipelineDeps{Redis: redisClient}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build grading pipeline")
	}

	systemPrompt, err := bootstrap.SystemPrompt(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load system prompt")
	}

	var storage service.FileStorage
	if cfg.CloudinaryEnabled() {
		uploader, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cloudinary client")
		}
		storage = uploader
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	progress := service.NewProgressHub(redisClient, progressRedisChannel, natsConn, cfg.NATSSubject, logger)
	progress.Start(hubCtx)

	evaluationService := service.NewEvaluationService(
		pipeline,
		runRepo,
		progress,
		storage,
		validator.New(validator.WithRequiredStructEnabled()),
		service.EvaluationServiceConfig{
			DefaultConcurrency:  cfg.MaxConcurrency,
			DefaultOutputFormat: export.Format(cfg.OutputFormat),
			DefaultSystemPrompt: systemPrompt,
			MaxUploadBytes:      cfg.UploadMaxBytes,
		},
		logger,
	)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    int(cfg.UploadMaxBytes) + 1<<20,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		EvaluationHandler: handler.NewEvaluationHandler(evaluationService, logger),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, evaluationService, logger)
}

func waitForShutdown(app *fiber.App, evaluations service.EvaluationService, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := evaluations.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("evaluation runs did not stop in time")
	}

	logger.Info().Msg("server stopped")
}
