package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/vodworks/vod-pipeline/internal/api"
	"github.com/vodworks/vod-pipeline/internal/auth"
	"github.com/vodworks/vod-pipeline/internal/config"
	"github.com/vodworks/vod-pipeline/internal/health"
	"github.com/vodworks/vod-pipeline/internal/ledger"
	"github.com/vodworks/vod-pipeline/internal/observability"
	"github.com/vodworks/vod-pipeline/internal/queue"
	"github.com/vodworks/vod-pipeline/internal/sessions"
	"github.com/vodworks/vod-pipeline/internal/storage"
)

const (
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	StartupTimeout        = 10 * time.Second
)

func main() {
	log := observability.NewLogger()
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), "vod-api", cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	startupCtx, cancel := context.WithTimeout(context.Background(), StartupTimeout)
	defer cancel()

	ledgerStore, err := ledger.NewPostgres(startupCtx, cfg.Postgres, cfg.Pipeline.ImportDedupWindow)
	if err != nil {
		log.Error("Failed to open job ledger", "error", err)
		os.Exit(1)
	}
	defer ledgerStore.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(startupCtx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	sqsClient := sqs.NewFromConfig(awsCfg)
	store := storage.NewS3(s3.NewFromConfig(awsCfg), cfg.AWS)
	importQueue := queue.NewSQS(sqsClient, cfg.AWS.ImportQueueURL)
	transcodeQueue := queue.NewSQS(sqsClient, cfg.AWS.TranscodeQueueURL)
	sessionStore := sessions.NewPostgres(ledgerStore.Pool())

	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		log.Error("Failed to get JWT secret", "error", err)
		os.Exit(1)
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		log.Error("Failed to create JWT service", "error", err)
		os.Exit(1)
	}

	rateLimiter := auth.NewRateLimiter(auth.DefaultRateLimiterConfig())

	healthChecker := health.NewChecker(health.DefaultConfig("vod-api", log))
	healthChecker.Register("ledger", ledgerStore)
	healthChecker.Register("import_queue", importQueue)
	healthChecker.Register("transcode_queue", transcodeQueue)
	healthChecker.Register("storage", store)

	server, err := api.NewServer(&api.ServerConfig{
		Config:         cfg,
		Logger:         log,
		Ledger:         ledgerStore,
		Store:          store,
		Sessions:       sessionStore,
		ImportQueue:    importQueue,
		TranscodeQueue: transcodeQueue,
		JWTService:     jwtService,
		RateLimiter:    rateLimiter,
		HealthChecker:  healthChecker,
	})
	if err != nil {
		log.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server shutdown complete")
}
