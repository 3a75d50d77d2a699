package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/vodworks/vod-pipeline/internal/config"
	"github.com/vodworks/vod-pipeline/internal/extractor"
	"github.com/vodworks/vod-pipeline/internal/health"
	"github.com/vodworks/vod-pipeline/internal/ledger"
	"github.com/vodworks/vod-pipeline/internal/metrics"
	"github.com/vodworks/vod-pipeline/internal/observability"
	"github.com/vodworks/vod-pipeline/internal/queue"
	"github.com/vodworks/vod-pipeline/internal/sessions"
	"github.com/vodworks/vod-pipeline/internal/storage"
	"github.com/vodworks/vod-pipeline/internal/transcoder"
	"github.com/vodworks/vod-pipeline/internal/worker"
	"github.com/vodworks/vod-pipeline/pkg/models"
)

const (
	StartupTimeout        = 10 * time.Second
	ShutdownTimeout       = 5 * time.Second
	TracerShutdownTimeout = 5 * time.Second

	TempImportDir    = "/tmp/imports"
	TempTranscodeDir = "/tmp/transcode"
)

func main() {
	log := observability.NewLogger()
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), "vod-worker", cfg)
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

	workerID := workerIdentity()

	importExec := worker.NewImportExecutor(
		ledgerStore, store, extractor.NewYTDLP(log), transcodeQueue,
		cfg.Pipeline, log, TempImportDir,
	)
	transcodeExec := worker.NewTranscodeExecutor(
		ledgerStore, store, transcoder.NewFFmpeg(log),
		cfg.Pipeline, log, TempTranscodeDir,
	)

	importPool := worker.NewPool(worker.PoolConfig{
		Ledger:        ledgerStore,
		Queue:         importQueue,
		Executor:      importExec,
		Type:          models.JobTypeImport,
		WorkerID:      workerID,
		Concurrency:   cfg.Worker.ImportConcurrency,
		JobTimeout:    cfg.Worker.JobTimeout,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
		BackoffBase:   cfg.Worker.PollBackoffBase,
		BackoffMax:    cfg.Worker.PollBackoffMax,
		Logger:        log,
	})
	transcodePool := worker.NewPool(worker.PoolConfig{
		Ledger:        ledgerStore,
		Queue:         transcodeQueue,
		Executor:      transcodeExec,
		Type:          models.JobTypeTranscode,
		WorkerID:      workerID,
		Concurrency:   cfg.Worker.TranscodeConcurrency,
		JobTimeout:    cfg.Worker.JobTimeout,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
		BackoffBase:   cfg.Worker.PollBackoffBase,
		BackoffMax:    cfg.Worker.PollBackoffMax,
		Logger:        log,
	})

	healthChecker := health.NewChecker(health.DefaultConfig("vod-worker", log))
	healthChecker.Register("ledger", ledgerStore)
	healthChecker.Register("import_queue", importQueue)
	healthChecker.Register("transcode_queue", transcodeQueue)
	healthChecker.Register("storage", store)

	metricsServer := startMetricsServer(cfg.Worker.MetricsPort, healthChecker, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down worker...")
		cancel()
	}()

	go reportLedgerGauges(ctx, ledgerStore, cfg.Worker.ReporterInterval, log)

	stopReaper := sessions.StartReaper(ctx, log, sessionStore,
		cfg.Sessions.RetentionWindow, cfg.Sessions.ReapInterval)

	log.Info("Starting worker pools",
		"workerId", workerID,
		"importConcurrency", cfg.Worker.ImportConcurrency,
		"transcodeConcurrency", cfg.Worker.TranscodeConcurrency,
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		importPool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		transcodePool.Run(ctx)
	}()
	wg.Wait()

	stopReaper()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown metrics server", "error", err)
	}

	log.Info("Worker shutdown complete")
}

// workerIdentity builds a claim owner id that is stable enough to read in
// logs and unique across restarts on the same host.
func workerIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

func startMetricsServer(port int, checker *health.Checker, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", checker.Handler())
	mux.HandleFunc("GET /health/deep", checker.DeepHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting metrics server", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()

	return server
}

// reportLedgerGauges periodically samples the ledger backlog and per-status
// row counts so the gauges track claimable work, not SQS hint counts.
func reportLedgerGauges(ctx context.Context, l ledger.Ledger, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, jobType := range []models.JobType{models.JobTypeImport, models.JobTypeTranscode} {
				depth, err := l.QueueDepth(ctx, jobType)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn("Failed to sample queue depth", "type", jobType, "error", err)
					}
					continue
				}
				metrics.QueueDepth.WithLabelValues(string(jobType)).Set(float64(depth))

				counts, err := l.CountByStatus(ctx, jobType)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn("Failed to sample status counts", "type", jobType, "error", err)
					}
					continue
				}
				for status, n := range counts {
					metrics.JobsByStatus.WithLabelValues(string(jobType), string(status)).Set(float64(n))
				}
			}
		}
	}
}
