package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/contentcore/internal/audit"
	"github.com/wisbric/contentcore/internal/batchapi"
	"github.com/wisbric/contentcore/internal/config"
	"github.com/wisbric/contentcore/internal/httpserver"
	"github.com/wisbric/contentcore/internal/platform"
	"github.com/wisbric/contentcore/internal/telemetry"
	"github.com/wisbric/contentcore/internal/version"
	"github.com/wisbric/contentcore/pkg/blobstore"
	"github.com/wisbric/contentcore/pkg/caption"
	"github.com/wisbric/contentcore/pkg/costaccount"
	"github.com/wisbric/contentcore/pkg/domain"
	"github.com/wisbric/contentcore/pkg/jobmanager"
	"github.com/wisbric/contentcore/pkg/orchestrator"
	"github.com/wisbric/contentcore/pkg/persistence"
	"github.com/wisbric/contentcore/pkg/provider"
	"github.com/wisbric/contentcore/pkg/provider/backend"
	"github.com/wisbric/contentcore/pkg/safety"
	"github.com/wisbric/contentcore/pkg/template"
	"github.com/wisbric/contentcore/pkg/urlbroker"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting contentcore", "mode", cfg.Mode, "listen", cfg.ListenAddr(), "version", version.Version)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	s3Client, err := platform.NewS3Client(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3ForcePathStyle)
	if err != nil {
		return fmt.Errorf("creating s3 client: %w", err)
	}

	persist := persistence.New(db)
	costWriter := costaccount.NewAsyncWriter(db, logger)
	costWriter.Start(ctx)
	defer costWriter.Close()

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	deps := buildOrchestratorDeps(cfg, logger, rdb, s3Client, persist, costWriter)

	orch := orchestrator.New(deps, orchestrator.StageConfig{
		Workers:           cfg.PerBatchWorkers,
		DeadlineS:         cfg.BatchDeadlineS,
		MaxFailedFraction: cfg.MaxFailedFraction,
	})

	jobMgr := jobmanager.New(db, rdb, logger, orch, persist,
		func(ctx context.Context, avatarID uuid.UUID) (domain.Avatar, error) {
			return persist.GetAvatar(ctx, avatarID.String())
		},
		jobmanager.Config{
			LeaseTTL:     time.Duration(cfg.JobLeaseS) * time.Second,
			PollInterval: time.Duration(cfg.JobPollIntervalMS) * time.Millisecond,
		},
	)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, jobMgr, auditWriter)
	case "worker":
		return runWorker(ctx, logger, jobMgr)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, jobMgr *jobmanager.Manager, auditWriter *audit.Writer) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	batchHandler := batchapi.New(logger, jobMgr, auditWriter)
	srv.APIRouter.Mount("/batches", batchHandler.Routes())
	srv.APIRouter.Mount("/audit", audit.NewHandler(db, logger).Routes())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, logger *slog.Logger, jobMgr *jobmanager.Manager) error {
	logger.Info("starting job manager worker")
	return jobMgr.Run(ctx)
}

// buildOrchestratorDeps wires every C1-C7 component from configuration,
// mirroring how this codebase assembles its background engines in Run.
// Captioning is optional: it is skipped entirely when no Anthropic API
// key is configured, in which case the orchestrator simply leaves
// Captions nil and never enters the captioning stage.
func buildOrchestratorDeps(cfg *config.Config, logger *slog.Logger, rdb *redis.Client, s3Client *s3.Client, persist *persistence.Store, costWriter *costaccount.AsyncWriter) orchestrator.Deps {
	broker := urlbroker.New(s3Client, cfg.S3WeightsBucket)
	blobs := blobstore.New(s3Client, cfg.S3Bucket, publicCDNPrefix(cfg))

	catalog := template.New(defaultTemplateSeed(), cfg.TemplateCacheCapacity)

	router := buildProviderRouter(cfg, logger)

	var captionSvc *caption.Service
	if cfg.AnthropicAPIKey != "" {
		captionSvc = caption.New(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	} else {
		logger.Info("caption service disabled: ANTHROPIC_API_KEY not set")
	}

	safetyClassifier := safety.New(safety.NewHeuristicBackend(), rdb, logger)

	return orchestrator.Deps{
		Templates:  catalog,
		Router:     router,
		Captions:   captionSvc,
		Safety:     safetyClassifier,
		Blobs:      blobs,
		URLBroker:  broker,
		Persist:    persist,
		Cost:       costaccount.New(),
		CostWriter: costWriter,
		Logger:     logger,
	}
}

// buildProviderRouter assembles the ordered fallback chain from
// PRIMARY_PROVIDER and FALLBACK_PROVIDERS, reading each provider's base URL
// and API key from PROVIDER_<NAME>_URL / PROVIDER_<NAME>_API_KEY, the same
// env-var-per-name convention this codebase uses for optional integrations.
func buildProviderRouter(cfg *config.Config, logger *slog.Logger) *provider.Router {
	names := append([]string{cfg.PrimaryProvider}, cfg.FallbackProviders...)

	backends := make([]provider.Backend, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		baseURL := os.Getenv(fmt.Sprintf("PROVIDER_%s_URL", envName))
		apiKey := os.Getenv(fmt.Sprintf("PROVIDER_%s_API_KEY", envName))
		if baseURL == "" {
			logger.Warn("provider has no configured URL, skipping", "provider", name)
			continue
		}

		backends = append(backends, backend.NewHTTPBackend(
			name, baseURL, apiKey,
			provider.Capabilities{SupportsWeights: true, SupportsSeed: true},
			cfg.PerProviderMaxAttempts, cfg.PerProviderBackoffBaseMS,
		))
	}

	return provider.NewRouter(provider.Config{
		AllowDegradedFallback:  cfg.AllowDegradedFallback,
		BreakerFailureThreshold: cfg.CircuitBreakerFailureThreshold,
		BreakerOpenTimeout:      time.Duration(cfg.CircuitBreakerOpenTimeoutS) * time.Second,
	}, logger, backends...)
}

func publicCDNPrefix(cfg *config.Config) string {
	if cfg.S3Endpoint != "" {
		return strings.TrimSuffix(cfg.S3Endpoint, "/") + "/" + cfg.S3Bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.S3Bucket, cfg.S3Region)
}

// defaultTemplateSeed is the built-in starter catalog. Operators running
// this service for real load their own template set from wherever their
// content team maintains it; this default exists so the pipeline has
// something to select from out of the box.
func defaultTemplateSeed() []template.Template {
	knobs := func(w, h, steps int, cfg float64) domain.GenerationConfig {
		return domain.GenerationConfig{Width: w, Height: h, Steps: steps, CFG: cfg, Scheduler: "dpmpp_2m"}
	}

	return []template.Template{
		{ID: "t1-portrait-studio", Niche: "lifestyle", Tier: domain.TierT1, Prompt: "studio portrait, soft lighting, neutral background", Knobs: knobs(1024, 1024, 28, 6.5)},
		{ID: "t1-casual-outdoor", Niche: "lifestyle", Tier: domain.TierT1, Prompt: "casual outdoor portrait, golden hour", Knobs: knobs(1024, 1024, 28, 6.5)},
		{ID: "t2-fashion-editorial", Niche: "fashion", Tier: domain.TierT2, Prompt: "fashion editorial pose, fitted outfit, city backdrop", Knobs: knobs(1024, 1280, 32, 7.0)},
		{ID: "t2-fitness-gym", Niche: "fitness", Tier: domain.TierT2, Prompt: "athletic pose, gym setting, activewear", Knobs: knobs(1024, 1280, 32, 7.0)},
		{ID: "t3-glamour-studio", Niche: "glamour", Tier: domain.TierT3, Prompt: "glamour studio shot, dramatic lighting", Knobs: knobs(1024, 1280, 36, 7.5)},
		{ID: "t3-poolside", Niche: "lifestyle", Tier: domain.TierT3, Prompt: "poolside scene, swimwear, sunset light", Knobs: knobs(1024, 1280, 36, 7.5)},
	}
}
