package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/lunchdesk/api/internal/di"
	"github.com/lunchdesk/api/internal/handlers"
	"github.com/lunchdesk/api/internal/platform/auth"
	"github.com/lunchdesk/api/internal/platform/cache"
	"github.com/lunchdesk/api/internal/platform/calendar"
	"github.com/lunchdesk/api/internal/platform/config"
	pfirestore "github.com/lunchdesk/api/internal/platform/firestore"
	"github.com/lunchdesk/api/internal/platform/idempotency"
	"github.com/lunchdesk/api/internal/platform/jobs"
	"github.com/lunchdesk/api/internal/platform/mail"
	"github.com/lunchdesk/api/internal/platform/observability"
	"github.com/lunchdesk/api/internal/platform/secrets"
	platformstorage "github.com/lunchdesk/api/internal/platform/storage"
	"github.com/lunchdesk/api/internal/repositories"
	firestoreRepo "github.com/lunchdesk/api/internal/repositories/firestore"
	"github.com/lunchdesk/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	bootLogger, err := observability.NewLogger(observability.LoggerOptions{Level: os.Getenv("API_LOG_LEVEL")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}

	envValues, err := config.EnvironmentValues()
	if err != nil {
		bootLogger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, bootLogger, envValues)
	if err != nil {
		bootLogger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			bootLogger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			bootLogger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		bootLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	baseLogger, err := observability.NewLogger(observability.LoggerOptions{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		bootLogger.Fatal("failed to initialise logger", zap.Error(err))
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)
	redis.SetLogger(observability.NewPrintfAdapter(logger.Named("redis")))

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	sharedCache, redisStore := newCache(ctx, logger, cfg)
	if redisStore != nil {
		defer func() {
			if err := redisStore.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	infra := di.Infrastructure{Cache: sharedCache}

	feed, err := calendar.NewFeed(ctx, cfg.Calendar)
	if err != nil {
		logger.Warn("holiday feed disabled; using the manual list only", zap.Error(err))
	} else {
		infra.Feed = feed
	}

	if strings.TrimSpace(cfg.Mail.Host) != "" {
		sender, err := mail.NewSender(cfg.Mail, mail.WithLogger(logger.Named("mail")))
		if err != nil {
			logger.Fatal("failed to initialise mail sender", zap.Error(err))
		}
		infra.Notifier = sender
	} else {
		logger.Warn("mail: no smtp host configured; notifications are logged only")
		infra.Notifier = mail.NewLogSender(logger.Named("mail"))
	}

	if topicID := strings.TrimSpace(cfg.Jobs.OrderEventsTopic); topicID != "" {
		publisher, closePublisher, err := newOrderEventPublisher(ctx, cfg.Jobs.PubSubProjectID, topicID)
		if err != nil {
			logger.Warn("order events disabled", zap.Error(err))
		} else {
			infra.Events = publisher
			defer closePublisher()
		}
	}

	if bucket := strings.TrimSpace(cfg.Storage.ReportsBucket); bucket != "" {
		store, closeStore, err := newArtifactStore(ctx, cfg.Storage)
		if err != nil {
			logger.Fatal("failed to initialise report storage", zap.Error(err))
		}
		infra.Artifacts = store
		defer closeStore()
	} else {
		logger.Warn("storage: no reports bucket configured; reports are mailed without a download link")
	}

	health, err := newHealthRepository(firestoreProvider, redisStore, feed, cfg.Lunch.Location)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, health)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, infra,
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithVerifiedEmail())

	jobMetrics, err := observability.NewJobMetrics()
	if err != nil {
		logger.Warn("job metrics disabled", zap.Error(err))
	}

	svc := container.Services
	replay := idempotency.NewLedger(sharedCache, idempotency.DefaultTTL)
	projectID := traceProjectID(cfg)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(projectID),
			observability.RequestLoggerMiddleware(projectID),
			observability.RecoveryMiddleware(logger),
			handlers.RateLimitMiddleware(cfg.RateLimits.DefaultPerMinute, cfg.RateLimits.AuthenticatedPerMinute, nil),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthSystemService(svc.System),
			handlers.WithHealthBuildInfo(buildInfo),
		)),
		handlers.WithMeRoutes(handlers.NewMeHandlers(authenticator, svc.Access, svc.Orders, svc.Users).Routes),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authenticator, svc.Access, svc.Orders,
			handlers.WithOrderIdempotency(replay),
		).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminHandlers(authenticator, handlers.AdminDeps{
			Access:      svc.Access,
			Users:       svc.Users,
			Departments: svc.Departments,
			Menu:        svc.Menu,
			Holidays:    svc.Holidays,
			Settings:    svc.Settings,
			Orders:      svc.Orders,
			Dashboard:   svc.Dashboard,
			Audit:       svc.Audit,
		}).Routes),
		handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger.Named("auth"), cfg)),
		handlers.WithInternalRoutes(handlers.NewJobHandlers(svc.Jobs, handlers.WithJobMetrics(jobMetrics)).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("lunch api listening",
			zap.String("version", buildInfo.Version),
			zap.String("timezone", cfg.Lunch.Timezone),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := <-shutdown
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newCache dials Redis when configured. Without it each instance keeps its own cache, which is
// fine for a single Cloud Run instance.
func newCache(ctx context.Context, logger *zap.Logger, cfg config.Config) (cache.Store, *cache.RedisStore) {
	url := strings.TrimSpace(cfg.Cache.RedisURL)
	if url == "" {
		mem := cache.NewMemoryStore()
		mem.StartJanitor(time.Minute)
		return mem, nil
	}
	store, err := cache.DialRedis(ctx, url, cache.WithKeyPrefix(cfg.Cache.KeyPrefix))
	if err != nil {
		logger.Warn("redis unavailable; falling back to the in-process cache", zap.Error(err))
		mem := cache.NewMemoryStore()
		mem.StartJanitor(time.Minute)
		return mem, nil
	}
	return store, store
}

func newOrderEventPublisher(ctx context.Context, projectID, topicID string) (services.OrderEventPublisher, func(), error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic, err := jobs.OpenTopic(ctx, client, topicID)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return publisher, func() {
		publisher.Stop()
		_ = client.Close()
	}, nil
}

func newArtifactStore(ctx context.Context, cfg config.StorageConfig) (services.ArtifactStore, func(), error) {
	var clientOpts []option.ClientOption
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		clientOpts = append(clientOpts,
			option.WithEndpoint(strings.TrimRight(host, "/")+"/storage/v1/"),
			option.WithoutAuthentication(),
		)
	}
	client, err := cloudstorage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("storage client: %w", err)
	}
	var storeOpts []platformstorage.StoreOption
	if key := strings.TrimSpace(cfg.SignerKey); key != "" {
		signer, err := platformstorage.NewServiceAccountSigner(cfg.SignerEmail, key)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("storage signer: %w", err)
		}
		storeOpts = append(storeOpts, platformstorage.WithSigner(signer))
	}
	store, err := platformstorage.NewStore(client, cfg.ReportsBucket, storeOpts...)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}

func newHealthRepository(provider *pfirestore.Provider, redisStore *cache.RedisStore, feed *calendar.Feed, loc *time.Location) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{
		{Name: "firestore", Timeout: 2 * time.Second, Check: provider.Ping},
	}
	if redisStore != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "redis", Optional: true, Check: redisStore.Ping})
	}
	if feed != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "holidayFeed",
			Timeout:  3 * time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				today := civil.DateOf(time.Now().In(loc))
				_, err := feed.Holidays(ctx, today, today)
				return err
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	jwks := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	opts := []auth.OIDCOption{auth.WithOIDCLogger(logger)}
	if recorder, err := auth.NewOTelMetricsRecorder(); err == nil {
		opts = append(opts, auth.WithOIDCMetrics(recorder))
	} else {
		logger.Warn("auth: OIDC metrics unavailable", zap.Error(err))
	}
	validator := auth.NewOIDCValidator(jwks, opts...)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(auth.OIDCPolicy{
		Audience:      audience,
		Issuers:       cfg.Security.OIDC.Issuers,
		AllowedEmails: cfg.Security.OIDC.AllowedEmails,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firebase.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}
	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithProject(project),
	}
	if pins := parseKeyValueList(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets whose absence would break a configured integration.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["API_MAIL_SMTP_USERNAME"]) != "" {
		required = append(required, "Mail.Password")
	}
	if strings.TrimSpace(env["API_STORAGE_SIGNER_EMAIL"]) != "" {
		required = append(required, "Storage.SignerKey")
	}
	return required
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(part, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
