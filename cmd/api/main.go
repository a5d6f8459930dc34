package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/checkout/internal/di"
	"github.com/hanko-field/checkout/internal/handlers"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/events"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/observability"
	pg "github.com/hanko-field/checkout/internal/platform/postgres"
	"github.com/hanko-field/checkout/internal/platform/secrets"
	"github.com/hanko-field/checkout/internal/repositories"
	pgrepo "github.com/hanko-field/checkout/internal/repositories/postgres"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	instrumentationName = "github.com/hanko-field/checkout"
	secretFallbackEnv   = "SECRET_"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("checkout")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logEvent := observability.EventLogger(logger.Named("services"))
	meter := otel.Meter(instrumentationName)

	db, err := pg.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := pg.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
	}
	store, err := pgrepo.NewStore(db, pg.WithLockTimeout(cfg.Database.LockTimeout))
	if err != nil {
		logger.Fatal("failed to initialise postgres store", zap.Error(err))
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Warn("postgres close error", zap.Error(err))
		}
	}()

	var firestoreProvider *pfirestore.Provider
	if cfg.Firestore.ProjectID != "" {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProvider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
	}

	var buildOpts []events.BuildOption
	if firestoreProvider != nil {
		buildOpts = append(buildOpts, events.WithFirestoreProvider(firestoreProvider))
	}
	if credentials := strings.TrimSpace(cfg.Firebase.CredentialsFile); credentials != "" {
		buildOpts = append(buildOpts, events.WithPubSubClientOptions(option.WithCredentialsFile(credentials)))
	}
	backends, err := events.Build(ctx, cfg, logger, buildOpts...)
	if err != nil {
		logger.Fatal("failed to initialise notification backends", zap.Error(err))
	}

	dispatcher, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
		Publisher:      backends.Publisher,
		QueueSize:      cfg.Notifications.QueueSize,
		PublishTimeout: cfg.Notifications.PublishTimeout,
		Meter:          meter,
		Logger:         logEvent,
	})
	if err != nil {
		logger.Fatal("failed to initialise notification dispatcher", zap.Error(err))
	}
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := dispatcher.Run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("notification dispatcher stopped", zap.Error(err))
		}
	}()

	container, err := di.NewContainer(cfg, di.Dependencies{
		Store:    store,
		Notifier: dispatcher,
		Meter:    meter,
		Logger:   logEvent,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout services", zap.Error(err))
	}

	checks := append([]repositories.DependencyCheck{{
		Name:     "postgres",
		Critical: true,
		Check:    pg.Ping(db),
	}}, backends.Checks...)
	healthRepo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}

	verifier, err := newTokenVerifier(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise token verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier)

	idempotencyStore, closeIdempotency, err := newIdempotencyStore(ctx, cfg, db)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	defer closeIdempotency()
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logEvent),
	)
	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		idempotency.RunCleanup(cleanupCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logEvent)
	}()

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Checkout, logEvent,
		handlers.WithSubmitMiddleware(idempotencyMiddleware),
	)
	adminHandlers := handlers.NewAdminHandlers(authenticator, cfg.Security.AdminRoles, container.Services.Statuses, container.Services.Ledger, logEvent)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthRepository(healthRepo),
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, cfg, startedAt)),
	)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
			observability.MetricsMiddleware(meter),
		),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
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
		serverLogger.Info("checkout api listening", zap.Strings("notificationBackends", cfg.Notifications.Backends))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	// Requests are drained, so no further notifications can be queued.
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("notification dispatcher did not drain", zap.Error(err))
	}
	stopDispatch()
	<-dispatchDone
	stopCleanup()
	<-cleanupDone
	if err := backends.Close(shutdownCtx); err != nil {
		logger.Warn("notification backend close error", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
}

// newTokenVerifier prefers Firebase ID tokens and falls back to HS256 tokens when no project is set.
func newTokenVerifier(ctx context.Context, cfg config.Config) (auth.TokenVerifier, error) {
	if strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		return auth.NewFirebaseVerifier(ctx, cfg.Firebase, auth.WithRevocationCheck(cfg.Firebase.CheckRevoked))
	}
	return auth.NewHMACVerifier(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
}

// newIdempotencyStore picks the replay store named by API_IDEMPOTENCY_BACKEND. The
// returned close func is safe to call for every backend.
func newIdempotencyStore(ctx context.Context, cfg config.Config, db *sql.DB) (idempotency.Store, func(), error) {
	switch cfg.Idempotency.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err := idempotency.NewRedisStore(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	case "memory":
		return idempotency.NewMemoryStore(), func() {}, nil
	default:
		store, err := idempotency.NewPostgresStore(db)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

// newSecretFetcher talks to Secret Manager when a project is known. SECRET_<NAME> environment
// values act as local fallbacks, e.g. SECRET_DB_PASSWORD answers secret://db-password.
func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	project := strings.TrimSpace(env["API_SECRET_DEFAULT_PROJECT_ID"])
	if project == "" {
		project = strings.TrimSpace(env["API_FIREBASE_PROJECT_ID"])
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackValues(secretFallbacksFromEnv(env)),
	}
	if project == "" {
		opts = append(opts, secrets.WithoutSecretManager())
	} else {
		opts = append(opts, secrets.WithDefaultProject(project))
		if credentials := strings.TrimSpace(env["API_FIREBASE_CREDENTIALS_FILE"]); credentials != "" {
			opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
		}
	}
	return secrets.NewFetcher(ctx, opts...)
}

func secretFallbacksFromEnv(env map[string]string) map[string]string {
	values := make(map[string]string)
	for key, value := range env {
		if !strings.HasPrefix(key, secretFallbackEnv) {
			continue
		}
		name := strings.TrimPrefix(key, secretFallbackEnv)
		if name == "" {
			continue
		}
		values["secret://"+strings.ToLower(strings.ReplaceAll(name, "_", "-"))] = value
	}
	return values
}
