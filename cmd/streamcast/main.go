// Command streamcast starts the streaming session orchestrator HTTP service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"streamcast/internal/auth"
	"streamcast/internal/broadcast"
	"streamcast/internal/encoder"
	"streamcast/internal/observability/logging"
	"streamcast/internal/orchestrator"
	"streamcast/internal/server"
	"streamcast/internal/serverutil"
	"streamcast/internal/storage"
)

func main() {
	// A missing .env file is fine; explicit env vars win either way.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	clientConfig := flag.String("client-config", "", "path to the OAuth client JSON file")
	redirectURL := flag.String("redirect-url", "", "OAuth redirect URL registered with the platform")
	apiBase := flag.String("api-base", "", "override for the platform live API base URL")
	ingestBase := flag.String("ingest-url", "", "override for the RTMP ingest base URL")
	redisAddr := flag.String("redis-addr", "", "Redis address for the shared authorization-code replay guard")
	redisUsername := flag.String("redis-username", "", "Redis username for the replay guard")
	redisPassword := flag.String("redis-password", "", "Redis password for the replay guard")
	redisCodeTTL := flag.Duration("redis-code-ttl", 0, "retention for consumed authorization codes in Redis")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logRetention := flag.Duration("log-retention", 0, "drop event log entries older than this duration (0 keeps everything)")
	logPurgeInterval := flag.Duration("log-purge-interval", 0, "how often to purge old event log entries")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMCAST_LOG_FORMAT")),
	})

	sealer := storage.NewSealer(os.Getenv("STREAMCAST_SEAL_PASSPHRASE"))
	if !sealer.Enabled() {
		logger.Warn("credential sealing disabled, tokens will be stored in plain text")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("STREAMCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	driver := resolveStorageDriver(firstNonEmpty(*storageDriver, os.Getenv("STREAMCAST_STORAGE_DRIVER")), dsn)

	var (
		repo storage.Repository
		err  error
	)
	switch driver {
	case "json":
		dataFile := firstNonEmpty(*dataPath, os.Getenv("STREAMCAST_DATA"), "data/streamcast.json")
		repo, err = storage.NewStorage(dataFile, storage.WithSealer(sealer))
	case "postgres":
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		repo, err = storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "STREAMCAST_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "STREAMCAST_POSTGRES_MIN_CONNS")),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "STREAMCAST_POSTGRES_MAX_CONN_LIFETIME"),
			MaxConnIdleTime: resolveDuration(*postgresMaxConnIdle, "STREAMCAST_POSTGRES_MAX_CONN_IDLE"),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("STREAMCAST_POSTGRES_APP_NAME")),
		}, sealer)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	clientPath := firstNonEmpty(*clientConfig, os.Getenv("STREAMCAST_CLIENT_CONFIG"))
	if clientPath == "" {
		logger.Error("OAuth client config is required, set --client-config or STREAMCAST_CLIENT_CONFIG")
		os.Exit(1)
	}
	clientCfg, err := auth.LoadClientConfig(clientPath, firstNonEmpty(*redirectURL, os.Getenv("STREAMCAST_REDIRECT_URL")))
	if err != nil {
		logger.Error("failed to load OAuth client config", "error", err)
		os.Exit(1)
	}

	authOptions := []auth.Option{auth.WithLogger(logger)}
	if base := firstNonEmpty(*apiBase, os.Getenv("STREAMCAST_API_BASE")); base != "" {
		authOptions = append(authOptions, auth.WithAPIBaseURL(base))
	}

	var redisClient *redis.Client
	if addr := firstNonEmpty(*redisAddr, os.Getenv("STREAMCAST_REDIS_ADDR")); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Username: firstNonEmpty(*redisUsername, os.Getenv("STREAMCAST_REDIS_USERNAME")),
			Password: firstNonEmpty(*redisPassword, os.Getenv("STREAMCAST_REDIS_PASSWORD")),
		})
		ttl := resolveDuration(*redisCodeTTL, "STREAMCAST_REDIS_CODE_TTL")
		authOptions = append(authOptions, auth.WithConsumedCodeStore(auth.NewRedisConsumedCodes(redisClient, ttl)))
		logger.Info("using Redis replay guard", "addr", addr)
	}

	coordinator, err := auth.NewCoordinator(clientCfg, repo, authOptions...)
	if err != nil {
		logger.Error("failed to configure auth coordinator", "error", err)
		os.Exit(1)
	}

	provisionerOptions := []broadcast.Option{broadcast.WithLogger(logger)}
	if base := firstNonEmpty(*apiBase, os.Getenv("STREAMCAST_API_BASE")); base != "" {
		provisionerOptions = append(provisionerOptions, broadcast.WithAPIBaseURL(base))
	}
	provisioner := broadcast.NewProvisioner(coordinator, provisionerOptions...)

	var orchestratorOptions []orchestrator.Option
	if base := firstNonEmpty(*ingestBase, os.Getenv("STREAMCAST_INGEST_URL")); base != "" {
		orchestratorOptions = append(orchestratorOptions, orchestrator.WithIngestBaseURL(base))
	}
	sessions := orchestrator.New(repo, encoder.NewSupervisor(logger), logger, orchestratorOptions...)

	srv := server.New(repo, coordinator, provisioner, sessions, logger)

	retention := resolveDuration(*logRetention, "STREAMCAST_LOG_RETENTION")
	purgeInterval := resolveDuration(*logPurgeInterval, "STREAMCAST_LOG_PURGE_INTERVAL")
	if retention > 0 && purgeInterval <= 0 {
		purgeInterval = time.Hour
	}
	purgeStop := startLogPurgeWorker(ctx, logging.WithComponent(logger, "log-purger"), repo, retention, purgeInterval)
	defer purgeStop()

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMCAST_ADDR"), ":8080")
	runErr := serverutil.Run(ctx, serverutil.Config{
		Addr:    listenAddr,
		Handler: srv.Handler(),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMCAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMCAST_TLS_KEY")),
		},
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "STREAMCAST_SHUTDOWN_TIMEOUT"),
		Logger:          logger,
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	purgeStop()
	if err := sessions.StopSession(shutdownCtx); err != nil {
		logger.Warn("failed to stop active session", "error", err)
	}
	if err := repo.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close Redis client", "error", err)
		}
	}

	logger.Info("server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

func resolveStorageDriver(value, dsn string) string {
	if driver := strings.ToLower(strings.TrimSpace(value)); driver != "" {
		return driver
	}
	if strings.TrimSpace(dsn) != "" {
		return "postgres"
	}
	return "json"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return 0
}
