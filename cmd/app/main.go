package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/api"
	"github.com/Harvey-AU/source-crawler/internal/crawler"
	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/Harvey-AU/source-crawler/internal/jobs"
	"github.com/Harvey-AU/source-crawler/internal/observability"
	"github.com/Harvey-AU/source-crawler/internal/realtime"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the process configuration read from the environment
type Config struct {
	Port                 string
	Env                  string
	LogLevel             string
	SentryDSN            string
	ObservabilityEnabled bool
	MetricsAddr          string
	OTLPEndpoint         string
	OTLPHeaders          string
	OTLPInsecure         bool

	DatabaseWait      time.Duration
	Concurrency       int
	MaxAttempts       int
	JobTimeout        time.Duration
	StuckThreshold    time.Duration
	DiscoveryMaxPages int
	RecoverySchedule  string
	PurgeSchedule     string
	UserAgent         string
	RateLimit         float64
	RateBurst         int
}

func loadConfig() *Config {
	return &Config{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",

		DatabaseWait:      getEnvDuration("DATABASE_WAIT", time.Minute),
		Concurrency:       getEnvInt("PROCESSOR_CONCURRENCY", jobs.DefaultConcurrency),
		MaxAttempts:       getEnvInt("JOB_MAX_ATTEMPTS", jobs.DefaultMaxAttempts),
		JobTimeout:        getEnvDuration("JOB_TIMEOUT", jobs.DefaultJobTimeout),
		StuckThreshold:    getEnvDuration("STUCK_JOB_THRESHOLD", jobs.DefaultStuckThreshold),
		DiscoveryMaxPages: getEnvInt("DISCOVERY_MAX_PAGES", crawler.DefaultMaxPages),
		RecoverySchedule:  getEnvWithDefault("RECOVERY_SCHEDULE", jobs.DefaultRecoverySchedule),
		PurgeSchedule:     getEnvWithDefault("PURGE_SCHEDULE", jobs.DefaultPurgeSchedule),
		UserAgent:         getEnvWithDefault("CRAWLER_USER_AGENT", crawler.DefaultUserAgent),
		RateLimit:         getEnvFloat("API_RATE_LIMIT", 20),
		RateBurst:         getEnvInt("API_RATE_BURST", 10),
	}
}

// jobsConfig maps the environment onto the pipeline configuration
func (c *Config) jobsConfig() jobs.Config {
	cfg := jobs.DefaultConfig()
	cfg.Concurrency = c.Concurrency
	cfg.MaxAttempts = c.MaxAttempts
	cfg.JobTimeout = c.JobTimeout
	cfg.StuckThreshold = jobs.StuckThresholdFor(c.StuckThreshold, c.JobTimeout)
	cfg.DiscoveryMaxPages = c.DiscoveryMaxPages
	return cfg
}

func main() {
	// .env.local takes priority for development
	_ = godotenv.Load(".env.local", ".env")

	config := loadConfig()
	setupLogging(config)
	api.Version = getEnvWithDefault("APP_VERSION", api.Version)

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsProviders, stopMetrics := startObservability(config)
	defer stopMetrics()

	pgDB, err := db.WaitForDatabase(ctx, config.DatabaseWait)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	crawlerConfig := crawler.DefaultConfig()
	crawlerConfig.UserAgent = config.UserAgent
	fetcher := crawler.New(crawlerConfig)

	discoveryConfig := crawler.DiscoveryConfig()
	discoveryConfig.UserAgent = config.UserAgent
	discovery := crawler.NewDiscovery(crawler.New(discoveryConfig))

	bus := realtime.NewBus()
	defer bus.Close()

	store := db.NewDbQueue(pgDB.GetDB())
	pipelineConfig := config.jobsConfig()
	manager := jobs.NewManager(store, discovery, fetcher, bus, pipelineConfig)

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		manager.Processor().Run(ctx)
	}()

	// Trigger-driven change events and queue wake-ups; polling covers their absence
	realtime.StartListener(ctx, pgDB.GetConfig().ConnectionString(), map[string]realtime.NotifyHandler{
		db.ChangeChannel:  realtime.BusHandler(bus),
		db.NewJobsChannel: func(string) { manager.Processor().Notify() },
	})

	scheduler := jobs.NewScheduler(manager, pipelineConfig.StuckThreshold)
	if err := scheduler.Start(config.RecoverySchedule, config.PurgeSchedule); err != nil {
		log.Fatal().Err(err).Msg("Failed to start maintenance scheduler")
	}
	defer scheduler.Stop()

	apiHandler := api.NewHandler(manager, bus, pgDB)
	limiter := api.NewRateLimiter(config.RateLimit, config.RateBurst)

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           buildHandler(apiHandler, limiter, obsProviders),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", config.Port).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case err := <-serverErr:
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Server error")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Closing the bus ends websocket streams so Shutdown is not held open by them
	bus.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	select {
	case <-processorDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Job processor did not stop before the shutdown deadline")
	}

	log.Info().Msg("Server stopped")
}

// startObservability initialises telemetry and the metrics server. The returned
// func flushes both and is safe to call when observability is disabled.
func startObservability(config *Config) (*observability.Providers, func()) {
	noop := func() {}
	if !config.ObservabilityEnabled {
		return nil, noop
	}

	providers, err := observability.Init(context.Background(), observability.Config{
		Enabled:        true,
		ServiceName:    api.ServiceName,
		Environment:    config.Env,
		OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
		OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
		OTLPInsecure:   config.OTLPInsecure,
		MetricsAddress: config.MetricsAddr,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise observability providers")
		return nil, noop
	}

	var metricsSrv *http.Server
	if providers.MetricsHandler != nil && config.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           providers.MetricsHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	return providers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
			}
		}
		if err := providers.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
		}
	}
}

// buildHandler assembles the routes and middleware stack, outermost last
func buildHandler(apiHandler *api.Handler, limiter *api.RateLimiter, providers *observability.Providers) http.Handler {
	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	var handler http.Handler = mux
	handler = limiter.Middleware(handler)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CORSMiddleware(handler)
	return observability.WrapHandler(handler, providers)
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Float64("default", defaultValue).
			Msg("Invalid number in environment variable, using default")
		return defaultValue
	}

	return result
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	log.Warn().
		Str("key", key).
		Str("value", value).
		Dur("default", defaultValue).
		Msg("Invalid duration in environment variable, using default")
	return defaultValue
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for pair := range strings.SplitSeq(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}

	return headers
}

// setupLogging configures the global logger
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		return
	}

	log.Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", api.ServiceName).
		Logger()
}
