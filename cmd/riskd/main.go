package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dynarisk/riskengine/internal/api"
	"github.com/dynarisk/riskengine/internal/cascade"
	"github.com/dynarisk/riskengine/internal/engine"
	"github.com/dynarisk/riskengine/internal/feed"
	"github.com/dynarisk/riskengine/internal/history"
	"github.com/dynarisk/riskengine/internal/index"
	"github.com/dynarisk/riskengine/internal/ingest"
	"github.com/dynarisk/riskengine/internal/metrics"
	"github.com/dynarisk/riskengine/internal/normalize"
	"github.com/dynarisk/riskengine/internal/policy"
	"github.com/dynarisk/riskengine/internal/scoring"
	"github.com/dynarisk/riskengine/internal/store"
	"github.com/dynarisk/riskengine/internal/triage"
)

// Configuration from environment variables
type Config struct {
	HTTPAddr           string
	StoreBackend       string
	PGHost             string
	PGPort             string
	PGUser             string
	PGPass             string
	PGDB               string
	NATSURL            string
	NATSQueue          string
	TenantID           string
	TemplateDir        string
	TemplateHotReload  bool
	SEIIntervalSec     int
	SVIIntervalSec     int
	ERIIntervalSec     int
	CascadeIntervalSec int
	ComputeTimeoutSec  int
	NarrativeTimeoutMs int
	LogLevel           string
}

// loadConfig loads configuration from environment variables
func loadConfig() *Config {
	return &Config{
		HTTPAddr:           getEnv("RISKD_HTTP_ADDR", ":8086"),
		StoreBackend:       getEnv("RISK_STORE", "postgres"),
		PGHost:             getEnv("PG_HOST", "localhost"),
		PGPort:             getEnv("PG_PORT", "5432"),
		PGUser:             getEnv("PG_USER", "postgres"),
		PGPass:             getEnv("PG_PASS", "password"),
		PGDB:               getEnv("PG_DB", "riskengine"),
		NATSURL:            getEnv("NATS_URL", "nats://localhost:4222"),
		NATSQueue:          getEnv("NATS_QUEUE", "riskd"),
		TenantID:           getEnv("RISK_TENANT_ID", "default"),
		TemplateDir:        getEnv("POLICY_TEMPLATE_DIR", ""),
		TemplateHotReload:  getEnv("POLICY_TEMPLATE_HOT_RELOAD", "true") == "true",
		SEIIntervalSec:     getEnvInt("SEI_INTERVAL_SECONDS", 300),
		SVIIntervalSec:     getEnvInt("SVI_INTERVAL_SECONDS", 3600),
		ERIIntervalSec:     getEnvInt("ERI_INTERVAL_SECONDS", 86400),
		CascadeIntervalSec: getEnvInt("CASCADE_INTERVAL_SECONDS", 900),
		ComputeTimeoutSec:  getEnvInt("COMPUTE_TIMEOUT_SECONDS", 30),
		NarrativeTimeoutMs: getEnvInt("NARRATIVE_TIMEOUT_MS", 2000),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func main() {
	config := loadConfig()

	logLevel := slog.LevelInfo
	if config.LogLevel == "DEBUG" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("Starting risk engine daemon",
		"http_addr", config.HTTPAddr,
		"store", config.StoreBackend,
		"nats_url", config.NATSURL,
		"tenant_id", config.TenantID,
		"log_level", config.LogLevel)

	// NATS is optional: without a bus the daemon still serves HTTP
	// ingestion and queries.
	var natsConn *nats.Conn
	if config.NATSURL != "" {
		conn, err := nats.Connect(config.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		natsConn = conn
		defer natsConn.Close()
		logger.Info("Connected to NATS")
	}

	var st store.Store
	switch config.StoreBackend {
	case "memory":
		st = store.NewMemoryStore()
		logger.Info("Using in-memory store")
	default:
		pgStore, err := store.NewPostgresStore(config.PGHost, config.PGPort,
			config.PGUser, config.PGPass, config.PGDB, logger)
		if err != nil {
			logger.Error("Failed to initialize database store", "error", err)
			os.Exit(1)
		}
		if err := pgStore.EnsureSchema(context.Background()); err != nil {
			logger.Error("Failed to ensure database schema", "error", err)
			os.Exit(1)
		}
		st = pgStore
		logger.Info("Connected to PostgreSQL database")
	}
	defer st.Close()

	m := metrics.New()

	var publisher *feed.Publisher
	var narrative *feed.NarrativeClient
	if natsConn != nil {
		publisher = feed.NewPublisher(natsConn, logger)
		narrative = feed.NewNarrativeClient(natsConn,
			time.Duration(config.NarrativeTimeoutMs)*time.Millisecond, logger)
	}

	var notifier policy.Notifier
	if publisher != nil {
		notifier = publisher
	}
	policyManager := policy.NewManager(st, notifier, logger)

	// Seed the default policy so a fresh tenant can score immediately.
	if _, err := policyManager.EnsureActive(context.Background(), config.TenantID,
		policy.Default(config.TenantID), "riskd"); err != nil {
		logger.Error("Failed to ensure active policy", "error", err)
		os.Exit(1)
	}

	var templates *policy.TemplateLoader
	if config.TemplateDir != "" {
		templates = policy.NewTemplateLoader(config.TemplateDir, config.TemplateHotReload, 500, logger)
		if _, err := templates.LoadSnapshot(); err != nil {
			logger.Error("Failed to load policy templates", "error", err)
			os.Exit(1)
		}
		if config.TemplateHotReload {
			if err := templates.WatchForChanges(); err != nil {
				logger.Warn("Template hot reload unavailable", "error", err)
			}
		}
		defer templates.Close()
	}

	normalizer := normalize.New(logger)
	recorder := history.NewRecorder(st, logger)
	triageEngine := triage.NewEngine(st, recorder, logger)

	eng := engine.New(engine.Config{
		TenantID:           config.TenantID,
		ComputationTimeout: time.Duration(config.ComputeTimeoutSec) * time.Second,
	}, st, policyManager, index.NewComputer(logger), scoring.NewScorer(logger),
		triageEngine, recorder, cascade.NewPropagator(logger), publisher, narrative, m, logger)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	if natsConn != nil {
		subscriber, err := ingest.NewSubscriber(natsConn, st, normalizer, config.NATSQueue, m, logger)
		if err != nil {
			logger.Error("Failed to create ingest subscriber", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := subscriber.Subscribe(rootCtx); err != nil {
				logger.Error("Ingest subscriber stopped", "error", err)
			}
		}()
	}

	scheduler := engine.NewScheduler(eng, engine.ScheduleConfig{
		SEIInterval:     time.Duration(config.SEIIntervalSec) * time.Second,
		SVIInterval:     time.Duration(config.SVIIntervalSec) * time.Second,
		ERIInterval:     time.Duration(config.ERIIntervalSec) * time.Second,
		CascadeInterval: time.Duration(config.CascadeIntervalSec) * time.Second,
	}, logger)
	go scheduler.Run(rootCtx)

	apiServer := api.NewServer(st, policyManager, templates, triageEngine, normalizer, m, config.TenantID, logger)
	server := &http.Server{
		Addr:         config.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", config.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("Risk engine daemon started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("Server exited")
}
