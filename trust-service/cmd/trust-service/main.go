package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/cpass-platform/platform/trust-service/internal/audit"
	"github.com/cpass-platform/platform/trust-service/internal/auth"
	"github.com/cpass-platform/platform/trust-service/internal/config"
	"github.com/cpass-platform/platform/trust-service/internal/credential"
	"github.com/cpass-platform/platform/trust-service/internal/httpserver"
	"github.com/cpass-platform/platform/trust-service/internal/logger"
	"github.com/cpass-platform/platform/trust-service/internal/metrics"
	"github.com/cpass-platform/platform/trust-service/internal/service"
	"github.com/cpass-platform/platform/trust-service/internal/store"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()
	logger.Init(os.Getenv("CPASS_ENV"), os.Getenv("CPASS_LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		fatal("config load", err)
	}
	logger.Init(cfg.Env, cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fatal("db open", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		fatal("db ping", err)
	}

	m := metrics.New()
	pg := store.NewPGStore(db)
	auditStore := audit.NewPGStore(db)
	recorder := audit.NewStoreRecorder(auditStore)

	readyChecks := map[string]httpserver.Pinger{}
	var tokenStore credential.TokenStore
	if cfg.RedisAddr != "" {
		rts, err := store.NewRedisTokenStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			fatal("redis connect", err)
		}
		defer rts.Close()
		tokenStore = rts
		readyChecks["redis"] = rts
	} else {
		slog.Warn("[main] CPASS_REDIS_ADDR not set, login tokens are kept in memory and lost on restart")
		tokenStore = store.NewMemoryTokenStore()
	}

	engine, err := trust.NewEngine(cfg.Policy())
	if err != nil {
		fatal("trust policy", err)
	}
	sessions, err := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		fatal("sessions", err)
	}
	if cfg.TelegramBotToken == "" {
		slog.Warn("[main] CPASS_TELEGRAM_BOT_TOKEN not set, WebApp login is disabled")
	}

	creds := service.NewCredentialService(
		pg,
		credential.NewTokenIssuer(tokenStore, cfg.TokenTTL),
		credential.NewKeyManager(cfg.APIKeyScheme),
		sessions, recorder, m,
		service.CredentialConfig{BotToken: cfg.TelegramBotToken, WebAppMaxAge: cfg.WebAppMaxAge},
	)

	streamCtx, stopStreamer := context.WithCancel(context.Background())
	streamDone := make(chan struct{})
	if cfg.AuditStreamingEnabled() {
		streamer, closeSinks := newStreamer(streamCtx, cfg, auditStore, m)
		go func() {
			defer close(streamDone)
			defer closeSinks()
			if err := streamer.Run(streamCtx); err != nil {
				slog.Error("[main] audit streamer exited", "error", err)
			}
		}()
	} else {
		slog.Info("[main] audit streaming disabled, events stay in audit_events")
		close(streamDone)
	}

	server := httpserver.New(httpserver.Deps{
		Store:        pg,
		Trust:        service.NewTrustService(pg, engine, recorder, m),
		Credentials:  creds,
		Affiliations: service.NewAffiliationService(pg, recorder),
		Sessions:     sessions,
		Metrics:      m,
		ReadyChecks:  readyChecks,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("[main] trust service listening", "addr", cfg.Addr, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("http server", err)
		}
	}()

	shutdown(httpServer)
	stopStreamer()
	<-streamDone
}

// newStreamer wires whichever audit sinks are configured. The returned func
// closes them.
func newStreamer(ctx context.Context, cfg config.Config, st audit.Store, m *metrics.Metrics) (*audit.Streamer, func()) {
	var (
		producer audit.Producer
		archiver audit.Archiver
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			fatal("kafka producer", err)
		}
		producer = kp
	}
	if cfg.S3Bucket != "" {
		arch, err := audit.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			fatal("s3 archiver", err)
		}
		archiver = arch
	}

	streamer := audit.NewStreamer(st, producer, archiver, audit.StreamerConfig{
		BatchSize:      cfg.AuditBatchSize,
		MaxConcurrency: cfg.AuditConcurrency,
	})
	streamer.OnResult = func(_ *audit.Event, err error) { m.Streamed(err) }

	return streamer, func() {
		if producer != nil {
			if err := producer.Close(); err != nil {
				slog.Warn("[main] kafka producer close", "error", err)
			}
		}
	}
}

func shutdown(s *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("[main] shutting down")
	if err := s.Shutdown(ctx); err != nil {
		slog.Error("[main] graceful shutdown failed", "error", err)
	}
}

func fatal(msg string, err error) {
	slog.Error("[main] "+msg, "error", err)
	os.Exit(1)
}
