// Package main provides the audit relay entry point. It drains the
// postgres audit outbox into the Redpanda audit topic.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clinicdesk/opd-console/internal/config"
	"github.com/clinicdesk/opd-console/internal/infrastructure/postgres"
	"github.com/clinicdesk/opd-console/internal/infrastructure/redpanda"
	"github.com/clinicdesk/opd-console/internal/observability/metrics"
	"github.com/clinicdesk/opd-console/internal/observability/tracing"
)

func main() {
	var (
		envFile     string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "audit-relay",
		Short: "Relay console audit events from postgres to Redpanda",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay(envFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, metricsAddr, logger)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "path of an optional .env file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "listen address of /metrics and /health")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.IsDev() {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config, metricsAddr string, logger *zap.Logger) error {
	tcfg := tracing.DefaultConfig("audit-relay")
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.SampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("connected to database")

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	if err != nil {
		return fmt.Errorf("producer creation failed: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New()
	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(cfg.AuditTopic), m, logger)
	outbox.Start()
	defer outbox.Stop()

	server := &http.Server{
		Addr:              metricsAddr,
		Handler:           opsRouter(pool, producer, outbox),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// opsRouter serves the relay's metrics, health and outbox stats
func opsRouter(pool *pgxpool.Pool, producer *redpanda.Producer, outbox *postgres.Outbox) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := producer.Ping(r.Context()); err != nil {
			http.Error(w, "brokers unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := outbox.GetStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Outbox   *postgres.OutboxStats  `json:"outbox"`
			Producer redpanda.ProducerStats `json:"producer"`
		}{stats, producer.Stats()})
	})
	return r
}
