package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clinicdesk/opd-console/internal/api"
	"github.com/clinicdesk/opd-console/internal/api/handlers"
	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/config"
	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/patient"
	"github.com/clinicdesk/opd-console/internal/hms"
	"github.com/clinicdesk/opd-console/internal/infrastructure/postgres"
	"github.com/clinicdesk/opd-console/internal/observability/metrics"
	"github.com/clinicdesk/opd-console/internal/observability/tracing"
	"github.com/clinicdesk/opd-console/internal/session"
	"github.com/clinicdesk/opd-console/pkg/circuitbreaker"
	"github.com/clinicdesk/opd-console/pkg/idempotency"
	"github.com/clinicdesk/opd-console/pkg/workerpool"
)

const sessionCleanupInterval = 15 * time.Minute

func serveCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the console HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
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
			return runServer(ctx, cfg, logger)
		},
	}
}

// stores are the persistence backends chosen by configuration
type stores struct {
	sessions session.Store
	inbox    idempotency.Store
	recorder audit.Recorder
	pool     *pgxpool.Pool
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if !cfg.HasDatabase() {
		logger.Info("no DATABASE_URL; using in-memory sessions and logging audit events")
		return &stores{
			sessions: session.NewMemoryStore(),
			inbox:    idempotency.NewMemoryStore(),
			recorder: audit.NewLogRecorder(logger),
		}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to database")

	return &stores{
		sessions: postgres.NewSessionStore(pool),
		inbox:    idempotency.NewPGStore(pool),
		recorder: postgres.NewAuditRecorder(pool, cfg.AuditTopic),
		pool:     pool,
	}, nil
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tcfg := tracing.DefaultConfig(api.ServiceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.ServiceVersion = handlers.Version
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.SampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", zap.Error(err))
		}
	}()

	m := metrics.New()

	client, err := hms.New(hms.Config{
		BaseURL: cfg.HMSBaseURL,
		Timeout: cfg.HMSTimeout,
		Breaker: circuitbreaker.DefaultConfig("hms"),
	}, logger, hms.WithMetrics(m))
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	checks := map[string]handlers.Pinger{}
	if st.pool != nil {
		defer st.pool.Close()
		checks["postgres"] = st.pool
	}

	recorder, err := audit.NewAsyncRecorder(st.recorder, workerpool.DefaultConfig("audit"), logger)
	if err != nil {
		return err
	}
	defer recorder.Stop()
	checks["audit_queue"] = recorder

	inbox := idempotency.NewInbox(st.inbox, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	workspaces := session.NewWorkspaces(session.Factory{
		Patients: client,
		Visits:   client,
		Catalog:  client,
		Admin:    client,
		Recorder: recorder,
		Metrics:  m,
		Logger:   logger,
		Inbox:    inbox,
		Search: patient.SearchOptions{
			Wait:      cfg.SearchDebounce,
			MinLength: cfg.SearchMinLength,
			Logger:    logger,
			Metrics:   m,
		},
		Now: time.Now,

		// BS/AD conversion is external; AD stays canonical
		Converter: patient.NoConverter{},

		RegistrationCharge: billing.Amount(cfg.DefaultRegistrationCharge),
	})
	defer workspaces.CloseAll()

	manager := session.NewManager(st.sessions, client, session.Options{
		TTL:        cfg.SessionTTL,
		Logger:     logger,
		Recorder:   recorder,
		Metrics:    m,
		Workspaces: workspaces,
	})

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.Deps{
			Sessions:    manager,
			Reports:     client,
			Breakers:    client,
			Checks:      checks,
			Metrics:     m,
			Logger:      logger,
			Cookie:      handlers.CookieConfig{Name: cfg.SessionCookie, Secure: cfg.CookieSecure},
			CORSOrigins: cfg.CORSOrigins,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting console",
			zap.String("port", cfg.Port),
			zap.String("hms", cfg.HMSBaseURL),
			zap.Bool("postgres", st.pool != nil),
			zap.Bool("tracing", tp.Enabled()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if pg, ok := st.sessions.(*postgres.SessionStore); ok {
		g.Go(func() error {
			cleanupSessions(gctx, pg, logger)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// cleanupSessions periodically removes expired sessions until ctx ends
func cleanupSessions(ctx context.Context, store *postgres.SessionStore, logger *zap.Logger) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			deleted, err := store.Cleanup(ctx, now)
			if err != nil {
				logger.Error("session cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Info("expired sessions removed", zap.Int64("deleted", deleted))
			}
		}
	}
}
