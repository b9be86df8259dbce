package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apicrawl/apicrawl/internal/api"
	"github.com/apicrawl/apicrawl/internal/clock/system"
	"github.com/apicrawl/apicrawl/internal/config"
	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/fetcher"
	"github.com/apicrawl/apicrawl/internal/id/uuid"
	"github.com/apicrawl/apicrawl/internal/joblog"
	"github.com/apicrawl/apicrawl/internal/logging"
	"github.com/apicrawl/apicrawl/internal/metrics"
	"github.com/apicrawl/apicrawl/internal/scheduler"
	"github.com/apicrawl/apicrawl/internal/storage/memory"
	"github.com/apicrawl/apicrawl/internal/storage/postgres"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the crawl engine and its HTTP API",
		Long: `Runs the job scheduler and the HTTP API in one process. Jobs resume from
their persisted checkpoints on startup. With no database DSN configured the
engine runs entirely in memory.`,
		RunE: runServe,
	}
}

// stores groups the persistence adapters behind their interfaces so the
// memory and Postgres backends wire identically.
type stores struct {
	jobs          crawl.JobStore
	logs          crawl.LogStore
	notifications crawl.NotificationStore
	tables        crawl.TableStore
	close         func()
}

func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, error) {
	if cfg.DB.DSN == "" {
		logger.Info("no database configured, using in-memory stores")
		return stores{
			jobs:          memory.NewJobStore(),
			logs:          memory.NewLogStore(),
			notifications: memory.NewNotificationStore(),
			tables:        memory.NewTableStore(),
			close:         func() {},
		}, nil
	}

	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return stores{}, fmt.Errorf("connect postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return stores{}, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to postgres")
	return stores{
		jobs:          postgres.NewJobStore(pool),
		logs:          postgres.NewLogStore(pool),
		notifications: postgres.NewNotificationStore(pool),
		tables:        postgres.NewTableStore(pool),
		close:         pool.Close,
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	registry := prometheus.NewRegistry()
	mets, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	clock := system.New()
	emitter, err := joblog.New(ctx, st.logs, clock, logger)
	if err != nil {
		return fmt.Errorf("init log emitter: %w", err)
	}

	fetch := fetcher.New(cfg.FetchTimeout(),
		fetcher.WithUserAgent(cfg.Crawler.UserAgent),
		fetcher.WithLogger(logger),
	)

	runner := scheduler.NewRunner(scheduler.Config{
		MaxRetries:         cfg.Crawler.MaxRetries,
		BackoffBase:        cfg.BackoffBase(),
		MaxConcurrentJobs:  int64(cfg.Scheduler.MaxConcurrentJobs),
		SupervisorInterval: cfg.SupervisorInterval(),
		FetchTimeout:       cfg.FetchTimeout(),
	}, scheduler.Deps{
		Jobs:          st.jobs,
		Tables:        st.tables,
		Notifications: st.notifications,
		Fetcher:       fetch,
		Emitter:       emitter,
		Clock:         clock,
		IDs:           uuid.New(),
		Metrics:       mets,
		Logger:        logger,
	})
	runner.Start()

	apiServer := api.NewServer(cfg, api.Deps{
		Controller:    runner,
		Validator:     scheduler.NewValidator(fetch, cfg.FetchTimeout()),
		Jobs:          st.jobs,
		Logs:          st.logs,
		Notifications: st.notifications,
		Tables:        st.tables,
		Emitter:       emitter,
		Gatherer:      registry,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := runner.Close(shutdownCtx); err != nil {
		logger.Error("runner shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
