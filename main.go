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

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"entitlesys/internal/config"
	"entitlesys/internal/db"
	"entitlesys/internal/email"
	httpapi "entitlesys/internal/http"
	"entitlesys/internal/logging"
	"entitlesys/internal/payments"
	"entitlesys/internal/services"
	"entitlesys/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "entitlesys",
	Short:         "Subscription entitlement and usage metering service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadEnv()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the reminder dispatcher and the optional scheduled sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var sweepAccountID int64

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evaluate trial accounts once and send due reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(sweepAccountID)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate()
	},
}

func init() {
	sweepCmd.Flags().Int64Var(&sweepAccountID, "account-id", 0, "sweep a single account")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadEnv() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "load .env failed: %v\n", err)
		}
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "stat .env failed: %v\n", err)
	}
}

// app holds everything a command needs; close releases it in reverse order.
type app struct {
	cfg        config.Config
	svc        *services.Service
	dispatcher *email.Dispatcher
	closers    []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logging.Setup(cfg.AppEnv, cfg.LogLevel)
	a := &app{cfg: cfg}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		a.close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var counters store.Counters
	switch cfg.UsageBackend {
	case config.UsageBackendRedis:
		client, err := store.NewRedisClient(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		counters = store.NewRedisCounters(client, store.DefaultUsageRetention)
	case config.UsageBackendPostgres, "":
		counters = db.NewCounters(pool)
	default:
		a.close()
		return nil, fmt.Errorf("unknown usage backend %q", cfg.UsageBackend)
	}

	resend := email.NewResendClient(cfg.ResendAPIKey, cfg.NotifyTimeout)
	if !resend.IsConfigured() {
		log.Warn().Msg("RESEND_API_KEY not set, trial reminders will fail delivery")
	}
	a.dispatcher = email.NewDispatcher(resend, email.DispatcherConfig{
		From:       cfg.NotifyFromEmail,
		Workers:    cfg.NotifyWorkers,
		QueueSize:  cfg.NotifyQueueSize,
		Timeout:    cfg.NotifyTimeout,
		MaxRetries: cfg.NotifyMaxRetries,
	})

	svc, err := services.New(db.NewStore(pool), counters, cfg,
		services.WithNotifier(a.dispatcher),
		services.WithPayments(payments.NewClient(cfg.StripeSecretKey, cfg.StripeTimeout)),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	a.dispatcher.Start(workerCtx)
	// deferred after the HTTP shutdown so the queue drains last
	defer a.dispatcher.Close()

	if a.cfg.SweepSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(a.cfg.SweepSchedule, func() {
			if _, err := a.svc.SweepTrials(workerCtx); err != nil {
				log.Error().Err(err).Msg("scheduled trial sweep failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", a.cfg.SweepSchedule, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		log.Info().Str("schedule", a.cfg.SweepSchedule).Msg("trial sweep scheduled")
	}

	httpServer := &http.Server{
		Addr:              a.cfg.ServerAddr,
		Handler:           httpapi.NewServer(a.svc, a.cfg).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.cfg.ServerAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}

func runSweep(accountID int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	a.dispatcher.Start(ctx)

	var report services.SweepReport
	if accountID > 0 {
		report, err = a.svc.SweepAccount(ctx, accountID)
	} else {
		report, err = a.svc.SweepTrials(ctx)
	}
	// queued reminders are delivered before the process exits
	a.dispatcher.Close()
	if err != nil {
		return err
	}
	fmt.Printf("evaluated=%d transitions=%d reminders=%d raced=%d failed=%d\n",
		report.Evaluated, report.Transitions, report.Reminders, report.Raced, report.Failed)
	return nil
}

func runMigrate() error {
	cfg := config.Load()
	logging.Setup(cfg.AppEnv, cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}
	log.Info().Msg("schema applied")
	return nil
}
