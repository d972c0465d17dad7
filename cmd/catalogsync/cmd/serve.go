package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/badno/catalogsync/internal/admin"
	"github.com/badno/catalogsync/internal/scheduler"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveNoScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the admin API",
	Long: `Run the periodic import trigger together with the admin HTTP API.

The API exposes manual imports, reset, log browsing, notification
settings, /metrics for Prometheus and /healthz.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Serve the admin API without the periodic trigger")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	interval, err := cfg.ScheduleInterval()
	if err != nil {
		return err
	}
	service, err := scheduler.NewService(a.guard, interval, logger)
	if err != nil {
		return err
	}

	token := os.Getenv(cfg.Admin.TokenEnv)
	if token == "" {
		logger.Warn("admin API running without authentication", "token_env", cfg.Admin.TokenEnv)
	}

	srv := &http.Server{
		Addr: cfg.Admin.Addr,
		Handler: admin.New(admin.Deps{
			Runner:            a.guard,
			Resetter:          a.resetter,
			Files:             a.orchestrator,
			Store:             a.backend.State,
			Runs:              a.backend.Runs,
			LogDir:            cfg.Logs.Dir,
			Metrics:           a.metrics,
			Token:             token,
			RequestsPerMinute: cfg.Admin.RequestsPerMinute,
			Logger:            logger,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if !serveNoScheduler {
		g.Go(func() error { return service.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("admin API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	color.Cyan("  catalogsync serving on %s (interval %s)", srv.Addr, interval)
	return g.Wait()
}
