package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hookline/dispatch/api"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool, cron scheduler and admin API",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.AutoMigrate {
		if err := a.store.Migrate(ctx); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, _, err := a.buildEngine(reg)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if a.cfg.ListenAddr != "" {
		srv = &http.Server{
			Addr:              a.cfg.ListenAddr,
			Handler:           api.New(eng, api.WithLogger(a.logger), api.WithGatherer(reg)).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("admin api listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				a.logger.Warn("admin api shutdown", slog.String("error", err.Error()))
			}
		}
		// No deadline here: Stop applies DISPATCH_SHUTDOWN_TIMEOUT.
		return eng.Stop(context.Background())
	})

	return g.Wait()
}
