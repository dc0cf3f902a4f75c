package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/cadence/internal/api"
	"github.com/yangwenmai/cadence/internal/planner"
)

var noSweep bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled publishing sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		jobs := planner.NewJobs(planner.DefaultJobTimeout)
		defer jobs.Shutdown()

		srv := api.New(a.svc, a.planner, jobs, a.sweeper, api.WithCORSOrigin(a.cfg.CORSOrigin))
		httpServer := &http.Server{
			Addr:              ":" + a.cfg.Port,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)
		if !noSweep {
			g.Go(func() error { return a.sweeper.Start(ctx, a.cfg.SweepSchedule) })
		}
		g.Go(func() error {
			slog.Info("cadence server listening", "addr", "http://localhost:"+a.cfg.Port)
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the scheduled sweep in this process")
}
