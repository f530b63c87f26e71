package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"calhub/internal/api"
	"calhub/internal/syncer"
	"calhub/internal/worker"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API with scheduled background syncs.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "sync-on-start", Usage: "Queue a sync of every account at startup."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.LogLevel != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			pool := worker.NewPool(logger, a.syncer, worker.PoolConfig{
				Workers:   cfg.Workers,
				QueueSize: cfg.QueueSize,
				OnReport: func(r *syncer.Report) {
					if r.NeedsReconnect {
						logger.Warn("Account needs to be reconnected", "accountID", r.AccountID, "provider", r.Provider)
					}
				},
			})
			defer pool.Stop()

			sched, err := worker.NewScheduler(logger, a.store, pool, cfg.SyncSchedule)
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()
			if c.Bool("sync-on-start") {
				logger.Info("Queued startup syncs.", "accounts", sched.Tick(ctx))
			}

			handler := api.NewHandler(logger, a.store, a.syncer, pool)
			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           api.NewRouter(logger, handler, cfg.CORSOrigins),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting API server.", "addr", cfg.Listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("Shutting down.")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server shutdown failed", "error", err)
			}
			return nil
		},
	}
}
