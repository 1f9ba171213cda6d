package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	snowrail "github.com/Colombia-Blockchain/snowrail-core"
	"github.com/Colombia-Blockchain/snowrail-core/api"
	"github.com/Colombia-Blockchain/snowrail-core/logger"
	"github.com/Colombia-Blockchain/snowrail-core/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log, err := logger.NewZapLogger(cfg.Log.Level)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts := []snowrail.Option{snowrail.WithLogger(log), snowrail.WithVersion(version)}
		var metricsHandler http.Handler
		if cfg.Metrics.Enabled {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			rec, err := metrics.NewPrometheusRecorder(reg)
			if err != nil {
				return err
			}
			opts = append(opts, snowrail.WithMetrics(rec))
			metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		}

		svc, err := snowrail.New(ctx, cfg, opts...)
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.Start(ctx); err != nil {
			return err
		}

		server := api.New(svc, api.Config{
			AllowOrigins:   cfg.Server.AllowOrigins,
			RateLimitRPS:   cfg.Server.RateLimitRPS,
			RateLimitBurst: cfg.Server.RateLimitBurst,
			Metrics:        metricsHandler,
		}, log)
		defer server.Close()

		srv := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      server.Handler(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("listening", map[string]any{"addr": cfg.Server.Addr, "version": version})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		log.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
