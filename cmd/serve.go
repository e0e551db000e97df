package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/priyxstudio/franchise/config"
	"github.com/priyxstudio/franchise/platform"
	"github.com/priyxstudio/franchise/system"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Boot the engine and run until interrupted.",
		PreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
		},
		RunE: serveCmdRun,
	}
}

func serveCmdRun(*cobra.Command, []string) error {
	cfg := config.Get()
	if err := config.ConfigureDirectories(cfg); err != nil {
		return err
	}
	logFile, err := initLogging()
	if err != nil {
		return err
	}
	defer logFile.Close()

	log.WithFields(log.Fields{"version": system.Version, "config": cfg.Path()}).Info("starting franchise engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := platform.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		_ = p.Stop()
		return err
	}

	var srv *http.Server
	if p.Metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(p.Metrics.Registry(), promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.WithField("address", cfg.Metrics.Address).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info("received shutdown signal, stopping engine")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to stop metrics server")
		}
	}
	return p.Stop()
}
