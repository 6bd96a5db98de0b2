package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cellnode/internal/firmware"
	"cellnode/internal/web"
)

func newRunCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, logger)
		},
	}
}

func runDaemon(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	running := firmware.Running()
	logger.Info("cellnode starting", "node", cfg.NodeID, "firmware", running.String())

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = a.node.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(a.node, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(running.String()))
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(a.node, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(a.node, cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.node.Run(gctx); err != nil {
			return fmt.Errorf("node: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		auto.Stop()
		mqtt.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		webServer.Stop()
		return nil
	})

	err = g.Wait()
	if err != nil {
		logger.Error("daemon stopped", "err", err)
	} else {
		logger.Info("goodbye")
	}
	return err
}
