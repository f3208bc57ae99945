package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/deploygate/internal/api"
	"github.com/edvin/deploygate/internal/bigboat"
	"github.com/edvin/deploygate/internal/config"
	"github.com/edvin/deploygate/internal/core"
	"github.com/edvin/deploygate/internal/deploykey"
	"github.com/edvin/deploygate/internal/descriptor"
	"github.com/edvin/deploygate/internal/gate"
	"github.com/edvin/deploygate/internal/gitrepo"
	"github.com/edvin/deploygate/internal/installer"
	"github.com/edvin/deploygate/internal/jenkins"
	"github.com/edvin/deploygate/internal/logging"
	"github.com/edvin/deploygate/internal/sysservices"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("deployer-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	store := descriptor.NewStore(cfg.DeploymentsFile, logger)
	rejected, err := store.Load()
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.DeploymentsFile).Msg("failed to load deployments")
	}
	for _, v := range rejected {
		logger.Warn().Err(v).Msg("descriptor rejected")
	}
	logger.Info().Int("deployments", len(store.Names())).Msg("descriptor set loaded")

	keys := deploykey.NewManager(cfg.StateDir, logger)
	repo := gitrepo.NewAdapter(keys, logger)
	ci := jenkins.NewClient(cfg.JenkinsURL, cfg.JenkinsUser, cfg.JenkinsToken, logger).WithTimeout(cfg.NetworkTimeout)
	evaluator := gate.NewEvaluator(ci, repo, logger)
	hub := installer.NewProgressHub()
	inst := installer.New(
		keys, repo, ci,
		sysservices.NewSystemdManager(logger),
		bigboat.NewClient(logger).WithTimeout(cfg.NetworkTimeout),
		hub, logger,
	)
	service := core.NewDeploymentService(store, evaluator, inst, repo, keys, logger)

	srv := api.NewServer(logger, service, hub)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting deployer API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			// Reload the descriptor set without dropping in-flight installs.
			rejected, err := service.Reload()
			if err != nil {
				logger.Error().Err(err).Msg("descriptor reload failed")
				continue
			}
			for _, v := range rejected {
				logger.Warn().Err(v).Msg("descriptor rejected")
			}
			logger.Info().Int("deployments", len(service.Names())).Msg("descriptor set reloaded")
			continue
		}
		break
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
