package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pomodex/pomodex/api"
	"github.com/pomodex/pomodex/auth"
	"github.com/pomodex/pomodex/common"
	"github.com/pomodex/pomodex/gcp"
	"github.com/pomodex/pomodex/lifecycle"
	"github.com/pomodex/pomodex/sandbox"
	"github.com/pomodex/pomodex/snapshot"
	"github.com/pomodex/pomodex/storage"
	"github.com/pomodex/pomodex/worker"
)

const (
	sweepWorkers   = 4
	sweepQueueSize = 64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane API and the inactivity sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	log := common.ServiceLogger(logger, "api")

	if cfg.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret must be set")
	}

	store, err := storage.NewPostgres(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}

	docker, err := sandbox.NewClient(cfg.Docker.Host)
	if err != nil {
		return fmt.Errorf("docker init: %w", err)
	}
	defer docker.Close()

	ports := sandbox.NewPortAllocator(cfg.Docker.PortRangeStart, cfg.Docker.PortRangeEnd)
	boxes := sandbox.NewManager(docker, ports, common.ServiceLogger(logger, "sandbox"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	iam, err := gcp.NewManager(ctx, cfg.GCP.Project, cfg.GCP.Bucket, cfg.GCP.CredentialsFile, common.ServiceLogger(logger, "gcp"))
	if err != nil {
		return fmt.Errorf("gcp init: %w", err)
	}
	registry, err := gcp.NewRegistry(ctx, cfg.GCP.Registry, cfg.GCP.CredentialsFile, common.ServiceLogger(logger, "registry"))
	if err != nil {
		return fmt.Errorf("registry init: %w", err)
	}

	snaps := snapshot.NewManager(docker, boxes, registry, snapshot.Config{
		Registry:  cfg.GCP.Registry,
		BaseImage: cfg.Docker.BaseImage,
		Bucket:    cfg.GCP.Bucket,
	}, common.ServiceLogger(logger, "snapshot"))

	orch := lifecycle.NewOrchestrator(store, boxes, iam, snaps, lifecycle.Config{
		Bucket:        cfg.GCP.Bucket,
		BaseImage:     cfg.Docker.BaseImage,
		StrictCleanup: cfg.Lifecycle.StrictCleanup,
	}, common.ServiceLogger(logger, "lifecycle"))

	tokens := auth.NewTokenService(cfg.Security.JWTSecret, cfg.Security.AccessTokenTTL)
	authSvc := auth.NewService(store, tokens, cfg.Security.RefreshTokenTTL, common.ServiceLogger(logger, "auth"))

	pool := worker.NewPool(sweepWorkers, sweepQueueSize, common.ServiceLogger(logger, "worker"))
	sweeper := lifecycle.NewSweeper(store, orch, pool, cfg.Sweeper.Interval, cfg.Sweeper.IdleThreshold, common.ServiceLogger(logger, "sweeper"))
	go sweeper.Run(ctx)

	server := api.NewServer(store, authSvc, orch, snaps, iam, cfg.Terminal, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("api shutdown incomplete")
	}
	pool.Stop()
	return nil
}
