package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pomodex/pomodex/audit"
	"github.com/pomodex/pomodex/common"
	"github.com/pomodex/pomodex/proxy"
	"github.com/pomodex/pomodex/sandbox"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the terminal WebSocket proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProxy()
	},
}

func runProxy() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	log := common.ServiceLogger(logger, "proxy")

	docker, err := sandbox.NewClient(cfg.Docker.Host)
	if err != nil {
		return fmt.Errorf("docker init: %w", err)
	}
	defer docker.Close()

	ports := sandbox.NewPortAllocator(cfg.Docker.PortRangeStart, cfg.Docker.PortRangeEnd)
	boxes := sandbox.NewManager(docker, ports, common.ServiceLogger(logger, "sandbox"))

	var recorder audit.Recorder = audit.NopRecorder{}
	if cfg.Audit.RedisURL != "" {
		rec, err := audit.NewRedisRecorder(cfg.Audit.RedisURL, cfg.Audit.Stream, common.ServiceLogger(logger, "audit"))
		if err != nil {
			return fmt.Errorf("audit init: %w", err)
		}
		recorder = rec
	}
	defer recorder.Close()

	validator := proxy.NewHTTPValidator(cfg.Terminal.ProjectServiceURL)
	server := proxy.NewServer(boxes, validator, recorder, cfg.Terminal.TTYDPort, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.Terminal.ProxyPort))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
