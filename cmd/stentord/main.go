package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stentorlabs/stentor/pkg/bus"
	"github.com/stentorlabs/stentor/pkg/httpapi"
	"github.com/stentorlabs/stentor/pkg/logging"
	"github.com/stentorlabs/stentor/pkg/metrics"
	"github.com/stentorlabs/stentor/pkg/runner"
	"github.com/stentorlabs/stentor/pkg/stentor"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "stentord:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := stentor.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	mets := metrics.New("stentor")

	publisher := bus.NewAMQPPublisher(cfg.Bus)
	if err := publisher.Connect(); err != nil {
		// The bus is a best-effort sink; keep serving and let per-event
		// failures be logged until the bus comes back.
		slog.Error("bus_connect_failed", "error", err.Error())
	}
	defer publisher.Close()

	svc, err := stentor.NewService(cfg, publisher, mets)
	if err != nil {
		return err
	}

	api := httpapi.New(svc, mets)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("http_listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http_server_error", "error", err.Error())
			stop()
		}
	}()
	go svc.Run(ctx)

	drainer := runner.DrainerFunc(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		svc.Shutdown(shutdownCtx)
		return nil
	})
	hooks := runner.Hooks{
		OnStart: func() {
			slog.Info("stentord_started",
				"environment", cfg.Environment,
				"engine", cfg.STT.Engine,
				"workers", cfg.STT.Workers,
				"stasis", cfg.STT.Stasis)
		},
		OnStop: func() {
			slog.Info("stentord_stopped")
		},
	}
	return runner.NewLifecycleRunner(drainer, hooks, 15*time.Second).Run(ctx)
}
