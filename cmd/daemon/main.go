package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/solverbond/solverbond/internal/api"
	"github.com/solverbond/solverbond/internal/config"
	"github.com/solverbond/solverbond/internal/core"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/internal/escrow"
	"github.com/solverbond/solverbond/internal/logging"
	"github.com/solverbond/solverbond/internal/metrics"
	"github.com/solverbond/solverbond/internal/util"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath(), "Path to config file")
	listenAddr = flag.String("listen", "", "Override API listen address")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.API.ListenAddr = *listenAddr
	}
	setupLogging(cfg)

	bus := engine.NewBus()
	transferor := escrow.WithRetry(escrow.NopTransferor{}, nil)
	c, err := core.New(cfg, transferor, engine.SystemClock(), bus)
	if err != nil {
		logging.Error("core init failed", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()
	server := api.NewServer(cfg.API, c, bus, collector)

	errCh := make(chan error, 1)
	util.SafeGoWithName("api-server", func() {
		errCh <- server.Start()
	})
	logging.Info("solverbond daemon started",
		"api", cfg.API.ListenAddr,
		"chain_id", cfg.Chain.ChainID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logging.Error("api server failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logging.Error("shutdown error", "error", err)
	}
	bus.Close()
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Daemon.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Daemon.LogFormat, "text") {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logging.SetLogger(slog.New(logging.NewRedactingHandler(handler)))
}
