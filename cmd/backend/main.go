package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/do/v2"
	configloader "github.com/taralok/consult/external/config"
	"github.com/taralok/consult/external/httpapi"
	mediaimpl "github.com/taralok/consult/external/media"
	repositoryimpl "github.com/taralok/consult/external/repository"
	"github.com/taralok/consult/external/ws"
	"github.com/taralok/consult/internal/billing"
	"github.com/taralok/consult/internal/broker"
	"github.com/taralok/consult/internal/config"
	"github.com/taralok/consult/internal/history"
	"github.com/taralok/consult/internal/notify"
	"github.com/taralok/consult/internal/presence"
	"github.com/taralok/consult/internal/realtime"
	"github.com/taralok/consult/internal/session"
	"github.com/taralok/consult/internal/wallet"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// A local .env is a development convenience; in production everything
	// arrives through real environment variables.
	_ = godotenv.Load()

	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "listen_addr", cfg.ListenAddr)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	runServer(cfg, injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	mediaimpl.RegisterDI(injector)
	presence.RegisterDI(injector)
	notify.RegisterDI(injector)
	wallet.RegisterDI(injector)
	billing.RegisterDI(injector)
	broker.RegisterDI(injector)
	history.RegisterDI(injector)
	session.RegisterDI(injector)
	ws.RegisterDI(injector)
	httpapi.RegisterDI(injector)

	return injector
}

func runServer(cfg *config.Config, injector do.Injector) {
	gateway, err := do.Invoke[*ws.Gateway](injector)
	if err != nil {
		slog.Error("failed to resolve websocket gateway", "error", err)
		os.Exit(1)
	}
	api, err := do.Invoke[*httpapi.API](injector)
	if err != nil {
		slog.Error("failed to resolve http api", "error", err)
		os.Exit(1)
	}
	brk := do.MustInvoke[*broker.Broker](injector)
	engine := do.MustInvoke[*billing.Engine](injector)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go brk.RunExpiry(sweepCtx)

	mux := api.Router()
	mux.HandleFunc("/ws", gateway.ServeHTTP)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		slog.Info("startup: listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
		}
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case <-done:
	}

	stopSweeper()
	engine.EndAll(context.Background(), realtime.ReasonServerShutdown)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
