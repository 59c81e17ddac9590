// Command agentledgerd runs the escrow ledger node: it opens the persistent
// state database, wires the native modules against it and serves the
// operational endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentledger/config"
	"agentledger/core/state"
	"agentledger/native/escrow"
	"agentledger/native/identity"
	"agentledger/native/reputation"
	"agentledger/native/validation"
	"agentledger/observability"
	"agentledger/observability/logging"
	"agentledger/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenAddr := flag.String("listen", ":9464", "Listen address for the metrics and health endpoints")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AGENTLEDGER_ENV"))
	logger := logging.Setup("agentledgerd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if env == "" {
		env = cfg.Environment
	}

	treasury, err := cfg.Treasury()
	if err != nil {
		logger.Error("Failed to resolve fee treasury", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.String("dataDir", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	collector := observability.NewCollector(nil)

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(collector)
	engine.SetFeeTreasury(treasury)
	engine.SetPauses(cfg)

	registry := identity.NewRegistry(manager)
	registry.SetEmitter(collector)

	reputationLedger := reputation.NewLedger(manager, registry)
	reputationLedger.SetEmitter(collector)

	validationLedger := validation.NewLedger(manager, registry)
	validationLedger.SetEmitter(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving operational endpoints", slog.String("addr", *listenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("Ledger node started",
		slog.String("dataDir", cfg.DataDir),
		slog.String("environment", env),
		slog.Int("pausedModules", len(cfg.PausedModules)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("Endpoint server failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", slog.Any("error", err))
	}
}
