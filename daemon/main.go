package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantarax/verisync/daemon/api/server"
	"github.com/quantarax/verisync/daemon/config"
	"github.com/quantarax/verisync/daemon/manager"
	"github.com/quantarax/verisync/daemon/service"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transport"
	"github.com/quantarax/verisync/internal/identity"
	"github.com/quantarax/verisync/internal/observability"
	"github.com/quantarax/verisync/internal/quicutil"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Initialize observability
	logger := observability.NewLogger("verisyncd", version, os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker(version)
	// Init tracing if configured
	if shutdown, err := observability.InitTracing(context.Background(), "verisyncd"); err == nil {
		defer shutdown(context.Background())
	} else {
		logger.Error(err, "Tracing disabled")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "Failed to load config")
	}
	logger = logger.SetLevel(cfg.LogLevel)
	logger.Info("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ident, err := identity.LoadOrCreate(cfg.KeysDirectory)
	if err != nil {
		logger.Fatal(err, "Failed to load identity")
	}
	logger.Info("Identity " + ident.ID.String())

	policy, err := store.ParseOutboardPolicy(cfg.Store.OutboardPolicy)
	if err != nil {
		logger.Fatal(err, "Invalid outboard policy")
	}
	blobs, err := store.Open(ctx, filepath.Join(cfg.DataDirectory, "blobs"), store.Options{
		OutboardPolicy: policy,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		logger.Fatal(err, "Failed to open blob store")
	}
	defer blobs.Close()

	history, err := manager.OpenHistory(filepath.Join(cfg.DataDirectory, "sessions.db"))
	if err != nil {
		logger.Fatal(err, "Failed to open session history")
	}
	defer history.Close()

	svc, err := service.NewTransferService(cfg, service.Deps{
		Store:    blobs,
		History:  history,
		Identity: ident,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		logger.Fatal(err, "Failed to initialize transfer service")
	}

	tlsConfig, err := quicutil.MakeServerTLSConfig(ident)
	if err != nil {
		logger.Fatal(err, "Failed to create TLS config")
	}
	quicListener, err := transport.ListenQUIC(cfg.QUICAddress, tlsConfig)
	if err != nil {
		logger.Fatal(err, "Failed to start QUIC listener")
	}
	defer quicListener.Close()
	logger.Info("QUIC listener started on " + quicListener.Addr())

	healthChecker.RegisterCheck("quic_listener", observability.QUICListenerCheck(quicListener.Addr))
	healthChecker.RegisterCheck("identity", observability.IdentityCheck(ident.ID.Short()))
	healthChecker.RegisterCheck("history", observability.PingCheck("session history", 100*time.Millisecond, history.Ping))

	go func() {
		if err := svc.Listen(ctx, quicListener); err != nil {
			logger.Error(err, "QUIC listener stopped")
		}
	}()
	go svc.RunGC(ctx, cfg.Store.GCInterval)

	if cfg.MetricsAddress != "" {
		go startObservabilityServer(cfg.MetricsAddress, metrics, healthChecker, logger) // exposes /metrics, /health, /debug/pprof
	}

	var stopAPI func(context.Context) error
	if cfg.APIAddress != "" {
		addr, stop, err := server.StartAPIServer(cfg.APIAddress, server.NewDaemonAPIServer(svc),
			os.Getenv(server.AuthTokenEnv), func(err error) { logger.Error(err, "API server error") })
		if err != nil {
			logger.Fatal(err, "Failed to start API server")
		}
		stopAPI = stop
		logger.Info("API listening on " + addr)
	}

	logger.Info("verisyncd running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()
	if stopAPI != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := stopAPI(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Error(err, "API shutdown")
		}
		done()
	}

	cleanedUp := svc.Sessions().CleanupOldSessions(0)
	logger.Info(fmt.Sprintf("Cleaned up %d sessions", cleanedUp))
	logger.Info("Daemon stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("Observability server listening on " + addr + " (metrics, health, pprof)")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "Observability server error")
	}
}
