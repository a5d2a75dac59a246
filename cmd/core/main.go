package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/parley-chat/parley/app/modules/fanout"
	fanoutnats "github.com/parley-chat/parley/app/modules/fanout/nats"
	"github.com/parley-chat/parley/app/modules/gateway"
	gatewayregistry "github.com/parley-chat/parley/app/modules/gateway/registry"
	"github.com/parley-chat/parley/app/modules/membership"
	"github.com/parley-chat/parley/app/modules/proxy"
	"github.com/parley-chat/parley/app/shared/observability"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/db/bundb"
)

// nilableBridge keeps a nil *Bridge from becoming a non-nil interface; the
// session manager treats a nil Bridge as single-process mode.
func nilableBridge(b *fanoutnats.Bridge) fanout.Bridge {
	if b == nil {
		return nil
	}
	return b
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	obs := observability.Init("parley-core", cfg.Observability.Environment)
	logger := obs.Logger
	logger.Info("Starting core server")

	dbs, err := bundb.NewBunDBService(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbs.Close()

	var bridge *fanoutnats.Bridge
	if cfg.NATS.URL != "" {
		nc, err := fanoutnats.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		bridge = fanoutnats.NewBridge(nc, logger)
		defer bridge.Close()
	}

	router := chi.NewRouter()
	router.Handle("/metrics", obs.MetricsHandler())

	memberModule, err := membership.NewModule(ctx, cfg, obs, dbs, router)
	if err != nil {
		log.Fatalf("Failed to create membership module: %v", err)
	}

	// The core verifies membership tokens against its own key before
	// tunnelling; the owning node re-verifies with the audience pinned.
	tunnel := proxy.NewTunnel(memberModule.SelfVerifier(logger), dbs.Permissions, logger)

	registry := gatewayregistry.New(logger)
	gatewayDeps := gateway.Deps{
		Registry: registry,
		DB:       dbs,
		Sessions: memberModule.SessionVerifier(),
		Bridge:   nilableBridge(bridge),
		Tunneler: tunnel,
	}
	gatewayModule, err := gateway.NewModule(ctx, cfg, obs, gatewayDeps, router)
	if err != nil {
		log.Fatalf("Failed to create gateway module: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go memberModule.Run(ctx, &wg)
	go gatewayModule.Run(ctx, &wg)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down core server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during HTTP shutdown", "error", err)
	}

	if err := gatewayModule.Close(); err != nil {
		logger.Error("Error closing gateway module", "error", err)
	}
	if err := memberModule.Close(); err != nil {
		logger.Error("Error closing membership module", "error", err)
	}
	wg.Wait()

	logger.Info("Core server stopped")
}
