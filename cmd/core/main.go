// Package main runs the Pokébrowser core as a local background service.
// Extension surfaces talk to it over REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pokebrowser/core/internal/app"
	"github.com/pokebrowser/core/internal/bus"
	"github.com/pokebrowser/core/internal/config"
	"github.com/pokebrowser/core/internal/localstore"
	"github.com/pokebrowser/core/internal/logging"
	"github.com/pokebrowser/core/internal/remote"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	logging.Init(os.Stderr, logging.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		logging.Error("failed to load configuration", err, nil)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logging.Error("failed to create data directory", err, map[string]interface{}{"dir": cfg.DataDir})
		os.Exit(1)
	}

	local, err := localstore.OpenSQLite(cfg.DataDir)
	if err != nil {
		logging.Error("failed to open local store", err, nil)
		os.Exit(1)
	}
	defer local.Close()

	rs := remote.NewRESTClient(remote.ClientConfig{
		BaseURL: cfg.RemoteURL,
		AnonKey: cfg.RemoteAnonKey,
	})
	if !cfg.RemoteConfigured() {
		logging.Warn("remote endpoint not configured, running local-only", nil)
	}

	a := app.New(cfg, local, rs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"pokebrowser-core","version":"` + Version + `"}`))
	})
	mux.Handle("/ws", bus.Handler(a.Hub))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		logging.Info("listening", map[string]interface{}{"addr": cfg.ListenAddr, "version": Version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server failed", err, nil)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("server shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}
	a.Stop()
}
