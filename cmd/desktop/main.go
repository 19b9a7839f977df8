// Package main runs the local gateway of the desktop shell. The shell's
// web view talks to the REST backend through this process, which serves
// cached reads and queues writes while the backend is unreachable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mipyme/offline/cmd/desktop/handlers"
	"github.com/mipyme/offline/internal/config"
	"github.com/mipyme/offline/internal/logging"
	"github.com/mipyme/offline/internal/offline"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "offline gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("OFFLINE_CONFIG"), "path to the YAML configuration file")
	addr := flag.String("addr", "", "listen address (overrides server.addr)")
	dataDir := flag.String("data-dir", "", "data directory (overrides data_dir)")
	baseURL := flag.String("base-url", "", "REST backend origin (overrides base_url)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.Init(os.Stdout, level)
	logger := logging.Named("gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := offline.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	hub := NewWSHub()
	defer hub.Close()
	sub := rt.Subscribe(hub)
	defer sub.Unsubscribe()
	unsubscribe := rt.Monitor().OnChange(hub.BroadcastConnectivityChanged)
	defer unsubscribe()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newMux(rt, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rt.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Offline gateway listening", map[string]interface{}{
			"addr":      cfg.Server.Addr,
			"base_url":  cfg.BaseURL,
			"namespace": cfg.Namespace,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// newMux registers every gateway route.
func newMux(rt *offline.Runtime, hub *WSHub) *http.ServeMux {
	syncHandler := handlers.NewSyncHandler(rt)
	queueHandler := handlers.NewQueueHandler(rt)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"offline-gateway"}`))
	})

	mux.Handle("/api/", handlers.NewProxyHandler(rt))

	mux.HandleFunc("/offline/status", syncHandler.Status)
	mux.HandleFunc("/offline/sync", syncHandler.SyncNow)
	mux.HandleFunc("/offline/probe", syncHandler.Probe)
	mux.HandleFunc("/offline/connectivity", syncHandler.SetConnectivity)

	mux.HandleFunc("/offline/cache", queueHandler.Cache)
	mux.HandleFunc("/offline/queue", queueHandler.Queue)
	mux.HandleFunc("/offline/dead-letters", queueHandler.DeadLetters)
	mux.HandleFunc("/offline/dead-letters/{id}/requeue", queueHandler.Requeue)

	mux.HandleFunc("/ws", HandleWebSocket(hub))

	return mux
}
