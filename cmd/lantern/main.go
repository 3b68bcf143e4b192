// Command lantern runs the plugin host: an HTTP server whose behavior is
// extended at runtime by uploaded Lua plugins.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lanternhost/lantern/pkg/api"
	"github.com/lanternhost/lantern/pkg/config"
	"github.com/lanternhost/lantern/pkg/middleware"
	"github.com/lanternhost/lantern/pkg/observability"
	"github.com/lanternhost/lantern/pkg/plugins"
	"github.com/lanternhost/lantern/pkg/realtime"
	"github.com/lanternhost/lantern/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	pluginLog := logrus.New()
	pluginLog.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		pluginLog.SetLevel(level)
	}
	logger := observability.NewLogger(observability.ParseLogLevel(cfg.LogLevel), os.Stdout)

	if err := os.MkdirAll(cfg.PluginsDir, 0o755); err != nil {
		logrus.WithError(err).Fatal("failed to create plugins directory")
	}

	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open database")
	}
	defer store.Close()

	hub := realtime.NewHub()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	manager := plugins.NewManager(cfg.PluginsDir,
		plugins.WithStore(store),
		plugins.WithKV(store),
		plugins.WithBroadcaster(hub),
		plugins.WithMetrics(metrics),
		plugins.WithBudget(cfg.ExecutionBudget),
		plugins.WithLogger(pluginLog),
	)
	if err := manager.LoadAll(); err != nil {
		logrus.WithError(err).Fatal("failed to load installed plugins")
	}
	defer manager.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WatchPlugins {
		watcher, err := plugins.NewWatcher(manager, pluginLog)
		if err != nil {
			logrus.WithError(err).Warn("failed to start plugin watcher")
		} else {
			go watcher.Run(ctx)
		}
	}

	tokens := middleware.NewTokenStore()
	if token := os.Getenv("LANTERN_ADMIN_TOKEN"); token != "" {
		tokens.Issue(token, &middleware.User{ID: "admin", Name: "admin", Admin: true})
	}

	server := api.NewServer(manager, hub, metrics, logger, tokens, pluginLog)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("lantern listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}
