package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/friend-mesh/app/api"
	"github.com/lysyi3m/friend-mesh/app/cfg"
	"github.com/lysyi3m/friend-mesh/app/database"
	"github.com/lysyi3m/friend-mesh/app/feed"
	"github.com/lysyi3m/friend-mesh/app/fetch"
	"github.com/lysyi3m/friend-mesh/app/handshake"
	"github.com/lysyi3m/friend-mesh/app/ingest"
	"github.com/lysyi3m/friend-mesh/app/notify"
	"github.com/lysyi3m/friend-mesh/app/retention"
	"github.com/lysyi3m/friend-mesh/app/rules"
	"github.com/lysyi3m/friend-mesh/app/tasks"
)

func main() {
	appConfig, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if appConfig == nil {
		// Help was shown, exit gracefully
		return
	}

	logLevel := slog.LevelInfo
	if appConfig.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting Friend Mesh server", "version", appConfig.Version, "site_url", appConfig.SiteURL)

	settings, err := cfg.LoadSettings(appConfig.SettingsFile)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	db, err := database.NewConnection(appConfig.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	slog.Info("Database ready", "path", appConfig.DBPath, "migration_version", version, "dirty", dirty)

	relRepo := database.NewRelationshipRepository(db)
	feedRepo := database.NewFeedRepository(db)
	itemRepo := database.NewItemRepository(db)

	registry := feed.NewRegistry()
	registry.Register(feed.NewRSSParser())
	registry.Register(feed.NewAPParser())
	slog.Info("Parsers registered", "parsers", registry.Names())

	httpTimeout := time.Duration(appConfig.HTTPTimeout) * time.Second
	fetcher := fetch.NewFetcher(appConfig.UserAgent, httpTimeout)

	matcher := notify.NewMatcher(appConfig.NotifyNewPosts, settings.Keywords)

	defaultRules := make([]rules.Rule, 0, len(settings.DefaultRules))
	for _, rule := range settings.DefaultRules {
		defaultRules = append(defaultRules, rules.Rule{
			Field:       rule.Field,
			Match:       rule.Match,
			Pattern:     rule.Pattern,
			Action:      rule.Action,
			Replacement: rule.Replacement,
		})
	}
	ingester := ingest.NewIngester(itemRepo, rules.NewEngine(), matcher, defaultRules, settings.CatchAll)

	enforcer := retention.NewEnforcer(itemRepo, retention.Limits{
		MaxAgeDays: appConfig.RetentionMaxAgeDays,
		MaxCount:   appConfig.RetentionMaxCount,
	})

	handshakeClient := handshake.NewClient(fetcher.Client(), appConfig.SiteURL, appConfig.UserAgent, httpTimeout)
	handshakeService := handshake.NewService(relRepo, feedRepo, handshakeClient, handshake.Policy{
		IncomingEnabled: appConfig.IncomingEnabled,
		CodeWord:        appConfig.CodeWord,
	}, "rss", appConfig.PollInterval)

	slog.Info("Starting background scheduler", "workers", appConfig.WorkerCount, "interval", appConfig.SchedulerInterval)
	scheduler := tasks.NewScheduler(relRepo, feedRepo, itemRepo, fetcher, registry,
		ingester, enforcer, feed.NewContentExtractor())
	scheduler.Start()
	defer scheduler.Stop()

	apiHandler := api.NewHandler(relRepo, feedRepo, itemRepo, registry, fetcher,
		handshakeService, ingester, scheduler)
	server := api.NewServer(apiHandler, appConfig.APIAccessKey)

	httpServer := &http.Server{
		Addr:         ":" + appConfig.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appConfig.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	slog.Info("Friend Mesh server started")

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	// Scheduler is stopped via defer; an abandoned in-flight poll is safe,
	// the feed is retried next cycle under idempotent dedup.
	slog.Info("Friend Mesh server shutdown complete")
}
