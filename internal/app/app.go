// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the copilotpool server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"

	"copilotpool/config"
	"copilotpool/internal/cache"
	"copilotpool/internal/copilot"
	"copilotpool/internal/credentials"
	"copilotpool/internal/server"
	"copilotpool/internal/session"
)

// LocalCacheFile is the model cache file name used when CACHE_PATH is empty.
const LocalCacheFile = ".models_cache.json"

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config   *config.Config
	store    *credentials.Store
	sessions *session.Manager
	client   *copilot.Client
	models   cache.Cache
	server   *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// OpenStore opens the credential pool configured in cfg.
func OpenStore(cfg *config.Config) (*credentials.Store, error) {
	backend, err := credentials.NewDirBackend(cfg.Credentials.TokensDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open tokens directory: %w", err)
	}
	return credentials.NewStore(backend), nil
}

// CopilotConfig converts the loaded configuration for the copilot package.
func CopilotConfig(cfg *config.Config) copilot.Config {
	return copilot.Config{
		TokenURL:            cfg.Copilot.TokenURL,
		IntegrationID:       cfg.Copilot.IntegrationID,
		EditorPluginVersion: cfg.Copilot.EditorPluginVersion,
		EditorVersion:       cfg.Copilot.EditorVersion,
		UserAgent:           cfg.Copilot.UserAgent,
		GitHubAPIVersion:    cfg.Copilot.GitHubAPIVersion,
		ExchangeTimeout:     cfg.Copilot.ExchangeTimeout,
		CompletionTimeout:   cfg.Copilot.CompletionTimeout,
		ModelsTTL:           cfg.Cache.TTL,
	}
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app config is required")
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	copilotCfg := CopilotConfig(cfg)
	sessions := session.NewManager(store, copilot.NewTokenExchanger(copilotCfg), session.Config{
		MaxAttempts:     cfg.Credentials.MaxRotationAttempts,
		DefaultRecovery: cfg.Credentials.DefaultRecovery,
		APIBaseURL:      cfg.Copilot.APIURL,
	})

	models, err := newModelCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model cache: %w", err)
	}

	app := &App{
		config:   cfg,
		store:    store,
		sessions: sessions,
		client:   copilot.NewClient(sessions, copilotCfg, models),
		models:   models,
	}
	app.server = server.New(store, sessions, &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
	})

	return app, nil
}

func newModelCache(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Type {
	case "none":
		return nil, nil
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{
			URL: cfg.Cache.RedisURL,
			Key: cfg.Cache.RedisKey,
			TTL: cfg.Cache.TTL,
		})
	default:
		path := cfg.Cache.Path
		if path == "" {
			path = filepath.Join(cfg.Credentials.TokensDir, LocalCacheFile)
		}
		return cache.NewLocalCache(path), nil
	}
}

// Store returns the credential pool.
func (a *App) Store() *credentials.Store {
	return a.store
}

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager {
	return a.sessions
}

// Client returns the Copilot completions client.
func (a *App) Client() *copilot.Client {
	return a.client
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// LogPoolStatus logs the pool size and the current session's quota.
func (a *App) LogPoolStatus() {
	active, err := a.store.CountActive()
	if err != nil {
		slog.Warn("failed to count credentials", "error", err)
	}
	s := a.sessions.Current()
	slog.Info("credential pool status",
		"active", active,
		"chat_quota", s.ChatQuota(),
		"quotas", s.Quotas,
		"api_base_url", s.APIBaseURL,
	)
	if s.TelemetryEnabled {
		slog.Warn("telemetry is enabled for the current account; completions will be refused",
			"settings", "https://github.com/settings/copilot")
	}
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.logStartupInfo()
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, then releases the model cache.
// It is idempotent; every step is attempted and failures are joined.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.models != nil {
		if err := a.models.Close(); err != nil {
			slog.Error("model cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	switch {
	case cfg.Server.MasterKey == "" && !isLoopback(cfg.Server.Host):
		slog.Warn("MASTER_KEY not set - admin API is unauthenticated on a network address",
			"host", cfg.Server.Host,
			"recommendation", "set MASTER_KEY or bind HOST to 127.0.0.1")
	case cfg.Server.MasterKey == "":
		slog.Info("admin API unauthenticated, bound to loopback", "host", cfg.Server.Host)
	default:
		slog.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("model cache configured", "type", cfg.Cache.Type, "ttl", cfg.Cache.TTL)
	slog.Info("credential pool", "dir", cfg.Credentials.TokensDir,
		"max_rotation_attempts", cfg.Credentials.MaxRotationAttempts,
		"default_recovery", cfg.Credentials.DefaultRecovery)
}

// isLoopback reports whether host only accepts local connections.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
