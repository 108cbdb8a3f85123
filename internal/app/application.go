// Package app wires every coursechat component in dependency order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"coursechat/internal/api"
	"coursechat/internal/auth"
	"coursechat/internal/config"
	"coursechat/internal/conversation"
	"coursechat/internal/database"
	"coursechat/internal/directory"
	"coursechat/internal/hub"
	"coursechat/internal/metrics"
	"coursechat/internal/middleware"
	"coursechat/internal/notify"
	"coursechat/internal/presence"
	"coursechat/internal/retention"
	"coursechat/internal/router"
	"coursechat/internal/signal"
	"coursechat/internal/websocket"
)

// Application owns every long-lived component.
type Application struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	store         *database.Manager
	presence      *presence.Registry
	signals       *signal.Bus
	notifier      *notify.Service
	messageRouter *router.Router
	messageHub    *hub.Hub
	conversations *conversation.Service
	retention     *retention.Manager
	sendLimiter   *middleware.LimiterStore
	typingLimiter *middleware.LimiterStore
	apiServer     *api.Server
	httpServer    *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication builds the component graph:
// Database → Directory → Presence/Signals → Notify → Router → Hub →
// Conversations → Retention → WebSocket/API → HTTP.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := metrics.New()

	store, err := database.NewManager(cfg.Database.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	static, err := loadDirectory(cfg.Directory)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	users := directory.NewCached(static, cfg.Directory.CacheTTL.Duration(), logger)

	registry := presence.NewRegistry(cfg.Delivery.PresenceShards, logger, m)
	bus := signal.NewBus(cfg.Signals.Shards, cfg.Signals.TypingIdleTimeout.Duration(), logger, m)

	notifier := notify.NewService(store, registry, logger, m)
	messageRouter := router.NewRouter(registry, bus, notifier, users, logger, m)
	messageHub := hub.NewHub(hub.Config{
		Lanes:        cfg.Delivery.Lanes,
		LaneBuffer:   cfg.Delivery.LaneBuffer,
		RouteTimeout: cfg.Delivery.RouteTimeout.Duration(),
	}, messageRouter, logger, m)
	conversations := conversation.NewService(store, static, users, messageHub, notifier, logger, m)

	pruner, err := retention.NewManager(retention.Config{
		Enabled:  cfg.Retention.Enabled,
		Schedule: cfg.Retention.Schedule,
		ReadTTL:  cfg.Retention.ReadTTL.Duration(),
	}, store, logger, m)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var verifier *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTManager(cfg.Auth.JWTSecret, time.Hour, cfg.Auth.Issuer)
		if cfg.Auth.AllowHeaderIdentity {
			logger.Info("header_identity_ignored", zap.String("reason", "auth.jwt_secret is set"))
		}
	} else if cfg.Auth.AllowHeaderIdentity {
		logger.Warn("header_identity_enabled", zap.String("hint", "set auth.jwt_secret in production"))
	}
	headerIdentity := verifier == nil && cfg.Auth.AllowHeaderIdentity

	sendLimiter := middleware.NewLimiterStore(cfg.RateLimit.SendPerSecond, cfg.RateLimit.SendBurst, time.Minute)
	typingLimiter := middleware.NewLimiterStore(cfg.RateLimit.TypingPerSecond, cfg.RateLimit.TypingBurst, time.Minute)

	wsConfig := websocket.Config{
		ReadTimeout:      cfg.WebSocket.ReadTimeout.Duration(),
		PingInterval:     cfg.WebSocket.PingInterval.Duration(),
		WriteTimeout:     cfg.WebSocket.WriteTimeout.Duration(),
		RegisterTimeout:  cfg.WebSocket.RegisterTimeout.Duration(),
		BufferSize:       cfg.WebSocket.BufferSize,
		MaxFrameBytes:    cfg.WebSocket.MaxFrameBytes,
		AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
		AllowUserIDFrame: headerIdentity,
	}
	// a nil *JWTManager must not become a non-nil interface
	var wsVerifier websocket.TokenVerifier
	var apiVerifier api.TokenVerifier
	if verifier != nil {
		wsVerifier, apiVerifier = verifier, verifier
	}
	wsHandler := websocket.NewHandler(wsConfig, registry, bus, conversations, wsVerifier, typingLimiter, logger, m)

	app := &Application{
		config:        cfg,
		logger:        logger.Named("app"),
		metrics:       m,
		store:         store,
		presence:      registry,
		signals:       bus,
		notifier:      notifier,
		messageRouter: messageRouter,
		messageHub:    messageHub,
		conversations: conversations,
		retention:     pruner,
		sendLimiter:   sendLimiter,
		typingLimiter: typingLimiter,
	}

	app.apiServer = api.NewServer(api.Deps{
		Conversations:       conversations,
		Notifications:       notifier,
		Health:              store,
		Stats:               app.stats,
		Verifier:            apiVerifier,
		AllowHeaderIdentity: headerIdentity,
		ServiceToken:        cfg.Auth.ServiceToken,
		SendLimiter:         sendLimiter,
		Live:                http.HandlerFunc(wsHandler.HandleWebSocket),
		Metrics:             m,
		Logger:              logger,
	})

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration(),
	}
	return app, nil
}

func loadDirectory(cfg *config.DirectoryConfig) (*directory.Static, error) {
	if cfg.SeedFile == "" {
		return directory.NewStatic(cfg.OpenMembership), nil
	}
	static, err := directory.LoadFile(cfg.SeedFile, cfg.OpenMembership)
	if err != nil {
		return nil, fmt.Errorf("failed to load directory seed: %w", err)
	}
	return static, nil
}

func (app *Application) stats() map[string]interface{} {
	p := app.presence.Stats()
	return map[string]interface{}{
		"database":     app.store.Stats(),
		"hub":          app.messageHub.Stats(),
		"connections":  p.Connections,
		"online_users": p.OnlineUsers,
		"rooms":        app.signals.RoomCount(),
	}
}

// Start runs the hub and retention, then begins serving HTTP. It returns once
// the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.retention.Start(ctx)

	app.mu.Lock()
	app.listener = ln
	app.serveErr = make(chan error, 1)
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("http_server_failed", zap.Error(err))
			app.serveErr <- err
		}
		close(app.serveErr)
	}()

	app.logger.Info("application_started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Err yields a serve failure, or closes after a clean Stop.
func (app *Application) Err() <-chan error {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.serveErr
}

// Stop shuts down in reverse dependency order: HTTP, retention, hub,
// limiters, database.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("application_stopping")
	var errs []error

	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	app.retention.Stop()
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	app.sendLimiter.Stop()
	app.typingLimiter.Stop()
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.logger.Info("application_stopped")
	return errors.Join(errs...)
}

// Addr is the bound listen address once started, else the configured one.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the root HTTP handler for in-process tests.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
