// Package app wires the coopchat server runtime: config, logging, stores,
// the realtime core, and HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"coopchat/cmd/internal/bot"
	"coopchat/cmd/internal/chat"
	"coopchat/cmd/internal/identity"
	"coopchat/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App owns the wired server runtime and its resource lifecycles.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	gateway *realtime.Gateway
	authAPI *identity.Handler
	chatAPI *chat.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	secret, err := resolveTokenSecret(cfg, log)
	if err != nil {
		return nil, err
	}
	tokens, err := identity.NewTokenManager(secret, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	identityStore, chatStore, pool, dbEnabled, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	provider := identity.NewProvider(identityStore, tokens)

	botUser, err := bot.EnsureUser(ctx, identityStore)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("bootstrap assistant user: %w", err)
	}

	responder, err := newResponder(ctx, cfg, log)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	registry := realtime.NewRegistry(log)
	relay := realtime.NewStreamRelay(log, registry, chatStore, responder, cfg.BotStreamDelay)
	dispatcher := realtime.NewDispatcher(log, registry, chatStore, relay)
	tracker := realtime.NewReadTracker(log, chatStore)
	gateway := realtime.NewGateway(log, registry, dispatcher, provider)

	authAPI := identity.NewHandler(log, identityStore, tokens, provider)
	chatAPI := chat.NewHandler(log, chatStore, identityStore, authAPI, registry, tracker, botUser.ID)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    pool,
		dbEnabled: dbEnabled,
		gateway:   gateway,
		authAPI:   authAPI,
		chatAPI:   chatAPI,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway, a.authAPI, a.chatAPI)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

// newStores decides between Postgres-backed persistence and in-memory dev
// stores, and runs schema setup when the DB is enabled.
func newStores(ctx context.Context, cfg Config, log Logger) (identity.Store, chat.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		users := identity.NewInMemoryStore()
		return users, chat.NewInMemoryStore(users), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, false, err
	}

	users, err := identity.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, false, err
	}
	if err := users.Init(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, false, fmt.Errorf("init users schema: %w", err)
	}

	chats, err := chat.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, false, err
	}
	if err := chats.Init(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, false, fmt.Errorf("init chat schema: %w", err)
	}

	log.Info("db.enabled.postgres_store")
	return users, chats, pool, true, nil
}

// newResponder selects the assistant backend. A configured API key picks the
// hosted model; otherwise a scripted responder keeps dev setups self-contained.
func newResponder(ctx context.Context, cfg Config, log Logger) (bot.Responder, error) {
	if cfg.GeminiAPIKey == "" {
		log.Info("bot.responder.scripted")
		return &bot.ScriptedResponder{
			Fragments: []string{"I'm ", "a ", "scripted ", "assistant. ", "Set ", "COOP_GEMINI_API_KEY ", "for ", "real ", "replies."},
		}, nil
	}

	r, err := bot.NewGeminiResponder(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, fmt.Errorf("init gemini responder: %w", err)
	}
	log.Info("bot.responder.gemini")
	return r, nil
}
