// Package app wires the pairline binaries: the relay server (REST, realtime
// gateway, health and metrics) and the console client around the chat core.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"pairline/cmd/identity"
	"pairline/cmd/internal/realtime"
	"pairline/cmd/internal/restapi"
	"pairline/cmd/security/password"
	"pairline/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Relay is the pairline development relay: it owns the stores, the REST
// handler and the realtime gateway.
type Relay struct {
	cfg RelayConfig
	log Logger

	pool *pgxpool.Pool
	msgs realtime.MessageStore

	ws   *realtime.WSGateway
	rest *restapi.Handler

	handler http.Handler
}

// NewRelay builds a relay. An empty DatabaseURL selects in-memory stores.
func NewRelay(ctx context.Context, cfg RelayConfig, log Logger) (*Relay, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	pw, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	tokens, err := relayTokens(log)
	if err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return newRelay(cfg, log, relayDeps{
			users:     identity.NewMemoryStore(),
			msgs:      realtime.NewInMemoryStore(),
			passwords: pw,
			tokens:    tokens,
		})
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	users, msgs, err := newPostgresStores(ctx, pool, cfg.DBSchema)
	if err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	r, err := newRelay(cfg, log, relayDeps{
		pool:      pool,
		users:     users,
		msgs:      msgs,
		passwords: pw,
		tokens:    tokens,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func newPostgresStores(ctx context.Context, pool *pgxpool.Pool, schema string) (identity.Store, realtime.MessageStore, error) {
	users, err := identity.NewPostgresStore(pool, identity.WithSchema(schema))
	if err != nil {
		return nil, nil, err
	}
	if err := users.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("users schema: %w", err)
	}
	msgs, err := realtime.NewPostgresStore(pool, realtime.WithSchema(schema))
	if err != nil {
		return nil, nil, err
	}
	if err := msgs.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("messages schema: %w", err)
	}
	return users, msgs, nil
}

type relayDeps struct {
	pool      *pgxpool.Pool // nil for in-memory stores
	users     identity.Store
	msgs      realtime.MessageStore
	passwords password.Config
	tokens    *token.Manager
}

func newRelay(cfg RelayConfig, log Logger, d relayDeps) (*Relay, error) {
	rest, err := restapi.NewHandler(log, identity.NewService(d.users, d.passwords, log), d.tokens, d.msgs, cfg.REST)
	if err != nil {
		return nil, err
	}

	auth := realtime.AuthenticatorFunc(func(raw string) (string, error) {
		c, err := d.tokens.Verify(raw)
		if err != nil {
			return "", err
		}
		return c.Email, nil
	})
	ws := realtime.NewWSGateway(log, realtime.NewHub(log), d.msgs, auth, cfg.Gateway)

	r := &Relay{
		cfg:  cfg,
		log:  log,
		pool: d.pool,
		msgs: d.msgs,
		ws:   ws,
		rest: rest,
	}

	mux := http.NewServeMux()
	registerRelayHTTP(mux, log, cfg, d.pool, ws, rest)
	r.handler = WithMetrics(WithRequestLogging(mux, log))
	return r, nil
}

// relayTokens loads the signing secret. Without PAIRLINE_JWT_SECRET an
// ephemeral secret is generated; its tokens die with the process.
func relayTokens(log Logger) (*token.Manager, error) {
	m, err := token.FromEnv()
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, token.ErrSecretMissing) {
		return nil, err
	}

	secret := make([]byte, token.MinSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	log.Warn("token.secret.ephemeral", "env", token.SecretEnvKey)
	ttl := EnvDuration(token.TTLEnvKey, token.DefaultTTL)
	return token.NewManager(secret, ttl)
}

// Handler returns the fully wrapped HTTP handler.
func (r *Relay) Handler() http.Handler { return r.handler }

// Close releases background work and the database pool.
func (r *Relay) Close() {
	r.rest.Close()
	if err := r.msgs.Close(); err != nil {
		r.log.Error("store.close.fail", "err", err)
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (r *Relay) Run(ctx context.Context) error {
	defer r.Close()

	srv := &http.Server{
		Addr:              r.cfg.HTTPAddr,
		Handler:           r.handler,
		ReadHeaderTimeout: nonZeroDuration(r.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(r.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(r.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(r.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(r.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(r.cfg.HTTPAddr)
	r.log.Info("server.start",
		"addr", r.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", r.pool != nil,
		"require_auth", r.cfg.Gateway.RequireAuth,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		r.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		r.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		r.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	r.log.Info("server.stopped")
	return nil
}

// runtimeBaseURL turns a listen address into the URL clients should dial.
// Wildcard binds map to the loopback address.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
