// ABOUTME: Gateway orchestrator wiring registry, correlator, presence, views,
// ABOUTME: store and the chat surface behind one HTTP server lifecycle.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/tsnet"

	"github.com/hillelkingqt/deskgate/internal/agent"
	"github.com/hillelkingqt/deskgate/internal/auth"
	"github.com/hillelkingqt/deskgate/internal/config"
	"github.com/hillelkingqt/deskgate/internal/dirview"
	"github.com/hillelkingqt/deskgate/internal/presence"
	"github.com/hillelkingqt/deskgate/internal/store"
	"github.com/hillelkingqt/deskgate/internal/surface"
	"github.com/hillelkingqt/deskgate/internal/telegram"
	"github.com/hillelkingqt/deskgate/internal/token"
)

// Gateway owns the server components and their lifecycle.
type Gateway struct {
	config     *config.Config
	registry   *agent.Registry
	correlator *agent.Correlator
	presence   *presence.Store
	tokens     *token.Cache
	views      *dirview.Engine
	store      store.Store
	surface    *surface.Surface
	tg         *telegram.Client

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	sweepDone chan struct{}
	sweepWG   sync.WaitGroup
}

// initStore creates the store, honoring the DESKGATE_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("DESKGATE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry(logger.With("component", "registry"))
	correlator := agent.NewCorrelator(registry, logger.With("component", "correlator"))
	presenceStore := presence.New(registry)
	tokens := token.New(cfg.View.TokenTTL)
	views := dirview.New(tokens, cfg.View.PageSize, cfg.View.SnapshotTTL, logger.With("component", "dirview"))

	g := &Gateway{
		config:     cfg,
		registry:   registry,
		correlator: correlator,
		presence:   presenceStore,
		tokens:     tokens,
		views:      views,
		store:      s,
		logger:     logger.With("component", "gateway"),
		sweepDone:  make(chan struct{}),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /connect", g.handleAgentConnect)

	// App-install endpoints, deliberately unauthenticated: installs have no
	// credentials and report with best effort.
	mux.HandleFunc("GET /latest-message", g.handleLatestMessage)
	mux.HandleFunc("GET /ping-stats", g.handlePingStats)
	mux.HandleFunc("POST /ping-stats", g.handlePingIngest)
	mux.HandleFunc("POST /error", g.handleErrorReport)
	mux.HandleFunc("POST /login-data", g.handleLoginReport)

	if err := g.registerAPIRoutes(mux, cfg, logger); err != nil {
		return nil, err
	}

	if cfg.Telegram.Enabled {
		if err := g.setupTelegram(mux, cfg, logger); err != nil {
			return nil, err
		}
	} else {
		logger.Info("telegram surface disabled")
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// registerAPIRoutes mounts the operator API, behind JWT auth when a secret
// is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) error {
	routes := map[string]http.HandlerFunc{
		"GET /api/agents":                g.handleListAgents,
		"POST /api/agents/{id}/drives":   g.handleDrives,
		"POST /api/agents/{id}/list":     g.handleListDir,
		"POST /api/agents/{id}/download": g.handleDownload,
	}

	if cfg.Auth.JWTSecret == "" {
		for pattern, h := range routes {
			mux.HandleFunc(pattern, h)
		}
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return nil
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	middleware := auth.Middleware(verifier)
	for pattern, h := range routes {
		mux.Handle(pattern, middleware(h))
	}
	logger.Info("HTTP auth middleware enabled")
	return nil
}

// setupTelegram connects the bot, builds the surface on top of it, and
// mounts the webhook on its secret path.
func (g *Gateway) setupTelegram(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) error {
	tg, err := telegram.New(cfg.Telegram.BotToken, cfg.Telegram.AdminChatID, logger.With("component", "telegram"))
	if err != nil {
		return err
	}
	g.tg = tg

	g.surface = surface.New(surface.Options{
		Registry:        g.registry,
		Correlator:      g.correlator,
		Presence:        g.presence,
		Views:           g.views,
		Tokens:          g.tokens,
		Store:           g.store,
		Sender:          tg,
		CommandTimeout:  cfg.Agents.CommandTimeout,
		DownloadTimeout: cfg.Agents.DownloadTimeout,
		Logger:          logger.With("component", "surface"),
	})
	tg.SetHandler(g.surface)

	if cfg.Telegram.WebhookSecret == "" {
		return errors.New("telegram.webhook_secret is required when telegram is enabled")
	}
	webhookPath := "/telegram/" + cfg.Telegram.WebhookSecret
	mux.HandleFunc("POST "+webhookPath, tg.WebhookHandler())

	if cfg.Telegram.WebhookURL != "" {
		if err := tg.RegisterWebhook(cfg.Telegram.WebhookURL + webhookPath); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the server and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startSweeper()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startSweeper runs the periodic liveness sweep. Each cycle probes every
// connection and evicts the ones that never answered the previous probe,
// then refreshes presence for the survivors.
func (g *Gateway) startSweeper() {
	interval := g.config.Agents.ProbeInterval
	g.sweepWG.Add(1)
	go func() {
		defer g.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				g.registry.Sweep(ctx)
				cancel()
				for _, conn := range g.registry.List() {
					g.presence.Touch(conn.ID, conn.Name, g.config.Agents.PresenceTTL)
				}
			case <-g.sweepDone:
				return
			}
		}
	}()
}

// setupListener creates the TCP or Tailscale listener per config.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default under
// the home directory if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "deskgate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		g.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", status.TailscaleIPs[0].String())
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends a labeled error if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops all components and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	close(g.sweepDone)
	g.sweepWG.Wait()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	for _, conn := range g.registry.List() {
		g.registry.Remove(conn)
		conn.Close("gateway shutting down")
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.views.Close()
	g.tokens.Close()
	g.presence.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
