// ABOUTME: Gateway orchestrator that wires the switchboard components together
// ABOUTME: Owns the store, adapter, session manager, router, scheduler, autopilot and ops HTTP server lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-switchboard/internal/agent"
	"github.com/2389/coven-switchboard/internal/autopilot"
	"github.com/2389/coven-switchboard/internal/completion"
	"github.com/2389/coven-switchboard/internal/config"
	"github.com/2389/coven-switchboard/internal/dedupe"
	"github.com/2389/coven-switchboard/internal/delivery"
	"github.com/2389/coven-switchboard/internal/events"
	"github.com/2389/coven-switchboard/internal/protocol"
	"github.com/2389/coven-switchboard/internal/protocol/matrix"
	"github.com/2389/coven-switchboard/internal/protocol/simnet"
	"github.com/2389/coven-switchboard/internal/router"
	"github.com/2389/coven-switchboard/internal/session"
	"github.com/2389/coven-switchboard/internal/store"
)

// Gateway orchestrates the switchboard components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	adapter     protocol.Adapter
	broadcaster *events.Broadcaster
	guard       *dedupe.Guard
	sessions    *session.Manager
	sender      *delivery.Sender
	scheduler   *agent.Scheduler
	router      *router.Router

	// autopilot is nil when disabled
	autopilot *autopilot.Driver

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// Option overrides a collaborator the gateway would otherwise build from config.
type Option func(*options)

type options struct {
	store     store.Store
	adapter   protocol.Adapter
	generator completion.Generator
}

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithAdapter uses a instead of the configured protocol driver.
func WithAdapter(a protocol.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithGenerator uses gen instead of the configured completion provider.
func WithGenerator(gen completion.Generator) Option {
	return func(o *options) { o.generator = gen }
}

// OpenStore opens the configured SQLite database. SWITCHBOARD_DB_PATH
// overrides database.path when set.
func OpenStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

// newAdapter builds the configured protocol driver.
func newAdapter(cfg config.ProtocolConfig, s store.Store, logger *slog.Logger) (protocol.Adapter, error) {
	switch cfg.Driver {
	case "", "simnet":
		return simnet.New(simnet.WithLogger(logger)), nil
	case "matrix":
		return matrix.New(cfg.Matrix.Homeserver, matrixCredentials(s, cfg.Matrix.Accounts), logger), nil
	default:
		return nil, fmt.Errorf("unknown protocol driver %q", cfg.Driver)
	}
}

// matrixCredentials resolves a connection to the account configured under its name.
func matrixCredentials(s store.Store, accounts map[string]config.MatrixAccount) matrix.CredentialsFunc {
	return func(ctx context.Context, connectionID string) (matrix.Credentials, bool) {
		conn, err := s.GetConnection(ctx, connectionID)
		if err != nil {
			return matrix.Credentials{}, false
		}
		account, ok := accounts[conn.Name]
		if !ok || account.Username == "" {
			return matrix.Credentials{}, false
		}
		return matrix.Credentials{Username: account.Username, Password: account.Password}, true
	}
}

// newGenerator builds the configured completion provider.
func newGenerator(cfg config.CompletionConfig, logger *slog.Logger) (completion.Generator, error) {
	switch cfg.Provider {
	case "", "canned":
		return completion.NewCanned(cfg.CannedReplies), nil
	case "openai":
		return completion.NewOpenAI(completion.OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// newAutopilot builds the driver, or returns nil when it is disabled.
func newAutopilot(cfg config.AutopilotConfig, s store.Store, sessions autopilot.Sessions, injector autopilot.Injector, logger *slog.Logger) (*autopilot.Driver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var opts []autopilot.Option
	if cfg.StartersFile != "" {
		starters, err := autopilot.LoadStarters(cfg.StartersFile)
		if err != nil {
			return nil, fmt.Errorf("loading starters: %w", err)
		}
		opts = append(opts, autopilot.WithStarters(starters))
	}
	return autopilot.NewDriver(s, sessions, injector, autopilot.Config{
		Interval:    cfg.Interval,
		QuietWindow: cfg.QuietWindow,
	}, logger, opts...), nil
}

// New creates a new Gateway with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = OpenStore(cfg); err != nil {
			return nil, err
		}
	}

	adapter := o.adapter
	if adapter == nil {
		var err error
		if adapter, err = newAdapter(cfg.Protocol, s, logger); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	gen := o.generator
	if gen == nil {
		var err error
		if gen, err = newGenerator(cfg.Completion, logger); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		adapter:     adapter,
		broadcaster: events.NewBroadcaster(logger),
		logger:      logger.With("component", "gateway"),
	}

	gw.guard = dedupe.NewGuard(cfg.Router.DedupeTTL, dedupe.WithSweepInterval(cfg.Router.SweepInterval))
	gw.sessions = session.NewManager(s, adapter, gw.broadcaster, session.Config{
		ReconnectDelay:   cfg.Sessions.ReconnectDelay,
		ConflictDelay:    cfg.Sessions.ConflictDelay,
		QRExpiryDelay:    cfg.Sessions.QRExpiryDelay,
		HandshakeTimeout: cfg.Sessions.HandshakeTimeout,
	}, logger)
	gw.sender = delivery.NewSender(adapter, s, delivery.Config{
		ReadyTimeout: cfg.Delivery.ReadyTimeout,
		PollInterval: cfg.Delivery.PollInterval,
		MaxRetries:   cfg.Delivery.MaxRetries,
		BaseBackoff:  cfg.Delivery.BaseBackoff,
	}, logger)
	gw.scheduler = agent.NewScheduler(s, gen, gw.guard, gw.sender, gw.sessions, gw.broadcaster, agent.Config{
		PartInterval: cfg.Agents.PartInterval,
		TaskTimeout:  cfg.Agents.TaskTimeout,
	}, logger)
	gw.router = router.New(s, gw.guard, gw.sessions, gw.scheduler, gw.sender, gw.broadcaster, logger)

	driver, err := newAutopilot(cfg.Autopilot, s, gw.sessions, gw.router, logger)
	if err != nil {
		gw.closeComponents()
		_ = s.Close()
		return nil, err
	}
	gw.autopilot = driver

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// setupTCPListener creates the standard TCP listener for the ops server.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting switchboard", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the ops listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startBackground starts the HTTP server, the event loop and the autopilot,
// returning the channel their failures are reported on.
func (g *Gateway) startBackground(ctx context.Context, httpLn net.Listener) chan error {
	errCh := make(chan error, 3)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		if err := g.sessions.Run(ctx, g.router.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("event loop: %w", err)
		}
	}()

	if g.autopilot != nil {
		go func() {
			if err := g.autopilot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("autopilot: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a background failure.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	for {
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
			return
		}
	}
}

// Run starts the switchboard and blocks until the context is canceled.
// Persistent connections are restored before the ops server accepts requests.
// Returns nil on graceful shutdown, or an error if a background task fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startBackground(runCtx, httpListener)

	if _, err := g.sessions.RestorePersistent(runCtx); err != nil {
		g.logger.Warn("restoring persistent connections", "error", err)
	}

	serverErr := g.waitForShutdownSignal(runCtx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-switchboard", "tailscale"), nil
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

// setupTailscaleListener starts a tsnet node and returns the ops listener on it.
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
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops timers and background goroutines. Pending agent
// tasks are cancelled; a task already generating is waited for.
func (g *Gateway) closeComponents() {
	g.scheduler.Close()
	g.sessions.Close()
	g.guard.Close()
	g.broadcaster.Close()
}

// Shutdown gracefully stops the ops server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down switchboard")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.closeComponents()
	for id := range g.sessions.ConnectedPhones() {
		g.adapter.Close(id)
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
