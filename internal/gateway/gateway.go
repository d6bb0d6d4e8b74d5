// ABOUTME: Gateway server that hosts the run orchestrator behind HTTP and gRPC listeners
// ABOUTME: Wires scheduler, bus, ledger and metrics from config and manages their lifecycle

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
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/lane-gateway/internal/agent"
	"github.com/2389/lane-gateway/internal/config"
	"github.com/2389/lane-gateway/internal/dedupe"
	"github.com/2389/lane-gateway/internal/lane"
	"github.com/2389/lane-gateway/internal/ledger"
	"github.com/2389/lane-gateway/internal/orchestrator"
	"github.com/2389/lane-gateway/internal/runbus"
	"github.com/2389/lane-gateway/internal/store"
)

// Gateway owns every server component: the lane scheduler, the run bus, the
// orchestrator, the optional event ledger, and the HTTP and gRPC servers.
type Gateway struct {
	config       *config.Config
	scheduler    *lane.Scheduler
	bus          *runbus.Bus
	broadcaster  *runbus.Broadcaster
	index        *dedupe.Index
	orchestrator *orchestrator.Orchestrator
	registry     *prometheus.Registry
	limiter      *rateLimiter
	logger       *slog.Logger

	// store and ledger are nil when database.path is empty
	store  store.Store
	ledger *ledger.Recorder

	// grpcServer and health are nil when neither grpc_addr nor tailscale is set
	grpcServer *grpc.Server
	health     *health.Server

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	shuttingDown atomic.Bool
}

// New creates a Gateway from cfg. The engine named by cfg.Agent.Engine is
// resolved from engines; a nil registry gets the echo engine configured from
// cfg.Agent.
func New(cfg *config.Config, engines *agent.Registry, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if engines == nil {
		engines = agent.NewRegistry(logger)
		echo := &agent.EchoEngine{Prefix: cfg.Agent.ReplyPrefix, Delay: cfg.Agent.Delay}
		if err := engines.Register(config.DefaultEngine, echo); err != nil {
			return nil, err
		}
	}
	engine, err := engines.Get(cfg.Agent.Engine)
	if err != nil {
		return nil, fmt.Errorf("resolving agent.engine: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	laneMetrics, err := lane.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("registering lane metrics: %w", err)
	}
	runMetrics, err := orchestrator.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("registering run metrics: %w", err)
	}

	scheduler := lane.New(lane.Config{Logger: logger, Metrics: laneMetrics})
	for name, n := range cfg.Lanes.Concurrency {
		scheduler.SetConcurrency(name, n)
	}

	bus := runbus.New(logger)
	index := dedupe.New(cfg.Runs.IdempotencyTTL, cfg.Runs.IdempotencyMaxKeys)

	orch, err := orchestrator.New(orchestrator.Config{
		Scheduler:          scheduler,
		Bus:                bus,
		Engine:             engine,
		Index:              index,
		Logger:             logger,
		Metrics:            runMetrics,
		DefaultLane:        cfg.Lanes.Default,
		SessionPrefix:      cfg.Lanes.SessionPrefix,
		Lanes:              configuredLanes(cfg),
		SynthesizeTerminal: cfg.Runs.SynthesizeTerminalEnabled(),
	})
	if err != nil {
		index.Close()
		return nil, err
	}

	gw := &Gateway{
		config:       cfg,
		scheduler:    scheduler,
		bus:          bus,
		broadcaster:  runbus.NewBroadcaster(bus, logger),
		index:        index,
		orchestrator: orch,
		registry:     registry,
		limiter:      newRateLimiter(cfg.Server.RateLimit),
		logger:       logger.With("component", "gateway"),
	}

	if err := gw.initLedger(logger); err != nil {
		gw.closeComponents()
		return nil, err
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.health = newGRPCServer(gw.laneNames(), logger)
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// initLedger opens the SQLite store and attaches a recorder to the bus.
func (g *Gateway) initLedger(logger *slog.Logger) error {
	if g.config.Database.Path == "" {
		g.logger.Info("event ledger disabled")
		return nil
	}

	s, err := store.NewSQLiteStore(g.config.Database.Path)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	rec, err := ledger.New(ledger.Config{Store: s, Bus: g.bus, Logger: logger})
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("starting ledger: %w", err)
	}
	g.store = s
	g.ledger = rec
	return nil
}

// registerRoutes mounts the API, health, and metrics handlers.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.HandleFunc("/agent", g.handleAgent)
	mux.HandleFunc("/agent/wait", g.handleWait)
	mux.HandleFunc("/agent/events", g.handleEvents)
	mux.HandleFunc("/agent/history", g.handleHistory)
	mux.HandleFunc("/agent/transcript", g.handleTranscript)
	mux.HandleFunc("/api/lanes", g.handleLanes)

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{
			Registry: g.registry,
		}))
		g.logger.Info("metrics endpoint enabled", "path", g.config.Metrics.Path)
	}
}

// laneNames returns the configured lanes plus the default lane, sorted.
func (g *Gateway) laneNames() []string {
	return configuredLanes(g.config)
}

// configuredLanes is also the set of global lanes clients may request, which
// keeps lane and metric label counts bounded by the config.
func configuredLanes(cfg *config.Config) []string {
	seen := map[string]bool{lane.NormalizeLane(cfg.Lanes.Default): true}
	for name := range cfg.Lanes.Concurrency {
		seen[lane.NormalizeLane(name)] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Orchestrator exposes the run orchestrator for in-process callers.
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator {
	return g.orchestrator
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC. grpcLn is nil when gRPC is disabled.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
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
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh timeout since the run context
// is already canceled.
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
	return filepath.Join(homeDir, ".local", "share", "lane-gateway", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet node and returns its listeners.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
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

// createTailscaleHTTPListener creates the HTTP listener: Funnel, tailnet HTTPS, or plain :80.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops the in-process components. The ledger is closed
// before its store so buffered events are flushed.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.ledger != nil {
		g.ledger.Close()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	if g.index != nil {
		g.index.Close()
	}
	return errs
}

// Shutdown stops the servers and releases resources. Runs still executing
// are abandoned; their events after this point are not recorded.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts runs and the ledger,
// if configured, answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	if g.ledger != nil {
		if err := g.ledger.Ping(r.Context()); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("ledger unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d lanes)", len(g.scheduler.Stats()))
}
