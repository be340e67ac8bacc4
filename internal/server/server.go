// Package server wires the yori gateway together: configuration, the
// enforcement engine, the audit pipeline, the interception proxy, the admin
// API, and the HTTP listeners.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/yori-gw/yori/internal/admin"
	"github.com/yori-gw/yori/internal/alerts"
	"github.com/yori-gw/yori/internal/audit"
	"github.com/yori-gw/yori/internal/config"
	"github.com/yori-gw/yori/internal/endpoints"
	"github.com/yori-gw/yori/internal/enforcement"
	"github.com/yori-gw/yori/internal/evaluator"
	"github.com/yori-gw/yori/internal/health"
	"github.com/yori-gw/yori/internal/proxy"
)

// Server is the main gateway server that composes all components.
type Server struct {
	cfg        *config.Config
	configPath string
	version    string
	logger     *slog.Logger

	engine    *enforcement.Engine
	emergency *enforcement.EmergencyController
	store     audit.Store
	writer    *audit.Writer
	metrics   *audit.Metrics
	retention *audit.Retention
	ruleEval  *evaluator.RuleEvaluator
	registry  *endpoints.Registry
	notifier  *alerts.Notifier
	override  *proxy.OverrideHandler
	handler   *proxy.Handler
	health    *health.Handler
	adminAPI  *admin.API
	reloader  *config.Reloader

	mu          sync.Mutex
	httpServer  *http.Server
	adminServer *http.Server
	listener    net.Listener // injected by tests; nil means listen per config
}

// New creates a fully wired Server from the given configuration. configPath
// may be empty, which disables hot reload.
func New(cfg *config.Config, configPath, version string) (*Server, error) {
	// 1. Build logger
	logger := buildLogger(cfg)

	// 2. Metrics collector
	metrics := audit.NewMetrics()
	metrics.SetBuildInfo(version, runtime.Version())
	metrics.SetEmergencyActive(cfg.Enforcement.EmergencyOverride.Enabled)

	// 3. Decision engine over the initial snapshot
	engine := enforcement.NewEngine(enforcement.NewSnapshot(cfg), logger)

	// 4. Audit store and asynchronous writer
	store, err := audit.OpenSQLite(cfg.Audit.Database)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	fallback := audit.NewFallbackLog(cfg.Audit.FallbackLog)
	writer := audit.NewWriter(store, cfg.Audit.QueueSize, fallback, metrics, logger)

	// 5. Retention sweeper
	retention := audit.NewRetention(store, cfg.Audit.RetentionDays, logger)

	// 6. Policy rule evaluator, wrapped so evaluation failures allow
	ruleEval, err := evaluator.NewRuleEvaluator(cfg.Policies.Directory)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading policy rules: %w", err)
	}
	eval := evaluator.NewFailOpen(ruleEval, logger, metrics)

	// 7. Endpoint registry
	registry := endpoints.NewRegistry(cfg.Endpoints)

	// 8. Alert notifier (optional)
	var notifier *alerts.Notifier
	if cfg.Alerts.Enabled && len(cfg.Alerts.URLs) > 0 {
		notifier = alerts.NewNotifier(cfg.Alerts.URLs, cfg.Alerts.MinAction, logger)
	}

	// 9. Decision recorder and emergency controller, both auditing through
	// the writer
	recorder := enforcement.NewRecorder(engine, writer, metrics)
	emergency := enforcement.NewEmergencyController(engine, writer, metrics, logger)

	// 10. Block-page override handler
	override := proxy.NewOverrideHandler(engine, writer, metrics, proxy.OverrideLimits{
		MaxAttempts: cfg.Enforcement.Override.MaxAttempts,
		Window:      cfg.Enforcement.Override.Window.Duration,
		Lockout:     cfg.Enforcement.Override.Lockout.Duration,
		TempAllow:   cfg.Enforcement.Override.TempAllowDuration.Duration,
	}, logger)

	// 11. Upstream forwarder and interception handler
	forwarder := proxy.NewForwarder(proxy.NewTransport(), cfg.Listen.UpstreamTimeout.Duration, logger)
	handler := proxy.NewHandler(proxy.HandlerConfig{
		Registry:       registry,
		Resolver:       proxy.NewARPResolver(),
		Evaluator:      eval,
		Recorder:       recorder,
		Forwarder:      forwarder,
		Override:       override,
		Sink:           writer,
		Metrics:        metrics,
		Notifier:       notifier,
		Logger:         logger,
		TrustedProxies: cfg.Listen.TrustedProxies,
	})

	// 12. Admin API and health endpoints
	adminAPI := admin.New(engine, emergency, eval, store, version, logger)
	healthHandler := health.NewHandler(store, version)

	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		version:    version,
		logger:     logger,
		engine:     engine,
		emergency:  emergency,
		store:      store,
		writer:     writer,
		metrics:    metrics,
		retention:  retention,
		ruleEval:   ruleEval,
		registry:   registry,
		notifier:   notifier,
		override:   override,
		handler:    handler,
		health:     healthHandler,
		adminAPI:   adminAPI,
	}

	// 13. Hot reload (SIGHUP + file watch)
	if configPath != "" && config.BoolOr(cfg.Reload.Enabled, true) {
		s.reloader = config.NewReloader(configPath, cfg, logger)
		s.reloader.Register(s)
	}

	return s, nil
}

// Start runs the proxy and admin listeners until ctx is cancelled or a
// listener fails, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.retention.Start(); err != nil {
		return fmt.Errorf("starting retention: %w", err)
	}
	if s.reloader != nil {
		if err := s.reloader.Start(ctx); err != nil {
			return fmt.Errorf("starting config reloader: %w", err)
		}
	}

	ln := s.listener
	if ln == nil {
		listenAddr := fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.Port)
		var err error
		ln, err = net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", listenAddr, err)
		}
	}
	if s.cfg.Listen.MaxConnections > 0 {
		ln = newLimitedListener(ln, s.cfg.Listen.MaxConnections)
	}
	if s.cfg.Listen.TLS.CertFile != "" && s.cfg.Listen.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.Listen.TLS.CertFile, s.cfg.Listen.TLS.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	srv := &http.Server{
		Handler:           s.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("gateway listening", "addr", ln.Addr().String(), "mode", s.cfg.Mode)
		errCh <- srv.Serve(ln)
	}()

	if s.cfg.Admin.Enabled {
		adminAddr := fmt.Sprintf("%s:%d", s.cfg.Admin.Host, s.cfg.Admin.Port)
		adminLn, err := net.Listen("tcp", adminAddr)
		if err != nil {
			srv.Close()
			return fmt.Errorf("listening admin on %s: %w", adminAddr, err)
		}

		var adminHandler http.Handler = s.adminAPI.Routes()
		if s.cfg.Admin.Auth.TokenSecret != "" {
			adminHandler = admin.RequireAuth(admin.AuthConfig{
				TokenSecret: s.cfg.Admin.Auth.TokenSecret,
				Issuer:      s.cfg.Admin.Auth.Issuer,
				Audience:    s.cfg.Admin.Auth.Audience,
			}, adminHandler)
		} else {
			s.logger.Warn("admin API running without authentication", "addr", adminAddr)
		}

		adminSrv := &http.Server{
			Handler:           adminHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.mu.Lock()
		s.adminServer = adminSrv
		s.mu.Unlock()

		go func() {
			s.logger.Info("admin API listening", "addr", adminAddr)
			errCh <- adminSrv.Serve(adminLn)
		}()
	}

	// Prune idle override rate-limit entries so the map does not grow with
	// every client IP ever seen.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.override.Sweep()
			}
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			s.shutdown()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	return s.shutdown()
}

// buildHandler assembles the proxy-side mux. Health and metrics bypass the
// interception pipeline; everything else is treated as intercepted LLM
// traffic.
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", s.health)
	mux.Handle("/readyz", s.health)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/", s.handler)
	return mux
}

// shutdown tears components down in dependency order: listeners first, then
// the audit pipeline so in-flight events still land.
func (s *Server) shutdown() error {
	s.mu.Lock()
	timeout := s.cfg.Shutdown.Timeout.Duration
	httpSrv, adminSrv := s.httpServer, s.adminServer
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.reloader != nil {
		s.reloader.Stop()
	}
	s.retention.Stop()
	if s.notifier != nil {
		s.notifier.Close()
	}
	s.writer.Close()
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("gateway stopped")
	return firstErr
}

// OnConfigReload applies a validated new configuration: the engine snapshot
// is swapped atomically and the reloadable collaborators updated in place.
func (s *Server) OnConfigReload(newCfg *config.Config) error {
	oldEmergency := s.engine.Snapshot().Emergency.Enabled

	s.engine.SetSnapshot(enforcement.NewSnapshot(newCfg))
	s.registry.Replace(newCfg.Endpoints)
	s.retention.SetDays(newCfg.Audit.RetentionDays)
	if s.notifier != nil {
		s.notifier.Update(newCfg.Alerts.URLs, newCfg.Alerts.MinAction)
	}

	if err := s.ruleEval.Reload(); err != nil {
		s.metrics.RecordConfigReload(false)
		return fmt.Errorf("reloading policy rules: %w", err)
	}

	newEmergency := newCfg.Enforcement.EmergencyOverride.Enabled
	s.metrics.SetEmergencyActive(newEmergency)
	if newEmergency != oldEmergency && s.notifier != nil {
		s.notifier.NotifyEmergency(newEmergency, "config reload")
	}

	s.metrics.RecordConfigReload(true)
	s.metrics.SetConfigReloadTime(time.Now())

	s.mu.Lock()
	s.cfg = newCfg
	s.mu.Unlock()

	return nil
}

// buildLogger creates an slog.Logger based on configuration.
func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var output *os.File
	switch cfg.Logging.Output {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	var handler slog.Handler
	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}

// ── LimitedListener ──

// limitedListener wraps a net.Listener to limit maximum concurrent connections.
type limitedListener struct {
	net.Listener
	sem chan struct{}
}

// newLimitedListener creates a listener that limits concurrent connections.
func newLimitedListener(l net.Listener, maxConns int) net.Listener {
	return &limitedListener{
		Listener: l,
		sem:      make(chan struct{}, maxConns),
	}
}

// Accept waits for and returns the next connection, blocking if at limit.
func (l *limitedListener) Accept() (net.Conn, error) {
	l.sem <- struct{}{}
	c, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &limitedConn{Conn: c, sem: l.sem}, nil
}

// limitedConn wraps a net.Conn to release the semaphore slot on close.
type limitedConn struct {
	net.Conn
	sem    chan struct{}
	closed sync.Once
}

// Close releases the connection and frees the semaphore slot.
func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.closed.Do(func() { <-c.sem })
	return err
}
