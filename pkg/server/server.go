package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"mercator-hq/conduit/pkg/config"
	"mercator-hq/conduit/pkg/dlgate"
	"mercator-hq/conduit/pkg/fdevent"
	"mercator-hq/conduit/pkg/filecache"
	"mercator-hq/conduit/pkg/proxy"
	"mercator-hq/conduit/pkg/proxy/middleware"
	"mercator-hq/conduit/pkg/telemetry"
	"mercator-hq/conduit/pkg/telemetry/health"
	"mercator-hq/conduit/pkg/telemetry/logging"
	"mercator-hq/conduit/pkg/telemetry/tracing"
	"mercator-hq/conduit/pkg/vhost"
)

// Server is the Conduit front end: an http.Server whose requests are proxied
// by one event loop, plus the telemetry endpoints and the optional virtual
// host store and download gate.
type Server struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *logging.Logger

	mux    *fdevent.Multiplexer
	files  *filecache.Cache
	loop   *proxy.Loop
	vhosts *vhost.Store
	gate   *dlgate.Gate

	httpServer *http.Server
	listener   net.Listener
	loopDone   chan error

	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// New builds the proxy engine and its collaborators from cfg. Nothing
// listens until Start.
func New(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (_ *Server, err error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if tel == nil {
		return nil, errors.New("telemetry is nil")
	}

	s := &Server{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger().With("component", "server"),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if cfg.VHost.Enabled {
		opts := vhost.FromConfig(cfg.VHost)
		opts.Logger = tel.Logger().Slog()
		opts.Metrics = tel.Metrics()
		if s.vhosts, err = vhost.Open(ctx, opts); err != nil {
			return nil, fmt.Errorf("failed to open vhost store: %w", err)
		}
	}
	if cfg.DownloadGate.Enabled {
		if s.gate, err = dlgate.New(cfg.DownloadGate, tel.Logger().Slog(), tel.Metrics()); err != nil {
			return nil, fmt.Errorf("failed to open download gate: %w", err)
		}
	}

	var routes []*proxy.Route
	for _, b := range cfg.Backends {
		r, err := proxy.NewRoute(b, tel.Logger().Slog())
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	var resolver proxy.Resolver
	if s.vhosts != nil {
		resolver = s.vhosts
	}
	router, err := proxy.NewRouter(routes, resolver)
	if err != nil {
		return nil, err
	}

	kind, err := fdevent.ParseKind(cfg.Engine.EventHandler)
	if err != nil {
		return nil, err
	}
	if s.mux, err = fdevent.New(kind, cfg.Engine.MaxFDs); err != nil {
		return nil, fmt.Errorf("failed to create event multiplexer: %w", err)
	}

	s.files, err = filecache.New(filecache.Config{
		MaxEntries: cfg.FileCache.MaxEntries,
		MaxAge:     cfg.FileCache.MaxAge,
		Watch:      cfg.FileCache.Watch,
		OnLookup:   tel.Metrics().RecordFileCache,
		OnEvict:    tel.Metrics().RecordFileCacheEviction,
	}, tel.Logger().Slog())
	if err != nil {
		return nil, fmt.Errorf("failed to create file cache: %w", err)
	}

	engine := proxy.NewEngine(s.mux, router, proxy.Options{
		ConnectTimeout:       cfg.Engine.ConnectTimeout,
		BacklogTimeout:       cfg.Engine.BacklogTimeout,
		MaxInternalRedirects: cfg.Engine.MaxInternalRedirects,
		ReadBudget:           cfg.Engine.ReadBudget,
		WriteBudget:          cfg.Engine.WriteBudget,
		Logger:               tel.Logger(),
		Metrics:              tel.Metrics(),
		Tracer:               tel.Tracer(),
	})
	s.loop, err = proxy.NewLoop(engine, proxy.LoopOptions{
		TriggerInterval: cfg.Engine.TriggerInterval,
		Files:           s.files,
		Logger:          tel.Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy loop: %w", err)
	}

	s.registerChecks()
	return s, nil
}

func (s *Server) registerChecks() {
	checker := s.tel.Health()
	checker.RegisterCheck("backends", health.BackendsCheck(s.loop.Snapshot, s.cfg.Telemetry.Health.MinActiveAddresses))
	if s.vhosts != nil {
		checker.RegisterCheck("vhost", s.vhosts.Ping)
	}
	if s.gate != nil {
		checker.RegisterCheck("download_gate", s.gate.Ping)
	}
	s.logger.Debug("readiness checks registered", "checks", checker.Names())
}

// Loop returns the proxy loop.
func (s *Server) Loop() *proxy.Loop { return s.loop }

// VHosts returns the virtual host store, nil when disabled.
func (s *Server) VHosts() *vhost.Store { return s.vhosts }

// Handler returns the HTTP handler: telemetry endpoints plus the proxy
// gateway behind the middleware chain.
func (s *Server) Handler() http.Handler {
	var hosts HostLookup
	if s.vhosts != nil {
		hosts = s.vhosts
	}

	var proxied http.Handler = NewGateway(s.loop, hosts, s.cfg.Server.MaxBodyBytes, s.tel.Logger())
	if s.gate != nil {
		proxied = s.gate.Middleware(proxied)
	}

	mux := http.NewServeMux()
	s.tel.Mount(mux, s.loop.Snapshot)
	mux.Handle("/", proxied)

	return middleware.Chain(mux,
		middleware.RecoveryMiddleware(s.tel.Logger()),
		tracing.HTTPMiddleware,
		middleware.RequestIDMiddleware,
		middleware.LoggingMiddleware(s.tel.Logger()),
		middleware.TimeoutMiddleware(s.cfg.Server.RequestTimeout),
	)
}

// Listen binds the configured address. Start calls it when needed.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.ListenAddress, err)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Start runs the proxy loop and serves HTTP until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	addr, err := s.Listen()
	if err != nil {
		s.setRunning(false)
		return err
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	s.loopDone = make(chan error, 1)
	go func() {
		err := s.loop.Run(loopCtx)
		stopLoop()
		s.loopDone <- err
	}()

	if s.vhosts != nil {
		if err := s.vhosts.Start(loopCtx); err != nil {
			s.logger.Warn("vhost refresh not scheduled", "error", err)
		}
	}
	if s.gate != nil {
		if err := s.gate.Start(loopCtx); err != nil {
			s.logger.Warn("ticket purge not scheduled", "error", err)
		}
	}

	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    s.cfg.Server.ReadTimeout,
		WriteTimeout:   s.cfg.Server.WriteTimeout,
		IdleTimeout:    s.cfg.Server.IdleTimeout,
		MaxHeaderBytes: s.cfg.Server.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting proxy server",
			"address", addr.String(),
			"backends", len(s.cfg.Backends),
			"event_handler", s.mux.Kind().String(),
		)
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
	case runErr = <-errChan:
	case runErr = <-s.loopDone:
		s.loopDone <- runErr
		if runErr == nil {
			runErr = errors.New("proxy loop stopped")
		}
	}

	shutdownErr := s.shutdown(stopLoop)
	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// shutdown stops accepting requests, waits for in-flight ones, then stops
// the loop and releases everything.
func (s *Server) shutdown(stopLoop context.CancelFunc) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info("initiating graceful shutdown", "timeout", s.cfg.Server.ShutdownTimeout.String())

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		stopLoop()
		if err := <-s.loopDone; err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("proxy loop stopped with error", "error", err)
		}

		s.close()
		s.setRunning(false)
		s.logger.Info("proxy server stopped")
	})

	return shutdownErr
}

// Close releases a server that was built but never started.
func (s *Server) Close() error {
	if s.IsRunning() {
		return fmt.Errorf("server is running; cancel the Start context instead")
	}
	s.shutdownOnce.Do(s.close)
	return nil
}

// close releases the stores, file cache and multiplexer. The loop must not
// be running.
func (s *Server) close() {
	if s.gate != nil {
		if err := s.gate.Close(); err != nil {
			s.logger.Warn("failed to close download gate", "error", err)
		}
	}
	if s.vhosts != nil {
		if err := s.vhosts.Close(); err != nil {
			s.logger.Warn("failed to close vhost store", "error", err)
		}
	}
	if s.files != nil {
		_ = s.files.Close()
	}
	if s.mux != nil {
		_ = s.mux.Close()
	}
	if s.listener != nil && s.httpServer == nil {
		_ = s.listener.Close()
	}
}

func (s *Server) setRunning(v bool) {
	s.mu.Lock()
	s.isRunning = v
	s.mu.Unlock()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Health runs the readiness checks.
func (s *Server) Health(ctx context.Context) error {
	if !s.IsRunning() {
		return fmt.Errorf("server is not running")
	}
	status := s.tel.Health().CheckReadiness(ctx)
	if !status.Ready() {
		return fmt.Errorf("server is not ready: %s", status.Status)
	}
	return nil
}
