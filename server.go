package arstotzka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/internal/clock"
	"github.com/MapColonies/arstotzka/internal/core"
	"github.com/MapColonies/arstotzka/internal/httpapi"
	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/storage"
	"github.com/MapColonies/arstotzka/internal/storage/logging"
	"github.com/MapColonies/arstotzka/internal/storage/retry"
	"github.com/MapColonies/arstotzka/internal/svcfields"
	"github.com/MapColonies/arstotzka/internal/tracker"
	"github.com/MapColonies/arstotzka/mediator"
)

// Server wraps the HTTP server, storage backend, and supporting components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	ownsBackend  bool
	core         *core.Service
	mediator     *mediator.Client
	trackers     *tracker.Map
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	OTLPEndpoint string
	HTTPClient   *http.Client
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests). The server does
// not close injected backends.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithMediatorHTTPClient sets the HTTP client used to reach remote roles and
// external trackers.
func WithMediatorHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// NewServer constructs an arstotzka server according to cfg.
// Example:
//
//	cfg := arstotzka.Config{Store: "mem://", Listen: ":8080"}
//	srv, err := arstotzka.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := clock.Or(o.Clock)
	ctx := context.Background()

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(ctx, telemetryOptions{
		OTLPEndpoint:           otlpEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	if telemetry != nil {
		cleanup = append(cleanup, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetry.Shutdown(shutdownCtx)
		})
	}

	storageLogger := svcfields.WithSubsystem(logger, "storage")
	backend := o.Backend
	ownsBackend := false
	if backend == nil {
		backend, err = openBackend(ctx, cfg, storageLogger)
		if err != nil {
			return nil, err
		}
		ownsBackend = true
		owned := backend
		cleanup = append(cleanup, func() { _ = owned.Close() })
	}
	backend = logging.Wrap(backend, storageLogger, "storage."+storeSchemeOrMem(cfg.Store))
	backend = retry.Wrap(backend, svcfields.WithSubsystem(logger, "storage.retry"), serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})

	mediatorOpts := []mediator.Option{mediator.WithLogger(logger), mediator.WithClock(serverClock)}
	if o.HTTPClient != nil {
		mediatorOpts = append(mediatorOpts, mediator.WithHTTPClient(o.HTTPClient))
	}
	client, err := mediator.New(cfg.MediatorConfig(), mediatorOpts...)
	if err != nil {
		return nil, err
	}

	assignments, err := tracker.ParseAssignments(cfg.ExternalActions)
	if err != nil {
		return nil, err
	}
	var trackers *tracker.Map
	if path := strings.TrimSpace(cfg.ExternalActionsFile); path != "" {
		trackers, err = tracker.Watch(path, assignments, logger)
		if err != nil {
			return nil, err
		}
		watched := trackers
		cleanup = append(cleanup, func() { _ = watched.Close() })
	} else {
		trackers = tracker.New(assignments)
	}

	coreCfg := core.Config{
		Store:                  backend,
		Logger:                 logger,
		Clock:                  serverClock,
		Trackers:               trackers,
		Prober:                 client,
		ReserveLockExpiration:  cfg.ReserveLockExpiration,
		RotationLockExpiration: cfg.RotationLockExpiration,
	}
	if !cfg.HasRole(RoleRegistry) {
		coreCfg.Directory = client
	}
	if !cfg.HasRole(RoleLocky) {
		coreCfg.Locker = client
	}
	if !cfg.HasRole(RoleActiony) {
		coreCfg.Actions = client
	}
	svc := core.New(coreCfg)

	handler := httpapi.New(httpapi.Config{
		Core:   svc,
		Logger: logger,
		Roles: httpapi.Roles{
			Registry: cfg.HasRole(RoleRegistry),
			Locky:    cfg.HasRole(RoleLocky),
			Actiony:  cfg.HasRole(RoleActiony),
		},
		JSONMaxBytes:      cfg.JSONMaxBytes,
		EnableHTTPTracing: telemetry.TracingEnabled(),
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(serverErrorWriter{logger: svcfields.WithSubsystem(logger, "api.http.server")}, "", 0),
	}

	serverLogger := svcfields.WithSubsystem(logger, "server")
	serverLogger.Info("server.configured",
		"roles", strings.Join(cfg.Roles, ","),
		"store", redactStore(cfg.Store),
		"registry_url", cfg.RegistryURL,
		"locky_url", cfg.LockyURL,
		"actiony_url", cfg.ActionyURL,
		"external_trackers", len(trackers.Snapshot()),
	)
	return &Server{
		cfg:         cfg,
		logger:      serverLogger,
		backend:     backend,
		ownsBackend: ownsBackend,
		core:        svc,
		mediator:    client,
		trackers:    trackers,
		handler:     handler,
		httpSrv:     httpSrv,
		clock:       serverClock,
		telemetry:   telemetry,
		readyCh:     make(chan struct{}),
	}, nil
}

type serverErrorWriter struct {
	logger pslog.Logger
}

func (w serverErrorWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Handler returns the underlying HTTP handler so arstotzka can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Core exposes the engine backing the server.
func (s *Server) Core() *core.Service {
	return s.core
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.logger.Info("server.shutdown.begin")
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	s.stopSweeper()
	if err := s.trackers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tracker watcher: %w", err))
	}
	if s.ownsBackend {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 || !s.cfg.HasRole(RoleLocky) {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				s.sweepExpired(context.Background())
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

// sweepExpired purges lock rows whose expiry has passed.
func (s *Server) sweepExpired(ctx context.Context) {
	purged, err := s.core.PurgeExpiredLocks(ctx)
	if err != nil {
		s.logger.Warn("sweeper.locks.failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info("sweeper.locks.purged", "count", purged)
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts an arstotzka server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := arstotzka.Config{Store: "mem://", Listen: "127.0.0.1:0"}
//	srv, stop, err := arstotzka.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
