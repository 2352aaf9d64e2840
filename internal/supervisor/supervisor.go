// Package supervisor wires every component (config, credentials, health,
// router, HTTP front door, token daemon, guardian registry) into one
// process and runs them as a oklog/run actor group, the module's C9.
// Grounded on the teacher's cmd/agentflow Server.Start/WaitForShutdown
// sequencing, adapted from a single HTTP+metrics pair to a multi-actor
// group that also owns signal-triggered reload and a sibling registry.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/run"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/credential"
	"github.com/routecodex/routecodex/internal/guardian"
	"github.com/routecodex/routecodex/internal/health"
	"github.com/routecodex/routecodex/internal/httpserver"
	"github.com/routecodex/routecodex/internal/httpserver/servermgr"
	"github.com/routecodex/routecodex/internal/metrics"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/tokendaemon"
)

// Options configures a Supervisor at construction. Zero values fall back
// to the same defaults the loader and component packages already apply.
type Options struct {
	ConfigPath string
	HomeDir    string // test seam; empty means os.UserHomeDir

	Source    string // guardian registration label, e.g. "routecodex-server"
	Exclusive bool   // take over a sibling-owned port instead of refusing to start
	Restart   bool   // same as Exclusive, but phrased as an intentional restart

	DisableTokenDaemon bool
	DisableGuardian    bool

	APIKeys            []string
	StopPassword       string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
	RateLimitSchedule  []time.Duration // overrides health.Config.Schedule when non-empty

	SnapshotEnabled bool
	SnapshotDir     string

	PortOverride int // ROUTECODEX_PORT / RCC_PORT; 0 means use the resolved config's port

	TokenDaemonConfig tokendaemon.Config
}

// Supervisor owns the lifetime of every long-running component started
// from cmd/routecodex: the HTTP front door, the OAuth token daemon, and
// (optionally) this host's guardian registry.
type Supervisor struct {
	opts   Options
	logger *zap.Logger
	home   string

	loader *config.Loader
	store  *credential.Store
	tracker *health.Tracker
	pipes  *pipeline.Factory
	rtr    *router.Router
	mc     *metrics.Collector
	snap   *snapshot.Sink

	httpSrv *httpserver.Server
	httpMgr *servermgr.Manager

	tokenDaemon *tokendaemon.Daemon

	guardianSrv    *guardian.Guardian // non-nil only when this process owns the registry
	guardianClient *guardian.Client
	guardianPath   string

	pidPath string
	port    int

	watcher *config.Watcher
	watchMu sync.Mutex

	cfgMu      sync.Mutex
	cancelRun  context.CancelFunc
	cancelOnce sync.Once
}

// New resolves the initial configuration and constructs every component,
// but does not bind sockets or start goroutines; call Run to do that.
func New(opts Options, logger *zap.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Source == "" {
		opts.Source = "routecodex"
	}

	home := opts.HomeDir
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve home dir: %w", err)
		}
		home = h
	}

	loader := config.NewLoader().WithLogger(logger)
	if opts.ConfigPath != "" {
		loader = loader.WithExplicitPath(opts.ConfigPath)
	}
	if opts.HomeDir != "" {
		loader = loader.WithHomeDir(opts.HomeDir)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	healthCfg := health.DefaultConfig()
	if len(opts.RateLimitSchedule) > 0 {
		healthCfg.Schedule = opts.RateLimitSchedule
	}

	s := &Supervisor{
		opts:    opts,
		logger:  logger,
		home:    home,
		loader:  loader,
		store:   credential.NewStore(logger),
		tracker: health.NewTracker(healthCfg, logger),
		mc:      metrics.NewCollector("routecodex"),
	}
	s.pipes = pipeline.NewFactory(s.tracker, logger)
	s.rtr = router.New(cfg.Policy, s.tracker, logger)
	s.store.Load(cfg.Providers)

	snapDir := opts.SnapshotDir
	if snapDir == "" {
		snapDir = filepath.Join(home, ".routecodex", "codex-samples")
	}
	s.snap = snapshot.New(snapDir, opts.SnapshotEnabled)

	s.port = opts.PortOverride
	if s.port == 0 {
		s.port = cfg.HTTPServer.Port
	}
	s.pidPath = pidFilePath(home, s.port)

	if err := s.acquirePort(); err != nil {
		return nil, err
	}

	s.httpSrv = httpserver.New(s.rtr, s.tracker, s.store, s.pipes, s.snap, s.mc, httpserver.Options{
		APIKeys:             opts.APIKeys,
		CORSAllowedOrigins:  opts.CORSAllowedOrigins,
		RateLimitRPS:        opts.RateLimitRPS,
		RateLimitBurst:      opts.RateLimitBurst,
		StopPassword:        opts.StopPassword,
		OnShutdownRequested: s.requestShutdown,
		OnReloadRequested:   s.Reload,
		ListClockClients:    s.listClockClients,
	}, logger)
	s.httpSrv.SetConfig(*cfg)

	mgrCfg := servermgr.DefaultConfig()
	mgrCfg.Addr = fmt.Sprintf(":%d", s.port)
	if cfg.HTTPServer.Host != "" {
		mgrCfg.Addr = fmt.Sprintf("%s:%d", cfg.HTTPServer.Host, s.port)
	}
	s.httpMgr = servermgr.NewManager(s.httpSrv.Handler(), mgrCfg, logger)

	if !opts.DisableTokenDaemon {
		tdCfg := opts.TokenDaemonConfig
		if tdCfg.AuthDir == "" {
			tdCfg.AuthDir = filepath.Join(home, ".routecodex", "auth")
		}
		s.tokenDaemon = tokendaemon.New(s.store, tdCfg, logger).WithMetrics(s.mc)
		if err := s.tokenDaemon.Discover(explicitTokenFiles(cfg.Providers)); err != nil {
			logger.Warn("token daemon: initial discovery failed", zap.Error(err))
		}
	}

	if !opts.DisableGuardian {
		if err := s.attachGuardian(); err != nil {
			logger.Warn("guardian: unavailable, continuing without a registry", zap.Error(err))
		}
	}

	s.attachWatcher(cfg)

	return s, nil
}

// explicitTokenFiles builds the tokendaemon.Discover seed from any
// provider whose profile names a token file directly (as opposed to the
// daemon finding it by convention under the auth directory).
func explicitTokenFiles(providers map[string]config.ProviderProfile) map[[2]string]string {
	out := make(map[[2]string]string)
	for id, p := range providers {
		if p.TokenFile == "" {
			continue
		}
		alias := "key1"
		if len(p.Credentials) > 0 {
			alias = p.Credentials[0]
		}
		out[tokendaemon.CredentialKey(id, alias)] = p.TokenFile
	}
	return out
}

// acquirePort checks whether a previously recorded PID still owns this
// port. A live PID in the pid file refuses the start unless Exclusive or
// Restart is set; with either flag the pid file is overwritten. It does
// not tell a managed sibling from any other live process, and it does not
// signal or stop the previous process.
func (s *Supervisor) acquirePort() error {
	existing := readPIDFile(s.pidPath)
	if existing != 0 && processAlive(existing) {
		if !s.opts.Exclusive && !s.opts.Restart {
			return &ErrPortOwnedBySibling{Port: s.port, PID: existing}
		}
		s.logger.Info("supervisor: taking over port from managed sibling", zap.Int("port", s.port), zap.Int("previousPid", existing))
	}
	return writePIDFile(s.pidPath)
}

func (s *Supervisor) attachGuardian() error {
	s.guardianPath = filepath.Join(s.home, ".routecodex", "guardian.state.json")

	if st, err := guardian.ReadState(s.guardianPath); err == nil && processAlive(st.PID) {
		client := guardian.NewClient(fmt.Sprintf("http://127.0.0.1:%d", st.Port), st.Token)
		if herr := client.Health(context.Background()); herr == nil {
			s.logger.Info("guardian: reusing existing daemon", zap.Int("pid", st.PID), zap.Int("port", st.Port))
			s.guardianClient = client
			return nil
		}
	}

	g, err := guardian.New(s.guardianPath, s.logger)
	if err != nil {
		return err
	}
	s.guardianSrv = g
	s.guardianClient = guardian.NewClient(fmt.Sprintf("http://127.0.0.1:%d", g.Port()), g.Token())
	return nil
}

// listClockClients backs GET /daemon/clock-client/list by reading the
// guardian's state file directly; it works whether this process owns the
// guardian or is only a registered client of a sibling's.
func (s *Supervisor) listClockClients() ([]map[string]interface{}, error) {
	if s.guardianPath == "" {
		return nil, nil
	}
	st, err := guardian.ReadState(s.guardianPath)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(st.Registrations))
	for _, reg := range st.Registrations {
		out = append(out, map[string]interface{}{
			"source":       reg.Source,
			"pid":          reg.PID,
			"port":         reg.Port,
			"registeredAt": reg.RegisteredAt,
		})
	}
	return out, nil
}

// registerWithGuardian announces this process and retries briefly, since
// an owned guardian's listener may accept a connection slightly before its
// Serve loop (started concurrently in the actor group) is draining it.
func (s *Supervisor) registerWithGuardian(ctx context.Context) {
	if s.guardianClient == nil {
		return
	}
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		_, err := s.guardianClient.Register(ctx, guardian.RegisterRequest{
			Source: s.opts.Source,
			PID:    os.Getpid(),
			PPID:   os.Getppid(),
			Port:   s.port,
		})
		if err == nil {
			return
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return
		}
	}
	s.logger.Warn("guardian: self-registration did not succeed")
}

// Reload re-resolves the configuration from disk and atomically swaps it
// into the router, credential store, HTTP server, and token daemon. A
// load failure leaves every component on its previous configuration.
func (s *Supervisor) Reload() error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	cfg, err := s.loader.Load()
	if err != nil {
		s.logger.Error("reload: config invalid, keeping previous configuration", zap.Error(err))
		return err
	}

	s.store.Load(cfg.Providers)
	s.rtr.SetPolicy(cfg.Policy)
	s.httpSrv.SetConfig(*cfg)
	if s.tokenDaemon != nil {
		if err := s.tokenDaemon.Discover(explicitTokenFiles(cfg.Providers)); err != nil {
			s.logger.Warn("reload: token daemon rediscovery failed", zap.Error(err))
		}
	}
	if s.watcher != nil {
		base := filepath.Join(s.home, ".routecodex")
		for id := range cfg.Providers {
			_ = s.watcher.Add(filepath.Join(base, "provider", id))
		}
	}
	s.logger.Info("config reloaded", zap.String("activeRoutingPolicyGroup", cfg.ActiveGroup))
	return nil
}

// requestShutdown lets the HTTP /shutdown handler drive the same path a
// SIGINT/SIGTERM would: cancel the Run context so every actor unwinds.
func (s *Supervisor) requestShutdown() {
	s.cancelOnce.Do(func() {
		if s.cancelRun != nil {
			s.cancelRun()
		}
	})
}

// Run starts every component and blocks until one of them exits or ctx is
// canceled, then drains the rest in reverse dependency order. The returned
// error is the reason the group unwound; a clean shutdown returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	defer cancel()

	var g run.Group

	httpCtx, httpCancel := context.WithCancel(runCtx)
	g.Add(func() error {
		if err := s.httpMgr.Start(); err != nil {
			return err
		}
		select {
		case <-httpCtx.Done():
			return nil
		case err := <-s.httpMgr.Errors():
			return err
		}
	}, func(error) {
		httpCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), servermgr.DefaultConfig().ShutdownTimeout)
		defer cancel()
		if err := s.httpMgr.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server: shutdown error", zap.Error(err))
		}
	})

	if s.tokenDaemon != nil {
		tdCtx, tdCancel := context.WithCancel(runCtx)
		g.Add(func() error {
			return s.tokenDaemon.Run(tdCtx)
		}, func(error) {
			tdCancel()
		})
	}

	if s.guardianSrv != nil {
		gCtx, gCancel := context.WithCancel(runCtx)
		g.Add(func() error {
			return s.guardianSrv.Run(gCtx)
		}, func(error) {
			gCancel()
		})
	}

	sigCh := make(chan os.Signal, 4)
	sigDone := make(chan struct{})
	notified := append([]os.Signal{}, terminationSignals...)
	if reloadSupported {
		notified = append(notified, reloadSignal)
	}
	signal.Notify(sigCh, notified...)
	g.Add(func() error {
		for {
			select {
			case sig := <-sigCh:
				if reloadSupported && sig == reloadSignal {
					if err := s.Reload(); err != nil {
						s.logger.Error("reload failed", zap.Error(err))
					}
					continue
				}
				s.logger.Info("supervisor: received shutdown signal", zap.String("signal", sig.String()))
				return nil
			case <-sigDone:
				return nil
			case <-runCtx.Done():
				return runCtx.Err()
			}
		}
	}, func(error) {
		signal.Stop(sigCh)
		close(sigDone)
	})

	if s.watcher != nil {
		s.watcher.Start(runCtx)
	}
	go s.registerWithGuardian(runCtx)

	err := g.Run()
	// Actors unblocked by runCtx's cancellation report context.Canceled;
	// that is the clean-shutdown path, not a failure.
	if err == context.Canceled {
		err = nil
	}

	if s.watcher != nil {
		if werr := s.watcher.Stop(); werr != nil {
			s.logger.Warn("config watcher: stop error", zap.Error(werr))
		}
	}
	_ = removePIDFile(s.pidPath)
	if s.guardianClient != nil {
		_ = s.guardianClient.Lifecycle(context.Background(), guardian.LifecycleRequest{
			Action:   "stop",
			Source:   s.opts.Source,
			ActorPID: os.Getpid(),
		})
	}
	if s.snap != nil {
		s.snap.Close()
	}
	return err
}
