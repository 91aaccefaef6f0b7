// Package app owns the lifecycle of every core service and exposes the
// command surface consumed by the HTTP layer and cmd/autopilot.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"autopilot/internal/analytics"
	"autopilot/internal/automations"
	"autopilot/internal/config"
	"autopilot/internal/cron"
	"autopilot/internal/eventbus"
	"autopilot/internal/health"
	"autopilot/internal/jobs"
	"autopilot/internal/jobs/engine"
	"autopilot/internal/notify"
	"autopilot/internal/observability/pprof"
	rtsup "autopilot/internal/runtime/supervisor"
	"autopilot/internal/storage"
	logx "autopilot/pkg/logx"
)

// State is the process-wide lifecycle state.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Collaborators are the external systems the core calls out to. Any of them
// may be nil; the dependent features then degrade (no mail, no inference).
type Collaborators struct {
	Directory notify.Directory
	Mailer    notify.Mailer
	Inference automations.Inference
}

type App struct {
	mu     sync.Mutex
	cfgm   *config.Manager
	collab Collaborators

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	queue    *jobs.Queue
	registry *jobs.Registry
	engine   *engine.Service
	stats    *analytics.Service
	dispatch *notify.Service
	monitor  *health.Monitor
	sched    *cron.Service
	profiler *pprof.Service
	store    storage.Store

	metrics *prometheus.Registry

	sup       *rtsup.Supervisor
	state     State
	startedAt time.Time
}

// New wires every service from the loaded configuration. Nothing runs until
// Initialize.
func New(cfgm *config.Manager, collab Collaborators) (*App, error) {
	if cfgm == nil {
		return nil, fmt.Errorf("config manager is required")
	}
	cfg := cfgm.Get()
	if cfg == nil {
		c, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	queue := jobs.NewQueue()
	registry := jobs.NewRegistry()

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus, queue, registry)

	statsCfg, err := mapAnalyticsConfig(cfg)
	if err != nil {
		return nil, err
	}
	stats := analytics.New(statsCfg, log.With(logx.String("comp", "analytics")), queue)

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	stats.RegisterMetrics(metricsReg)

	notifyCfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatch := notify.New(notifyCfg, log.With(logx.String("comp", "notify")), bus, collab.Directory, collab.Mailer)

	healthCfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	var pinger health.Pinger
	if collab.Mailer != nil {
		pinger = dispatch
	}
	monitor := health.New(healthCfg, log.With(logx.String("comp", "health")), queue, eng.Heartbeat, pinger)

	cronCfg, err := mapCronConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := cron.New(cronCfg, log.With(logx.String("comp", "cron")), bus, queue)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	profiler := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("job archive enabled", logx.String("driver", sc.Driver))
	}

	eng.SetRecorder(stats)
	if store != nil {
		eng.SetArchiver(storeArchiver{store: store})
	}

	return &App{
		cfgm:     cfgm,
		collab:   collab,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		queue:    queue,
		registry: registry,
		engine:   eng,
		stats:    stats,
		dispatch: dispatch,
		monitor:  monitor,
		sched:    sched,
		profiler: profiler,
		store:    store,
		metrics:  metricsReg,
		state:    StateCreated,
	}, nil
}

// Logger returns the app's root logger for sibling components (HTTP server).
func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or
// Shutdown).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Initialize registers the built-in automation catalog and starts every
// service. Idempotent: calling it while Running is a no-op.
func (a *App) Initialize(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	if a.state == StateRunning {
		a.mu.Unlock()
		return nil
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sup := a.sup
	a.state = StateRunning
	a.startedAt = time.Now()
	a.mu.Unlock()

	a.registerBuiltins()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	a.engine.Start(sup.Context())
	a.stats.Start(sup.Context())
	a.sched.Start(sup.Context())
	if a.profiler.Enabled() {
		a.profiler.Start(sup.Context())
	}

	// Event log for observability; components never depend on this subscriber.
	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c) })
	sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.log.Info("app initialized",
		logx.Int("automation_types", len(a.registry.Types())),
		logx.Bool("archive", a.store != nil),
	)
	return nil
}

// registerBuiltins binds the built-in automation catalog. Last write wins, so
// re-initializing after a shutdown is harmless.
func (a *App) registerBuiltins() {
	hlog := a.log.With(logx.String("comp", "automations"))
	a.registry.Register(jobs.TypePricingAnalysis, automations.NewPricingAnalysis(a.collab.Inference, hlog))
	a.registry.Register(jobs.TypeHistoryCleanup, automations.NewHistoryCleanup(a.store, a.queue, hlog))
	a.registry.Register(jobs.TypeHealthReport, automations.NewHealthReport(a.monitor, a.dispatch, hlog))
	a.registry.Register(jobs.TypeNotifyDigest, automations.NewNotifyDigest(a.dispatch, hlog))
}

// Shutdown drains and stops every service. Idempotent: calling it when not
// Running returns the current state without side effects.
func (a *App) Shutdown(ctx context.Context) State {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	if a.state != StateRunning {
		st := a.state
		a.mu.Unlock()
		return st
	}
	a.state = StateStopped
	sup := a.sup
	a.mu.Unlock()

	a.log.Info("shutting down")

	// Triggers stop first so nothing new lands in the queue while the engine
	// drains its grace period.
	a.sched.Stop(ctx)
	a.engine.Stop(ctx)
	a.stats.Stop(ctx)
	a.profiler.Stop(ctx)

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("archive close failed", logx.Err(err))
		}
	}

	a.log.Info("shutdown complete")
	return StateStopped
}

// validateConfig is the hot-reload gate: a config revision that fails here is
// never committed or published.
func (a *App) validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAnalyticsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHealthConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCronConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
