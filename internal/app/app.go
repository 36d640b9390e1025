package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"botfleet/internal/broadcast"
	"botfleet/internal/config"
	"botfleet/internal/delivery"
	"botfleet/internal/eventbus"
	"botfleet/internal/eventbus/natsbridge"
	"botfleet/internal/maintenance"
	"botfleet/internal/observability/debugsrv"
	"botfleet/internal/queue"
	"botfleet/internal/ratelimit"
	"botfleet/internal/runtime/supervisor"
	"botfleet/internal/sandbox"
	"botfleet/internal/tenant"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
	"botfleet/pkg/systemd"
)

// Platform is the messaging backend. It delivers payloads and runs one
// long poller per attached bot.
type Platform interface {
	delivery.Sender
	Attach(ctx context.Context, botID, token string) error
	StartPolling(ctx context.Context, botID string) error
	StopPolling(ctx context.Context, botID string) error
	Detach(ctx context.Context, botID string)
	Close(ctx context.Context)
}

// PlatformFactory builds the Platform once the update handler exists.
type PlatformFactory func(cfg telegram.Config, handler telegram.UpdateHandler, log logx.Logger) Platform

type Options struct {
	// Platform defaults to the Telegram gateway.
	Platform PlatformFactory
	// Invoker overrides the configured sandbox runner.
	Invoker sandbox.HandlerInvoker
	// Env replaces os.Getenv for secret overlays.
	Env func(string) string
}

// App owns every engine component and their lifecycle.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	root logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	stores   *stores
	limiter  *ratelimit.Limiter
	sandbox  *sandbox.Sandbox
	queue    *queue.Queue
	registry *tenant.Registry
	coord    *broadcast.Coordinator
	host     *tenant.Host
	platform Platform
	pool     *delivery.Pool
	maint    *maintenance.Service
	notify   *systemd.Notifier

	debug *debugsrv.Server

	natsCfg natsbridge.Config
	nc      *nats.Conn
	bridge  *natsbridge.Bridge

	sup *supervisor.Supervisor

	// opMu serialises admin operations that touch both the registry and
	// the platform.
	opMu     sync.Mutex
	stopOnce sync.Once
}

// New loads the config file and builds the engine.
func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	if opts.Env != nil {
		cfgm.SetEnv(opts.Env)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	a, err := build(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	return a, nil
}

// NewFromConfig builds the engine from an in-memory config. Hot reload is
// unavailable.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return build(ctx, cfg, opts)
}

func build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, root := logx.New(set.logging)
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }
	log := comp("app")

	st, err := openStores(ctx, cfg.Storage, comp("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", st.drivers[0]), logx.String("jobs_driver", st.drivers[1]))

	inv := opts.Invoker
	if inv == nil {
		inv, err = newInvoker(set, comp("sandbox"))
		if err != nil {
			_ = st.Close()
			_ = logSvc.Close()
			return nil, err
		}
	}

	bus := eventbus.New()
	logSvc.SetAlertSink(func(al logx.Alert) {
		bus.Publish(eventbus.Event{Type: eventbus.LogAlert, Time: al.Time, Data: al})
	})
	lim := ratelimit.New(set.limiter)
	sb := sandbox.New(set.sandbox, inv, comp("sandbox"))
	q := queue.New(set.queue, st.records, comp("queue"))
	reg := tenant.NewRegistry(st.repo, set.registry, comp("tenant"))
	coord := broadcast.New(set.broadcast, q, st.repo, broadcast.Options{
		Store:  st.records,
		Events: bus,
		Owner:  ownerChat(reg),
		Log:    comp("broadcast"),
	})
	host := tenant.NewHost(reg, st.repo, sb, q, set.host, comp("host"))

	newPlatform := opts.Platform
	if newPlatform == nil {
		newPlatform = func(cfg telegram.Config, h telegram.UpdateHandler, log logx.Logger) Platform {
			return telegram.New(cfg, h, log)
		}
	}
	plat := newPlatform(set.telegram, host.HandleUpdate, comp("telegram"))

	hostLog := comp("host")
	pool := delivery.New(set.delivery, q, plat, delivery.Options{
		Limiter: lim,
		OnBlocked: func(ctx context.Context, botID string, chatID int64) {
			if err := host.Unsubscribe(ctx, botID, chatID, "blocked"); err != nil {
				hostLog.Warn("unsubscribe failed", logx.BotID(botID), logx.ChatID(chatID), logx.Err(err))
			}
		},
		Events: bus,
		Log:    comp("delivery"),
	})

	a := &App{
		cfg:      cfg,
		log:      log,
		root:     root,
		logs:     logSvc,
		bus:      bus,
		stores:   st,
		limiter:  lim,
		sandbox:  sb,
		queue:    q,
		registry: reg,
		coord:    coord,
		host:     host,
		platform: plat,
		pool:     pool,
		notify:   systemd.NewNotifier(comp("systemd")),
		natsCfg:  set.nats,
	}

	if set.debug != nil {
		a.debug = debugsrv.New(*set.debug, func() any { return a.Snapshot() }, a.healthy, comp("debug"))
	}

	if set.maintain {
		mlog := comp("maintenance")
		a.maint = maintenance.New(set.maintenance, mlog)
		tasks := maintenance.StandardTasks(maintenance.Targets{Queue: q, Broadcasts: coord, Limiter: lim}, set.schedules, nil, mlog)
		for _, t := range tasks {
			if err := a.maint.Add(t); err != nil {
				_ = st.Close()
				_ = logSvc.Close()
				return nil, fmt.Errorf("maintenance task %s: %w", t.Name, err)
			}
		}
	}
	return a, nil
}

// ownerChat resolves where a bot's broadcast summaries go.
func ownerChat(reg *tenant.Registry) func(botID string) (int64, bool) {
	return func(botID string) (int64, bool) {
		b, ok := reg.Get(botID)
		if !ok || b.OwnerChatID == 0 {
			return 0, false
		}
		return b.OwnerChatID, true
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) healthy() bool { return a.sup != nil && a.sup.Err() == nil }

// Events exposes the lifecycle bus.
func (a *App) Events() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.registry.Load(run); err != nil {
		return err
	}
	restored, err := a.queue.Restore(run)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	resumed, err := a.coord.Resume(run)
	if err != nil {
		return fmt.Errorf("resume broadcasts: %w", err)
	}
	a.sup.Go("broadcast.coordinator", a.coord.Run)
	if err := a.pool.Start(run); err != nil {
		return err
	}

	running := a.attachAll(run)

	if a.maint != nil {
		a.maint.Start(run)
	}
	a.startEventMirror()
	a.startEventLog()
	a.startConfigReload()
	a.startDebug()

	a.notify.Ready()
	a.notify.Status(fmt.Sprintf("%d bots running", running))
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.notify.Watchdog(c, a.healthy)
	})

	a.log.Info("app started",
		logx.Int("bots", len(a.registry.List())),
		logx.Int("running", running),
		logx.Int("jobs_restored", restored),
		logx.Int("broadcasts_resumed", resumed),
	)
	return nil
}

// attachAll attaches every bot and starts the pollers of running ones. A bot
// whose poller cannot start is marked stopped with the error.
func (a *App) attachAll(ctx context.Context) int {
	running := 0
	for _, b := range a.registry.List() {
		log := a.log.With(logx.BotID(b.ID))
		err := a.platform.Attach(ctx, b.ID, b.Token)
		if err == nil && b.Status == tenant.StatusRunning {
			err = a.platform.StartPolling(ctx, b.ID)
		}
		switch {
		case err != nil:
			log.Warn("bot failed to start", logx.Secret("token", b.Token), logx.Err(err))
			if b.Status == tenant.StatusRunning {
				if _, serr := a.registry.SetStatus(ctx, b.ID, tenant.StatusStopped, err.Error()); serr != nil {
					log.Warn("bot status update failed", logx.Err(serr))
				}
			}
		case b.Status == tenant.StatusRunning:
			running++
		}
	}
	return running
}

// startEventMirror forwards bus events to NATS when configured. A broker
// that cannot be reached is not fatal.
func (a *App) startEventMirror() {
	if a.natsCfg.URL == "" {
		return
	}
	log := a.root.With(logx.String("comp", "nats"))
	nc, err := natsbridge.Connect(a.natsCfg, log)
	if err != nil {
		log.Warn("event mirror disabled", logx.Err(err))
		return
	}
	a.nc = nc
	a.bridge = natsbridge.New(nc, a.natsCfg, log)
	a.sup.Go0("events.nats", func(c context.Context) {
		if err := a.bridge.Run(c, a.bus); err != nil {
			log.Warn("event mirror stopped", logx.Err(err))
		}
	})
}

// startDebug runs the operator listener. It restarts on failure and never
// takes the engine down.
func (a *App) startDebug() {
	if a.debug == nil {
		return
	}
	log := a.root.With(logx.String("comp", "debug"))
	a.sup.GoRestart("debug.http", func(c context.Context) error {
		err := a.debug.Run(c)
		if errors.Is(err, debugsrv.ErrInsecureBind) {
			log.Error("debug listener refused", logx.String("addr", a.debug.Addr()), logx.Err(err))
			return nil
		}
		return err
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
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
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var stopErr error
	a.stopOnce.Do(func() { stopErr = a.stop(ctx, reason) })
	return stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if err := a.runStep(ctx, name, limit, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error {
		if a.maint != nil {
			return a.maint.Stop(c)
		}
		return nil
	})
	step("platform", 3*time.Second, func(c context.Context) error { a.platform.Close(c); return nil })
	step("delivery", 5*time.Second, a.pool.Stop)
	step("broadcast", 2*time.Second, func(context.Context) error { a.coord.Close(); return nil })
	step("queue", 1*time.Second, func(context.Context) error { a.queue.Close(); return nil })
	step("nats", 1*time.Second, func(context.Context) error {
		if a.nc != nil {
			return a.nc.Drain()
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.stores.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, coordinator, etc.)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// runStep runs one shutdown step bounded by max so a stuck component cannot
// stall the whole stop. A step that overruns keeps running in the
// background and its eventual completion is logged.
func (a *App) runStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
		return stepCtx.Err()
	}
}
