package app

import (
	"context"
	"time"

	"adbot/internal/commands"
	"adbot/internal/config"
	"adbot/internal/errors"
	"adbot/internal/eventbus"
	"adbot/internal/jobs"
	"adbot/internal/jobs/delivery"
	"adbot/internal/jobs/mutation"
	"adbot/internal/jobs/reconcile"
	"adbot/internal/jobs/scheduler"
	"adbot/internal/panel"
	"adbot/internal/remote"
	rtsup "adbot/internal/runtime/supervisor"
	"adbot/internal/storage"
	kit "adbot/internal/transport"
	telegram "adbot/internal/transport/telegram/adapter"
	logx "adbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	set  config.Settings
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	remote  *remote.Client

	cache    *jobs.Cache
	timers   *scheduler.CronTimers
	sched    *scheduler.Service
	delivery *delivery.Pipeline
	sync     *reconcile.Engine
	jobs     *mutation.Service
	cmdm     *commands.Manager
	panel    *panel.Server

	started time.Time
	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: set.Token, PollTimeout: set.PollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(loggingConfig(cfg), ad)
	logSvc.SetChatTarget(set.GroupLog)
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(storage.Config{
		Driver:      set.StorageDriver,
		Path:        set.StoragePath,
		BusyTimeout: set.BusyTimeout,
	}, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, errors.Wrap(err, "open storage")
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", set.StorageDriver))
	}

	rem, err := remote.New(remote.Config{
		BaseURL: set.RemoteBaseURL,
		Token:   set.RemoteToken,
		Timeout: set.RemoteTimeout,
	}, log.With(logx.String("comp", "remote")))
	if err != nil {
		closeStore(store)
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	cache := jobs.NewCache()

	var (
		deliveryOpts  = []delivery.Option{delivery.WithBus(bus)}
		reconcileOpts = []reconcile.Option{reconcile.WithBus(bus)}
		cmdAudit      commands.Auditor
		panelAudit    panel.Audit
	)
	if store != nil {
		deliveryOpts = append(deliveryOpts, delivery.WithLedger(store))
		reconcileOpts = append(reconcileOpts, reconcile.WithLedger(store))
		cmdAudit, panelAudit = store, store
	}

	pipe := delivery.New(deliveryConfig(set), cache, ad, rem, log.With(logx.String("comp", "delivery")), deliveryOpts...)
	timers := scheduler.NewCronTimers(log.With(logx.String("comp", "timers")), set.Location)
	sched := scheduler.New(timers, pipe, log.With(logx.String("comp", "scheduler")))
	engine := reconcile.New(syncConfig(set), cache, sched, rem, log.With(logx.String("comp", "reconcile")), reconcileOpts...)
	mut := mutation.New(cache, sched, rem, log.With(logx.String("comp", "mutation")),
		mutation.WithBus(bus), mutation.WithTombstone(set.GracePeriod))

	cmdm := commands.NewManager(log, ad, set.OwnerUserIDs)
	loc := set.Location
	cmdm.Register(commands.AdsCommands(commands.AdsDeps{
		Jobs:     mut,
		Sync:     engine,
		Audit:    cmdAudit,
		Location: func() *time.Location { return loc },
	})...)

	a := &App{
		cfgm:     cfgm,
		set:      set,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		remote:   rem,
		cache:    cache,
		timers:   timers,
		sched:    sched,
		delivery: pipe,
		sync:     engine,
		jobs:     mut,
		cmdm:     cmdm,
		updates:  make(chan kit.Update, 256),
	}

	if set.PanelEnabled {
		a.panel = panel.New(panel.Config{
			Addr:            set.PanelAddr,
			Token:           set.PanelToken,
			ConfirmAttempts: set.ConfirmAttempts,
			ConfirmBackoff:  set.ConfirmBackoff,
			MembershipDays:  set.MembershipDays,
			Pprof:           set.PanelPprof,
		}, panel.Deps{
			Groups:    ad,
			Authority: rem,
			Sync:      engine,
			Audit:     panelAudit,
			Status:    a.status,
		}, log.With(logx.String("comp", "panel")))
	}
	return a, nil
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

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	c := a.sup.Context()

	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}
	menuCtx, cancel := context.WithTimeout(c, 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(menuCtx, a.cmdm.MenuCommands()); err != nil {
		a.log.Warn("set command menu failed", logx.Err(err))
	}
	cancel()

	a.sched.Start(c)
	a.sup.GoRestart("reconcile", a.sync.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)
	if a.panel != nil {
		a.panel.Start(c)
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

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
				if e.Type == jobs.EventJobRemoved {
					a.forgetLastSent(c, e)
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("panel", a.panel != nil),
		logx.Bool("storage", a.store != nil),
		logx.Duration("sync_interval", a.set.SyncInterval),
	)
	return nil
}

func (a *App) forgetLastSent(ctx context.Context, e eventbus.Event) {
	if a.store == nil {
		return
	}
	key, ok := e.Data.(jobs.Key)
	if !ok {
		return
	}
	if err := a.store.ForgetLastSent(ctx, key.String()); err != nil {
		a.log.Warn("forget last sent failed", logx.String("key", key.String()), logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
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
		}
	}

	step("panel", 3*time.Second, func(c context.Context) error {
		if a.panel != nil {
			a.panel.Stop(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("delivery", 3*time.Second, a.delivery.Wait)
	step("reconcile", 2*time.Second, a.sync.Wait)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func closeStore(s storage.Store) {
	if s != nil {
		_ = s.Close()
	}
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func syncConfig(s config.Settings) reconcile.Config {
	return reconcile.Config{
		Interval:     s.SyncInterval,
		InitialDelay: s.InitialDelay,
		GracePeriod:  s.GracePeriod,
		GroupDelay:   s.GroupDelay,
	}
}

func deliveryConfig(s config.Settings) delivery.Config {
	return delivery.Config{
		Timeout:    s.DeliveryTimeout,
		RatePerSec: s.DeliveryRate,
		Burst:      s.DeliveryBurst,
	}
}
