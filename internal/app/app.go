package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wakecall/internal/bot"
	"wakecall/internal/config"
	"wakecall/internal/delivery"
	"wakecall/internal/device"
	"wakecall/internal/eventbus"
	"wakecall/internal/interrupt"
	"wakecall/internal/notifier"
	"wakecall/internal/observability/httpd"
	"wakecall/internal/platform"
	"wakecall/internal/runtime/supervisor"
	"wakecall/internal/schedule"
	"wakecall/internal/storage"
	"wakecall/internal/telephony"
	kit "wakecall/internal/transport"
	telegram "wakecall/internal/transport/telegram/adapter"
	"wakecall/internal/transport/telegram/router"
	"wakecall/internal/trigger"
	"wakecall/internal/users"
	logx "wakecall/pkg/logx"
)

// App is the wakecall daemon: the schedule store, the trigger scheduler,
// delivery and the optional interrupt presenter and Telegram controls.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	users     *users.Directory
	schedules *schedule.Service
	trigger   *trigger.Service
	delivery  *delivery.Dispatcher
	presenter *interrupt.Presenter // nil when interrupt.enabled is false
	notif     *notifier.Service

	// Telegram side; all nil without a bot token.
	adapter *telegram.Adapter
	router  *router.Router
	bot     *bot.Bot
	updates chan kit.Update

	unit  *platform.UnitProbe
	sd    *platform.Notifier
	debug *httpd.Service

	started time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The remote sink gets its sender once the adapter exists.
	logSvc, log := logx.New(mapLogging(cfg), nil)
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.Component("app"),
		logs:    logSvc,
		bus:     eventbus.New(),
	}
	if err := a.build(cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d == "none" || d == "memory" || d == "" {
		a.log.Warn("storage is in memory; schedules will not survive a restart")
	}
	a.store, err = storage.Open(sc, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.users = users.New(mapUsers(cfg))
	a.schedules, err = schedule.New(schedule.Config{Timezone: cfg.Scheduler.Timezone}, a.store, a.users, log)
	if err != nil {
		return err
	}

	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return err
		}
		a.adapter, err = telegram.New(telegram.Config{
			Token:       tok,
			PollTimeout: pollTimeout,
			LogChatID:   logTarget(cfg),
			LogThreadID: cfg.Logging.Telegram.ThreadID,
		}, log)
		if err != nil {
			return err
		}
		a.logs.SetSender(a.adapter)
		a.router = router.New(a.adapter, cfg.Telegram.OwnerUserIDs, log)
		a.updates = make(chan kit.Update, 256)
	}

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	var sender kit.Sender
	if a.adapter != nil {
		sender = a.adapter
	}
	a.notif = notifier.New(ncfg, sender, a.store, a.users, log, a.bus)

	if cfg.Interrupt.Enabled {
		icfg, err := mapInterrupt(cfg)
		if err != nil {
			return err
		}
		a.presenter = interrupt.New(icfg, a.resources(cfg, log), log, a.bus, a.onResolve)
	}

	dcfg, err := mapDelivery(cfg)
	if err != nil {
		return err
	}
	opts := []delivery.Option{
		delivery.WithReporter(a.notif),
		delivery.WithAuditor(a.store),
		delivery.WithBus(a.bus),
	}
	if a.presenter != nil {
		opts = append(opts, delivery.WithPresenter(a.presenter))
	}
	tcfg, err := mapTelephony(cfg)
	if err != nil {
		return err
	}
	caller, err := telephony.New(tcfg, a.store, log)
	switch {
	case errors.Is(err, telephony.ErrDisabled):
		a.log.Info("telephony disabled; REMOTE_CALL deliveries will fail")
	case err != nil:
		return fmt.Errorf("telephony: %w", err)
	default:
		opts = append(opts, delivery.WithCaller(caller))
	}
	a.delivery = delivery.New(dcfg, log, opts...)

	trcfg, err := mapTrigger(cfg)
	if err != nil {
		return err
	}
	a.trigger = trigger.New(trcfg, a.schedules, a.delivery, log, a.bus)
	a.schedules.SetListener(a.trigger)
	if rtc := cfg.Platform.RTC; rtc.Enabled {
		lead, err := config.ParseDurationOrDefault("platform.rtc.lead", rtc.Lead, time.Minute)
		if err != nil {
			return err
		}
		a.trigger.SetPlatformAlarm(device.NewRTCAlarm(rtc.Path, lead))
	}
	retention, spec, err := auditPolicy(cfg)
	if err != nil {
		return err
	}
	if retention > 0 {
		if err := a.trigger.AddJob("audit.prune", spec, a.pruneAudit(retention)); err != nil {
			return err
		}
	}

	if u := strings.TrimSpace(cfg.Platform.Unit); u != "" {
		a.unit = platform.NewUnitProbe(u, cfg.Platform.UserUnit)
	}
	if cfg.Platform.SdNotify {
		a.sd = platform.NewNotifier(log)
	}
	hcfg, err := mapDebug(cfg)
	if err != nil {
		return err
	}
	a.debug = httpd.New(hcfg, func(ctx context.Context) any { return a.Status(ctx) }, log)

	if a.router != nil {
		deps := bot.Deps{
			Schedules:  a.schedules,
			Trigger:    a.trigger,
			Deliveries: a.delivery,
			Users:      a.users,
			Help:       a.router.Help,
		}
		if a.presenter != nil {
			deps.Interrupts = a.presenter
		}
		if a.unit != nil {
			deps.Unit = a.unit
		}
		a.bot = bot.New(deps, log)
	}
	return nil
}

// resources builds the host drivers from the interrupt section. A driver that
// is switched off stays nil so the presenter records it as degraded.
func (a *App) resources(cfg *config.Config, log logx.Logger) interrupt.Resources {
	ic := cfg.Interrupt
	var res interrupt.Resources
	if ic.WakeLock {
		res.WakeLock = device.NewWakeLock(device.LogindInhibitor("wakecall"), log)
	}
	if ic.Audio.Enabled {
		res.Audio = device.NewAlarm(mapAudio(cfg), log)
	}
	if ic.Vibration.Enabled {
		path := strings.TrimSpace(ic.Vibration.Path)
		if path == "" {
			path = device.DefaultVibratorPath
		}
		res.Vibrator = device.NewSysfsVibrator(path, log)
	}
	var surfaces device.Fanout
	if ic.Surfaces.Console {
		surfaces = append(surfaces, device.NewConsole(os.Stdout))
	}
	if ic.Surfaces.Telegram && a.adapter != nil {
		surfaces = append(surfaces, bot.NewSurface(a.adapter, a.users, log))
	}
	if len(surfaces) > 0 {
		res.Surface = surfaces
	}
	return res
}

// onResolve runs on the presenter's actor goroutine.
func (a *App) onResolve(r interrupt.Result) {
	fields := []logx.Field{
		logx.Uint64("session", r.Session),
		logx.String("id", r.ScheduleID),
		logx.String("resolution", r.Resolution.String()),
		logx.Duration("rang", r.Resolved.Sub(r.Raised)),
	}
	if len(r.Degraded) > 0 {
		fields = append(fields, logx.Strings("degraded", r.Degraded))
	}
	if r.TeardownErr != nil {
		a.log.Warn("interrupt teardown incomplete", append(fields, logx.Err(r.TeardownErr))...)
	} else {
		a.log.Info("interrupt resolved", fields...)
	}

	detail := r.Resolution.String()
	if r.TeardownErr != nil {
		detail += ": " + r.TeardownErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.store.AppendAudit(ctx, schedule.AuditEntry{
		Time:       r.Resolved,
		ScheduleID: r.ScheduleID,
		UserID:     r.UserID,
		Action:     "interrupt",
		Detail:     detail,
	})
	if err != nil {
		a.log.Warn("audit append failed", logx.String("id", r.ScheduleID), logx.Err(err))
	}
}

func (a *App) pruneAudit(retention time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		before := time.Now().Add(-retention)
		n, err := a.store.PruneAudit(ctx, before)
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("audit pruned", logx.Int("removed", n), logx.Time("before", before))
		}
		return nil
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

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(a.validateReload)

	if a.presenter != nil {
		a.presenter.Start(a.sup.Context())
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.router.Register(a.sup.Context(), a.bot.Commands(), a.bot.Callbacks())
		a.sup.Go("router.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
	}

	// Start recovers PENDING records before returning, so READY below means
	// every missed instant has been handled.
	if err := a.trigger.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("trigger start: %w", err)
	}
	snap := a.trigger.Snapshot()

	cfg := a.cfgm.Get()
	if cfg.Platform.WatchResume {
		a.sup.GoRestart("platform.resume", func(c context.Context) error {
			return platform.WatchResume(c, a.log.Component("resume"), func(c context.Context) {
				if err := a.trigger.Reconcile(c); err != nil {
					a.log.Warn("reconcile after resume failed", logx.Err(err))
				}
			})
		}, supervisor.WithRestartBackoff(time.Second, time.Minute), supervisor.WithMaxRestarts(10))
	}
	if cfg.Platform.Autostart {
		a.ensureAutostart()
	}

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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}
	if a.sd != nil {
		a.sd.Ready(fmt.Sprintf("%d pending", len(snap.Armed)))
		a.sup.Go("sd.watchdog", a.sd.Watchdog)
	}
	a.log.Info("app started",
		logx.Int("armed", len(snap.Armed)),
		logx.Bool("interrupt", a.presenter != nil),
		logx.Bool("telegram", a.adapter != nil),
	)
	return nil
}

func (a *App) ensureAutostart() {
	cfgPath, err := filepath.Abs(a.cfgPath)
	if err != nil {
		cfgPath = a.cfgPath
	}
	as, err := platform.NewAutostart("wakecall", "serve", "--config", cfgPath)
	if err != nil {
		a.log.Warn("autostart unavailable", logx.Err(err))
		return
	}
	if as.Enabled() {
		return
	}
	if err := as.Set(true); err != nil {
		a.log.Warn("autostart registration failed", logx.Err(err))
		return
	}
	a.log.Info("autostart registered", logx.Strings("exec", as.Exec()))
}

// validateReload rejects a users section that drops someone who still has
// PENDING schedules; their records would fire with no phone or chat.
func (a *App) validateReload(ctx context.Context, cfg *config.Config) error {
	keep := make(map[string]bool, len(cfg.Users))
	for _, u := range cfg.Users {
		keep[strings.TrimSpace(u.ID)] = true
	}
	recs, err := a.schedules.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status == schedule.Pending && !keep[rec.UserID] {
			if _, known := a.users.Get(rec.UserID); known {
				return fmt.Errorf("users: %q still has pending schedule %s", rec.UserID, rec.ID)
			}
		}
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	if a.sd != nil {
		a.sd.Reloading()
		defer a.sd.Ready("")
	}
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogging(newCfg))
	a.users.Apply(mapUsers(newCfg))
	if a.router != nil {
		a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}
	if dcfg, err := mapDelivery(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.delivery.Apply(dcfg)
	}

	if ncfg, err := mapNotifier(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if hcfg, err := mapDebug(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, hcfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sd != nil {
		a.sd.Stopping()
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// respect the caller's deadline; never extend it
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
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
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The trigger goes first so no new fire reaches a stopping presenter.
	step("trigger", 3*time.Second, a.trigger.Stop)
	if a.presenter != nil {
		step("interrupt", 3*time.Second, a.presenter.Stop)
	}
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, a.adapter.Stop)
	}
	if a.unit != nil {
		step("unit", time.Second, func(context.Context) error { return a.unit.Close() })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
