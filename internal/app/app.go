// Package app wires the agent: config, logging, shared store, lease and
// cooldown services, the scheduler loop, the command queue and its remote
// transport, notifications and the service manager.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pacer/internal/actions"
	"pacer/internal/arbiter"
	"pacer/internal/clock"
	"pacer/internal/config"
	"pacer/internal/cooldown"
	"pacer/internal/eventbus"
	"pacer/internal/lease"
	"pacer/internal/notifier"
	rtsup "pacer/internal/runtime/supervisor"
	"pacer/internal/storage"
	"pacer/internal/sysd"
	"pacer/internal/task/queue"
	"pacer/internal/task/scheduler"
	kit "pacer/internal/transport"
	"pacer/internal/transport/telegram"
	logx "pacer/pkg/logx"
)

// Env is handed to Deps.Build so executors can use the shared services.
type Env[S any] struct {
	Config    *config.Config
	Registry  *actions.Registry[S]
	Cooldowns *cooldown.Store
	Selector  *cooldown.Selector
	Clock     clock.Clock
	Log       logx.Logger
}

// Deps are the domain collaborators: the session handle, its executors and
// the optional external timer supplier.
type Deps[S any] struct {
	Session S
	Timers  scheduler.TimerSupplier
	// Build registers executors once the shared services exist.
	Build func(env Env[S]) error
}

type App[S any] struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store     storage.Store
	clock     clock.Clock
	leases    *lease.Coordinator
	cooldowns *cooldown.Store
	arb       *arbiter.Arbiter[S]
	execs     *actions.Registry[S]

	sched    *scheduler.Service[S]
	queue    *queue.Service[S]
	notif    *notifier.Service
	adapter  *telegram.Adapter
	dispatch *telegram.Dispatcher
	sd       *sysd.Notifier

	sup *rtsup.Supervisor

	stopMu     sync.Mutex
	stopReason StopReason
}

func New[S any](cfgPath string, deps Deps[S]) (*App[S], error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var ad *telegram.Adapter
	if cfg.Telegram != nil && strings.TrimSpace(cfg.Telegram.Token) != "" {
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll},
			logx.NewConsole(cfg.Logging.Level))
		if err != nil {
			return nil, err
		}
	}

	var logSender kit.Adapter
	if ad != nil {
		logSender = ad
	}
	logs, root := logx.New(logConfig(cfg), logSender)
	if cfg.Telegram != nil {
		logs.SetTelegramTarget(kit.ChatTarget{ChatID: cfg.Telegram.NotifyChat, ThreadID: cfg.Telegram.NotifyThreadID})
	}
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	sc, opTimeout, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	clk := newClock(cfg, root)
	holder := strings.TrimSpace(cfg.Agent.ID)
	if holder == "" {
		holder = lease.NewHolderID()
	}
	leases := lease.New(store,
		lease.WithHolder(holder),
		lease.WithOpTimeout(opTimeout),
		lease.WithLogger(root.With(logx.String("comp", "lease"))))
	cooldowns := cooldown.NewStore(store,
		cooldown.WithOpTimeout(opTimeout),
		cooldown.WithLogger(root.With(logx.String("comp", "cooldown"))))
	selector := cooldown.NewSelector(cooldowns, clk,
		cooldown.WithSelf(holder, cfg.Agent.Locale),
		cooldown.WithSelectorLogger(root.With(logx.String("comp", "selector"))))

	execs := actions.NewRegistry[S]()
	if deps.Build != nil {
		if err := deps.Build(Env[S]{
			Config:    cfg,
			Registry:  execs,
			Cooldowns: cooldowns,
			Selector:  selector,
			Clock:     clk,
			Log:       root.With(logx.String("comp", "actions")),
		}); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("build executors: %w", err)
		}
	}

	bus := eventbus.New()
	arb := arbiter.New(deps.Session)

	ncfg, err := notifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var sender notifier.Sender
	if ad != nil {
		sender = ad
	}
	notif := notifier.New(ncfg, sender,
		notifier.WithLogger(root),
		notifier.WithDedupStore(store))

	q := queue.New(queueConfig(cfg), arb,
		queue.WithAuditor[S](store),
		queue.WithBus[S](bus),
		queue.WithLogger[S](root),
		queue.WithHousekeeping[S](func(ctx context.Context) { clk.Domain(ctx) }))

	sd := sysd.New(stallAfter(cfg), sysd.WithLogger(root))

	a := &App[S]{
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		bus:       bus,
		store:     store,
		clock:     clk,
		leases:    leases,
		cooldowns: cooldowns,
		arb:       arb,
		execs:     execs,
		queue:     q,
		notif:     notif,
		adapter:   ad,
		sd:        sd,
	}

	schedOpts := []scheduler.Option[S]{
		scheduler.WithGuard[S](lease.NewGuard(leases, time.Now().UnixNano())),
		scheduler.WithBus[S](bus),
		scheduler.WithHeartbeat[S](sd.Beat),
		scheduler.WithLogger[S](root),
	}
	if deps.Timers != nil {
		schedOpts = append(schedOpts, scheduler.WithSupplier[S](deps.Timers))
	}
	a.sched = scheduler.New(scheduler.SourceFunc(a.cycle), execs, arb, schedOpts...)

	cmds := &commands[S]{
		sched:     a.sched,
		cooldowns: cooldowns,
		leases:    leases,
		clock:     clk,
		stop:      a.requestStop,
		extra:     a.statusExtra,
	}
	if err := cmds.register(q); err != nil {
		_ = store.Close()
		return nil, err
	}
	if ad != nil {
		a.dispatch = &telegram.Dispatcher{
			Owners:  func() []int64 { return owners(cfgm.Get()) },
			Queue:   q,
			Replies: ad,
			Log:     root.With(logx.String("comp", "commands")),
		}
	}
	log.Info("agent configured",
		logx.String("holder", holder),
		logx.String("storage", sc.Driver),
		logx.Strings("executors", execs.Names()),
		logx.Bool("telegram", ad != nil))
	return a, nil
}

func validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for name, f := range cfg.Features {
		if strings.TrimSpace(f.Schedule) == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(f.Schedule); err != nil {
			return fmt.Errorf("features.%s.schedule: %w", name, err)
		}
	}
	_, err := notifierConfig(cfg)
	return err
}

func newClock(cfg *config.Config, log logx.Logger) clock.Clock {
	url := strings.TrimSpace(cfg.Clock.DomainURL)
	if url == "" {
		return clock.Wall{}
	}
	opts := []clock.Option{clock.WithLogger(log.With(logx.String("comp", "clock")))}
	if d, err := config.ParseDurationField("clock.timeout", cfg.Clock.Timeout); err == nil && d > 0 {
		opts = append(opts, clock.WithTimeout(d))
	}
	if d, err := config.ParseDurationField("clock.refresh_every", cfg.Clock.RefreshEvery); err == nil && d > 0 {
		opts = append(opts, clock.WithRefreshEvery(d))
	}
	return clock.New(clock.HTTPDateSource{URL: url}, opts...)
}

// stallAfter must exceed the longest sleep the loop can choose.
func stallAfter(cfg *config.Config) time.Duration {
	return 2*schedulerConfig(cfg).MaxPoll + 2*time.Minute
}

// cycle is the scheduler's per-iteration view of the current config.
func (a *App[S]) cycle() scheduler.Cycle {
	return cycle(a.cfgm.Get(), a.queue.Len())
}

func (a *App[S]) statusExtra() string {
	holder, since := a.arb.Holder()
	s := "session: free"
	if holder != "" {
		s = fmt.Sprintf("session: %s for %s", holder, time.Since(since).Round(time.Second))
	}
	ns := a.notif.Stats()
	return fmt.Sprintf("%s\nnotifier: sent %d, failed %d, dropped %d", s, ns.Sent, ns.Failed, ns.Dropped)
}

// Done is closed once the app context is cancelled (stop command or fatal error).
func (a *App[S]) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// StopReason reports why Done was closed.
func (a *App[S]) StopReason() StopReason {
	a.stopMu.Lock()
	defer a.stopMu.Unlock()
	switch {
	case a.stopReason != "":
		return a.stopReason
	case a.sup != nil && a.sup.Err() != nil:
		return StopFatalError
	default:
		return StopUnknown
	}
}

func (a *App[S]) requestStop(reason StopReason) {
	a.stopMu.Lock()
	if a.stopReason == "" {
		a.stopReason = reason
	}
	a.stopMu.Unlock()
	a.log.Warn("stop requested", logx.String("reason", string(reason)))
	if a.sup != nil {
		// let the command's reply go out before the context is gone
		time.AfterFunc(500*time.Millisecond, a.sup.Cancel)
	}
}

func (a *App[S]) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	restart := []rtsup.RestartOption{
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	}

	a.sup.GoRestart("notifier", a.notif.Run, restart...)
	a.sup.GoRestart("queue.worker", a.queue.Run, restart...)
	a.sup.GoRestart("scheduler", a.sched.Run, restart...)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, restart...)
	a.sup.Go0("config.apply", a.applyLoop)
	a.sup.Go0("events.forward", a.forwardEvents)
	a.sup.Go("sysd.watchdog", a.sd.Run)

	if a.adapter != nil {
		in := make(chan kit.Message, 64)
		if err := a.adapter.Start(a.sup.Context(), in); err != nil {
			return err
		}
		a.sup.GoRestart("commands.dispatch", func(c context.Context) error {
			return a.dispatch.Run(c, in)
		}, restart...)
	}

	a.sd.Ready()
	a.sd.Status("running")
	a.log.Info("agent started")
	a.notif.Notify("agent started")
	return nil
}

// applyLoop pushes reloaded settings into the services that cache them.
// The scheduler needs nothing here: it reads the config every cycle.
func (a *App[S]) applyLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe()
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.sd.Reloading()
			if cfg.Telegram != nil {
				a.logs.SetTelegramTarget(kit.ChatTarget{ChatID: cfg.Telegram.NotifyChat, ThreadID: cfg.Telegram.NotifyThreadID})
			}
			a.logs.Apply(logConfig(cfg))
			if ncfg, err := notifierConfig(cfg); err == nil {
				a.notif.Apply(ncfg)
			}
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded})
			a.sched.Wake()
			a.sd.Ready()
		}
	}
}

// forwardEvents turns bus events into operator notifications.
func (a *App[S]) forwardEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type))
			if msg := notification(e); msg != "" {
				a.notif.Notify(msg)
			}
		}
	}
}

func notification(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case eventbus.ActionData:
		switch e.Type {
		case eventbus.TypeActionFailed:
			return fmt.Sprintf("%s failed: %s", d.Feature, d.Err)
		case eventbus.TypeSharedTaskRun:
			return fmt.Sprintf("%s done (shared, %s)", d.Feature, d.Took.Round(time.Second))
		}
	case eventbus.JobData:
		if !d.OK && d.Source != "telegram" {
			return fmt.Sprintf("command %s failed: %s", d.Action, d.Err)
		}
	}
	return ""
}

func (a *App[S]) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.queue.Stop()
	a.arb.Close()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}
	if a.adapter != nil {
		step("telegram", 3*time.Second, a.adapter.Stop)
	}
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
