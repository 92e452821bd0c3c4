package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wadispatch/internal/campaign"
	"wadispatch/internal/channel"
	"wadispatch/internal/dispatch"
	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/jobs"
	"wadispatch/internal/notifier"
	"wadispatch/internal/ratelimit"
	"wadispatch/internal/receipts"
	"wadispatch/internal/report"
	"wadispatch/internal/storage"
	"wadispatch/internal/task/engine"
	"wadispatch/internal/task/scheduler"
	"wadispatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	registry *channel.Registry
	router   *channel.Router
	limiter  *ratelimit.Limiter
	receipts receipts.Cache
	operator *operatorSink
	reporter *report.Reporter

	queue     *dispatch.Queue
	campaigns *campaign.Orchestrator
	jobs      *jobs.Jobs

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		registry: channel.NewRegistry(),
	}
	a.router = channel.NewRouter(a.registry)
	if err := buildDrivers(cfg, a.router, log); err != nil {
		return nil, err
	}
	a.operator = &operatorSink{router: a.router, registry: a.registry}
	a.operator.setTarget(cfg.Logging.Operator.ChannelID, cfg.Logging.Operator.Recipient)
	logSvc.SetSender(a.operator)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	octx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, err := storage.Open(octx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = store
	log.Info("storage ready", logx.String("driver", sc.Driver))

	rl, err := mapRateLimit("rate_limit", cfg.RateLimit)
	if err != nil {
		return nil, a.abort(err)
	}
	a.limiter = ratelimit.New(rl, ratelimit.WithLogger(log.With(logx.String("comp", "ratelimit"))))

	rs, err := mapReceiptsConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	switch rs.driver {
	case "valkey":
		vc, err := receipts.NewValkey(octx, rs.valkey)
		if err != nil {
			return nil, a.abort(err)
		}
		a.receipts = vc
	case "none":
		a.receipts = receipts.Nop{}
	default:
		a.receipts = receipts.NewMemory(rs.ttl)
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.notif = notifier.New(ncfg, a.bus, store, log.With(logx.String("comp", "notifier")))

	a.reporter = report.New(a.router, a.registry, log.With(logx.String("comp", "report")))
	a.reporter.SetTarget(cfg.Reporter.ChannelID, cfg.Reporter.Recipient)
	return a, nil
}

// abort releases what NewApp opened before failing.
func (a *App) abort(err error) error {
	if a.receipts != nil {
		_ = a.receipts.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	return err
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

// Campaigns and Queue are nil until Start returns.
func (a *App) Campaigns() *campaign.Orchestrator { return a.campaigns }
func (a *App) Queue() *dispatch.Queue            { return a.queue }
func (a *App) Limiter() *ratelimit.Limiter       { return a.limiter }
func (a *App) Scheduler() *scheduler.Service     { return a.sched }

// SendAdHoc persists a one-off message and queues it, or leaves it pending
// for the due scan when at is in the future.
func (a *App) SendAdHoc(ctx context.Context, channelID, target string, p domain.Payload, at *time.Time) (domain.Message, error) {
	if _, ok := a.registry.Get(channelID); !ok {
		return domain.Message{}, fmt.Errorf("%w: %s", channel.ErrUnknownChannel, channelID)
	}
	m := domain.Message{ChannelID: channelID, Target: target, Payload: p, ScheduledFor: at}
	if err := a.store.CreateMessage(ctx, &m); err != nil {
		return domain.Message{}, err
	}
	if m.Due(time.Now()) {
		if _, err := a.queue.Enqueue(m); err != nil {
			return m, err
		}
	}
	return m, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	cfg := a.cfgm.Get()

	ds, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.queue = dispatch.New(a.sup, a.store, a.limiter, a.router,
		dispatch.WithBus(a.bus),
		dispatch.WithLogger(a.log.With(logx.String("comp", "dispatch"))),
		dispatch.WithReceipts(a.receipts),
		dispatch.WithReadyCheck(a.registry.IsConnected),
		dispatch.WithHumanDelay(ds.delayMin, ds.delayMax),
		dispatch.WithStoreRetry(ds.storeRetry),
	)
	a.registry.OnRemove(func(channelID string) {
		n := a.queue.Drop(channelID)
		a.limiter.Forget(channelID)
		a.log.Debug("channel state dropped", logx.String("channel_id", channelID), logx.Int("backlog", n))
	})

	a.campaigns = campaign.New(a.store, a.registry, a.queue,
		campaign.WithBus(a.bus),
		campaign.WithLogger(a.log.With(logx.String("comp", "campaign"))),
		campaign.WithReporter(a.reporter),
		campaign.WithLocation(a.sched.Location()),
	)
	a.queue.SetOnSettled(a.campaigns.OnSettled)

	if err := a.syncChannels(ctx, cfg); err != nil {
		a.log.Warn("channel sync incomplete", logx.Err(err))
	}

	a.jobs = jobs.New(jobs.Deps{
		Store:     a.store,
		Queue:     a.queue,
		Campaigns: a.campaigns,
		Channels:  a.registry,
		Prober:    a.router,
		Limiter:   a.limiter,
		Bus:       a.bus,
		Log:       a.log.With(logx.String("comp", "jobs")),
		Location:  a.sched.Location,
	}, jobs.Config{})
	jc, err := mapJobsConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.jobs.Register(a.sched, jc); err != nil {
		return err
	}

	if _, err := a.queue.Recover(ctx); err != nil {
		return err
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		for _, f := range []func(*Config) error{
			func(c *Config) error { _, err := mapTaskEngineConfig(c); return err },
			func(c *Config) error { _, err := mapNotifierConfig(c); return err },
			func(c *Config) error { _, err := mapJobsConfig(c); return err },
			func(c *Config) error { _, err := mapDispatchConfig(c); return err },
			func(c *Config) error { _, err := mapStorageConfig(c); return err },
		} {
			if err := f(cfg); err != nil {
				return err
			}
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	// Learn channel states now rather than at the first reconcile tick.
	if err := a.sched.RunNow(jobs.JobChannelReconcile); err != nil {
		a.log.Warn("initial channel reconcile not queued", logx.Err(err))
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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
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

	a.log.Info("app started",
		logx.Int("channels", len(cfg.Channels)),
		logx.Any("drivers", a.router.Drivers()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs, changedChannels := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	has := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}
	for _, s := range []string{"storage", "drivers", "receipts", "task_engine"} {
		if has(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if has("logging") {
		a.operator.setTarget(newCfg.Logging.Operator.ChannelID, newCfg.Logging.Operator.Recipient)
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	if has("rate_limit") {
		if rl, err := mapRateLimit("rate_limit", newCfg.RateLimit); err != nil {
			a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
		} else {
			a.limiter.SetDefaults(rl)
		}
	}

	if has("dispatch") {
		if ds, err := mapDispatchConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.queue.SetDefaultHumanDelay(ds.delayMin, ds.delayMax)
		}
	}

	if len(changedChannels) > 0 {
		if err := a.syncChannels(ctx, newCfg); err != nil {
			a.log.Warn("channel sync incomplete", logx.Err(err))
		}
		// New channels should not wait for the next reconcile tick.
		if err := a.sched.RunNow(jobs.JobChannelReconcile); err != nil {
			a.log.Debug("channel reconcile not queued", logx.Err(err))
		}
	}

	if has("reporter") {
		a.reporter.SetTarget(newCfg.Reporter.ChannelID, newCfg.Reporter.Recipient)
	}

	if has("scheduler") {
		a.sched.Apply(mapSchedulerConfig(newCfg))
		if jc, err := mapJobsConfig(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else if err := a.jobs.Register(a.sched, jc); err != nil {
			a.log.Warn("job schedules not updated", logx.Err(err))
		}
	}

	if has("notifier") {
		prevEnabled := a.notif.Enabled()
		ncfg, err := mapNotifierConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
			nowEnabled := a.notif.Enabled()
			if prevEnabled && !nowEnabled {
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			} else if !prevEnabled && nowEnabled {
				a.log.Info("notifier enabled via config")
				a.notif.Start(ctx)
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
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
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first, then the workers they feed, then the lanes.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// Lanes finish their in-flight send and settle it before returning.
	step("dispatch", 10*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("receipts", 1*time.Second, func(context.Context) error { return a.receipts.Close() })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
