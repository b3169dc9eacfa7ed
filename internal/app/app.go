package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/config"
	"gatebot/internal/eventbus"
	"gatebot/internal/gate"
	"gatebot/internal/membership"
	"gatebot/internal/runtime/sdnotify"
	"gatebot/internal/runtime/supervisor"
	"gatebot/internal/storage"
	"gatebot/internal/task/scheduler"
	kit "gatebot/internal/transport"
	telegram "gatebot/internal/transport/telegram/adapter"
	"gatebot/internal/transport/telegram/router"
	"gatebot/internal/verification"
	logx "gatebot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	router  *router.Router

	admins  *gate.AdminSet
	ledger  *verification.Ledger
	gate    *gate.Gate
	sweeper *gate.Sweeper
	server  *verification.Server
	sched   *scheduler.Service

	sessions      broadcast.SessionStore
	closeSessions func()
	dispatcher    *broadcast.Dispatcher

	notify  *sdnotify.Notifier
	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bootLog := logx.NewConsole("INFO").Component("telegram")
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    cfg.Telegram.PollTimeoutDur(),
		RequestTimeout: cfg.Telegram.RequestTimeoutDur(),
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// The chat sink needs its target before Apply enables it, otherwise
	// Apply warns about a missing target.
	logCfg := logConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logs, log := logx.New(bootCfg, ad)
	logs.SetChatTarget(ad, cfg.Telegram.GroupLogChatID(), cfg.Logging.Telegram.ThreadID)
	logs.Apply(logCfg)
	log = log.Component("app")

	st, err := storage.Open(storageConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		store:   st,
		adapter: ad,
		admins:  gate.NewAdminSet(cfg.Telegram.AdminUserIDs),
		notify:  sdnotify.New(log.Component("sdnotify")),
		updates: make(chan kit.Update, 256),
	}
	a.build(cfg)
	return a, nil
}

func (a *App) build(cfg *config.Config) {
	log := a.log

	prober := membership.NewProber(a.adapter, channels(cfg), membership.ProberOptions{
		Timeout:     cfg.Gate.ProbeTimeoutDur(),
		Concurrency: cfg.Gate.ProbeConcurrencyOrDefault(),
	}, log.Component("membership"))
	cache := membership.NewCache(a.store, cfg.Gate.MembershipTTLDur())

	a.ledger = verification.NewLedger(a.store, verification.LedgerOptions{
		RedeemWindow: cfg.Verification.RedeemWindowDur(),
		GrantWindow:  cfg.Verification.GrantWindowDur(),
		IsAdmin:      a.admins.Has,
	}, log.Component("verification"))

	adgate := verification.NewAdGateClient(verification.AdGateOptions{
		Endpoint: cfg.Verification.AdGate.EndpointOrDefault(),
		APIKey:   cfg.Verification.AdGate.APIKey,
		Timeout:  cfg.Verification.AdGate.TimeoutDur(),
		Retries:  cfg.Verification.AdGate.RetriesOrDefault(),
	}, log.Component("adgate"))
	if !adgate.Configured() {
		log.Warn("ad-gate api key missing; verification links are unavailable")
	}

	botName := cfg.Telegram.BotUsername
	if strings.TrimSpace(botName) == "" {
		botName = a.adapter.BotUsername()
	}
	publicURL := ""
	if cfg.Verification.Callback.Enabled {
		publicURL = cfg.Verification.Callback.PublicURL
		a.server = verification.NewServer(a.ledger, a.bus, verification.ServerOptions{
			Addr:       cfg.Verification.Callback.AddrOrDefault(),
			RatePerSec: cfg.Verification.Callback.RatePerSec,
			Burst:      cfg.Verification.Callback.Burst,
			TrustProxy: cfg.Verification.Callback.TrustProxy,
		}, log.Component("verification.http"))
	}
	linker := verification.NewLinker(botName, publicURL, adgate)

	a.gate = gate.New(gate.Deps{
		Store:  a.store,
		Prober: prober,
		Cache:  cache,
		Ledger: a.ledger,
		Linker: linker,
		Admins: a.admins,
	}, log.Component("gate"))

	sw := cfg.Gate.Sweep
	a.sweeper = gate.NewSweeper(a.gate, a.store, a.bus, gate.SweepOptions{
		Staleness: sw.StalenessDur(),
		Delay:     sw.DelayDur(),
		Batch:     sw.BatchOrDefault(),
		LogEvery:  sw.LogEveryOrDefault(),
	}, log.Component("sweep"))

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, log.Component("scheduler"))
	if sw.Enabled {
		// validateConfig already accepted the schedule.
		_ = a.sched.Add(sweepScheduleName, sw.ScheduleOrDefault(), 0, a.scheduledSweep)
	}

	a.router = router.New(log, a.adapter, a.admins.Has, router.Options{})
}

// spawn runs fn under the app supervisor. Its error is logged and does not
// bring the app down.
func (a *App) spawn(name string, fn func(ctx context.Context) error) {
	a.sup.Go0(name, func(c context.Context) {
		if err := fn(c); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("background task failed", logx.String("name", name), logx.Err(err))
		}
	})
}

func (a *App) scheduledSweep(ctx context.Context) error {
	_, err := a.sweeper.Run(ctx)
	if errors.Is(err, gate.ErrSweepRunning) {
		return nil
	}
	return err
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(validateConfig)

	sessions, closeSessions, err := openSessions(cfg.Broadcast.Sessions, a.log)
	if err != nil {
		return err
	}
	a.sessions, a.closeSessions = sessions, closeSessions
	a.dispatcher = broadcast.NewDispatcher(a.sup.Context(), a.adapter, dispatcherOptions(cfg.Broadcast),
		a.store, a.bus, a.log.Component("broadcast"))

	h := &handlers{
		gate:        a.gate,
		ledger:      a.ledger,
		sweeper:     a.sweeper,
		store:       a.store,
		coordinator: broadcast.NewCoordinator(sessions, a.store, a.dispatcher, a.log.Component("broadcast")),
		dispatcher:  a.dispatcher,
		sched:       a.sched,
		log:         a.log.Component("handlers"),
		now:         time.Now,
		spawn:       a.spawn,
	}
	a.router.SetRegistry(h.commands(), h.callbacks())
	a.router.SetFallback(h.broadcastInput)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})

	a.sched.Start(a.sup.Context())
	if a.server != nil {
		a.sup.Go("verification.http", a.server.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.consume", func(c context.Context) {
		defer unsub()
		a.consumeEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.spawn("sdnotify.watchdog", a.notify.Watchdog)

	a.notify.Ready()
	a.notify.Status(fmt.Sprintf("serving %d channels", len(cfg.Gate.Channels)))
	a.log.Info("app started",
		logx.String("bot", a.adapter.BotUsername()),
		logx.Int("channels", len(cfg.Gate.Channels)),
		logx.Int("admins", len(a.admins.IDs())),
		logx.Bool("sweep", cfg.Gate.Sweep.Enabled),
		logx.Bool("callback_server", a.server != nil),
	)
	return nil
}

// consumeEvents turns bus events into chat messages and logs.
func (a *App) consumeEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case eventbus.VerificationRedeemed:
				m := renderVerified(d.Until, time.Now())
				sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				if _, err := m.Send(sctx, a.adapter, kit.ChatTarget{ChatID: d.UserID}); err != nil {
					a.log.Warn("verification notice failed", logx.UserID(d.UserID), logx.Err(err))
				}
				cancel()
			case eventbus.BroadcastFinished:
				a.log.Info("broadcast finished",
					logx.String("job_id", d.JobID), logx.Int64("admin_id", d.AdminID),
					logx.Int("attempted", d.Attempted), logx.Int("delivered", d.Delivered), logx.Int("failed", d.Failed))
			case eventbus.SweepFinished:
				a.log.Debug("sweep finished", logx.Int("checked", d.Checked), logx.Int("members", d.Members), logx.Duration("took", d.Took))
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

// reloadLoop applies the live sections of each committed config: logging
// and the admin list. Everything else is logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}

			sections, fields := config.SummarizeConfigChange(last, next)
			last = next
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			a.logs.SetChatTarget(a.adapter, next.Telegram.GroupLogChatID(), next.Logging.Telegram.ThreadID)
			a.logs.Apply(logConfig(next))
			a.admins.Set(next.Telegram.AdminUserIDs)

			fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
			if config.RequiresRestart(sections) {
				a.log.Warn("config reloaded; some changes need a restart", fields...)
				continue
			}
			a.log.Info("config reloaded", fields...)
		}
	}
}

// RunSweep runs one membership sweep without starting the bot.
func (a *App) RunSweep(ctx context.Context) (gate.SweepReport, error) {
	defer a.close()
	return a.sweeper.Run(ctx)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		a.close()
		return nil
	}
	a.log.Info("stopping")
	a.notify.Stopping()

	// Each step gets a bounded share of ctx so one component cannot stall
	// the whole shutdown.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.dispatcher != nil {
		step("broadcast", 5*time.Second, a.dispatcher.Close)
	}
	step("adapter", 3*time.Second, a.adapter.Stop)
	a.sup.Cancel()
	step("supervisor", 3*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.close()
	return nil
}

// close releases storage, sessions and the log sinks.
func (a *App) close() {
	if a.closeSessions != nil {
		a.closeSessions()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
