package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"schedbot/internal/commands"
	"schedbot/internal/config"
	"schedbot/internal/delivery"
	"schedbot/internal/eventbus"
	"schedbot/internal/health"
	rtsup "schedbot/internal/runtime/supervisor"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	kit "schedbot/internal/transport"
	telegram "schedbot/internal/transport/telegram/adapter"
	logx "schedbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	deliv   *delivery.Service
	sched   *schedule.Service
	cmds    *commands.ScheduleCommands
	cmdm    *commands.Manager
	health  *health.Service

	updates chan kit.Update

	// schedStopLimit bounds how long Stop waits for in-flight deliveries.
	schedStopLimit time.Duration
	stopped        atomic.Bool
}

// NewApp loads and validates the config, then builds every component. The
// Telegram adapter is created from the config.
func NewApp(cfgPath string) (*App, error) {
	return newApp(cfgPath, func(cfg *config.Config, log logx.Logger) (kit.Adapter, error) {
		acfg, err := mapAdapterConfig(cfg)
		if err != nil {
			return nil, err
		}
		return telegram.New(acfg, log)
	})
}

type adapterFactory func(cfg *config.Config, log logx.Logger) (kit.Adapter, error)

func newApp(cfgPath string, newAdapter adapterFactory) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	// The chat sink needs the adapter, and the adapter wants a logger.
	// Bootstrap logging with the sink disabled, build the adapter, set the
	// target, then apply the final config.
	var ad kit.Adapter
	send := func(ctx context.Context, chatID int64, threadID int, text string) error {
		if ad == nil {
			return errors.New("adapter not ready")
		}
		_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
		return err
	}
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, send)
	log := root.With(logx.String("comp", "app"))

	ad, err = newAdapter(cfg, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.SetChatTarget(logChatID(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(scfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", driverLabel(scfg.Driver)))

	schedCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	deliv := delivery.New(ad, mapDeliveryConfig(cfg), root)
	sched := schedule.New(store, deliv, schedCfg,
		schedule.WithBus(bus),
		schedule.WithLogger(root),
	)
	cmds := commands.NewScheduleCommands(sched, loc)
	cmdm := commands.NewManager(root, ad, cfg.Telegram.OwnerUserIDs)
	cmdm.SetCommands(cmds.Commands())

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		deliv:   deliv,
		sched:   sched,
		cmds:    cmds,
		cmdm:    cmdm,
		health:  health.New(mapHealthConfig(cfg), sched.Pending, root),
		updates: make(chan kit.Update, 256),

		schedStopLimit: 5 * time.Second,
	}, nil
}

func driverLabel(d string) string {
	if d == "" {
		return "file"
	}
	return d
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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

// Scheduler exposes the scheduling service.
func (a *App) Scheduler() *schedule.Service { return a.sched }

// Start recovers persisted items before the dispatcher accepts commands.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	rep, err := a.sched.Start(a.sup.Context())
	if err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	a.log.Info("schedules recovered",
		logx.Int("loaded", rep.Loaded),
		logx.Int("armed", rep.Armed),
		logx.Int("dropped", rep.Dropped),
		logx.Int("skipped", rep.Skipped),
	)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if up, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		menu := a.cmdm.Menu()
		a.sup.Go0("telegram.menu.update", func(c context.Context) {
			uctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(uctx, menu); err != nil && c.Err() == nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.health.Reconfigure(a.sup.Context(), a.currentHealth())

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
				a.logEvent(e)
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
				// coalesce bursts; keep only the latest
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

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) currentHealth() health.Config {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return health.Config{}
	}
	return mapHealthConfig(cfg)
}

func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
	if ev, ok := e.Data.(eventbus.ItemEvent); ok {
		fields = append(fields, logx.String("id", ev.ID), logx.String("kind", ev.Kind))
		if ev.Err != nil {
			fields = append(fields, logx.Err(ev.Err))
		}
	}
	a.log.Debug("event", fields...)
}

// applyConfig hot-applies a validated config: logging, owners, timezone,
// delivery rate and the health endpoint. Storage and adapter changes need a
// restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev != nil && (prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout) {
		a.log.Warn("telegram connection settings changed; restart required for changes to take effect")
	}

	// target first so Apply doesn't warn about a missing chat
	a.logs.SetChatTarget(logChatID(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	if loc, err := next.Scheduler.Location(); err == nil {
		a.cmds.SetLocation(loc)
	}
	a.deliv.Apply(mapDeliveryConfig(next))
	a.health.Reconfigure(ctx, mapHealthConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop tears components down in reverse order. Each step is bounded so one
// component cannot stall the whole shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// cancel the run context so background loops start unwinding immediately
	a.sup.Cancel()

	drained := a.step(ctx, "scheduler", a.schedStopLimit, a.sched.Stop)
	a.step(ctx, "health", time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	if drained {
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	} else {
		// a late delivery still has to remove its record
		a.log.Warn("deliveries still in flight; storage closes after they finish")
		go func() {
			_ = a.sched.Wait(context.Background())
			if err := a.store.Close(); err != nil {
				a.log.Warn("storage close failed", logx.Err(err))
			}
		}()
	}
	// config watch/reload, dispatcher, event log
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn with an upper bound that never extends the caller's deadline.
// It reports whether fn returned nil in time.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) bool {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return false
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err == nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
	return false
}
