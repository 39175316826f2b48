package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ffbot/internal/bot"
	"ffbot/internal/calendar"
	"ffbot/internal/config"
	"ffbot/internal/delivery"
	"ffbot/internal/eventbus"
	"ffbot/internal/health"
	"ffbot/internal/metrics"
	"ffbot/internal/pipeline"
	rtsup "ffbot/internal/runtime/supervisor"
	"ffbot/internal/scheduler"
	"ffbot/internal/storage"
	kit "ffbot/internal/transport"
	"ffbot/internal/transport/email"
	telegram "ffbot/internal/transport/telegram/adapter"
	logx "ffbot/pkg/logx"
	"ffbot/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	// adapter and bot are nil when no Telegram token is configured
	// (email-only deployments).
	adapter *telegram.Adapter
	bot     *bot.Bot

	events  *calendar.Store
	fanout  *delivery.Fanout
	pipe    *pipeline.Pipeline
	sched   *scheduler.Service
	health  *health.Service
	tracker *health.Tracker

	started time.Time
	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var ad *telegram.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}

	// Bootstrap with the chat sink off, set its target, then enable it, so
	// Apply does not warn about a missing target.
	finalLogCfg := mapLogging(cfg)
	baseLogCfg := finalLogCfg
	baseLogCfg.Chat.Enabled = false
	var sender logx.Sender
	if ad != nil {
		sender = ad
	}
	logSvc, log := logx.New(baseLogCfg, sender)
	if id := groupLogChat(cfg); id != 0 {
		logSvc.SetChatTarget(id, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(finalLogCfg)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		adapter: ad,
		tracker: health.NewTracker(),
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires storage, the calendar pipeline and its front ends.
func (a *App) build(cfg *config.Config) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	calCfg, err := mapCalendar(cfg)
	if err != nil {
		return err
	}
	a.events = calendar.NewStore(calCfg, a.log.With(logx.String("comp", "calendar")), calendar.WithRecorder(a.metrics))

	a.fanout = delivery.New(mapDelivery(cfg), a.log.With(logx.String("comp", "delivery")))
	a.fanout.SetRecorder(a.metrics)

	dir := delivery.NewMulti()
	if a.adapter != nil {
		dir.Add(delivery.SchemeTelegram, delivery.NewTelegramDirectory(store, a.adapter))
	}
	ec, to, subject, emailOn, err := mapEmail(cfg)
	if err != nil {
		return err
	}
	if emailOn {
		mailer, err := email.NewSender(ec, a.log.With(logx.String("comp", "email")))
		if err != nil {
			return err
		}
		dir.Add(delivery.SchemeEmail, delivery.NewEmailDirectory(mailer, to, subject))
		a.log.Info("email delivery enabled", logx.Int("recipients", len(to)))
	}

	a.pipe = pipeline.New(a.events, a.fanout, dir, a.log.With(logx.String("comp", "pipeline")),
		pipeline.WithRunLog(store),
		pipeline.WithBus(a.bus),
		pipeline.WithRecorder(a.metrics),
	)

	schedCfg, err := mapSchedule(cfg)
	if err != nil {
		return err
	}
	a.sched, err = scheduler.New(schedCfg, a.pipe.Broadcast, a.log.With(logx.String("comp", "scheduler")),
		scheduler.WithBus(a.bus),
		scheduler.WithRecorder(a.metrics),
	)
	if err != nil {
		return err
	}

	if a.adapter != nil {
		botCfg, err := mapBot(cfg)
		if err != nil {
			return err
		}
		a.bot = bot.New(botCfg, bot.Deps{
			Adapter:  a.adapter,
			Pipeline: a.pipe,
			Runner:   a.sched,
			Cache:    a.events,
			Chats:    store,
			Metrics:  a.metrics,
		}, a.log.With(logx.String("comp", "bot")))
	} else {
		a.log.Warn("telegram token not set; chat commands and telegram delivery are off")
	}

	a.health = health.New(mapHealth(cfg), a.status, a.metrics.Handler(), a.log.With(logx.String("comp", "health")))
	return nil
}

func (a *App) status() any {
	return health.StatusOf(a.sched.Snapshot(), a.tracker, a.started)
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
	a.sup = rtsup.New(ctx, a.log, rtsup.FailFast)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateLive(cfg)
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
	}

	a.sup.Go0("health.tracker", func(c context.Context) { a.tracker.Run(c, a.bus) })
	a.sched.Start(a.sup.Context())
	a.health.Start(a.sup.Context())

	if a.bot != nil {
		a.sup.Go("bot.dispatch", func(c context.Context) error {
			return a.bot.Run(c, a.updates)
		})
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
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.Bool("telegram", a.adapter != nil),
		logx.String("health_addr", a.health.Addr()),
	)
	return nil
}

// validateLive rejects reloads the running components cannot apply.
func validateLive(cfg *config.Config) error {
	var errs []error
	if _, err := mapSchedule(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapBot(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, _, _, err := mapEmail(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// applyConfig pushes a committed config into the live components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	for _, s := range sections {
		switch s {
		case "storage", "calendar":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "telegram":
			if oldCfg != nil && oldCfg.Telegram.Token != newCfg.Telegram.Token {
				a.log.Warn("telegram token changed; restart required for changes to take effect")
			}
		case "delivery":
			if !emailEqual(oldCfg, newCfg) {
				a.log.Warn("email delivery changed; restart required for changes to take effect")
			}
		}
	}

	if id := groupLogChat(newCfg); id != 0 {
		a.logs.SetChatTarget(id, newCfg.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetChatTarget(0, 0)
	}
	a.logs.Apply(mapLogging(newCfg))

	if a.bot != nil {
		if bc, err := mapBot(newCfg); err == nil {
			a.bot.Apply(bc)
		} else {
			a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
		}
	}

	a.fanout.Apply(mapDelivery(newCfg))

	if sc, err := mapSchedule(newCfg); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Snapshot().Enabled
		if err := a.sched.Apply(sc); err != nil {
			a.log.Warn("schedule config rejected; keeping previous", logx.Err(err))
		} else {
			switch {
			case wasEnabled && !sc.Enabled:
				a.log.Info("daily schedule disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.sched.Stop(stopCtx)
				cancel()
			case !wasEnabled && sc.Enabled:
				a.log.Info("daily schedule enabled via config")
				a.sched.Start(ctx)
			}
		}
	}

	a.health.Reconfigure(ctx, mapHealth(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func emailEqual(a, b *config.Config) bool {
	ae, be := a.Delivery.Email, b.Delivery.Email
	if ae == nil || be == nil {
		return ae == be
	}
	return ae.Enabled == be.Enabled && ae.Host == be.Host && ae.Port == be.Port &&
		ae.Username == be.Username && ae.Password == be.Password && ae.From == be.From &&
		strings.Join(ae.To, ",") == strings.Join(be.To, ",") && ae.Subject == be.Subject && ae.Timeout == be.Timeout
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
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

	// The scheduler goes first so no broadcast starts against a closing store.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("health", 1*time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	// Wait for the dispatcher and reload loops before closing storage; they write to it.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
