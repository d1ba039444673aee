// Package app wires configuration, storage, the tracker core, transports
// and the observability surface into one process.
package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"trackbot/internal/config"
	"trackbot/internal/eventbus"
	"trackbot/internal/notifier"
	"trackbot/internal/notifier/digest"
	"trackbot/internal/observability/health"
	"trackbot/internal/observability/metrics"
	"trackbot/internal/router"
	"trackbot/internal/runtime/lifecycle"
	rtsup "trackbot/internal/runtime/supervisor"
	"trackbot/internal/services/scheduler"
	"trackbot/internal/source/youtube"
	"trackbot/internal/storage"
	"trackbot/internal/tracker"
	kit "trackbot/internal/transport"
	slackad "trackbot/internal/transport/slack"
	telegramad "trackbot/internal/transport/telegram"
	logx "trackbot/pkg/logx"
)

type App struct {
	cfgPath string
	version string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapters map[string]kit.Adapter

	source *youtube.Client
	sched  *scheduler.Service
	notif  *notifier.Service
	digs   *digest.Service
	trk    *tracker.Service
	health *health.Service

	rt *router.Router

	updates chan kit.Update
}

func NewApp(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	// Adapters. Telegram is the primary surface and always required;
	// Slack joins when enabled.
	adapters := make(map[string]kit.Adapter, 2)

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	tg, err := telegramad.New(tgCfg, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}
	adapters[tg.Platform()] = tg

	if slCfg, enabled, err := mapSlackConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		sl, err := slackad.New(slCfg, logSvc.Logger().With(logx.String("comp", "slack")))
		if err != nil {
			return nil, fmt.Errorf("slack adapter: %w", err)
		}
		adapters[sl.Platform()] = sl
		log.Info("slack adapter enabled")
	}

	bus := eventbus.New()

	// Storage is mandatory: watermarks and checkpoint claims must survive
	// restarts or exactly-once breaks.
	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := storage.Open(openCtx, stCfg, log.With(logx.String("comp", "storage")))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", stCfg.Driver))

	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	source := youtube.NewClient(srcCfg, log.With(logx.String("comp", "youtube")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, adapters, log.With(logx.String("comp", "notifier")), bus, store)
	digSvc := digest.New(mapDigestConfig(cfg), adapters, log.With(logx.String("comp", "digest")))

	trkCfg, err := mapTrackerConfig(cfg)
	if err != nil {
		return nil, err
	}
	trkSvc := tracker.New(trkCfg, tracker.Deps{
		Store:     store,
		Source:    source,
		Notifier:  notifSvc,
		Digests:   digSvc,
		Scheduler: schedSvc,
	}, logSvc.Logger(), bus)

	hcfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	healthSvc := health.New(hcfg, version, log.With(logx.String("comp", "health")))

	rt := router.New(logSvc.Logger().With(logx.String("comp", "router")))
	for _, ad := range adapters {
		rt.RegisterAdapter(ad)
	}
	rt.SetOwners(ownersByPlatform(cfg))

	return &App{
		cfgPath:  cfgPath,
		version:  version,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapters: adapters,
		source:   source,
		sched:    schedSvc,
		notif:    notifSvc,
		digs:     digSvc,
		trk:      trkSvc,
		health:   healthSvc,
		rt:       rt,
		updates:  make(chan kit.Update, 256),
	}, nil
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: a file edit that fails validation is
	// rejected without touching the running services.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg)
	})

	for platform, ad := range a.adapters {
		if err := ad.Start(a.sup.Context(), a.updates); err != nil {
			return fmt.Errorf("start %s adapter: %w", platform, err)
		}
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.digs.Enabled() {
		a.digs.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	a.trk.Start(a.sup.Context())
	if a.health.Enabled() {
		a.health.Start(a.sup.Context())
	}

	// Command surface: register before the dispatch loop so the first
	// update already finds a complete tree.
	a.rt.SetCommands(a.trk.Commands())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.rt.DispatchLoop(c, a.updates)
	})

	a.startMetricsBridge()
	a.startConfigReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("version", a.version), logx.Int("adapters", len(a.adapters)))
	return nil
}

// startMetricsBridge feeds notifier outcomes from bus events into the
// Prometheus counters and samples the queue gauge.
func (a *App) startMetricsBridge() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("metrics.bridge", func(c context.Context) {
		defer unsub()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				metrics.NotifierQueueDepth.Set(float64(a.notif.QueueLen()))
			case e, ok := <-events:
				if !ok {
					return
				}
				switch e.Type {
				case "notifier.sent":
					metrics.NotificationsTotal.WithLabelValues("sent").Inc()
				case "notifier.failed":
					metrics.NotificationsTotal.WithLabelValues("failed").Inc()
				case "notifier.deduped":
					metrics.NotificationsTotal.WithLabelValues("deduped").Inc()
				case "notifier.dropped":
					metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
				}
			}
		}
	})
}

func (a *App) startConfigReload() {
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
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				a.applyReload(c, lastApplied, newCfg, sections, attrs)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyReload(c context.Context, oldCfg, newCfg *config.Config, sections []string, attrs []logx.Field) {
	// Sections that only take effect after a restart.
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "telegram", "slack":
			a.log.Warn("adapter config changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if oldCfg != nil && !reflect.DeepEqual(oldCfg.Tracker.Source, newCfg.Tracker.Source) {
		a.log.Warn("tracker.source config changed; restart required for changes to take effect")
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	a.rt.SetOwners(ownersByPlatform(newCfg))

	// Scheduler (live).
	prevSchedEnabled := a.sched.Enabled()
	if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
		if prevSchedEnabled && !schedCfg.Enabled {
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		} else if !prevSchedEnabled && schedCfg.Enabled {
			a.log.Info("scheduler enabled via config")
			a.sched.Start(c)
		}
	}

	// Tracker (live). Stop before the scheduler's jobs linger.
	prevTrkEnabled := a.trk.Enabled()
	if trkCfg, err := mapTrackerConfig(newCfg); err != nil {
		a.log.Warn("invalid tracker config; keeping previous", logx.Err(err))
	} else {
		a.trk.Apply(trkCfg)
		if prevTrkEnabled && !trkCfg.Enabled {
			a.log.Info("tracker disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.trk.Stop(stopCtx)
			cancel()
		} else if !prevTrkEnabled && trkCfg.Enabled {
			a.log.Info("tracker enabled via config")
			a.trk.Start(c)
		}
	}

	// Notifier + digest (live).
	prevNotifEnabled := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		a.digs.Apply(mapDigestConfig(newCfg))
		if prevNotifEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			a.digs.Stop(stopCtx)
			cancel()
		} else if !prevNotifEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
			a.digs.Start(c)
		}
	}

	// Health server (live).
	if hcfg, err := mapHealthConfig(newCfg); err != nil {
		a.log.Warn("invalid health config; keeping previous", logx.Err(err))
	} else {
		a.health.Reconfigure(c, hcfg)
	}

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason lifecycle.StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal and observe the eventual finish.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
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

	// Producers first, then pipelines, then transports.
	step("tracker", 2*time.Second, func(c context.Context) error { a.trk.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("digest", 1*time.Second, func(c context.Context) error { a.digs.Stop(c); return nil })
	step("notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	for platform, ad := range a.adapters {
		name := "adapter." + platform
		adapter := ad
		step(name, 2*time.Second, func(c context.Context) error { return adapter.Stop(c) })
	}
	step("health", 1*time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, dispatcher).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
