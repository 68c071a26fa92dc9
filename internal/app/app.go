package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relbot/internal/backup"
	"relbot/internal/credentials"
	"relbot/internal/eventbus"
	"relbot/internal/observability/pprof"
	"relbot/internal/store"
	"relbot/internal/tracker"
	kit "relbot/internal/transport"
	telegram "relbot/internal/transport/telegram/adapter"
	logx "relbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	ring *eventbus.Log

	st store.Store

	adapter kit.Adapter

	track *tracker.Service
	bak   *backup.Service
	prof  *pprof.Service

	sink *NoteSink
	cmdm *CommandManager
	serv *Services

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Adapter config mapping
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Logging service mapping
	// Important: logx.New() calls Apply() immediately. If Telegram logging is enabled but the target
	// chat/thread isn't configured yet, Apply() will emit a warning. To avoid a false-positive warning,
	// we bootstrap with Telegram logging disabled, set the target, then Apply() the final config.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    false, // set target first, then enable via Apply()
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	// Set Telegram log target (chat + thread)
	if strings.TrimSpace(cfg.Telegram.GroupLog) != "" {
		if chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64); err == nil {
			logSvc.SetChatTarget(chatID, cfg.Logging.Telegram.ThreadID)
		}
	}

	// Apply final logging config (including Telegram enable flag).
	finalLogCfg := baseLogCfg
	finalLogCfg.Telegram.Enabled = cfg.Logging.Telegram.Enabled
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()
	ring := eventbus.NewLog(128)

	// Storage. The subscription store is not optional: an omitted storage
	// section means the default file store.
	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	creds, err := credentials.NewManager(st, cfg.Credentials.Key, log.With(logx.String("comp", "credentials")))
	if err != nil {
		return nil, err
	}

	// Release sources mapping
	sources, err := newSources(cfg)
	if err != nil {
		return nil, err
	}

	sink := NewNoteSink(ad, log.With(logx.String("comp", "notify")))

	tcfg, err := mapTrackerConfig(cfg)
	if err != nil {
		return nil, err
	}
	trackSvc := tracker.New(tcfg, tracker.Deps{
		Store:       st,
		Sources:     sources,
		Credentials: creds,
		Sink:        sink,
		Bus:         bus,
		Log:         log,
	})

	bcfg, err := mapBackupConfig(cfg)
	if err != nil {
		return nil, err
	}
	bakSvc := backup.New(bcfg, trackSvc, log)

	// pprof service mapping (optional)
	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	profSvc := pprof.New(ppc, log)

	serv := &Services{
		Tracker:            trackSvc,
		Credentials:        creds,
		Backup:             bakSvc,
		Events:             ring,
		RuntimeSupervisors: NewSupervisorRegistry(),
	}

	cmdm := NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfgm, serv, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		ring:    ring,
		st:      st,
		adapter: ad,
		track:   trackSvc,
		bak:     bakSvc,
		prof:    profSvc,
		sink:    sink,
		cmdm:    cmdm,
		serv:    serv,
		updates: make(chan kit.Update, 256),
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
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	if a.serv != nil {
		a.serv.AppSupervisor = a.sup
		if a.serv.RuntimeSupervisors == nil {
			a.serv.RuntimeSupervisors = NewSupervisorRegistry()
		}
	}

	// Register the command surface here rather than in NewApp so the
	// Telegram menu sync runs under the app supervisor.
	a.cmdm.SetRegistry(Registry(a.sink))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			// duration validation (reject bad hot-reload)
			if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
				return err
			}
			if cfg.Tracker.Workers < 0 {
				return fmt.Errorf("tracker.workers must be >= 0")
			}
			if cfg.Tracker.QueueSize < 0 {
				return fmt.Errorf("tracker.queue_size must be >= 0")
			}
			if cfg.Tracker.DefaultEveryHours < 0 {
				return fmt.Errorf("tracker.default_every_hours must be >= 0")
			}
			if _, err := mapTrackerConfig(cfg); err != nil {
				return err
			}
			// storage validation (safe even though changes need a restart)
			if _, err := mapStoreConfig(cfg); err != nil {
				return err
			}
			if _, err := mapBackupConfig(cfg); err != nil {
				return err
			}
			// pprof validation (safe even when disabled)
			if _, err := mapPprofConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	// Expose adapter supervisor for operational visibility.
	if a.serv != nil {
		if sp, ok := a.adapter.(interface{ Supervisor() *Supervisor }); ok {
			if sup := sp.Supervisor(); sup != nil {
				a.serv.RuntimeSupervisors.Set("telegram.adapter", sup)
			}
		}
	}

	if err := a.track.Start(a.sup.Context()); err != nil {
		return err
	}
	a.registerTrackerSupervisor()

	if err := a.bak.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.prof != nil && a.prof.Enabled() {
		a.prof.Start(a.sup.Context())
		a.registerPprofSupervisor()
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	// Out-of-band alerts for rejected subscriber tokens. Decoupled from the
	// poll cycle: the poll itself falls back to other credentials.
	a.sup.Go("notify.authalerts", func(c context.Context) error {
		return RunAuthAlerts(c, a.bus, a.adapter, a.log.With(logx.String("comp", "notify")))
	})

	// Feed the recent-events ring shown by /status, and debug-log the stream.
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.record", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.ring.Record(e)
					// Keep this debug-level to avoid noise on frequent poll cycles.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
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
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				a.warnRestartOnly(lastApplied, newCfg, sections)
				lastApplied = newCfg

				// update log target first (so Apply() doesn't warn when Telegram logging is enabled)
				if strings.TrimSpace(newCfg.Telegram.GroupLog) != "" {
					if chatID, err := strconv.ParseInt(strings.TrimSpace(newCfg.Telegram.GroupLog), 10, 64); err == nil {
						a.logs.SetChatTarget(chatID, newCfg.Logging.Telegram.ThreadID)
					}
				} else {
					// allow clearing target via config hot-reload
					a.logs.SetChatTarget(0, 0)
				}

				// apply logging updates
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
					Telegram: logx.TelegramConfig{
						Enabled:    newCfg.Logging.Telegram.Enabled,
						ThreadID:   newCfg.Logging.Telegram.ThreadID,
						MinLevel:   newCfg.Logging.Telegram.MinLevel,
						RatePerSec: newCfg.Logging.Telegram.RatePerSec,
					},
				})

				// Update owner list used for AccessOwnerOnly checks.
				a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

				// apply tracker updates (live: tick, pacing, workers, shared tokens)
				if tcfg, err := mapTrackerConfig(newCfg); err != nil {
					a.log.Warn("invalid tracker config; keeping previous", logx.Err(err))
				} else {
					a.track.Apply(c, tcfg)
					// A structural Apply restarts the pipeline and with it the
					// supervisor object; refresh the /status registration.
					a.registerTrackerSupervisor()
				}

				// apply backup updates (live)
				if bcfg, err := mapBackupConfig(newCfg); err != nil {
					a.log.Warn("invalid backup config; keeping previous", logx.Err(err))
				} else {
					a.bak.Apply(c, bcfg)
				}

				// apply pprof updates (live)
				if a.prof != nil {
					if ppc, err := mapPprofConfig(newCfg); err != nil {
						a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
					} else {
						a.prof.Reconfigure(c, ppc)
						a.registerPprofSupervisor()
					}
				}

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) registerTrackerSupervisor() {
	if a.serv == nil {
		return
	}
	if sup := a.track.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set("tracker", sup)
	} else {
		a.serv.RuntimeSupervisors.Delete("tracker")
	}
}

func (a *App) registerPprofSupervisor() {
	if a.serv == nil || a.prof == nil {
		return
	}
	if sup := a.prof.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set("pprof", sup)
	} else {
		a.serv.RuntimeSupervisors.Delete("pprof")
	}
}

// warnRestartOnly flags reloaded sections this process cannot apply live:
// the store handle, the credential sealer, and the source API endpoints are
// all fixed at construction.
func (a *App) warnRestartOnly(oldCfg, newCfg *Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "credentials":
			a.log.Warn("credentials key changed; restart required for changes to take effect")
		}
	}
	if oldCfg == nil || newCfg == nil {
		return
	}
	if strings.TrimSpace(oldCfg.Tracker.GitHubBaseURL) != strings.TrimSpace(newCfg.Tracker.GitHubBaseURL) ||
		strings.TrimSpace(oldCfg.Tracker.GitLabBaseURL) != strings.TrimSpace(newCfg.Tracker.GitLabBaseURL) ||
		strings.TrimSpace(oldCfg.Tracker.RequestTimeout) != strings.TrimSpace(newCfg.Tracker.RequestTimeout) {
		a.log.Warn("release source endpoints changed; restart required for changes to take effect")
	}
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
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
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

	// Stop order: tracker first (in-flight polls may still deliver through
	// the adapter), then the periphery, the adapter, and finally the store.
	step("tracker", 3*time.Second, func(c context.Context) error { a.track.Stop(c); return nil })
	step("backup", 1*time.Second, func(c context.Context) error { a.bak.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.prof != nil {
			a.prof.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("store", 1*time.Second, func(c context.Context) error {
		if a.st != nil {
			return a.st.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
