package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"habitping/internal/alarm"
	"habitping/internal/background"
	"habitping/internal/config"
	"habitping/internal/diagnostic"
	"habitping/internal/eventbus"
	"habitping/internal/foreground"
	"habitping/internal/host"
	"habitping/internal/host/inbound"
	"habitping/internal/host/local"
	"habitping/internal/notifier"
	"habitping/internal/permission"
	"habitping/internal/prefs"
	"habitping/internal/pushclient"
	"habitping/internal/relay"
	"habitping/internal/runtime/supervisor"
	"habitping/internal/schedule"
	"habitping/internal/storage"
	logx "habitping/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	prefs    *prefs.Store
	registry *local.Registry
	windows  *local.Windows
	display  *local.Display
	perm     *permission.Manager
	planner  *schedule.Planner
	push     *pushclient.Client
	tester   *diagnostic.Tester
	notif    *notifier.Service
	alarm    *alarm.Service
	worker   *background.Worker
	inbound  *inbound.Server
	fg       *foreground.Controller
}

// Option tweaks how NewApp builds the host stand-ins.
type Option func(*options)

type options struct {
	in  io.Reader
	out io.Writer
}

// WithTerminal routes permission prompts to in/out.
func WithTerminal(in io.Reader, out io.Writer) Option {
	return func(o *options) { o.in, o.out = in, out }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	var popts []prefs.Option
	if raw := strings.TrimSpace(cfg.Schedule.DefaultTime); raw != "" {
		t, err := schedule.ParseTime(raw)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("schedule.default_time: %w", err)
		}
		popts = append(popts, prefs.WithDefaultTime(t))
	}
	ps := prefs.New(store, log, popts...)

	// Host stand-ins.
	promptTimeout, err := parseDurationOrDefault("host.prompt_timeout", cfg.Host.PromptTimeout, config.DefaultPromptTimeout)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	popt := []local.PrompterOption{local.WithPromptTimeout(promptTimeout), local.WithRemember(store)}
	if o.in != nil {
		popt = append(popt, local.WithTerminal(o.in, o.out))
	}
	policy := local.Policy(strings.ToLower(strings.TrimSpace(cfg.Host.PermissionPolicy)))
	if policy == "" {
		policy = local.PolicyPrompt
	}
	prompter := local.NewPrompter(policy, log, popt...)

	base := ""
	pushURL := ""
	if addr := strings.TrimSpace(cfg.Host.ListenAddr); addr != "" {
		base = "http://" + addr
		pushURL = base + "/push"
	}
	registry := local.NewRegistry("/", pushURL, bus, log)

	var issuer host.TokenIssuer = local.LocalIssuer{}
	if ep := strings.TrimSpace(cfg.Push.RegistrationEndpoint); ep != "" {
		issuer = local.NewHTTPIssuer(ep, cfg.Provider.MessagingSenderID, cfg.Push.TimeoutOrDefault(), log)
	}

	display, err := local.NewDisplay(cfg.Host.DisplayURLs, bus, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var opener func(string) error
	if cfg.Host.OpenBrowser {
		opener = local.OpenBrowser
	}
	windows := local.NewWindows(base, opener, log)

	rel := relay.New(bus, log)
	provider := func() relay.Payload { return relay.PayloadFrom(cfgm.Get().Provider) }

	perm := permission.New(permission.Deps{
		Capability: local.FullCapability(),
		Prompter:   prompter,
		Registrar:  registry,
		Tokens:     issuer,
		Record:     ps,
		Bus:        bus,
		Relay:      func() { rel.Propagate(provider()) },
		VAPIDKey:   func() string { return cfgm.Get().Push.VAPIDKey },
	}, log)

	appCfg := cfg.App.WithDefaults()

	var pushOpts []pushclient.Option
	if cfg.Push.RatePerSec > 0 {
		pushOpts = append(pushOpts, pushclient.WithRate(cfg.Push.RatePerSec))
	}
	push := pushclient.New(cfg.Push.SendEndpoint, cfg.Push.TimeoutOrDefault(), log, pushOpts...)
	tester := diagnostic.New(ps, push, perm, bus, appCfg.RootURL, log)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, push, ps, perm, log, bus, store)

	alarmSvc := alarm.New(alarmConfig(cfg), ps, notif, bus, log)

	planner := schedule.NewPlanner(ps, bus, log)
	planner.SetLocation(alarmSvc.Location)

	worker := background.NewWorker(bus, host.Host{
		Capability: local.FullCapability(),
		Prompter:   prompter,
		Registrar:  registry,
		Tokens:     issuer,
		Display:    display,
		Clients:    windows,
	}, func() config.AppConfig { return cfgm.Get().App.WithDefaults() }, log)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		prefs:    ps,
		registry: registry,
		windows:  windows,
		display:  display,
		perm:     perm,
		planner:  planner,
		push:     push,
		tester:   tester,
		notif:    notif,
		alarm:    alarmSvc,
		worker:   worker,
	}

	if strings.TrimSpace(cfg.Host.ListenAddr) != "" {
		a.inbound = inbound.New(cfg.Host.ListenAddr, bus, log,
			inbound.WithHealth(a.health),
			inbound.WithEvict(func() (string, bool) {
				reg, ok := a.registry.Evict()
				return reg.ID, ok
			}),
		)
	}

	a.fg = foreground.New(foreground.Deps{
		Windows:     windows,
		Registrar:   registry,
		Relay:       rel,
		Provider:    provider,
		Permissions: perm,
		Planner:     planner,
		Records:     ps,
		Tester:      tester,
		RootURL:     appCfg.RootURL,
	}, log)

	return a, nil
}

func logCfg(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// alarmConfig maps the schedule section. Validate has already rejected a
// malformed poll interval.
func alarmConfig(cfg *Config) alarm.Config {
	poll, _ := parseDurationOrDefault("schedule.poll_interval", cfg.Schedule.PollInterval, alarm.DefaultPollInterval)
	return alarm.Config{Timezone: cfg.Schedule.Timezone, PollInterval: poll}
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	return notifier.ConfigFrom(nc, cfg.App.WithDefaults().RootURL)
}

// Foreground is the settings surface the CLI drives.
func (a *App) Foreground() *foreground.Controller { return a.fg }

// Logger returns the app logger.
func (a *App) Logger() logx.Logger { return a.log }

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

func (a *App) health() map[string]any {
	// The address may have been acquired by a one-shot command.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, _ := a.perm.Sync(ctx)
	out := map[string]any{"permission": string(st.Status)}
	if reg, ok := a.registry.Current(); ok {
		out["registration"] = reg.ID
	}
	if snap := a.alarm.Snapshot(); !snap.Next.IsZero() {
		out["next_fire"] = snap.Next.Format(time.RFC3339)
	}
	return out
}

// StartForeground runs only the page and its background context. One-shot
// commands use it; nothing fires reminders or listens on the network.
func (a *App) StartForeground(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.goBackground()
	a.sup.Go("foreground", a.fg.Run)
	return nil
}

// Start runs everything: the background context, the page, the alarm and
// reminder pipeline, the inbound surface and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if raw := strings.TrimSpace(cfg.Schedule.DefaultTime); raw != "" {
			if _, err := schedule.ParseTime(raw); err != nil {
				return fmt.Errorf("schedule.default_time: %w", err)
			}
		}
		return nil
	})

	a.goBackground()
	a.sup.Go("foreground", a.fg.Run)

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.alarm.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.inbound != nil {
		if _, err := a.inbound.Listen(); err != nil {
			return fmt.Errorf("host.listen_addr: %w", err)
		}
		a.sup.Go("inbound", a.inbound.Run)
	}

	a.startAudit()

	// Log events for debugging; components subscribe themselves.
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

	// hot reload config fan-out
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

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// goBackground keeps a background context alive. An evicted incarnation is
// replaced by a fresh one with a new registration.
func (a *App) goBackground() {
	a.sup.GoRestart("background", a.worker.Run,
		supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
		supervisor.WithOnRestart(func(inc uint64, err error) {
			a.log.Info("background context restarting", logx.Uint64("incarnation", inc), logx.Err(err))
		}),
	)
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if s == "storage" || s == "host" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if oldCfg != nil && oldCfg.Push.SendEndpoint != newCfg.Push.SendEndpoint {
		a.log.Warn("push.send_endpoint changed; restart required for changes to take effect")
	}

	a.logs.Apply(logCfg(newCfg))

	a.alarm.Apply(alarmConfig(newCfg))

	prev := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.logs != nil {
			a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the page, background context and inbound surface unwind.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
				return
			}
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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("alarm", 2*time.Second, func(c context.Context) error { a.alarm.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
