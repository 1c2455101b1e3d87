// Package app wires the whole relay together: config, logging, the Telegram
// adapter, the session store, the watcher service, the outbound pipeline and
// the command router, and owns startup/shutdown ordering.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/bot"
	"relaybot/internal/config"
	"relaybot/internal/notify"
	"relaybot/internal/numbers"
	obspprof "relaybot/internal/observability/pprof"
	"relaybot/internal/provision"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/session"
	"relaybot/internal/transport"
	"relaybot/internal/transport/telegram"
	"relaybot/internal/watch"
	"relaybot/pkg/logx"
)

const defaultJanitorSchedule = "@hourly"

type App struct {
	cfgm   *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	adapter  *telegram.Adapter
	store    *session.Store
	watchSvc *watch.Service
	notifier *notify.Service
	relay    *bot.RelaySink
	life     *numbers.Service
	router   *bot.Router
	janitor  *numbers.Janitor
	pprof    *obspprof.Service

	sup     *rtsup.Supervisor
	updates chan transport.Update
	cfgSub  chan *config.Config
}

func New(configPath string) (*App, error) {
	cfgm := config.NewManager(configPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("component", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return Validate(c)
	})

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log)
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	idleTTL, _ := config.ParseDurationOrDefault("sessions.idle_ttl", cfg.Sessions.IdleTTL, 0)
	store := session.NewStore(idleTTL, log)

	notifier := notify.New(adapter, notifyConfig(cfg), log)
	relay := bot.NewRelaySink(notifier, cfg.Telegram.AuditChatID, log)
	watchSvc := watch.New(store, relay, watchConfig(cfg), log)

	httpTimeout, _ := config.ParseDurationOrDefault("provision.http_timeout", cfg.Provision.HTTPTimeout, 15*time.Second)
	factory := provision.NewTwilioFactory(provision.Options{
		BaseURL: cfg.Provision.BaseURL,
		Region:  cfg.Provision.Region,
		Timeout: httpTimeout,
	})

	life := numbers.New(store, watchSvc, factory, cfg.Provision.SearchLimit, log)
	store.OnEvict(life.ExpireSession)

	router := bot.NewRouter(adapter, 30*time.Second, log)
	bot.NewHandlers(life, log).Register(router)

	var janitor *numbers.Janitor
	if cfg.Janitor.Enabled {
		schedule := strings.TrimSpace(cfg.Janitor.Schedule)
		if schedule == "" {
			schedule = defaultJanitorSchedule
		}
		janitor, err = numbers.NewJanitor(life, schedule, log)
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("janitor: %w", err)
		}
	}

	pprofSvc := obspprof.New(pprofConfig(cfg), log)

	return &App{
		cfgm:     cfgm,
		logSvc:   logSvc,
		log:      log.With(logx.String("component", "app")),
		adapter:  adapter,
		store:    store,
		watchSvc: watchSvc,
		notifier: notifier,
		relay:    relay,
		life:     life,
		router:   router,
		janitor:  janitor,
		pprof:    pprofSvc,
	}, nil
}

func pprofConfig(cfg *config.Config) obspprof.Config {
	return obspprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}
}

func watchConfig(cfg *config.Config) watch.Config {
	interval, _ := config.ParseDurationOrDefault("watcher.interval", cfg.Watcher.Interval, 12*time.Second)
	jitter, _ := config.ParseDurationOrDefault("watcher.jitter", cfg.Watcher.Jitter, 2*time.Second)
	return watch.Config{Interval: interval, Jitter: jitter}
}

func notifyConfig(cfg *config.Config) notify.Config {
	retryBase, _ := config.ParseDurationOrDefault("relay.retry_base", cfg.Relay.RetryBase, 0)
	retryMaxDelay, _ := config.ParseDurationOrDefault("relay.retry_max_delay", cfg.Relay.RetryMaxDelay, 0)
	return notify.Config{
		Workers:       cfg.Relay.Workers,
		QueueSize:     cfg.Relay.QueueSize,
		RatePerSec:    float64(cfg.Relay.RatePerSec),
		RetryMax:      cfg.Relay.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}
}

// Start brings every component up. On error the app is left stopped.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.updates = make(chan transport.Update, 512)

	a.notifier.Start(a.sup.Context())
	a.watchSvc.Start(a.sup.Context())
	a.sup.Go0("session.expiry", a.store.Start)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start telegram: %w", err)
	}

	a.sup.Go("router.dispatch", func(ctx context.Context) error {
		return a.router.DispatchLoop(ctx, a.updates)
	})

	a.cfgSub = a.cfgm.Subscribe(4)
	a.sup.Go0("config.watch", func(ctx context.Context) {
		_ = a.cfgm.Watch(ctx)
	})
	a.sup.Go0("config.apply", a.applyLoop)

	if a.janitor != nil {
		a.janitor.Start()
	}
	a.pprof.Start(a.sup.Context())

	a.log.Info("started")
	return nil
}

func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgSub:
			if !ok {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

// applyConfig pushes a hot-reloaded config into the running components.
// Token, queue sizes and the session TTL stay fixed until restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.watchSvc.Apply(watchConfig(cfg))
	a.notifier.Apply(notifyConfig(cfg))
	a.relay.SetAuditChat(cfg.Telegram.AuditChatID)
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.pprof.Reconfigure(pctx, pprofConfig(cfg))
	cancel()
	a.log.Info("config applied")
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot hang the whole shutdown.
func (a *App) Stop(ctx context.Context) {
	step := func(name string, d time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("shutdown step failed", logx.String("step", name), logx.Err(err))
		}
	}

	if a.janitor != nil {
		step("janitor", 5*time.Second, func(c context.Context) error {
			a.janitor.Stop(c)
			return nil
		})
	}

	// Stop intake first so no new commands arrive while state winds down.
	step("telegram", 5*time.Second, a.adapter.Stop)
	step("pprof", 3*time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})

	if a.sup != nil {
		a.sup.Cancel()
	}
	step("watchers", 5*time.Second, a.watchSvc.Stop)
	step("notify", 5*time.Second, a.notifier.Stop)
	if a.sup != nil {
		step("supervisor", 5*time.Second, a.sup.Wait)
	}

	if a.cfgSub != nil {
		a.cfgm.Unsubscribe(a.cfgSub)
		a.cfgSub = nil
	}

	a.log.Info("stopped")
	a.logSvc.Close()
}
