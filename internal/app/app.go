package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"alertrelay/internal/alert"
	"alertrelay/internal/config"
	"alertrelay/internal/delivery"
	"alertrelay/internal/eventbus"
	"alertrelay/internal/retention"
	"alertrelay/internal/runtime/supervisor"
	"alertrelay/internal/server"
	"alertrelay/internal/storage"
	kit "alertrelay/internal/transport"
	telegram "alertrelay/internal/transport/telegram/adapter"
	logx "alertrelay/pkg/logx"
	"alertrelay/pkg/systemd"
)

// App wires the relay: webhook server, delivery pipeline, store, retention
// and config hot reload, all hosted by one supervisor.
type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	norm  *alert.Normalizer
	relay *delivery.Relay
	srv   *server.Server
	ret   *retention.Service

	sup *supervisor.Supervisor

	shutdownTimeout time.Duration
	storeBudget     time.Duration
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	tcfg, _, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(tcfg, bootLog)
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, ad)
}

func build(cfgm *config.ConfigManager, cfg *config.Config, m kit.Messenger) (*App, error) {
	logSvc, root := logx.New(mapLogging(cfg), m)
	log := root.With(logx.String("comp", "app"))

	_, sendOpt, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	routing, err := mapRouting(cfg.Routing)
	if err != nil {
		return nil, err
	}
	opt, mopt, err := mapDelivery(cfg.Delivery)
	if err != nil {
		return nil, err
	}
	scfg, err := mapServer(cfg.Server)
	if err != nil {
		return nil, err
	}
	stcfg, err := MapStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(stcfg, root)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage enabled", logx.String("driver", stcfg.Driver))

	var ret *retention.Service
	if cfg.Retention.Enabled {
		rcfg, err := mapRetention(cfg.Retention)
		if err == nil {
			ret, err = retention.New(rcfg, store, root.With(logx.String("comp", "retention")))
		}
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	bus := eventbus.New()
	norm := alert.NewNormalizer(routing)
	machine := delivery.NewMachine(store, root, mopt)
	relay := delivery.NewRelay(norm, machine, kit.NewClient(m, sendOpt), bus, root, opt)
	srv := server.New(scfg, relay, store, root.With(logx.String("comp", "server")))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		norm:  norm,
		relay: relay,
		srv:   srv,
		ret:   ret,

		shutdownTimeout: srv.ShutdownTimeout(),
		storeBudget:     machine.MaxCommitDuration(),
	}, nil
}

// Handler exposes the HTTP routes without a listener.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Done is closed when the supervisor context is canceled (fatal error or Stop).
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
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reloads are validated in full by the manager; this catches what only
	// the mapping can see.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapRouting(cfg.Routing)
		return err
	})

	a.sup.GoRestart("http.serve", a.srv.Serve,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithMaxRestarts(5),
		supervisor.WithFatalOnFinalError(true),
	)
	if a.ret != nil {
		a.sup.Go("retention", a.ret.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
		})
		a.log.Info("systemd watchdog enabled", logx.Duration("interval", iv))
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started")
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
			if d, ok := e.Data.(eventbus.Delivery); ok {
				fields = append(fields,
					logx.String("batch_id", d.BatchID),
					logx.String("alert_key", d.AlertKey),
					logx.String("destination", d.Destination))
			}
			a.log.Debug("event", fields...)
		}
	}
}

// reloadLoop applies routing changes live. Every other section is only
// read at startup.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			next = c
		}
		// Coalesce bursts.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.applyReload(last, next)
		last = next
	}
}

func (a *App) applyReload(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if slices.Contains(sections, "routing") {
		rc, err := mapRouting(next.Routing)
		if err != nil {
			a.log.Warn("invalid routing config; keeping previous", logx.Err(err))
		} else {
			a.norm.Update(rc)
		}
	}
	var restart []string
	for _, s := range sections {
		if s != "routing" {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels every loop, waits for them within ctx and closes the store.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping")
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	a.sup.Cancel()
	err := a.sup.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("stop deadline reached; some goroutines still running", logx.Int64("active", a.sup.Counters().Active))
	}
	// Server shutdown may give up on handlers whose sends are still retrying.
	// Their commits need the store, so it stays open until they finish.
	if n := a.relay.InFlight(); n > 0 {
		a.log.Info("waiting for in-flight deliveries", logx.Int("batches", n))
	}
	if derr := a.relay.Drain(ctx); derr != nil {
		a.log.Error("stop deadline reached with deliveries in flight; their state may not be recorded",
			logx.Int("batches", a.relay.InFlight()), logx.Err(derr))
		if err == nil {
			err = derr
		}
	}
	if cerr := a.closeResources(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// stopBudget covers the server's own shutdown wait followed by one task
// that started just before it and needs every retry.
func (a *App) stopBudget() time.Duration {
	return a.shutdownTimeout + a.relay.MaxTaskDuration() + a.storeBudget
}

func (a *App) closeResources() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// Run starts the app and blocks until ctx is done or a fatal error stops
// it, then shuts down within stopTimeout. The budget is raised to cover the
// longest possible delivery task.
func (a *App) Run(ctx context.Context, stopTimeout time.Duration) error {
	if need := a.stopBudget(); stopTimeout < need {
		a.log.Info("stop timeout raised to cover in-flight deliveries",
			logx.Duration("requested", stopTimeout), logx.Duration("effective", need))
		stopTimeout = need
	}
	if err := a.Start(ctx); err != nil {
		_ = a.closeResources()
		return err
	}
	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	fatal := a.Err()
	sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stopErr := a.Stop(sctx)
	if fatal != nil {
		return fatal
	}
	if errors.Is(stopErr, context.DeadlineExceeded) {
		return stopErr
	}
	return nil
}
