package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"welcomebot/internal/config"
	"welcomebot/internal/eventbus"
	"welcomebot/internal/mailer"
	"welcomebot/internal/metrics"
	"welcomebot/internal/ops"
	"welcomebot/internal/render"
	"welcomebot/internal/runtime/supervisor"
	"welcomebot/internal/schedule"
	"welcomebot/internal/sheet"
	"welcomebot/internal/source"
	"welcomebot/internal/storage"
	"welcomebot/internal/telegram"
	"welcomebot/internal/watch"
	logx "welcomebot/pkg/logx"
)

type Option func(*options)

type options struct {
	getenv    func(string) string
	transport mailer.Transport
}

// WithGetenv replaces os.Getenv for secret fallbacks.
func WithGetenv(fn func(string) string) Option { return func(o *options) { o.getenv = fn } }

// WithMailTransport replaces the SMTP dialer.
func WithMailTransport(t mailer.Transport) Option { return func(o *options) { o.transport = t } }

type App struct {
	cfgm   *config.ConfigManager
	getenv func(string) string

	rtMu sync.Mutex
	rt   *config.Runtime

	sup  *supervisor.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	metrics *metrics.Metrics
	src     sheet.Source
	store   storage.Store
	mail    *mailer.Mailer
	tg      *telegram.Notifier
	ops     *ops.Server

	runner  *schedule.Runner
	watcher *watch.Watcher

	closeOnce sync.Once
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{getenv: os.Getenv}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.BuildRuntime(cfg, o.getenv)
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, getenv: o.getenv, rt: rt}

	// The notifier logs to the console until the logging service exists.
	var sender logx.Sender
	if rt.Telegram.Enabled {
		tg, err := telegram.New(rt.Telegram.Config, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		a.tg = tg
		sender = tg
	}

	a.logs, a.log = logx.New(rt.Logging, sender)
	a.log = a.log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()
	a.metrics = metrics.New()

	if err := a.open(rt, o); err != nil {
		a.closeResources()
		_ = a.logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(rt *config.Runtime, o options) error {
	src, err := source.Open(rt.Source, a.log.With(logx.String("comp", "source")))
	if err != nil {
		return err
	}
	a.src = src

	store, err := storage.Open(rt.Storage, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	if store != nil {
		a.store = store
		a.log.Info("storage enabled", logx.String("driver", rt.Storage.Driver))
	}

	mlog := a.log.With(logx.String("comp", "mailer"))
	if o.transport != nil {
		a.mail, err = mailer.NewWithTransport(rt.Mail, o.transport, mlog)
	} else {
		a.mail, err = mailer.New(rt.Mail, mlog)
	}
	if err != nil {
		return err
	}

	wopts := []watch.Option{
		watch.WithLogger(a.log.With(logx.String("comp", "watch"))),
		watch.WithBus(a.bus),
	}
	if a.store != nil {
		wopts = append(wopts, watch.WithStore(a.store))
	}
	a.watcher = watch.New(a.src, watchConfig(rt), render.New(rt.Render), a.mail, wopts...)
	a.runner = schedule.NewRunner(rt.Schedule, rt.Location, a.log.With(logx.String("comp", "schedule")))

	if rt.Ops.Enabled {
		a.ops = ops.New(rt.Ops.Config, a.metrics.Registry(), a.status, a.log.With(logx.String("comp", "ops")))
	}
	return nil
}

func watchConfig(rt *config.Runtime) watch.Config {
	return watch.Config{
		Required:     rt.Required,
		Fields:       rt.Fields,
		SnapshotPath: rt.SnapshotPath,
		FetchTimeout: rt.FetchTimeout,
	}
}

// Runtime returns the last applied runtime config.
func (a *App) Runtime() *config.Runtime {
	a.rtMu.Lock()
	defer a.rtMu.Unlock()
	return a.rt
}

func (a *App) Watcher() *watch.Watcher { return a.watcher }

func (a *App) Bus() eventbus.Bus { return a.bus }

type statusView struct {
	watch.Status
	Schedule      string `json:"schedule"`
	Source        string `json:"source"`
	EventsDropped uint64 `json:"events_dropped"`
}

func (a *App) status() any {
	return statusView{
		Status:        a.watcher.Status(),
		Schedule:      a.runner.Spec().String(),
		Source:        a.src.Name(),
		EventsDropped: eventbus.Dropped(a.bus),
	}
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

// Start establishes the baseline and launches the poll loop with its
// subscribers. A failed first fetch is returned and nothing is started.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.watcher.Init(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.BuildRuntime(cfg, a.getenv)
		return err
	})

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.tg != nil {
		a.sup.Go("telegram", func(c context.Context) error { return a.tg.Run(c, a.bus) })
	}
	a.sup.Go("eventbus.log", a.logEvents)

	if a.ops != nil {
		a.sup.GoRestart("ops", a.ops.Serve,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithMaxRestarts(5),
		)
	}

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("watch", func(c context.Context) error { return a.watcher.Run(c, a.runner) })

	rt := a.Runtime()
	a.log.Info("app started",
		logx.String("source", a.src.Name()),
		logx.String("schedule", rt.Schedule.String()),
		logx.Bool("ledger", a.store != nil),
		logx.Bool("telegram", a.tg != nil),
		logx.Bool("ops", a.ops != nil),
	)
	return nil
}

// RunOnce runs a single cycle against an empty baseline, so the newest
// complete row is welcomed. Pair it with the ledger to avoid repeats.
func (a *App) RunOnce(ctx context.Context) (eventbus.Cycle, error) {
	if a.store == nil {
		a.log.Warn("once mode without storage ledger; the newest row is welcomed on every run")
	}
	events, unsub := a.bus.Subscribe(64)
	defer unsub()

	c, err := a.watcher.RunOnce(ctx)

	// Publish is synchronous, so every event of the cycle is already buffered.
	for {
		select {
		case e := <-events:
			a.metrics.Observe(e)
			if a.tg == nil {
				continue
			}
			if herr := a.tg.Handle(ctx, e); herr != nil {
				a.log.Warn("telegram notify failed", logx.String("event", e.Type), logx.Err(herr))
			}
		default:
			return c, err
		}
	}
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
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
			if a.applyConfig(lastApplied, newCfg) {
				lastApplied = newCfg
			}
		}
	}
}

// applyConfig swaps the hot-reloadable parts. The watcher picks them up at
// the next cycle.
func (a *App) applyConfig(old, cfg *config.Config) bool {
	sections, attrs, restart := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return true
	}
	rt, err := config.BuildRuntime(cfg, a.getenv)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return false
	}

	a.logs.Apply(rt.Logging)
	a.runner.Update(rt.Schedule)
	if err := a.mail.Apply(rt.Mail); err != nil {
		a.log.Warn("invalid mail config; keeping previous", logx.Err(err))
	}
	a.watcher.Apply(watchConfig(rt), render.New(rt.Render), nil)

	a.rtMu.Lock()
	prev := a.rt
	a.rt = rt
	a.rtMu.Unlock()

	if prev != nil && prev.Location.String() != rt.Location.String() {
		restart = append(restart, "poll.timezone")
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return true
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Goroutines first: an in-flight cycle may still be writing to the store.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	a.closeOnce.Do(func() {
		var errs []error
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		if c, ok := a.src.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		if err := errors.Join(errs...); err != nil {
			a.log.Warn("close failed", logx.Err(err))
		}
	})
}
