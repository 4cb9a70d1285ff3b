// Package app wires config, logging, storage, broker, board, ticker and the
// HTTP server into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"toastboard/internal/board"
	"toastboard/internal/config"
	"toastboard/internal/eventbus"
	"toastboard/internal/httpapi"
	"toastboard/internal/runtime/supervisor"
	"toastboard/internal/ticker"
	"toastboard/pkg/systemd"
	logx "toastboard/pkg/logx"
)

const (
	loopBoardListen = "board.listen"
	loopHTTPServe   = "http.serve"
	jobBoardTick    = "board.tick"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	counter *eventbus.Counter

	comp   *components
	http   *httpapi.Server
	ticker *ticker.Ticker
	tick   string
	sd     *systemd.Notifier
}

// NewApp loads the config at cfgPath and opens every component. Nothing is
// started until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	comp, err := openComponents(ctx, cfg, bus, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = comp.close()
		_ = logSvc.Close()
		return nil, err
	}
	tick, loc, err := tickSchedule(cfg)
	if err != nil {
		_ = comp.close()
		_ = logSvc.Close()
		return nil, err
	}
	notify, _ := systemdNotify(cfg)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		counter: eventbus.NewCounter(),
		comp:    comp,
		ticker:  ticker.New(loc, log.With(logx.String("comp", "ticker"))),
		tick:    tick,
		sd:      systemd.New(notify, log.With(logx.String("comp", "systemd"))),
	}
	// Loops resolves lazily: the supervisor is created in Start.
	a.http = httpapi.New(httpCfg, comp.board, a.counter, a, log)
	log.Info("app configured",
		logx.String("instance", comp.instance),
		logx.String("channel", comp.board.Channel()),
		logx.String("tick", tick),
	)
	return a, nil
}

// Board exposes the coordinator (CLI tools and tests).
func (a *App) Board() *board.Board { return a.comp.board }

// Loops reports the supervised loops; empty before Start.
func (a *App) Loops() []supervisor.LoopStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Loops()
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return Validate(cfg)
	})

	b := a.comp.board
	if n := b.InitialFill(runCtx); n > 0 {
		a.log.Info("cache filled from store", logx.Int("toasts", n))
	}

	if err := a.ticker.Add(jobBoardTick, a.tick, defaultTickTimeout, b.Tick); err != nil {
		return fmt.Errorf("board.tick: %w", err)
	}
	a.ticker.Start(runCtx)

	if a.comp.broker != nil {
		a.sup.GoRestart(loopBoardListen, b.Listen, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	a.sup.GoRestart(loopHTTPServe, a.http.Serve, supervisor.WithRestartBackoff(time.Second, 10*time.Second))

	tally, untally := a.bus.Subscribe(256)
	a.sup.Go("eventbus.counter", func(c context.Context) error {
		defer untally()
		if err := a.counter.Run(c, tally); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("eventbus.tap", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Debug only: accepted/relayed fire on every post.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if _, wd := systemdNotify(a.cfgm.Get()); wd {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.sd.RunWatchdog(c, a.healthy)
		})
	}

	a.sd.Ready()
	a.sd.Status("serving as " + a.comp.instance)
	a.log.Info("app started", logx.Bool("broker", a.comp.broker != nil))
	return nil
}

// healthy gates watchdog pings: a receive loop that keeps failing is not.
func (a *App) healthy() bool {
	if a.sup.Context().Err() != nil {
		return false
	}
	if a.comp.broker == nil {
		return true
	}
	for _, l := range a.sup.Loops() {
		if l.Name == loopBoardListen {
			return l.Running
		}
	}
	return true
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
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
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.comp.board.SetSpamAllowed(newCfg.Board.SpamAllowed)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.comp.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Order: no new ticks, end viewer streams, wait for loops, then release
	// broker, archive and store.
	a.step(ctx, "ticker", 2*time.Second, func(c context.Context) error { a.ticker.Stop(c); return nil })
	a.step(ctx, "viewers", time.Second, func(context.Context) error { a.comp.board.Close(); return nil })
	a.step(ctx, "supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "components", 3*time.Second, func(context.Context) error { return a.comp.close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't stall
// the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log when it eventually finishes.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
	}
}
