// Package ticker drives named periodic jobs from cron or interval schedules.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "toastboard/pkg/logx"
)

// Job is one run of a periodic job.
type Job func(ctx context.Context) error

// Ticker runs jobs on a shared cron instance. A job whose previous run is
// still going is skipped rather than stacked.
type Ticker struct {
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location

	mu     sync.Mutex
	c      *cron.Cron
	base   context.Context
	cancel context.CancelFunc
	jobs   map[string]cron.EntryID
}

// New returns a stopped ticker evaluating schedules in loc (nil means UTC).
func New(loc *time.Location, log logx.Logger) *Ticker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	p := specParser
	return &Ticker{
		log:    log,
		parser: p,
		loc:    loc,
		c:      cron.New(cron.WithParser(p), cron.WithLocation(loc)),
		base:   context.Background(),
		jobs:   map[string]cron.EntryID{},
	}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether raw would be accepted by Add.
func Validate(raw string) error {
	sch, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if _, err := specParser.Parse(sch.Expr()); err != nil {
		return fmt.Errorf("schedule %q: %w", raw, err)
	}
	return nil
}

// LoadLocation resolves a timezone name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Add registers job under name. raw is anything ParseSchedule accepts.
// Registering an existing name replaces the previous job.
func (t *Ticker) Add(name, raw string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	sch, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	expr := sch.Expr()
	parsed, err := t.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", raw, err)
	}

	var running atomic.Bool
	run := cron.FuncJob(func() {
		if !running.CompareAndSwap(false, true) {
			t.log.Debug("tick skipped, previous run still active", logx.String("job", name))
			return
		}
		defer running.Store(false)
		t.runOnce(name, timeout, job)
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.jobs[name]; ok {
		t.c.Remove(id)
	}
	t.jobs[name] = t.c.Schedule(parsed, run)

	fields := []logx.Field{logx.String("job", name), logx.String("spec", expr), logx.Duration("timeout", timeout)}
	if next := preview(parsed, time.Now().In(t.loc), 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	t.log.Debug("job registered", fields...)
	return nil
}

func (t *Ticker) runOnce(name string, timeout time.Duration, job Job) {
	t.mu.Lock()
	base := t.base
	t.mu.Unlock()

	ctx := base
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("job panic",
				logx.String("job", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn("job failed", logx.String("job", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	t.log.Trace("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
}

// Start begins triggering. Runs derive their context from ctx.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	t.base, t.cancel = context.WithCancel(ctx)
	t.c.Start()
	t.log.Info("ticker started", logx.String("tz", t.loc.String()), logx.Int("jobs", len(t.jobs)))
}

// Stop halts triggering and waits for running jobs until ctx is done.
func (t *Ticker) Stop(ctx context.Context) {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-t.c.Stop().Done():
	case <-ctx.Done():
	}
	t.log.Info("ticker stopped")
}

func preview(s cron.Schedule, from time.Time, n int) string {
	out := make([]string, 0, n)
	at := from
	for i := 0; i < n; i++ {
		at = s.Next(at)
		if at.IsZero() {
			break
		}
		out = append(out, at.Format("15:04:05"))
	}
	return strings.Join(out, ",")
}
