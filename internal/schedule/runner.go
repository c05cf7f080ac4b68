package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "welcomebot/pkg/logx"
)

// Runner invokes a cycle function on a schedule. Cycles never overlap:
// intervals are fixed-delay (the wait starts after a cycle returns) and cron
// ticks that arrive mid-cycle are skipped.
type Runner struct {
	mu      sync.Mutex
	spec    Spec
	loc     *time.Location
	changed chan struct{}
	log     logx.Logger
}

func NewRunner(spec Spec, loc *time.Location, log logx.Logger) *Runner {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{spec: spec, loc: loc, changed: make(chan struct{}, 1), log: log}
}

func (r *Runner) Spec() Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

// Update swaps the schedule. It takes effect after the current cycle.
func (r *Runner) Update(spec Spec) {
	r.mu.Lock()
	same := r.spec == spec
	r.spec = spec
	r.mu.Unlock()
	if same {
		return
	}
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done. An interval schedule runs the first cycle
// immediately.
func (r *Runner) Run(ctx context.Context, fn func(context.Context)) error {
	for {
		spec := r.Spec()
		r.log.Info("schedule active", logx.String("kind", spec.Kind.String()), logx.String("spec", spec.String()))

		var err error
		if spec.Kind == KindCron {
			err = r.runCron(ctx, spec, fn)
		} else {
			err = r.runInterval(ctx, spec.Every, fn)
		}
		if err != nil {
			return err
		}
	}
}

// runInterval returns nil when the schedule changed.
func (r *Runner) runInterval(ctx context.Context, every time.Duration, fn func(context.Context)) error {
	for {
		fn(ctx)

		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-r.changed:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (r *Runner) runCron(ctx context.Context, spec Spec, fn func(context.Context)) error {
	sched, err := cronParser.Parse(spec.Cron)
	if err != nil {
		return err
	}
	c := cron.New(
		cron.WithLocation(r.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(sched, cron.FuncJob(func() { fn(ctx) }))
	c.Start()

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case <-r.changed:
	}
	// Wait for an in-flight cycle before a new schedule may start one.
	<-c.Stop().Done()
	return result
}
