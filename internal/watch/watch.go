// Package watch runs poll cycles: fetch, diff against the baseline, and for a
// newly appended complete record render the welcome image and email it.
//
// A Watcher owns the baseline. Cycles are serialized; a cycle never overlaps
// another even when RunOnce is called concurrently with Run.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"welcomebot/internal/differ"
	"welcomebot/internal/eventbus"
	"welcomebot/internal/mailer"
	"welcomebot/internal/render"
	"welcomebot/internal/schedule"
	"welcomebot/internal/sheet"
	"welcomebot/internal/storage"
	logx "welcomebot/pkg/logx"
)

// OutcomeFetchError is the cycle outcome when the source could not be read.
const OutcomeFetchError = "fetch_error"

// Config is the hot-swappable part of the poll loop.
type Config struct {
	Required     []string
	Fields       sheet.Fields
	Subject      string // empty uses the mailer's subject
	SnapshotPath string // empty disables the mirror
	FetchTimeout time.Duration
}

// Renderer produces the welcome artifact for a record.
type Renderer interface {
	Render(rec sheet.Record) (render.Artifact, error)
}

// Sender delivers one welcome email. *mailer.Mailer implements it.
type Sender interface {
	SendEnvelope(ctx context.Context, env mailer.Envelope) mailer.Result
}

// Status is a point-in-time view for the ops endpoint.
type Status struct {
	LastCycle eventbus.Cycle `json:"last_cycle"`
	Baseline  int            `json:"baseline"`
	Sent      uint64         `json:"sent"`
	Failed    uint64         `json:"failed"`
	Skipped   uint64         `json:"skipped"`
	Ready     bool           `json:"ready"`
}

type Option func(*Watcher)

func WithLogger(log logx.Logger) Option { return func(w *Watcher) { w.log = log } }

func WithBus(b eventbus.Bus) Option { return func(w *Watcher) { w.bus = b } }

// WithStore enables the notification ledger and audit trail.
func WithStore(s storage.Store) Option { return func(w *Watcher) { w.store = s } }

func WithClock(now func() time.Time) Option { return func(w *Watcher) { w.now = now } }

type Watcher struct {
	src   sheet.Source
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	depMu    sync.Mutex
	cfg      Config
	differ   *differ.Differ
	renderer Renderer
	sender   Sender

	// cycleMu serializes cycles and guards baseline.
	cycleMu  sync.Mutex
	baseline sheet.Table
	ready    bool

	statMu sync.Mutex
	status Status
}

func New(src sheet.Source, cfg Config, r Renderer, s Sender, opts ...Option) *Watcher {
	w := &Watcher{src: src, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.Apply(cfg, r, s)
	return w
}

// Apply swaps the cycle dependencies. An in-flight cycle finishes with the
// old ones. Nil r or s keeps the current value.
func (w *Watcher) Apply(cfg Config, r Renderer, s Sender) {
	cfg.Fields = cfg.Fields.WithDefaults()
	if len(cfg.Required) == 0 {
		cfg.Required = cfg.Fields.Required()
	}
	d := differ.New(w.src, cfg.Required, sheet.NewMirror(cfg.SnapshotPath), w.log.With(logx.String("comp", "differ")))

	w.depMu.Lock()
	defer w.depMu.Unlock()
	w.cfg = cfg
	w.differ = d
	if r != nil {
		w.renderer = r
	}
	if s != nil {
		w.sender = s
	}
}

type deps struct {
	cfg      Config
	differ   *differ.Differ
	renderer Renderer
	sender   Sender
}

func (w *Watcher) deps() deps {
	w.depMu.Lock()
	defer w.depMu.Unlock()
	return deps{cfg: w.cfg, differ: w.differ, renderer: w.renderer, sender: w.sender}
}

// Init establishes the baseline from one unconditional fetch. The process
// should not start polling if it fails.
func (w *Watcher) Init(ctx context.Context) error {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	d := w.deps()
	fctx, cancel := withTimeout(ctx, d.cfg.FetchTimeout)
	defer cancel()
	t, err := d.differ.Fetch(fctx)
	if err != nil {
		return fmt.Errorf("initial fetch: %w", err)
	}
	w.baseline = t
	w.ready = true
	w.updateStatus(func(s *Status) {
		s.Baseline = len(t)
		s.Ready = true
	})
	w.log.Info("baseline established", logx.String("source", w.src.Name()), logx.Int("rows", len(t)))
	return nil
}

// Baseline returns a copy of the current baseline.
func (w *Watcher) Baseline() sheet.Table {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()
	return append(sheet.Table(nil), w.baseline...)
}

func (w *Watcher) Status() Status {
	w.statMu.Lock()
	defer w.statMu.Unlock()
	return w.status
}

func (w *Watcher) updateStatus(fn func(*Status)) {
	w.statMu.Lock()
	fn(&w.status)
	w.statMu.Unlock()
}

// Run initializes the baseline if needed and then runs cycles on the
// runner's schedule until ctx is done.
func (w *Watcher) Run(ctx context.Context, runner *schedule.Runner) error {
	w.cycleMu.Lock()
	ready := w.ready
	w.cycleMu.Unlock()
	if !ready {
		if err := w.Init(ctx); err != nil {
			return err
		}
	}
	err := runner.Run(ctx, func(ctx context.Context) { _, _ = w.RunOnce(ctx) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce runs a single cycle. The returned error is the fetch error, if
// any; render and send failures are reported through events and logs.
func (w *Watcher) RunOnce(ctx context.Context) (eventbus.Cycle, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	d := w.deps()
	start := w.now()
	c := eventbus.Cycle{ID: uuid.NewString(), At: start}
	log := w.log.With(logx.String("cycle", c.ID))

	fctx, cancel := withTimeout(ctx, d.cfg.FetchTimeout)
	res, err := d.differ.Detect(fctx, w.baseline)
	cancel()

	if err != nil {
		c.Outcome = OutcomeFetchError
		c.Error = err.Error()
		c.Baseline = len(w.baseline)
		c.Took = w.now().Sub(start)
		log.Warn("fetch failed; keeping baseline", logx.Int("baseline", c.Baseline), logx.Err(err))
		w.publish(eventbus.FetchFailed, c)
		w.finish(c)
		return c, err
	}

	w.baseline = res.Baseline
	c.Outcome = string(res.Outcome)
	c.Rows = res.Fetched
	c.Baseline = len(w.baseline)

	switch res.Outcome {
	case differ.OutcomeIncomplete:
		last, _ := lastOf(res)
		h := eventbus.Hire{
			CycleID:   c.ID,
			Name:      last.Value(d.cfg.Fields.Name),
			Recipient: last.Value(d.cfg.Fields.Email),
			Missing:   res.Missing,
		}
		log.Info("newest row incomplete; waiting", logx.Strs("missing", res.Missing), logx.Int("rows", res.Fetched))
		w.publish(eventbus.RecordIncomplete, h)
	case differ.OutcomeNewRecord:
		w.deliver(ctx, d, c.ID, *res.Record, log)
	case differ.OutcomeEmpty:
		log.Debug("source returned no rows")
	default:
		log.Debug("no new rows", logx.Int("rows", res.Fetched))
	}

	c.Took = w.now().Sub(start)
	w.finish(c)
	return c, nil
}

func (w *Watcher) finish(c eventbus.Cycle) {
	w.updateStatus(func(s *Status) {
		s.LastCycle = c
		s.Baseline = c.Baseline
	})
	w.publish(eventbus.CycleCompleted, c)
}

// deliver renders and sends the welcome for rec. The baseline has already
// advanced, so any failure here drops the record.
func (w *Watcher) deliver(ctx context.Context, d deps, cycleID string, rec sheet.Record, log logx.Logger) {
	f := d.cfg.Fields
	name, email := rec.Value(f.Name), rec.Value(f.Email)
	h := eventbus.Hire{CycleID: cycleID, Name: name, Recipient: email}
	log = log.With(logx.String("to", email))
	log.Info("new hire detected", logx.String("name", name))
	w.publish(eventbus.RecordDetected, h)

	audit := storage.AuditEntry{At: w.now(), CycleID: cycleID, Recipient: email, Name: name}
	if w.store != nil {
		audit.Key = storage.LedgerKey(email, name, rec.Value(f.JoiningDate))
		done, err := w.store.IsNotified(ctx, audit.Key)
		switch {
		case err != nil:
			log.Warn("ledger lookup failed; sending anyway", logx.Err(err))
		case done:
			log.Info("already welcomed; skipping", logx.String("name", name))
			audit.Outcome = "skipped"
			w.appendAudit(ctx, audit, log)
			w.updateStatus(func(s *Status) { s.Skipped++ })
			w.publish(eventbus.RecordSkipped, h)
			return
		}
	}

	art, err := d.renderer.Render(rec)
	if err != nil {
		h.Stage, h.Error = "render", err.Error()
		log.Error("render failed; record dropped", logx.String("name", name), logx.Err(err))
		audit.Outcome, audit.Error = "failed", h.Error
		w.appendAudit(ctx, audit, log)
		w.updateStatus(func(s *Status) { s.Failed++ })
		w.publish(eventbus.WelcomeFailed, h)
		return
	}
	h.Artifact = art.Path
	audit.Artifact = art.Path

	fields := make(map[string]string, rec.Len())
	for _, k := range rec.Keys() {
		fields[k] = rec.Value(k)
	}
	res := d.sender.SendEnvelope(ctx, mailer.Envelope{
		To:       email,
		Subject:  d.cfg.Subject,
		Name:     name,
		Artifact: art,
		Fields:   fields,
	})
	h.Attempts = res.Attempts
	audit.Attempts = res.Attempts
	audit.TookMS = res.Took.Milliseconds()

	if !res.OK() {
		h.Stage, h.Error = "send", res.Err.Error()
		log.Error(fmt.Sprintf("failed to send welcome email to %s", email), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		audit.Outcome, audit.Error = "failed", h.Error
		w.appendAudit(ctx, audit, log)
		w.updateStatus(func(s *Status) { s.Failed++ })
		w.publish(eventbus.WelcomeFailed, h)
		return
	}

	log.Info(fmt.Sprintf("welcome email sent to %s", email), logx.String("artifact", art.Path), logx.Duration("took", res.Took))
	if w.store != nil {
		n := storage.Notified{Key: audit.Key, Recipient: email, Name: name, At: w.now()}
		if err := w.store.MarkNotified(ctx, n); err != nil {
			log.Warn("ledger write failed", logx.Err(err))
		}
	}
	audit.Outcome = "sent"
	w.appendAudit(ctx, audit, log)
	w.updateStatus(func(s *Status) { s.Sent++ })
	w.publish(eventbus.WelcomeSent, h)
}

func (w *Watcher) appendAudit(ctx context.Context, e storage.AuditEntry, log logx.Logger) {
	if w.store == nil {
		return
	}
	if err := w.store.AppendAudit(ctx, e); err != nil {
		log.Warn("audit write failed", logx.Err(err))
	}
}

func (w *Watcher) publish(typ string, data any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.Event{Type: typ, Time: w.now(), Data: data})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func lastOf(res differ.Result) (sheet.Record, bool) {
	if res.Candidate == nil {
		return sheet.Record{}, false
	}
	return *res.Candidate, true
}
