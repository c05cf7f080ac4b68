package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"welcomebot/internal/differ"
	"welcomebot/internal/eventbus"
	"welcomebot/internal/mailer"
	"welcomebot/internal/render"
	"welcomebot/internal/schedule"
	"welcomebot/internal/sheet"
	"welcomebot/internal/storage"
	logx "welcomebot/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	table sheet.Table
	err   error
	calls int
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Fetch(context.Context) (sheet.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append(sheet.Table(nil), s.table...), nil
}

func (s *fakeSource) set(t sheet.Table, err error) {
	s.mu.Lock()
	s.table, s.err = t, err
	s.mu.Unlock()
}

type fakeRenderer struct {
	mu      sync.Mutex
	dir     string
	err     error
	records []sheet.Record
}

func (r *fakeRenderer) Render(rec sheet.Record) (render.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if r.err != nil {
		return render.Artifact{}, r.err
	}
	p := filepath.Join(r.dir, "welcome_"+render.Slug(rec.Value("Name"))+".png")
	if err := os.WriteFile(p, []byte("png"), 0o644); err != nil {
		return render.Artifact{}, &render.IOError{Op: "write", Path: p, Err: err}
	}
	return render.Artifact{Path: p, Width: 1, Height: 1}, nil
}

func (r *fakeRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []mailer.Envelope
}

func (s *fakeSender) SendEnvelope(_ context.Context, env mailer.Envelope) mailer.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	if s.err != nil {
		return mailer.Result{Recipient: env.To, Attempts: 1, Err: &mailer.SendError{Recipient: env.To, Op: "send", Err: s.err}}
	}
	return mailer.Result{Recipient: env.To, Attempts: 1}
}

func (s *fakeSender) envelopes() []mailer.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mailer.Envelope(nil), s.sent...)
}

func hire(i int, dept string) sheet.Record {
	return sheet.RecordOf(
		"Timestamp", fmt.Sprintf("2024-06-%02d 09:00", i),
		"Name", fmt.Sprintf("Hire %d", i),
		"Email Address", fmt.Sprintf("hire%d@example.com", i),
		"Joining Date", fmt.Sprintf("2024-07-%02d", i),
		"Mentor Name", "Mentor",
		"Department", dept,
		"Internship Duration (Months)", "6",
	)
}

func rows(n int) sheet.Table {
	t := make(sheet.Table, 0, n)
	for i := 1; i <= n; i++ {
		t = append(t, hire(i, "Engineering"))
	}
	return t
}

type harness struct {
	src  *fakeSource
	rend *fakeRenderer
	send *fakeSender
	bus  eventbus.Bus
	w    *Watcher
}

func newHarness(t *testing.T, initial sheet.Table, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		src:  &fakeSource{table: initial},
		rend: &fakeRenderer{dir: t.TempDir()},
		send: &fakeSender{},
		bus:  eventbus.New(),
	}
	cfg := Config{
		Fields:       sheet.DefaultFields(),
		SnapshotPath: filepath.Join(t.TempDir(), "sheet_data.json"),
		FetchTimeout: time.Second,
	}
	h.w = New(h.src, cfg, h.rend, h.send, append([]Option{WithBus(h.bus)}, opts...)...)
	if err := h.w.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return h
}

func TestScenarioFourthCompleteRowIsWelcomedOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, rows(3))

	h.src.set(rows(4), nil)
	c, err := h.w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if c.Outcome != string(differ.OutcomeNewRecord) {
		t.Fatalf("outcome = %s", c.Outcome)
	}
	if h.rend.count() != 1 {
		t.Fatalf("renders = %d, want 1", h.rend.count())
	}
	sent := h.send.envelopes()
	if len(sent) != 1 || sent[0].To != "hire4@example.com" || sent[0].Name != "Hire 4" {
		t.Fatalf("sent = %+v", sent)
	}
	if sent[0].Fields["Department"] != "Engineering" {
		t.Fatalf("record fields not passed to the mailer: %+v", sent[0].Fields)
	}
	if got := len(h.w.Baseline()); got != 4 {
		t.Fatalf("baseline = %d rows, want 4", got)
	}

	// The same table again is not new.
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if h.rend.count() != 1 || len(h.send.envelopes()) != 1 {
		t.Fatalf("record notified twice")
	}
	if st := h.w.Status(); st.Sent != 1 || st.Failed != 0 || st.Baseline != 4 {
		t.Fatalf("status = %+v", st)
	}
}

func TestScenarioIncompleteFourthRowWaits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, rows(3))

	next := append(rows(3), hire(4, ""))
	h.src.set(next, nil)
	for i := 0; i < 2; i++ {
		c, err := h.w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if c.Outcome != string(differ.OutcomeIncomplete) {
			t.Fatalf("outcome = %s", c.Outcome)
		}
	}
	if h.rend.count() != 0 || len(h.send.envelopes()) != 0 {
		t.Fatalf("incomplete row must not be rendered or sent")
	}
	if got := len(h.w.Baseline()); got != 3 {
		t.Fatalf("baseline = %d rows, want 3", got)
	}

	// Once HR fills in the department the row is picked up.
	complete := append(rows(3), hire(4, "Design"))
	h.src.set(complete, nil)
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.send.envelopes()) != 1 {
		t.Fatalf("completed row not sent")
	}
}

func TestFetchErrorKeepsBaseline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, rows(3))

	h.src.set(nil, errors.New("connection refused"))
	c, err := h.w.RunOnce(context.Background())
	if !sheet.IsFetchError(err) {
		t.Fatalf("err = %v, want *sheet.FetchError", err)
	}
	if c.Outcome != OutcomeFetchError || c.Baseline != 3 {
		t.Fatalf("cycle = %+v", c)
	}
	if got := len(h.w.Baseline()); got != 3 {
		t.Fatalf("baseline = %d rows, want 3", got)
	}

	// Recovery on the next tick still finds the new row.
	h.src.set(rows(4), nil)
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.send.envelopes()) != 1 {
		t.Fatalf("row not sent after recovery")
	}
}

func TestEmptyFetchKeepsBaseline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, rows(3))
	h.src.set(sheet.Table{}, nil)
	c, err := h.w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if c.Outcome != string(differ.OutcomeEmpty) || len(h.w.Baseline()) != 3 {
		t.Fatalf("cycle = %+v baseline = %d", c, len(h.w.Baseline()))
	}
}

func TestRenderErrorDropsRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, rows(3))
	h.rend.err = &render.RenderError{Asset: "font", Path: "missing.ttf", Err: os.ErrNotExist}

	failed, unsub := h.bus.Subscribe(4, eventbus.WelcomeFailed)
	defer unsub()

	h.src.set(rows(4), nil)
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.send.envelopes()) != 0 {
		t.Fatalf("nothing should be sent when render fails")
	}
	if got := len(h.w.Baseline()); got != 4 {
		t.Fatalf("baseline = %d rows, want 4 (record dropped)", got)
	}
	select {
	case e := <-failed:
		if hr := e.Data.(eventbus.Hire); hr.Stage != "render" {
			t.Fatalf("stage = %q", hr.Stage)
		}
	case <-time.After(time.Second):
		t.Fatal("welcome.failed not published")
	}

	// Fixing the asset does not resurrect the dropped record.
	h.rend.mu.Lock()
	h.rend.err = nil
	h.rend.mu.Unlock()
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.send.envelopes()) != 0 {
		t.Fatalf("dropped record was retried")
	}
}

func TestSendFailureIsReportedAndLoopContinues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, rows(3))
	h.send.err = errors.New("535 authentication failed")

	h.src.set(rows(4), nil)
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce must not surface send errors: %v", err)
	}
	if st := h.w.Status(); st.Failed != 1 || st.Sent != 0 {
		t.Fatalf("status = %+v", st)
	}

	h.send.mu.Lock()
	h.send.err = nil
	h.send.mu.Unlock()
	h.src.set(rows(5), nil)
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if st := h.w.Status(); st.Sent != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestLedgerSkipsAlreadyWelcomedHire(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	h := newHarness(t, rows(3), WithStore(store))
	h.src.set(rows(4), nil)
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// The sheet is re-sorted and the same hire reappears as the new tail row.
	reordered := append(rows(3), hire(1, "Engineering"), hire(4, "Engineering"))
	h.src.set(reordered, nil)
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n := len(h.send.envelopes()); n != 1 {
		t.Fatalf("sends = %d, want 1", n)
	}
	st := h.w.Status()
	if st.Skipped != 1 || st.Baseline != 5 {
		t.Fatalf("status = %+v", st)
	}
}

func TestInitFailure(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: errors.New("dns lookup failed")}
	w := New(src, Config{}, &fakeRenderer{dir: t.TempDir()}, &fakeSender{})
	err := w.Init(context.Background())
	if err == nil || !sheet.IsFetchError(err) {
		t.Fatalf("Init = %v, want wrapped *sheet.FetchError", err)
	}
	if w.Status().Ready {
		t.Fatalf("watcher should not be ready")
	}
}

func TestSnapshotMirrored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, rows(2))
	p := h.w.deps().cfg.SnapshotPath
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
}

func TestApplySwapsRequiredFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t, rows(3))
	h.w.Apply(Config{Required: []string{"Name", "Email Address"}, Fields: sheet.DefaultFields()}, nil, nil)

	h.src.set(append(rows(3), hire(4, "")), nil)
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.send.envelopes()) != 1 {
		t.Fatalf("relaxed required set should accept the row")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	src := &fakeSource{table: rows(3)}
	send := &fakeSender{}
	w := New(src, Config{}, &fakeRenderer{dir: t.TempDir()}, send)
	runner := schedule.NewRunner(schedule.Spec{Kind: schedule.KindInterval, Every: 5 * time.Millisecond}, time.UTC, w.log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, runner) }()

	deadline := time.Now().Add(2 * time.Second)
	for w.Status().LastCycle.ID == "" {
		if time.Now().After(deadline) {
			t.Fatal("no cycle ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	src.set(rows(4), nil)
	for len(send.envelopes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("new row not sent by the loop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestCycleUsesInjectedClock(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	var ticks int
	clock := func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Second)
	}
	h := newHarness(t, rows(3), WithClock(clock))

	c, err := h.w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !c.At.After(base) {
		t.Fatalf("cycle At = %v, want after %v", c.At, base)
	}
	if c.Took != time.Second {
		t.Fatalf("cycle Took = %v, want 1s", c.Took)
	}
	if st := h.w.Status(); st.LastCycle.ID != c.ID {
		t.Fatalf("status last cycle = %q, want %q", st.LastCycle.ID, c.ID)
	}
}
