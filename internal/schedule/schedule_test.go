package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "welcomebot/pkg/logx"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		kind   Kind
		every  time.Duration
		source string
	}{
		{"30s", KindInterval, 30 * time.Second, "duration"},
		{"every:2m", KindInterval, 2 * time.Minute, "duration"},
		{"00:05", KindInterval, 5 * time.Minute, "hhmm"},
		{"every:01:30", KindInterval, 90 * time.Minute, "hhmm"},
		{"*/1 * * * *", KindCron, 0, "cron"},
		{"@every 30s", KindCron, 0, "cron"},
		{"cron:0 9 * * MON-FRI", KindCron, 0, "cron"},
		{"*/10 * * * * *", KindCron, 0, "cron"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Every != tt.every || got.Source != tt.source {
				t.Fatalf("Parse(%q) = %+v", tt.in, got)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "soon", "-5s", "0s", "00:00", "01:75", "cron:", "cron:61 * * * *", "@fortnightly"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) expected error", in)
		}
	}
}

func TestRunnerIntervalRunsImmediatelyAndRepeats(t *testing.T) {
	t.Parallel()
	r := NewRunner(Spec{Kind: KindInterval, Every: 5 * time.Millisecond}, time.UTC, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(context.Context) {
			if runs.Add(1) == 3 {
				cancel()
			}
		})
	}()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want >= 3", runs.Load())
	}
}

func TestRunnerIntervalNeverOverlaps(t *testing.T) {
	t.Parallel()
	r := NewRunner(Spec{Kind: KindInterval, Every: time.Millisecond}, time.UTC, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var inFlight, maxInFlight atomic.Int32
	_ = r.Run(ctx, func(context.Context) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
	})
	if maxInFlight.Load() != 1 {
		t.Fatalf("max concurrent cycles = %d, want 1", maxInFlight.Load())
	}
}

func TestRunnerUpdateSwitchesSchedule(t *testing.T) {
	t.Parallel()
	r := NewRunner(Spec{Kind: KindInterval, Every: time.Hour}, time.UTC, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(context.Context) { runs.Add(1) })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first cycle did not run")
		}
		time.Sleep(time.Millisecond)
	}
	r.Update(Spec{Kind: KindInterval, Every: time.Millisecond})
	for runs.Load() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d after update, want >= 5", runs.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

func TestRunnerCron(t *testing.T) {
	t.Parallel()
	spec, err := Parse("@every 1s")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r := NewRunner(spec, time.UTC, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var runs atomic.Int32
	fired := make(chan struct{}, 1)
	go func() {
		_ = r.Run(ctx, func(context.Context) {
			runs.Add(1)
			select {
			case fired <- struct{}{}:
			default:
			}
		})
	}()
	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("cron schedule never fired")
	}
}
