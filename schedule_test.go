package faultd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/faultd/internal/clock"
)

// advanceUntil pumps the manual clock in small steps until cond holds, so a
// runner goroutine can register its timer at any point without racing the
// advance.
func advanceUntil(t *testing.T, clk *clock.Manual, step, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		clk.Advance(step)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestParseScheduleDurationForms(t *testing.T) {
	plan, err := ParseSchedule([]byte(`steps:
  - after: 0s
    delay: 3s
  - after: 250
    delay: 1500
  - after: 11.9s
    delay: 0s
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := []ScheduleStep{
		{After: 0, Delay: 3 * time.Second},
		{After: 250 * time.Millisecond, Delay: 1500 * time.Millisecond},
		{After: 11900 * time.Millisecond, Delay: 0},
	}
	if len(plan.Steps) != len(want) {
		t.Fatalf("steps = %v, want %v", plan.Steps, want)
	}
	for i, step := range plan.Steps {
		if step != want[i] {
			t.Fatalf("step %d = %+v, want %+v", i, step, want[i])
		}
	}
}

func TestParseScheduleRejectsBadPlans(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"empty document", "", "no steps"},
		{"empty steps", "steps: []\n", "no steps"},
		{"negative after", "steps:\n  - after: -1s\n    delay: 1s\n", "negative after"},
		{"negative delay", "steps:\n  - after: 1s\n    delay: -5\n", "negative delay"},
		{"garbage duration", "steps:\n  - after: banana\n    delay: 1s\n", "invalid duration"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSchedule([]byte(tc.in))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestScheduleApplyLeavesFinalStepArmed(t *testing.T) {
	fx := startSchedulerFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	plan := Schedule{Steps: []ScheduleStep{
		{After: 0, Delay: 3 * time.Second},
		{After: 2 * time.Second, Delay: 0},
	}}

	done := make(chan error, 1)
	go func() { done <- plan.Apply(ctx, fx.controller, nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("apply did not return with final step armed")
	}

	if got := fx.link.applied(); len(got) != 1 || got[0] != 3*time.Second {
		t.Fatalf("applied after return = %v, want [3s]", got)
	}
	if snap := fx.controller.Snapshot(); !snap.DeadlineArmed {
		t.Fatalf("final step not armed: %+v", snap)
	}

	advanceUntil(t, fx.clk, 200*time.Millisecond, 5*time.Second, "final clear to apply", func() bool {
		got := fx.link.applied()
		return len(got) == 2 && got[1] == 0
	})
}

func TestScheduleApplyWaitsIntermediateOffsets(t *testing.T) {
	fx := startSchedulerFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	plan := Schedule{Steps: []ScheduleStep{
		{After: 0, Delay: 100 * time.Millisecond},
		{After: time.Second, Delay: 200 * time.Millisecond},
		{After: time.Hour, Delay: 0},
	}}

	done := make(chan error, 1)
	go func() { done <- plan.Apply(ctx, fx.controller, nil) }()

	waitUntil(t, 2*time.Second, "first step to apply", func() bool {
		got := fx.link.applied()
		return len(got) == 1 && got[0] == 100*time.Millisecond
	})

	advanceUntil(t, fx.clk, 200*time.Millisecond, 5*time.Second, "second step to apply", func() bool {
		got := fx.link.applied()
		return len(got) == 2 && got[1] == 200*time.Millisecond
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("apply did not return with final step armed")
	}
	if snap := fx.controller.Snapshot(); !snap.DeadlineArmed || snap.PendingDelay != 0 {
		t.Fatalf("final step not armed: %+v", snap)
	}
}

func TestScheduleApplyRejectsInvalidPlan(t *testing.T) {
	fx := startSchedulerFixture(t)

	err := Schedule{}.Apply(context.Background(), fx.controller, nil)
	if err == nil || !strings.Contains(err.Error(), "no steps") {
		t.Fatalf("apply error = %v, want no steps", err)
	}
}

func TestScheduleWatcherSignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(path, []byte("steps:\n  - after: 0s\n    delay: 1s\n"), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	w, err := WatchScheduleFile(path)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("steps:\n  - after: 0s\n    delay: 2s\n"), 0o644); err != nil {
		t.Fatalf("rewrite plan: %v", err)
	}
	select {
	case <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatalf("no event after plan rewrite")
	}

	// Drain the burst, then confirm sibling files are filtered out.
	for quiet := false; !quiet; {
		select {
		case <-w.Events():
		case <-time.After(300 * time.Millisecond):
			quiet = true
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}
	select {
	case <-w.Events():
		t.Fatalf("event delivered for sibling file")
	case <-time.After(300 * time.Millisecond):
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatalf("event delivered after close")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("events channel not closed")
	}
}

func TestRunScheduleFileAppliesPlan(t *testing.T) {
	fx := startSchedulerFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte("steps:\n  - after: 0s\n    delay: 50ms\n"), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	if err := RunScheduleFile(ctx, path, fx.controller, false, nil); err != nil {
		t.Fatalf("run schedule file: %v", err)
	}
	if got := fx.link.applied(); len(got) != 1 || got[0] != 50*time.Millisecond {
		t.Fatalf("applied = %v, want [50ms]", got)
	}
}

func TestRunScheduleFileMissingFile(t *testing.T) {
	fx := startSchedulerFixture(t)

	err := RunScheduleFile(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), fx.controller, false, nil)
	if err == nil || !strings.Contains(err.Error(), "schedule: read") {
		t.Fatalf("error = %v, want read failure", err)
	}
}

func TestRunScheduleFileWatchesForReload(t *testing.T) {
	fx := startSchedulerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte("steps:\n  - after: 0s\n    delay: 40ms\n"), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- RunScheduleFile(ctx, path, fx.controller, true, nil) }()

	waitUntil(t, 3*time.Second, "initial plan to apply", func() bool {
		got := fx.link.applied()
		return len(got) == 1 && got[0] == 40*time.Millisecond
	})

	// An invalid rewrite is logged and skipped; the runner keeps watching.
	if err := os.WriteFile(path, []byte("steps: []\n"), 0o644); err != nil {
		t.Fatalf("write invalid plan: %v", err)
	}
	if err := os.WriteFile(path, []byte("steps:\n  - after: 0s\n    delay: 80ms\n"), 0o644); err != nil {
		t.Fatalf("write replacement plan: %v", err)
	}

	waitUntil(t, 5*time.Second, "replacement plan to apply", func() bool {
		got := fx.link.applied()
		return len(got) >= 2 && got[len(got)-1] == 80*time.Millisecond
	})

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("runner returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("runner did not exit after cancel")
	}
}
