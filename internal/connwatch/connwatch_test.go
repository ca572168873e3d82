package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastSchedule() Schedule {
	return Schedule{
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		StartupAttempts: 4,
		PollInterval:    5 * time.Millisecond,
		ProbeTimeout:    100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduleDefaults(t *testing.T) {
	t.Parallel()
	got := Schedule{PollInterval: time.Minute}.withDefaults()
	want := DefaultSchedule()
	want.PollInterval = time.Minute
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}

func TestWatcherReadyOnFirstProbe(t *testing.T) {
	t.Parallel()
	set := NewSet(nil)
	defer set.Stop()

	var changes atomic.Int32
	w := set.Watch(t.Context(), Check{
		Name:     "completion",
		Probe:    func(context.Context) error { return nil },
		Schedule: fastSchedule(),
		OnChange: func(ready bool, err error) {
			if ready {
				changes.Add(1)
			}
		},
	})

	waitFor(t, "ready", w.Ready)
	waitFor(t, "OnChange", func() bool { return changes.Load() == 1 })

	st := w.Status()
	if st.Name != "completion" || st.Error != "" || st.CheckedAt.IsZero() {
		t.Errorf("Status() = %+v", st)
	}
}

func TestWatcherRecoversAfterStartupFailures(t *testing.T) {
	t.Parallel()
	set := NewSet(nil)
	defer set.Stop()

	var calls atomic.Int32
	w := set.Watch(t.Context(), Check{
		Name: "cache",
		Probe: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Schedule: fastSchedule(),
	})

	waitFor(t, "ready", w.Ready)
	if n := calls.Load(); n < 3 {
		t.Errorf("probe calls = %d, want at least 3", n)
	}
	if st := w.Status(); st.Failures != 0 {
		t.Errorf("failures after recovery = %d", st.Failures)
	}
}

func TestWatcherReportsOutage(t *testing.T) {
	t.Parallel()
	set := NewSet(nil)
	defer set.Stop()

	var down atomic.Bool
	var lost atomic.Int32
	w := set.Watch(t.Context(), Check{
		Name: "completion",
		Probe: func(context.Context) error {
			if down.Load() {
				return errors.New("provider offline")
			}
			return nil
		},
		Schedule: fastSchedule(),
		OnChange: func(ready bool, err error) {
			if !ready && err != nil {
				lost.Add(1)
			}
		},
	})

	waitFor(t, "ready", w.Ready)
	down.Store(true)
	waitFor(t, "outage", func() bool { return !w.Ready() })
	waitFor(t, "OnChange(false)", func() bool { return lost.Load() == 1 })

	st := w.Status()
	if st.Error != "provider offline" || st.Failures < 1 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestWatcherKeepsPollingAfterStartupGivesUp(t *testing.T) {
	t.Parallel()
	set := NewSet(nil)
	defer set.Stop()

	var calls atomic.Int32
	w := set.Watch(t.Context(), Check{
		Name: "cache",
		Probe: func(context.Context) error {
			calls.Add(1)
			return errors.New("nope")
		},
		Schedule: fastSchedule(),
	})

	// Four startup attempts, then polling continues.
	waitFor(t, "polling", func() bool { return calls.Load() > 6 })
	if w.Ready() {
		t.Error("watcher ready with a failing probe")
	}
}

func TestProbeTimeout(t *testing.T) {
	t.Parallel()
	set := NewSet(nil)
	defer set.Stop()

	sched := fastSchedule()
	sched.ProbeTimeout = 10 * time.Millisecond
	w := set.Watch(t.Context(), Check{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Schedule: sched,
	})

	waitFor(t, "timeout recorded", func() bool { return w.Status().Failures > 0 })
	if got := w.Status().Error; got != context.DeadlineExceeded.Error() {
		t.Errorf("Error = %q", got)
	}
}

func TestSetStatusesSorted(t *testing.T) {
	t.Parallel()
	set := NewSet(nil)
	defer set.Stop()

	ok := func(context.Context) error { return nil }
	set.Watch(t.Context(), Check{Name: "completion", Probe: ok, Schedule: fastSchedule()})
	set.Watch(t.Context(), Check{Name: "cache", Probe: ok, Schedule: fastSchedule()})

	got := set.Statuses()
	if len(got) != 2 || got[0].Name != "cache" || got[1].Name != "completion" {
		t.Errorf("Statuses() = %+v", got)
	}
}

func TestStopEndsWatcher(t *testing.T) {
	t.Parallel()
	set := NewSet(nil)

	var calls atomic.Int32
	set.Watch(context.Background(), Check{
		Name:     "completion",
		Probe:    func(context.Context) error { calls.Add(1); return nil },
		Schedule: fastSchedule(),
	})
	waitFor(t, "first probe", func() bool { return calls.Load() > 0 })

	set.Stop()
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Error("probe ran after Stop")
	}
	if len(set.Statuses()) != 0 {
		t.Error("Statuses() not empty after Stop")
	}
}

func TestWatchValidatesCheck(t *testing.T) {
	t.Parallel()
	set := NewSet(nil)
	for _, c := range []Check{
		{Probe: func(context.Context) error { return nil }},
		{Name: "nil-probe"},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Watch(%q) did not panic", c.Name)
				}
			}()
			set.Watch(t.Context(), c)
		}()
	}
}
