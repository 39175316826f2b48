package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ffbot/internal/eventbus"
	logx "ffbot/pkg/logx"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata unavailable for %s: %v", name, err)
	}
	return loc
}

func TestNextTrigger(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"after trigger", time.Date(2024, 3, 13, 6, 15, 0, 0, ny), time.Date(2024, 3, 14, 6, 10, 0, 0, ny)},
		{"before trigger", time.Date(2024, 3, 13, 6, 5, 0, 0, ny), time.Date(2024, 3, 13, 6, 10, 0, 0, ny)},
		{"exactly at trigger", time.Date(2024, 3, 13, 6, 10, 0, 0, ny), time.Date(2024, 3, 14, 6, 10, 0, 0, ny)},
		{"just before trigger", time.Date(2024, 3, 13, 6, 9, 59, 500_000_000, ny), time.Date(2024, 3, 13, 6, 10, 0, 0, ny)},
		{"year end", time.Date(2024, 12, 31, 23, 0, 0, 0, ny), time.Date(2025, 1, 1, 6, 10, 0, 0, ny)},
		{"dst spring forward", time.Date(2024, 3, 9, 7, 0, 0, 0, ny), time.Date(2024, 3, 10, 6, 10, 0, 0, ny)},
		{"utc input converted", time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC), time.Date(2024, 3, 13, 6, 10, 0, 0, ny)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextTrigger(tt.now, ny, 6, 10)
			if err != nil {
				t.Fatalf("NextTrigger error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextTrigger(%v) = %v, want %v", tt.now, got, tt.want)
			}
			if got.Location().String() != ny.String() {
				t.Fatalf("result location = %s, want %s", got.Location(), ny)
			}
		})
	}
}

func TestNextTriggerInvalid(t *testing.T) {
	t.Parallel()
	if _, err := NextTrigger(time.Now(), time.UTC, 24, 0); err == nil {
		t.Fatal("expected error for hour 24")
	}
	if _, err := NextTrigger(time.Now(), time.UTC, 6, 60); err == nil {
		t.Fatal("expected error for minute 60")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("06:10")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 6 || m != 10 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	for _, bad := range []string{"24:00", "6", "06:61", "aa:bb", ""} {
		if _, _, err := parseHHMM(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	job := func(context.Context) error { return nil }
	if _, err := New(Config{At: "25:00"}, job, logx.Nop()); err == nil {
		t.Fatal("expected error for bad time")
	}
	if _, err := New(Config{Timezone: "Mars/Olympus"}, job, logx.Nop()); err == nil {
		t.Fatal("expected error for bad timezone")
	}
	if _, err := New(Config{}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func nextArmed(t *testing.T, armed <-chan eventbus.Event) time.Time {
	t.Helper()
	select {
	case ev := <-armed:
		a, ok := ev.Data.(eventbus.Armed)
		if ev.Type != eventbus.TypeTriggerArmed || !ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
		return a.Next
	case <-time.After(2 * time.Second):
		t.Fatal("no armed event")
	}
	return time.Time{}
}

func TestLoopRunsJobAtTrigger(t *testing.T) {
	t.Parallel()
	// The clock sits 50ms before the trigger and never moves, like a wall
	// clock lagging the timer. The trigger must still fire once per day.
	fixed := time.Date(2024, 3, 13, 6, 9, 59, 950_000_000, time.UTC)
	var runs atomic.Int64
	ran := make(chan struct{}, 16)
	job := func(ctx context.Context) error {
		runs.Add(1)
		ran <- struct{}{}
		return errors.New("feed down")
	}

	bus := eventbus.New()
	armed, unsub := bus.Subscribe(16)
	defer unsub()

	s, err := New(Config{Enabled: true, Timezone: "UTC", At: "06:10"}, job, logx.Nop(),
		WithClock(func() time.Time { return fixed }), WithBus(bus))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if got, want := nextArmed(t, armed), time.Date(2024, 3, 13, 6, 10, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("armed for %v, want %v", got, want)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	// A failing job keeps the loop alive and re-arms for the next day.
	if got, want := nextArmed(t, armed), time.Date(2024, 3, 14, 6, 10, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("re-armed for %v, want %v", got, want)
	}
	time.Sleep(150 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("job ran %d times, want 1", n)
	}

	st := s.Snapshot()
	if st.LastErr != "feed down" || st.LastRun.IsZero() {
		t.Fatalf("unexpected state: %+v", st)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if !s.Next().IsZero() {
		t.Fatalf("Next should be zero after stop, got %v", s.Next())
	}
}

func TestStopAbortsLongWait(t *testing.T) {
	t.Parallel()
	var runs atomic.Int64
	s, err := New(Config{Enabled: true, Timezone: "UTC", At: "06:10"}, func(context.Context) error {
		runs.Add(1)
		return nil
	}, logx.Nop(), WithClock(func() time.Time { return time.Date(2024, 3, 13, 6, 11, 0, 0, time.UTC) }))
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Next().IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	want := time.Date(2024, 3, 14, 6, 10, 0, 0, time.UTC)
	if got := s.Next(); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	s.Stop(ctx)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("stop did not preempt the wait")
	}
	if runs.Load() != 0 {
		t.Fatalf("job ran %d times during shutdown", runs.Load())
	}
}

func TestApplyRearms(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 13, 5, 0, 0, 0, time.UTC)
	s, err := New(Config{Enabled: true, Timezone: "UTC", At: "06:10"}, func(context.Context) error { return nil },
		logx.Nop(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	waitNext := func(want time.Time) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !s.Next().Equal(want) && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if got := s.Next(); !got.Equal(want) {
			t.Fatalf("Next = %v, want %v", got, want)
		}
	}
	waitNext(time.Date(2024, 3, 13, 6, 10, 0, 0, time.UTC))

	if err := s.Apply(Config{Enabled: true, Timezone: "UTC", At: "07:30"}); err != nil {
		t.Fatal(err)
	}
	waitNext(time.Date(2024, 3, 13, 7, 30, 0, 0, time.UTC))
}

func TestRunNowLeavesTriggerAlone(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 13, 5, 0, 0, 0, time.UTC)
	s, err := New(Config{Enabled: true, Timezone: "UTC"}, func(context.Context) error { return nil },
		logx.Nop(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Next().IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	before := s.Next()

	inFlight := make(chan State, 1)
	wantErr := errors.New("boom")
	err = s.RunNow(context.Background(), func(context.Context) error {
		inFlight <- s.Snapshot()
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("RunNow error = %v, want %v", err, wantErr)
	}
	if st := <-inFlight; st.Phase != PhaseRunning {
		t.Fatalf("phase during run = %s", st.Phase)
	}
	// On-demand runs do not count as the daily broadcast.
	st := s.Snapshot()
	if st.Phase != PhaseIdle || st.LastErr != "" || !st.LastRun.IsZero() {
		t.Fatalf("unexpected state after run: %+v", st)
	}
	if !s.Next().Equal(before) {
		t.Fatalf("RunNow moved the trigger: %v -> %v", before, s.Next())
	}
}

func TestRunNowRecoversPanic(t *testing.T) {
	t.Parallel()
	s, err := New(Config{}, func(context.Context) error { return nil }, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	err = s.RunNow(context.Background(), func(context.Context) error { panic("kaboom") })
	if err == nil {
		t.Fatal("expected error from panicking job")
	}
	if s.Snapshot().Running != 0 {
		t.Fatal("running counter leaked")
	}
}
