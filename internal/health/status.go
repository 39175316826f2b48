package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ffbot/internal/eventbus"
	"ffbot/internal/scheduler"
)

// RunView is the JSON form of a finished pipeline run.
type RunView struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	Mode      string    `json:"mode"`
	At        time.Time `json:"at"`
	TookMS    int64     `json:"took_ms"`
	Delivered int       `json:"delivered"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
}

// SchedulerView is the JSON form of scheduler.State.
type SchedulerView struct {
	Enabled  bool       `json:"enabled"`
	Timezone string     `json:"timezone"`
	At       string     `json:"at"`
	Phase    string     `json:"phase"`
	Next     *time.Time `json:"next,omitempty"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	LastErr  string     `json:"last_error,omitempty"`
}

type Status struct {
	Status    string        `json:"status"`
	Uptime    string        `json:"uptime"`
	Scheduler SchedulerView `json:"scheduler"`
	LastRun   *RunView      `json:"last_run,omitempty"`
	Runs      int64         `json:"runs"`
}

// Tracker remembers the latest pipeline run seen on the event bus.
type Tracker struct {
	mu    sync.Mutex
	last  *RunView
	count int64
}

func NewTracker() *Tracker { return &Tracker{} }

// Observe records ev when it is a finished run.
func (t *Tracker) Observe(ev eventbus.Event) {
	if ev.Type != eventbus.TypeRunFinished {
		return
	}
	res, ok := ev.Data.(eventbus.RunResult)
	if !ok {
		return
	}
	v := &RunView{
		ID:        res.ID,
		Trigger:   res.Trigger,
		Mode:      res.Mode,
		At:        ev.Time,
		TookMS:    res.Took.Milliseconds(),
		Delivered: res.Delivered,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
		Error:     res.Err,
	}
	t.mu.Lock()
	t.last = v
	t.count++
	t.mu.Unlock()
}

// Run consumes bus until ctx is done.
func (t *Tracker) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			t.Observe(ev)
		}
	}
}

func (t *Tracker) Last() (*RunView, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil, t.count
	}
	cp := *t.last
	return &cp, t.count
}

// StatusOf builds the /healthz document.
func StatusOf(st scheduler.State, tr *Tracker, started time.Time) Status {
	out := Status{
		Status: "ok",
		Uptime: time.Since(started).Round(time.Second).String(),
		Scheduler: SchedulerView{
			Enabled:  st.Enabled,
			Timezone: st.Location,
			At:       hhmm(st.Hour, st.Minute),
			Phase:    string(st.Phase),
			LastErr:  st.LastErr,
		},
	}
	if !st.Next.IsZero() {
		n := st.Next
		out.Scheduler.Next = &n
	}
	if !st.LastRun.IsZero() {
		l := st.LastRun
		out.Scheduler.LastRun = &l
	}
	if tr != nil {
		out.LastRun, out.Runs = tr.Last()
	}
	return out
}

func hhmm(h, m int) string { return fmt.Sprintf("%02d:%02d", h, m) }
