// Package pipeline wires the calendar store, filter and formatter to the
// delivery fan-out. Each execution carries its own Run context instead of
// sharing process-wide state with the scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ffbot/internal/calendar"
	"ffbot/internal/delivery"
	"ffbot/internal/eventbus"
	"ffbot/internal/storage"
	logx "ffbot/pkg/logx"
)

const (
	TriggerSchedule = "schedule"
	TriggerCommand  = "command"
)

// Source is implemented by calendar.Store.
type Source interface {
	GetEvents(ctx context.Context) (calendar.Snapshot, error)
}

// RunLog is implemented by storage.Store.
type RunLog interface {
	AppendRun(ctx context.Context, r storage.RunRecord) error
}

// Recorder is implemented by metrics.Metrics.
type Recorder interface {
	RunFinished(trigger, mode string, err error, took time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(string, string, error, time.Duration) {}

// Run is the state of one pipeline execution.
type Run struct {
	ID      string
	Trigger string
	Mode    calendar.Mode
	Now     time.Time
	Started time.Time

	Events    int
	Selected  int
	Messages  int
	Delivered int
	Skipped   int
	Failed    int
}

type Pipeline struct {
	events Source
	fanout *delivery.Fanout
	dir    delivery.Directory

	runs RunLog
	bus  eventbus.Bus
	rec  Recorder
	log  logx.Logger
	now  func() time.Time
}

type Option func(*Pipeline)

func WithRunLog(r RunLog) Option {
	return func(p *Pipeline) { p.runs = r }
}

func WithBus(b eventbus.Bus) Option {
	return func(p *Pipeline) {
		if b != nil {
			p.bus = b
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.rec = r
		}
	}
}

// WithClock replaces time.Now for the week window and the day key.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func New(events Source, fanout *delivery.Fanout, dir delivery.Directory, log logx.Logger, opts ...Option) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if fanout == nil {
		fanout = delivery.New(delivery.Config{}, log)
	}
	p := &Pipeline{
		events: events,
		fanout: fanout,
		dir:    dir,
		bus:    eventbus.Nop(),
		rec:    nopRecorder{},
		log:    log,
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Directory returns the directory broadcasts go to.
func (p *Pipeline) Directory() delivery.Directory { return p.dir }

func (p *Pipeline) newRun(trigger string, mode calendar.Mode) *Run {
	now := p.now()
	return &Run{
		ID:      uuid.NewString(),
		Trigger: trigger,
		Mode:    mode,
		Now:     now,
		Started: time.Now(),
	}
}

// Select narrows a snapshot to the events of r's mode.
func (r *Run) Select(events []calendar.Event) []calendar.Event {
	if r.Mode == calendar.ModeDay {
		return calendar.FilterDay(events, calendar.Today(r.Now))
	}
	return calendar.FilterWeek(events, r.Now)
}

// Broadcast is the scheduled job: the week's events to every eligible channel.
// An empty snapshot is logged and nothing is sent.
func (p *Pipeline) Broadcast(ctx context.Context) (err error) {
	run := p.newRun(TriggerSchedule, calendar.ModeWeek)
	log := p.log.With(logx.String("run", run.ID), logx.String("trigger", run.Trigger))
	p.started(run)
	defer func() { p.finished(ctx, run, log, err) }()

	snap, err := p.events.GetEvents(ctx)
	if err != nil {
		return fmt.Errorf("get events: %w", err)
	}
	run.Events = len(snap.Events)
	if len(snap.Events) == 0 {
		log.Info("no events found")
		return nil
	}
	log.Info("events loaded", logx.Int("events", run.Events), logx.Bool("from_cache", snap.FromCache), logx.Time("fetched_at", snap.FetchedAt))

	selected := run.Select(snap.Events)
	batch := calendar.Format(selected, run.Mode)
	run.Selected, run.Messages = len(selected), len(batch)

	rep := p.fanout.DeliverToAll(ctx, p.dir, batch)
	run.Delivered, run.Skipped, run.Failed = len(rep.Delivered), len(rep.Skipped), len(rep.Failed)
	if rep.ListErr != nil {
		return rep.ListErr
	}
	return nil
}

// ForChannel is the on-demand path: mode's events to one channel,
// synchronously. Any error is returned to the caller.
func (p *Pipeline) ForChannel(ctx context.Context, mode calendar.Mode, ch delivery.Channel) (err error) {
	run := p.newRun(TriggerCommand, mode)
	log := p.log.With(logx.String("run", run.ID), logx.String("trigger", run.Trigger), logx.String("channel", ch.ID))
	p.started(run)
	defer func() { p.finished(ctx, run, log, err) }()

	snap, err := p.events.GetEvents(ctx)
	if err != nil {
		return fmt.Errorf("get events: %w", err)
	}
	run.Events = len(snap.Events)

	selected := run.Select(snap.Events)
	batch := calendar.Format(selected, mode)
	run.Selected, run.Messages = len(selected), len(batch)

	if err := p.fanout.DeliverToChannel(ctx, p.dir, ch, batch); err != nil {
		run.Failed = 1
		return err
	}
	run.Delivered = 1
	return nil
}

func (p *Pipeline) started(run *Run) {
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: eventbus.RunResult{
		ID: run.ID, Trigger: run.Trigger, Mode: run.Mode.String(),
	}})
}

func (p *Pipeline) finished(ctx context.Context, run *Run, log logx.Logger, err error) {
	took := time.Since(run.Started)
	res := eventbus.RunResult{
		ID:        run.ID,
		Trigger:   run.Trigger,
		Mode:      run.Mode.String(),
		Delivered: run.Delivered,
		Skipped:   run.Skipped,
		Failed:    run.Failed,
		Took:      took,
	}
	fields := []logx.Field{
		logx.String("mode", run.Mode.String()),
		logx.Int("events", run.Events),
		logx.Int("selected", run.Selected),
		logx.Int("messages", run.Messages),
		logx.Int("delivered", run.Delivered),
		logx.Int("skipped", run.Skipped),
		logx.Int("failed", run.Failed),
		logx.Duration("took", took),
	}
	if err != nil {
		res.Err = err.Error()
		log.Warn("run failed", append(fields, logx.Err(err))...)
	} else {
		log.Info("run finished", fields...)
	}

	p.rec.RunFinished(run.Trigger, run.Mode.String(), err, took)
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: res})

	if p.runs == nil {
		return
	}
	rec := storage.RunRecord{
		ID:        run.ID,
		Trigger:   run.Trigger,
		Mode:      run.Mode.String(),
		StartedAt: run.Started,
		TookMS:    took.Milliseconds(),
		Events:    run.Events,
		Messages:  run.Messages,
		Delivered: run.Delivered,
		Skipped:   run.Skipped,
		Failed:    run.Failed,
		Error:     res.Err,
	}
	// The run's own ctx may already be done; history is written regardless.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if werr := p.runs.AppendRun(wctx, rec); werr != nil && !errors.Is(werr, storage.ErrClosed) {
		log.Warn("append run history failed", logx.Err(werr))
	}
}
