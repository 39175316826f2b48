package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"ffbot/internal/eventbus"
	logx "ffbot/pkg/logx"
)

// Service runs a Job once a day at a fixed local time and serves on-demand
// runs in between. The daily loop recomputes its trigger after every run, so
// run duration never shifts the schedule.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	rec Recorder
	now func() time.Time

	cfg    Config
	loc    *time.Location
	hour   int
	minute int
	job    Job

	next     time.Time
	running  int
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string

	rearm     chan struct{}
	runCancel context.CancelFunc
	loopWG    sync.WaitGroup
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.rec = r
		}
	}
}

// WithClock replaces time.Now for trigger computation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates cfg and returns a stopped service.
func New(cfg Config, job Job, log logx.Logger, opts ...Option) (*Service, error) {
	if job == nil {
		return nil, errors.New("scheduler: job is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		bus:   eventbus.Nop(),
		rec:   nopRecorder{},
		now:   time.Now,
		job:   job,
		rearm: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply swaps timezone and trigger time. A running loop re-arms immediately.
func (s *Service) Apply(cfg Config) error {
	if cfg.At == "" {
		cfg.At = DefaultAt
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	h, m, err := parseHHMM(cfg.At)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler: timezone %q: %w", cfg.Timezone, err)
	}

	s.mu.Lock()
	changed := s.loc == nil || s.loc.String() != loc.String() || s.hour != h || s.minute != m
	s.cfg = cfg
	s.loc = loc
	s.hour, s.minute = h, m
	s.mu.Unlock()

	if changed {
		select {
		case s.rearm <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start launches the daily loop. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Info("daily schedule disabled")
		return
	}
	if s.runCancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	// Drop any re-arm signal queued before the loop existed.
	select {
	case <-s.rearm:
	default:
	}

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.loop(runCtx)
	}()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.String("at", fmt.Sprintf("%02d:%02d", s.hour, s.minute)))
}

// Stop cancels the wait (and any scheduled run in flight) and waits for the
// loop to exit or ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; loop continues in background")
	}
}

// Trigger labels passed to execute.
const (
	triggerSchedule = "schedule"
	triggerCommand  = "command"
)

func (s *Service) loop(ctx context.Context) {
	// fired holds the last trigger that ran. Arming never goes back to or
	// before it, so a wall clock lagging the timer cannot fire a day twice.
	var fired time.Time
	for {
		next, err := s.arm(fired)
		if err != nil {
			s.log.Error("cannot compute next trigger", logx.Err(err))
			return
		}
		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		s.log.Info("next run scheduled", logx.Time("at", next), logx.Duration("in", wait.Round(time.Second)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.disarm()
			return
		case <-s.rearm:
			timer.Stop()
			continue
		case <-timer.C:
		}

		s.mu.Lock()
		timeout := s.cfg.RunTimeout
		job := s.job
		s.mu.Unlock()

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := s.execute(runCtx, triggerSchedule, job); err != nil {
			s.log.Error("scheduled run failed", logx.Err(err))
		}
		cancel()
		fired = next
	}
}

func (s *Service) arm(after time.Time) (time.Time, error) {
	s.mu.Lock()
	loc, h, m := s.loc, s.hour, s.minute
	s.mu.Unlock()

	from := s.now()
	if from.Before(after) {
		from = after
	}
	next, err := NextTrigger(from, loc, h, m)
	if err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	s.next = next
	s.mu.Unlock()

	s.rec.TriggerArmed(next)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerArmed, Data: eventbus.Armed{Next: next}})
	return next, nil
}

func (s *Service) disarm() {
	s.mu.Lock()
	s.next = time.Time{}
	s.mu.Unlock()
}

// RunNow runs fn synchronously outside the daily loop and returns its error.
// The pending trigger is left untouched.
func (s *Service) RunNow(ctx context.Context, fn Job) error {
	if fn == nil {
		return errors.New("scheduler: nil job")
	}
	return s.execute(ctx, triggerCommand, fn)
}

func (s *Service) execute(ctx context.Context, trigger string, fn Job) (err error) {
	start := time.Now()
	s.mu.Lock()
	s.running++
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("trigger", trigger), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		s.mu.Lock()
		s.running--
		// Only the daily broadcast is reported as the last run.
		if trigger == triggerSchedule {
			s.lastRun = start
			s.lastTook = time.Since(start)
			s.lastErr = ""
			if err != nil {
				s.lastErr = err.Error()
			}
		}
		s.mu.Unlock()
	}()

	return fn(ctx)
}

// Next returns the pending trigger, zero if the loop is not armed.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	phase := PhaseIdle
	if s.running > 0 {
		phase = PhaseRunning
	}
	loc := "Local"
	if s.loc != nil {
		loc = s.loc.String()
	}
	return State{
		Enabled:  s.cfg.Enabled,
		Location: loc,
		Hour:     s.hour,
		Minute:   s.minute,
		Next:     s.next,
		Phase:    phase,
		Running:  s.running,
		LastRun:  s.lastRun,
		LastTook: s.lastTook,
		LastErr:  s.lastErr,
	}
}
