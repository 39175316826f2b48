// Package supervisor runs the bot's long-lived loops (update dispatch,
// polling, the health server, config watching) under one cancelable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "ffbot/pkg/logx"
)

// Policy decides what a failing loop does to its siblings.
type Policy int

const (
	// Isolate records the failure and leaves the other loops running.
	Isolate Policy = iota
	// FailFast cancels the shared context on the first failure.
	FailFast
)

// Backoff bounds the pause between restarts in Keep. Zero fields take
// DefaultBackoff values.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

var DefaultBackoff = Backoff{Min: 250 * time.Millisecond, Max: 30 * time.Second}

// healthyRun resets the restart backoff once a loop has stayed up this long.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger
	policy Policy

	wg      sync.WaitGroup
	mu      sync.Mutex
	err     error
	running map[string]int
}

func New(parent context.Context, log logx.Logger, policy Policy) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		policy:  policy,
		running: map[string]int{},
	}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops every loop without waiting for them.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure recorded by any loop.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running lists the loops that have not returned yet, sorted by name.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for name, n := range s.running {
		for i := 0; i < n; i++ {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Go runs fn once. A returned error or a panic counts as a failure;
// context.Canceled does not.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.track(name, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.track(name, -1)
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Go0 is Go for loops that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Keep runs fn until the context is canceled, starting it again after every
// return, error or panic. Returning context.Canceled ends the loop. Failures
// are recorded in Err but never cancel the siblings.
func (s *Supervisor) Keep(name string, fn func(ctx context.Context) error, b Backoff) {
	if fn == nil {
		return
	}
	if b.Min <= 0 {
		b.Min = DefaultBackoff.Min
	}
	if b.Max < b.Min {
		b.Max = max(DefaultBackoff.Max, b.Min)
	}

	s.track(name, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.track(name, -1)

		delay := b.Min
		for s.ctx.Err() == nil {
			began := time.Now()
			err := s.call(name, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				err = errors.New("returned early")
			}
			s.record(fmt.Errorf("%s: %w", name, err))

			if time.Since(began) >= healthyRun {
				delay = b.Min
			}
			s.log.Warn("restarting", logx.String("name", name), logx.Duration("in", delay), logx.Err(err))
			t := time.NewTimer(delay)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay = min(delay*2, b.Max)
		}
	}()
}

// Wait blocks until every loop returned or ctx is done. On timeout it logs
// the loops still running.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		s.log.Warn("loops still running", logx.Any("names", s.Running()))
		return ctx.Err()
	}
}

// call runs fn on the shared context and turns a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("loop panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) track(name string, d int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] += d; s.running[name] <= 0 {
		delete(s.running, name)
	}
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.policy == FailFast {
		s.cancel()
	}
}
