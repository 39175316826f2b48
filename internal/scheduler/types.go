package scheduler

import (
	"context"
	"time"
)

const (
	DefaultAt         = "06:10"
	DefaultTimezone   = "America/New_York"
	DefaultRunTimeout = 10 * time.Minute
)

type Config struct {
	Enabled bool
	// Timezone is an IANA name; empty means the process local zone.
	Timezone string
	// At is the daily trigger as "HH:MM" in Timezone.
	At string
	// RunTimeout bounds a scheduled run; 0 means DefaultRunTimeout.
	RunTimeout time.Duration
}

// Job is the work done at each daily trigger.
type Job func(ctx context.Context) error

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
)

// State is a point-in-time view of the scheduler.
type State struct {
	Enabled  bool
	Location string
	Hour     int
	Minute   int
	// Next is the pending trigger; zero when the loop is not armed.
	Next    time.Time
	Phase   Phase
	Running int

	LastRun  time.Time
	LastTook time.Duration
	LastErr  string
}

// Recorder observes trigger arming. metrics.Metrics implements it.
type Recorder interface {
	TriggerArmed(next time.Time)
}

type nopRecorder struct{}

func (nopRecorder) TriggerArmed(time.Time) {}
