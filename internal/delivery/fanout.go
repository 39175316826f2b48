package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "ffbot/pkg/logx"
)

type Config struct {
	Workers    int
	RatePerSec int
}

// Recorder receives per-channel outcomes ("delivered", "skipped", "failed").
type Recorder interface {
	ChannelResult(result string)
}

type nopRecorder struct{}

func (nopRecorder) ChannelResult(string) {}

// Fanout delivers batches to every eligible channel of a Directory using a
// bounded worker pool and a shared send rate limit.
type Fanout struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	log     logx.Logger
	rec     Recorder
}

func New(cfg Config, log logx.Logger) *Fanout {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Fanout{log: log, rec: nopRecorder{}}
	f.Apply(cfg)
	return f
}

// SetRecorder installs an outcome recorder. nil restores the no-op one.
func (f *Fanout) SetRecorder(r Recorder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r == nil {
		r = nopRecorder{}
	}
	f.rec = r
}

func (f *Fanout) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	f.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// DeliverToChannel sends batch to ch in order, without rate limiting.
func DeliverToChannel(ctx context.Context, dir Directory, ch Channel, batch []string) error {
	return deliver(ctx, dir, ch, batch, nil)
}

// DeliverToChannel sends batch to ch in order under the fan-out rate limit.
func (f *Fanout) DeliverToChannel(ctx context.Context, dir Directory, ch Channel, batch []string) error {
	f.mu.Lock()
	lim := f.limiter
	f.mu.Unlock()
	return deliver(ctx, dir, ch, batch, lim)
}

func deliver(ctx context.Context, dir Directory, ch Channel, batch []string, lim *rate.Limiter) error {
	for i, msg := range batch {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return &DeliveryError{Channel: ch, Index: i, Err: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return &DeliveryError{Channel: ch, Index: i, Err: err}
		}
		if err := dir.Send(ctx, ch, msg); err != nil {
			return &DeliveryError{Channel: ch, Index: i, Err: err}
		}
	}
	return nil
}

// DeliverToAll uses a default Fanout. See Fanout.DeliverToAll.
func DeliverToAll(ctx context.Context, dir Directory, batch []string) Report {
	return New(Config{}, logx.Nop()).DeliverToAll(ctx, dir, batch)
}

type outcome struct {
	skipped bool
	err     error
}

// DeliverToAll lists every channel, checks eligibility and delivers batch to
// each eligible one. It never returns early because of a single channel.
func (f *Fanout) DeliverToAll(ctx context.Context, dir Directory, batch []string) Report {
	start := time.Now()
	rep := Report{Failed: map[string]error{}}

	channels, err := dir.Channels(ctx)
	if err != nil {
		f.log.Error("list channels failed", logx.Err(err))
		rep.ListErr = fmt.Errorf("list channels: %w", err)
		rep.Took = time.Since(start)
		return rep
	}
	if len(channels) == 0 {
		f.log.Info("no destination channels known")
		rep.Took = time.Since(start)
		return rep
	}

	f.mu.Lock()
	workers := f.cfg.Workers
	lim := f.limiter
	rec := f.rec
	f.mu.Unlock()
	if workers > len(channels) {
		workers = len(channels)
	}

	results := make([]outcome, len(channels))
	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = f.deliverOne(ctx, dir, channels[idx], batch, lim)
			}
		}()
	}
	for i := range channels {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, ch := range channels {
		res := results[i]
		switch {
		case res.err != nil:
			rep.Failed[ch.ID] = res.err
			rec.ChannelResult("failed")
			f.log.Warn("channel delivery failed", logx.String("channel", ch.ID), logx.String("name", ch.Name), logx.Err(res.err))
		case res.skipped:
			rep.Skipped = append(rep.Skipped, ch)
			rec.ChannelResult("skipped")
			f.log.Debug("channel skipped; no send permission", logx.String("channel", ch.ID))
		default:
			rep.Delivered = append(rep.Delivered, ch)
			rec.ChannelResult("delivered")
		}
	}
	rep.Took = time.Since(start)

	fields := []logx.Field{
		logx.Int("channels", len(channels)),
		logx.Int("delivered", len(rep.Delivered)),
		logx.Int("skipped", len(rep.Skipped)),
		logx.Int("failed", len(rep.Failed)),
		logx.Int("messages", len(batch)),
		logx.Duration("took", rep.Took),
	}
	if len(rep.Failed) > 0 {
		f.log.Warn("fan-out finished with failures", fields...)
	} else {
		f.log.Info("fan-out finished", fields...)
	}
	return rep
}

func (f *Fanout) deliverOne(ctx context.Context, dir Directory, ch Channel, batch []string, lim *rate.Limiter) (res outcome) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("panic delivering to channel", logx.String("channel", ch.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = outcome{err: &DeliveryError{Channel: ch, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()

	ok, err := dir.CanSend(ctx, ch)
	if err != nil {
		return outcome{err: &DeliveryError{Channel: ch, Err: fmt.Errorf("permission check: %w", err)}}
	}
	if !ok {
		return outcome{skipped: true}
	}
	if err := deliver(ctx, dir, ch, batch, lim); err != nil {
		var de *DeliveryError
		if !errors.As(err, &de) {
			err = &DeliveryError{Channel: ch, Err: err}
		}
		return outcome{err: err}
	}
	return outcome{}
}
