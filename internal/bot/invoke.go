package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"ffbot/internal/delivery"
	logx "ffbot/pkg/logx"
)

// HandlerFunc serves one parsed command.
type HandlerFunc func(ctx context.Context, req *Request) error

// Outcome labels how a command ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
	OutcomePanic   Outcome = "panic"
)

// slowCommand promotes a successful command to an info log line.
const slowCommand = 5 * time.Second

// Recorder observes finished commands. metrics.Metrics implements it.
type Recorder interface {
	CommandDone(command, outcome string, took time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) CommandDone(string, string, time.Duration) {}

// invoke runs cmd for req under timeout. A panicking handler is turned into
// an error so the worker keeps serving.
func (b *Bot) invoke(ctx context.Context, cmd Command, req *Request, timeout time.Duration) (err error) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := OutcomeOK
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomePanic
			err = fmt.Errorf("%s: panic: %v", cmd.Name, r)
			req.Logger.Error("command panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		took := time.Since(start)
		b.rec.CommandDone(cmd.Name, string(outcome), took)
		logOutcome(req, outcome, took, err)
	}()

	err = cmd.Handle(cctx, req)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && cctx.Err() != nil:
		outcome = OutcomeTimeout
	default:
		outcome = OutcomeFailed
	}
	return err
}

func logOutcome(req *Request, outcome Outcome, took time.Duration, err error) {
	fields := []logx.Field{
		logx.String("channel", delivery.TelegramID(req.Chat)),
		logx.String("outcome", string(outcome)),
		logx.Duration("took", took),
	}
	if len(req.Args) > 0 {
		fields = append(fields, logx.String("args", strings.Join(req.Args, " ")))
	}
	switch {
	case outcome == OutcomePanic:
		// already logged with the stack
	case err != nil:
		req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
	case took >= slowCommand:
		req.Logger.Info("command done", fields...)
	default:
		req.Logger.Debug("command done", fields...)
	}
}
