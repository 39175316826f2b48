// Package delivery fans a formatted batch out to destination channels.
//
// Destinations come from a Directory so the fan-out never depends on a
// concrete chat backend. Every channel is delivered independently: one
// channel failing, panicking or stalling does not affect the others.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Channel identifies one destination. ID is "<scheme>:<local id>".
type Channel struct {
	ID   string
	Name string
}

func (c Channel) String() string {
	if c.Name == "" {
		return c.ID
	}
	return fmt.Sprintf("%s (%s)", c.ID, c.Name)
}

// SplitID splits a channel id into its scheme and local part.
func SplitID(id string) (scheme, local string) {
	scheme, local, ok := strings.Cut(id, ":")
	if !ok {
		return "", id
	}
	return scheme, local
}

// Directory lists destinations and talks to them.
type Directory interface {
	Channels(ctx context.Context) ([]Channel, error)
	// CanSend reports whether messages may currently be posted to ch.
	CanSend(ctx context.Context, ch Channel) (bool, error)
	Send(ctx context.Context, ch Channel, text string) error
}

// DeliveryError reports the first message of a batch that could not be sent
// to a channel. Messages before Index were delivered.
type DeliveryError struct {
	Channel Channel
	Index   int
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed at message %d: %v", e.Channel.ID, e.Index+1, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Report summarises one DeliverToAll call. Channel lists keep the order
// returned by Directory.Channels.
type Report struct {
	Delivered []Channel
	Skipped   []Channel
	// Failed maps channel id to its error.
	Failed map[string]error
	// ListErr is set when the directory could not list channels at all.
	ListErr error
	Took    time.Duration
}

func (r Report) Total() int { return len(r.Delivered) + len(r.Skipped) + len(r.Failed) }
