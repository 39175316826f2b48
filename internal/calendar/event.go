// Package calendar owns the economic-calendar event model, the cached feed
// store, the significance filter and the chat message formatter.
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Impact is the feed's qualitative severity tier.
type Impact string

const (
	ImpactHigh   Impact = "High"
	ImpactMedium Impact = "Medium"
	ImpactLow    Impact = "Low"
	ImpactNone   Impact = "None"
)

// Event is one calendar entry as projected from the feed.
//
// Date keeps the feed's raw string: day filtering compares it textually.
// Optional fields are nil when the feed omitted them or sent null.
type Event struct {
	Title    string  `json:"title"`
	Country  string  `json:"country"`
	Date     string  `json:"date"`
	Time     *string `json:"time"`
	Impact   Impact  `json:"impact"`
	Forecast *string `json:"forecast"`
	Previous *string `json:"previous"`
}

// Snapshot is the full event list as of the last successful fetch.
type Snapshot struct {
	Events []Event
	// FetchedAt is the cache file's modification time.
	FetchedAt time.Time
	// FromCache is false only for the call that performed the fetch.
	FromCache bool
}

// ParseError reports an event date that could not be parsed.
type ParseError struct {
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("calendar: unparseable event date %q: %v", e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// dateLayouts are tried in order. The feed sends RFC 3339 with an offset;
// the rest cover hand-edited cache files.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// When parses the event date. Values without an offset are read as UTC.
func (e Event) When() (time.Time, error) {
	raw := strings.TrimSpace(e.Date)
	var firstErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, &ParseError{Value: e.Date, Err: firstErr}
}
