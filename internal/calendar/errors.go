package calendar

import (
	"errors"
	"fmt"
)

// Fetch failure kinds. Match them with errors.Is on any error returned by
// Store.GetEvents.
var (
	ErrRateLimited = errors.New("rate limited by calendar feed")
	ErrUpstream    = errors.New("calendar feed returned an error")
	ErrNetwork     = errors.New("calendar feed unreachable")
)

// FetchError carries one of the fetch kinds plus the HTTP status (if any)
// and the underlying cause.
type FetchError struct {
	Kind       error
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("calendar: %v (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("calendar: %v (status %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("calendar: %v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("calendar: %v", e.Kind)
	}
}

func (e *FetchError) Is(target error) bool { return target == e.Kind }

func (e *FetchError) Unwrap() error { return e.Err }
