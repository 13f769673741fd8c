package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure.
type Kind int

const (
	Timeout Kind = iota + 1
	ConnectionError
	ClientError
	TooManyRedirects
	ExhaustedRetries
	Cancelled
	InvalidRequest
)

var kindNames = map[Kind]string{
	Timeout:          "Timeout",
	ConnectionError:  "ConnectionError",
	ClientError:      "ClientError",
	TooManyRedirects: "TooManyRedirects",
	ExhaustedRetries: "ExhaustedRetries",
	Cancelled:        "Cancelled",
	InvalidRequest:   "InvalidRequest",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Transient kinds are retried.
func (k Kind) Transient() bool {
	return k == Timeout || k == ConnectionError
}

// Error is the failure result of Fetch. For ExhaustedRetries, Cause is the
// last transient *Error.
type Error struct {
	Kind       Kind
	URL        string
	Message    string
	Attempts   int
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrTooManyRedirects is returned by transports when the hop limit is hit.
var ErrTooManyRedirects = errors.New("too many redirects")

// KindOf returns the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
