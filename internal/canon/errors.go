package canon

import "fmt"

// Error is returned for any canonicalization failure. All such failures map
// to the wire error code validation_failed (the core never interprets the
// cause beyond that).
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("canon: %s", e.Reason)
}

func newError(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}
