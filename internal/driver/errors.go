package driver

import (
	"errors"
	"fmt"
)

var (
	// ErrDriverUnavailable reports that the runtime itself cannot be reached.
	ErrDriverUnavailable = errors.New("workload driver unavailable")
	// ErrServiceNotFound reports that a named service has no runtime record.
	ErrServiceNotFound = errors.New("service not found")
)

// ActionError reports a failed start, stop or restart.
type ActionError struct {
	Service string
	Action  string
	Reason  string
	Err     error
}

func (e *ActionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: %s", e.Action, e.Service, e.Reason)
	}
	return fmt.Sprintf("%s %s: %v", e.Action, e.Service, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying on the next cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrDriverUnavailable)
}
