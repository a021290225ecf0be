package poller

import "fmt"

// CycleError reports a poll cycle that was dropped because the runtime could
// not be reached. Snapshots gathered during such a cycle say nothing about
// the services and must not feed detection.
type CycleError struct {
	// Service is the first service whose query hit the unreachable runtime,
	// empty when the cycle never started.
	Service string
	Err     error
}

func (e *CycleError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("poll cycle dropped: %v", e.Err)
	}
	return fmt.Sprintf("poll cycle dropped at %s: %v", e.Service, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

func dropCycle(service string, err error) error {
	if err == nil {
		return nil
	}
	return &CycleError{Service: service, Err: err}
}
