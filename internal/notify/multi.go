package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MultiNotifier fans one alert out to every configured channel. A failing
// channel does not stop delivery to the others.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier skips nil notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len returns the number of channels.
func (m *MultiNotifier) Len() int { return len(m.notifiers) }

// Notify returns the joined errors of the channels that failed.
func (m *MultiNotifier) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", describe(n), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiNotifier) String() string {
	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		names = append(names, describe(n))
	}
	return strings.Join(names, ",")
}

func describe(n Notifier) string {
	if s, ok := n.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", n)
}
