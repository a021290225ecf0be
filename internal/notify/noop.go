package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// NoopNotifier drops alerts. It is selected when no channel is configured.
type NoopNotifier struct{}

// NewNoop logs why alerts are disabled and returns a notifier that drops them.
func NewNoop(logger zerolog.Logger, reason string) *NoopNotifier {
	if reason != "" {
		logger.Info().Msg(reason)
	}
	return &NoopNotifier{}
}

func (*NoopNotifier) Notify(context.Context, Alert) error { return nil }

func (*NoopNotifier) String() string { return "none" }
