package notify

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DryRunNotifier logs the alerts the wrapped channel would have received.
type DryRunNotifier struct {
	logger     zerolog.Logger
	channel    string
	suppressed atomic.Int64
}

// NewDryRunNotifier never calls inner; it only names it in the log.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	channel := "none"
	if inner != nil {
		channel = describe(inner)
	}
	return &DryRunNotifier{logger: logger, channel: channel}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, alert Alert) error {
	n.suppressed.Add(1)
	n.logger.Info().
		Str("channel", n.channel).
		Str("kind", string(alert.Kind)).
		Str("service", alert.Service).
		Str("streak_id", alert.StreakID).
		Str("action", alert.Action).
		Int("attempt", alert.Attempt).
		Str("bundle_id", alert.BundleID).
		Str("message", alert.Message).
		Msg("dry run: alert not sent")
	return nil
}

// Suppressed returns how many alerts were logged instead of delivered.
func (n *DryRunNotifier) Suppressed() int64 { return n.suppressed.Load() }

func (n *DryRunNotifier) String() string { return "dry-run(" + n.channel + ")" }
