package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackNotifier posts alerts to a Slack incoming webhook as block kit messages.
type SlackNotifier struct {
	logger  zerolog.Logger
	channel *channel
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...Option) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; slack alerts disabled")
	}
	return &SlackNotifier{
		logger:  logger,
		channel: newChannel(logger, "slack", webhookURL, resolveTiming(opts)),
	}
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(buildSlackMessage(alert))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := n.channel.send(ctx, alert.Service, "application/json", payload); err != nil {
		return err
	}

	n.logger.Debug().
		Str("service", alert.Service).
		Str("kind", string(alert.Kind)).
		Msg("slack alert sent")
	return nil
}

func (n *SlackNotifier) String() string { return "slack" }

func buildSlackMessage(alert Alert) slack.WebhookMessage {
	summary := fmt.Sprintf("%s %s: %s", kindEmoji(alert.Kind), alert.Service, kindTitle(alert.Kind))
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, true, false))

	body := slack.NewTextBlockObject("mrkdwn", alert.Message, false, false)
	fields := make([]*slack.TextBlockObject, 0, 4)
	if alert.Action != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Action:*\n`%s`", alert.Action), false, false))
	}
	if alert.Attempt > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Attempts:*\n%d", alert.Attempt), false, false))
	}
	if alert.StreakID != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Streak:*\n`%s`", alert.StreakID), false, false))
	}
	if alert.BundleID != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Diagnostics:*\n`%s`", alert.BundleID), false, false))
	}
	if len(fields) == 0 {
		fields = nil
	}
	section := slack.NewSectionBlock(body, fields, nil)

	at := alert.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	footer := slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Project: *%s*", projectKey(alert)), false, false),
		slack.NewTextBlockObject("mrkdwn", at.UTC().Format(time.RFC3339), false, false),
	)

	blocks := slack.Blocks{BlockSet: []slack.Block{header, section, footer}}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blocks,
	}
}

func kindTitle(kind Kind) string {
	switch kind {
	case KindFailure:
		return "failure detected"
	case KindRecovered:
		return "recovered"
	case KindExhausted:
		return "recovery exhausted, manual action required"
	case KindReset:
		return "recovery streak reset"
	}
	return string(kind)
}

func kindEmoji(kind Kind) string {
	switch kind {
	case KindFailure:
		return ":warning:"
	case KindRecovered:
		return ":white_check_mark:"
	case KindExhausted:
		return ":rotating_light:"
	}
	return ":information_source:"
}
