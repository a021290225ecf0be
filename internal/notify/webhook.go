package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{{ toJson .Alert }}`

// WebhookPayload is the data a webhook template renders.
type WebhookPayload struct {
	Project     string
	Alert       Alert
	GeneratedAt time.Time
}

var webhookFuncs = template.FuncMap{
	"toJson": func(v any) (string, error) {
		encoded, err := json.Marshal(v)
		return string(encoded), err
	},
	"upper": strings.ToUpper,
	"rfc3339": func(t time.Time) string {
		return t.UTC().Format(time.RFC3339)
	},
}

// WebhookNotifier renders each alert through a text/template and posts the
// result. Output that parses as JSON is sent as application/json, anything
// else as text/plain.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	channel  *channel
	now      func() time.Time
}

// NewWebhookNotifier returns nil when webhookURL is empty. tmpl is either the
// template text or "@" followed by a file path to read it from; empty selects
// the alert as JSON.
func NewWebhookNotifier(logger zerolog.Logger, webhookURL, tmpl string, opts ...Option) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, nil
	}
	text, err := templateText(tmpl)
	if err != nil {
		return nil, err
	}
	parsed, err := template.New("webhook").Option("missingkey=error").Funcs(webhookFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		channel:  newChannel(logger, "webhook", webhookURL, resolveTiming(opts)),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func templateText(tmpl string) (string, error) {
	switch {
	case tmpl == "":
		return defaultWebhookTemplate, nil
	case strings.HasPrefix(tmpl, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(tmpl, "@"))
		if err != nil {
			return "", fmt.Errorf("read webhook template: %w", err)
		}
		return string(data), nil
	}
	return tmpl, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	if n == nil {
		return nil
	}
	body, err := n.render(alert)
	if err != nil {
		return err
	}
	contentType := "text/plain; charset=utf-8"
	if json.Valid(body) {
		contentType = "application/json"
	}
	if err := n.channel.send(ctx, alert.Service, contentType, body); err != nil {
		return err
	}

	n.logger.Debug().
		Str("service", alert.Service).
		Str("kind", string(alert.Kind)).
		Str("content_type", contentType).
		Msg("webhook alert sent")
	return nil
}

func (n *WebhookNotifier) render(alert Alert) ([]byte, error) {
	var buf bytes.Buffer
	payload := WebhookPayload{Project: projectKey(alert), Alert: alert, GeneratedAt: n.now()}
	if err := n.template.Execute(&buf, payload); err != nil {
		return nil, fmt.Errorf("render webhook template: %w", err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

func (n *WebhookNotifier) String() string { return "webhook" }
