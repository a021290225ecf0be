package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

func exhaustedAlert() Alert {
	return Alert{
		Kind:     KindExhausted,
		Project:  "shop",
		Service:  "worker",
		StreakID: "6f1c",
		Action:   "full-rebuild",
		Attempt:  6,
		Message:  "worker is still exited-failed after 6 recovery attempts",
		BundleID: "20240501T120000Z-worker",
		At:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildSlackMessage(t *testing.T) {
	msg := buildSlackMessage(exhaustedAlert())

	if !strings.Contains(msg.Text, "worker") || !strings.Contains(msg.Text, "manual action required") {
		t.Fatalf("unexpected summary %q", msg.Text)
	}
	if msg.Blocks == nil || len(msg.Blocks.BlockSet) != 3 {
		t.Fatalf("expected header, section and context blocks")
	}
	section, ok := msg.Blocks.BlockSet[1].(*slack.SectionBlock)
	if !ok {
		t.Fatalf("expected section block, got %T", msg.Blocks.BlockSet[1])
	}
	if len(section.Fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(section.Fields))
	}
	if !strings.Contains(section.Fields[3].Text, "20240501T120000Z-worker") {
		t.Fatalf("expected bundle id field, got %q", section.Fields[3].Text)
	}
}

func TestBuildSlackMessageOmitsEmptyFields(t *testing.T) {
	msg := buildSlackMessage(Alert{Kind: KindReset, Service: "db", Message: "streak reset by operator"})

	section, ok := msg.Blocks.BlockSet[1].(*slack.SectionBlock)
	if !ok {
		t.Fatalf("expected section block, got %T", msg.Blocks.BlockSet[1])
	}
	if section.Fields != nil {
		t.Fatalf("expected no fields, got %d", len(section.Fields))
	}
}

func TestSlackNotifierRetriesOnServerError(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt32(&calls, 1)
		if count <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	logger := zerolog.New(io.Discard)
	notifier := NewSlackNotifier(logger, server.URL,
		WithTiming(time.Millisecond, 1, 5*time.Millisecond, 10*time.Millisecond, 50*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := notifier.Notify(ctx, exhaustedAlert()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSlackNotifierRetryAfterError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(zerolog.Nop(), server.URL)
	slackNotifier, ok := notifier.(*SlackNotifier)
	if !ok {
		t.Fatalf("expected SlackNotifier, got %T", notifier)
	}

	err := slackNotifier.channel.post(context.Background(), "application/json", []byte(`{}`))
	var failed *deliveryError
	if !errors.As(err, &failed) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	if !failed.retry || failed.after != time.Second {
		t.Fatalf("expected retryable error with a 1s hint, got %+v", failed)
	}
}

func TestSlackNotifierRateLimitIsPerService(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(zerolog.Nop(), server.URL,
		WithTiming(500*time.Millisecond, 1, time.Millisecond, 2*time.Millisecond, 20*time.Millisecond),
	)

	if err := notifier.Notify(context.Background(), Alert{Kind: KindFailure, Service: "db"}); err != nil {
		t.Fatalf("expected first notify to succeed, got %v", err)
	}
	if err := notifier.Notify(context.Background(), Alert{Kind: KindFailure, Service: "api"}); err != nil {
		t.Fatalf("expected another service to have its own budget, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := notifier.Notify(ctx, Alert{Kind: KindFailure, Service: "db"}); err == nil {
		t.Fatalf("expected rate limit error, got nil")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected rate limit to block the third call, got %d calls", got)
	}
}

func TestSlackNotifierClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid_payload"))
	}))
	defer server.Close()

	notifier := NewSlackNotifier(zerolog.Nop(), server.URL,
		WithTiming(time.Millisecond, 1, time.Millisecond, 2*time.Millisecond, 20*time.Millisecond),
	)

	err := notifier.Notify(context.Background(), exhaustedAlert())
	if err == nil {
		t.Fatalf("expected error for 400 response, got nil")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "invalid_payload") {
		t.Fatalf("expected status and body in error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 call (no retries for 4xx), got %d", got)
	}
}

func TestSlackNotifierContextCancellation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(zerolog.Nop(), server.URL,
		WithTiming(time.Millisecond, 1, 100*time.Millisecond, 200*time.Millisecond, time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := notifier.Notify(ctx, exhaustedAlert())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled error, got %v", err)
	}
}

func TestNewSlackNotifierWithoutWebhook(t *testing.T) {
	if _, ok := NewSlackNotifier(zerolog.Nop(), "").(*NoopNotifier); !ok {
		t.Fatalf("expected noop notifier without webhook")
	}
}

func TestSlackNotifierFollowsRetryAfter(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(zerolog.Nop(), server.URL,
		WithTiming(time.Millisecond, 1, time.Millisecond, 2*time.Millisecond, 5*time.Second),
	)

	started := time.Now()
	if err := notifier.Notify(context.Background(), exhaustedAlert()); err != nil {
		t.Fatalf("expected delivery after the hinted wait, got %v", err)
	}
	if waited := time.Since(started); waited < time.Second {
		t.Fatalf("expected the Retry-After hint to be honoured, retried after %s", waited)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{value: "", ok: false},
		{value: "0", ok: false},
		{value: "3", want: 3 * time.Second, ok: true},
		{value: "soon", ok: false},
		{value: "Mon, 02 Jan 2006 15:04:05 GMT", ok: false},
	}
	for _, tc := range cases {
		got, ok := parseRetryAfter(tc.value)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseRetryAfter(%q) = %s, %v; want %s, %v", tc.value, got, ok, tc.want, tc.ok)
		}
	}
}
