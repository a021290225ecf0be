package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const errorBodyLimit = 1024

type timing struct {
	requestTimeout time.Duration
	every          time.Duration
	burst          int
	initial        time.Duration
	maxInterval    time.Duration
	maxElapsed     time.Duration
	retryAfterCap  time.Duration
}

// A streak produces a handful of alerts at most; the per-service budget only
// matters when a container flaps between streaks.
var defaultTiming = timing{
	requestTimeout: 10 * time.Second,
	every:          2 * time.Second,
	burst:          3,
	initial:        time.Second,
	maxInterval:    10 * time.Second,
	maxElapsed:     30 * time.Second,
	retryAfterCap:  time.Minute,
}

// Option tunes the delivery timing of an HTTP notifier.
type Option func(*timing)

// WithTiming overrides the per-service rate budget and the retry schedule.
func WithTiming(every time.Duration, burst int, initial, maxInterval, maxElapsed time.Duration) Option {
	return func(t *timing) {
		t.every = every
		t.burst = burst
		t.initial = initial
		t.maxInterval = maxInterval
		t.maxElapsed = maxElapsed
	}
}

func resolveTiming(opts []Option) timing {
	t := defaultTiming
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// throttle hands out one token bucket per key.
type throttle struct {
	every time.Duration
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newThrottle(every time.Duration, burst int) *throttle {
	return &throttle{every: every, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (t *throttle) wait(ctx context.Context, key string) error {
	t.mu.Lock()
	bucket, ok := t.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.buckets[key] = bucket
	}
	t.mu.Unlock()
	return bucket.Wait(ctx)
}

// channel posts rendered alerts to one HTTP endpoint.
type channel struct {
	name     string
	url      string
	logger   zerolog.Logger
	client   *retryablehttp.Client
	timing   timing
	throttle *throttle
}

func newChannel(logger zerolog.Logger, name, url string, t timing) *channel {
	client := retryablehttp.NewClient()
	// The retry schedule lives in send so Retry-After hints and the backoff
	// budget are applied in one place.
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) { return false, nil }
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: t.requestTimeout}

	return &channel{
		name:     name,
		url:      url,
		logger:   logger.With().Str("channel", name).Logger(),
		client:   client,
		timing:   t,
		throttle: newThrottle(t.every, t.burst),
	}
}

// send waits for the key's rate budget, then posts body until it is accepted,
// a permanent error is returned or the retry budget runs out.
func (c *channel) send(ctx context.Context, key, contentType string, body []byte) error {
	if err := c.throttle.wait(ctx, key); err != nil {
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.timing.initial
	exp.MaxInterval = c.timing.maxInterval
	exp.MaxElapsedTime = c.timing.maxElapsed
	schedule := &hintedBackOff{BackOff: exp}

	attempt := 0
	op := func() error {
		attempt++
		err := c.post(ctx, contentType, body)
		var failed *deliveryError
		switch {
		case err == nil:
			return nil
		case !errors.As(err, &failed) || !failed.retry:
			return backoff.Permanent(err)
		case failed.after > 0:
			schedule.hint = min(failed.after, c.timing.retryAfterCap)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("alert delivery failed, retrying")
	}
	return backoff.RetryNotify(op, backoff.WithContext(schedule, ctx), notify)
}

func (c *channel) post(ctx context.Context, contentType string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timing.requestTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return &deliveryError{retry: true, err: fmt.Errorf("%s request failed: %w", c.name, err)}
	}
	defer resp.Body.Close()
	return classify(c.name, resp)
}

// classify maps a response onto nil, a retryable error or a permanent one.
func classify(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		after, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &deliveryError{retry: true, after: after, err: fmt.Errorf("%s rate limited: %s", name, resp.Status)}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &deliveryError{retry: true, err: fmt.Errorf("%s server error: %s", name, resp.Status)}
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if text := strings.TrimSpace(string(raw)); text != "" {
		return fmt.Errorf("%s request failed: %s (%s)", name, resp.Status, text)
	}
	return fmt.Errorf("%s request failed: %s", name, resp.Status)
}

// parseRetryAfter accepts delay seconds or an HTTP date.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	if wait := time.Until(when); wait > 0 {
		return wait, true
	}
	return 0, false
}

type deliveryError struct {
	retry bool
	after time.Duration
	err   error
}

func (e *deliveryError) Error() string {
	if e.after > 0 {
		return fmt.Sprintf("%v; retry after %s", e.err, e.after)
	}
	return e.err.Error()
}

func (e *deliveryError) Unwrap() error { return e.err }

// hintedBackOff follows a Retry-After hint for the next wait while still
// charging the wait against the exponential budget.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop || b.hint <= 0 {
		return next
	}
	next, b.hint = b.hint, 0
	return next
}
