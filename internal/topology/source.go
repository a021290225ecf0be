package topology

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const defaultMaxBytes int64 = 5 << 20

// Source retrieves the raw compose document describing the stack.
type Source interface {
	Fetch(ctx context.Context, previousETag string) (FetchResult, error)
}

// FetchResult contains the fetched compose bytes and response metadata.
type FetchResult struct {
	Body        []byte
	ETag        string
	NotModified bool
	// WorkingDir is the directory relative paths in the document resolve against.
	WorkingDir string
}

// Fingerprint computes a SHA-256 hash for the given compose bytes.
func Fingerprint(body []byte) (string, error) {
	if len(body) == 0 {
		return "", errors.New("compose body is empty")
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// FileSource reads the compose document from the local filesystem.
type FileSource struct {
	path     string
	maxBytes int64
}

// NewFileSource constructs a FileSource for path.
func NewFileSource(path string) (*FileSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("compose file path must not be empty")
	}
	return &FileSource{path: path, maxBytes: defaultMaxBytes}, nil
}

// Fetch reads the file. The modification time and size act as the ETag.
func (s *FileSource) Fetch(ctx context.Context, previousETag string) (FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return FetchResult{}, fmt.Errorf("stat compose file: %w", err)
	}
	etag := fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size())
	if previousETag != "" && previousETag == etag {
		return FetchResult{ETag: etag, NotModified: true, WorkingDir: filepath.Dir(s.path)}, nil
	}

	file, err := os.Open(s.path)
	if err != nil {
		return FetchResult{}, fmt.Errorf("open compose file: %w", err)
	}
	defer file.Close()

	body, err := readWithLimit(file, s.maxBytes)
	if err != nil {
		return FetchResult{}, err
	}
	if len(body) == 0 {
		return FetchResult{}, errors.New("compose body is empty")
	}
	return FetchResult{Body: body, ETag: etag, WorkingDir: filepath.Dir(s.path)}, nil
}

// StatusError is returned when the compose endpoint answers with anything
// other than 200 or 304 once retries are exhausted.
type StatusError struct {
	URL    string
	Status string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch compose from %s: %s", e.URL, e.Status)
}

// HTTPSource downloads the compose document. Connection failures, 429 and
// 5xx answers are retried by the client with exponential waits that honour
// Retry-After.
type HTTPSource struct {
	url      string
	maxBytes int64
	client   *retryablehttp.Client
}

// HTTPOption customizes an HTTPSource.
type HTTPOption func(*retryablehttp.Client)

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) HTTPOption {
	return func(c *retryablehttp.Client) {
		if n >= 0 {
			c.RetryMax = n
		}
	}
}

// WithRetryDelay sets the first wait; later waits double up to eight times it.
func WithRetryDelay(d time.Duration) HTTPOption {
	return func(c *retryablehttp.Client) {
		if d > 0 {
			c.RetryWaitMin = d
			c.RetryWaitMax = 8 * d
		}
	}
}

// NewHTTPSource constructs an HTTPSource. timeout bounds each request;
// maxBytes <= 0 selects the default size limit.
func NewHTTPSource(url string, timeout time.Duration, maxBytes int64, opts ...HTTPOption) (*HTTPSource, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("compose url must not be empty")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than zero")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 4 * time.Second
	// Keep the last response so a persistent 5xx surfaces as a StatusError.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	for _, opt := range opts {
		opt(client)
	}
	return &HTTPSource{url: url, maxBytes: maxBytes, client: client}, nil
}

// Fetch downloads the document, sending previousETag as If-None-Match.
func (s *HTTPSource) Fetch(ctx context.Context, previousETag string) (FetchResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("create request: %w", err)
	}
	if previousETag != "" {
		req.Header.Set("If-None-Match", previousETag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return FetchResult{}, ctxErr
		}
		return FetchResult{}, fmt.Errorf("fetch compose: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return FetchResult{ETag: resp.Header.Get("ETag"), NotModified: true, WorkingDir: "."}, nil
	default:
		return FetchResult{}, &StatusError{URL: s.url, Status: resp.Status, Code: resp.StatusCode}
	}

	body, err := readWithLimit(resp.Body, s.maxBytes)
	if err != nil {
		return FetchResult{}, err
	}
	if len(body) == 0 {
		return FetchResult{}, errors.New("compose body is empty")
	}
	return FetchResult{Body: body, ETag: resp.Header.Get("ETag"), WorkingDir: "."}, nil
}

func readWithLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read compose: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("compose body exceeds %d bytes", maxBytes)
	}
	return body, nil
}
