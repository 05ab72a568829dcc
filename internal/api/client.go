package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	initialBackoff = 500 * time.Millisecond
	maxErrorBody   = 4 << 10
)

// ErrNotFound matches any 404 response via errors.Is.
var ErrNotFound = errors.New("not found")

// Error is returned for non-2xx responses.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: server returned %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: server returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string // optional bearer token
	HTTPClient *http.Client
	MaxRetries int     // retries on 429/503; 0 means a single attempt
	RateLimit  float64 // requests per second; 0 disables pacing
	Logger     *slog.Logger
}

// Client talks JSON over HTTP to the assistant backend. Timeouts belong to
// the underlying http.Client; the client adds none of its own.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	limiter    *rate.Limiter
	reads      singleflight.Group
	// writes changes whenever a mutation starts or ends; it is part of the
	// singleflight key so a read never joins one begun before a write.
	writes atomic.Uint64
	logger *slog.Logger
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: hc,
		maxRetries: opts.MaxRetries,
		logger:     logger,
	}
	if opts.RateLimit > 0 {
		burst := int(math.Ceil(opts.RateLimit))
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// BaseURL returns the backend root the client was configured with.
func (c *Client) BaseURL() string { return c.baseURL }

// get shares one round-trip between identical reads in flight at the same
// time, as long as no mutation started or finished in between. The shared
// request is not tied to any one caller's cancellation; each caller stops
// waiting when its own ctx is done.
func (c *Client) get(ctx context.Context, path string, out any) error {
	key := strconv.FormatUint(c.writes.Load(), 10) + " " + path
	ch := c.reads.DoChan(key, func() (any, error) {
		return c.do(context.WithoutCancel(ctx), http.MethodGet, path, nil)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return decodeBody(res.Val.([]byte), out)
	}
}

// mutate performs a write and moves the read generation on both sides of
// it.
func (c *Client) mutate(ctx context.Context, method, path string, body any) ([]byte, error) {
	c.writes.Add(1)
	defer c.writes.Add(1)
	return c.do(ctx, method, path, body)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := c.mutate(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return decodeBody(data, out)
}

func (c *Client) patch(ctx context.Context, path string, body, out any) error {
	data, err := c.mutate(ctx, http.MethodPatch, path, body)
	if err != nil {
		return err
	}
	return decodeBody(data, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	_, err := c.mutate(ctx, http.MethodDelete, path, nil)
	return err
}

// do performs the request with retries on rate limiting and returns the
// raw response body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt-1)))
			c.logger.Debug("retrying request", "method", method, "path", path, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		data, err := c.doOnce(ctx, method, path, payload)
		if err == nil {
			return data, nil
		}
		var apiErr *Error
		if !errors.As(err, &apiErr) || !retryable(apiErr.StatusCode) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("giving up after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: backend not reachable: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}
	return data, nil
}

func decodeBody(data []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
