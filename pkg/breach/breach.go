// Package breach checks account names against the HaveIBeenPwned v3 API.
package breach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the HIBP v3 API root.
	DefaultBaseURL = "https://haveibeenpwned.com/api/v3"
	// UserAgent is sent on every request; HIBP rejects requests without one.
	UserAgent = "SentinelSecurityManager/2.0"

	defaultMaxAttempts = 3
	maxBodySize        = 1 << 20
)

var (
	// ErrUnavailable is returned when the service cannot produce a verdict.
	ErrUnavailable = errors.New("breach: service unavailable")
	// ErrNoAPIKey is returned by Check when called without an API key.
	ErrNoAPIKey = errors.New("breach: api key not configured")
)

// Checker reports whether an account appears in a known breach.
type Checker interface {
	Check(ctx context.Context, username, apiKey string) (bool, error)
}

// Compile-time interface satisfaction check.
var _ Checker = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for retry and failure diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxAttempts bounds the number of requests made for one Check.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackOff replaces the retry policy used when no Retry-After is given.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// Client is the HIBP breachedaccount client.
type Client struct {
	http        *http.Client
	baseURL     string
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      zerolog.Logger
}

// NewClient returns a Client for the public HIBP API.
func NewClient(opts ...Option) *Client {
	c, _ := NewClientWithHTTPClient(&http.Client{Timeout: 15 * time.Second}, DefaultBaseURL, opts...)
	return c
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base URL.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	c := &Client{
		http:        httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		maxAttempts: defaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Check reports whether username appears in any breach. An unknown account
// is not compromised. Rate-limited requests are retried, honouring
// Retry-After; any other failure yields ErrUnavailable.
func (c *Client) Check(ctx context.Context, username, apiKey string) (bool, error) {
	if apiKey == "" {
		return false, ErrNoAPIKey
	}

	endpoint := c.baseURL + "/breachedaccount/" + url.PathEscape(username) + "?truncateResponse=true"
	hint := &retryAfter{wait: -1}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&retryAfterBackOff{BackOff: c.newBackOff(), hint: hint}, uint64(c.maxAttempts-1)),
		ctx,
	)

	var compromised bool
	op := func() error {
		found, err := c.do(ctx, endpoint, apiKey, hint)
		if err != nil {
			return err
		}
		compromised = found
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("wait", wait).Msg("breach check rate limited, retrying")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return compromised, nil
}

// errRateLimited marks a retryable response.
var errRateLimited = errors.New("rate limited")

func (c *Client) do(ctx context.Context, endpoint, apiKey string, hint *retryAfter) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, backoff.Permanent(fmt.Errorf("%w: build request: %v", ErrUnavailable, err))
	}
	req.Header.Set("hibp-api-key", apiKey)
	req.Header.Set("user-agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return false, nil
	case http.StatusOK:
		var breaches []json.RawMessage
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&breaches); err != nil {
			return false, backoff.Permanent(fmt.Errorf("%w: decode response: %v", ErrUnavailable, err))
		}
		return len(breaches) > 0, nil
	case http.StatusTooManyRequests:
		hint.wait = parseRetryAfter(resp.Header.Get("Retry-After"))
		return false, fmt.Errorf("%w: %w", ErrUnavailable, errRateLimited)
	default:
		return false, backoff.Permanent(fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode))
	}
}

// parseRetryAfter reads a delay in seconds. Missing or malformed values
// return -1 so the regular backoff applies.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return -1
	}
	return time.Duration(secs) * time.Second
}

type retryAfter struct {
	wait time.Duration
}

// retryAfterBackOff prefers the server's Retry-After over the wrapped policy.
type retryAfterBackOff struct {
	backoff.BackOff
	hint *retryAfter
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint.wait >= 0 {
		next = b.hint.wait
		b.hint.wait = -1
	}
	return next
}
