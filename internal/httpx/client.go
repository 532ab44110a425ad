package httpx

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	clierr "github.com/ggonzalez94/trendmoon-cli/internal/errors"
)

// Client is a retrying http.RoundTripper. It bounds the wait for response headers
// rather than the whole exchange, so streamed bodies (SSE) stay open as long as the
// caller's context allows.
type Client struct {
	base      http.RoundTripper
	retries   int
	userAgent string
	headers   map[string]string
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		transport.ResponseHeaderTimeout = timeout
	}
	return &Client{
		base:      transport,
		retries:   retries,
		userAgent: "trendmoon-cli/1.0",
		headers:   map[string]string{},
	}
}

// WithHeader sets a header on every request that does not already carry it.
func (c *Client) WithHeader(key, value string) *Client {
	c.headers[key] = value
	return c
}

func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: c}
}

func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	retries := c.retries
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// The body can only be sent once.
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		cloneReq, err := c.prepare(ctx, req, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := c.base.RoundTrip(cloneReq)
		if err != nil {
			lastErr = mapNetError(err)
			if attempt < retries && ctx.Err() == nil {
				continue
			}
			return nil, lastErr
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = clierr.New(clierr.CodeRateLimited, "lookup service rate limited request")
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drain(resp)
			return nil, clierr.New(clierr.CodeAuth, "lookup service authentication failed")
		case resp.StatusCode >= http.StatusInternalServerError:
			lastErr = clierr.New(clierr.CodeUnavailable, fmt.Sprintf("lookup service unavailable (status %d)", resp.StatusCode))
		default:
			return resp, nil
		}

		drain(resp)
		if attempt < retries {
			continue
		}
		return nil, lastErr
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, clierr.New(clierr.CodeUnavailable, "request failed")
}

func (c *Client) prepare(ctx context.Context, req *http.Request, attempt int) (*http.Request, error) {
	cloneReq := req.Clone(ctx)
	if attempt > 0 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
		}
		cloneReq.Body = body
	}
	if cloneReq.Header.Get("User-Agent") == "" {
		cloneReq.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range c.headers {
		if cloneReq.Header.Get(k) == "" {
			cloneReq.Header.Set(k, v)
		}
	}
	return cloneReq, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func mapNetError(err error) error {
	if nerr, ok := err.(net.Error); ok {
		if nerr.Timeout() {
			return clierr.Wrap(clierr.CodeUnavailable, "lookup service timeout", err)
		}
	}
	return clierr.Wrap(clierr.CodeUnavailable, "lookup service request failed", err)
}

func backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}
