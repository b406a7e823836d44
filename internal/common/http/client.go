package http

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client is a time-bounded outbound HTTP client, optionally paced by a token bucket.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewRateLimitedClient allows rps requests per second with the given burst.
func NewRateLimitedClient(timeout time.Duration, rps float64, burst int) *Client {
	c := NewClient(timeout)
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoWithContext(req.Context(), req)
}

// DoWithContext waits for a limiter token, then sends req bound to ctx.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return c.httpClient.Do(req.WithContext(ctx))
}

// StandardClient exposes the underlying client for libraries that need a *http.Client.
func (c *Client) StandardClient() *http.Client {
	return c.httpClient
}

// Wait blocks until the limiter admits one request.
func (c *Client) Wait(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	return c.limiter.Wait(ctx)
}
