// Package kommo is a client for the Kommo CRM REST API.
//
// Every call goes through a retry wrapper: rate limited calls wait at least
// the server's Retry-After, 5xx responses and transport failures back off
// exponentially, authentication failures are returned immediately.
// All failures match ErrAPI.
package kommo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/romshark/kommobridge/internal/backoff"
	"github.com/romshark/kommobridge/internal/metrics"
)

// maxBodySize limits how much of a response body is read.
const maxBodySize = 4 << 20

// Client is safe for concurrent use.
type Client struct {
	log            *slog.Logger
	baseURL        *url.URL
	token          string
	httpClient     *http.Client
	transport      *http.Transport
	retry          RetryPolicy
	backoff        backoff.Backoff
	requestTimeout time.Duration
	sleep          func(context.Context, time.Duration) error
	now            func() time.Time
}

type Option func(*Client)

// WithBaseURL overrides the API root (default https://{account}.kommo.com/api/).
// Versioned paths such as v4/leads are resolved relative to it.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if parsed, err := url.Parse(strings.TrimSuffix(u, "/") + "/"); err == nil {
			c.baseURL = parsed
		}
	}
}

// WithHTTPClient makes the client use hc instead of its own transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient, c.transport = hc, nil }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithRequestTimeout bounds each single attempt. Default 30s.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// New creates a client for the given account subdomain.
func New(account, token string, opts ...Option) (*Client, error) {
	if account == "" {
		return nil, errors.New("kommo: account is required")
	}
	if token == "" {
		return nil, errors.New("kommo: token is required")
	}
	base, err := url.Parse(fmt.Sprintf("https://%s.kommo.com/api/", url.PathEscape(account)))
	if err != nil {
		return nil, fmt.Errorf("kommo: invalid account %q: %w", account, err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	c := &Client{
		log:            slog.Default(),
		baseURL:        base,
		token:          token,
		transport:      transport,
		httpClient:     &http.Client{Transport: transport},
		retry:          DefaultRetryPolicy(),
		requestTimeout: 30 * time.Second,
		sleep:          backoff.Sleep,
		now:            time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.backoff, err = c.retry.backoff(); err != nil {
		return nil, fmt.Errorf("kommo: %w", err)
	}
	return c, nil
}

// Close releases idle connections of the client's own transport.
func (c *Client) Close() {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
}

// do performs the call with retries and decodes the response into out
// unless out is nil or the response has no content.
func (c *Client) do(
	ctx context.Context, method, path string, query url.Values, in, out any,
) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return &GenericError{
				Err:       fmt.Errorf("encoding request body: %w", err),
				permanent: true,
			}
		}
	}

	attempts := c.retry.attempts()
	var err error
	for n := 1; ; n++ {
		var (
			status int
			body   []byte
		)
		status, body, err = c.attempt(ctx, method, path, query, payload)
		if err == nil {
			if out == nil || len(bytes.TrimSpace(body)) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return &GenericError{
					StatusCode: status,
					Body:       string(body),
					Err:        fmt.Errorf("decoding response: %w", err),
					permanent:  true,
				}
			}
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		delay, reason, retry := retryDelay(c.backoff, err, n)
		if !retry {
			return err
		}
		if n >= attempts {
			break
		}
		c.log.Warn("retrying crm request",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", n),
			slog.String("reason", reason),
			slog.Duration("delay", delay),
			slog.Any("err", err))
		metrics.CRMRetry(reason)
		if serr := c.sleep(ctx, delay); serr != nil {
			return &GenericError{Err: serr}
		}
	}

	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		rateLimit.Attempts = attempts
	}
	return err
}

// attempt performs a single HTTP request and returns the status code and
// body of a successful response. The response body is always closed.
func (c *Client) attempt(
	ctx context.Context, method, path string, query url.Values, payload []byte,
) (status int, body []byte, err error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return 0, nil, &GenericError{
			Err:       fmt.Errorf("creating request: %w", err),
			permanent: true,
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.CRMRequest(method, 0)
		return 0, nil, &GenericError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.CRMRequest(method, resp.StatusCode)

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, &GenericError{Err: fmt.Errorf("reading response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, nil, &RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	case resp.StatusCode == http.StatusUnauthorized:
		return 0, nil, &AuthError{StatusCode: resp.StatusCode, Body: string(body)}
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return 0, nil, &GenericError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.StatusCode, body, nil
}
