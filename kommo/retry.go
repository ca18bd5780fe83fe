package kommo

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/romshark/kommobridge/internal/backoff"
)

// RetryPolicy governs how failed calls are retried.
type RetryPolicy struct {
	// MaxRetries is the maximum total number of attempts of a single call.
	// Values below 1 are treated as 1.
	MaxRetries int

	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Jitter randomizes backoff delays by up to 20%.
	Jitter bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		Jitter:      true,
	}
}

func (p RetryPolicy) attempts() int { return max(p.MaxRetries, 1) }

func (p RetryPolicy) backoff() (backoff.Backoff, error) {
	jitter := 0.0
	if p.Jitter {
		jitter = .2
	}
	maxBackoff := max(p.MaxBackoff, p.BaseBackoff)
	b, err := backoff.New(p.BaseBackoff, maxBackoff, 2, jitter, nil)
	if err != nil {
		return backoff.Backoff{}, fmt.Errorf("invalid retry policy: %w", err)
	}
	return b, nil
}

// retryDelay returns how long to wait before the next attempt after err
// failed attempt n, and whether to retry at all.
func retryDelay(b backoff.Backoff, err error, n int) (d time.Duration, reason string, ok bool) {
	var (
		rateLimit *RateLimitError
		generic   *GenericError
	)
	switch {
	case errors.As(err, &rateLimit):
		if rateLimit.RetryAfter > 0 {
			return rateLimit.RetryAfter, "rate_limit", true
		}
		return b.Duration(n), "rate_limit", true
	case errors.As(err, &generic) && generic.retryable():
		if generic.StatusCode == 0 {
			return b.Duration(n), "network", true
		}
		return b.Duration(n), "server_error", true
	}
	return 0, "", false
}

// parseRetryAfter parses a Retry-After header in either
// delay-seconds or HTTP-date form. Negative waits are clamped to 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return max(time.Duration(secs*float64(time.Second)), 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}
