package kommo

import (
	"errors"
	"fmt"
	"time"
)

// ErrAPI is matched by every error the client returns for a failed call.
var ErrAPI = errors.New("kommo api error")

// AuthError is returned for 401 responses. It is never retried.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("kommo: authentication failed (%d): %s", e.StatusCode, e.Body)
}

func (e *AuthError) Is(target error) bool { return target == ErrAPI }

// RateLimitError is returned when the call was still rate limited
// after the last permitted attempt.
type RateLimitError struct {
	// RetryAfter is the wait the server requested on the last response.
	// Zero if it didn't specify one.
	RetryAfter time.Duration
	Attempts   int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("kommo: rate limit exceeded after %d attempt(s) (retry after %s)",
		e.Attempts, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrAPI }

// GenericError is any other failure. StatusCode is 0 for transport
// failures in which case Err holds the cause.
type GenericError struct {
	StatusCode int
	Body       string
	Err        error

	// permanent marks local failures such as request construction
	// that fail the same way on every attempt.
	permanent bool
}

func (e *GenericError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("kommo: request failed: %v", e.Err)
	}
	return fmt.Sprintf("kommo: http error %d: %s", e.StatusCode, e.Body)
}

func (e *GenericError) Is(target error) bool { return target == ErrAPI }

func (e *GenericError) Unwrap() error { return e.Err }

// retryable returns true for transport failures and 5xx responses.
func (e *GenericError) retryable() bool {
	if e.permanent {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode >= 500
}
