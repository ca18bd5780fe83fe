package kommo

import (
	"context"
	"time"
)

// SetSleep replaces the retry wait of c.
func SetSleep(c *Client, fn func(context.Context, time.Duration) error) { c.sleep = fn }

var ParseRetryAfter = parseRetryAfter
