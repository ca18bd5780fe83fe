// Package backoff provides a calculator for exponential backoff with jitter
// and context-aware waiting on top of it.
package backoff

import (
	"context"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

var timeNow = func() time.Time { return time.Now() }

// RandReader provides https://pkg.go.dev/math/rand/v2#Float64.
type RandReader interface{ Float64() float64 }

// Backoff is a stateless exponential backoff with jitter calculator.
type Backoff struct {
	Min        time.Duration // Minimum backoff duration (must be greater 0 and Max).
	Max        time.Duration // Maximum backoff duration.
	Factor     float64       // Exponential growth factor. Must be greater 1.0.
	Jitter     float64       // Jitter ratio in [0.0, 1.0]
	RandSource RandReader    // Global math/rand/v2 source if nil.
}

// New checks the parameters and returns a new backoff if they're correct,
// otherwise returns an error. If randSource==nil the goroutine-safe global
// source of math/rand/v2 is used. A non-nil randSource must be safe for
// concurrent use if the backoff is shared between goroutines.
func New(
	min, max time.Duration, factor, jitter float64, randSource RandReader,
) (Backoff, error) {
	if min <= 0 {
		return Backoff{}, fmt.Errorf("min(%d) must be >0", min)
	}
	if min > max {
		return Backoff{}, fmt.Errorf("min(%s) > max(%s)", min, max)
	}
	if factor <= 1.0 {
		return Backoff{}, fmt.Errorf("factor(%g) must be >1.0", factor)
	}
	if jitter < 0 || jitter > 1 {
		return Backoff{}, fmt.Errorf("jitter(%g) must be >=0.0 && <=1.0", jitter)
	}
	return Backoff{
		Min:        min,
		Max:        max,
		Factor:     factor,
		Jitter:     jitter,
		RandSource: randSource,
	}, nil
}

// MustNew is like New but panics on invalid parameters.
// It's meant for package-level defaults.
func MustNew(min, max time.Duration, factor, jitter float64) Backoff {
	b, err := New(min, max, factor, jitter, nil)
	if err != nil {
		panic(fmt.Errorf("invalid backoff: %w", err))
	}
	return b
}

// Duration returns the backoff delay for attempt.
// Returns 0 when attempt <1.
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		return 0 // The first attempt is never delayed.
	}
	exp := float64(b.Min) * math.Pow(b.Factor, float64(attempt-1))
	d := time.Duration(min(exp, float64(b.Max)))
	if b.Jitter == 0 {
		return d
	}
	random := rand.Float64
	if b.RandSource != nil {
		random = b.RandSource.Float64
	}
	randomJitterFactor := random()*2 - 1 // In [-1.0, 1.0]
	delta := float64(d) * b.Jitter * randomJitterFactor
	return max(d+time.Duration(delta), b.Min)
}

// Atomic is a stateful backoff with internal atomic counter.
// It's used for reconnect loops where a long lived connection should not
// be penalized by the delays of earlier failures.
type Atomic struct {
	lock         sync.Mutex
	retryAttempt int32
	lastAttempt  time.Time
	config       Backoff
}

func NewAtomic(config Backoff) *Atomic {
	return &Atomic{config: config}
}

// Reset resets the attempt counter.
func (b *Atomic) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.lastAttempt, b.retryAttempt = time.Time{}, 0
}

// Attempts returns the number of times Duration was called since the last Reset.
func (b *Atomic) Attempts() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return int(b.retryAttempt)
}

// Duration returns zero for the first attempt and if the time difference between
// now and the last call to Duration() is greater than the backoff duration,
// otherwise returns the backoff duration minus the time since last call.
func (b *Atomic) Duration() time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()

	now := timeNow()
	attempt := b.retryAttempt
	b.retryAttempt++
	d := b.config.Duration(int(attempt))
	if b.lastAttempt.IsZero() { // The is the first ever attempt.
		b.lastAttempt = now
		return d
	}
	alreadyWaited := now.Sub(b.lastAttempt)
	b.lastAttempt = now
	if alreadyWaited > d {
		return 0
	}
	return d - alreadyWaited
}

// Iter returns an iterator over an atomic backoff.
func (b *Atomic) Iter() iter.Seq2[int, time.Duration] {
	return func(yield func(int, time.Duration) bool) {
		for i := 0; ; i++ {
			if !yield(i, b.Duration()) {
				break
			}
		}
	}
}

// Sleep blocks for d or until ctx is canceled, whichever comes first.
// Returns ctx.Err() if ctx was canceled before d elapsed.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}
	return nil
}
