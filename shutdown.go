package kommobridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDrainTimeout is the cause of the hard context when the drain timeout
// elapsed before the pipeline stopped.
var ErrDrainTimeout = errors.New("drain timeout exceeded")

// Shutdown coordinates the two-phase termination of the pipeline.
// On Stop the graceful context is canceled immediately and the hard context
// is canceled once the drain timeout elapses.
type Shutdown struct {
	drainTimeout time.Duration

	graceful       context.Context
	cancelGraceful context.CancelFunc
	hard           context.Context
	cancelHard     context.CancelCauseFunc
	stopParent     func() bool

	lock  sync.Mutex
	timer *time.Timer
	done  bool
}

// NewShutdown creates a coordinator that is stopped automatically
// when parent is canceled, for example by a termination signal.
func NewShutdown(parent context.Context, drainTimeout time.Duration) *Shutdown {
	s := &Shutdown{drainTimeout: drainTimeout}
	s.graceful, s.cancelGraceful = context.WithCancel(context.Background())
	s.hard, s.cancelHard = context.WithCancelCause(context.Background())
	s.stopParent = context.AfterFunc(parent, s.Stop)
	return s
}

// Graceful is canceled when termination is requested.
// New work must not be started after it's done.
func (s *Shutdown) Graceful() context.Context { return s.graceful }

// Hard is canceled once the drain timeout elapsed after the termination request.
// In-flight work runs under it.
func (s *Shutdown) Hard() context.Context { return s.hard }

// Stop requests termination. Subsequent calls are no-ops.
func (s *Shutdown) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.done || s.timer != nil {
		return
	}
	s.cancelGraceful()
	if s.drainTimeout <= 0 {
		s.cancelHard(ErrDrainTimeout)
		return
	}
	s.timer = time.AfterFunc(s.drainTimeout, func() {
		s.cancelHard(ErrDrainTimeout)
	})
}

// Close releases the coordinator. Both contexts are canceled.
func (s *Shutdown) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.stopParent()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancelGraceful()
	s.cancelHard(context.Canceled)
}
