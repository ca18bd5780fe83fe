package kommobridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/romshark/kommobridge/internal/backoff"
	"github.com/romshark/kommobridge/source"
)

var ErrAlreadyRunning = errors.New("bridge is already running")

// Config configures a Bridge.
type Config struct {
	// Root is the source path to subscribe to.
	Root string

	// QueueSize is the capacity of the intake queue. Default is 100.
	QueueSize int

	// PutTimeout is how long the listener waits for space in a full queue.
	// Default is 5 seconds.
	PutTimeout time.Duration

	// HandlerTimeout bounds every handler invocation. 0 disables the bound.
	HandlerTimeout time.Duration

	// ReconnectBackoff is the source reconnect backoff.
	// A zero value selects the listener default.
	ReconnectBackoff backoff.Backoff
}

// Bridge runs the listener and the dispatch loop.
type Bridge struct {
	src      source.Subscriber
	registry *Registry
	conf     Config
	queue    *Queue

	runLock   sync.Mutex
	connected atomic.Bool
}

// New creates a bridge subscribing to src and dispatching through registry.
func New(src source.Subscriber, registry *Registry, conf Config) (*Bridge, error) {
	switch {
	case src == nil:
		return nil, errors.New("nil source")
	case registry == nil:
		return nil, errors.New("nil registry")
	case conf.QueueSize < 0:
		return nil, fmt.Errorf("invalid queue size: %d", conf.QueueSize)
	case conf.HandlerTimeout < 0:
		return nil, fmt.Errorf("invalid handler timeout: %s", conf.HandlerTimeout)
	}
	if conf.QueueSize == 0 {
		conf.QueueSize = 100
	}
	if conf.PutTimeout == 0 {
		conf.PutTimeout = 5 * time.Second
	}
	return &Bridge{
		src:      src,
		registry: registry,
		conf:     conf,
		queue:    NewQueue(conf.QueueSize),
	}, nil
}

// Connected reports whether the source subscription is currently ready.
func (b *Bridge) Connected() bool { return b.connected.Load() }

// QueueLen returns the number of events waiting for dispatch.
func (b *Bridge) QueueLen() int { return b.queue.Len() }

// Run runs the listener and the dispatch loop until ctxGraceful or ctx is canceled.
//
// Once ctxGraceful is canceled the listener stops and no further events are
// taken from the queue. An event already taken keeps running under ctx and
// Run returns nil when it's done. If ctx is canceled before that,
// Run returns the cause of ctx.
func (b *Bridge) Run(ctx, ctxGraceful context.Context, log *slog.Logger) error {
	if !b.runLock.TryLock() {
		return ErrAlreadyRunning
	}
	defer b.runLock.Unlock()

	ctxAccept, cancelAccept := context.WithCancel(ctxGraceful)
	defer cancelAccept()
	stop := context.AfterFunc(ctx, cancelAccept)
	defer stop()

	log.Info("bridge started",
		slog.String("root", source.CleanRoot(b.conf.Root)),
		slog.Any("handlers", b.registry.Names()),
		slog.Int("queue_size", b.queue.Cap()))

	var g errgroup.Group
	g.Go(func() error {
		err := Listen(ctxAccept, log.With(slog.String("component", "listener")),
			b.src, b.conf.Root, b.queue, ListenerConfig{
				PutTimeout: b.conf.PutTimeout,
				Backoff:    b.conf.ReconnectBackoff,
				OnState:    b.connected.Store,
			})
		if ctxAccept.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		b.dispatchLoop(ctx, ctxAccept, log.With(slog.String("component", "dispatch")))
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	log.Info("bridge stopped", slog.Int("queued_discarded", b.queue.Len()))
	return nil
}

// dispatchLoop takes events until ctxAccept is canceled and processes each
// one under ctx.
func (b *Bridge) dispatchLoop(ctx, ctxAccept context.Context, log *slog.Logger) {
	for {
		ev, ok := b.queue.Take(ctxAccept)
		if !ok {
			return
		}
		b.dispatch(ctx, log, ev)
	}
}

func (b *Bridge) dispatch(ctx context.Context, log *slog.Logger, ev Event) {
	if b.conf.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.conf.HandlerTimeout)
		defer cancel()
	}
	handler, err := b.registry.Dispatch(ctx, log, ev)
	if err != nil {
		log.Error("handling event",
			slog.String("handler", handler),
			slog.String("path", ev.Path),
			slog.String("kind", ev.Kind.String()),
			slog.Any("err", err))
	}
}
