package kommobridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/romshark/kommobridge/internal/backoff"
	"github.com/romshark/kommobridge/internal/metrics"
	"github.com/romshark/kommobridge/source"
)

// SourceError is a failed or dropped source subscription.
// The listener recovers from it by reconnecting.
type SourceError struct {
	Root string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source subscription at %q: %v", e.Root, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

var defaultReconnectBackoff = backoff.MustNew(500*time.Millisecond, 30*time.Second, 2, .2)

// ListenerConfig configures Listen.
type ListenerConfig struct {
	// PutTimeout is how long the listener waits for space in a full queue
	// before the event is dropped.
	PutTimeout time.Duration

	// Backoff is the reconnect backoff. A zero value selects the default
	// (500ms to 30s, factor 2, 20% jitter).
	Backoff backoff.Backoff

	// OnState is called with true when a subscription becomes ready
	// and with false when it fails. Optional.
	OnState func(connected bool)

	// Now is the clock, time.Now by default.
	Now func() time.Time
}

// Listen subscribes to root at src and enqueues every notification as an event.
// Failed subscriptions are retried with capped exponential backoff, the backoff
// is reset once a subscription becomes ready.
// Listen only returns once ctx is canceled and the returned error is ctx.Err().
func Listen(
	ctx context.Context, log *slog.Logger,
	src source.Subscriber, root string, q *Queue, conf ListenerConfig,
) error {
	if conf.Backoff.Min == 0 {
		conf.Backoff = defaultReconnectBackoff
	}
	if conf.Now == nil {
		conf.Now = time.Now
	}
	setState := func(connected bool) {
		if conf.OnState != nil {
			conf.OnState(connected)
		}
	}
	root = source.CleanRoot(root)
	reconnect := backoff.NewAtomic(conf.Backoff)

	onReady := func() {
		reconnect.Reset()
		setState(true)
		log.Info("source subscription ready", slog.String("root", root))
	}
	onNotification := func(n source.Notification) {
		ev := newEvent(n, conf.Now())
		metrics.EventReceived(ev.Kind.String())
		if q.Put(ctx, ev, conf.PutTimeout) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		metrics.EventDropped()
		log.Warn("intake queue full, event dropped",
			slog.String("path", ev.Path),
			slog.String("kind", ev.Kind.String()),
			slog.Int("len", q.Len()))
	}

	for {
		err := src.Subscribe(ctx, root, onReady, onNotification)
		setState(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.SourceReconnect()

		// A connection that drops right after becoming ready
		// must not cause a reconnect storm.
		d := max(reconnect.Duration(), conf.Backoff.Min)
		log.Error("source subscription failed",
			slog.Any("err", &SourceError{Root: root, Err: err}),
			slog.Int("attempt", reconnect.Attempts()),
			slog.String("backoff", d.String()))
		if err := backoff.Sleep(ctx, d); err != nil {
			return err
		}
	}
}
