package kommobridge_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/kommobridge"
	"github.com/romshark/kommobridge/internal/backoff"
	"github.com/romshark/kommobridge/source"
)

// FakeSource calls Fn for every subscription attempt, call starts at 1.
type FakeSource struct {
	calls atomic.Int32
	Fn    func(
		ctx context.Context, call int,
		onReady func(), onNotification func(source.Notification),
	) error
}

func (f *FakeSource) Subscribe(
	ctx context.Context, root string,
	onReady func(), onNotification func(source.Notification),
) error {
	return f.Fn(ctx, int(f.calls.Add(1)), onReady, onNotification)
}

func (f *FakeSource) Calls() int { return int(f.calls.Load()) }

// Emit returns a FakeSource function that becomes ready, emits ns
// and blocks until ctx is canceled.
func Emit(ns ...source.Notification) func(
	context.Context, int, func(), func(source.Notification),
) error {
	return func(
		ctx context.Context, call int,
		onReady func(), onNotification func(source.Notification),
	) error {
		if call == 1 {
			onReady()
			for _, n := range ns {
				onNotification(n)
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

var testBackoff = backoff.MustNew(time.Millisecond, 5*time.Millisecond, 2, 0)

type stateRecorder struct {
	lock sync.Mutex
	l    []bool
}

func (r *stateRecorder) Record(connected bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.l = append(r.l, connected)
}

func (r *stateRecorder) All() []bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]bool(nil), r.l...)
}

func TestListenReconnects(t *testing.T) {
	errSource := errors.New("connection reset")
	src := &FakeSource{Fn: func(
		ctx context.Context, call int,
		onReady func(), onNotification func(source.Notification),
	) error {
		switch call {
		case 1:
			return errSource
		case 2:
			onReady()
			onNotification(source.Notification{
				Kind: source.KindAdded, Path: "/languages/a", Payload: "x",
			})
			return errSource
		}
		onReady()
		onNotification(source.Notification{Kind: source.KindRemoved, Path: "/languages/b"})
		<-ctx.Done()
		return ctx.Err()
	}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := kommobridge.NewQueue(10)
	var states stateRecorder
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- kommobridge.Listen(ctx, slog.Default(), src, "languages", q,
			kommobridge.ListenerConfig{
				PutTimeout: time.Second,
				Backoff:    testBackoff,
				OnState:    states.Record,
				Now:        func() time.Time { return now },
			})
	}()

	ev, ok := q.Take(t.Context())
	require.True(t, ok)
	require.Equal(t, kommobridge.Event{
		Path: "/languages/a", Kind: kommobridge.KindAdded,
		Payload: "x", ObservedAt: now,
	}, ev)
	ev, ok = q.Take(t.Context())
	require.True(t, ok)
	require.Equal(t, "/languages/b", ev.Path)
	require.Equal(t, kommobridge.KindRemoved, ev.Kind)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, 3, src.Calls())
	require.Equal(t, []bool{false, true, false, true, false}, states.All())
}

func TestListenDropsOnFullQueue(t *testing.T) {
	emitted := make(chan struct{})
	src := &FakeSource{Fn: func(
		ctx context.Context, call int,
		onReady func(), onNotification func(source.Notification),
	) error {
		onReady()
		for _, p := range []string{"/r/1", "/r/2", "/r/3"} {
			onNotification(source.Notification{Kind: source.KindAdded, Path: p, Payload: 1.0})
		}
		close(emitted)
		<-ctx.Done()
		return ctx.Err()
	}}

	q := kommobridge.NewQueue(1)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- kommobridge.Listen(ctx, slog.Default(), src, "/r", q,
			kommobridge.ListenerConfig{PutTimeout: 10 * time.Millisecond})
	}()

	<-emitted
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Equal(t, 1, q.Len())
	ev, ok := q.Take(t.Context())
	require.True(t, ok)
	require.Equal(t, "/r/1", ev.Path)
}

func TestListenCanceledDuringBackoff(t *testing.T) {
	src := &FakeSource{Fn: func(
		context.Context, int, func(), func(source.Notification),
	) error {
		return errors.New("unreachable")
	}}
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	err := kommobridge.Listen(ctx, slog.Default(), src, "/", kommobridge.NewQueue(1),
		kommobridge.ListenerConfig{
			Backoff: backoff.MustNew(time.Hour, time.Hour, 2, 0),
		})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, src.Calls())
}

func TestSourceError(t *testing.T) {
	errCause := errors.New("cause")
	err := error(&kommobridge.SourceError{Root: "/languages", Err: errCause})
	require.ErrorIs(t, err, errCause)
	require.Equal(t, `source subscription at "/languages": cause`, err.Error())
}
