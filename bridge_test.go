package kommobridge_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/kommobridge"
	"github.com/romshark/kommobridge/source"
)

type pathRecorder struct {
	lock sync.Mutex
	l    []string
}

func (r *pathRecorder) Add(p string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.l = append(r.l, p)
	return len(r.l)
}

func (r *pathRecorder) All() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.l...)
}

func added(paths ...string) []source.Notification {
	ns := make([]source.Notification, len(paths))
	for i, p := range paths {
		ns[i] = source.Notification{
			Kind: source.KindAdded, Path: p, Payload: map[string]any{"n": float64(i)},
		}
	}
	return ns
}

func newBridge(
	t *testing.T, src source.Subscriber, conf kommobridge.Config,
	regs ...kommobridge.Registration,
) *kommobridge.Bridge {
	t.Helper()
	r, err := kommobridge.NewRegistry(regs...)
	require.NoError(t, err)
	conf.ReconnectBackoff = testBackoff
	b, err := kommobridge.New(src, r, conf)
	require.NoError(t, err)
	return b
}

func TestBridgeDispatchesInOrder(t *testing.T) {
	s := kommobridge.NewShutdown(t.Context(), time.Second)
	defer s.Close()

	var handled, unrelated pathRecorder
	b := newBridge(t,
		&FakeSource{Fn: Emit(added("/l/1", "/x", "/l/2", "/l/3")...)},
		kommobridge.Config{Root: "/l"},
		kommobridge.Registration{
			Name:  "l",
			Match: prefix("/l/"),
			Handler: kommobridge.HandlerFunc(func(
				ctx context.Context, ev kommobridge.Event,
			) error {
				if handled.Add(ev.Path) == 3 {
					s.Stop()
				}
				return nil
			}),
		},
		kommobridge.Registration{
			Name:  "x",
			Match: prefix("/x"),
			Handler: kommobridge.HandlerFunc(func(
				ctx context.Context, ev kommobridge.Event,
			) error {
				unrelated.Add(ev.Path)
				return errors.New("failing handler")
			}),
		},
	)

	err := b.Run(s.Hard(), s.Graceful(), slog.Default())
	require.NoError(t, err)
	require.Equal(t, []string{"/l/1", "/l/2", "/l/3"}, handled.All())
	require.Equal(t, []string{"/x"}, unrelated.All())
	require.False(t, b.Connected())
}

func TestBridgeGracefulFinishesInFlight(t *testing.T) {
	s := kommobridge.NewShutdown(t.Context(), time.Minute)
	defer s.Close()

	started, release := make(chan struct{}), make(chan struct{})
	var handled pathRecorder
	var handlerCtxErr error
	b := newBridge(t,
		&FakeSource{Fn: Emit(added("/e/1", "/e/2", "/e/3")...)},
		kommobridge.Config{Root: "/e", QueueSize: 10},
		kommobridge.Registration{
			Name:  "e",
			Match: prefix("/e/"),
			Handler: kommobridge.HandlerFunc(func(
				ctx context.Context, ev kommobridge.Event,
			) error {
				handled.Add(ev.Path)
				close(started)
				<-release
				handlerCtxErr = ctx.Err()
				return nil
			}),
		},
	)

	done := make(chan error, 1)
	go func() { done <- b.Run(s.Hard(), s.Graceful(), slog.Default()) }()

	<-started
	s.Stop()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight event finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-done)
	require.NoError(t, handlerCtxErr)
	// Queued events are not taken after the termination request.
	require.Equal(t, []string{"/e/1"}, handled.All())
}

func TestBridgeDrainTimeout(t *testing.T) {
	s := kommobridge.NewShutdown(t.Context(), 20*time.Millisecond)
	defer s.Close()

	started := make(chan struct{})
	b := newBridge(t,
		&FakeSource{Fn: Emit(added("/e/1")...)},
		kommobridge.Config{Root: "/e"},
		kommobridge.Registration{
			Name:  "e",
			Match: prefix("/e/"),
			Handler: kommobridge.HandlerFunc(func(
				ctx context.Context, ev kommobridge.Event,
			) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			}),
		},
	)

	done := make(chan error, 1)
	go func() { done <- b.Run(s.Hard(), s.Graceful(), slog.Default()) }()
	<-started
	s.Stop()
	require.ErrorIs(t, <-done, kommobridge.ErrDrainTimeout)
}

func TestBridgeHandlerTimeout(t *testing.T) {
	s := kommobridge.NewShutdown(t.Context(), time.Second)
	defer s.Close()

	var errs []error
	b := newBridge(t,
		&FakeSource{Fn: Emit(added("/e/1", "/e/2")...)},
		kommobridge.Config{Root: "/e", HandlerTimeout: 10 * time.Millisecond},
		kommobridge.Registration{
			Name:  "e",
			Match: prefix("/e/"),
			Handler: kommobridge.HandlerFunc(func(
				ctx context.Context, ev kommobridge.Event,
			) error {
				<-ctx.Done()
				errs = append(errs, ctx.Err())
				if len(errs) == 2 {
					s.Stop()
				}
				return ctx.Err()
			}),
		},
	)

	require.NoError(t, b.Run(s.Hard(), s.Graceful(), slog.Default()))
	require.Len(t, errs, 2)
	for _, err := range errs {
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

func TestBridgeAlreadyRunning(t *testing.T) {
	s := kommobridge.NewShutdown(t.Context(), time.Second)
	defer s.Close()

	ready := make(chan struct{})
	b := newBridge(t,
		&FakeSource{Fn: func(
			ctx context.Context, call int,
			onReady func(), onNotification func(source.Notification),
		) error {
			onReady()
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		}},
		kommobridge.Config{Root: "/"},
		kommobridge.Registration{Name: "noop", Match: prefix("/"), Handler: new(MockHandler)},
	)

	done := make(chan error, 1)
	go func() { done <- b.Run(s.Hard(), s.Graceful(), slog.Default()) }()
	<-ready
	require.True(t, b.Connected())
	require.ErrorIs(t,
		b.Run(s.Hard(), s.Graceful(), slog.Default()), kommobridge.ErrAlreadyRunning)

	s.Stop()
	require.NoError(t, <-done)
}

func TestNewBridgeInvalid(t *testing.T) {
	r, err := kommobridge.NewRegistry()
	require.NoError(t, err)
	src := &FakeSource{Fn: Emit()}

	_, err = kommobridge.New(nil, r, kommobridge.Config{})
	require.Error(t, err)
	_, err = kommobridge.New(src, nil, kommobridge.Config{})
	require.Error(t, err)
	_, err = kommobridge.New(src, r, kommobridge.Config{QueueSize: -1})
	require.Error(t, err)
	_, err = kommobridge.New(src, r, kommobridge.Config{HandlerTimeout: -1})
	require.Error(t, err)
}
