package kommobridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/romshark/kommobridge/internal/metrics"
)

var (
	ErrInvalidRegistration = errors.New("invalid handler registration")
	ErrHandlerPanic        = errors.New("handler panicked")
)

// Predicate reports whether a handler claims the event at path with payload.
// Predicates must be pure and fast, they're evaluated on the dispatch loop.
type Predicate func(path string, payload any) bool

// Handler processes the events it claimed.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Registration binds a handler to the events matched by its predicate.
type Registration struct {
	// Name identifies the handler in logs and metrics. Must be unique.
	Name    string
	Match   Predicate
	Handler Handler
}

// HandlerError is an error returned by a handler or a panic recovered
// from a handler or its predicate.
type HandlerError struct {
	Handler string
	Path    string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q at %q: %v", e.Handler, e.Path, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Registry is an immutable, ordered set of handler registrations.
type Registry struct{ regs []Registration }

// NewRegistry validates regs and returns a registry that dispatches
// in the given order.
func NewRegistry(regs ...Registration) (*Registry, error) {
	names := make(map[string]struct{}, len(regs))
	for i, r := range regs {
		switch {
		case r.Name == "":
			return nil, fmt.Errorf("%w: registration %d has no name",
				ErrInvalidRegistration, i)
		case r.Match == nil:
			return nil, fmt.Errorf("%w: %q has no predicate",
				ErrInvalidRegistration, r.Name)
		case r.Handler == nil:
			return nil, fmt.Errorf("%w: %q has no handler",
				ErrInvalidRegistration, r.Name)
		}
		if _, ok := names[r.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate name %q",
				ErrInvalidRegistration, r.Name)
		}
		names[r.Name] = struct{}{}
	}
	return &Registry{regs: append([]Registration(nil), regs...)}, nil
}

// Names returns the handler names in dispatch order.
func (r *Registry) Names() []string {
	n := make([]string, len(r.regs))
	for i, reg := range r.regs {
		n[i] = reg.Name
	}
	return n
}

// Dispatch delivers ev to the first handler whose predicate matches it and
// returns that handler's name. No other handler is consulted.
// Returns ("", nil) if no handler matches.
// Any handler failure is returned as *HandlerError.
func (r *Registry) Dispatch(
	ctx context.Context, log *slog.Logger, ev Event,
) (handler string, err error) {
	for _, reg := range r.regs {
		ok, err := match(reg, ev)
		if err != nil {
			metrics.EventHandled(reg.Name, "error", 0)
			return reg.Name, err
		}
		if !ok {
			continue
		}
		start := time.Now()
		err = invoke(ctx, reg, ev)
		took := time.Since(start)
		if err != nil {
			metrics.EventHandled(reg.Name, "error", took)
			return reg.Name, err
		}
		metrics.EventHandled(reg.Name, "ok", took)
		log.Debug("event handled",
			slog.String("handler", reg.Name),
			slog.String("path", ev.Path),
			slog.String("took", took.String()))
		return reg.Name, nil
	}
	metrics.EventUnmatched()
	log.Debug("no handler matched, event discarded",
		slog.String("path", ev.Path),
		slog.String("kind", ev.Kind.String()))
	return "", nil
}

func match(reg Registration, ev Event) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{
				Handler: reg.Name,
				Path:    ev.Path,
				Err:     fmt.Errorf("%w: predicate: %v\n%s", ErrHandlerPanic, p, debug.Stack()),
			}
		}
	}()
	return reg.Match(ev.Path, ev.Payload), nil
}

func invoke(ctx context.Context, reg Registration, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{
				Handler: reg.Name,
				Path:    ev.Path,
				Err:     fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, p, debug.Stack()),
			}
		}
	}()
	if err := reg.Handler.Handle(ctx, ev); err != nil {
		return &HandlerError{Handler: reg.Name, Path: ev.Path, Err: err}
	}
	return nil
}
