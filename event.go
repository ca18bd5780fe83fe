package kommobridge

import (
	"log/slog"
	"time"

	"github.com/romshark/kommobridge/source"
)

// Kind is the kind of change an event reports.
type Kind = source.Kind

const (
	KindAdded   = source.KindAdded
	KindChanged = source.KindChanged
	KindRemoved = source.KindRemoved
)

// Event is a normalized change notification.
// Events are transient and only exist while in flight.
type Event struct {
	// Path is the absolute path of the changed node.
	Path string

	Kind Kind

	// Payload is the decoded JSON value of the node, nil if removed.
	Payload any

	// ObservedAt is the time the listener received the notification.
	ObservedAt time.Time
}

func newEvent(n source.Notification, now time.Time) Event {
	return Event{
		Path:       n.Path,
		Kind:       n.Kind,
		Payload:    n.Payload,
		ObservedAt: now,
	}
}

// Object returns the payload if it's a JSON object.
func (e Event) Object() (map[string]any, bool) {
	m, ok := e.Payload.(map[string]any)
	return m, ok
}

// String returns the string value of key in an object payload.
// Returns "" if the payload isn't an object or the value isn't a string.
func (e Event) String(key string) string {
	m, ok := e.Object()
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func (e Event) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("path", e.Path),
		slog.String("kind", e.Kind.String()),
	)
}
