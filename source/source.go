// Package source defines the interface of event source adapters.
//
// An adapter maintains a subscription to a tree of nodes in an external
// real-time data store and reports changes below a root path.
package source

import (
	"context"
	"errors"
	"maps"
	"path"
	"slices"
	"strings"
)

// Kind is the kind of change a notification reports.
type Kind int8

const (
	_ Kind = iota
	KindAdded
	KindChanged
	KindRemoved
)

func (k Kind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindChanged:
		return "changed"
	case KindRemoved:
		return "removed"
	}
	return "unknown"
}

// Notification is a raw change notification.
type Notification struct {
	Kind Kind

	// Path is the absolute slash-separated path of the changed node.
	Path string

	// Payload is the decoded JSON value of the node (nil if removed).
	Payload any
}

// ErrAuthRevoked is returned by Subscribe when the source revoked the credential.
var ErrAuthRevoked = errors.New("source: auth revoked")

// Subscriber subscribes to changes below a root path.
type Subscriber interface {
	// Subscribe blocks until the subscription ends or ctx is canceled.
	// onReady is called once the subscription is established.
	// onNotification is called sequentially for every notification.
	// The returned error is never nil, it's ctx.Err() after cancellation.
	Subscribe(
		ctx context.Context,
		root string,
		onReady func(),
		onNotification func(Notification),
	) error
}

// Remover deletes a node at the source.
type Remover interface {
	Remove(ctx context.Context, path string) error
}

// Source is both a Subscriber and a Remover.
type Source interface {
	Subscriber
	Remover
}

// Join joins a subscription root and a root-relative path into an absolute path.
func Join(root, rel string) string {
	return path.Join("/", root, rel)
}

// CleanRoot normalizes root to an absolute path without trailing slash.
func CleanRoot(root string) string {
	root = path.Clean("/" + strings.TrimSpace(root))
	return root
}

// Flatten reports the value written at the absolute path p as one
// notification per record. A record is any value that isn't an object
// whose children are all objects. Such container objects are descended
// into in key order, so writing a whole subtree, for example the initial
// snapshot, yields the same notifications as writing each record on its own.
// A nil payload is reported as KindRemoved.
func Flatten(p string, payload any, kind Kind, emit func(Notification)) {
	if m, ok := payload.(map[string]any); ok && isContainer(m) {
		for _, key := range slices.Sorted(maps.Keys(m)) {
			Flatten(path.Join(p, key), m[key], kind, emit)
		}
		return
	}
	if payload == nil {
		kind = KindRemoved
	}
	emit(Notification{Kind: kind, Path: p, Payload: payload})
}

// isContainer reports whether m is non-empty and has only object children.
func isContainer(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for _, v := range m {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}
