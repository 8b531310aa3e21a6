// Package store adapts push-capable key-value stores to one subscription
// contract: subscribe to a path, receive the full snapshot at that path on
// subscribe and on every change, until unsubscribed.
package store

import (
	"context"
	"strings"
)

// Null is the snapshot delivered when nothing is stored at a path.
var Null = []byte("null")

// Unsubscribe stops a subscription. It blocks until no further callbacks
// for that subscription can run and is safe to call more than once.
type Unsubscribe func()

// Store is the read-only capability the subscription layer consumes.
//
// onValue receives raw JSON. onError reports connection or permission
// failures; reconnection, when the backend supports it, is the store's
// responsibility and later snapshots resume through onValue.
type Store interface {
	Subscribe(ctx context.Context, path string, onValue func([]byte), onError func(error)) (Unsubscribe, error)
}

// CleanPath trims surrounding slashes and collapses empty segments.
func CleanPath(path string) string {
	parts := SplitPath(path)
	return strings.Join(parts, "/")
}

// SplitPath returns the non-empty segments of path.
func SplitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := raw[:0]
	for _, p := range raw {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// related reports whether a change at changed can alter the snapshot at
// watched: the same path, an ancestor of it, or a descendant of it.
func related(watched, changed string) bool {
	if watched == changed || watched == "" || changed == "" {
		return true
	}
	return strings.HasPrefix(watched, changed+"/") || strings.HasPrefix(changed, watched+"/")
}
