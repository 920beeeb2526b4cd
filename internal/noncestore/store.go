// Package noncestore provides the replay cache behind the webhook gate: a
// set of recently seen nonces with TTL expiry, supporting an atomic
// insert-if-absent so two concurrent requests carrying the same nonce can
// never both be accepted.
package noncestore

import (
	"context"
	"time"
)

// Store is the replay cache. Implementations must make PutIfAbsent atomic:
// for a given nonce, exactly one concurrent caller observes ok=true.
type Store interface {
	// PutIfAbsent records nonce with the given TTL. It returns true if the
	// nonce was absent (or expired) and is now recorded, false if a live
	// entry already exists.
	PutIfAbsent(ctx context.Context, nonce string, ttl time.Duration) (bool, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
