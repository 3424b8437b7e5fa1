// Package coordinator provides the shared runtime state layer of the
// control plane: volatile key/value mirrors, the pending subtask queue,
// worker liveness keys, pub/sub event channels, and cooperative locks.
//
// Everything held here is a cache over the relational store and can be
// rebuilt from it. Two implementations exist: a Redis-backed one for
// multi-process deployments and an in-memory one for single-process and
// test use. Callers must not assume durability.
package coordinator

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned by Lock when another holder owns the key.
var ErrLockHeld = errors.New("coordinator: lock already held")

// ErrNotLocked is returned by an Unlock whose lock has expired or was
// taken over by another holder.
var ErrNotLocked = errors.New("coordinator: lock not held")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages delivers until
// Close is called or the subscribing context ends; the channel is closed
// afterwards. Delivery is best effort: a subscriber that stops draining
// may miss messages.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Unlock releases a lock acquired by Lock. It reports ErrNotLocked when
// the lock has already expired or changed hands.
type Unlock func(ctx context.Context) error

// Coordinator is the runtime coordination surface shared by the
// scheduler, registry, ingest and channel components.
type Coordinator interface {
	// Get returns the value for key, reporting false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetEx stores value with a time-to-live after which the key expires.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent, reporting whether the
	// write happened. A ttl of zero means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// MGet fetches many keys in one round trip. Absent keys are omitted
	// from the result.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	// Keys returns keys matching a glob pattern. It walks the whole
	// keyspace and is reserved for the reconciler.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Lists (FIFO queues).
	PushRight(ctx context.Context, list string, values ...string) error
	PopLeft(ctx context.Context, list string) (string, bool, error)
	PeekLeft(ctx context.Context, list string) (string, bool, error)
	ListLen(ctx context.Context, list string) (int64, error)

	// Unordered sets.
	SetAdd(ctx context.Context, set string, members ...string) error
	SetRemove(ctx context.Context, set string, members ...string) error
	SetMembers(ctx context.Context, set string) ([]string, error)
	SetContains(ctx context.Context, set, member string) (bool, error)
	SetCard(ctx context.Context, set string) (int64, error)

	// Hashes.
	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	// Expire sets or refreshes the time-to-live of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Publish sends payload to every subscriber of channel. Publishing
	// to a channel with no subscribers is not an error.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Lock acquires a cooperative lock on key for at most ttl, returning
	// ErrLockHeld when another holder owns it. The returned Unlock
	// releases the lock only if this caller still holds it.
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)

	Ping(ctx context.Context) error
	Close() error
}
