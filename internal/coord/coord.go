// Package coord is the client-side contract for the coordination store
// ("Coord" in spec.md §1): leader election with TTL leases, key watches
// drained to the latest value, and a monotonic per-lease revision counter
// used to mint fencing tokens.
package coord

import (
	"context"
	"time"
)

// Lease is a TTL-bound registration kept alive by a background heartbeat.
// Its loss invalidates every fencing token minted under it.
type Lease interface {
	ID() int64

	// KeepAlive starts the heartbeat and returns a channel that closes the
	// moment the lease is confirmed lost (expired, revoked, or the
	// keepalive stream errored out).
	KeepAlive(ctx context.Context) (lost <-chan struct{}, err error)

	// Revoke ends the lease immediately.
	Revoke(ctx context.Context) error
}

// LeaderHandle is the result of winning an election under a Lease.
type LeaderHandle interface {
	// Key is the elected key in Coord, e.g. "/groups/<group_id>/leader".
	Key() string

	// NextToken returns a fencing token strictly larger than any previously
	// returned by this handle. Fails once the underlying lease is lost.
	NextToken(ctx context.Context) (int64, error)

	// Resign voluntarily gives up leadership, letting another campaigner win.
	Resign(ctx context.Context) error
}

// WatchEvent carries a key's latest value and the revision it was written
// at. Watchers only care about the newest value, per spec.md §6.
type WatchEvent struct {
	Revision int64
	Value    []byte
}

// Coord is the coordination-store surface the coordinator depends on.
type Coord interface {
	// Grant acquires a new lease with the given TTL.
	Grant(ctx context.Context, ttl time.Duration) (Lease, error)

	// Campaign blocks until the caller wins the election at key under
	// lease, or ctx is cancelled. The returned handle is valid only as long
	// as lease stays alive.
	Campaign(ctx context.Context, key string, lease Lease) (LeaderHandle, error)

	// TryAcquire makes one non-blocking attempt to claim key under lease.
	// acquired is false (with a nil handle) if the key is already held by a
	// live lease; it never waits for the holder to go away. Used by the
	// Consumer Lock, which fails fast rather than queueing (spec.md §4.2).
	TryAcquire(ctx context.Context, key string, lease Lease) (handle LeaderHandle, acquired bool, err error)

	// Watch streams the latest value of key; the channel is closed if ctx
	// is cancelled or the watch cannot be re-established.
	Watch(ctx context.Context, key string) (<-chan WatchEvent, error)

	// Put writes value to key unconditionally and returns the write's
	// revision.
	Put(ctx context.Context, key string, value []byte) (revision int64, err error)

	// PutWithLease writes value to key, attached to lease so the key
	// disappears automatically the moment the lease expires. Used to
	// announce a live leader: watchers see the key only while the leader's
	// lease is actually alive.
	PutWithLease(ctx context.Context, key string, value []byte, lease Lease) (revision int64, err error)

	// Get reads the latest value at key.
	Get(ctx context.Context, key string) (WatchEvent, bool, error)

	Close() error
}
