package coordinator

import (
	"context"
	"sync"

	"github.com/synapse-labs/cg-coordinator/internal/coord"
)

// watchBroadcaster fans a single Coord watch out to many subscribers, each
// seeing only the latest value, per spec.md §9's "per-group shared watches":
// one real watch per (group, key), cheaply cloned for every joining
// consumer instead of opening a new watch stream per join.
type watchBroadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan coord.WatchEvent
	nextID int

	latest    coord.WatchEvent
	hasLatest bool
	closed    bool
}

func newWatchBroadcaster(ctx context.Context, c coord.Coord, key string) (*watchBroadcaster, error) {
	b := &watchBroadcaster{subs: make(map[int]chan coord.WatchEvent)}

	// Prime synchronously from a direct read so hasValue() is correct for
	// callers that check it immediately after construction, ahead of the
	// watch stream's own (asynchronous) initial delivery.
	if we, ok, err := c.Get(ctx, key); err == nil && ok {
		b.latest = we
		b.hasLatest = true
	}

	ch, err := c.Watch(ctx, key)
	if err != nil {
		return nil, err
	}
	go b.pump(ch)
	return b, nil
}

func (b *watchBroadcaster) pump(ch <-chan coord.WatchEvent) {
	for we := range ch {
		b.mu.Lock()
		b.latest = we
		// An event with an empty value is a deletion (e.g. the owning lease
		// expired), after which the key holds no current value.
		b.hasLatest = len(we.Value) > 0
		for _, sub := range b.subs {
			drainAndSend(sub, we)
		}
		b.mu.Unlock()
	}
	b.mu.Lock()
	b.closed = true
	for _, sub := range b.subs {
		close(sub)
	}
	b.subs = nil
	b.mu.Unlock()
}

func drainAndSend(sub chan coord.WatchEvent, we coord.WatchEvent) {
	select {
	case <-sub:
	default:
	}
	sub <- we
}

// subscribe returns a clone of the broadcast (buffered 1, latest-value-only)
// and an unsubscribe func the caller must eventually call.
func (b *watchBroadcaster) subscribe() (<-chan coord.WatchEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(chan coord.WatchEvent, 1)
	if b.closed {
		close(sub)
		return sub, func() {}
	}
	if b.hasLatest {
		sub <- b.latest
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	return sub, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.subs != nil {
			delete(b.subs, id)
		}
	}
}

// hasValue reports whether the watched key currently holds a value (it was
// read or written and not deleted since), used by JoinGroup to decide
// whether a leader is currently live.
func (b *watchBroadcaster) hasValue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasLatest
}
