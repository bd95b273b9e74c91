// Package coordtest provides an in-memory coord.Coord fake for unit tests.
package coordtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/synapse-labs/cg-coordinator/internal/coord"
	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
)

// Fake is an in-memory Coord. Elections are first-come-first-served: the
// first Campaign call for a given key wins immediately, and subsequent
// callers block until Resign or the winner's lease is killed via Kill.
type Fake struct {
	mu        sync.Mutex
	nextLease int64
	leases    map[int64]*fakeLease
	leaders   map[string]*fakeLease // key -> lease currently holding it
	waiters   map[string][]chan struct{}
	counters  map[string]int64
	kv        map[string][]byte
	kvLease   map[string]int64 // key -> owning lease id, for PutWithLease entries
	watchers  map[string][]chan coord.WatchEvent
	revision  int64
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		leases:   make(map[int64]*fakeLease),
		leaders:  make(map[string]*fakeLease),
		waiters:  make(map[string][]chan struct{}),
		counters: make(map[string]int64),
		kv:       make(map[string][]byte),
		kvLease:  make(map[string]int64),
		watchers: make(map[string][]chan coord.WatchEvent),
	}
}

type fakeLease struct {
	f      *Fake
	id     int64
	killed chan struct{}
	once   sync.Once
}

func (l *fakeLease) ID() int64 { return l.id }

func (l *fakeLease) KeepAlive(ctx context.Context) (<-chan struct{}, error) {
	return l.killed, nil
}

func (l *fakeLease) Revoke(ctx context.Context) error {
	l.f.kill(l)
	return nil
}

// Kill forces a lease to expire, as if its TTL lapsed without a heartbeat.
// Used by tests to exercise fencing and leader-loss paths.
func (f *Fake) Kill(leaseID int64) {
	f.mu.Lock()
	l, ok := f.leases[leaseID]
	f.mu.Unlock()
	if ok {
		f.kill(l)
	}
}

func (f *Fake) kill(l *fakeLease) {
	l.once.Do(func() { close(l.killed) })
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, holder := range f.leaders {
		if holder == l {
			delete(f.leaders, key)
			if waiters := f.waiters[key]; len(waiters) > 0 {
				next := waiters[0]
				f.waiters[key] = waiters[1:]
				close(next)
			}
		}
	}
	for key, owner := range f.kvLease {
		if owner == l.id {
			delete(f.kv, key)
			delete(f.kvLease, key)
		}
	}
}

func (f *Fake) Grant(ctx context.Context, ttl time.Duration) (coord.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLease++
	l := &fakeLease{f: f, id: f.nextLease, killed: make(chan struct{})}
	f.leases[l.id] = l
	return l, nil
}

type fakeHandle struct {
	f    *Fake
	key  string
	l    *fakeLease
}

func (f *Fake) Campaign(ctx context.Context, key string, lease coord.Lease) (coord.LeaderHandle, error) {
	fl, ok := lease.(*fakeLease)
	if !ok {
		return nil, fmt.Errorf("%w: lease not minted by this coord", coordinatorerr.ErrCoordError)
	}

	f.mu.Lock()
	if _, held := f.leaders[key]; !held {
		f.leaders[key] = fl
		f.mu.Unlock()
		return &fakeHandle{f: f, key: key, l: fl}, nil
	}
	wait := make(chan struct{})
	f.waiters[key] = append(f.waiters[key], wait)
	f.mu.Unlock()

	select {
	case <-wait:
		f.mu.Lock()
		f.leaders[key] = fl
		f.mu.Unlock()
		return &fakeHandle{f: f, key: key, l: fl}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-fl.killed:
		return nil, fmt.Errorf("%w: lease killed while campaigning", coordinatorerr.ErrCoordError)
	}
}

// TryAcquire makes one non-blocking claim attempt: it never enqueues onto
// the waiters list, matching the Consumer Lock's fail-fast contract.
func (f *Fake) TryAcquire(ctx context.Context, key string, lease coord.Lease) (coord.LeaderHandle, bool, error) {
	fl, ok := lease.(*fakeLease)
	if !ok {
		return nil, false, fmt.Errorf("%w: lease not minted by this coord", coordinatorerr.ErrCoordError)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.leaders[key]; held {
		return nil, false, nil
	}
	f.leaders[key] = fl
	return &fakeHandle{f: f, key: key, l: fl}, true, nil
}

func (h *fakeHandle) Key() string { return h.key }

func (h *fakeHandle) NextToken(ctx context.Context) (int64, error) {
	select {
	case <-h.l.killed:
		return 0, fmt.Errorf("%w: lease lost", coordinatorerr.ErrCoordError)
	default:
	}
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	h.f.counters[h.key]++
	return h.f.counters[h.key], nil
}

func (h *fakeHandle) Resign(ctx context.Context) error {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if h.f.leaders[h.key] == h.l {
		delete(h.f.leaders, h.key)
		if waiters := h.f.waiters[h.key]; len(waiters) > 0 {
			next := waiters[0]
			h.f.waiters[h.key] = waiters[1:]
			close(next)
		}
	}
	return nil
}

func (f *Fake) Watch(ctx context.Context, key string) (<-chan coord.WatchEvent, error) {
	out := make(chan coord.WatchEvent, 1)
	f.mu.Lock()
	if v, ok := f.kv[key]; ok {
		out <- coord.WatchEvent{Revision: f.revision, Value: v}
	}
	f.watchers[key] = append(f.watchers[key], out)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		ws := f.watchers[key]
		for i, w := range ws {
			if w == out {
				f.watchers[key] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(out)
	}()
	return out, nil
}

func (f *Fake) Put(ctx context.Context, key string, value []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revision++
	f.kv[key] = append([]byte(nil), value...)
	delete(f.kvLease, key)
	f.notify(key, value)
	return f.revision, nil
}

// PutWithLease writes value to key and ties its lifetime to lease: when the
// lease is killed or revoked, the key is removed (see kill()).
func (f *Fake) PutWithLease(ctx context.Context, key string, value []byte, lease coord.Lease) (int64, error) {
	fl, ok := lease.(*fakeLease)
	if !ok {
		return 0, fmt.Errorf("%w: lease not minted by this coord", coordinatorerr.ErrCoordError)
	}
	select {
	case <-fl.killed:
		return 0, fmt.Errorf("%w: lease already lost", coordinatorerr.ErrCoordError)
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.revision++
	f.kv[key] = append([]byte(nil), value...)
	f.kvLease[key] = fl.id
	f.notify(key, value)
	return f.revision, nil
}

// notify pushes value to every live watcher of key, replacing any value it
// hasn't yet consumed (watchers only ever care about the latest, per
// coord.Coord's "drain to latest" contract). Callers must hold f.mu.
func (f *Fake) notify(key string, value []byte) {
	for _, w := range f.watchers[key] {
		select {
		case <-w:
		default:
		}
		w <- coord.WatchEvent{Revision: f.revision, Value: append([]byte(nil), value...)}
	}
}

func (f *Fake) Get(ctx context.Context, key string) (coord.WatchEvent, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	if !ok {
		return coord.WatchEvent{}, false, nil
	}
	return coord.WatchEvent{Revision: f.revision, Value: v}, true, nil
}

func (f *Fake) Close() error { return nil }
