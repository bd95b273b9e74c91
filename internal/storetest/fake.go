// Package storetest provides an in-memory store.Store fake for unit tests,
// so Shard Iterator and Consumer Source tests never need a live ScyllaDB.
package storetest

import (
	"context"
	"sync"

	"github.com/synapse-labs/cg-coordinator/internal/model"
	"github.com/synapse-labs/cg-coordinator/internal/store"
)

type partitionKey struct {
	producer  model.ProducerId
	shard     model.ShardId
	eventType model.EventType
}

// Fake is an in-memory store.Store. Events for a partition must be seeded in
// increasing offset order via Seed.
type Fake struct {
	mu         sync.Mutex
	partitions map[partitionKey][]model.BlockchainEvent
	offsets    map[store.OffsetKey]store.CommittedOffsets
	rows       map[store.OffsetKey]bool

	// FailFetch, when non-nil, is returned by every FetchNext call.
	FailFetch error
	// FailCommit, when non-nil, is returned by every CommitOffsets call.
	FailCommit error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		partitions: make(map[partitionKey][]model.BlockchainEvent),
		offsets:    make(map[store.OffsetKey]store.CommittedOffsets),
		rows:       make(map[store.OffsetKey]bool),
	}
}

// Seed appends events to a partition; events must already be in increasing
// offset order.
func (f *Fake) Seed(producer model.ProducerId, shard model.ShardId, eventType model.EventType, events ...model.BlockchainEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := partitionKey{producer, shard, eventType}
	f.partitions[key] = append(f.partitions[key], events...)
}

func (f *Fake) FetchNext(_ context.Context, producer model.ProducerId, shard model.ShardId, eventType model.EventType, afterOffset model.Offset) (*model.BlockchainEvent, error) {
	if f.FailFetch != nil {
		return nil, f.FailFetch
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := partitionKey{producer, shard, eventType}
	for _, ev := range f.partitions[key] {
		if ev.Offset > afterOffset {
			evCopy := ev
			return &evCopy, nil
		}
	}
	return nil, nil
}

func (f *Fake) ReadOffsets(_ context.Context, key store.OffsetKey) (store.CommittedOffsets, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	if !ok || !row {
		return store.CommittedOffsets{}, false, nil
	}
	return f.offsets[key], true, nil
}

func (f *Fake) CommitOffsets(_ context.Context, key store.OffsetKey, accountMap, txMap model.ShardOffsetMap, token model.FencingToken) (bool, error) {
	if f.FailCommit != nil {
		return false, f.FailCommit
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.rows[key]
	if ok && existing {
		if f.offsets[key].Revision >= model.FencingToken(token) {
			return false, nil
		}
	}

	f.offsets[key] = store.CommittedOffsets{
		AccountMap: accountMap.Clone(),
		TxMap:      txMap.Clone(),
		Revision:   token,
	}
	f.rows[key] = true
	return true, nil
}

func (f *Fake) Close() {}

// LastCommit returns the most recently applied row for key, for test
// assertions.
func (f *Fake) LastCommit(key store.OffsetKey) (store.CommittedOffsets, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	if !ok || !row {
		return store.CommittedOffsets{}, false
	}
	return f.offsets[key], true
}
