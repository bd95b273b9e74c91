// Package shard implements the per-shard cursor described in spec.md §4.1:
// a non-blocking "try to produce the next event" operation against one
// (producer, shard, event_type) partition, with a single outstanding
// prefetch for readahead.
package shard

import (
	"context"
	"fmt"
	"time"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
	"github.com/synapse-labs/cg-coordinator/internal/metrics"
	"github.com/synapse-labs/cg-coordinator/internal/model"
	"github.com/synapse-labs/cg-coordinator/internal/store"
)

// Filter discards events the caller is not interested in. Filtered events
// still advance the iterator's internal read cursor (so the partition is not
// re-scanned forever) but never advance the publicly visible LastOffset /
// LastSlot, per spec.md §4.1.
type Filter func(model.BlockchainEvent) bool

type prefetchResult struct {
	event *model.BlockchainEvent
	err   error
}

// Iterator is a stateful cursor over one (producer, shard, event_type)
// partition. Construct with New, call Warm once, then TryNext repeatedly.
type Iterator struct {
	store     store.Store
	producer  model.ProducerId
	shard     model.ShardId
	eventType model.EventType
	filter    Filter
	log       logging.Logger
	metrics   *metrics.Metrics

	// lastOffset / lastSlot are the publicly visible cursor position: the
	// position of the last event actually returned to the caller.
	lastOffset model.Offset
	lastSlot   model.Slot

	// readCursor is the internal store-read position; it advances past
	// filtered-out events even though lastOffset/lastSlot do not.
	readCursor model.Offset

	pending chan prefetchResult
	fatal   error
	warmed  bool
}

// New constructs an iterator starting just after (offset, slot); it does not
// read anything until Warm is called.
func New(s store.Store, producer model.ProducerId, shard model.ShardId, offset model.Offset, slot model.Slot, eventType model.EventType, filter Filter, log logging.Logger, m *metrics.Metrics) *Iterator {
	return &Iterator{
		store:      s,
		producer:   producer,
		shard:      shard,
		eventType:  eventType,
		filter:     filter,
		log:        log,
		metrics:    m,
		lastOffset: offset,
		lastSlot:   slot,
		readCursor: offset,
		pending:    make(chan prefetchResult, 1),
	}
}

// LastOffset returns the position of the last event returned by TryNext.
func (it *Iterator) LastOffset() model.Offset { return it.lastOffset }

// LastSlot returns the slot of the last event returned by TryNext.
func (it *Iterator) LastSlot() model.Slot { return it.lastSlot }

// Warm issues the first prefetch. Must be called before TryNext to amortise
// the first read's latency across construction and the caller's own setup.
func (it *Iterator) Warm(ctx context.Context) {
	if it.warmed {
		return
	}
	it.warmed = true
	it.launchPrefetch(ctx, it.readCursor)
}

func (it *Iterator) launchPrefetch(ctx context.Context, after model.Offset) {
	go func() {
		start := time.Now()
		ev, err := it.store.FetchNext(ctx, it.producer, it.shard, it.eventType, after)
		if it.metrics != nil {
			it.metrics.FetchLatency.Observe(time.Since(start).Seconds())
		}
		it.pending <- prefetchResult{event: ev, err: err}
	}()
}

// TryNext suspends awaiting the current prefetch, then returns (nil, nil) if
// the partition has no event past the cursor, the next matching event, or a
// fatal store error. After a fatal error, every subsequent call returns the
// same error.
func (it *Iterator) TryNext(ctx context.Context) (*model.BlockchainEvent, error) {
	if it.fatal != nil {
		return nil, it.fatal
	}
	if !it.warmed {
		it.Warm(ctx)
	}

	for {
		var res prefetchResult
		select {
		case res = <-it.pending:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if res.err != nil {
			it.fatal = fmt.Errorf("%w: shard %s: %v", coordinatorerr.ErrStoreError, it.shard, res.err)
			return nil, it.fatal
		}

		if res.event == nil {
			// Nothing past the cursor yet; re-arm at the same position and
			// report "no event" for this call.
			it.launchPrefetch(ctx, it.readCursor)
			return nil, nil
		}

		it.readCursor = res.event.Offset
		if it.filter != nil && !it.filter(*res.event) {
			it.log.Log(logging.LevelDebug, "shard iterator discarding filtered event", "shard", it.shard, "offset", res.event.Offset)
			it.launchPrefetch(ctx, it.readCursor)
			continue
		}

		it.lastOffset = res.event.Offset
		it.lastSlot = res.event.Slot
		it.launchPrefetch(ctx, it.readCursor)
		return res.event, nil
	}
}
