// Package source implements the Consumer Source from spec.md §4.3: it pulls
// from every shard iterator of the subscribed event types, pushes events to
// a downstream sink, and periodically commits progress via a fenced
// conditional write.
package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/lock"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
	"github.com/synapse-labs/cg-coordinator/internal/metrics"
	"github.com/synapse-labs/cg-coordinator/internal/model"
	"github.com/synapse-labs/cg-coordinator/internal/shard"
	"github.com/synapse-labs/cg-coordinator/internal/store"
)

const (
	// DefaultCommitInterval is spec.md §4.3's 500 ms default commit cadence.
	DefaultCommitInterval = 500 * time.Millisecond

	fetchLatencyWarnThreshold = 500 * time.Millisecond
	sendLatencyWarnThreshold  = 250 * time.Millisecond
	slotTraceThrottle         = 5 * time.Second
)

type iterKey struct {
	eventType model.EventType
	shard     model.ShardId
}

// Source is the per-consumer fetch loop described in spec.md §4.3.
type Source struct {
	group       model.GroupId
	consumer    model.ConsumerId
	producer    model.ProducerId
	executionID model.ExecutionId

	st   store.Store
	lock *lock.Lock

	subscribed []model.EventType
	iterators  map[iterKey]*shard.Iterator
	order      []iterKey

	sink      Sink
	interrupt <-chan struct{}

	commitInterval time.Duration

	log logging.Logger
	met *metrics.Metrics

	maxSeenSlot          model.Slot
	eventsSinceSlotAdv   int
	lastSlotTrace        time.Time
}

// New constructs a Consumer Source. It creates one iterator per
// (event_type, shard) present in shardOffsetMapPerType for every subscribed
// event type, pre-warms them, and validates that at least one event type is
// subscribed (spec.md §9b: a creation-time error, not a runtime panic).
func New(ctx context.Context, group model.GroupId, consumer model.ConsumerId, producer model.ProducerId, executionID model.ExecutionId, st store.Store, lk *lock.Lock, subscribedEventTypes []model.EventType, shardOffsetMapPerType map[model.EventType]model.ShardOffsetMap, sink Sink, interrupt <-chan struct{}, commitInterval time.Duration, filter shard.Filter, log logging.Logger, met *metrics.Metrics) (*Source, error) {
	if len(subscribedEventTypes) == 0 {
		return nil, fmt.Errorf("%w: no blockchain event subscribed to", coordinatorerr.ErrConfigError)
	}
	if commitInterval <= 0 {
		commitInterval = DefaultCommitInterval
	}

	s := &Source{
		group:          group,
		consumer:       consumer,
		producer:       producer,
		executionID:    executionID,
		st:             st,
		lock:           lk,
		subscribed:     subscribedEventTypes,
		iterators:      make(map[iterKey]*shard.Iterator),
		sink:           sink,
		interrupt:      interrupt,
		commitInterval: commitInterval,
		log:            log,
		met:            met,
		maxSeenSlot:    model.UndefinedSlot,
	}

	for _, et := range subscribedEventTypes {
		offsets := shardOffsetMapPerType[et]
		for shardID, pos := range offsets {
			key := iterKey{eventType: et, shard: shardID}
			s.iterators[key] = shard.New(st, producer, shardID, pos.Offset, pos.Slot, et, filter, log, met)
			s.order = append(s.order, key)
		}
	}
	sort.Slice(s.order, func(i, j int) bool {
		if s.order[i].eventType != s.order[j].eventType {
			return s.order[i].eventType < s.order[j].eventType
		}
		return s.order[i].shard < s.order[j].shard
	})

	for _, key := range s.order {
		s.iterators[key].Warm(ctx)
	}

	return s, nil
}

// Run executes the main loop until interrupted, fenced, orphaned, or the
// sink closes. A nil return means a clean interrupt-driven exit after a
// final commit; any non-nil return is fatal per spec.md §7.
func (s *Source) Run(ctx context.Context) error {
	deadline := time.Now().Add(s.commitInterval)

	for {
		for _, key := range s.order {
			select {
			case _, ok := <-s.interrupt:
				if !ok {
					return fmt.Errorf("%w: group=%s consumer=%s", coordinatorerr.ErrOrphanSource, s.group, s.consumer)
				}
				if err := s.commit(ctx); err != nil {
					return err
				}
				s.log.Log(logging.LevelInfo, "consumer source interrupted, exiting cleanly", "group_id", s.group, "consumer_id", s.consumer)
				return nil
			default:
			}

			if err := s.processOne(ctx, key); err != nil {
				return err
			}
		}

		if time.Now().After(deadline) {
			if err := s.commit(ctx); err != nil {
				return err
			}
			deadline = time.Now().Add(s.commitInterval)
		}
	}
}

func (s *Source) processOne(ctx context.Context, key iterKey) error {
	it := s.iterators[key]

	fetchStart := time.Now()
	ev, err := it.TryNext(ctx)
	fetchDur := time.Since(fetchStart)
	if err != nil {
		return err
	}
	if fetchDur > fetchLatencyWarnThreshold {
		s.log.Log(logging.LevelWarn, "shard fetch latency exceeded threshold", "group_id", s.group, "shard_id", key.shard, "latency_ms", fetchDur.Milliseconds())
	}
	if ev == nil {
		return nil
	}

	s.traceSlotAdvance(*ev)

	sendStart := time.Now()
	if err := s.sink.Send(ctx, *ev); err != nil {
		return err
	}
	sendDur := time.Since(sendStart)
	if s.met != nil {
		s.met.SendLatency.Observe(sendDur.Seconds())
		s.met.EventsDelivered.Inc()
	}
	if sendDur > sendLatencyWarnThreshold {
		s.log.Log(logging.LevelWarn, "consumer lagging: sink send latency exceeded threshold", "group_id", s.group, "consumer_id", s.consumer, "latency_ms", sendDur.Milliseconds())
	}

	return nil
}

func (s *Source) traceSlotAdvance(ev model.BlockchainEvent) {
	s.eventsSinceSlotAdv++
	if ev.Slot <= s.maxSeenSlot {
		return
	}
	if time.Since(s.lastSlotTrace) >= slotTraceThrottle {
		s.log.Log(logging.LevelDebug, "slot advanced", "group_id", s.group, "new_max_slot", ev.Slot, "events_since_last_advance", s.eventsSinceSlotAdv)
		s.lastSlotTrace = time.Now()
	}
	s.eventsSinceSlotAdv = 0
	s.maxSeenSlot = ev.Slot
}

// commit is the critical section of spec.md §4.3: snapshot every iterator's
// position, mint a fresh fencing token, and attempt the conditional write.
func (s *Source) commit(ctx context.Context) error {
	start := time.Now()

	snapshot := s.snapshotOffsets()

	token, err := s.lock.FencingTokenGen(ctx)
	if err != nil {
		return err
	}

	accountMap, txMap := s.foldForCommit(snapshot)

	key := store.OffsetKey{GroupId: s.group, ConsumerId: s.consumer, ExecutionId: s.executionID}
	applied, err := s.st.CommitOffsets(ctx, key, accountMap, txMap, token)
	if s.met != nil {
		s.met.CommitLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.met != nil {
			s.met.CommitsTotal.WithLabelValues("error").Inc()
		}
		return err
	}
	if !applied {
		if s.met != nil {
			s.met.CommitsTotal.WithLabelValues("fenced").Inc()
			s.met.FencedExits.WithLabelValues(string(s.group)).Inc()
		}
		return fmt.Errorf("%w: group=%s consumer=%s token=%d", coordinatorerr.ErrFenced, s.group, s.consumer, token)
	}

	if s.met != nil {
		s.met.CommitsTotal.WithLabelValues("applied").Inc()
	}
	s.log.Log(logging.LevelDebug, "committed consumer offsets", "group_id", s.group, "consumer_id", s.consumer, "token", token)
	return nil
}

// snapshotOffsets collects current (last_offset, last_slot) for every
// iterator bucketed by event type. A subscribed event type with no
// iterators contributes an empty map, per spec.md §9a.
func (s *Source) snapshotOffsets() map[model.EventType]model.ShardOffsetMap {
	snapshot := make(map[model.EventType]model.ShardOffsetMap, len(s.subscribed))
	for _, et := range s.subscribed {
		snapshot[et] = model.ShardOffsetMap{}
	}
	for key, it := range s.iterators {
		snapshot[key.eventType][key.shard] = model.ShardPosition{
			Offset: it.LastOffset(),
			Slot:   it.LastSlot(),
		}
	}
	return snapshot
}

// foldForCommit applies spec.md §4.3's event-type folding rule: when only
// one event type is subscribed, both the account and tx maps are set to
// that single snapshot, preserving a fixed row shape.
func (s *Source) foldForCommit(snapshot map[model.EventType]model.ShardOffsetMap) (accountMap, txMap model.ShardOffsetMap) {
	if len(s.subscribed) == 1 {
		only := snapshot[s.subscribed[0]]
		return only, only
	}
	return snapshot[model.AccountUpdate], snapshot[model.NewTransaction]
}
