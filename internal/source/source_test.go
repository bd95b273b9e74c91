package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/coordtest"
	"github.com/synapse-labs/cg-coordinator/internal/lock"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
	"github.com/synapse-labs/cg-coordinator/internal/metrics"
	"github.com/synapse-labs/cg-coordinator/internal/model"
	"github.com/synapse-labs/cg-coordinator/internal/store"
	"github.com/synapse-labs/cg-coordinator/internal/storetest"
)

func newTestLock(t *testing.T, group model.GroupId, consumer model.ConsumerId) *lock.Lock {
	t.Helper()
	c := coordtest.New()
	l, err := lock.TryLock(context.Background(), c, group, consumer, logging.Nop)
	require.NoError(t, err)
	return l
}

func TestSingleShardTwoEventsDeliveredInOrderThenCommit(t *testing.T) {
	fake := storetest.New()
	fake.Seed("p1", "s1", model.AccountUpdate,
		model.BlockchainEvent{ShardId: "s1", Offset: 1, Slot: 10, EventType: model.AccountUpdate},
		model.BlockchainEvent{ShardId: "s1", Offset: 2, Slot: 11, EventType: model.AccountUpdate},
	)

	lk := newTestLock(t, "g1", "c1")
	sink, recv := NewChannelSink(10)
	interrupt := make(chan struct{}, 1)

	s, err := New(context.Background(), "g1", "c1", "p1", "exec-1", fake, lk,
		[]model.EventType{model.AccountUpdate},
		map[model.EventType]model.ShardOffsetMap{
			model.AccountUpdate: {"s1": {Offset: 0, Slot: model.UndefinedSlot}},
		},
		sink, interrupt, 20*time.Millisecond, nil, logging.Nop, metrics.Noop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	ev1 := <-recv
	require.Equal(t, model.Offset(1), ev1.Offset)
	ev2 := <-recv
	require.Equal(t, model.Offset(2), ev2.Offset)

	interrupt <- struct{}{}
	require.NoError(t, <-done)

	row, ok := fake.LastCommit(store.OffsetKey{GroupId: "g1", ConsumerId: "c1", ExecutionId: "exec-1"})
	require.True(t, ok)
	require.Equal(t, model.Offset(2), row.AccountMap["s1"].Offset)
	require.Equal(t, model.Slot(11), row.AccountMap["s1"].Slot)
	// Single subscribed type folds into both maps.
	require.Equal(t, row.AccountMap, row.TxMap)
}

func TestCommitRaceFencesStaleSource(t *testing.T) {
	fake := storetest.New()
	c := coordtest.New()
	ctx := context.Background()

	l1, err := lock.TryLock(ctx, c, "g1", "c1", logging.Nop)
	require.NoError(t, err)
	// Fence l1 by taking the slot under a second lock after releasing l1's
	// hold, simulating a restarted source with a newer lease.
	l1.Release(ctx)
	l2, err := lock.TryLock(ctx, c, "g1", "c1", logging.Nop)
	require.NoError(t, err)

	key := store.OffsetKey{GroupId: "g1", ConsumerId: "c1", ExecutionId: "exec-1"}

	t1, err := l1.FencingTokenGen(ctx)
	require.Error(t, err) // l1's lease was released; minting must fail
	_ = t1

	t2, err := l2.FencingTokenGen(ctx)
	require.NoError(t, err)

	applied, err := fake.CommitOffsets(ctx, key, model.ShardOffsetMap{}, model.ShardOffsetMap{}, model.FencingToken(t2))
	require.NoError(t, err)
	require.True(t, applied)

	// A stale attempt with a smaller or equal token must not apply.
	applied, err = fake.CommitOffsets(ctx, key, model.ShardOffsetMap{}, model.ShardOffsetMap{}, model.FencingToken(t2))
	require.NoError(t, err)
	require.False(t, applied)
}

func TestTwoEventTypesProduceTwoNonEmptyMaps(t *testing.T) {
	fake := storetest.New()
	lk := newTestLock(t, "g1", "c1")
	sink, recv := NewChannelSink(10)
	interrupt := make(chan struct{})

	s, err := New(context.Background(), "g1", "c1", "p1", "exec-1", fake, lk,
		[]model.EventType{model.AccountUpdate, model.NewTransaction},
		map[model.EventType]model.ShardOffsetMap{
			model.AccountUpdate:  {"s1": {Offset: 5, Slot: 50}},
			model.NewTransaction: {"s2": {Offset: 7, Slot: 70}},
		},
		sink, interrupt, time.Hour, nil, logging.Nop, metrics.Noop())
	require.NoError(t, err)
	defer close(interrupt)
	_ = recv

	snapshot := s.snapshotOffsets()
	require.Len(t, snapshot[model.AccountUpdate], 1)
	require.Len(t, snapshot[model.NewTransaction], 1)

	accountMap, txMap := s.foldForCommit(snapshot)
	require.NotEqual(t, accountMap, txMap)
}

func TestEmptyEventTypeYieldsEmptyMapNotError(t *testing.T) {
	fake := storetest.New()
	lk := newTestLock(t, "g1", "c1")
	sink, recv := NewChannelSink(10)
	interrupt := make(chan struct{})

	s, err := New(context.Background(), "g1", "c1", "p1", "exec-1", fake, lk,
		[]model.EventType{model.AccountUpdate, model.NewTransaction},
		map[model.EventType]model.ShardOffsetMap{
			model.AccountUpdate: {"s1": {Offset: 5, Slot: 50}},
			// NewTransaction has no iterators at all.
		},
		sink, interrupt, time.Hour, nil, logging.Nop, metrics.Noop())
	require.NoError(t, err)
	defer close(interrupt)
	_ = recv

	snapshot := s.snapshotOffsets()
	require.NotNil(t, snapshot[model.NewTransaction])
	require.Empty(t, snapshot[model.NewTransaction])
}

func TestConstructionFailsWithNoSubscribedEventTypes(t *testing.T) {
	fake := storetest.New()
	lk := newTestLock(t, "g1", "c1")
	sink, _ := NewChannelSink(1)
	interrupt := make(chan struct{})
	defer close(interrupt)

	_, err := New(context.Background(), "g1", "c1", "p1", "exec-1", fake, lk,
		nil, nil, sink, interrupt, 0, nil, logging.Nop, metrics.Noop())
	require.Error(t, err)
	require.True(t, errors.Is(err, coordinatorerr.ErrConfigError))
}

func TestOrphanSourceOnClosedInterruptWithoutSignal(t *testing.T) {
	fake := storetest.New()
	lk := newTestLock(t, "g1", "c1")
	sink, _ := NewChannelSink(1)
	interrupt := make(chan struct{})

	s, err := New(context.Background(), "g1", "c1", "p1", "exec-1", fake, lk,
		[]model.EventType{model.AccountUpdate},
		map[model.EventType]model.ShardOffsetMap{
			model.AccountUpdate: {"s1": {Offset: 0, Slot: model.UndefinedSlot}},
		},
		sink, interrupt, time.Hour, nil, logging.Nop, metrics.Noop())
	require.NoError(t, err)

	close(interrupt) // closed WITHOUT ever sending a value: orphan, not a clean interrupt

	err = s.Run(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, coordinatorerr.ErrOrphanSource))
}

func TestSinkClosedIsFatal(t *testing.T) {
	fake := storetest.New()
	fake.Seed("p1", "s1", model.AccountUpdate,
		model.BlockchainEvent{ShardId: "s1", Offset: 1, Slot: 10, EventType: model.AccountUpdate})

	lk := newTestLock(t, "g1", "c1")
	sink, recv := NewChannelSink(0) // unbuffered, so Close can race a pending send deterministically via the closed channel
	interrupt := make(chan struct{})
	defer close(interrupt)
	_ = recv

	s, err := New(context.Background(), "g1", "c1", "p1", "exec-1", fake, lk,
		[]model.EventType{model.AccountUpdate},
		map[model.EventType]model.ShardOffsetMap{
			model.AccountUpdate: {"s1": {Offset: 0, Slot: model.UndefinedSlot}},
		},
		sink, interrupt, time.Hour, nil, logging.Nop, metrics.Noop())
	require.NoError(t, err)

	sink.Close()

	err = s.Run(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, coordinatorerr.ErrSinkClosed))
}
