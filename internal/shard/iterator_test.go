package shard

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/synapse-labs/cg-coordinator/internal/logging"
	"github.com/synapse-labs/cg-coordinator/internal/metrics"
	"github.com/synapse-labs/cg-coordinator/internal/model"
	"github.com/synapse-labs/cg-coordinator/internal/storetest"
)

var errFetchBoom = errors.New("boom")

func TestIteratorAdvancesOffsetAndSlotMonotonically(t *testing.T) {
	fake := storetest.New()
	fake.Seed("p1", "s1", model.AccountUpdate,
		model.BlockchainEvent{ShardId: "s1", Offset: 1, Slot: 10, EventType: model.AccountUpdate, Payload: []byte("a")},
		model.BlockchainEvent{ShardId: "s1", Offset: 2, Slot: 11, EventType: model.AccountUpdate, Payload: []byte("b")},
	)

	it := New(fake, "p1", "s1", 0, model.UndefinedSlot, model.AccountUpdate, nil, logging.Nop, metrics.Noop())
	ctx := context.Background()
	it.Warm(ctx)

	ev1, err := it.TryNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev1)
	require.Equal(t, model.Offset(1), ev1.Offset)
	require.Equal(t, model.Offset(1), it.LastOffset())
	require.Equal(t, model.Slot(10), it.LastSlot())

	ev2, err := it.TryNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev2)
	require.Equal(t, model.Offset(2), ev2.Offset)

	ev3, err := it.TryNext(ctx)
	require.NoError(t, err)
	require.Nil(t, ev3)

	if diff := cmp.Diff(model.Offset(2), it.LastOffset()); diff != "" {
		t.Fatalf("unexpected last offset (-want +got):\n%s", diff)
	}
}

func TestIteratorFilterDiscardsWithoutAdvancingVisibleState(t *testing.T) {
	fake := storetest.New()
	fake.Seed("p1", "s1", model.AccountUpdate,
		model.BlockchainEvent{ShardId: "s1", Offset: 1, Slot: 10, EventType: model.AccountUpdate},
		model.BlockchainEvent{ShardId: "s1", Offset: 2, Slot: 11, EventType: model.AccountUpdate},
	)

	onlyOffsetTwo := func(ev model.BlockchainEvent) bool { return ev.Offset == 2 }
	it := New(fake, "p1", "s1", 0, model.UndefinedSlot, model.AccountUpdate, onlyOffsetTwo, logging.Nop, metrics.Noop())
	ctx := context.Background()
	it.Warm(ctx)

	ev, err := it.TryNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, model.Offset(2), ev.Offset)
	require.Equal(t, model.Offset(2), it.LastOffset())
}

func TestIteratorSurfacesFatalStoreError(t *testing.T) {
	fake := storetest.New()
	fake.FailFetch = errFetchBoom

	it := New(fake, "p1", "s1", 0, model.UndefinedSlot, model.AccountUpdate, nil, logging.Nop, metrics.Noop())
	ctx := context.Background()
	it.Warm(ctx)

	_, err := it.TryNext(ctx)
	require.Error(t, err)

	// A second call returns the same latched fatal error without retrying.
	_, err2 := it.TryNext(ctx)
	require.Error(t, err2)
	require.Equal(t, err, err2)
}
