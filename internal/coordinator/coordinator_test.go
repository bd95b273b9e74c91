package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/coordtest"
	"github.com/synapse-labs/cg-coordinator/internal/groupstore"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
	"github.com/synapse-labs/cg-coordinator/internal/metrics"
	"github.com/synapse-labs/cg-coordinator/internal/model"
	"github.com/synapse-labs/cg-coordinator/internal/producerqueries"
	"github.com/synapse-labs/cg-coordinator/internal/source"
	"github.com/synapse-labs/cg-coordinator/internal/storetest"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storetest.Fake, *groupstore.Fake) {
	t.Helper()
	st := storetest.New()
	gs := groupstore.NewFake()
	pq := producerqueries.NewFake(map[model.GroupId]model.ProducerId{"g1": "p1"})
	c := coordtest.New()
	return New(st, gs, pq, c, 20*time.Millisecond, logging.Nop, metrics.Noop()), st, gs
}

func TestCreateGroupRejectsDuplicate(t *testing.T) {
	co, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	group := &model.ConsumerGroup{
		GroupId:              "g1",
		ConsumerIdList:       []model.ConsumerId{"c1"},
		SubscribedEventTypes: []model.EventType{model.AccountUpdate},
		SeekLocation:         model.SeekToEarliest(),
	}

	_, err := co.CreateGroup(ctx, group)
	require.NoError(t, err)

	_, err = co.CreateGroup(ctx, group)
	require.Error(t, err)
	require.True(t, errors.Is(err, coordinatorerr.ErrGroupAlreadyExists), spew.Sdump(err))
}

func TestCreateGroupRejectsNoSubscribedEventTypes(t *testing.T) {
	co, _, _ := newTestCoordinator(t)
	_, err := co.CreateGroup(context.Background(), &model.ConsumerGroup{GroupId: "g1"})
	require.Error(t, err)
	require.True(t, errors.Is(err, coordinatorerr.ErrConfigError))
}

func TestJoinGroupUniquenessPerConsumer(t *testing.T) {
	co, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := co.CreateGroup(ctx, &model.ConsumerGroup{
		GroupId:              "g1",
		SubscribedEventTypes: []model.EventType{model.AccountUpdate},
		SeekLocation:         model.SeekToEarliest(),
	})
	require.NoError(t, err)

	p1, err := co.JoinGroup(ctx, "g1", "c1")
	require.NoError(t, err)
	require.NotNil(t, p1)

	_, err = co.JoinGroup(ctx, "g1", "c1")
	require.Error(t, err)
	require.True(t, errors.Is(err, coordinatorerr.ErrLockContended))
}

func TestJoinGroupElectsLeaderAndDeliversEvents(t *testing.T) {
	co, st, gs := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, gs.Create(ctx, &model.ConsumerGroup{
		GroupId:               "g1",
		SubscribedEventTypes:  []model.EventType{model.AccountUpdate},
		SeekLocation:          model.SeekToEarliest(),
		ShardOffsetMapPerType: map[model.EventType]model.ShardOffsetMap{model.AccountUpdate: {"s1": {Offset: 0, Slot: model.UndefinedSlot}}},
	}))
	st.Seed("p1", "s1", model.AccountUpdate,
		model.BlockchainEvent{ShardId: "s1", Offset: 1, Slot: 10, EventType: model.AccountUpdate})

	permit, err := co.JoinGroup(ctx, "g1", "c1")
	require.NoError(t, err)

	sink, recv := source.NewChannelSink(4)
	permit.Activate(ctx, sink, nil)

	select {
	case ev := <-recv:
		require.Equal(t, model.Offset(1), ev.Offset)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered event")
	}
}
